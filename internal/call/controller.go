// Package call drives a single peer-to-peer call for the local party: the
// session state machine, its signaling and the media resources it owns.
//
// Every user action, relay event and collaborator callback is posted to one
// inbox and handled by one goroutine, so session state is never touched
// concurrently. Slow steps (media acquisition, publishing) run elsewhere and
// post their results back; results for a session that has moved on are
// discarded and anything they acquired is released.
package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("call")

// Timings are the controller's timeouts and retry policy.
type Timings struct {
	RingTimeout    time.Duration // Dialing/Ringing without answer ends with no-answer
	ConnectTimeout time.Duration // Active without a connected link ends with negotiation-failed
	DisposeDelay   time.Duration // Ended sessions stay visible this long
	PublishRetries int           // immediate retries per failed publish
}

func DefaultTimings() Timings {
	return Timings{
		RingTimeout:    45 * time.Second,
		ConnectTimeout: 30 * time.Second,
		DisposeDelay:   1500 * time.Millisecond,
		PublishRetries: 1,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.RingTimeout <= 0 {
		t.RingTimeout = d.RingTimeout
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = d.ConnectTimeout
	}
	if t.DisposeDelay < 0 {
		t.DisposeDelay = 0
	}
	if t.PublishRetries < 0 {
		t.PublishRetries = 0
	}
	return t
}

type Options struct {
	Self     Party
	Signaler Signaler
	Media    MediaAcquirer
	Links    LinkFactory
	Timings  Timings

	// NewSink builds the remote track sink for a session. Nil uses the RTP
	// counting sink.
	NewSink func(sessionID string) RemoteSink

	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

// Controller owns at most one live call session for the local party.
type Controller struct {
	self    Party
	sig     Signaler
	media   MediaAcquirer
	links   LinkFactory
	newSink func(string) RemoteSink
	now     func() time.Time

	inbox       *mailbox[func()]
	out         *outbox
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	unsubscribe func()

	// owned by the run loop
	sess    *session
	gen     uint64
	timings Timings
	seen    *seenSet

	mu   sync.RWMutex
	snap *Session
	subs map[chan *Session]struct{}
}

// New creates a Controller for opts.Self and starts listening for relay
// events immediately.
func New(opts Options) (*Controller, error) {
	if err := proto.ValidateParty(opts.Self.ID); err != nil {
		return nil, fmt.Errorf("call: self: %w", err)
	}
	if opts.Signaler == nil || opts.Media == nil || opts.Links == nil {
		return nil, errors.New("call: signaler, media and links are required")
	}

	c := &Controller{
		self:    opts.Self,
		sig:     opts.Signaler,
		media:   opts.Media,
		links:   opts.Links,
		newSink: opts.NewSink,
		now:     opts.Now,
		inbox:   newMailbox[func()](),
		out:     newOutbox(opts.Signaler),
		done:    make(chan struct{}),
		timings: opts.Timings.withDefaults(),
		seen:    newSeenSet(256),
		subs:    make(map[chan *Session]struct{}),
	}
	if c.newSink == nil {
		c.newSink = func(id string) RemoteSink { return newRTPSink(id) }
	}
	if c.now == nil {
		c.now = time.Now
	}

	ch, cancel := opts.Signaler.Subscribe()
	c.unsubscribe = cancel

	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.run() }()
	go func() { defer c.wg.Done(); c.out.run() }()
	go func() { defer c.wg.Done(); c.dispatchLoop(ch) }()

	log.Infof("call controller ready for %s", c.self.ID)
	return c, nil
}

// Self returns the local party.
func (c *Controller) Self() Party { return c.self }

// Close ends any live session (notifying the peer best-effort), lets queued
// envelopes go out briefly and stops all goroutines. Idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		_ = c.do(func() error {
			if s := c.sess; s != nil {
				if s.live() {
					c.terminate(s, userEndReason(s), true)
				}
				if s.disposeTimer != nil {
					s.disposeTimer.Stop()
				}
			}
			return nil
		})
		c.unsubscribe()
		c.out.close(util.ShortTimeout)
		close(c.done)
		c.wg.Wait()

		c.mu.Lock()
		for ch := range c.subs {
			close(ch)
		}
		c.subs = make(map[chan *Session]struct{})
		c.snap = nil
		c.mu.Unlock()
		log.Infof("call controller for %s closed", c.self.ID)
	})
}

// State returns a copy of the current session, or nil when idle.
func (c *Controller) State() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return nil
	}
	cp := *c.snap
	return &cp
}

// Subscribe returns a channel that receives a session copy after every
// change (nil means idle). The current state is delivered first. Slow
// subscribers miss intermediate states rather than block the controller,
// but the newest state always reaches them.
func (c *Controller) Subscribe() (ch chan *Session, cancel func()) {
	ch = make(chan *Session, 32)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	c.subs[ch] = struct{}{}
	ch <- copySession(c.snap)
	c.mu.Unlock()

	cancel = func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// SetTimings applies new timings to timers armed from now on.
func (c *Controller) SetTimings(t Timings) {
	c.post(func() { c.timings = t.withDefaults() })
}

// Stats returns remote track counters for the current session.
func (c *Controller) Stats() ([]TrackStats, error) {
	var out []TrackStats
	err := c.do(func() error {
		if c.sess == nil {
			return ErrNoSession
		}
		if c.sess.res.sink != nil {
			out = c.sess.res.sink.Stats()
		}
		return nil
	})
	return out, err
}

// StartCall creates an outgoing session in Dialing and starts acquiring
// media. The returned copy is in Dialing; progress arrives via Subscribe.
func (c *Controller) StartCall(t Target) (*Session, error) {
	if err := proto.ValidateParty(t.ID); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	if t.ID == c.self.ID {
		return nil, errors.New("target: cannot call yourself")
	}
	if !t.Kind.Valid() {
		return nil, proto.ErrBadKind
	}

	var out *Session
	err := c.do(func() error {
		if c.sess != nil && c.sess.live() {
			return ErrBusy
		}
		s := c.newSession(Outgoing, t.Kind, t.Party, dialing{})
		c.install(s)
		log.Infof("CALL [%s]: dialing %s (%s)", s.id, s.remote.ID, s.kind)
		c.publishState()
		out = s.snapshot()
		c.acquire(s)
		return nil
	})
	return out, err
}

// AcceptCall answers the ringing session. Media is acquired only now.
func (c *Controller) AcceptCall() error {
	return c.do(func() error {
		s := c.sess
		if s == nil {
			return ErrNoSession
		}
		r, ok := s.phase.(ringing)
		if !ok || r.accepted {
			return fmt.Errorf("%w: accept while %s", ErrInvalidState, s.status())
		}
		r.accepted = true
		s.phase = r
		stopTimer(&s.ringTimer)
		log.Infof("CALL [%s]: accepted, acquiring %s media", s.id, s.kind)
		c.publishState()
		c.acquire(s)
		return nil
	})
}

// DeclineCall rejects the ringing session without touching media.
func (c *Controller) DeclineCall() error {
	return c.do(func() error {
		s := c.sess
		if s == nil {
			return ErrNoSession
		}
		if s.status() != StatusRinging {
			return fmt.Errorf("%w: decline while %s", ErrInvalidState, s.status())
		}
		c.terminate(s, proto.ReasonDeclined, true)
		return nil
	})
}

// EndCall hangs up. Ending an already ending or ended session is a no-op.
func (c *Controller) EndCall() error {
	return c.do(func() error {
		s := c.sess
		if s == nil {
			return ErrNoSession
		}
		if !s.live() {
			log.Debugf("CALL [%s]: end ignored, already %s", s.id, s.status())
			return nil
		}
		c.terminate(s, userEndReason(s), true)
		return nil
	})
}

// ToggleMute flips the local microphone and returns the new muted state.
func (c *Controller) ToggleMute() (bool, error) {
	var muted bool
	err := c.do(func() error {
		s := c.sess
		if s == nil {
			return ErrNoSession
		}
		if st := s.status(); st != StatusDialing && st != StatusActive {
			return fmt.Errorf("%w: mute while %s", ErrInvalidState, st)
		}
		muted = !s.muted
		if s.res.link != nil && s.res.media != nil {
			if err := s.res.link.SetAudioMuted(muted); err != nil {
				return fmt.Errorf("set mute: %w", err)
			}
		}
		s.muted = muted
		log.Infof("CALL [%s]: audio muted=%v", s.id, muted)
		c.publishState()
		return nil
	})
	return muted, err
}

// Minimize and Restore toggle the presentation flag only.
func (c *Controller) Minimize() error { return c.setMinimized(true) }
func (c *Controller) Restore() error  { return c.setMinimized(false) }

func (c *Controller) setMinimized(v bool) error {
	return c.do(func() error {
		if c.sess == nil {
			return ErrNoSession
		}
		if c.sess.minimized != v {
			c.sess.minimized = v
			c.publishState()
		}
		return nil
	})
}

// ── run loop plumbing ──────────────────────────────────────────────────────

func (c *Controller) run() {
	for {
		select {
		case <-c.done:
			// Late results still need their resources released. Anything
			// posted after this is refused, and the poster cleans up.
			for _, fn := range c.inbox.close() {
				fn()
			}
			return
		case <-c.inbox.signal:
			for _, fn := range c.inbox.take() {
				fn()
			}
		}
	}
}

func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	return c.inbox.push(fn)
}

// do runs fn on the run loop and waits for its result.
func (c *Controller) do(fn func() error) error {
	res := make(chan error, 1)
	if !c.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) current(gen uint64) *session {
	if c.sess == nil || c.sess.gen != gen {
		return nil
	}
	return c.sess
}

// after runs fn on the run loop after d, if s is still the current session.
func (c *Controller) after(s *session, d time.Duration, fn func(*session)) *time.Timer {
	gen := s.gen
	return time.AfterFunc(d, func() {
		c.post(func() {
			if cur := c.current(gen); cur != nil {
				fn(cur)
			}
		})
	})
}

func (c *Controller) publishState() {
	var snap *Session
	if c.sess != nil {
		snap = c.sess.snapshot()
	}
	c.mu.Lock()
	c.snap = snap
	for ch := range c.subs {
		offerLatest(ch, copySession(snap))
	}
	c.mu.Unlock()
}

// offerLatest sends s without blocking. A full channel loses its oldest
// queued snapshot instead, so a slow reader always ends on the latest state.
// Callers hold c.mu, the only place subscriber channels are written.
func offerLatest(ch chan *Session, s *Session) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// ── session lifecycle ──────────────────────────────────────────────────────

func (c *Controller) newSessionID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strconv.FormatInt(c.now().UnixMilli(), 36) + "-" + suffix
}

func (c *Controller) newSession(dir Direction, kind proto.Kind, remote Party, p phase) *session {
	id := c.newSessionID()
	return &session{
		id:        id,
		kind:      kind,
		dir:       dir,
		remote:    remote,
		startedAt: c.now(),
		phase:     p,
		res:       newResourceSet(id),
	}
}

// install makes s the current session, replacing an ended one still in its
// dispose delay.
func (c *Controller) install(s *session) {
	if old := c.sess; old != nil {
		stopTimer(&old.disposeTimer)
	}
	c.gen++
	s.gen = c.gen
	c.sess = s
	s.ringTimer = c.after(s, c.timings.RingTimeout, c.ringExpired)
}

func (c *Controller) acquire(s *session) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelPending = cancel
	gen, kind := s.gen, s.kind
	go func() {
		m, err := c.media.Acquire(ctx, kind)
		if !c.post(func() { c.mediaReady(gen, m, err) }) && m != nil {
			m.Stop()
		}
	}()
}

func awaitingMedia(s *session) bool {
	if !s.live() || s.res.media != nil {
		return false
	}
	switch p := s.phase.(type) {
	case dialing:
		return true
	case ringing:
		return p.accepted
	}
	return false
}

// mediaReady continues StartCall or AcceptCall once local media resolves.
func (c *Controller) mediaReady(gen uint64, m LocalMedia, err error) {
	s := c.current(gen)
	if s == nil || !awaitingMedia(s) {
		if m != nil {
			m.Stop()
		}
		log.Infof("CALL: media result for a finished session discarded")
		return
	}
	if s.cancelPending != nil {
		s.cancelPending()
		s.cancelPending = nil
	}
	if err != nil {
		log.Warnf("CALL [%s]: media: %v", s.id, err)
		// The caller has sent nothing yet, so only the callee notifies.
		c.terminate(s, proto.ReasonMediaDenied, s.dir == Incoming)
		return
	}
	s.res.media = m

	link, err := c.links.NewLink(s.id, s.kind)
	if err != nil {
		log.Errorf("CALL [%s]: create peer link: %v", s.id, err)
		c.terminate(s, proto.ReasonNegotiationFailed, s.dir == Incoming)
		return
	}
	s.res.link = link
	s.res.sink = c.newSink(s.id)
	c.bindLink(s, link)

	if s.dir == Outgoing {
		c.sendOffer(s)
	} else {
		c.sendAnswer(s)
	}
}

func (c *Controller) attachTracks(s *session) {
	for _, t := range s.res.media.Tracks() {
		if err := s.res.link.AddTrack(t); err != nil {
			log.Warnf("CALL [%s]: add track: %v", s.id, err)
		}
	}
	if s.muted {
		if err := s.res.link.SetAudioMuted(true); err != nil {
			log.Warnf("CALL [%s]: apply mute: %v", s.id, err)
		}
	}
}

func (c *Controller) sendOffer(s *session) {
	c.attachTracks(s)
	offer, err := s.res.link.CreateOffer()
	if err == nil {
		err = s.res.link.SetLocalDescription(offer)
	}
	if err != nil {
		log.Errorf("CALL [%s]: create offer: %v", s.id, err)
		c.terminate(s, proto.ReasonNegotiationFailed, false)
		return
	}
	c.send(s, proto.Event{
		Type:            proto.TypeOffer,
		To:              s.remote.ID,
		SDP:             offer.SDP,
		Kind:            s.kind,
		FromDisplayName: c.self.DisplayName,
		FromAvatarRef:   c.self.AvatarRef,
	}, true)
	log.Infof("CALL [%s]: offer queued for %s", s.id, s.remote.ID)
}

func (c *Controller) sendAnswer(s *session) {
	r := s.phase.(ringing)
	if err := s.res.applyRemote(Description{Type: "offer", SDP: r.offer}); err != nil {
		log.Errorf("CALL [%s]: apply offer: %v", s.id, err)
		c.terminate(s, proto.ReasonNegotiationFailed, true)
		return
	}
	c.attachTracks(s)
	answer, err := s.res.link.CreateAnswer()
	if err == nil {
		err = s.res.link.SetLocalDescription(answer)
	}
	if err != nil {
		log.Errorf("CALL [%s]: create answer: %v", s.id, err)
		c.terminate(s, proto.ReasonNegotiationFailed, true)
		return
	}
	c.send(s, proto.Event{Type: proto.TypeAnswer, To: s.remote.ID, SDP: answer.SDP}, true)
	c.activate(s)
}

// activate moves s to Active and starts the connect timeout.
func (c *Controller) activate(s *session) {
	if err := s.moveTo(active{answeredAt: c.now()}); err != nil {
		log.Errorf("CALL [%s]: %v", s.id, err)
		return
	}
	stopTimer(&s.ringTimer)
	s.connectTimer = c.after(s, c.timings.ConnectTimeout, c.connectExpired)
	log.Infof("CALL [%s]: active with %s", s.id, s.remote.ID)
	c.publishState()
}

// bindLink routes link callbacks into the inbox, tagged with the session
// generation so late callbacks from a closed link are ignored.
func (c *Controller) bindLink(s *session, link PeerLink) {
	gen := s.gen
	link.OnLocalCandidate(func(cand proto.Candidate) {
		c.post(func() {
			if cur := c.current(gen); cur != nil && cur.live() {
				c.send(cur, proto.Event{Type: proto.TypeCandidate, To: cur.remote.ID, Candidate: &cand}, false)
			}
		})
	})
	link.OnRemoteTrack(func(t RemoteTrack) {
		c.post(func() {
			cur := c.current(gen)
			if cur == nil || !cur.live() || cur.res.sink == nil {
				return
			}
			log.Infof("CALL [%s]: remote %s track %s", cur.id, t.Kind(), t.ID())
			cur.res.sink.Attach(t)
		})
	})
	link.OnStateChange(func(st LinkState) {
		c.post(func() {
			if cur := c.current(gen); cur != nil {
				c.linkStateChanged(cur, st)
			}
		})
	})
}

func (c *Controller) linkStateChanged(s *session, st LinkState) {
	if !s.live() {
		return
	}
	log.Debugf("CALL [%s]: link %s", s.id, st)
	switch st {
	case LinkConnected:
		if a, ok := s.phase.(active); ok && !a.connected {
			a.connected = true
			s.phase = a
			stopTimer(&s.connectTimer)
			c.publishState()
		}
	case LinkFailed:
		c.terminate(s, proto.ReasonNegotiationFailed, true)
	}
}

func (c *Controller) ringExpired(s *session) {
	switch p := s.phase.(type) {
	case dialing:
	case ringing:
		if p.accepted {
			return
		}
	default:
		return
	}
	log.Infof("CALL [%s]: no answer after %s", s.id, c.timings.RingTimeout)
	c.terminate(s, proto.ReasonNoAnswer, true)
}

func (c *Controller) connectExpired(s *session) {
	if a, ok := s.phase.(active); ok && !a.connected {
		log.Warnf("CALL [%s]: link not connected after %s", s.id, c.timings.ConnectTimeout)
		c.terminate(s, proto.ReasonNegotiationFailed, true)
	}
}

// send queues ev for the session's peer. The id is recorded as seen so the
// relay's echo of our own envelope is not mistaken for another surface's.
// Critical envelopes (offer, answer) end the session if they cannot be
// published.
func (c *Controller) send(s *session, ev proto.Event, critical bool) {
	var onFail func(error)
	if critical {
		gen, typ := s.gen, ev.Type
		onFail = func(err error) {
			c.post(func() {
				if cur := c.current(gen); cur != nil && cur.live() {
					log.Warnf("CALL [%s]: %s could not be delivered: %v", cur.id, typ, err)
					c.terminate(cur, proto.ReasonSignalFailed, true)
				}
			})
		}
	}
	c.enqueue(ev, onFail)
}

func (c *Controller) enqueue(ev proto.Event, onFail func(error)) {
	ev.ID = uuid.NewString()
	ev.From = c.self.ID
	c.seen.add(ev.ID)
	c.out.enqueue(ev, c.timings.PublishRetries, onFail)
}

func userEndReason(s *session) proto.Reason {
	switch s.status() {
	case StatusDialing:
		return proto.ReasonCancelled
	case StatusRinging:
		return proto.ReasonDeclined
	}
	return proto.ReasonEnded
}

// terminate is the single teardown path: Ending, optional End publish,
// ordered release, Ended, then dispose after the grace delay.
func (c *Controller) terminate(s *session, reason proto.Reason, notify bool) {
	if !s.live() {
		return
	}
	answeredAt := s.answeredAt()
	if err := s.moveTo(ending{reason: reason, answeredAt: answeredAt}); err != nil {
		log.Errorf("CALL [%s]: %v", s.id, err)
		return
	}
	s.stopTimers()
	if s.cancelPending != nil {
		s.cancelPending()
		s.cancelPending = nil
	}
	c.publishState()

	if notify {
		c.send(s, proto.Event{Type: proto.TypeEnd, To: s.remote.ID, Reason: reason}, false)
	}
	s.res.release()

	if err := s.moveTo(ended{reason: reason, answeredAt: answeredAt, at: c.now()}); err != nil {
		log.Errorf("CALL [%s]: %v", s.id, err)
	}
	log.Infof("CALL [%s]: ended (%s)", s.id, reason)
	c.publishState()

	s.disposeTimer = c.after(s, c.timings.DisposeDelay, c.dispose)
}

func (c *Controller) dispose(s *session) {
	if s.status() != StatusEnded {
		return
	}
	s.disposeTimer = nil
	c.sess = nil
	log.Debugf("CALL [%s]: disposed", s.id)
	c.publishState()
}
