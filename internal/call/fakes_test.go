package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/proto"
)

// recorder is an ordered, concurrency-safe event log shared by one peer's
// fakes.
type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.log = append(r.log, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

// matching returns the entries with the given prefix, in order.
func (r *recorder) matching(prefix string) []string {
	var out []string
	for _, e := range r.entries() {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(entry string) int {
	n := 0
	for _, e := range r.entries() {
		if e == entry {
			n++
		}
	}
	return n
}

// ── relay ──────────────────────────────────────────────────────────────────

// memRelay delivers envelopes between in-process signalers the way the
// relay does: to the recipient's channel, plus an echo of every end to the
// sender's channel.
type memRelay struct {
	mu        sync.Mutex
	subs      map[string][]chan proto.Event
	delivered []proto.Event
}

func newMemRelay() *memRelay {
	return &memRelay{subs: make(map[string][]chan proto.Event)}
}

func (r *memRelay) signaler(party string) *fakeSignaler {
	return &fakeSignaler{relay: r, party: party}
}

func (r *memRelay) deliver(ev proto.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.TS == 0 {
		ev.TS = proto.NowMillis()
	}
	r.delivered = append(r.delivered, ev)
	for _, ch := range r.subs[ev.To] {
		ch <- ev
	}
	if ev.Type == proto.TypeEnd && ev.From != ev.To {
		for _, ch := range r.subs[ev.From] {
			ch <- ev
		}
	}
}

func (r *memRelay) sent(from, typ string) []proto.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []proto.Event
	for _, ev := range r.delivered {
		if ev.From == from && (typ == "" || ev.Type == typ) {
			out = append(out, ev)
		}
	}
	return out
}

type fakeSignaler struct {
	relay *memRelay
	party string

	mu       sync.Mutex
	failing  bool
	attempts []proto.Event
}

func (s *fakeSignaler) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *fakeSignaler) attemptsOf(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.attempts {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (s *fakeSignaler) Publish(_ context.Context, ev proto.Event) error {
	s.mu.Lock()
	s.attempts = append(s.attempts, ev)
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("relay unreachable")
	}
	s.relay.deliver(ev)
	return nil
}

func (s *fakeSignaler) Subscribe() (chan proto.Event, func()) {
	ch := make(chan proto.Event, 256)
	r := s.relay
	r.mu.Lock()
	r.subs[s.party] = append(r.subs[s.party], ch)
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.subs[s.party]
		for i, c := range list {
			if c == ch {
				r.subs[s.party] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// inject delivers ev straight to this party's subscribers.
func (s *fakeSignaler) inject(ev proto.Event) {
	r := s.relay
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs[s.party] {
		ch <- ev
	}
}

// ── media ──────────────────────────────────────────────────────────────────

type fakeMedia struct {
	rec *recorder

	mu   sync.Mutex
	err  error
	gate chan struct{}
}

func (m *fakeMedia) deny(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// block makes Acquire wait until release is called or its ctx is done.
func (m *fakeMedia) block() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (m *fakeMedia) Acquire(ctx context.Context, kind proto.Kind) (LocalMedia, error) {
	m.mu.Lock()
	gate, err := m.gate, m.err
	m.mu.Unlock()
	m.rec.add("media.acquire %s", kind)

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			m.rec.add("media.cancelled")
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &fakeLocal{rec: m.rec}, nil
}

type fakeLocal struct {
	rec  *recorder
	once sync.Once
}

func (l *fakeLocal) Tracks() []webrtc.TrackLocal { return nil }

func (l *fakeLocal) Stop() {
	l.once.Do(func() { l.rec.add("media.stop") })
}

// ── links ──────────────────────────────────────────────────────────────────

type fakeLinks struct {
	rec *recorder

	mu    sync.Mutex
	links []*fakeLink
	err   error
}

func (f *fakeLinks) NewLink(sessionID string, kind proto.Kind) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.rec.add("link.new %s", kind)
	l := &fakeLink{id: sessionID, rec: f.rec}
	f.links = append(f.links, l)
	return l, nil
}

func (f *fakeLinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func (f *fakeLinks) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

type fakeLink struct {
	id  string
	rec *recorder

	mu          sync.Mutex
	onCandidate func(proto.Candidate)
	onTrack     func(RemoteTrack)
	onState     func(LinkState)
	remoteErr   error
}

func (l *fakeLink) AddTrack(webrtc.TrackLocal) error { return nil }

func (l *fakeLink) CreateOffer() (Description, error) {
	return Description{Type: "offer", SDP: "v=0 offer " + l.id}, nil
}

func (l *fakeLink) CreateAnswer() (Description, error) {
	return Description{Type: "answer", SDP: "v=0 answer " + l.id}, nil
}

func (l *fakeLink) SetLocalDescription(d Description) error {
	l.rec.add("link.local %s", d.Type)
	return nil
}

func (l *fakeLink) SetRemoteDescription(d Description) error {
	l.mu.Lock()
	err := l.remoteErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.rec.add("link.remote %s", d.Type)
	return nil
}

func (l *fakeLink) AddICECandidate(c proto.Candidate) error {
	l.rec.add("link.candidate %s", c.Candidate)
	return nil
}

func (l *fakeLink) SetAudioMuted(muted bool) error {
	l.rec.add("link.muted %v", muted)
	return nil
}

func (l *fakeLink) OnLocalCandidate(fn func(proto.Candidate)) {
	l.mu.Lock()
	l.onCandidate = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnRemoteTrack(fn func(RemoteTrack)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnStateChange(fn func(LinkState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

func (l *fakeLink) Close() error {
	l.rec.add("link.close")
	return nil
}

func (l *fakeLink) emitCandidate(c string) {
	l.mu.Lock()
	fn := l.onCandidate
	l.mu.Unlock()
	fn(proto.Candidate{Candidate: c})
}

func (l *fakeLink) emitState(st LinkState) {
	l.mu.Lock()
	fn := l.onState
	l.mu.Unlock()
	fn(st)
}

func (l *fakeLink) emitTrack(t RemoteTrack) {
	l.mu.Lock()
	fn := l.onTrack
	l.mu.Unlock()
	fn(t)
}

type fakeSink struct {
	rec *recorder

	mu       sync.Mutex
	attached []string
}

func (s *fakeSink) Attach(t RemoteTrack) {
	s.mu.Lock()
	s.attached = append(s.attached, t.ID())
	s.mu.Unlock()
	s.rec.add("sink.attach %s", t.ID())
}

func (s *fakeSink) Stats() []TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackStats, 0, len(s.attached))
	for _, id := range s.attached {
		out = append(out, TrackStats{TrackID: id})
	}
	return out
}

func (s *fakeSink) Stop() { s.rec.add("sink.stop") }

// fakeTrack replays queued packets, then reports EOF.
type fakeTrack struct {
	id        string
	kind      proto.Kind
	packets   chan *rtp.Packet
	keyframes int
	mu        sync.Mutex
}

func newFakeTrack(id string, kind proto.Kind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, packets: make(chan *rtp.Packet, 64)}
}

func (t *fakeTrack) ID() string       { return t.id }
func (t *fakeTrack) Kind() proto.Kind { return t.kind }

func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

func (t *fakeTrack) RequestKeyframe() error {
	t.mu.Lock()
	t.keyframes++
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) send(seq uint16, payload int) {
	t.packets <- &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: make([]byte, payload)}
}

// ── peers ──────────────────────────────────────────────────────────────────

type testPeer struct {
	c     *Controller
	sig   *fakeSignaler
	media *fakeMedia
	links *fakeLinks
	rec   *recorder
}

func testTimings() Timings {
	return Timings{
		RingTimeout:    time.Minute,
		ConnectTimeout: time.Minute,
		DisposeDelay:   time.Minute,
		PublishRetries: 1,
	}
}

func newTestPeer(t *testing.T, relay *memRelay, id string, timings Timings) *testPeer {
	t.Helper()
	rec := &recorder{}
	p := &testPeer{
		sig:   relay.signaler(id),
		media: &fakeMedia{rec: rec},
		links: &fakeLinks{rec: rec},
		rec:   rec,
	}
	c, err := New(Options{
		Self:     Party{ID: id, DisplayName: strings.ToUpper(id)},
		Signaler: p.sig,
		Media:    p.media,
		Links:    p.links,
		Timings:  timings,
		NewSink:  func(string) RemoteSink { return &fakeSink{rec: rec} },
	})
	require.NoError(t, err)
	p.c = c
	t.Cleanup(c.Close)
	return p
}

const waitFor = 2 * time.Second

func (p *testPeer) waitStatus(t *testing.T, st Status) *Session {
	t.Helper()
	var s *Session
	require.Eventually(t, func() bool {
		s = p.c.State()
		return s != nil && s.Status == st
	}, waitFor, 5*time.Millisecond, "waiting for %s", st)
	return s
}

func (p *testPeer) waitEnded(t *testing.T, reason proto.Reason) *Session {
	t.Helper()
	s := p.waitStatus(t, StatusEnded)
	require.Equal(t, reason, s.EndReason)
	return s
}

// inspect runs fn on the controller's run loop.
func (p *testPeer) inspect(fn func(s *session)) {
	_ = p.c.do(func() error {
		fn(p.c.sess)
		return nil
	})
}
