package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

const (
	maxStreams      = 1024 // global SSE + WebSocket limit
	maxStreamsPerIP = 10

	inboxCap = 200
	inboxTTL = 60 * time.Second

	streamBuffer = 256
)

// stream is one subscriber connection on a party channel.
type stream struct {
	channel string
	ip      string
	ch      chan []byte
}

type queued struct {
	b  []byte
	at time.Time
}

// hub routes event payloads to the streams subscribed on a channel. Events
// for a channel nobody is listening on wait in that channel's inbox and are
// replayed, in order, to the next subscriber.
type hub struct {
	mu      sync.Mutex
	streams map[string]map[*stream]struct{}
	perIP   map[string]int
	total   int
	inbox   map[string]*util.RingBuffer[queued]
	now     func() time.Time
}

func newHub() *hub {
	return &hub{
		streams: make(map[string]map[*stream]struct{}),
		perIP:   make(map[string]int),
		inbox:   make(map[string]*util.RingBuffer[queued]),
		now:     time.Now,
	}
}

// subscribe registers a stream on channel and preloads it with the
// channel's unexpired backlog.
func (h *hub) subscribe(channel, ip string) (*stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.total >= maxStreams {
		return nil, fmt.Errorf("too many streams (%d)", maxStreams)
	}
	if h.perIP[ip] >= maxStreamsPerIP {
		return nil, fmt.Errorf("too many streams from %s (%d)", ip, maxStreamsPerIP)
	}

	s := &stream{channel: channel, ip: ip, ch: make(chan []byte, streamBuffer)}
	if h.streams[channel] == nil {
		h.streams[channel] = make(map[*stream]struct{})
	}
	h.streams[channel][s] = struct{}{}
	h.perIP[ip]++
	h.total++

	if box, ok := h.inbox[channel]; ok {
		delete(h.inbox, channel)
		cutoff := h.now().Add(-inboxTTL)
		n := 0
		for _, q := range box.Drain() {
			if q.at.Before(cutoff) {
				continue
			}
			s.ch <- q.b
			n++
		}
		if n > 0 {
			log.Debugf("replayed %d buffered events on %s", n, channel)
		}
	}
	return s, nil
}

func (h *hub) unsubscribe(s *stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.streams[s.channel]
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.streams, s.channel)
	}
	h.perIP[s.ip]--
	if h.perIP[s.ip] <= 0 {
		delete(h.perIP, s.ip)
	}
	h.total--
}

// deliver hands b to every stream on channel, or buffers it when there is
// none. It reports how many streams received it.
func (h *hub) deliver(channel string, b []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.streams[channel]
	if len(subs) == 0 {
		box, ok := h.inbox[channel]
		if !ok {
			box = util.NewRingBuffer[queued](inboxCap)
			h.inbox[channel] = box
		}
		if _, evicted := box.Push(queued{b: b, at: h.now()}); evicted {
			log.Warnf("inbox for %s full, oldest event dropped", channel)
		}
		return 0
	}

	n := 0
	for s := range subs {
		select {
		case s.ch <- b:
			n++
		default:
			log.Warnf("stream on %s (%s) is not keeping up, event dropped", channel, s.ip)
		}
	}
	return n
}

// expire drops inboxes whose newest entry is older than the TTL.
func (h *hub) expire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-inboxTTL)
	for channel, box := range h.inbox {
		items := box.Snapshot()
		if len(items) == 0 || items[len(items)-1].at.Before(cutoff) {
			delete(h.inbox, channel)
		}
	}
}

// counts returns the active stream total and the number of buffered
// channels.
func (h *hub) counts() (streams, inboxes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total, len(h.inbox)
}
