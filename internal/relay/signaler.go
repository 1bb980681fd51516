package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/proto"
)

// Transport names for Signaler.
const (
	TransportSSE = "sse"
	TransportWS  = "ws"
)

const (
	listenerBuffer = 256
	backlogCap     = 256
)

// Signaler connects one party to a relay. It publishes envelopes through
// the Client and fans the party's channel out to in-process listeners,
// holding events while nobody is listening.
type Signaler struct {
	client    *Client
	party     string
	transport string

	mu      sync.Mutex
	subs    map[chan proto.Event]struct{}
	backlog []proto.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSignaler(client *Client, party, transport string) *Signaler {
	if transport != TransportWS {
		transport = TransportSSE
	}
	return &Signaler{
		client:    client,
		party:     party,
		transport: transport,
		subs:      make(map[chan proto.Event]struct{}),
	}
}

// Start opens the channel subscription. It runs until Close or ctx ends.
func (s *Signaler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Infof("subscribing to %s via %s as %s", s.client.BaseURL, s.transport, s.party)
		if s.transport == TransportWS {
			s.client.SubscribeWS(ctx, s.party, s.fanOut)
		} else {
			s.client.SubscribeEvents(ctx, s.party, s.fanOut)
		}
	}()
}

// Close stops the subscription and closes all listener channels.
func (s *Signaler) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan proto.Event]struct{})
	s.mu.Unlock()
}

// Publish stamps ev with an id and timestamp when missing and posts it.
func (s *Signaler) Publish(ctx context.Context, ev proto.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS == 0 {
		ev.TS = proto.NowMillis()
	}
	return s.client.Publish(ctx, ev)
}

// Subscribe returns a listener channel. Events held while nobody was
// listening are delivered first.
func (s *Signaler) Subscribe() (chan proto.Event, func()) {
	ch := make(chan proto.Event, listenerBuffer)

	s.mu.Lock()
	for _, ev := range s.backlog {
		ch <- ev
	}
	s.backlog = nil
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Signaler) fanOut(ev proto.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subs) == 0 {
		if len(s.backlog) >= backlogCap {
			s.backlog = s.backlog[1:]
		}
		s.backlog = append(s.backlog, ev)
		return
	}
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			log.Warnf("listener for %s is not keeping up, %s dropped", s.party, ev.Type)
		}
	}
}
