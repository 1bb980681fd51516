package call

import (
	"context"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"
)

// mailbox is an unbounded FIFO drained by a single goroutine. push never
// blocks, so collaborator callbacks can post from any goroutine, including
// the draining one. Once closed, push refuses new items.
type mailbox[T any] struct {
	mu     sync.Mutex
	q      []T
	closed bool
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

// push queues v and reports whether the drainer will see it.
func (m *mailbox[T]) push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.q = append(m.q, v)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// close refuses further pushes and returns what was still queued.
func (m *mailbox[T]) close() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	q := m.q
	m.q = nil
	return q
}

func (m *mailbox[T]) take() []T {
	m.mu.Lock()
	q := m.q
	m.q = nil
	m.mu.Unlock()
	return q
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.q)
}

// outbound is one envelope waiting to be published.
type outbound struct {
	ev      proto.Event
	retries int
	onFail  func(error)
}

// outbox publishes envelopes strictly in enqueue order, so a party never
// sees a candidate before the offer or answer it belongs to.
type outbox struct {
	sig Signaler
	mb  *mailbox[outbound]

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	idle   chan struct{}
}

func newOutbox(sig Signaler) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &outbox{
		sig:    sig,
		mb:     newMailbox[outbound](),
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		idle:   make(chan struct{}),
	}
}

func (o *outbox) enqueue(ev proto.Event, retries int, onFail func(error)) {
	o.mb.push(outbound{ev: ev, retries: retries, onFail: onFail})
}

func (o *outbox) run() {
	defer close(o.idle)
	for {
		for _, item := range o.mb.take() {
			if err := o.publish(item); err != nil && item.onFail != nil {
				item.onFail(err)
			}
		}
		select {
		case <-o.mb.signal:
		case <-o.stop:
			if o.mb.len() == 0 {
				return
			}
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *outbox) publish(item outbound) error {
	var err error
	for attempt := 0; attempt <= item.retries; attempt++ {
		if o.ctx.Err() != nil {
			return o.ctx.Err()
		}
		ctx, cancel := context.WithTimeout(o.ctx, util.DefaultFetchTimeout)
		err = o.sig.Publish(ctx, item.ev)
		cancel()
		if err == nil {
			return nil
		}
		log.Warnf("publish %s to %s (attempt %d): %v", item.ev.Type, item.ev.To, attempt+1, err)
	}
	return err
}

// close lets queued envelopes go out for up to grace, then aborts.
func (o *outbox) close(grace time.Duration) {
	close(o.stop)
	select {
	case <-o.idle:
	case <-time.After(grace):
		o.cancel()
		<-o.idle
	}
	o.cancel()
}

// seenSet remembers the last N envelope ids so at-least-once redeliveries
// are processed once.
type seenSet struct {
	ids   map[string]struct{}
	order *util.RingBuffer[string]
}

func newSeenSet(n int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, n), order: util.NewRingBuffer[string](n)}
}

// add records id and reports whether it was new.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	if old, evicted := s.order.Push(id); evicted {
		delete(s.ids, old)
	}
	return true
}
