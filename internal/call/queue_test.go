package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/proto"
)

type scriptedSignaler struct {
	mu    sync.Mutex
	fail  map[string]int // remaining failures per envelope id
	order []string
}

func (s *scriptedSignaler) Publish(_ context.Context, ev proto.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, ev.ID)
	if s.fail[ev.ID] > 0 {
		s.fail[ev.ID]--
		return errors.New("unavailable")
	}
	return nil
}

func (s *scriptedSignaler) Subscribe() (chan proto.Event, func()) {
	return make(chan proto.Event), func() {}
}

func (s *scriptedSignaler) published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func TestOutboxPreservesOrderAndRetries(t *testing.T) {
	sig := &scriptedSignaler{fail: map[string]int{"2": 1, "3": 5}}
	o := newOutbox(sig)
	go o.run()

	var failed []string
	var mu sync.Mutex
	for i := 1; i <= 4; i++ {
		id := fmt.Sprint(i)
		o.enqueue(proto.Event{ID: id, Type: proto.TypeCandidate}, 1, func(error) {
			mu.Lock()
			failed = append(failed, id)
			mu.Unlock()
		})
	}
	o.close(time.Second)

	assert.Equal(t, []string{"1", "2", "2", "3", "3", "4"}, sig.published())
	mu.Lock()
	assert.Equal(t, []string{"3"}, failed)
	mu.Unlock()
}

func TestOutboxCloseAbortsAfterGrace(t *testing.T) {
	block := make(chan struct{})
	sig := &blockingSignaler{release: block}
	o := newOutbox(sig)
	go o.run()

	o.enqueue(proto.Event{ID: "1"}, 0, nil)
	start := time.Now()
	o.close(50 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	close(block)
}

type blockingSignaler struct{ release chan struct{} }

func (b *blockingSignaler) Publish(ctx context.Context, _ proto.Event) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingSignaler) Subscribe() (chan proto.Event, func()) {
	return make(chan proto.Event), func() {}
}

func TestSeenSetEvicts(t *testing.T) {
	s := newSeenSet(2)
	require.True(t, s.add("a"))
	require.False(t, s.add("a"))
	require.True(t, s.add("b"))
	require.True(t, s.add("c")) // evicts a
	assert.True(t, s.add("a"))
	assert.False(t, s.add("c"))
}

func TestMailboxFIFO(t *testing.T) {
	m := newMailbox[int]()
	for i := 0; i < 5; i++ {
		m.push(i)
	}
	assert.Equal(t, 5, m.len())
	select {
	case <-m.signal:
	default:
		t.Fatal("push must signal")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, m.take())
	assert.Zero(t, m.len())
}

func TestMailboxRefusesAfterClose(t *testing.T) {
	m := newMailbox[int]()
	require.True(t, m.push(1))
	require.True(t, m.push(2))

	assert.Equal(t, []int{1, 2}, m.close())
	assert.False(t, m.push(3))
	assert.Zero(t, m.len())
	assert.Empty(t, m.close())
}
