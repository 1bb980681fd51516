package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s *stream) []string {
	var out []string
	for {
		select {
		case b := <-s.ch:
			out = append(out, string(b))
		default:
			return out
		}
	}
}

func TestHubInboxReplayAndCap(t *testing.T) {
	h := newHub()
	for i := 0; i < inboxCap+1; i++ {
		assert.Zero(t, h.deliver("party-bob", []byte(fmt.Sprint(i))))
	}

	s, err := h.subscribe("party-bob", "10.0.0.1")
	require.NoError(t, err)
	got := drain(s)
	require.Len(t, got, inboxCap)
	assert.Equal(t, "1", got[0], "oldest dropped")
	assert.Equal(t, fmt.Sprint(inboxCap), got[len(got)-1])

	assert.Equal(t, 1, h.deliver("party-bob", []byte("live")))
	assert.Equal(t, []string{"live"}, drain(s))

	_, inboxes := h.counts()
	assert.Zero(t, inboxes)
}

func TestHubInboxTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := newHub()
	h.now = func() time.Time { return now }

	h.deliver("party-bob", []byte("old"))
	now = now.Add(inboxTTL / 2)
	h.deliver("party-bob", []byte("fresh"))
	now = now.Add(inboxTTL/2 + time.Second)

	s, err := h.subscribe("party-bob", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, drain(s))

	h.unsubscribe(s)
	h.deliver("party-carol", []byte("x"))
	now = now.Add(2 * inboxTTL)
	h.expire()
	_, inboxes := h.counts()
	assert.Zero(t, inboxes)
}

func TestHubStreamLimits(t *testing.T) {
	h := newHub()
	var streams []*stream
	for i := 0; i < maxStreamsPerIP; i++ {
		s, err := h.subscribe(fmt.Sprintf("party-p%d", i), "10.0.0.1")
		require.NoError(t, err)
		streams = append(streams, s)
	}
	_, err := h.subscribe("party-extra", "10.0.0.1")
	assert.Error(t, err)

	_, err = h.subscribe("party-extra", "10.0.0.2")
	assert.NoError(t, err, "other addresses unaffected")

	h.unsubscribe(streams[0])
	h.unsubscribe(streams[0])
	_, err = h.subscribe("party-extra", "10.0.0.1")
	assert.NoError(t, err)

	total, _ := h.counts()
	assert.Equal(t, maxStreamsPerIP+1, total)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newRateLimiter()
	l.now = func() time.Time { return now }

	for i := 0; i < publishesPerMinute; i++ {
		require.True(t, l.allow("1.2.3.4"))
	}
	assert.False(t, l.allow("1.2.3.4"))
	assert.True(t, l.allow("5.6.7.8"))

	now = now.Add(time.Minute + time.Second)
	assert.True(t, l.allow("1.2.3.4"))

	now = now.Add(2 * time.Minute)
	l.cleanup()
	assert.Empty(t, l.buckets)
}
