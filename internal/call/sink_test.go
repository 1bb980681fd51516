package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/proto"
)

func TestRTPSinkCounts(t *testing.T) {
	sink := newRTPSink("s1")
	video := newFakeTrack("v", proto.KindVideo)
	audio := newFakeTrack("a", proto.KindAudio)

	sink.Attach(video)
	sink.Attach(audio)

	video.send(10, 100)
	video.send(11, 100)
	video.send(14, 50)
	// wraparound and a late packet are not losses
	audio.send(65535, 20)
	audio.send(0, 20)
	audio.send(65534, 20)
	close(video.packets)
	close(audio.packets)

	require.Eventually(t, func() bool {
		stats := sink.Stats()
		return len(stats) == 2 && stats[0].Packets == 3 && stats[1].Packets == 3
	}, waitFor, 5*time.Millisecond)

	stats := sink.Stats()
	assert.Equal(t, "v", stats[0].TrackID)
	assert.Equal(t, uint64(250), stats[0].Bytes)
	assert.Equal(t, uint64(2), stats[0].Lost)
	assert.Equal(t, "a", stats[1].TrackID)
	assert.Zero(t, stats[1].Lost)

	video.mu.Lock()
	assert.Equal(t, 1, video.keyframes)
	video.mu.Unlock()
	audio.mu.Lock()
	assert.Zero(t, audio.keyframes)
	audio.mu.Unlock()
}

func TestRTPSinkStop(t *testing.T) {
	sink := newRTPSink("s1")
	sink.Stop()
	sink.Stop()

	sink.Attach(newFakeTrack("late", proto.KindAudio))
	assert.Empty(t, sink.Stats())
}
