package call

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/proto"
)

func TestLinkStateMapping(t *testing.T) {
	assert.Equal(t, LinkConnected, linkState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, LinkDisconnected, linkState(webrtc.PeerConnectionStateDisconnected))
	assert.Equal(t, LinkFailed, linkState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, LinkClosed, linkState(webrtc.PeerConnectionStateClosed))
	assert.Equal(t, LinkConnecting, linkState(webrtc.PeerConnectionStateNew))
}

func newLoopbackLink(t *testing.T, id string, kind proto.Kind) *pionLink {
	t.Helper()
	m := &webrtc.MediaEngine{}
	require.NoError(t, m.RegisterDefaultCodecs())
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	l := &pionLink{id: id, kind: kind, pc: pc}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestPionLinkLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens local ICE sockets")
	}
	caller := newLoopbackLink(t, "caller", proto.KindAudio)
	callee := newLoopbackLink(t, "callee", proto.KindAudio)

	mic, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "caller")
	require.NoError(t, err)
	require.NoError(t, caller.AddTrack(mic))

	// ResourceSet buffers candidates that arrive before the remote
	// description; the mutex stands in for the controller's run loop.
	var mu sync.Mutex
	res := map[*pionLink]*ResourceSet{}
	for _, l := range []*pionLink{caller, callee} {
		r := newResourceSet(l.id)
		r.link = l
		res[l] = r
	}

	connected := make(chan string, 2)
	for _, pair := range [][2]*pionLink{{caller, callee}, {callee, caller}} {
		from, to := pair[0], pair[1]
		from.OnLocalCandidate(func(c proto.Candidate) {
			mu.Lock()
			res[to].addCandidate(c)
			mu.Unlock()
		})
		from.OnStateChange(func(s LinkState) {
			if s == LinkConnected {
				connected <- from.id
			}
		})
	}
	apply := func(l *pionLink, d Description) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, res[l].applyRemote(d))
	}

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, caller.SetLocalDescription(offer))
	apply(callee, offer)
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(answer))
	apply(caller, answer)

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(10 * time.Second):
			t.Fatal("link never connected")
		}
	}

	require.NoError(t, caller.SetAudioMuted(true))
	require.NoError(t, caller.SetAudioMuted(false))
}
