//go:build linux

package call

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/proto"
)

func stubUserMedia(t *testing.T, fn func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)) {
	t.Helper()
	prev := openUserMedia
	openUserMedia = fn
	t.Cleanup(func() { openUserMedia = prev })
}

func TestAcquireGrantedAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opens := 0
	stubUserMedia(t, func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		opens++
		cancel()
		return mediadevices.NewMediaStream()
	})

	c := &capture{opts: StackOptions{VideoMaxWidth: 640, VideoMaxHeight: 480}}
	m, err := c.acquire(ctx, proto.KindVideo)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, m)
	assert.Equal(t, 1, opens, "no fallback attempt after cancel")
}

func TestAcquireFallsBackToAudio(t *testing.T) {
	var videoAsked []bool
	stubUserMedia(t, func(c mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		videoAsked = append(videoAsked, c.Video != nil)
		if c.Video != nil {
			return nil, errors.New("camera busy")
		}
		return mediadevices.NewMediaStream()
	})

	c := &capture{opts: StackOptions{VideoMaxWidth: 640, VideoMaxHeight: 480}}
	m, err := c.acquire(context.Background(), proto.KindVideo)
	require.NoError(t, err)
	m.Stop()
	assert.Equal(t, []bool{true, false}, videoAsked)
}

func TestAcquireDenied(t *testing.T) {
	stubUserMedia(t, func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
		return nil, errors.New("no device")
	})

	c := &capture{}
	_, err := c.acquire(context.Background(), proto.KindAudio)
	assert.ErrorIs(t, err, ErrMediaDenied)
}
