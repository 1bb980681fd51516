//go:build !linux

package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
)

// capture is receive-only on platforms without pion/mediadevices drivers;
// sessions negotiate recvonly transceivers and a UI surface supplies media.
type capture struct{}

func newCapture(_ StackOptions, engine *webrtc.MediaEngine) (*capture, error) {
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return &capture{}, nil
}

type recvOnlyMedia struct{}

func (recvOnlyMedia) Tracks() []webrtc.TrackLocal { return nil }
func (recvOnlyMedia) Stop()                       {}

func (c *capture) acquire(ctx context.Context, kind proto.Kind) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Infof("no capture drivers on this platform, %s call is receive-only", kind)
	return recvOnlyMedia{}, nil
}
