//go:build linux

package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
)

// capture acquires camera and microphone via pion/mediadevices (V4L2 +
// malgo on Linux), encoding VP8 and Opus.
type capture struct {
	codecs *mediadevices.CodecSelector
	opts   StackOptions
}

func newCapture(opts StackOptions, engine *webrtc.MediaEngine) (*capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = opts.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	codecSelector.Populate(engine)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("no media devices found by pion/mediadevices")
	}
	for _, d := range devices {
		log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
	}

	return &capture{codecs: codecSelector, opts: opts}, nil
}

// deviceMedia is a captured stream.
type deviceMedia struct {
	tracks []mediadevices.Track
	once   sync.Once
}

func (m *deviceMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

func (m *deviceMedia) Stop() {
	m.once.Do(func() { closeTracks(m.tracks) })
}

func closeTracks(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}

// acquire opens local devices for kind. GetUserMedia fails as a unit if
// either track can't be opened, so a video call falls back to audio-only
// when the camera is missing or busy.
func (c *capture) acquire(ctx context.Context, kind proto.Kind) (LocalMedia, error) {
	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if kind == proto.KindVideo {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: c.codecs}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: c.opts.VideoMaxWidth}
				mc.Height = prop.IntRanged{Max: c.opts.VideoMaxHeight}
			}
		}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}

		stream, err := getUserMedia(ctx, constraints)
		if err == nil && ctx.Err() != nil {
			closeTracks(stream.GetTracks())
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
		}
		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		return &deviceMedia{tracks: tracks}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaDenied, lastErr)
}

// openUserMedia is the blocking device open.
var openUserMedia = mediadevices.GetUserMedia

// getUserMedia opens devices so ctx can abandon the open. Tracks granted
// after ctx is done are closed.
func getUserMedia(ctx context.Context, constraints mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
	return openCancellable(ctx,
		func() (mediadevices.MediaStream, error) { return openUserMedia(constraints) },
		func(s mediadevices.MediaStream) { closeTracks(s.GetTracks()) },
	)
}
