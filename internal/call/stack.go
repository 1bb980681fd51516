package call

import (
	"context"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
)

type StackOptions struct {
	STUNServers []string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration

	VideoMaxWidth  int
	VideoMaxHeight int
	VideoBitrate   int
}

// Stack is the process-wide pion WebRTC API. It builds one PeerConnection
// per session and, where capture drivers exist, acquires local media.
// It satisfies both LinkFactory and MediaAcquirer.
type Stack struct {
	api     *webrtc.API
	config  webrtc.Configuration
	capture *capture
}

func NewStack(opts StackOptions) (*Stack, error) {
	if opts.DisconnectedTimeout <= 0 {
		opts.DisconnectedTimeout = 30 * time.Second
	}
	if opts.FailedTimeout <= 0 {
		opts.FailedTimeout = 120 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 2 * time.Second
	}
	if opts.VideoMaxWidth <= 0 || opts.VideoMaxHeight <= 0 {
		opts.VideoMaxWidth, opts.VideoMaxHeight = 640, 480
	}
	if opts.VideoBitrate <= 0 {
		opts.VideoBitrate = 1_500_000
	}

	mediaEngine := &webrtc.MediaEngine{}
	capt, err := newCapture(opts, mediaEngine)
	if err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(opts.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: opts.STUNServers})
	}

	return &Stack{
		api:     api,
		config:  webrtc.Configuration{ICEServers: servers},
		capture: capt,
	}, nil
}

func (s *Stack) Acquire(ctx context.Context, kind proto.Kind) (LocalMedia, error) {
	return s.capture.acquire(ctx, kind)
}

func (s *Stack) NewLink(sessionID string, kind proto.Kind) (PeerLink, error) {
	pc, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, err
	}
	log.Debugf("CALL [%s]: peer connection created", sessionID)
	return &pionLink{id: sessionID, kind: kind, pc: pc}, nil
}
