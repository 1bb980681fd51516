package call

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
)

// pionLink is the PeerLink backed by a pion PeerConnection.
type pionLink struct {
	id   string
	kind proto.Kind
	pc   *webrtc.PeerConnection

	mu       sync.Mutex
	audio    []audioSender
	hasAudio bool
	hasVideo bool
}

type audioSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

func (l *pionLink) AddTrack(t webrtc.TrackLocal) error {
	sender, err := l.pc.AddTrack(t)
	if err != nil {
		return err
	}
	go drainRTCP(sender)

	l.mu.Lock()
	defer l.mu.Unlock()
	switch t.Kind() {
	case webrtc.RTPCodecTypeAudio:
		l.audio = append(l.audio, audioSender{sender: sender, track: t})
		l.hasAudio = true
	case webrtc.RTPCodecTypeVideo:
		l.hasVideo = true
	}
	return nil
}

// drainRTCP reads inbound RTCP for a sender so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for kinds without a
// local track so the offer always carries m-lines with ICE credentials.
func (l *pionLink) addRecvOnlyTransceivers() {
	l.mu.Lock()
	needVideo := l.kind == proto.KindVideo && !l.hasVideo
	needAudio := !l.hasAudio
	l.mu.Unlock()

	recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if needVideo {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvOnly); err != nil {
			log.Warnf("CALL [%s]: AddTransceiver(video) error: %v", l.id, err)
		}
	}
	if needAudio {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			log.Warnf("CALL [%s]: AddTransceiver(audio) error: %v", l.id, err)
		}
	}
}

func (l *pionLink) CreateOffer() (Description, error) {
	l.addRecvOnlyTransceivers()
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *pionLink) CreateAnswer() (Description, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *pionLink) SetLocalDescription(d Description) error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (l *pionLink) SetRemoteDescription(d Description) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (l *pionLink) AddICECandidate(c proto.Candidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// SetAudioMuted swaps the audio senders' tracks out and back in, which
// pauses sending without renegotiation.
func (l *pionLink) SetAudioMuted(muted bool) error {
	l.mu.Lock()
	senders := append([]audioSender(nil), l.audio...)
	l.mu.Unlock()

	for _, a := range senders {
		var t webrtc.TrackLocal
		if !muted {
			t = a.track
		}
		if err := a.sender.ReplaceTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (l *pionLink) OnLocalCandidate(fn func(proto.Candidate)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		ci := c.ToJSON()
		fn(proto.Candidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})
}

func (l *pionLink) OnRemoteTrack(fn func(RemoteTrack)) {
	l.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&pionTrack{tr: tr, pc: l.pc})
	})
}

func (l *pionLink) OnStateChange(fn func(LinkState)) {
	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(linkState(s))
	})
}

func (l *pionLink) Close() error { return l.pc.Close() }

func linkState(s webrtc.PeerConnectionState) LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return LinkClosed
	}
	return LinkConnecting
}

// pionTrack adapts a pion remote track to RemoteTrack.
type pionTrack struct {
	tr *webrtc.TrackRemote
	pc *webrtc.PeerConnection
}

func (t *pionTrack) ID() string { return t.tr.ID() }

func (t *pionTrack) Kind() proto.Kind {
	if t.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return proto.KindVideo
	}
	return proto.KindAudio
}

func (t *pionTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.tr.ReadRTP()
	return pkt, err
}

func (t *pionTrack) RequestKeyframe() error {
	return t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(t.tr.SSRC())},
	})
}
