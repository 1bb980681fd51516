package call

import (
	"context"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
)

// Status is the lifecycle phase of a session. Idle is the absence of a
// session and only appears in API responses.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusDialing Status = "dialing"
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnding  Status = "ending"
	StatusEnded   Status = "ended"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Party identifies a participant.
type Party struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Target is what the user asks to call.
type Target struct {
	Party
	Kind proto.Kind `json:"kind"`
}

// Session is a point-in-time copy of the controller's session, handed to UI
// surfaces. It never aliases controller state.
type Session struct {
	ID         string       `json:"id"`
	Kind       proto.Kind   `json:"kind"`
	Direction  Direction    `json:"direction"`
	Remote     Party        `json:"remote"`
	Status     Status       `json:"status"`
	StartedAt  time.Time    `json:"startedAt"`
	AnsweredAt *time.Time   `json:"answeredAt,omitempty"`
	EndedAt    *time.Time   `json:"endedAt,omitempty"`
	Muted      bool         `json:"muted"`
	Minimized  bool         `json:"minimized"`
	Accepted   bool         `json:"accepted,omitempty"`
	Connected  bool         `json:"connected,omitempty"`
	EndReason  proto.Reason `json:"endReason,omitempty"`
}

// Signaler is the only surface the call package needs from the relay.
// relay.Signaler satisfies it; tests use an in-memory fake.
type Signaler interface {
	Publish(ctx context.Context, ev proto.Event) error
	Subscribe() (ch chan proto.Event, cancel func())
}

// LocalMedia is a set of captured local tracks. Stop must be safe to call
// more than once.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// MediaAcquirer obtains local capture resources. Acquire may block on a
// permission prompt; it must honour ctx and must not leak tracks when ctx
// is cancelled.
type MediaAcquirer interface {
	Acquire(ctx context.Context, kind proto.Kind) (LocalMedia, error)
}

// Description is one half of an offer/answer exchange.
type Description struct {
	Type string // "offer" or "answer"
	SDP  string
}

// LinkState is the coarse connection state reported by a PeerLink.
type LinkState string

const (
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// PeerLink wraps one negotiation context. One instance per session, never
// reused. Callbacks may fire on any goroutine.
type PeerLink interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(d Description) error
	SetRemoteDescription(d Description) error
	AddICECandidate(c proto.Candidate) error
	SetAudioMuted(muted bool) error

	OnLocalCandidate(fn func(proto.Candidate))
	OnRemoteTrack(fn func(RemoteTrack))
	OnStateChange(fn func(LinkState))

	Close() error
}

// LinkFactory creates a fresh PeerLink for a session.
type LinkFactory interface {
	NewLink(sessionID string, kind proto.Kind) (PeerLink, error)
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	Kind() proto.Kind
	ReadRTP() (*rtp.Packet, error)
	RequestKeyframe() error
}

// RemoteSink consumes remote tracks for the lifetime of a session.
type RemoteSink interface {
	Attach(t RemoteTrack)
	Stats() []TrackStats
	Stop()
}

// TrackStats are per remote track counters.
type TrackStats struct {
	TrackID  string     `json:"trackId"`
	Kind     proto.Kind `json:"kind"`
	Packets  uint64     `json:"packets"`
	Bytes    uint64     `json:"bytes"`
	Lost     uint64     `json:"lost"`
	LastSeen time.Time  `json:"lastSeen"`
}
