// Package proto holds the call signaling wire format shared by the relay
// server, the relay client and the call controller.
package proto

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Relay event names.
const (
	TypeOffer     = "call-offer"
	TypeAnswer    = "call-answer"
	TypeCandidate = "call-candidate"
	TypeEnd       = "call-end"
)

// ChannelPrefix prefixes every party channel on the relay.
const ChannelPrefix = "party-"

// Kind is the media kind of a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

// Reason explains why a session ended.
type Reason string

const (
	ReasonDeclined          Reason = "declined"
	ReasonCancelled         Reason = "cancelled"
	ReasonBusy              Reason = "busy"
	ReasonMediaDenied       Reason = "media-denied"
	ReasonNoAnswer          Reason = "no-answer"
	ReasonEnded             Reason = "ended"
	ReasonSignalFailed      Reason = "signal-failed"
	ReasonNegotiationFailed Reason = "negotiation-failed"
)

var knownReasons = map[Reason]struct{}{
	ReasonDeclined: {}, ReasonCancelled: {}, ReasonBusy: {}, ReasonMediaDenied: {},
	ReasonNoAnswer: {}, ReasonEnded: {}, ReasonSignalFailed: {}, ReasonNegotiationFailed: {},
}

// Valid reports whether r is empty or a known reason code.
func (r Reason) Valid() bool {
	if r == "" {
		return true
	}
	_, ok := knownReasons[r]
	return ok
}

// Candidate is one ICE candidate record. Field names follow the browser
// RTCIceCandidateInit shape so web surfaces can pass them through untouched.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Event is one signaling envelope as delivered on a party channel.
type Event struct {
	ID              string     `json:"id,omitempty"`
	Type            string     `json:"type"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	SDP             string     `json:"sdp,omitempty"`
	Kind            Kind       `json:"kind,omitempty"`
	FromDisplayName string     `json:"fromDisplayName,omitempty"`
	FromAvatarRef   string     `json:"fromAvatarRef,omitempty"`
	Candidate       *Candidate `json:"candidate,omitempty"`
	Reason          Reason     `json:"reason,omitempty"`
	TS              int64      `json:"ts,omitempty"`
}

// OfferRequest is the body of POST /calls/offer.
type OfferRequest struct {
	ID              string `json:"id,omitempty"`
	To              string `json:"to"`
	From            string `json:"from"`
	SDP             string `json:"sdp"`
	Kind            Kind   `json:"kind"`
	FromDisplayName string `json:"fromDisplayName,omitempty"`
	FromAvatarRef   string `json:"fromAvatarRef,omitempty"`
}

// AnswerRequest is the body of POST /calls/answer.
type AnswerRequest struct {
	ID   string `json:"id,omitempty"`
	To   string `json:"to"`
	From string `json:"from"`
	SDP  string `json:"sdp"`
}

// CandidateRequest is the body of POST /calls/candidate.
type CandidateRequest struct {
	ID        string     `json:"id,omitempty"`
	To        string     `json:"to"`
	From      string     `json:"from"`
	Candidate *Candidate `json:"candidate"`
}

// EndRequest is the body of POST /calls/end.
type EndRequest struct {
	ID     string `json:"id,omitempty"`
	To     string `json:"to"`
	From   string `json:"from"`
	Reason Reason `json:"reason,omitempty"`
}

// PublishResponse is returned by every publish endpoint on success.
type PublishResponse struct {
	OK bool `json:"ok"`
}

// Event builders: each request maps to exactly one event.

func (r OfferRequest) Event() Event {
	return Event{ID: r.ID, Type: TypeOffer, From: r.From, To: r.To, SDP: r.SDP, Kind: r.Kind,
		FromDisplayName: r.FromDisplayName, FromAvatarRef: r.FromAvatarRef}
}

func (r AnswerRequest) Event() Event {
	return Event{ID: r.ID, Type: TypeAnswer, From: r.From, To: r.To, SDP: r.SDP}
}

func (r CandidateRequest) Event() Event {
	return Event{ID: r.ID, Type: TypeCandidate, From: r.From, To: r.To, Candidate: r.Candidate}
}

func (r EndRequest) Event() Event {
	return Event{ID: r.ID, Type: TypeEnd, From: r.From, To: r.To, Reason: r.Reason}
}

// Path returns the relay publish path for an event type, or "" if unknown.
func Path(eventType string) string {
	switch eventType {
	case TypeOffer:
		return "/calls/offer"
	case TypeAnswer:
		return "/calls/answer"
	case TypeCandidate:
		return "/calls/candidate"
	case TypeEnd:
		return "/calls/end"
	}
	return ""
}

// Channel returns the relay channel name for a party.
func Channel(partyID string) string { return ChannelPrefix + partyID }

// PartyFromChannel is the inverse of Channel.
func PartyFromChannel(ch string) (string, bool) {
	if !strings.HasPrefix(ch, ChannelPrefix) || len(ch) == len(ChannelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(ch, ChannelPrefix), true
}

const (
	maxPartyLen = 128
	maxSDPLen   = 64 << 10
	maxNameLen  = 128
	maxRefLen   = 512
)

var (
	ErrBadParty  = errors.New("invalid party id")
	ErrBadType   = errors.New("unknown event type")
	ErrBadKind   = errors.New("kind must be audio or video")
	ErrBadReason = errors.New("unknown end reason")
)

// ValidateParty checks that id is 1..128 chars of [A-Za-z0-9._-].
func ValidateParty(id string) error {
	if id == "" || len(id) > maxPartyLen {
		return ErrBadParty
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return ErrBadParty
		}
	}
	return nil
}

// Validate checks the fields required by the event's type.
func (e Event) Validate() error {
	if err := ValidateParty(e.From); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if err := ValidateParty(e.To); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	if e.From == e.To {
		return errors.New("from and to must differ")
	}
	if len(e.FromDisplayName) > maxNameLen {
		return errors.New("fromDisplayName too long")
	}
	if len(e.FromAvatarRef) > maxRefLen {
		return errors.New("fromAvatarRef too long")
	}

	switch e.Type {
	case TypeOffer:
		if !e.Kind.Valid() {
			return ErrBadKind
		}
		fallthrough
	case TypeAnswer:
		if strings.TrimSpace(e.SDP) == "" {
			return errors.New("sdp is required")
		}
		if len(e.SDP) > maxSDPLen {
			return errors.New("sdp too large")
		}
	case TypeCandidate:
		if e.Candidate == nil {
			return errors.New("candidate is required")
		}
	case TypeEnd:
		if !e.Reason.Valid() {
			return ErrBadReason
		}
	default:
		return ErrBadType
	}
	return nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
