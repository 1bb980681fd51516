package call

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
)

// phase is the tagged session state. Each variant carries only what that
// phase needs.
type phase interface{ status() Status }

type dialing struct{}

type ringing struct {
	offer    string // remote SDP, applied on accept
	accepted bool   // user accepted, media acquisition pending
}

type active struct {
	answeredAt time.Time
	connected  bool
}

type ending struct {
	reason     proto.Reason
	answeredAt time.Time
}

type ended struct {
	reason     proto.Reason
	answeredAt time.Time
	at         time.Time
}

func (dialing) status() Status { return StatusDialing }
func (ringing) status() Status { return StatusRinging }
func (active) status() Status  { return StatusActive }
func (ending) status() Status  { return StatusEnding }
func (ended) status() Status   { return StatusEnded }

// transitions is the directed status graph. Idle is the source of new
// sessions and the destination of disposal, neither of which goes through
// moveTo.
var transitions = map[Status][]Status{
	StatusIdle:    {StatusDialing, StatusRinging},
	StatusDialing: {StatusActive, StatusEnding},
	StatusRinging: {StatusActive, StatusEnding},
	StatusActive:  {StatusEnding},
	StatusEnding:  {StatusEnded},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// session is the controller-owned call. Only the controller's run loop
// reads or writes it.
type session struct {
	id        string
	gen       uint64
	kind      proto.Kind
	dir       Direction
	remote    Party
	startedAt time.Time
	muted     bool
	minimized bool

	phase phase
	res   *ResourceSet

	// cancels an in-flight media acquisition
	cancelPending context.CancelFunc

	ringTimer    *time.Timer
	connectTimer *time.Timer
	disposeTimer *time.Timer
}

func (s *session) status() Status { return s.phase.status() }

// live reports whether the session has not started ending.
func (s *session) live() bool {
	st := s.status()
	return st != StatusEnding && st != StatusEnded
}

func (s *session) moveTo(next phase) error {
	from, to := s.status(), next.status()
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.phase = next
	return nil
}

func (s *session) answeredAt() time.Time {
	switch p := s.phase.(type) {
	case active:
		return p.answeredAt
	case ending:
		return p.answeredAt
	case ended:
		return p.answeredAt
	}
	return time.Time{}
}

func (s *session) stopTimers() {
	for _, t := range []*time.Timer{s.ringTimer, s.connectTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.ringTimer, s.connectTimer = nil, nil
}

func (s *session) snapshot() *Session {
	out := &Session{
		ID:        s.id,
		Kind:      s.kind,
		Direction: s.dir,
		Remote:    s.remote,
		Status:    s.status(),
		StartedAt: s.startedAt,
		Muted:     s.muted,
		Minimized: s.minimized,
	}
	if at := s.answeredAt(); !at.IsZero() {
		out.AnsweredAt = &at
	}
	switch p := s.phase.(type) {
	case ringing:
		out.Accepted = p.accepted
	case active:
		out.Connected = p.connected
	case ending:
		out.EndReason = p.reason
	case ended:
		out.EndReason = p.reason
		at := p.at
		out.EndedAt = &at
	}
	return out
}
