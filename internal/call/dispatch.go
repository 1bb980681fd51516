package call

import (
	"github.com/petervdpas/goopcall/internal/proto"
)

// dispatchLoop reads relay events from the Signaler and posts each one to
// the run loop, preserving channel order.
func (c *Controller) dispatchLoop(ch chan proto.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.post(func() { c.dispatch(ev) })
		}
	}
}

// dispatch routes one envelope. Envelopes that do not match the current
// session are logged and dropped, never surfaced as errors.
func (c *Controller) dispatch(ev proto.Event) {
	if ev.ID != "" && !c.seen.add(ev.ID) {
		log.Debugf("drop duplicate %s %s from %s", ev.Type, ev.ID, ev.From)
		return
	}
	if err := ev.Validate(); err != nil {
		log.Warnf("drop malformed %s from %q: %v", ev.Type, ev.From, err)
		return
	}

	// Our own end, echoed by the relay on behalf of another local surface.
	if ev.From == c.self.ID {
		if ev.Type == proto.TypeEnd {
			c.onOwnEnd(ev)
		}
		return
	}
	if ev.To != c.self.ID {
		log.Debugf("drop %s for %s", ev.Type, ev.To)
		return
	}

	switch ev.Type {
	case proto.TypeOffer:
		c.onOffer(ev)
	case proto.TypeAnswer:
		c.onAnswer(ev)
	case proto.TypeCandidate:
		c.onCandidate(ev)
	case proto.TypeEnd:
		c.onEnd(ev)
	}
}

// sessionWith returns the live session whose remote party is id.
func (c *Controller) sessionWith(id string) *session {
	if s := c.sess; s != nil && s.live() && s.remote.ID == id {
		return s
	}
	return nil
}

func (c *Controller) onOffer(ev proto.Event) {
	if s := c.sess; s != nil && s.live() {
		if s.dir == Incoming && s.remote.ID == ev.From {
			log.Debugf("CALL [%s]: repeated offer from %s ignored", s.id, ev.From)
			return
		}
		log.Infof("CALL [%s]: busy, declining offer from %s", s.id, ev.From)
		c.declineBusy(ev.From)
		return
	}

	remote := Party{ID: ev.From, DisplayName: ev.FromDisplayName, AvatarRef: ev.FromAvatarRef}
	s := c.newSession(Incoming, ev.Kind, remote, ringing{offer: ev.SDP})
	c.install(s)
	log.Infof("CALL [%s]: ringing, %s call from %s", s.id, s.kind, s.remote.ID)
	c.publishState()
}

// declineBusy answers an offer with End(busy) without creating a session.
func (c *Controller) declineBusy(to string) {
	c.enqueue(proto.Event{Type: proto.TypeEnd, To: to, Reason: proto.ReasonBusy}, nil)
}

func (c *Controller) onAnswer(ev proto.Event) {
	s := c.sessionWith(ev.From)
	if s == nil || s.dir != Outgoing || s.status() != StatusDialing {
		log.Debugf("stale answer from %s dropped", ev.From)
		return
	}
	if s.res.link == nil {
		log.Warnf("CALL [%s]: answer before offer was sent, dropped", s.id)
		return
	}
	if err := s.res.applyRemote(Description{Type: "answer", SDP: ev.SDP}); err != nil {
		log.Errorf("CALL [%s]: apply answer: %v", s.id, err)
		c.terminate(s, proto.ReasonNegotiationFailed, true)
		return
	}
	c.activate(s)
}

func (c *Controller) onCandidate(ev proto.Event) {
	s := c.sessionWith(ev.From)
	if s == nil {
		log.Debugf("candidate from %s without a session dropped", ev.From)
		return
	}
	s.res.addCandidate(*ev.Candidate)
}

func (c *Controller) onEnd(ev proto.Event) {
	s := c.sessionWith(ev.From)
	if s == nil {
		log.Debugf("end from %s without a session dropped", ev.From)
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = proto.ReasonEnded
	}
	log.Infof("CALL [%s]: %s ended the call (%s)", s.id, ev.From, reason)
	c.terminate(s, reason, false)
}

func (c *Controller) onOwnEnd(ev proto.Event) {
	s := c.sessionWith(ev.To)
	if s == nil {
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = proto.ReasonEnded
	}
	log.Infof("CALL [%s]: ended from another surface (%s)", s.id, reason)
	c.terminate(s, reason, false)
}
