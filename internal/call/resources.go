package call

import (
	"github.com/petervdpas/goopcall/internal/proto"
)

// ResourceSet is the bundle of media handles and the PeerLink owned by one
// session. It also holds the ICE candidates that arrived before the remote
// description was set. Release order: remote sink, local tracks, PeerLink.
type ResourceSet struct {
	sessionID string

	media LocalMedia
	link  PeerLink
	sink  RemoteSink

	pending         []proto.Candidate
	remoteDescribed bool
	released        bool
}

func newResourceSet(sessionID string) *ResourceSet {
	return &ResourceSet{sessionID: sessionID}
}

// Empty reports whether no media, link or sink handle is held.
func (r *ResourceSet) Empty() bool {
	return r.media == nil && r.link == nil && r.sink == nil && len(r.pending) == 0
}

// Released reports whether release has run.
func (r *ResourceSet) Released() bool { return r.released }

// Pending returns how many candidates are waiting for a remote description.
func (r *ResourceSet) Pending() int { return len(r.pending) }

// addCandidate applies c now if the link has a remote description, and
// buffers it otherwise.
func (r *ResourceSet) addCandidate(c proto.Candidate) {
	if r.released {
		return
	}
	if r.link == nil || !r.remoteDescribed {
		r.pending = append(r.pending, c)
		return
	}
	if err := r.link.AddICECandidate(c); err != nil {
		log.Warnf("CALL [%s]: add ICE candidate: %v", r.sessionID, err)
	}
}

// applyRemote sets the remote description and flushes buffered candidates
// in arrival order.
func (r *ResourceSet) applyRemote(d Description) error {
	if err := r.link.SetRemoteDescription(d); err != nil {
		return err
	}
	r.remoteDescribed = true

	pending := r.pending
	r.pending = nil
	for _, c := range pending {
		if err := r.link.AddICECandidate(c); err != nil {
			log.Warnf("CALL [%s]: add buffered ICE candidate: %v", r.sessionID, err)
		}
	}
	if len(pending) > 0 {
		log.Debugf("CALL [%s]: flushed %d buffered candidates", r.sessionID, len(pending))
	}
	return nil
}

// release stops and closes everything held, exactly once. It is safe on a
// partially constructed set.
func (r *ResourceSet) release() {
	if r.released {
		return
	}
	r.released = true

	if r.sink != nil {
		r.sink.Stop()
	}
	if r.media != nil {
		r.media.Stop()
	}
	if r.link != nil {
		if err := r.link.Close(); err != nil {
			log.Debugf("CALL [%s]: close link: %v", r.sessionID, err)
		}
	}
	r.sink, r.media, r.link = nil, nil, nil
	r.pending = nil
	r.remoteDescribed = false
}
