package call

import (
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
)

// rtpSink drains remote tracks and keeps per-track counters. Reading is
// required even when nothing renders the media, otherwise the receive
// buffers fill and RTCP feedback stalls.
type rtpSink struct {
	sessionID string

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	stats   map[string]*TrackStats
	order   []string
}

func newRTPSink(sessionID string) *rtpSink {
	return &rtpSink{
		sessionID: sessionID,
		done:      make(chan struct{}),
		stats:     make(map[string]*TrackStats),
	}
}

func (s *rtpSink) Attach(t RemoteTrack) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	st := &TrackStats{TrackID: t.ID(), Kind: t.Kind()}
	if _, ok := s.stats[st.TrackID]; !ok {
		s.order = append(s.order, st.TrackID)
	}
	s.stats[st.TrackID] = st
	s.mu.Unlock()

	if t.Kind() == proto.KindVideo {
		if err := t.RequestKeyframe(); err != nil {
			log.Debugf("CALL [%s]: keyframe request: %v", s.sessionID, err)
		}
	}
	go s.drain(t, st)
}

func (s *rtpSink) drain(t RemoteTrack, st *TrackStats) {
	var (
		lastSeq uint16
		haveSeq bool
	)
	for {
		pkt, err := t.ReadRTP()
		if err != nil {
			log.Debugf("CALL [%s]: remote track %s finished: %v", s.sessionID, st.TrackID, err)
			return
		}
		select {
		case <-s.done:
			return
		default:
		}

		s.mu.Lock()
		st.Packets++
		st.Bytes += uint64(len(pkt.Payload))
		st.LastSeen = time.Now()
		if haveSeq {
			// uint16 arithmetic handles wraparound; large gaps are reordering.
			if gap := pkt.SequenceNumber - lastSeq; gap > 1 && gap < 0x8000 {
				st.Lost += uint64(gap - 1)
			}
		}
		lastSeq, haveSeq = pkt.SequenceNumber, true
		s.mu.Unlock()
	}
}

func (s *rtpSink) Stats() []TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackStats, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.stats[id])
	}
	return out
}

// Stop detaches the sink. Drain goroutines exit once their track's link is
// closed.
func (s *rtpSink) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.done)
	}
	s.mu.Unlock()
}
