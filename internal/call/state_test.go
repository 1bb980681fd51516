package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/proto"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusIdle, StatusDialing, true},
		{StatusIdle, StatusRinging, true},
		{StatusIdle, StatusActive, false},
		{StatusDialing, StatusActive, true},
		{StatusDialing, StatusEnding, true},
		{StatusDialing, StatusEnded, false},
		{StatusRinging, StatusActive, true},
		{StatusRinging, StatusDialing, false},
		{StatusActive, StatusEnding, true},
		{StatusActive, StatusRinging, false},
		{StatusEnding, StatusEnded, true},
		{StatusEnding, StatusActive, false},
		{StatusEnded, StatusDialing, false},
		{StatusEnded, StatusEnding, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, canTransition(tt.from, tt.to))
		})
	}
}

func TestSessionMoveTo(t *testing.T) {
	s := &session{id: "s1", phase: dialing{}, res: newResourceSet("s1")}
	assert.True(t, s.live())

	err := s.moveTo(ended{reason: proto.ReasonEnded})
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusDialing, s.status())

	answered := time.Unix(1700000000, 0)
	require.NoError(t, s.moveTo(active{answeredAt: answered}))
	require.NoError(t, s.moveTo(ending{reason: proto.ReasonEnded, answeredAt: answered}))
	assert.False(t, s.live())
	assert.Equal(t, answered, s.answeredAt())
}

func TestSessionSnapshot(t *testing.T) {
	started := time.Unix(1700000000, 0)
	s := &session{
		id:        "s1",
		kind:      proto.KindAudio,
		dir:       Incoming,
		remote:    Party{ID: "alice"},
		startedAt: started,
		muted:     true,
		phase:     ringing{offer: "v=0", accepted: true},
		res:       newResourceSet("s1"),
	}
	snap := s.snapshot()
	assert.Equal(t, StatusRinging, snap.Status)
	assert.True(t, snap.Accepted)
	assert.True(t, snap.Muted)
	assert.Nil(t, snap.AnsweredAt)
	assert.Nil(t, snap.EndedAt)

	answered := started.Add(time.Second)
	endedAt := started.Add(time.Minute)
	s.phase = ended{reason: proto.ReasonNoAnswer, answeredAt: answered, at: endedAt}
	snap = s.snapshot()
	assert.Equal(t, proto.ReasonNoAnswer, snap.EndReason)
	require.NotNil(t, snap.AnsweredAt)
	assert.Equal(t, answered, *snap.AnsweredAt)
	require.NotNil(t, snap.EndedAt)
	assert.Equal(t, endedAt, *snap.EndedAt)
	assert.False(t, snap.Accepted)
}

func TestUserEndReason(t *testing.T) {
	assert.Equal(t, proto.ReasonCancelled, userEndReason(&session{phase: dialing{}}))
	assert.Equal(t, proto.ReasonDeclined, userEndReason(&session{phase: ringing{}}))
	assert.Equal(t, proto.ReasonEnded, userEndReason(&session{phase: active{}}))
}
