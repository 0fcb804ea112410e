package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"
)

// TestOnJoinMaterializesOtherParticipants mirrors join-protocol step 5: all
// other_participants become known before any offer arrives.
func TestOnJoinMaterializesOtherParticipants(t *testing.T) {
	s := New(nil, nil)

	join := &livekit.JoinResponse{
		Room:              &livekit.Room{Name: "room1"},
		Participant:       &livekit.ParticipantInfo{Sid: "PA_local", Identity: "alice"},
		SubscriberPrimary: true,
		OtherParticipants: []*livekit.ParticipantInfo{
			{Sid: "PA_bob", Identity: "bob"},
			{Sid: "PA_carol", Identity: "carol"},
		},
	}

	s.OnJoin(join)

	require.Equal(t, StateConnected, s.State())
	others := s.Registry().RemoteParticipants()
	assert.Len(t, others, 2)
	assert.NotNil(t, s.Router())
}

// TestLeaveWithoutReconnectClosesSession mirrors the disconnect sequence's
// server-initiated counterpart: a non-reconnectable Leave tears the session
// down exactly once even if the transport also reports closed.
func TestLeaveWithoutReconnectClosesSession(t *testing.T) {
	s := New(nil, nil)
	s.OnJoin(&livekit.JoinResponse{
		Participant:       &livekit.ParticipantInfo{Sid: "PA_local", Identity: "alice"},
		SubscriberPrimary: true,
	})

	s.OnLeave(&livekit.LeaveRequest{CanReconnect: false})
	assert.Equal(t, StateClosed, s.State())

	// A second teardown call (e.g. from the transport's own close
	// notification racing the Leave) must not panic or double-fire.
	s.teardown(0)
	assert.Equal(t, StateClosed, s.State())
}

// TestLeaveWithReconnectTransitionsToReconnecting checks the branch that
// keeps the session alive for resume/full reconnect instead of tearing down.
func TestLeaveWithReconnectTransitionsToReconnecting(t *testing.T) {
	s := New(nil, nil)
	s.OnJoin(&livekit.JoinResponse{
		Participant:       &livekit.ParticipantInfo{Sid: "PA_local", Identity: "alice"},
		SubscriberPrimary: true,
	})

	s.OnLeave(&livekit.LeaveRequest{CanReconnect: true})
	assert.Equal(t, StateReconnecting, s.State())
}
