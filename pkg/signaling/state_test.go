package signaling

import "testing"

// TestStateTransitionTable verifies invariant 1 from spec.md §8: the result
// of changeTransportState(s2) from s1 matches the table in §4.2 exactly.
func TestStateTransitionTable(t *testing.T) {
	cases := []struct {
		from, to ConnectionState
		want     TransitionResult
	}{
		{Connecting, Connecting, NotChanged},
		{Connecting, Connected, Changed},
		{Connecting, Disconnecting, Changed},
		{Connecting, Disconnected, Changed},

		{Connected, Connecting, Rejected},
		{Connected, Connected, NotChanged},
		{Connected, Disconnecting, Changed},
		{Connected, Disconnected, Changed},

		{Disconnecting, Connecting, Rejected},
		{Disconnecting, Connected, Rejected},
		{Disconnecting, Disconnecting, NotChanged},
		{Disconnecting, Disconnected, Changed},

		{Disconnected, Connecting, Changed},
		{Disconnected, Connected, Changed},
		{Disconnected, Disconnecting, Rejected},
		{Disconnected, Disconnected, NotChanged},
	}

	for _, tc := range cases {
		got := changeTransportState(tc.from, tc.to)
		if got != tc.want {
			t.Errorf("changeTransportState(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
