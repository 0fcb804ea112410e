package participant

// TimedVersion is the (unix_micro, ticks) tuple from spec.md §3 used to
// totally order state updates for the same entity. Grounded conceptually on
// the teacher's utils.TimedVersion (referenced in pkg/rtc/participant.go's
// ToProtoWithVersion) but implemented locally since that helper lives in the
// teacher's private protocol fork rather than the public livekit/protocol
// module this tree depends on.
type TimedVersion struct {
	UnixMicro int64
	Ticks     int32
}

// Compare returns -1, 0, or 1 as tv is older than, equal to, or newer than other.
func (tv TimedVersion) Compare(other TimedVersion) int {
	switch {
	case tv.UnixMicro < other.UnixMicro:
		return -1
	case tv.UnixMicro > other.UnixMicro:
		return 1
	case tv.Ticks < other.Ticks:
		return -1
	case tv.Ticks > other.Ticks:
		return 1
	default:
		return 0
	}
}

// After reports whether tv is strictly newer than other.
func (tv TimedVersion) After(other TimedVersion) bool { return tv.Compare(other) > 0 }

// IsZero reports whether tv is the unset sentinel.
func (tv TimedVersion) IsZero() bool { return tv.UnixMicro == 0 && tv.Ticks == 0 }
