package signaling

// ConnectionState is the signalling transport's state machine (§4.2).
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// TransitionResult is the outcome of an attempted state change.
type TransitionResult int

const (
	Rejected TransitionResult = iota
	NotChanged
	Changed
)

// allowed[from][to] encodes the partial order from the table in spec.md §4.2.
var allowed = map[ConnectionState]map[ConnectionState]bool{
	Connecting: {
		Connected:     true,
		Disconnecting: true,
		Disconnected:  true,
	},
	Connected: {
		Disconnecting: true,
		Disconnected:  true,
	},
	Disconnecting: {
		Disconnected: true,
	},
	Disconnected: {
		Connecting: true,
		Connected:  true,
	},
}

// changeTransportState applies the spec's transition table: NotChanged when
// to == from, Rejected when the table disallows it, Changed otherwise.
func changeTransportState(from, to ConnectionState) TransitionResult {
	if from == to {
		return NotChanged
	}
	if allowed[from][to] {
		return Changed
	}
	return Rejected
}
