package session

// State is the per-session voice state. A session is in exactly one state
// at any time.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// transitions enumerates the legal non-reset transitions. Idle is always
// reachable as a forced reset and is not listed.
var transitions = map[State][]State{
	StateIdle:       {StateListening},
	StateListening:  {StateProcessing},
	StateProcessing: {StateSpeaking},
	StateSpeaking:   {},
}

// canTransition reports whether moving from one state to another is legal.
func canTransition(from, to State) bool {
	if to == StateIdle {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
