package channel

// State is the channel lifecycle state, see spec §3.
type State int

const (
	Closed State = iota
	Opening
	Active
	Closing
	Error
	Destroy
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Error:
		return "error"
	case Destroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// legalTransitions encodes spec §3's transition table: Closed->Opening->Active;
// Active->Closing->Closed; any non-terminal->Error; terminal->Destroy.
var legalTransitions = map[State]map[State]bool{
	Closed:  {Opening: true, Error: true, Destroy: true},
	Opening: {Active: true, Closed: true, Error: true, Destroy: true},
	Active:  {Closing: true, Error: true, Destroy: true},
	Closing: {Closed: true, Error: true, Destroy: true},
	Error:   {Destroy: true, Closed: true, Opening: true},
	Destroy: {},
}

// CanTransition reports whether moving from "from" to "to" is a legal
// transition under spec §3.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
