package workflow

// State is a position in the claim run state machine.
type State string

const (
	Received             State = "received"
	Normalizing          State = "normalizing"
	ValidatingRetrieving State = "validating_retrieving"
	Reasoning            State = "reasoning"
	Finalized            State = "finalized"
	Failed               State = "failed"
)

// transitions lists the legal successors of each state. The retrieval
// self-loop records retried index calls.
var transitions = map[State][]State{
	Received:             {Normalizing, Failed},
	Normalizing:          {ValidatingRetrieving, Failed},
	ValidatingRetrieving: {ValidatingRetrieving, Reasoning, Failed},
	Reasoning:            {Finalized, Failed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Finalized || s == Failed
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
