// Package domain provides core business rules for the lead lifecycle.
package domain

// State is one step in a lead's conversational lifecycle.
type State string

const (
	StateNew        State = "new"
	StateIntakeSent State = "intake_sent"
	StateQualifying State = "qualifying"
	StateQualified  State = "qualified"
	StateBooking    State = "booking"
	StateBooked     State = "booked"
	StateCompleted  State = "completed"
	StateCold       State = "cold"
	StateDead       State = "dead"
	StateOptedOut   State = "opted_out"
)

// adjacency is the authoritative transition table. Transitions not listed
// here are rejected and logged, never silently applied. Terminal states have
// no outgoing edges. opted_out is reachable from every non-terminal state
// and overrides everything.
var adjacency = map[State][]State{
	StateNew:        {StateIntakeSent, StateOptedOut},
	StateIntakeSent: {StateQualifying, StateCold, StateOptedOut},
	StateQualifying: {StateQualified, StateCold, StateOptedOut},
	StateQualified:  {StateBooking, StateCold, StateOptedOut},
	StateBooking:    {StateBooked, StateQualified, StateOptedOut},
	StateBooked:     {StateCompleted, StateOptedOut},
	StateCold:       {StateQualifying, StateDead, StateOptedOut},
	StateCompleted:  {},
	StateDead:       {},
	StateOptedOut:   {},
}

// All returns every declared state.
func All() []State {
	states := make([]State, 0, len(adjacency))
	for s := range adjacency {
		states = append(states, s)
	}
	return states
}

// Known reports whether s is a declared state.
func Known(s State) bool {
	_, ok := adjacency[s]
	return ok
}

// IsTerminal reports whether the state has no outgoing edges.
func IsTerminal(s State) bool {
	next, ok := adjacency[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from→to is in the adjacency table.
func CanTransition(from, to State) bool {
	for _, candidate := range adjacency[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Successors returns the declared outgoing edges of a state.
func Successors(s State) []State {
	return adjacency[s]
}
