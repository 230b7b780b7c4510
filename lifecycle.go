package txbus

import "time"

// State is a step in an event's publication lifecycle.
type State string

const (
	StateCreated      State = "created"
	StateQueued       State = "queued"
	StateDropped      State = "dropped"
	StateSent         State = "sent"
	StateAcked        State = "acked"
	StateLost         State = "lost"
	StateCheckPending State = "check_pending"
	StateCommitted    State = "committed"
	StateRolledBack   State = "rolled_back"
)

var transitions = map[State][]State{
	StateCreated:      {StateQueued, StateSent, StateLost},
	StateQueued:       {StateSent, StateDropped, StateLost},
	StateSent:         {StateAcked, StateLost, StateCommitted, StateRolledBack},
	StateLost:         {StateCheckPending},
	StateCheckPending: {StateCommitted, StateRolledBack},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return len(transitions[s]) == 0 }

// Transition is emitted to observers each time an event changes state.
type Transition struct {
	EventID  string
	Type     EventType
	Category string
	From     State
	To       State
	At       time.Time
	Err      error
}
