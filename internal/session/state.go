package session

import "fmt"

// State is the lifecycle state of a session.
type State string

const (
	StatePending    State = "Pending"
	StateConnecting State = "Connecting"
	StateActive     State = "Active"
	StateClosing    State = "Closing"
	StateClosed     State = "Closed"
	StateError      State = "Error"
)

// allowedTransitions lists, per state, the states it may move to. Closed and Error are
// terminal.
var allowedTransitions = map[State][]State{
	StatePending:    {StateConnecting},
	StateConnecting: {StateActive, StateError, StateClosing},
	StateActive:     {StateClosing, StateError},
	StateClosing:    {StateClosed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a transition the state machine does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}

// StateChangeCallback is called after every transition, outside of any lock. err is the
// session's last error and is only set on transitions to Error.
type StateChangeCallback func(info Info, oldState, newState State, err error)
