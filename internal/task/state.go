package task

// State is the execution state of a module.
type State string

// Module states. A task moves from PENDING to RUNNING and then to exactly
// one terminal state.
const (
	StatePending  State = "PENDING"
	StateRunning  State = "RUNNING"
	StateSuccess  State = "SUCCESS"
	StateError    State = "ERROR"
	StateCanceled State = "CANCELED"
)

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateError, StateCanceled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateRunning, StateSuccess, StateError, StateCanceled:
		return true
	default:
		return false
	}
}
