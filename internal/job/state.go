package job

// State is the lifecycle position of a Job.
type State string

// State constants
const (
	StateCreated      State = "created"
	StateSubmitted    State = "submitted"
	StateDispatching  State = "dispatching"
	StatePolling      State = "polling"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateCompensating State = "compensating"
	StateCompensated  State = "compensated"
	StateCancelling   State = "cancelling"
	StateCancelled    State = "cancelled"
)

// transitions lists the legal edges. Same-state updates are handled separately.
var transitions = map[State][]State{
	StateCreated:      {StateSubmitted, StateCancelling},
	StateSubmitted:    {StateDispatching, StateCancelling, StateFailed},
	StateDispatching:  {StatePolling, StateFailed, StateCancelling},
	StatePolling:      {StateSucceeded, StateFailed, StateCancelling},
	StateFailed:       {StateCompensating},
	StateCompensating: {StateCompensated, StateFailed},
	StateCancelling:   {StateCancelled},
}

// Terminal reports whether no further forward progress happens from s.
// A failed job may still move to compensating; see Job.Done.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCompensated, StateCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a cancellation request may move s to cancelling.
func (s State) Cancellable() bool {
	switch s {
	case StateCreated, StateSubmitted, StateDispatching, StatePolling:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}

// CanTransition reports whether from -> to is allowed.
// A same-state transition is an in-place update and only allowed before a
// terminal state is reached.
func CanTransition(from, to State) bool {
	if from == to {
		return !from.Terminal() && from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// States returns every state in lifecycle order.
func States() []State {
	return []State{
		StateCreated, StateSubmitted, StateDispatching, StatePolling,
		StateSucceeded, StateFailed, StateCompensating, StateCompensated,
		StateCancelling, StateCancelled,
	}
}
