package orchestrator

import "sync/atomic"

// State is the lifecycle phase of one call session.
type State int32

const (
	// StateInit is the phase before the start frame has been processed.
	StateInit State = iota

	// StateGreeting plays the compliance phrase and the tenant greeting.
	StateGreeting

	// StateConversation is the normal turn-taking phase.
	StateConversation

	// StateToolWait is entered while a tool call executes.
	StateToolWait

	// StateConfirmation is entered after a successful booking.
	StateConfirmation

	// StateTerminated is absorbing: no transition leaves it.
	StateTerminated
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateGreeting:
		return "greeting"
	case StateConversation:
		return "conversation"
	case StateToolWait:
		return "tool_wait"
	case StateConfirmation:
		return "confirmation"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// callState is the per-call state register. Terminated is absorbing and
// duplicate transitions are no-ops. Safe for concurrent use.
type callState struct {
	v atomic.Int32
}

// Load returns the current state.
func (c *callState) Load() State {
	return State(c.v.Load())
}

// To moves to next. It reports false only when the session has already
// terminated; a transition to the current state is an allowed no-op.
func (c *callState) To(next State) bool {
	for {
		cur := State(c.v.Load())
		if cur == next {
			return true
		}
		if cur == StateTerminated {
			return false
		}
		if c.v.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// Terminated reports whether the session has reached its final state.
func (c *callState) Terminated() bool {
	return c.Load() == StateTerminated
}
