package orchestrator

import "testing"

func TestCallStateTransitions(t *testing.T) {
	var c callState

	if got := c.Load(); got != StateInit {
		t.Fatalf("initial state = %v", got)
	}
	for _, next := range []State{StateGreeting, StateConversation, StateToolWait, StateConversation, StateConfirmation} {
		if !c.To(next) {
			t.Fatalf("transition to %v refused", next)
		}
	}
	if got := c.Load(); got != StateConfirmation {
		t.Fatalf("state = %v", got)
	}
}

func TestCallStateDuplicateTransitionIsNoOp(t *testing.T) {
	var c callState
	c.To(StateConversation)
	if !c.To(StateConversation) {
		t.Error("duplicate transition refused")
	}
	if got := c.Load(); got != StateConversation {
		t.Errorf("state = %v", got)
	}
}

func TestCallStateTerminatedIsAbsorbing(t *testing.T) {
	var c callState
	c.To(StateConversation)
	c.To(StateTerminated)

	for _, next := range []State{StateInit, StateGreeting, StateConversation, StateConfirmation} {
		if c.To(next) {
			t.Errorf("transition out of terminated to %v allowed", next)
		}
	}
	if !c.To(StateTerminated) {
		t.Error("terminated → terminated must be a no-op, not a refusal")
	}
	if !c.Terminated() {
		t.Error("Terminated() = false")
	}
}

func TestStateString(t *testing.T) {
	names := map[State]string{
		StateInit:         "init",
		StateGreeting:     "greeting",
		StateConversation: "conversation",
		StateToolWait:     "tool_wait",
		StateConfirmation: "confirmation",
		StateTerminated:   "terminated",
		State(99):         "unknown",
	}
	for s, want := range names {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
