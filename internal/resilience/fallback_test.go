package resilience

import (
	"context"
	"sync"
	"testing"
)

// actionRecorder captures every effect an Escalator triggers.
type actionRecorder struct {
	mu         sync.Mutex
	spoken     []string
	handoffs   int
	terminated []string
	levels     []Level
}

func (a *actionRecorder) actions() Actions {
	return Actions{
		Speak: func(_ context.Context, phrase string) error {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.spoken = append(a.spoken, phrase)
			return nil
		},
		Handoff: func(context.Context) error {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.handoffs++
			return nil
		},
		Terminate: func(reason string) {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.terminated = append(a.terminated, reason)
		},
		OnTrigger: func(level Level, _ string) {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.levels = append(a.levels, level)
		},
	}
}

func TestEscalatorLadder(t *testing.T) {
	rec := &actionRecorder{}
	e := NewEscalator(rec.actions(), nil)
	ctx := context.Background()

	if got := e.Failure(ctx, "llm timeout"); got != LevelReask {
		t.Fatalf("first failure = %v, want reask", got)
	}
	if got := e.Failure(ctx, "llm timeout"); got != LevelHandoff {
		t.Fatalf("second failure = %v, want handoff", got)
	}
	if got := e.Failure(ctx, "llm timeout"); got != LevelTerminate {
		t.Fatalf("third failure = %v, want terminate", got)
	}

	if len(rec.spoken) != 3 || rec.spoken[0] != ReaskPhrase || rec.spoken[1] != HandoffPhrase || rec.spoken[2] != ClosingPhrase {
		t.Errorf("spoken = %q", rec.spoken)
	}
	if rec.handoffs != 1 {
		t.Errorf("handoffs = %d, want 1", rec.handoffs)
	}
	if len(rec.terminated) != 1 || rec.terminated[0] != "llm timeout" {
		t.Errorf("terminated = %q", rec.terminated)
	}
	if len(rec.levels) != 3 {
		t.Errorf("triggers observed = %d, want 3", len(rec.levels))
	}
}

func TestEscalatorResetRestartsLadder(t *testing.T) {
	rec := &actionRecorder{}
	e := NewEscalator(rec.actions(), nil)
	ctx := context.Background()

	e.Failure(ctx, "a")
	e.Reset()
	if got := e.Failure(ctx, "b"); got != LevelReask {
		t.Fatalf("failure after reset = %v, want reask", got)
	}
	if rec.handoffs != 0 {
		t.Errorf("handoffs = %d, want 0", rec.handoffs)
	}
}

func TestEscalatorCrashTerminatesImmediately(t *testing.T) {
	rec := &actionRecorder{}
	e := NewEscalator(rec.actions(), nil)

	e.Crash(context.Background(), "panic: nil deref")
	if len(rec.terminated) != 1 {
		t.Fatalf("terminated = %q", rec.terminated)
	}
	// Further failures stay at terminate.
	if got := e.Failure(context.Background(), "x"); got != LevelTerminate {
		t.Errorf("failure after crash = %v, want terminate", got)
	}
}

func TestEscalatorNilActions(t *testing.T) {
	e := NewEscalator(Actions{}, nil)
	// Must not panic with no actions wired.
	e.Failure(context.Background(), "a")
	e.Crash(context.Background(), "b")
}
