package resilience

import (
	"context"
	"log/slog"
	"sync"
)

// Level identifies one rung of the graduated fallback ladder.
type Level int

const (
	// LevelReask asks the caller to repeat themselves after a single failed
	// turn.
	LevelReask Level = iota + 1

	// LevelHandoff hands the caller off out-of-band (SMS) and notifies the
	// business owner after repeated failures.
	LevelHandoff

	// LevelTerminate ends the call. Used for internal crashes and for
	// failures that persist past the handoff.
	LevelTerminate
)

// String returns the level name for logging.
func (l Level) String() string {
	switch l {
	case LevelReask:
		return "reask"
	case LevelHandoff:
		return "handoff"
	case LevelTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Canned phrases spoken on each rung. Kept short: they play over a phone
// line to a caller who is already having a bad time.
const (
	ReaskPhrase   = "I'm sorry, I'm having a little trouble. Could you say that again?"
	HandoffPhrase = "I'm having trouble on my end right now. I'll send you a text message so the team can follow up with you directly."
	ClosingPhrase = "I'm sorry, something went wrong on our end. Please call back in a few minutes. Goodbye."
)

// Actions are the call-scoped effects an [Escalator] can trigger. Any nil
// action is skipped.
type Actions struct {
	// Speak plays a phrase to the caller.
	Speak func(ctx context.Context, phrase string) error

	// Handoff performs the out-of-band handoff (SMS to the caller, owner
	// notification).
	Handoff func(ctx context.Context) error

	// Terminate ends the call with the given reason.
	Terminate func(reason string)

	// OnTrigger observes every fallback activation, for metrics and the call
	// record's error field.
	OnTrigger func(level Level, reason string)
}

// Escalator climbs the fallback ladder for one call: the first failure
// re-asks, the second hands off, the third (or any crash) terminates.
// A successful turn resets the ladder.
//
// Escalator is safe for concurrent use.
type Escalator struct {
	actions Actions
	log     *slog.Logger

	mu       sync.Mutex
	failures int
}

// NewEscalator creates an Escalator with the given actions. A nil logger
// falls back to slog.Default.
func NewEscalator(actions Actions, log *slog.Logger) *Escalator {
	if log == nil {
		log = slog.Default()
	}
	return &Escalator{actions: actions, log: log}
}

// Failure records one failed conversational turn and triggers the rung the
// running failure count has reached. It returns the triggered level.
func (e *Escalator) Failure(ctx context.Context, reason string) Level {
	e.mu.Lock()
	e.failures++
	n := e.failures
	e.mu.Unlock()

	var level Level
	switch {
	case n == 1:
		level = LevelReask
	case n == 2:
		level = LevelHandoff
	default:
		level = LevelTerminate
	}
	e.trigger(ctx, level, reason)
	return level
}

// Crash jumps straight to the terminate rung. Used by panic recovery.
func (e *Escalator) Crash(ctx context.Context, reason string) {
	e.mu.Lock()
	e.failures = 3
	e.mu.Unlock()
	e.trigger(ctx, LevelTerminate, reason)
}

// Reset clears the failure count after a successful turn.
func (e *Escalator) Reset() {
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
}

func (e *Escalator) trigger(ctx context.Context, level Level, reason string) {
	e.log.Warn("fallback triggered", "level", level.String(), "reason", reason)
	if e.actions.OnTrigger != nil {
		e.actions.OnTrigger(level, reason)
	}

	switch level {
	case LevelReask:
		e.speak(ctx, ReaskPhrase)

	case LevelHandoff:
		e.speak(ctx, HandoffPhrase)
		if e.actions.Handoff != nil {
			if err := e.actions.Handoff(ctx); err != nil {
				e.log.Error("fallback handoff failed", "err", err)
			}
		}

	case LevelTerminate:
		e.speak(ctx, ClosingPhrase)
		if e.actions.Terminate != nil {
			e.actions.Terminate(reason)
		}
	}
}

func (e *Escalator) speak(ctx context.Context, phrase string) {
	if e.actions.Speak == nil {
		return
	}
	if err := e.actions.Speak(ctx, phrase); err != nil {
		e.log.Error("fallback speech failed", "err", err)
	}
}
