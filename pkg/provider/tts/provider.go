// Package tts defines the Provider interface for text-to-speech backends.
//
// Two synthesis modes exist because a phone call needs both. One-shot
// synthesis produces the full audio for a fixed phrase (greeting, farewell,
// re-ask) in a single call. A live session accepts text chunks as the LLM
// streams them and invokes an audio callback as frames arrive, so the caller
// hears speech before the sentence is finished.
//
// All audio is raw 8 kHz μ-law mono with no container, ready to forward to
// the telephony media stream.
package tts

import "context"

// OnAudio receives raw μ-law frames as the provider produces them. It is
// invoked from the provider's read goroutine and must not block.
type OnAudio func(frame []byte)

// SessionHandle is a live text-in/audio-out synthesis session.
//
// Send may be called before the underlying connection finishes opening:
// implementations must queue pre-open text and flush it once the connection
// is up. All methods are safe for concurrent use.
type SessionHandle interface {
	// Send queues a text chunk for synthesis. Chunks are synthesized in send
	// order. Calling Send after Finish returns an error.
	Send(textChunk string) error

	// Finish flushes pending text, waits for the remaining audio to be
	// delivered to the callback, and closes the session. Calling Finish more
	// than once is safe and returns nil.
	Finish() error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. One live session is
// opened per active call; one-shot calls may run in parallel with it.
type Provider interface {
	// Synthesize produces the complete audio for text as raw 8 kHz μ-law
	// bytes.
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// OpenSession starts a live synthesis session delivering audio to
	// onAudio. The handle is usable immediately; see SessionHandle for the
	// pre-open queueing contract.
	OpenSession(ctx context.Context, onAudio OnAudio) (SessionHandle, error)
}
