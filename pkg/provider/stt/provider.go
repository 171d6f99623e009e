// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform duplex interface. The central abstraction is SessionHandle: once
// opened, a session accepts raw telephony audio frames and emits three
// streams — low-latency partials for barge-in detection, authoritative
// finals for the conversation loop, and voice-activity events.
//
// Implementations must be safe for concurrent use. Audio input and
// transcript output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/ringdesk/ringdesk/pkg/types"
)

// StreamConfig describes the audio format and endpointing behaviour for a new
// STT session.
type StreamConfig struct {
	// Encoding is the raw audio codec. The telephony media stream delivers
	// "mulaw"; providers that want PCM must transcode themselves.
	Encoding string

	// SampleRate is the audio sample rate in Hz. Telephony audio is 8000.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider use its default.
	Language string

	// VADEvents asks the provider to emit SpeechStarted events, which drive
	// barge-in. Providers without VAD support silently ignore this.
	VADEvents bool

	// UtteranceEndMS is the silence threshold in milliseconds after which the
	// provider should emit UtteranceEnd. Zero means provider default.
	UtteranceEndMS int
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed; failing to
// do so leaks goroutines and the provider connection. All methods are safe
// for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw audio bytes in the format agreed in
	// StreamConfig. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns the channel of low-latency interim transcripts. These
	// drive barge-in detection and must not enter the conversation history.
	// Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns the channel of authoritative transcripts that feed the
	// LLM. Closed when the session ends.
	Finals() <-chan types.Transcript

	// Events returns the channel of voice-activity events (SpeechStarted,
	// UtteranceEnd). Closed when the session ends.
	Events() <-chan types.SpeechEvent

	// Close terminates the session, flushes pending audio, and releases all
	// resources. All output channels are closed afterwards. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; one session is opened per
// active call. Implementations may negotiate a preferred recognition model
// and must fall back to a stable one on handshake failure rather than
// surfacing the error.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle accepts audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
