// Package types defines the shared types used across all Ringdesk packages.
//
// These types form the lingua franca between the telephony ingress, the
// per-call orchestrator, the provider adapters, and the storage layers. They
// are intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Transcript is a speech-to-text result from an STT provider. Both partial
// (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64
}

// SpeechEvent is a non-transcript event emitted by an STT session.
type SpeechEvent int

const (
	// SpeechStarted indicates the provider's VAD detected the caller starting
	// to speak. Used for barge-in detection.
	SpeechStarted SpeechEvent = iota

	// UtteranceEnd indicates the provider decided the current utterance is
	// complete (silence past the endpointing threshold).
	UtteranceEnd
)

// String returns the event name for logging.
func (e SpeechEvent) String() string {
	switch e {
	case SpeechStarted:
		return "speech_started"
	case UtteranceEnd:
		return "utterance_end"
	default:
		return "unknown"
	}
}

// ChatMessage is a single message in an LLM conversation history.
type ChatMessage struct {
	// Role is one of "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message. For "tool" role messages it
	// carries the tool result string.
	Content string

	// ToolCalls contains tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolUseID is set when Role is "tool", identifying which tool call this
	// result responds to.
	ToolUseID string
}

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	// ID is the provider-assigned identifier for this tool call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool offered to the LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// InputSchema is the JSON Schema describing the tool's input parameters.
	InputSchema map[string]any
}

// CallStatus enumerates the lifecycle states of a call session row.
type CallStatus string

const (
	CallInitiated  CallStatus = "initiated"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallNoAnswer   CallStatus = "no-answer"
)

// CallDirection is the direction of a call relative to the tenant.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallSession is the persisted record of one phone conversation.
type CallSession struct {
	CallSID     string
	TenantID    string
	CallerPhone string
	Direction   CallDirection
	Status      CallStatus
	Duration    time.Duration
	Intent      string
	ErrorText   string
	CreatedAt   time.Time
}

// Turn is one persisted conversation turn, strictly ordered per call.
type Turn struct {
	CallSID    string
	TurnNumber int
	Role       string
	Content    string
	Timestamp  time.Time
}

// MaxTurnContent is the byte cap applied to Turn.Content before storage.
const MaxTurnContent = 4096

// Voicemail is a recording left through the telephony fallback branch.
type Voicemail struct {
	CallSID       string
	TenantID      string
	CallerPhone   string
	RecordingURL  string
	Transcription string
	DurationSec   int
	CreatedAt     time.Time
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether i and other share any instant.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

// Appointment is a row of the per-tenant appointment cache: a materialized
// view of an external calendar event. The external calendar is authoritative;
// cache rows may be stale.
type Appointment struct {
	TenantID        string
	CalendarEventID string
	Provider        string
	Start           time.Time
	End             time.Time
	DurationMin     int
	Status          string
	CustomerName    string
	CustomerPhone   string
	CustomerEmail   string
	ServiceType     string
	SyncedAt        time.Time
}

// Appointment cache statuses.
const (
	AppointmentConfirmed = "confirmed"
	AppointmentCancelled = "cancelled"
	AppointmentCompleted = "completed"
	AppointmentNoShow    = "no-show"
)

// MetricName identifies one of the closed set of per-tenant counters.
type MetricName string

// The closed metric name set. Adding a name here is an interface change.
const (
	MetricCallCount          MetricName = "call_count"
	MetricCallDuration       MetricName = "call_duration"
	MetricTokensInput        MetricName = "tokens_input"
	MetricTokensOutput       MetricName = "tokens_output"
	MetricBookingSuccess     MetricName = "booking_success"
	MetricBookingFailed      MetricName = "booking_failed"
	MetricVoiceWebhookOK     MetricName = "voice_webhook_ok"
	MetricVoiceWebhookError  MetricName = "voice_webhook_error"
	MetricStreamConnectOK    MetricName = "stream_connect_ok"
	MetricStreamConnectError MetricName = "stream_connect_error"
	MetricFallbackTriggered  MetricName = "fallback_triggered"
)

// MetricPoint is one per-tenant metric observation.
type MetricPoint struct {
	TenantID  string
	Name      MetricName
	Value     float64
	Metadata  map[string]string
	Timestamp time.Time
}

// Clock abstracts time for components that schedule or timestamp work, so
// tests can inject a fake.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the [Clock] interface.
type ClockFunc func() time.Time

// Now implements [Clock].
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a [Clock] backed by [time.Now].
func SystemClock() Clock { return ClockFunc(time.Now) }
