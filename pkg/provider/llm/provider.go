// Package llm defines the Provider interface for tool-enabled streaming
// language model backends.
//
// A provider turns a conversation history plus per-tenant context into a
// lazy stream of discriminated events: message lifecycle markers, text
// deltas that feed straight into live TTS, tool-use blocks assembled from
// partial-JSON deltas, and token usage. The orchestrator is the only
// consumer; it holds at most one live stream per call.
package llm

import (
	"context"
	"time"

	"github.com/ringdesk/ringdesk/pkg/types"
)

// EventType discriminates stream events.
type EventType int

const (
	// MessageStart opens a model response.
	MessageStart EventType = iota

	// ContentBlockStart opens a content block; Block says whether it is text
	// or tool_use. Tool blocks carry ToolID and ToolName.
	ContentBlockStart

	// TextDelta carries an incremental text fragment in Text.
	TextDelta

	// InputJSONDelta carries a fragment of a tool block's JSON arguments in
	// PartialJSON.
	InputJSONDelta

	// ContentBlockStop closes the most recently started content block.
	ContentBlockStop

	// MessageStop closes the model response; the stream ends shortly after.
	MessageStop

	// UsageReport carries token accounting in Usage. Emitted at most once.
	UsageReport
)

// BlockKind is the content block variant for ContentBlockStart events.
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockToolUse BlockKind = "tool_use"
)

// Usage holds token accounting for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Event is one element of a generation stream. Which fields are meaningful
// depends on Type.
type Event struct {
	Type        EventType
	Block       BlockKind
	ToolID      string
	ToolName    string
	Text        string
	PartialJSON string
	Usage       *Usage
}

// Context carries the per-tenant facts the provider bakes into its system
// prompt.
type Context struct {
	// BusinessName is spoken by the assistant when identifying itself.
	BusinessName string

	// Timezone is the IANA zone all spoken times are interpreted in.
	Timezone string

	// Now is the current time; injected so the model can resolve relative
	// dates ("tomorrow at ten").
	Now time.Time

	// Tools is the set of tool definitions offered to the model.
	Tools []types.ToolDefinition
}

// Stream is one in-flight generation.
//
// Callers must drain Events or call Close; abandoning both leaks the
// underlying connection. After the events channel closes, Err reports how
// the stream ended: nil for a normal stop, the cause otherwise.
type Stream interface {
	// Events returns the event channel. Closed when generation finishes,
	// fails, or is aborted.
	Events() <-chan Event

	// Err reports the terminal error, valid after Events is closed.
	Err() error

	// Close aborts the generation and releases the connection. Safe to call
	// more than once, and after the stream ended on its own.
	Close() error
}

// Provider is the abstraction over any tool-enabled streaming LLM backend.
//
// Implementations must be safe for concurrent use across calls; within one
// call the orchestrator serializes generations itself.
type Provider interface {
	// GenerateStream starts one generation over the given history. The
	// history uses roles "user", "assistant", and "tool"; tool entries
	// reference the assistant tool_use they answer via ToolUseID.
	GenerateStream(ctx context.Context, history []types.ChatMessage, info Context) (Stream, error)
}
