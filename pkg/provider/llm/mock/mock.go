// Package mock provides test doubles for the llm package interfaces.
//
// Provider replays scripted event sequences, one per GenerateStream call, and
// records the history and context of every call.
package mock

import (
	"context"
	"sync"

	"github.com/ringdesk/ringdesk/pkg/provider/llm"
	"github.com/ringdesk/ringdesk/pkg/types"
)

// Call records the arguments of one GenerateStream invocation.
type Call struct {
	History []types.ChatMessage
	Info    llm.Context
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Scripts holds one event sequence per expected GenerateStream call,
	// consumed in order. When exhausted, an empty assistant turn is replayed.
	Scripts [][]llm.Event

	// Err, if non-nil, is returned by GenerateStream.
	Err error

	// StreamErr, if non-nil, becomes the terminal error of every returned
	// stream.
	StreamErr error

	// Calls records every GenerateStream invocation.
	Calls []Call

	next int
}

var _ llm.Provider = (*Provider)(nil)

// GenerateStream records the call and replays the next script.
func (p *Provider) GenerateStream(ctx context.Context, history []types.ChatMessage, info llm.Context) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{History: append([]types.ChatMessage(nil), history...), Info: info})
	if p.Err != nil {
		return nil, p.Err
	}
	var script []llm.Event
	if p.next < len(p.Scripts) {
		script = p.Scripts[p.next]
		p.next++
	} else {
		script = TextTurn("")
	}
	return NewStream(script, p.StreamErr), nil
}

// Stream is a mock implementation of llm.Stream fed from a fixed script.
type Stream struct {
	events chan llm.Event
	err    error
	once   sync.Once
}

var _ llm.Stream = (*Stream)(nil)

// NewStream returns a stream that emits script and then closes. err becomes
// the terminal error reported by Err.
func NewStream(script []llm.Event, err error) *Stream {
	s := &Stream{events: make(chan llm.Event, len(script)), err: err}
	for _, ev := range script {
		s.events <- ev
	}
	close(s.events)
	return s
}

func (s *Stream) Events() <-chan llm.Event { return s.events }

func (s *Stream) Err() error { return s.err }

// Close drains any unread events.
func (s *Stream) Close() error {
	s.once.Do(func() {
		for range s.events {
		}
	})
	return nil
}

// TextTurn builds the event script of a plain assistant text response.
func TextTurn(chunks ...string) []llm.Event {
	out := []llm.Event{
		{Type: llm.MessageStart},
		{Type: llm.ContentBlockStart, Block: llm.BlockText},
	}
	for _, c := range chunks {
		out = append(out, llm.Event{Type: llm.TextDelta, Text: c})
	}
	out = append(out,
		llm.Event{Type: llm.ContentBlockStop},
		llm.Event{Type: llm.MessageStop},
	)
	return out
}

// ToolTurn builds the event script of an assistant turn that says text (may
// be empty) and then requests one tool call with the given JSON arguments.
func ToolTurn(text, toolID, toolName, argsJSON string) []llm.Event {
	out := []llm.Event{{Type: llm.MessageStart}}
	if text != "" {
		out = append(out,
			llm.Event{Type: llm.ContentBlockStart, Block: llm.BlockText},
			llm.Event{Type: llm.TextDelta, Text: text},
			llm.Event{Type: llm.ContentBlockStop},
		)
	}
	out = append(out,
		llm.Event{Type: llm.ContentBlockStart, Block: llm.BlockToolUse, ToolID: toolID, ToolName: toolName},
		llm.Event{Type: llm.InputJSONDelta, PartialJSON: argsJSON},
		llm.Event{Type: llm.ContentBlockStop},
		llm.Event{Type: llm.MessageStop},
	)
	return out
}
