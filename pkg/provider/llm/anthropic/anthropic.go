// Package anthropic provides an Anthropic Claude-backed LLM provider using the
// official Go SDK's streaming Messages API. It implements the llm.Provider
// interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ringdesk/ringdesk/pkg/provider/llm"
	"github.com/ringdesk/ringdesk/pkg/types"
)

const (
	defaultModel = "claude-sonnet-4-5"

	// Voice turns are short by construction: low temperature keeps tool
	// arguments deterministic, and the token cap bounds per-turn latency.
	maxOutputTokens = 500
	temperature     = 0.1
)

// MessagesClient captures the subset of the SDK's message service used by the
// provider. *sdk.MessageService satisfies it; tests substitute a fake.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Option is a functional option for configuring the Anthropic Provider.
type Option func(*Provider)

// WithModel sets the Claude model identifier.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithMessagesClient replaces the underlying SDK message service. Used by
// tests.
func WithMessagesClient(msg MessagesClient) Option {
	return func(p *Provider) { p.msg = msg }
}

// WithPromptCaching toggles the prompt-cache breakpoint on the system prompt.
// On by default; the system prompt is identical across turns of a call, so
// caching it cuts per-turn input cost.
func WithPromptCaching(enabled bool) Option {
	return func(p *Provider) { p.cachePrompt = enabled }
}

// Provider implements llm.Provider backed by Anthropic Claude.
type Provider struct {
	msg         MessagesClient
	model       string
	cachePrompt bool
}

var _ llm.Provider = (*Provider)(nil)

// New creates a new Anthropic Provider. apiKey must be non-empty unless a
// custom messages client is supplied.
func New(apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{model: defaultModel, cachePrompt: true}
	for _, o := range opts {
		o(p)
	}
	if p.msg == nil {
		if apiKey == "" {
			return nil, errors.New("anthropic: apiKey must not be empty")
		}
		client := sdk.NewClient(option.WithAPIKey(apiKey))
		p.msg = &client.Messages
	}
	return p, nil
}

// GenerateStream starts one streaming generation over the call history.
func (p *Provider) GenerateStream(ctx context.Context, history []types.ChatMessage, info llm.Context) (llm.Stream, error) {
	msgs, err := encodeHistory(history)
	if err != nil {
		return nil, err
	}

	sysBlock := sdk.TextBlockParam{Text: systemPrompt(info)}
	if p.cachePrompt {
		sysBlock.CacheControl = sdk.NewCacheControlEphemeralParam()
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(p.model),
		MaxTokens:   maxOutputTokens,
		Temperature: sdk.Float(temperature),
		System:      []sdk.TextBlockParam{sysBlock},
		Messages:    msgs,
	}
	if tools := encodeTools(info.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	raw := p.msg.NewStreaming(ctx, params)
	if err := raw.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: start stream: %w", err)
	}
	return newStream(ctx, raw), nil
}

// ---- stream adaptation ----

// stream adapts an SDK event stream to the llm.Stream interface.
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	raw    *ssestream.Stream[sdk.MessageStreamEventUnion]

	events chan llm.Event

	// inputTokens is captured from message_start; the message_delta usage
	// block reliably carries only the output count. Touched only by run.
	inputTokens int

	mu       sync.Mutex
	finalErr error
}

var _ llm.Stream = (*stream)(nil)

func newStream(ctx context.Context, raw *ssestream.Stream[sdk.MessageStreamEventUnion]) *stream {
	cctx, cancel := context.WithCancel(ctx)
	s := &stream{
		ctx:    cctx,
		cancel: cancel,
		raw:    raw,
		events: make(chan llm.Event, 32),
	}
	go s.run()
	return s
}

func (s *stream) Events() <-chan llm.Event { return s.events }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

func (s *stream) Close() error {
	s.cancel()
	return s.raw.Close()
}

func (s *stream) run() {
	defer close(s.events)
	defer s.raw.Close()

	for s.raw.Next() {
		for _, ev := range s.translate(s.raw.Current()) {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				s.setErr(s.ctx.Err())
				return
			}
		}
	}
	if err := s.raw.Err(); err != nil {
		s.setErr(fmt.Errorf("anthropic: stream: %w", err))
		return
	}
	s.setErr(s.ctx.Err())
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalErr == nil {
		s.finalErr = err
	}
}

// translate maps one SDK event onto zero or more provider events.
func (s *stream) translate(event sdk.MessageStreamEventUnion) []llm.Event {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.inputTokens = int(ev.Message.Usage.InputTokens)
		return []llm.Event{{Type: llm.MessageStart}}
	case sdk.ContentBlockStartEvent:
		if tool, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			return []llm.Event{{
				Type:     llm.ContentBlockStart,
				Block:    llm.BlockToolUse,
				ToolID:   tool.ID,
				ToolName: tool.Name,
			}}
		}
		return []llm.Event{{Type: llm.ContentBlockStart, Block: llm.BlockText}}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return []llm.Event{{Type: llm.TextDelta, Text: delta.Text}}
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			return []llm.Event{{Type: llm.InputJSONDelta, PartialJSON: delta.PartialJSON}}
		}
		return nil
	case sdk.ContentBlockStopEvent:
		return []llm.Event{{Type: llm.ContentBlockStop}}
	case sdk.MessageDeltaEvent:
		in := int(ev.Usage.InputTokens)
		if in == 0 {
			in = s.inputTokens
		}
		return []llm.Event{{
			Type: llm.UsageReport,
			Usage: &llm.Usage{
				InputTokens:  in,
				OutputTokens: int(ev.Usage.OutputTokens),
			},
		}}
	case sdk.MessageStopEvent:
		return []llm.Event{{Type: llm.MessageStop}}
	}
	return nil
}

// ---- request encoding ----

func encodeHistory(history []types.ChatMessage) ([]sdk.MessageParam, error) {
	if len(history) == 0 {
		return nil, errors.New("anthropic: history must not be empty")
	}
	out := make([]sdk.MessageParam, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case "user":
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case "tool":
			if m.ToolUseID == "" {
				return nil, errors.New("anthropic: tool message missing tool use id")
			}
			isErr := strings.HasPrefix(m.Content, "Error:")
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolUseID, m.Content, isErr)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []types.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

// systemPrompt renders the per-tenant system prompt. It is identical for every
// turn of a call, which is what makes the cache breakpoint worthwhile.
func systemPrompt(info llm.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the phone receptionist for %s. ", info.BusinessName)
	b.WriteString("You are speaking with a caller over a live voice line, so keep every reply short, natural, and free of markup or lists.\n\n")

	if !info.Now.IsZero() {
		fmt.Fprintf(&b, "The current date and time is %s (%s). Resolve relative dates like \"tomorrow\" against it.\n\n",
			info.Now.Format("Monday, January 2, 2006 at 3:04 PM"), info.Timezone)
	}

	b.WriteString("Booking rules:\n")
	b.WriteString("- Before booking, collect the caller's full name, phone number, and email address. Never invent or guess any of them.\n")
	b.WriteString("- Callers speak phone numbers and emails aloud; repeat each one back to confirm before using it.\n")
	b.WriteString("- Use check_availability before proposing appointment times, and only offer times it reports as free.\n")
	b.WriteString("- Call book_appointment exactly once per confirmed booking, with times in RFC 3339 format.\n")
	b.WriteString("- If a tool result starts with \"Error:\", read the problem to the caller in plain words and try to correct it together.\n")
	b.WriteString("- If book_appointment reports missing or invalid caller details, ask for the flagged ones again instead of retrying with the same values.\n")
	b.WriteString("- If you cannot help the caller or they ask to leave a message, use take_voicemail.\n")
	return b.String()
}
