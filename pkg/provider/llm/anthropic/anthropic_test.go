package anthropic

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ringdesk/ringdesk/pkg/provider/llm"
	"github.com/ringdesk/ringdesk/pkg/types"
)

// testDecoder feeds a fixed sequence of SSE events to the SDK stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func sse(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: json.RawMessage(data)}
}

// fakeMessages returns a canned SDK stream and records the request params.
type fakeMessages struct {
	events []ssestream.Event
	params sdk.MessageNewParams
}

func (f *fakeMessages) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	f.params = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: f.events}, nil)
}

func bookingScript() []ssestream.Event {
	return []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"id":"m1","role":"assistant","content":[],"usage":{"input_tokens":812,"output_tokens":1}}}`),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"One moment, "}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"booking that now."}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"book_appointment"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"customer_name\":"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Pat Smith\"}"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		// Real message_delta usage blocks carry only the output count.
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":44}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}
}

func collect(t *testing.T, s llm.Stream) []llm.Event {
	t.Helper()
	var out []llm.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("stream did not finish")
		}
	}
}

func TestGenerateStreamEvents(t *testing.T) {
	fake := &fakeMessages{events: bookingScript()}
	p, err := New("", WithMessagesClient(fake))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	history := []types.ChatMessage{{Role: "user", Content: "Book me for tomorrow at ten."}}
	s, err := p.GenerateStream(context.Background(), history, llm.Context{BusinessName: "Sparkle Cleaning"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	events := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("stream err: %v", err)
	}

	var text, args strings.Builder
	var toolID, toolName string
	var usage *llm.Usage
	var sawStart, sawStop bool
	for _, ev := range events {
		switch ev.Type {
		case llm.MessageStart:
			sawStart = true
		case llm.ContentBlockStart:
			if ev.Block == llm.BlockToolUse {
				toolID, toolName = ev.ToolID, ev.ToolName
			}
		case llm.TextDelta:
			text.WriteString(ev.Text)
		case llm.InputJSONDelta:
			args.WriteString(ev.PartialJSON)
		case llm.UsageReport:
			usage = ev.Usage
		case llm.MessageStop:
			sawStop = true
		}
	}

	if !sawStart || !sawStop {
		t.Errorf("lifecycle events missing: start=%v stop=%v", sawStart, sawStop)
	}
	if got := text.String(); got != "One moment, booking that now." {
		t.Errorf("text = %q", got)
	}
	if toolID != "toolu_1" || toolName != "book_appointment" {
		t.Errorf("tool block = %q %q", toolID, toolName)
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(args.String()), &parsed); err != nil {
		t.Fatalf("accumulated tool args %q: %v", args.String(), err)
	}
	if parsed["customer_name"] != "Pat Smith" {
		t.Errorf("tool args = %v", parsed)
	}
	if usage == nil || usage.InputTokens != 812 || usage.OutputTokens != 44 {
		t.Errorf("usage = %+v, want input from message_start and output from message_delta", usage)
	}
}

func TestSystemPromptNamesOnlyOfferedTools(t *testing.T) {
	offered := []types.ToolDefinition{
		{Name: "check_availability"},
		{Name: "book_appointment"},
		{Name: "take_voicemail"},
	}
	prompt := systemPrompt(llm.Context{BusinessName: "Sparkle Cleaning", Tools: offered})

	known := map[string]bool{}
	for _, d := range offered {
		known[d.Name] = true
		if !strings.Contains(prompt, d.Name) {
			t.Errorf("prompt never mentions %s", d.Name)
		}
	}
	// Any snake_case token in the prompt must be a tool the model can call.
	for _, tok := range regexp.MustCompile(`[a-z]+(?:_[a-z]+)+`).FindAllString(prompt, -1) {
		if !known[tok] {
			t.Errorf("prompt references %q, which is not an offered tool", tok)
		}
	}
}

func TestRequestEncoding(t *testing.T) {
	fake := &fakeMessages{events: bookingScript()}
	p, _ := New("", WithMessagesClient(fake), WithModel("claude-haiku-3-5"))

	history := []types.ChatMessage{
		{Role: "user", Content: "Book me in."},
		{Role: "assistant", Content: "Checking.", ToolCalls: []types.ToolCall{
			{ID: "toolu_9", Name: "check_availability", Arguments: `{"date":"2026-08-25"}`},
		}},
		{Role: "tool", ToolUseID: "toolu_9", Content: "Error: upstream calendar unavailable"},
	}
	info := llm.Context{
		BusinessName: "Sparkle Cleaning",
		Timezone:     "America/New_York",
		Now:          time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC),
		Tools: []types.ToolDefinition{{
			Name:        "check_availability",
			Description: "List free appointment slots.",
			InputSchema: map[string]any{"type": "object"},
		}},
	}

	s, err := p.GenerateStream(context.Background(), history, info)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	collect(t, s)

	params := fake.params
	if string(params.Model) != "claude-haiku-3-5" {
		t.Errorf("model = %q", params.Model)
	}
	if params.MaxTokens != maxOutputTokens {
		t.Errorf("max tokens = %d", params.MaxTokens)
	}
	if len(params.System) != 1 {
		t.Fatalf("system blocks = %d", len(params.System))
	}
	prompt := params.System[0].Text
	for _, want := range []string{"Sparkle Cleaning", "America/New_York", "check_availability", "book_appointment"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d", len(params.Messages))
	}
	if len(params.Tools) != 1 {
		t.Fatalf("tools = %d", len(params.Tools))
	}

	t.Run("tool error result is marked", func(t *testing.T) {
		data, err := json.Marshal(params.Messages[2])
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !strings.Contains(string(data), `"is_error":true`) {
			t.Errorf("tool result not marked as error: %s", data)
		}
		if !strings.Contains(string(data), "toolu_9") {
			t.Errorf("tool result missing tool use id: %s", data)
		}
	})
}

func TestEncodeHistoryRejectsBadInput(t *testing.T) {
	if _, err := encodeHistory(nil); err == nil {
		t.Error("empty history accepted")
	}
	if _, err := encodeHistory([]types.ChatMessage{{Role: "system", Content: "x"}}); err == nil {
		t.Error("unknown role accepted")
	}
	if _, err := encodeHistory([]types.ChatMessage{{Role: "tool", Content: "ok"}}); err == nil {
		t.Error("tool message without id accepted")
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("empty api key accepted without custom client")
	}
}
