package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ringdesk/ringdesk/internal/config"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/scheduler"
	"github.com/ringdesk/ringdesk/internal/tenantstore"
	"github.com/ringdesk/ringdesk/internal/tools"
	"github.com/ringdesk/ringdesk/pkg/provider/llm"
	llmmock "github.com/ringdesk/ringdesk/pkg/provider/llm/mock"
	sttmock "github.com/ringdesk/ringdesk/pkg/provider/stt/mock"
	ttsmock "github.com/ringdesk/ringdesk/pkg/provider/tts/mock"
	"github.com/ringdesk/ringdesk/pkg/types"
)

const testGreeting = "Welcome to Sparkle Cleaning!"

// fakeBooker satisfies tools.Booker without a real calendar.
type fakeBooker struct {
	mu     sync.Mutex
	booked []scheduler.BookingRequest
	err    error
}

func (f *fakeBooker) CheckAvailability(context.Context, string, time.Time, time.Time) ([]types.Interval, error) {
	return nil, nil
}

func (f *fakeBooker) BookAppointment(_ context.Context, _ string, req scheduler.BookingRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.booked = append(f.booked, req)
	return "evt-1", nil
}

func (f *fakeBooker) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBooker) bookings() []scheduler.BookingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.BookingRequest(nil), f.booked...)
}

// callFixture runs an Orchestrator behind a real WebSocket and exposes the
// mock providers for scripting and inspection.
type callFixture struct {
	t      *testing.T
	conn   *websocket.Conn
	stt    *sttmock.Session
	tts    *ttsmock.Provider
	llm    *llmmock.Provider
	booker *fakeBooker
	store  *tenantstore.Store

	// frames receives every outbound frame; closed when the server drops
	// the socket.
	frames chan wireFrame
}

func newCallFixture(t *testing.T, scripts [][]llm.Event, streamingTTS bool) *callFixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	reg, err := registry.Open(dir)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	if _, err := reg.Register(ctx, registry.TenantConfig{
		TenantID:     "abc",
		BusinessName: "Sparkle Cleaning",
		PhoneNumber:  "+15555550123",
		Timezone:     "America/New_York",
		AI:           registry.AIConfig{Greeting: testGreeting},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	factory := tenantstore.NewFactory(dir)
	t.Cleanup(func() { factory.Close() })
	store, err := factory.Provision("abc")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := store.CreateCall(ctx, types.CallSession{
		CallSID:     "CA1",
		TenantID:    "abc",
		CallerPhone: "+15550002222",
		Direction:   types.DirectionInbound,
		Status:      types.CallInitiated,
	}); err != nil {
		t.Fatalf("create call: %v", err)
	}

	f := &callFixture{
		t:      t,
		stt:    sttmock.NewSession(),
		tts:    &ttsmock.Provider{Audio: bytes.Repeat([]byte{0x7f}, 1600)},
		llm:    &llmmock.Provider{Scripts: scripts},
		booker: &fakeBooker{},
		store:  store,
		frames: make(chan wireFrame, 256),
	}

	cfg := config.Defaults()
	cfg.Server.AdminAPIKey = "test-admin-key"
	cfg.Features.StreamingTTS = streamingTTS

	o := New(Deps{
		Config:  cfg,
		Tenants: reg,
		Stores:  factory,
		STT:     &sttmock.Provider{Session: f.stt},
		TTS:     f.tts,
		LLM:     f.llm,
		Tools:   tools.NewExecutor(reg, f.booker, nil),
	})
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media-stream?callSid=CA1&tenantId=abc"
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	f.conn = conn
	t.Cleanup(func() { conn.CloseNow() })

	f.send(wireFrame{Event: eventStart, Start: &startFrame{
		StreamSID: "MZ1",
		CallSID:   "CA1",
		CustomParameters: map[string]string{
			"tenantId":    "abc",
			"callerPhone": "+15550002222",
		},
	}})

	go func() {
		defer close(f.frames)
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var fr wireFrame
			if json.Unmarshal(data, &fr) == nil {
				f.frames <- fr
			}
		}
	}()
	return f
}

func (f *callFixture) send(fr wireFrame) {
	f.t.Helper()
	data, err := json.Marshal(fr)
	if err != nil {
		f.t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.conn.Write(ctx, websocket.MessageText, data); err != nil {
		f.t.Fatalf("write frame: %v", err)
	}
}

func (f *callFixture) sendMedia(audio []byte) {
	f.send(wireFrame{Event: eventMedia, Media: &mediaFrame{
		Payload: base64.StdEncoding.EncodeToString(audio),
	}})
}

func (f *callFixture) speak(text string, confidence float64) {
	f.stt.FinalsCh <- types.Transcript{Text: text, IsFinal: true, Confidence: confidence}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *callFixture) waitClosed() {
	f.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-f.frames:
			if !ok {
				return
			}
		case <-deadline:
			f.t.Fatal("socket never closed")
		}
	}
}

func (f *callFixture) turns() []types.Turn {
	f.t.Helper()
	turns, err := f.store.Turns(context.Background(), "CA1")
	if err != nil {
		f.t.Fatalf("load turns: %v", err)
	}
	return turns
}

func synthesized(p *ttsmock.Provider, text string) func() bool {
	return func() bool {
		for _, call := range p.SynthesizeCalls {
			if strings.Contains(call, text) {
				return true
			}
		}
		return false
	}
}

func TestSessionGreetingAndConversation(t *testing.T) {
	f := newCallFixture(t, [][]llm.Event{
		llmmock.TextTurn("We're open ", "nine to five."),
	}, false)

	waitFor(t, "greeting synthesis", synthesized(f.tts, testGreeting))
	waitFor(t, "greeting audio frame", func() bool {
		select {
		case fr := <-f.frames:
			return fr.Event == eventMedia && fr.StreamSID == "MZ1" && fr.Media != nil
		default:
			return false
		}
	})

	audio := bytes.Repeat([]byte{0x55}, 160)
	f.sendMedia(audio)
	waitFor(t, "audio forwarded to stt", func() bool { return len(f.stt.Chunks) == 1 })
	if !bytes.Equal(f.stt.Chunks[0], audio) {
		t.Errorf("stt chunk = %x", f.stt.Chunks[0][:8])
	}

	f.speak("When are you open?", 0.95)
	waitFor(t, "assistant reply synthesis", synthesized(f.tts, "We're open nine to five."))

	call := f.llm.Calls[0]
	if call.Info.BusinessName != "Sparkle Cleaning" || len(call.Info.Tools) != 3 {
		t.Errorf("llm context = %+v", call.Info)
	}
	last := call.History[len(call.History)-1]
	if last.Role != "user" || last.Content != "When are you open?" {
		t.Errorf("last history message = %+v", last)
	}
	if first := call.History[0]; first.Role != "assistant" || !strings.Contains(first.Content, testGreeting) {
		t.Errorf("greeting missing from history: %+v", first)
	}

	f.send(wireFrame{Event: eventStop})
	f.waitClosed()

	waitFor(t, "turns persisted", func() bool { return len(f.turns()) >= 3 })
	turns := f.turns()
	if turns[0].Role != "assistant" || !strings.Contains(turns[0].Content, testGreeting) {
		t.Errorf("turn 1 = %+v", turns[0])
	}
	if turns[1].Role != "user" || turns[1].Content != "When are you open?" {
		t.Errorf("turn 2 = %+v", turns[1])
	}
	if turns[2].Role != "assistant" || turns[2].Content != "We're open nine to five." {
		t.Errorf("turn 3 = %+v", turns[2])
	}
	for i, turn := range turns {
		if turn.TurnNumber != i+1 {
			t.Errorf("turn %d number = %d", i, turn.TurnNumber)
		}
	}

	waitFor(t, "call row finalized", func() bool {
		call, err := f.store.GetCall(context.Background(), "CA1")
		return err == nil && call.Status == types.CallCompleted
	})
}

func TestSessionLowConfidenceReask(t *testing.T) {
	f := newCallFixture(t, nil, false)
	waitFor(t, "greeting synthesis", synthesized(f.tts, testGreeting))

	f.speak("mmmph hmm", 0.3)
	waitFor(t, "re-ask synthesis", synthesized(f.tts, lowConfidencePhrase))

	if len(f.llm.Calls) != 0 {
		t.Errorf("llm called %d times for a low-confidence transcript", len(f.llm.Calls))
	}
}

func TestSessionBookingFlow(t *testing.T) {
	args := `{"customer_name":"Dana Smith",` +
		`"customer_phone":"two zero two four five six one four one four",` +
		`"customer_email":"dana at example dot com",` +
		`"start_time":"2026-09-01T14:00:00-04:00",` +
		`"end_time":"2026-09-01T15:00:00-04:00"}`
	f := newCallFixture(t, [][]llm.Event{
		llmmock.ToolTurn("One moment.", "toolu_1", tools.NameBookAppointment, args),
		llmmock.TextTurn("You're all set for Tuesday at two."),
	}, true)

	waitFor(t, "greeting synthesis", synthesized(f.tts, testGreeting))
	f.speak("I'd like to book a cleaning. My details are ready.", 0.9)

	waitFor(t, "tool-result continuation", func() bool { return len(f.llm.Calls) == 2 })

	bookings := f.booker.bookings()
	if len(bookings) != 1 {
		t.Fatalf("bookings = %d", len(bookings))
	}
	if bookings[0].CustomerPhone != "2024561414" || bookings[0].CustomerEmail != "dana@example.com" {
		t.Errorf("normalized booking = %+v", bookings[0])
	}

	history := f.llm.Calls[1].History
	toolMsg := history[len(history)-1]
	if toolMsg.Role != "tool" || toolMsg.ToolUseID != "toolu_1" {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	if !strings.Contains(toolMsg.Content, "Appointment booked successfully. Reference ID: evt-1") {
		t.Errorf("tool result = %q", toolMsg.Content)
	}
	assistantMsg := history[len(history)-2]
	if len(assistantMsg.ToolCalls) != 1 || assistantMsg.ToolCalls[0].Name != tools.NameBookAppointment {
		t.Errorf("assistant tool-use message = %+v", assistantMsg)
	}

	waitFor(t, "confirmation spoken over live tts", func() bool {
		s := f.tts.LastSession()
		return s != nil && strings.Contains(s.Text(), "You're all set")
	})

	waitFor(t, "tool result transcript", func() bool {
		for _, turn := range f.turns() {
			if strings.Contains(turn.Content, "[TOOL RESULT] book_appointment: Appointment booked successfully") {
				return true
			}
		}
		return false
	})

	f.send(wireFrame{Event: eventStop})
	f.waitClosed()

	waitFor(t, "booking intent recorded", func() bool {
		call, err := f.store.GetCall(context.Background(), "CA1")
		return err == nil && call.Status == types.CallCompleted && call.Intent == "booking"
	})
}

func TestSessionBookingValidationFailure(t *testing.T) {
	args := `{"customer_name":"Dana Smith",` +
		`"customer_phone":"two zero two four five six one four one four",` +
		`"customer_email":"",` +
		`"start_time":"2026-09-01T14:00:00-04:00",` +
		`"end_time":"2026-09-01T15:00:00-04:00"}`
	f := newCallFixture(t, [][]llm.Event{
		llmmock.ToolTurn("One moment.", "toolu_1", tools.NameBookAppointment, args),
		llmmock.TextTurn("Could I get your email address?"),
	}, false)
	f.booker.fail(&scheduler.ValidationError{NameOK: true, PhoneOK: true, EmailOK: false})

	waitFor(t, "greeting synthesis", synthesized(f.tts, testGreeting))
	f.speak("Book me a cleaning for Tuesday at two.", 0.9)

	waitFor(t, "tool-result continuation", func() bool { return len(f.llm.Calls) == 2 })

	history := f.llm.Calls[1].History
	toolMsg := history[len(history)-1]
	if toolMsg.Role != "tool" || toolMsg.ToolUseID != "toolu_1" {
		t.Fatalf("tool message = %+v", toolMsg)
	}
	want := "missing_or_invalid_booking_fields (name=true, phone=true, email=false)"
	if toolMsg.Content != want {
		t.Errorf("tool result = %q, want %q", toolMsg.Content, want)
	}

	waitFor(t, "re-ask spoken", synthesized(f.tts, "Could I get your email address?"))

	f.send(wireFrame{Event: eventStop})
	f.waitClosed()

	waitFor(t, "call finalized without booking intent", func() bool {
		call, err := f.store.GetCall(context.Background(), "CA1")
		return err == nil && call.Status == types.CallCompleted
	})
	call, err := f.store.GetCall(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if call.Intent == "booking" {
		t.Errorf("intent = %q after a failed booking", call.Intent)
	}
}

func TestSessionVoicemailHandoffClosesSocket(t *testing.T) {
	f := newCallFixture(t, [][]llm.Event{
		llmmock.ToolTurn("", "toolu_9", tools.NameTakeVoicemail, `{"reason":"caller asked"}`),
	}, false)

	waitFor(t, "greeting synthesis", synthesized(f.tts, testGreeting))
	f.speak("I just want to leave a message.", 0.9)

	// The server ends the socket itself so the telephony fallback records.
	f.waitClosed()

	waitFor(t, "sentinel transcript", func() bool {
		for _, turn := range f.turns() {
			if strings.Contains(turn.Content, tools.VoicemailSentinel) {
				return true
			}
		}
		return false
	})
}

func TestBargeWorthy(t *testing.T) {
	cases := []struct {
		name string
		in   types.Transcript
		want bool
	}{
		{"short low-confidence partial", types.Transcript{Text: "um so", Confidence: 0.5}, false},
		{"four words", types.Transcript{Text: "wait I have a", Confidence: 0.2}, true},
		{"high confidence short", types.Transcript{Text: "stop", Confidence: 0.9}, true},
		{"empty", types.Transcript{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := bargeWorthy(tc.in); got != tc.want {
				t.Errorf("bargeWorthy(%q, %.1f) = %t", tc.in.Text, tc.in.Confidence, got)
			}
		})
	}
}
