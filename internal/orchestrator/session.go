package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/resilience"
	"github.com/ringdesk/ringdesk/internal/tenantstore"
	"github.com/ringdesk/ringdesk/internal/tools"
	"github.com/ringdesk/ringdesk/pkg/provider/llm"
	"github.com/ringdesk/ringdesk/pkg/provider/stt"
	"github.com/ringdesk/ringdesk/pkg/provider/tts"
	"github.com/ringdesk/ringdesk/pkg/types"
)

const (
	// bargeInWords and bargeInConfidence decide when a partial transcript
	// counts as the caller interrupting the assistant.
	bargeInWords      = 4
	bargeInConfidence = 0.8

	// llmRetries is the retry budget for starting an LLM stream.
	llmRetries      = 2
	llmRetryBackoff = 250 * time.Millisecond

	// closeGrace gives a farewell phrase time to play out before the socket
	// closes.
	closeGrace = 3 * time.Second

	// startTimeout bounds the wait for the provider's start frame.
	startTimeout = 10 * time.Second

	// speakChunk is the outbound audio frame size for one-shot speech:
	// 3200 bytes is 400 ms of 8 kHz μ-law.
	speakChunk = 3200

	outboundDepth = 128
	queueDepth    = 8

	// flushInterval is the turn-ring persistence cadence.
	flushInterval = 2 * time.Second

	// refreshEvery throttles admission TTL refreshes driven by media frames.
	refreshEvery = 10 * time.Second
)

const (
	compliancePhrase    = "Just so you know, this call may be recorded for quality purposes."
	defaultGreeting     = "Thank you for calling %s. How can I help you today?"
	lowConfidencePhrase = "Sorry, I didn't catch that. Could you say it one more time?"
	farewellPhrase      = "It sounds like you've stepped away, so I'll let you go. Thanks for calling, goodbye!"
	durationCapPhrase   = "I'm sorry, we've hit the maximum call length. Please call back and we can pick up where we left off. Goodbye!"
)

// session is the state of one live call. One session owns one WebSocket, one
// STT stream, at most one live TTS session, and at most one in-flight LLM
// stream.
type session struct {
	o     *Orchestrator
	log   *slog.Logger
	conn  *websocket.Conn
	clock types.Clock

	queryCallSID  string
	queryTenantID string

	callSID     string
	streamSID   string
	tenantID    string
	callerPhone string
	tenant      *registry.Tenant

	rootCtx    context.Context
	cancelRoot context.CancelFunc

	state   callState
	hist    history
	ring    *turnRing
	turnSeq atomic.Int64

	storeMu sync.Mutex
	store   *tenantstore.Store

	sttSess stt.SessionHandle

	ttsMu   sync.Mutex
	ttsLive tts.SessionHandle

	aiSpeaking    atomic.Bool
	llmLive       atomic.Bool
	cancelPending atomic.Bool
	booked        atomic.Bool

	genMu        sync.Mutex
	llmCancel    context.CancelFunc
	speechCancel context.CancelFunc

	outbound chan wireFrame
	queue    chan string

	inactivity *time.Timer
	hardCap    *time.Timer
	refresh    *rate.Limiter
	packets    atomic.Int64

	esc *resilience.Escalator

	errMu   sync.Mutex
	errText string

	closeOnce sync.Once
}

func newSession(o *Orchestrator, conn *websocket.Conn, callSID, tenantID string) *session {
	s := &session{
		o:             o,
		log:           o.log,
		conn:          conn,
		clock:         o.clock,
		queryCallSID:  callSID,
		queryTenantID: tenantID,
		ring:          newTurnRing(defaultRingCapacity),
		outbound:      make(chan wireFrame, outboundDepth),
		queue:         make(chan string, queueDepth),
		refresh:       rate.NewLimiter(rate.Every(refreshEvery), 1),
	}
	s.esc = resilience.NewEscalator(resilience.Actions{
		Speak:   s.speakRecorded,
		Handoff: s.handoff,
		// The escalator speaks its closing phrase itself; wait the grace so
		// the audio reaches the caller before the socket drops.
		Terminate: func(reason string) {
			go func() {
				timer := time.NewTimer(closeGrace)
				defer timer.Stop()
				if s.rootCtx != nil {
					select {
					case <-timer.C:
					case <-s.rootCtx.Done():
					}
				} else {
					<-timer.C
				}
				s.terminate(reason)
			}()
		},
		OnTrigger: s.onFallback,
	}, o.log)
	return s
}

// run drives the session to completion. It blocks until the socket closes or
// the session terminates.
func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.rootCtx = ctx
	s.cancelRoot = cancel
	defer cancel()

	start, err := s.awaitStart(ctx)
	if err != nil {
		s.log.Warn("media stream start failed", "err", err)
		s.conn.Close(websocket.StatusPolicyViolation, "no start frame")
		return
	}
	if !s.resolve(ctx, start) {
		s.conn.Close(websocket.StatusPolicyViolation, "unknown tenant")
		return
	}
	s.log = s.log.With("call_sid", s.callSID, "tenant_id", s.tenantID)
	s.log.Info("media stream connected", "stream_sid", s.streamSID)
	s.countTenant(types.MetricStreamConnectOK)
	if s.o.metrics != nil {
		s.o.metrics.ActiveCalls.Add(ctx, 1)
		defer s.o.metrics.ActiveCalls.Add(context.Background(), -1)
	}

	s.sttSess, err = s.o.stt.StartStream(ctx, stt.StreamConfig{
		Encoding:       "mulaw",
		SampleRate:     8000,
		Language:       "en-US",
		VADEvents:      true,
		UtteranceEndMS: int(s.o.cfg.Calls.SilenceTimeout / time.Millisecond),
	})
	if err != nil {
		s.log.Error("stt stream failed", "err", err)
		s.countTenant(types.MetricStreamConnectError)
		s.conn.Close(websocket.StatusInternalError, "transcription unavailable")
		return
	}
	defer s.sttSess.Close()

	started := s.clock.Now()
	s.markInProgress()

	s.inactivity = time.AfterFunc(s.o.cfg.Calls.InactivityTimeout, s.onInactivity)
	s.hardCap = time.AfterFunc(s.o.cfg.Calls.MaxCallDuration, s.onHardCap)
	defer s.inactivity.Stop()
	defer s.hardCap.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.sttLoop(gctx) })
	g.Go(func() error { return s.interactLoop(gctx) })
	g.Go(func() error { return s.persistLoop(gctx) })

	s.state.To(StateGreeting)
	go s.greet(gctx)

	g.Wait()
	s.terminate("session ended")
	s.finalize(started)
}

// awaitStart reads frames until the provider's start event arrives.
func (s *session) awaitStart(ctx context.Context) (*startFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: read start frame: %w", err)
		}
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Event {
		case eventStart:
			if f.Start == nil {
				return nil, errors.New("orchestrator: start frame without payload")
			}
			return f.Start, nil
		case eventStop:
			return nil, errors.New("orchestrator: stream stopped before start")
		}
	}
}

// resolve pins the session to a tenant from the start frame's custom
// parameters, falling back to the query string.
func (s *session) resolve(ctx context.Context, start *startFrame) bool {
	s.streamSID = start.StreamSID
	s.callSID = start.CallSID
	if s.callSID == "" {
		s.callSID = s.queryCallSID
	}
	s.tenantID = start.CustomParameters["tenantId"]
	if s.tenantID == "" {
		s.tenantID = s.queryTenantID
	}
	s.callerPhone = start.CustomParameters["callerPhone"]

	tenant, err := s.o.tenants.FindByID(ctx, s.tenantID)
	if err != nil {
		s.log.Warn("media stream for unknown tenant",
			"tenant_id", s.tenantID, "call_sid", s.callSID, "err", err)
		if s.o.metrics != nil {
			s.o.metrics.Count(ctx, s.tenantID, types.MetricStreamConnectError)
		}
		return false
	}
	s.tenant = tenant

	if st, err := s.o.stores.Open(s.tenantID); err == nil {
		s.setStore(st)
	}
	return true
}

// ─── task loops ──────────────────────────────────────────────────────────────

// readLoop consumes inbound frames from the telephony socket.
func (s *session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.terminate("media socket closed")
			return nil
		}
		var f wireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Event {
		case eventMedia:
			s.onMedia(f.Media)
		case eventStop:
			s.terminate("provider stop")
			return nil
		}
	}
}

// onMedia forwards one audio chunk to STT and opportunistically refreshes
// the call's admission TTL.
func (s *session) onMedia(m *mediaFrame) {
	if m == nil {
		return
	}
	audio, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return
	}
	if err := s.sttSess.SendAudio(audio); err != nil {
		s.log.Debug("stt send failed", "err", err)
	}
	s.packets.Add(1)

	if s.o.coordinator != nil && s.refresh.Allow() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.o.coordinator.RefreshCall(ctx, s.callSID, s.tenantID)
		}()
	}
}

// writeLoop serializes outbound frames onto the socket.
func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.outbound:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.terminate("media socket write failed")
				return nil
			}
		}
	}
}

// sttLoop fans STT output into barge-in detection and the interaction queue.
func (s *session) sttLoop(ctx context.Context) error {
	partials := s.sttSess.Partials()
	finals := s.sttSess.Finals()
	events := s.sttSess.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-partials:
			if !ok {
				partials = nil
				break
			}
			if bargeWorthy(p) {
				s.bargeIn("partial")
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			if ev == types.SpeechStarted {
				s.bargeIn("speech_started")
			}
		case f, ok := <-finals:
			if !ok {
				finals = nil
				break
			}
			s.onFinal(ctx, f)
		}
		if partials == nil && finals == nil && events == nil {
			return nil
		}
	}
}

// bargeWorthy reports whether a partial transcript is substantial enough to
// interrupt the assistant.
func bargeWorthy(p types.Transcript) bool {
	return len(strings.Fields(p.Text)) >= bargeInWords || p.Confidence >= bargeInConfidence
}

// bargeIn aborts assistant output: clears buffered audio on the far side,
// drops the live TTS session, and cancels any in-flight generation. A no-op
// when the assistant is silent.
func (s *session) bargeIn(source string) {
	if !s.aiSpeaking.Load() && !s.llmLive.Load() {
		return
	}
	s.log.Debug("barge-in", "source", source)
	s.cancelPending.Store(true)
	s.cancelGeneration()
	s.dropOutbound()
	s.enqueue(clearWire(s.streamSID))
	s.abortLiveTTS()
}

// onFinal handles an authoritative transcript: abort anything in flight,
// re-ask on low confidence, otherwise queue an interaction.
func (s *session) onFinal(ctx context.Context, f types.Transcript) {
	s.cancelPending.Store(true)
	s.cancelGeneration()
	s.inactivity.Reset(s.o.cfg.Calls.InactivityTimeout)
	s.state.To(StateConversation)

	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}
	if f.Confidence > 0 && f.Confidence < s.o.cfg.Calls.ASRConfidenceThreshold {
		s.log.Debug("low confidence transcript", "confidence", f.Confidence)
		go s.speakRecorded(ctx, lowConfidencePhrase)
		return
	}
	select {
	case s.queue <- text:
	default:
		s.log.Warn("interaction queue full, dropping utterance")
	}
}

// interactLoop is the single writer for history and turn numbering.
func (s *session) interactLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-s.queue:
			s.runInteraction(ctx, text)
		}
	}
}

// persistLoop flushes the turn ring on a fixed cadence.
func (s *session) persistLoop(ctx context.Context) error {
	t := time.NewTicker(flushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.flushTurns(ctx)
		}
	}
}

// ─── interaction ─────────────────────────────────────────────────────────────

// runInteraction processes one caller utterance, iterating through tool
// calls until the LLM produces a pure text turn.
func (s *session) runInteraction(ctx context.Context, userText string) {
	defer func() {
		if r := recover(); r != nil {
			s.esc.Crash(ctx, fmt.Sprintf("interaction panic: %v", r))
		}
	}()

	s.recordTurn("user", userText)
	s.hist.Append(types.ChatMessage{Role: "user", Content: userText})

	for {
		if ctx.Err() != nil || s.state.Terminated() {
			return
		}
		// Tool-result continuations must not inherit a stale abort flag.
		s.cancelPending.Store(false)
		s.hist.Prune()

		toolMsg, cont := s.llmTurn(ctx)
		if !cont {
			return
		}
		s.hist.Append(*toolMsg)
	}
}

// llmTurn runs one LLM stream against the current history. It returns a tool
// result message and true when the turn ended in a tool call the loop must
// feed back; otherwise false.
func (s *session) llmTurn(ctx context.Context) (*types.ChatMessage, bool) {
	llmCtx, cancel := context.WithCancel(ctx)
	s.setLLMCancel(cancel)
	defer func() {
		cancel()
		s.setLLMCancel(nil)
	}()

	s.llmLive.Store(true)
	defer s.llmLive.Store(false)

	started := s.clock.Now()
	var stream llm.Stream
	err := resilience.Retry(llmCtx, llmRetries, llmRetryBackoff, func() error {
		return s.o.breaker.Do(func() error {
			var err error
			stream, err = s.o.llm.GenerateStream(llmCtx, s.hist.Messages(), s.llmContext())
			return err
		})
	})
	if err != nil {
		if llmCtx.Err() != nil {
			return nil, false
		}
		s.esc.Failure(ctx, fmt.Sprintf("llm start: %v", err))
		return nil, false
	}
	defer stream.Close()

	s.aiSpeaking.Store(true)
	defer s.aiSpeaking.Store(false)

	var (
		spoken strings.Builder
		argBuf strings.Builder
		tool   *types.ToolCall
		inTool bool
	)
	for ev := range stream.Events() {
		switch ev.Type {
		case llm.TextDelta:
			if ev.Text == "" {
				continue
			}
			spoken.WriteString(ev.Text)
			s.speakDelta(ev.Text)

		case llm.ContentBlockStart:
			if ev.Block == llm.BlockToolUse {
				inTool = true
				argBuf.Reset()
				tool = &types.ToolCall{ID: ev.ToolID, Name: ev.ToolName}
			}

		case llm.InputJSONDelta:
			if inTool {
				argBuf.WriteString(ev.PartialJSON)
			}

		case llm.ContentBlockStop:
			if inTool && tool != nil {
				inTool = false
				tool.Arguments = argBuf.String()
				if strings.TrimSpace(tool.Arguments) == "" {
					tool.Arguments = "{}"
				}
				if s.o.metrics != nil {
					s.o.metrics.LLMDuration.Record(ctx, s.clock.Now().Sub(started).Seconds())
				}
				return s.dispatchTool(ctx, spoken.String(), *tool)
			}

		case llm.UsageReport:
			if ev.Usage != nil {
				s.recordUsage(*ev.Usage)
			}
		}
	}
	if s.o.metrics != nil {
		s.o.metrics.LLMDuration.Record(ctx, s.clock.Now().Sub(started).Seconds())
	}

	if err := stream.Err(); err != nil {
		if llmCtx.Err() != nil {
			// Aborted by barge-in or a newer transcript: not a failure.
			return nil, false
		}
		s.esc.Failure(ctx, fmt.Sprintf("llm stream: %v", err))
		return nil, false
	}

	text := strings.TrimSpace(spoken.String())
	if text != "" && !s.cancelPending.Load() {
		s.hist.Append(types.ChatMessage{Role: "assistant", Content: text})
		s.recordTurn("assistant", text)
		s.flushSpeech(llmCtx, text)
	}
	s.esc.Reset()
	s.state.To(StateConversation)
	return nil, false
}

// dispatchTool commits the assistant message, executes the tool, and returns
// the tool result to feed the next loop iteration.
func (s *session) dispatchTool(ctx context.Context, pendingText string, call types.ToolCall) (*types.ChatMessage, bool) {
	assistant := types.ChatMessage{
		Role:      "assistant",
		Content:   pendingText,
		ToolCalls: []types.ToolCall{call},
	}
	// Committed before execution: the provider requires the tool result to
	// follow its tool-use message.
	s.hist.Append(assistant)
	if t := strings.TrimSpace(pendingText); t != "" {
		s.recordTurn("assistant", t)
	}
	s.state.To(StateToolWait)

	started := s.clock.Now()
	result := s.o.tools.Execute(ctx, s.tenantID, call)
	if s.o.metrics != nil {
		s.o.metrics.ToolDuration.Record(ctx, s.clock.Now().Sub(started).Seconds())
	}
	s.recordTurn("assistant", "[TOOL RESULT] "+call.Name+": "+result)

	switch call.Name {
	case tools.NameBookAppointment:
		if strings.HasPrefix(result, tools.BookingConfirmedPrefix) {
			s.state.To(StateConfirmation)
			s.booked.Store(true)
			s.countTenant(types.MetricBookingSuccess)
		} else {
			s.countTenant(types.MetricBookingFailed)
		}
	case tools.NameTakeVoicemail:
		if result == tools.VoicemailSentinel {
			// Closing the socket lands the caller in the recorded-voicemail
			// branch of the telephony response.
			s.shutdown("", "voicemail handoff")
			return nil, false
		}
	}

	return &types.ChatMessage{Role: "tool", Content: result, ToolUseID: call.ID}, true
}

// llmContext snapshots the tenant-facing generation context.
func (s *session) llmContext() llm.Context {
	return llm.Context{
		BusinessName: s.tenant.Name,
		Timezone:     s.tenant.Timezone,
		Now:          s.clock.Now().In(s.tenant.Location()),
		Tools:        tools.Definitions(),
	}
}

// ─── speech output ───────────────────────────────────────────────────────────

// speakDelta streams one text fragment into the live TTS session.
func (s *session) speakDelta(delta string) {
	if s.cancelPending.Load() {
		return
	}
	if h := s.liveTTS(); h != nil {
		if err := h.Send(delta); err != nil {
			s.log.Debug("tts send failed", "err", err)
		}
	}
}

// flushSpeech voices a completed turn when no live session carried it
// (streaming TTS disabled, or the session was dropped by a barge-in).
func (s *session) flushSpeech(ctx context.Context, text string) {
	s.ttsMu.Lock()
	live := s.ttsLive
	s.ttsMu.Unlock()
	if live != nil {
		return
	}
	if err := s.speakOnce(ctx, text); err != nil && ctx.Err() == nil {
		s.log.Warn("speech synthesis failed", "err", err)
	}
}

// liveTTS returns the live TTS session, opening one lazily when streaming
// synthesis is enabled.
func (s *session) liveTTS() tts.SessionHandle {
	s.ttsMu.Lock()
	defer s.ttsMu.Unlock()
	if s.ttsLive != nil {
		return s.ttsLive
	}
	if !s.o.cfg.Features.StreamingTTS || s.state.Terminated() {
		return nil
	}
	h, err := s.o.tts.OpenSession(s.rootCtx, s.onTTSAudio)
	if err != nil {
		s.log.Warn("tts session open failed", "err", err)
		return nil
	}
	s.ttsLive = h
	return h
}

// abortLiveTTS drops the live session; the next delta opens a fresh one.
func (s *session) abortLiveTTS() {
	s.ttsMu.Lock()
	h := s.ttsLive
	s.ttsLive = nil
	s.ttsMu.Unlock()
	if h != nil {
		go h.Finish()
	}
}

// onTTSAudio forwards provider audio to the socket. Runs on the provider's
// read goroutine; must not block.
func (s *session) onTTSAudio(frame []byte) {
	if s.cancelPending.Load() {
		return
	}
	s.enqueue(mediaWire(s.streamSID, frame))
}

// speakOnce synthesizes a fixed phrase and queues it as media frames.
func (s *session) speakOnce(ctx context.Context, text string) error {
	sctx, cancel := context.WithCancel(ctx)
	s.setSpeechCancel(cancel)
	defer func() {
		cancel()
		s.setSpeechCancel(nil)
	}()

	s.aiSpeaking.Store(true)
	defer s.aiSpeaking.Store(false)

	started := s.clock.Now()
	audio, err := s.o.tts.Synthesize(sctx, text)
	if err != nil {
		return err
	}
	if s.o.metrics != nil {
		s.o.metrics.TTSDuration.Record(ctx, s.clock.Now().Sub(started).Seconds())
	}
	for off := 0; off < len(audio); off += speakChunk {
		if sctx.Err() != nil {
			return sctx.Err()
		}
		end := off + speakChunk
		if end > len(audio) {
			end = len(audio)
		}
		s.enqueue(mediaWire(s.streamSID, audio[off:end]))
	}
	return nil
}

// speakRecorded voices a phrase and records it as an assistant turn. Used
// for greeting, re-asks, and fallback phrases.
func (s *session) speakRecorded(ctx context.Context, phrase string) error {
	s.recordTurn("assistant", phrase)
	s.hist.Append(types.ChatMessage{Role: "assistant", Content: phrase})
	return s.speakOnce(ctx, phrase)
}

// greet plays the compliance phrase plus the tenant's configured greeting.
func (s *session) greet(ctx context.Context) {
	greeting := s.tenant.Config.AI.Greeting
	if greeting == "" {
		greeting = fmt.Sprintf(defaultGreeting, s.tenant.Name)
	}
	if err := s.speakRecorded(ctx, compliancePhrase+" "+greeting); err != nil && ctx.Err() == nil {
		s.log.Warn("greeting synthesis failed", "err", err)
	}
}

// enqueue hands a frame to the write loop without blocking; frames are
// dropped when the socket cannot keep up.
func (s *session) enqueue(f wireFrame) {
	select {
	case s.outbound <- f:
	default:
		s.log.Debug("outbound queue full, dropping frame", "event", f.Event)
	}
}

// dropOutbound discards all queued outbound frames.
func (s *session) dropOutbound() {
	for {
		select {
		case <-s.outbound:
		default:
			return
		}
	}
}

// ─── cancellation handles ────────────────────────────────────────────────────

func (s *session) setLLMCancel(fn context.CancelFunc) {
	s.genMu.Lock()
	s.llmCancel = fn
	s.genMu.Unlock()
}

func (s *session) setSpeechCancel(fn context.CancelFunc) {
	s.genMu.Lock()
	s.speechCancel = fn
	s.genMu.Unlock()
}

// cancelGeneration aborts the in-flight LLM stream and any one-shot speech.
func (s *session) cancelGeneration() {
	s.genMu.Lock()
	llmCancel, speechCancel := s.llmCancel, s.speechCancel
	s.genMu.Unlock()
	if llmCancel != nil {
		llmCancel()
	}
	if speechCancel != nil {
		speechCancel()
	}
}

// ─── timers and fallback ─────────────────────────────────────────────────────

func (s *session) onInactivity() {
	if s.state.Terminated() {
		return
	}
	s.shutdown(farewellPhrase, "inactivity timeout")
}

func (s *session) onHardCap() {
	if s.state.Terminated() {
		return
	}
	s.shutdown(durationCapPhrase, "max call duration reached")
}

// handoff texts the caller and notifies the business owner. Both sends are
// best-effort and gated on the SMS feature flag.
func (s *session) handoff(ctx context.Context) error {
	if !s.o.cfg.Features.SMSNotifications || s.o.notifier == nil {
		return nil
	}
	var errs []error
	if s.callerPhone != "" {
		body := fmt.Sprintf("Sorry we got disconnected. %s will follow up with you shortly.", s.tenant.Name)
		if err := s.o.notifier.Send(ctx, s.callerPhone, body); err != nil {
			errs = append(errs, err)
		}
	}
	if owner := s.tenant.Config.Routing.OwnerPhone; owner != "" {
		body := fmt.Sprintf("Ringdesk: the call from %s could not be completed automatically and needs a follow-up.", s.callerPhone)
		if err := s.o.notifier.Send(ctx, owner, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// onFallback records a fallback activation in metrics and on the call row.
func (s *session) onFallback(level resilience.Level, reason string) {
	s.countTenant(types.MetricFallbackTriggered)
	s.errMu.Lock()
	s.errText = fmt.Sprintf("fallback %s: %s", level, reason)
	s.errMu.Unlock()
}

// shutdown optionally plays a closing phrase, waits a short grace so the
// audio reaches the caller, and terminates.
func (s *session) shutdown(phrase, reason string) {
	go func() {
		if phrase != "" && s.rootCtx != nil {
			if err := s.speakRecorded(s.rootCtx, phrase); err == nil {
				select {
				case <-time.After(closeGrace):
				case <-s.rootCtx.Done():
				}
			}
		}
		s.terminate(reason)
	}()
}

// terminate moves to the absorbing final state and tears the session down.
// Safe to call from any goroutine, any number of times.
func (s *session) terminate(reason string) {
	s.closeOnce.Do(func() {
		s.state.v.Store(int32(StateTerminated))
		s.log.Info("call terminated", "reason", reason, "packets", s.packets.Load())
		if s.inactivity != nil {
			s.inactivity.Stop()
		}
		if s.hardCap != nil {
			s.hardCap.Stop()
		}
		s.abortLiveTTS()
		s.conn.Close(websocket.StatusNormalClosure, reason)
		if s.cancelRoot != nil {
			s.cancelRoot()
		}
	})
}

// ─── persistence ─────────────────────────────────────────────────────────────

func (s *session) getStore() *tenantstore.Store {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	return s.store
}

func (s *session) setStore(st *tenantstore.Store) {
	s.storeMu.Lock()
	s.store = st
	s.storeMu.Unlock()
}

// markInProgress flips the pre-created call row to in-progress without
// blocking the audio path.
func (s *session) markInProgress() {
	st := s.getStore()
	if st == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.UpdateCall(ctx, s.callSID, types.CallInProgress, 0, "", ""); err != nil {
			s.log.Debug("call row update failed", "err", err)
		}
	}()
}

// recordTurn assigns the next turn number and buffers the turn for the
// persistence loop.
func (s *session) recordTurn(role, content string) {
	if content == "" {
		return
	}
	s.ring.Push(types.Turn{
		CallSID:    s.callSID,
		TurnNumber: int(s.turnSeq.Add(1)),
		Role:       role,
		Content:    content,
		Timestamp:  s.clock.Now(),
	})
}

// flushTurns drains the ring into the tenant store, re-buffering on failure.
func (s *session) flushTurns(ctx context.Context) {
	if s.ring.Len() == 0 {
		return
	}
	st := s.getStore()
	if st == nil {
		opened, err := s.o.stores.Open(s.tenantID)
		if err != nil {
			return
		}
		s.setStore(opened)
		st = opened
	}
	turns := s.ring.Drain()
	for i, turn := range turns {
		if err := st.AppendTurn(ctx, turn); err != nil {
			s.log.Debug("turn flush failed", "err", err)
			s.ring.Requeue(turns[i:])
			return
		}
	}
}

// recordUsage persists token counts from a finished LLM turn.
func (s *session) recordUsage(u llm.Usage) {
	s.recordMetricPoint(types.MetricTokensInput, float64(u.InputTokens))
	s.recordMetricPoint(types.MetricTokensOutput, float64(u.OutputTokens))
}

// countTenant bumps a per-tenant counter in both metric planes.
func (s *session) countTenant(name types.MetricName) {
	if s.o.metrics != nil {
		s.o.metrics.Count(context.Background(), s.tenantID, name)
	}
	s.recordMetricPoint(name, 1)
}

// recordMetricPoint writes one metric row to the tenant store, best-effort.
func (s *session) recordMetricPoint(name types.MetricName, value float64) {
	st := s.getStore()
	if st == nil {
		return
	}
	point := types.MetricPoint{
		TenantID:  s.tenantID,
		Name:      name,
		Value:     value,
		Timestamp: s.clock.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := st.RecordMetric(ctx, point); err != nil {
			s.log.Debug("metric write failed", "name", string(name), "err", err)
		}
	}()
}

// finalize releases admission, flushes remaining turns, and closes out the
// call row.
func (s *session) finalize(started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.o.coordinator != nil {
		s.o.coordinator.ReleaseCall(ctx, s.callSID, s.tenantID)
	}
	s.flushTurns(ctx)

	duration := s.clock.Now().Sub(started)
	s.errMu.Lock()
	errText := s.errText
	s.errMu.Unlock()

	status := types.CallCompleted
	if errText != "" {
		status = types.CallFailed
	}
	intent := ""
	if s.booked.Load() {
		intent = "booking"
	}
	if st := s.getStore(); st != nil {
		if err := st.UpdateCall(ctx, s.callSID, status, duration, intent, errText); err != nil {
			s.log.Warn("call finalize failed", "err", err)
		}
	}
	s.countTenant(types.MetricCallCount)
	s.recordMetricPoint(types.MetricCallDuration, duration.Seconds())
	s.log.Info("call finalized",
		"status", string(status), "duration", duration.Round(time.Second), "booked", s.booked.Load())
}
