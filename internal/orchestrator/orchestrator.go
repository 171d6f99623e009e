// Package orchestrator runs the per-call conversation loop over the
// telephony media stream.
//
// For every accepted WebSocket it owns one session with four cooperating
// tasks — media-in, STT-out, the serialized interaction loop, and audio-out —
// plus the inactivity and hard-duration timers. Audio fans into STT, final
// transcripts drive exactly one LLM stream at a time, text deltas stream into
// TTS, tool-use events run through the tool executor, and synthesized audio
// returns on the same socket. Barge-in (the caller speaking over the
// assistant) aborts TTS and the live LLM stream and tells the far side to
// drop buffered audio.
//
// History and turn numbering have a single writer per call; conversation
// turns persist fire-and-forget through a ring buffer so a slow or
// unavailable tenant store never stalls the audio path.
package orchestrator

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/ringdesk/ringdesk/internal/config"
	"github.com/ringdesk/ringdesk/internal/coordinator"
	"github.com/ringdesk/ringdesk/internal/notify"
	"github.com/ringdesk/ringdesk/internal/observe"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/resilience"
	"github.com/ringdesk/ringdesk/internal/tenantstore"
	"github.com/ringdesk/ringdesk/internal/tools"
	"github.com/ringdesk/ringdesk/pkg/provider/llm"
	"github.com/ringdesk/ringdesk/pkg/provider/stt"
	"github.com/ringdesk/ringdesk/pkg/provider/tts"
	"github.com/ringdesk/ringdesk/pkg/types"
)

// Deps bundles everything a call session needs. Config, Tenants, Stores,
// STT, TTS, LLM, and Tools are required; the rest degrade gracefully when
// nil.
type Deps struct {
	Config      *config.Config
	Tenants     *registry.Registry
	Stores      *tenantstore.Factory
	Coordinator *coordinator.Coordinator
	STT         stt.Provider
	TTS         tts.Provider
	LLM         llm.Provider
	Tools       *tools.Executor
	Notifier    *notify.Sender
	Metrics     *observe.Metrics
	Log         *slog.Logger
	Clock       types.Clock
}

// Orchestrator accepts media-stream WebSockets and runs one session per
// call. It implements http.Handler for the /media-stream route.
type Orchestrator struct {
	cfg         *config.Config
	tenants     *registry.Registry
	stores      *tenantstore.Factory
	coordinator *coordinator.Coordinator
	stt         stt.Provider
	tts         tts.Provider
	llm         llm.Provider
	tools       *tools.Executor
	notifier    *notify.Sender
	metrics     *observe.Metrics
	log         *slog.Logger
	clock       types.Clock

	// breaker protects the LLM provider across all calls on this instance.
	breaker *resilience.Breaker
}

var _ http.Handler = (*Orchestrator)(nil)

// New creates an Orchestrator from deps, filling a default logger and clock.
func New(deps Deps) *Orchestrator {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = types.SystemClock()
	}
	return &Orchestrator{
		cfg:         deps.Config,
		tenants:     deps.Tenants,
		stores:      deps.Stores,
		coordinator: deps.Coordinator,
		stt:         deps.STT,
		tts:         deps.TTS,
		llm:         deps.LLM,
		tools:       deps.Tools,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		log:         deps.Log,
		clock:       deps.Clock,
		breaker:     resilience.NewBreaker(resilience.BreakerConfig{Name: "llm"}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the call session to
// completion.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Telephony providers connect without a browser Origin header.
		InsecureSkipVerify: true,
	})
	if err != nil {
		o.log.Warn("media stream upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)
	defer conn.CloseNow()

	s := newSession(o, conn,
		r.URL.Query().Get("callSid"),
		r.URL.Query().Get("tenantId"))
	s.run(r.Context())
}
