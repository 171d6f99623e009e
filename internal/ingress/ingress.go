// Package ingress serves the telephony-facing HTTP surface: the voice
// webhook, status and voicemail callbacks, the calendar OAuth flow, health
// probes, and the media-stream WebSocket mount.
//
// The voice webhook pipeline is: verify signature, resolve tenant, dedupe the
// delivery through the coordinator, gate on tenant status and admission, then
// answer with TwiML directing the provider to open the media socket.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ringdesk/ringdesk/internal/config"
	"github.com/ringdesk/ringdesk/internal/coordinator"
	"github.com/ringdesk/ringdesk/internal/health"
	"github.com/ringdesk/ringdesk/internal/observe"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/tenantstore"
	"github.com/ringdesk/ringdesk/pkg/types"
)

const (
	// signatureHeader carries the provider's HMAC-SHA1 webhook signature.
	signatureHeader = "X-Twilio-Signature"

	// preflightHeader short-circuits signature validation in development when
	// it matches the admin API key.
	preflightHeader = "X-Ringdesk-Preflight"

	// adminHeader gates operator endpoints.
	adminHeader = "X-Admin-Key"
)

// Deps carries everything the ingress server needs. Media may be nil when the
// orchestrator is not mounted (some tests, the preflight script).
type Deps struct {
	Config      *config.Config
	Tenants     *registry.Registry
	Coordinator *coordinator.Coordinator
	Stores      *tenantstore.Factory
	OAuth       *OAuth
	Metrics     *observe.Metrics
	Health      *health.Handler
	Media       http.Handler
	Log         *slog.Logger
	Clock       types.Clock
}

// Server is the ingress HTTP handler.
type Server struct {
	cfg     *config.Config
	router  *chi.Mux
	tenants *registry.Registry
	coord   *coordinator.Coordinator
	stores  *tenantstore.Factory
	oauth   *OAuth
	metrics *observe.Metrics
	log     *slog.Logger
	clock   types.Clock
}

var _ http.Handler = (*Server)(nil)

// NewServer builds the ingress server and mounts all routes.
func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = types.SystemClock()
	}
	s := &Server{
		cfg:     d.Config,
		router:  chi.NewRouter(),
		tenants: d.Tenants,
		coord:   d.Coordinator,
		stores:  d.Stores,
		oauth:   d.OAuth,
		metrics: d.Metrics,
		log:     d.Log,
		clock:   d.Clock,
	}
	s.routes(d)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(d Deps) {
	r := s.router

	r.Post("/voice", s.handleVoice)
	r.Post("/status-callback", s.handleStatusCallback)
	r.Post("/voicemail-callback", s.handleVoicemailCallback)

	if s.oauth != nil {
		r.Get("/auth/{provider}/login", s.oauth.handleLogin)
		r.Get("/auth/{provider}/callback", s.oauth.handleCallback)
		r.Post("/auth/{provider}/select-calendar", s.requireAdmin(s.oauth.handleSelectCalendar))
	}

	if d.Health != nil {
		r.Get("/healthz", d.Health.Healthz)
		r.Get("/readyz", d.Health.Readyz)
	}
	r.Handle("/metrics", promhttp.Handler())

	if d.Media != nil {
		r.Handle("/media-stream", d.Media)
	}
}

// ---- voice webhook ----

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	if !s.verifySignature(r) {
		s.countWebhook(ctx, "/voice", "signature_invalid")
		writeJSONError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	callSID := r.PostFormValue("CallSid")
	caller := r.PostFormValue("From")

	tenant := s.resolveTenant(r)
	if tenant == nil {
		s.countWebhook(ctx, "/voice", "unknown_tenant")
		s.writeTwiML(w, mustReject("We are sorry, this number is not in service. Goodbye."))
		return
	}

	key := coordinator.WebhookKey(r.URL.Path, "", callSID, "", r.PostFormValue("CallStatus"), tenant.ID, "voice")
	if !s.coord.MarkWebhookProcessed(ctx, key) {
		// Duplicate delivery: acknowledge without repeating side effects.
		s.countWebhook(ctx, "/voice", "duplicate")
		s.writeTwiML(w, emptyTwiML())
		return
	}

	if tenant.Status == registry.StatusSuspended {
		s.countTenant(ctx, tenant.ID, types.MetricVoiceWebhookError)
		s.countWebhook(ctx, "/voice", "tenant_suspended")
		s.writeTwiML(w, mustReject("We are sorry, this service is temporarily unavailable. Please try again later."))
		return
	}

	adm := s.coord.AdmitCall(ctx, callSID, tenant.ID)
	if !adm.Admitted {
		s.countWebhook(ctx, "/voice", "admission_rejected")
		s.log.Info("call rejected by admission control",
			"call_sid", callSID, "tenant_id", tenant.ID, "queued", adm.Queued, "position", adm.Position)
		msg := "All of our lines are busy right now. Please call back in a few minutes. Goodbye."
		if adm.Queued {
			msg = "All of our lines are busy right now. We will call you back shortly. Goodbye."
		}
		s.writeTwiML(w, mustReject(msg))
		return
	}

	s.precreateCallLog(ctx, tenant.ID, callSID, caller)

	body, err := streamTwiML(s.cfg.Server.PublicURL, callSID, tenant.ID)
	if err != nil {
		s.log.Error("twiml generation failed", "call_sid", callSID, "err", err)
		s.coord.ReleaseCall(ctx, callSID, tenant.ID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.countTenant(ctx, tenant.ID, types.MetricVoiceWebhookOK)
	s.countWebhook(ctx, "/voice", "ok")
	s.writeTwiML(w, body)
}

// precreateCallLog writes the initiated call row. Best effort: a tenant whose
// store was never provisioned still gets the call connected.
func (s *Server) precreateCallLog(ctx context.Context, tenantID, callSID, caller string) {
	store, err := s.stores.Open(tenantID)
	if err != nil {
		s.log.Warn("call log skipped, store unavailable", "tenant_id", tenantID, "err", err)
		return
	}
	err = store.CreateCall(ctx, types.CallSession{
		CallSID:     callSID,
		TenantID:    tenantID,
		CallerPhone: caller,
		Direction:   types.DirectionInbound,
		Status:      types.CallInitiated,
		CreatedAt:   s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("call log write failed", "tenant_id", tenantID, "call_sid", callSID, "err", err)
	}
}

// ---- status callback ----

// terminalStatuses are the provider call states after which admission must be
// released.
var terminalStatuses = map[string]types.CallStatus{
	"completed": types.CallCompleted,
	"failed":    types.CallFailed,
	"busy":      types.CallNoAnswer,
	"no-answer": types.CallNoAnswer,
	"canceled":  types.CallFailed,
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	if !s.verifySignature(r) {
		writeJSONError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	callSID := r.PostFormValue("CallSid")
	callStatus := r.PostFormValue("CallStatus")
	tenant := s.resolveTenant(r)
	if tenant == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	key := coordinator.WebhookKey(r.URL.Path, "", callSID, "", callStatus, tenant.ID, "status")
	if !s.coord.MarkWebhookProcessed(ctx, key) {
		w.WriteHeader(http.StatusOK)
		return
	}

	if status, terminal := terminalStatuses[callStatus]; terminal {
		s.coord.ReleaseCall(ctx, callSID, tenant.ID)
		duration, _ := strconv.Atoi(r.PostFormValue("CallDuration"))
		if store, err := s.stores.Open(tenant.ID); err == nil {
			if err := store.UpdateCall(ctx, callSID, status, time.Duration(duration)*time.Second, "", ""); err != nil {
				s.log.Warn("call finalization failed", "call_sid", callSID, "err", err)
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ---- voicemail callback ----

func (s *Server) handleVoicemailCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	if !s.verifySignature(r) {
		writeJSONError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	callSID := r.PostFormValue("CallSid")
	kind := r.URL.Query().Get("type")
	recordingURL := r.PostFormValue("RecordingUrl")

	tenant := s.resolveTenant(r)
	if tenant == nil {
		s.writeTwiML(w, emptyTwiML())
		return
	}

	key := coordinator.WebhookKey(r.URL.Path, kind, callSID, recordingURL, "", tenant.ID, "voicemail")
	if !s.coord.MarkWebhookProcessed(ctx, key) {
		s.writeTwiML(w, emptyTwiML())
		return
	}

	vm := types.Voicemail{
		CallSID:     callSID,
		TenantID:    tenant.ID,
		CallerPhone: r.PostFormValue("From"),
	}
	if kind == "transcription" {
		vm.Transcription = r.PostFormValue("TranscriptionText")
	} else {
		vm.RecordingURL = recordingURL
		vm.DurationSec, _ = strconv.Atoi(r.PostFormValue("RecordingDuration"))
	}

	if store, err := s.stores.Open(tenant.ID); err == nil {
		if err := store.UpsertVoicemail(ctx, vm); err != nil {
			s.log.Warn("voicemail persist failed", "call_sid", callSID, "err", err)
		}
	} else {
		s.log.Warn("voicemail skipped, store unavailable", "tenant_id", tenant.ID, "err", err)
	}
	s.writeTwiML(w, emptyTwiML())
}

// ---- shared helpers ----

// verifySignature checks the webhook HMAC. The preflight header bypass lets
// operators exercise endpoints without forging provider signatures.
func (s *Server) verifySignature(r *http.Request) bool {
	if pf := r.Header.Get(preflightHeader); pf != "" && pf == s.cfg.Server.AdminAPIKey {
		return true
	}
	token := s.cfg.Providers.TwilioAuthToken
	if token == "" {
		// No token configured: only acceptable outside production.
		return !s.cfg.IsProduction()
	}
	return Verify(requestURL(r), r.PostForm, token, r.Header.Get(signatureHeader))
}

// resolveTenant prefers the explicit tenantId query parameter and falls back
// to the called number. Returns nil when no tenant matches.
func (s *Server) resolveTenant(r *http.Request) *registry.Tenant {
	ctx := r.Context()
	if id := r.URL.Query().Get("tenantId"); id != "" {
		tenant, err := s.tenants.FindByID(ctx, id)
		if err == nil {
			return tenant
		}
		return nil
	}
	if to := r.PostFormValue("To"); to != "" {
		tenant, err := s.tenants.FindByPhone(ctx, to)
		if err == nil {
			return tenant
		}
	}
	return nil
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(adminHeader) != s.cfg.Server.AdminAPIKey {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) countTenant(ctx context.Context, tenantID string, name types.MetricName) {
	if s.metrics == nil {
		return
	}
	s.metrics.Count(ctx, tenantID, name)
}

func (s *Server) countWebhook(ctx context.Context, endpoint, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WebhookRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	))
}

func (s *Server) writeTwiML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func mustReject(message string) []byte {
	body, _ := rejectTwiML(message)
	return body
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
