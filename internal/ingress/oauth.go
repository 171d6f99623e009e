package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	googlecal "github.com/ringdesk/ringdesk/internal/calendar/google"
	"github.com/ringdesk/ringdesk/internal/calendar/outlook"
	"github.com/ringdesk/ringdesk/internal/config"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/vault"
)

// OAuth implements the calendar consent flow: redirect the tenant owner to
// the provider, exchange the returned code, and park the tokens in the vault.
// The state parameter is the tenant id plus an HMAC so a forged callback
// cannot write another tenant's credentials.
type OAuth struct {
	tenants  *registry.Registry
	vault    *vault.Vault
	stateKey []byte
	configs  map[string]*oauth2.Config
	log      *slog.Logger
}

// NewOAuth builds the flow handlers from the configured provider app
// credentials. Providers without credentials are simply not offered.
func NewOAuth(cfg *config.Config, tenants *registry.Registry, v *vault.Vault, log *slog.Logger) *OAuth {
	if log == nil {
		log = slog.Default()
	}
	base := strings.TrimSuffix(cfg.Server.PublicURL, "/")
	configs := make(map[string]*oauth2.Config)
	if cfg.Calendar.GoogleClientID != "" {
		configs[string(registry.ProviderGoogle)] = &oauth2.Config{
			ClientID:     cfg.Calendar.GoogleClientID,
			ClientSecret: cfg.Calendar.GoogleClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  base + "/auth/google/callback",
			Scopes:       googlecal.Scopes,
		}
	}
	if cfg.Calendar.MicrosoftClientID != "" {
		configs[string(registry.ProviderOutlook)] = &oauth2.Config{
			ClientID:     cfg.Calendar.MicrosoftClientID,
			ClientSecret: cfg.Calendar.MicrosoftClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			RedirectURL:  base + "/auth/microsoft/callback",
			Scopes:       outlook.Scopes,
		}
	}
	return &OAuth{
		tenants:  tenants,
		vault:    v,
		stateKey: []byte(cfg.Server.AdminAPIKey),
		configs:  configs,
		log:      log,
	}
}

// Config returns the oauth2 configuration for a registry provider name, or
// nil when that provider is not set up. The app layer uses it to build token
// sources for calendar adapters.
func (o *OAuth) Config(provider string) *oauth2.Config {
	return o.configs[canonicalProvider(provider)]
}

// canonicalProvider maps URL path names onto registry provider names.
func canonicalProvider(name string) string {
	if name == "microsoft" {
		return string(registry.ProviderOutlook)
	}
	return name
}

func (o *OAuth) state(tenantID string) string {
	mac := hmac.New(sha256.New, o.stateKey)
	mac.Write([]byte(tenantID))
	return tenantID + "." + hex.EncodeToString(mac.Sum(nil))
}

func (o *OAuth) parseState(state string) (string, bool) {
	i := strings.LastIndexByte(state, '.')
	if i <= 0 {
		return "", false
	}
	tenantID := state[:i]
	return tenantID, hmac.Equal([]byte(o.state(tenantID)), []byte(state))
}

func (o *OAuth) handleLogin(w http.ResponseWriter, r *http.Request) {
	provider := canonicalProvider(chi.URLParam(r, "provider"))
	conf := o.configs[provider]
	if conf == nil {
		writeJSONError(w, http.StatusNotFound, "unknown provider")
		return
	}
	tenantID := r.URL.Query().Get("tenantId")
	if err := o.tenants.Exists(r.Context(), tenantID); err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown tenant")
		return
	}
	// prompt=consent forces a refresh token even on re-authorization.
	url := conf.AuthCodeURL(o.state(tenantID),
		oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	http.Redirect(w, r, url, http.StatusFound)
}

func (o *OAuth) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider := canonicalProvider(chi.URLParam(r, "provider"))
	conf := o.configs[provider]
	if conf == nil {
		writeJSONError(w, http.StatusNotFound, "unknown provider")
		return
	}
	tenantID, ok := o.parseState(r.URL.Query().Get("state"))
	if !ok {
		writeJSONError(w, http.StatusForbidden, "invalid state")
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSONError(w, http.StatusBadRequest, "missing code")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		o.log.Warn("oauth exchange failed", "provider", provider, "tenant_id", tenantID, "err", err)
		writeJSONError(w, http.StatusBadGateway, "token exchange failed")
		return
	}

	err = o.vault.Upsert(ctx, vault.Credential{
		TenantID:     tenantID,
		Provider:     provider,
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		TokenExpiry:  tok.Expiry,
	})
	if err != nil {
		o.log.Error("credential store failed", "provider", provider, "tenant_id", tenantID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "credential store failed")
		return
	}

	o.log.Info("calendar connected", "provider", provider, "tenant_id", tenantID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h3>Calendar connected.</h3><p>You can close this window.</p></body></html>")
}

type selectCalendarRequest struct {
	TenantID   string `json:"tenant_id"`
	CalendarID string `json:"calendar_id"`
	Timezone   string `json:"timezone"`
}

// handleSelectCalendar pins the calendar a tenant books against. Written to
// both the credential row and the tenant config so the scheduler sees it.
func (o *OAuth) handleSelectCalendar(w http.ResponseWriter, r *http.Request) {
	provider := canonicalProvider(chi.URLParam(r, "provider"))
	var req selectCalendarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.TenantID == "" || req.CalendarID == "" {
		writeJSONError(w, http.StatusBadRequest, "tenant_id and calendar_id are required")
		return
	}

	ctx := r.Context()
	if err := o.vault.SetCalendarSelection(ctx, req.TenantID, provider, req.CalendarID, req.Timezone); err != nil {
		writeJSONError(w, http.StatusNotFound, "no credential for tenant and provider")
		return
	}

	tenant, err := o.tenants.FindByID(ctx, req.TenantID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown tenant")
		return
	}
	cfg := tenant.Config
	cfg.Calendar = registry.CalendarSelection{
		Provider:   registry.CalendarProvider(provider),
		CalendarID: req.CalendarID,
	}
	if req.Timezone != "" {
		cfg.Timezone = req.Timezone
	}
	if err := o.tenants.UpdateConfig(ctx, req.TenantID, cfg); err != nil {
		o.log.Error("calendar selection config update failed", "tenant_id", req.TenantID, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "config update failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
