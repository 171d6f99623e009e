package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/ringdesk/ringdesk/internal/config"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/vault"
)

func newOAuthFixture(t *testing.T) (*Server, *OAuth, *vault.Vault, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Open(dir)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	if _, err := reg.Register(context.Background(), registry.TenantConfig{
		TenantID:     "abc",
		BusinessName: "Sparkle Cleaning",
		PhoneNumber:  "+15555550123",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	key := bytes.Repeat([]byte{0x42}, 32)
	v, err := vault.New(reg.DB(), key, reg)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	cfg := config.Defaults()
	cfg.Server.PublicURL = testHost
	cfg.Server.AdminAPIKey = testAdminKey
	cfg.Calendar.GoogleClientID = "client-id"
	cfg.Calendar.GoogleClientSecret = "client-secret"

	oa := NewOAuth(cfg, reg, v, nil)
	srv := NewServer(Deps{Config: cfg, Tenants: reg, OAuth: oa})
	return srv, oa, v, reg
}

func TestOAuthState(t *testing.T) {
	_, oa, _, _ := newOAuthFixture(t)

	state := oa.state("abc")
	got, ok := oa.parseState(state)
	if !ok || got != "abc" {
		t.Fatalf("parseState(%q) = %q, %v", state, got, ok)
	}

	if _, ok := oa.parseState("abc.deadbeef"); ok {
		t.Error("forged state accepted")
	}
	if _, ok := oa.parseState("no-separator"); ok {
		t.Error("separator-less state accepted")
	}
}

func TestOAuthLogin(t *testing.T) {
	srv, oa, _, _ := newOAuthFixture(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/google/login?tenantId=abc", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	for _, want := range []string{"client_id=client-id", "access_type=offline", "prompt=consent", "state=" + oa.state("abc")} {
		if !strings.Contains(loc, want) {
			t.Errorf("redirect missing %q: %s", want, loc)
		}
	}

	t.Run("unknown tenant", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/google/login?tenantId=nope", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/caldav/login?tenantId=abc", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestOAuthCallback(t *testing.T) {
	srv, oa, v, _ := newOAuthFixture(t)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()
	oa.configs["google"].Endpoint = oauth2.Endpoint{
		AuthURL:  tokenSrv.URL + "/auth",
		TokenURL: tokenSrv.URL + "/token",
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/auth/google/callback?code=c0de&state="+oa.state("abc"), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	cred, err := v.Get(context.Background(), "abc", "google")
	if err != nil {
		t.Fatalf("vault get: %v", err)
	}
	if cred.RefreshToken != "refresh-1" || cred.AccessToken != "access-1" {
		t.Errorf("credential = %+v", cred)
	}

	t.Run("forged state", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/auth/google/callback?code=c0de&state=abc.forged", nil))
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestSelectCalendar(t *testing.T) {
	srv, _, v, reg := newOAuthFixture(t)

	if err := v.Upsert(context.Background(), vault.Credential{
		TenantID: "abc", Provider: "google", RefreshToken: "r1",
	}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	body := `{"tenant_id":"abc","calendar_id":"work-cal","timezone":"America/Chicago"}`

	t.Run("requires admin key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/google/select-calendar", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	req := httptest.NewRequest(http.MethodPost, "/auth/google/select-calendar", strings.NewReader(body))
	req.Header.Set(adminHeader, testAdminKey)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	cred, err := v.Get(context.Background(), "abc", "google")
	if err != nil {
		t.Fatalf("vault get: %v", err)
	}
	if cred.CalendarID != "work-cal" || cred.Timezone != "America/Chicago" {
		t.Errorf("credential = %+v", cred)
	}

	tenant, err := reg.FindByID(context.Background(), "abc")
	if err != nil {
		t.Fatalf("find tenant: %v", err)
	}
	if tenant.Config.Calendar.CalendarID != "work-cal" || tenant.Config.Calendar.Provider != registry.ProviderGoogle {
		t.Errorf("tenant calendar = %+v", tenant.Config.Calendar)
	}
	if tenant.Config.Timezone != "America/Chicago" {
		t.Errorf("tenant timezone = %q", tenant.Config.Timezone)
	}
}
