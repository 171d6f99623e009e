package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestMapStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{200, nil},
		{201, nil},
		{401, ErrAuthExpired},
		{403, ErrPermissionDenied},
		{404, ErrNotFound},
	}
	for _, tc := range cases {
		got := MapStatus("google", tc.status, "msg")
		if tc.want == nil {
			if got != nil {
				t.Errorf("MapStatus(%d) = %v, want nil", tc.status, got)
			}
			continue
		}
		if !errors.Is(got, tc.want) {
			t.Errorf("MapStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}

	t.Run("other statuses become upstream errors", func(t *testing.T) {
		var upstream *UpstreamError
		got := MapStatus("outlook", 429, "throttled")
		if !errors.As(got, &upstream) {
			t.Fatalf("MapStatus(429) = %T, want *UpstreamError", got)
		}
		if upstream.Status != 429 || upstream.Provider != "outlook" {
			t.Errorf("upstream = %+v", upstream)
		}
	})
}

// fakeOAuthServer counts refresh grants and hands out sequential tokens.
func fakeOAuthServer(t *testing.T, refreshes *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"access-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSource(t *testing.T) {
	var refreshes atomic.Int32
	srv := fakeOAuthServer(t, &refreshes)
	cfg := &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL},
	}

	t.Run("valid token served without refresh", func(t *testing.T) {
		refreshes.Store(0)
		ts := NewTokenSource(context.Background(), cfg, &oauth2.Token{
			AccessToken:  "stored",
			RefreshToken: "r",
			Expiry:       time.Now().Add(time.Hour),
		}, nil)
		tok, err := ts.Token()
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if tok.AccessToken != "stored" || refreshes.Load() != 0 {
			t.Errorf("token = %q, refreshes = %d", tok.AccessToken, refreshes.Load())
		}
	})

	t.Run("near-expiry token refreshed and persisted", func(t *testing.T) {
		refreshes.Store(0)
		var persisted *oauth2.Token
		ts := NewTokenSource(context.Background(), cfg, &oauth2.Token{
			AccessToken:  "stale",
			RefreshToken: "r",
			Expiry:       time.Now().Add(30 * time.Second), // inside the 60s skew
		}, func(tok *oauth2.Token) { persisted = tok })

		tok, err := ts.Token()
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if tok.AccessToken != "access-1" {
			t.Errorf("token = %q, want access-1", tok.AccessToken)
		}
		if persisted == nil || persisted.AccessToken != "access-1" {
			t.Errorf("persisted = %+v", persisted)
		}
		// Refresh token must survive a response that omitted it.
		if persisted.RefreshToken != "r" {
			t.Errorf("refresh token = %q, want r", persisted.RefreshToken)
		}

		// Second call reuses the fresh token.
		if _, err := ts.Token(); err != nil {
			t.Fatalf("second token: %v", err)
		}
		if refreshes.Load() != 1 {
			t.Errorf("refreshes = %d, want 1", refreshes.Load())
		}
	})

	t.Run("no refresh token means auth expired", func(t *testing.T) {
		ts := NewTokenSource(context.Background(), cfg, &oauth2.Token{}, nil)
		if _, err := ts.Token(); !errors.Is(err, ErrAuthExpired) {
			t.Fatalf("err = %v, want ErrAuthExpired", err)
		}
	})
}
