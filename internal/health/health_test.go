package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res
}

func TestHealthz(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if res := decode(t, rec); res.Status != "ok" {
		t.Errorf("body status = %q", res.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		h := New(
			Checker{Name: "store", Check: func(context.Context) error { return nil }},
			Checker{Name: "coordinator", Check: func(context.Context) error { return nil }},
		)
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		res := decode(t, rec)
		if res.Status != "ok" || res.Checks["store"] != "ok" || res.Checks["coordinator"] != "ok" {
			t.Errorf("body = %+v", res)
		}
	})

	t.Run("one failing check fails the probe", func(t *testing.T) {
		h := New(
			Checker{Name: "store", Check: func(context.Context) error { return nil }},
			Checker{Name: "coordinator", Check: func(context.Context) error { return errors.New("connection refused") }},
		)
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", rec.Code)
		}
		res := decode(t, rec)
		if res.Status != "fail" {
			t.Errorf("body status = %q", res.Status)
		}
		if res.Checks["coordinator"] != "fail: connection refused" {
			t.Errorf("coordinator check = %q", res.Checks["coordinator"])
		}
	})

	t.Run("check context carries a deadline", func(t *testing.T) {
		h := New(Checker{Name: "deadline", Check: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("no deadline")
			}
			return nil
		}})
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
	})
}
