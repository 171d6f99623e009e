package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/ringdesk/ringdesk/internal/calendar"
)

func testAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	svc, err := gcal.NewService(context.Background(),
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &Adapter{svc: svc}
}

func TestBusyTimes(t *testing.T) {
	window := struct{ start, end time.Time }{
		time.Date(2026, 1, 19, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 19, 17, 0, 0, 0, time.UTC),
	}

	t.Run("busy periods parsed from freebusy response", func(t *testing.T) {
		var gotReq gcal.FreeBusyRequest
		a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
				t.Errorf("decode request: %v", err)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(&gcal.FreeBusyResponse{
				Calendars: map[string]gcal.FreeBusyCalendar{
					"primary": {Busy: []*gcal.TimePeriod{
						{Start: "2026-01-19T15:00:00Z", End: "2026-01-19T16:00:00Z"},
					}},
				},
			})
		})

		busy, err := a.BusyTimes(context.Background(), "primary", window.start, window.end)
		if err != nil {
			t.Fatalf("busy times: %v", err)
		}
		if len(busy) != 1 {
			t.Fatalf("busy = %v, want 1 interval", busy)
		}
		want := time.Date(2026, 1, 19, 15, 0, 0, 0, time.UTC)
		if !busy[0].Start.Equal(want) || !busy[0].End.Equal(want.Add(time.Hour)) {
			t.Errorf("interval = %+v", busy[0])
		}
		if len(gotReq.Items) != 1 || gotReq.Items[0].Id != "primary" {
			t.Errorf("request items = %+v", gotReq.Items)
		}
		if gotReq.TimeMin != window.start.Format(time.RFC3339) || gotReq.TimeMax != window.end.Format(time.RFC3339) {
			t.Errorf("request window = %q..%q", gotReq.TimeMin, gotReq.TimeMax)
		}
	})

	t.Run("per-calendar error becomes upstream error", func(t *testing.T) {
		a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(&gcal.FreeBusyResponse{
				Calendars: map[string]gcal.FreeBusyCalendar{
					"primary": {Errors: []*gcal.Error{{Domain: "global", Reason: "notFound"}}},
				},
			})
		})

		_, err := a.BusyTimes(context.Background(), "primary", window.start, window.end)
		var upstream *calendar.UpstreamError
		if !errors.As(err, &upstream) {
			t.Fatalf("err = %v, want *UpstreamError", err)
		}
	})
}
