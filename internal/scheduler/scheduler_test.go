package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ringdesk/ringdesk/internal/calendar"
	calmock "github.com/ringdesk/ringdesk/internal/calendar/mock"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/tenantstore"
	"github.com/ringdesk/ringdesk/pkg/types"
)

type fixture struct {
	sched   *Scheduler
	adapter *calmock.Adapter
	stores  *tenantstore.Factory
	reg     *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	reg, err := registry.Open(dir)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	_, err = reg.Register(context.Background(), registry.TenantConfig{
		TenantID:     "t1",
		BusinessName: "Side Street Dental",
		PhoneNumber:  "+15555550100",
		Timezone:     "America/New_York",
		Calendar:     registry.CalendarSelection{Provider: registry.ProviderGoogle, CalendarID: "primary"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	stores := tenantstore.NewFactory(dir)
	if _, err := stores.Provision("t1"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	adapter := calmock.New()
	opener := &calmock.StaticOpener{Adapters: map[string]calendar.Adapter{"t1": adapter}}
	return &fixture{
		sched:   New(reg, opener, stores, nil, nil),
		adapter: adapter,
		stores:  stores,
		reg:     reg,
	}
}

func validBooking(start time.Time) BookingRequest {
	return BookingRequest{
		CustomerName:  "Pat Smith",
		CustomerPhone: "+1 (555) 555-0199",
		CustomerEmail: "pat@example.com",
		StartTime:     start.Format(time.RFC3339),
		EndTime:       start.Add(time.Hour).Format(time.RFC3339),
		ServiceType:   "Cleaning",
	}
}

func TestCheckAvailability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := time.Date(2026, 1, 19, 0, 0, 0, 0, time.UTC)

	t.Run("empty calendar is fully free", func(t *testing.T) {
		busy, err := f.sched.CheckAvailability(ctx, "t1", day.Add(9*time.Hour), day.Add(17*time.Hour))
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if len(busy) != 0 {
			t.Fatalf("busy = %v, want none", busy)
		}
	})

	t.Run("overlapping events merge and clip", func(t *testing.T) {
		// 10:00-11:00 and 10:30-11:30 should merge; 08:00-09:30 clips to 09:00.
		f.adapter.Seed("primary", calendar.Event{Start: day.Add(10 * time.Hour), End: day.Add(11 * time.Hour)})
		f.adapter.Seed("primary", calendar.Event{Start: day.Add(10*time.Hour + 30*time.Minute), End: day.Add(11*time.Hour + 30*time.Minute)})
		f.adapter.Seed("primary", calendar.Event{Start: day.Add(8 * time.Hour), End: day.Add(9*time.Hour + 30*time.Minute)})

		busy, err := f.sched.CheckAvailability(ctx, "t1", day.Add(9*time.Hour), day.Add(17*time.Hour))
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if len(busy) != 2 {
			t.Fatalf("busy = %v, want 2 intervals", busy)
		}
		if !busy[0].Start.Equal(day.Add(9 * time.Hour)) || !busy[0].End.Equal(day.Add(9*time.Hour + 30*time.Minute)) {
			t.Errorf("first = %v", busy[0])
		}
		if !busy[1].Start.Equal(day.Add(10 * time.Hour)) || !busy[1].End.Equal(day.Add(11*time.Hour + 30*time.Minute)) {
			t.Errorf("second = %v", busy[1])
		}
	})

	t.Run("events marked free do not block", func(t *testing.T) {
		f.adapter.SeedFree("primary", calendar.Event{Start: day.Add(13 * time.Hour), End: day.Add(14 * time.Hour)})
		busy, err := f.sched.CheckAvailability(ctx, "t1", day.Add(12*time.Hour), day.Add(15*time.Hour))
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if len(busy) != 0 {
			t.Fatalf("busy = %v, want none", busy)
		}
	})

	t.Run("inverted window rejected", func(t *testing.T) {
		_, err := f.sched.CheckAvailability(ctx, "t1", day.Add(2*time.Hour), day.Add(time.Hour))
		if !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("err = %v, want ErrInvalidWindow", err)
		}
	})

	t.Run("unknown tenant", func(t *testing.T) {
		_, err := f.sched.CheckAvailability(ctx, "ghost", day, day.Add(time.Hour))
		if !errors.Is(err, registry.ErrUnknownTenant) {
			t.Fatalf("err = %v, want ErrUnknownTenant", err)
		}
	})
}

func TestBookAppointment(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 19, 15, 0, 0, 0, time.UTC)

	t.Run("success writes event and cache row", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.sched.BookAppointment(ctx, "t1", validBooking(start))
		if err != nil {
			t.Fatalf("book: %v", err)
		}
		if id == "" {
			t.Fatal("empty event id")
		}

		events := f.adapter.Events("primary")
		if len(events) != 1 || events[0].Summary != "Cleaning - Pat Smith" {
			t.Fatalf("events = %+v", events)
		}

		store, err := f.stores.Open("t1")
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		cached, err := store.GetAppointment(ctx, id)
		if err != nil {
			t.Fatalf("cache row: %v", err)
		}
		if cached.Status != types.AppointmentConfirmed || cached.CustomerName != "Pat Smith" {
			t.Errorf("cached = %+v", cached)
		}
		if cached.DurationMin != 60 {
			t.Errorf("duration = %d, want 60", cached.DurationMin)
		}
	})

	t.Run("provider failure leaves cache untouched", func(t *testing.T) {
		f := newFixture(t)
		f.adapter.Err = &calendar.UpstreamError{Provider: "google", Status: 500, Message: "boom"}

		_, err := f.sched.BookAppointment(ctx, "t1", validBooking(start))
		var upstream *calendar.UpstreamError
		if !errors.As(err, &upstream) {
			t.Fatalf("err = %v, want *UpstreamError", err)
		}

		store, _ := f.stores.Open("t1")
		rows, err := store.Appointments(ctx, start.Add(-time.Hour), start.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("cache query: %v", err)
		}
		if len(rows) != 0 {
			t.Fatalf("cache mutated on failure: %+v", rows)
		}
	})

	t.Run("field validation", func(t *testing.T) {
		f := newFixture(t)
		cases := []struct {
			name   string
			mutate func(*BookingRequest)
			check  func(*testing.T, *ValidationError)
		}{
			{"missing name", func(r *BookingRequest) { r.CustomerName = "  " },
				func(t *testing.T, v *ValidationError) {
					if v.NameOK || !v.PhoneOK || !v.EmailOK {
						t.Errorf("flags = %+v", v)
					}
				}},
			{"short phone", func(r *BookingRequest) { r.CustomerPhone = "555-0199" },
				func(t *testing.T, v *ValidationError) {
					if v.PhoneOK {
						t.Errorf("flags = %+v", v)
					}
				}},
			{"bad email", func(r *BookingRequest) { r.CustomerEmail = "pat at example" },
				func(t *testing.T, v *ValidationError) {
					if v.EmailOK {
						t.Errorf("flags = %+v", v)
					}
				}},
			{"inverted times", func(r *BookingRequest) { r.StartTime, r.EndTime = r.EndTime, r.StartTime },
				func(t *testing.T, v *ValidationError) {
					if v.TimeErr == nil {
						t.Error("want time error")
					}
				}},
			{"unparseable time", func(r *BookingRequest) { r.StartTime = "tomorrow at 3" },
				func(t *testing.T, v *ValidationError) {
					if v.TimeErr == nil {
						t.Error("want time error")
					}
				}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				req := validBooking(start)
				tc.mutate(&req)
				_, err := f.sched.BookAppointment(ctx, "t1", req)
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("err = %v, want *ValidationError", err)
				}
				tc.check(t, verr)
			})
		}
		if f.adapter.CreateCalls != 0 {
			t.Errorf("provider called %d times on invalid input", f.adapter.CreateCalls)
		}
	})

	t.Run("offset timestamps accepted", func(t *testing.T) {
		f := newFixture(t)
		req := validBooking(start)
		req.StartTime = "2026-01-19T10:00:00-05:00"
		req.EndTime = "2026-01-19T11:00:00-05:00"
		if _, err := f.sched.BookAppointment(ctx, "t1", req); err != nil {
			t.Fatalf("book with offset: %v", err)
		}
	})
}

func TestSyncLoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	clock := types.ClockFunc(func() time.Time { return now })

	loop := NewSyncLoop(f.reg, &calmock.StaticOpener{Adapters: map[string]calendar.Adapter{"t1": f.adapter}},
		f.stores, time.Minute, clock, nil)

	// One event inside the lookback window, one cancelled, one too old.
	f.adapter.Seed("primary", calendar.Event{ID: "recent", Start: now.Add(-48 * time.Hour), End: now.Add(-47 * time.Hour)})
	f.adapter.Seed("primary", calendar.Event{ID: "gone", Start: now.Add(-24 * time.Hour), End: now.Add(-23 * time.Hour), Status: calendar.StatusCancelled})
	f.adapter.Seed("primary", calendar.Event{ID: "ancient", Start: now.Add(-45 * 24 * time.Hour), End: now.Add(-45*24*time.Hour + time.Hour)})

	tenant, err := f.reg.FindByID(ctx, "t1")
	if err != nil {
		t.Fatalf("find tenant: %v", err)
	}
	if err := loop.SyncTenant(ctx, tenant); err != nil {
		t.Fatalf("sync: %v", err)
	}

	store, _ := f.stores.Open("t1")

	t.Run("recent event cached", func(t *testing.T) {
		row, err := store.GetAppointment(ctx, "recent")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if row.Status != types.AppointmentConfirmed {
			t.Errorf("status = %q", row.Status)
		}
	})

	t.Run("old event outside lookback skipped", func(t *testing.T) {
		if _, err := store.GetAppointment(ctx, "ancient"); err == nil {
			t.Error("ancient event should not be cached")
		}
	})

	t.Run("sync run recorded", func(t *testing.T) {
		run, err := store.LastSyncRun(ctx)
		if err != nil {
			t.Fatalf("last run: %v", err)
		}
		if run == nil || run.Status != "ok" || run.EventCount != 1 {
			t.Errorf("run = %+v", run)
		}
	})

	t.Run("adapter failure records failed run", func(t *testing.T) {
		f.adapter.Err = errors.New("calendar down")
		if err := loop.SyncTenant(ctx, tenant); err == nil {
			t.Fatal("expected sync error")
		}
		run, err := store.LastSyncRun(ctx)
		if err != nil {
			t.Fatalf("last run: %v", err)
		}
		if run.Status != "failed" || run.ErrorText == "" {
			t.Errorf("run = %+v", run)
		}
		f.adapter.Err = nil
	})
}
