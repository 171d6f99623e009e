// Package scheduler implements availability checks and appointment booking on
// top of a tenant's connected calendar, plus the periodic loop that
// reconciles the external calendar into the local appointment cache.
//
// The cache is a materialized view. The external calendar always dominates:
// bookings write upstream first and only touch the cache after the provider
// confirmed the event.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ringdesk/ringdesk/internal/calendar"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/tenantstore"
	"github.com/ringdesk/ringdesk/pkg/types"
)

// callTimeout bounds every calendar provider round trip.
const callTimeout = 15 * time.Second

// ErrInvalidWindow is returned when a requested window is empty or inverted.
var ErrInvalidWindow = errors.New("scheduler: start must be before end")

// ValidationError reports which booking fields failed validation. The flags
// say whether each field is present and well-formed.
type ValidationError struct {
	NameOK  bool
	PhoneOK bool
	EmailOK bool
	TimeErr error
}

func (e *ValidationError) Error() string {
	if e.TimeErr != nil {
		return fmt.Sprintf("scheduler: invalid booking times: %v", e.TimeErr)
	}
	return fmt.Sprintf("scheduler: invalid booking fields (name=%t, phone=%t, email=%t)",
		e.NameOK, e.PhoneOK, e.EmailOK)
}

// BookingRequest carries the fields a booking needs. Times arrive as strings
// because they come straight out of LLM tool arguments.
type BookingRequest struct {
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	StartTime     string
	EndTime       string
	ServiceType   string
	Description   string
}

// Scheduler resolves free/busy and books appointments for tenants.
type Scheduler struct {
	registry *registry.Registry
	opener   calendar.Opener
	stores   *tenantstore.Factory
	clock    types.Clock
	log      *slog.Logger
}

// New wires a Scheduler. clock may be nil, which means wall time.
func New(reg *registry.Registry, opener calendar.Opener, stores *tenantstore.Factory, clock types.Clock, log *slog.Logger) *Scheduler {
	if clock == nil {
		clock = types.SystemClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{registry: reg, opener: opener, stores: stores, clock: clock, log: log}
}

// CheckAvailability returns the busy sub-intervals of [start, end) on the
// tenant's calendar, merged and clipped to the window. An empty result means
// the whole window is free.
func (s *Scheduler) CheckAvailability(ctx context.Context, tenantID string, start, end time.Time) ([]types.Interval, error) {
	if !start.Before(end) {
		return nil, ErrInvalidWindow
	}

	tenant, err := s.registry.FindByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.opener.Open(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	intervals, err := adapter.BusyTimes(ctx, calendarID(tenant), start, end)
	if err != nil {
		return nil, err
	}

	busy := make([]types.Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.Start.Before(start) {
			iv.Start = start
		}
		if iv.End.After(end) {
			iv.End = end
		}
		if iv.Start.Before(iv.End) {
			busy = append(busy, iv)
		}
	}
	return mergeIntervals(busy), nil
}

// BookAppointment validates the request, writes the event upstream, and on
// success records a confirmed appointment cache row. Provider failures
// propagate without touching the cache.
func (s *Scheduler) BookAppointment(ctx context.Context, tenantID string, req BookingRequest) (string, error) {
	start, end, verr := validate(&req)
	if verr != nil {
		return "", verr
	}

	tenant, err := s.registry.FindByID(ctx, tenantID)
	if err != nil {
		return "", err
	}
	adapter, err := s.opener.Open(ctx, tenantID)
	if err != nil {
		return "", err
	}

	summary := req.CustomerName
	if req.ServiceType != "" {
		summary = req.ServiceType + " - " + req.CustomerName
	}
	description := fmt.Sprintf("Booked by phone.\nCustomer: %s\nPhone: %s\nEmail: %s",
		req.CustomerName, req.CustomerPhone, req.CustomerEmail)
	if req.Description != "" {
		description += "\nNotes: " + req.Description
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	created, err := adapter.CreateEvent(callCtx, calendarID(tenant), calendar.Event{
		Summary:     summary,
		Description: description,
		Start:       start,
		End:         end,
		Attendees:   []string{req.CustomerEmail},
	})
	if err != nil {
		return "", err
	}

	s.cacheBooking(ctx, tenant, created, req)
	return created.ID, nil
}

// cacheBooking records the confirmed appointment. The upstream write already
// succeeded, so cache failures are logged and swallowed; the next sync pass
// repairs the row.
func (s *Scheduler) cacheBooking(ctx context.Context, tenant *registry.Tenant, ev *calendar.Event, req BookingRequest) {
	store, err := s.stores.Open(tenant.ID)
	if err != nil {
		s.log.Warn("booking cache skipped, store unavailable", "tenant_id", tenant.ID, "err", err)
		return
	}
	err = store.UpsertAppointment(ctx, types.Appointment{
		TenantID:        tenant.ID,
		CalendarEventID: ev.ID,
		Provider:        string(tenant.Config.Calendar.Provider),
		Start:           ev.Start,
		End:             ev.End,
		DurationMin:     int(ev.End.Sub(ev.Start) / time.Minute),
		Status:          types.AppointmentConfirmed,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		CustomerEmail:   req.CustomerEmail,
		ServiceType:     req.ServiceType,
		SyncedAt:        s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("booking cache write failed", "tenant_id", tenant.ID, "event_id", ev.ID, "err", err)
	}
}

// ---- validation ----

var emailPattern = regexp.MustCompile(`^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)

// ParseTime accepts RFC 3339 with either a numeric offset or a Z suffix.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// DigitCount counts decimal digits in s, ignoring formatting.
func DigitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func validate(req *BookingRequest) (start, end time.Time, _ error) {
	var err error
	if start, err = ParseTime(req.StartTime); err != nil {
		return start, end, &ValidationError{TimeErr: fmt.Errorf("start_time: %w", err)}
	}
	if end, err = ParseTime(req.EndTime); err != nil {
		return start, end, &ValidationError{TimeErr: fmt.Errorf("end_time: %w", err)}
	}
	if !start.Before(end) {
		return start, end, &ValidationError{TimeErr: ErrInvalidWindow}
	}

	verr := &ValidationError{
		NameOK:  strings.TrimSpace(req.CustomerName) != "",
		PhoneOK: DigitCount(req.CustomerPhone) >= 10,
		EmailOK: emailPattern.MatchString(strings.ToLower(strings.TrimSpace(req.CustomerEmail))),
	}
	if !verr.NameOK || !verr.PhoneOK || !verr.EmailOK {
		return start, end, verr
	}
	return start, end, nil
}

// calendarID resolves which calendar a tenant books against.
func calendarID(tenant *registry.Tenant) string {
	if id := tenant.Config.Calendar.CalendarID; id != "" {
		return id
	}
	return "primary"
}

// mergeIntervals sorts by start and coalesces overlapping or touching
// intervals.
func mergeIntervals(in []types.Interval) []types.Interval {
	if len(in) < 2 {
		return in
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Start.Before(in[j].Start) })
	out := in[:1]
	for _, iv := range in[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}
