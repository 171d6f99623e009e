// Package mock provides an in-memory calendar.Adapter for tests. Events live
// in a map keyed by calendar id; every method can be forced to fail.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ringdesk/ringdesk/internal/calendar"
	"github.com/ringdesk/ringdesk/pkg/types"
)

// Adapter is an in-memory calendar backend.
type Adapter struct {
	mu        sync.Mutex
	calendars []calendar.Info
	events    map[string][]calendar.Event
	busy      map[string][]types.Interval
	nextID    int

	// Err, when set, is returned by every method. Simulates provider outages
	// and auth failures.
	Err error

	// CreateCalls counts CreateEvent invocations, including failed ones.
	CreateCalls int
}

var _ calendar.Adapter = (*Adapter)(nil)

// New returns an empty adapter with a single primary calendar.
func New() *Adapter {
	return &Adapter{
		calendars: []calendar.Info{{ID: "primary", Summary: "Primary", Primary: true}},
		events:    make(map[string][]calendar.Event),
		busy:      make(map[string][]types.Interval),
	}
}

// Seed adds a blocking event directly, bypassing CreateEvent bookkeeping.
func (a *Adapter) Seed(calendarID string, ev calendar.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seed(calendarID, ev)
	if ev.Status != calendar.StatusCancelled {
		a.busy[calendarID] = append(a.busy[calendarID], ev.Interval())
	}
}

// SeedFree adds an event that appears on the calendar but does not block
// time, like an entry the owner marked free or a declined invitation.
func (a *Adapter) SeedFree(calendarID string, ev calendar.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seed(calendarID, ev)
}

func (a *Adapter) seed(calendarID string, ev calendar.Event) {
	if ev.ID == "" {
		a.nextID++
		ev.ID = fmt.Sprintf("seed-%d", a.nextID)
	}
	ev.CalendarID = calendarID
	a.events[calendarID] = append(a.events[calendarID], ev)
}

// ListCalendars implements calendar.Adapter.
func (a *Adapter) ListCalendars(ctx context.Context) ([]calendar.Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	out := make([]calendar.Info, len(a.calendars))
	copy(out, a.calendars)
	return out, nil
}

// ListEvents implements calendar.Adapter.
func (a *Adapter) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]calendar.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	var out []calendar.Event
	for _, ev := range a.events[calendarID] {
		if ev.Status == calendar.StatusCancelled {
			continue
		}
		if ev.Start.Before(end) && start.Before(ev.End) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// BusyTimes implements calendar.Adapter.
func (a *Adapter) BusyTimes(ctx context.Context, calendarID string, start, end time.Time) ([]types.Interval, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return nil, a.Err
	}
	var out []types.Interval
	for _, iv := range a.busy[calendarID] {
		if iv.Start.Before(end) && start.Before(iv.End) {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// CreateEvent implements calendar.Adapter.
func (a *Adapter) CreateEvent(ctx context.Context, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CreateCalls++
	if a.Err != nil {
		return nil, a.Err
	}
	a.nextID++
	ev.ID = fmt.Sprintf("ev-%d", a.nextID)
	ev.CalendarID = calendarID
	if ev.Status == "" {
		ev.Status = calendar.StatusConfirmed
	}
	a.events[calendarID] = append(a.events[calendarID], ev)
	a.busy[calendarID] = append(a.busy[calendarID], ev.Interval())
	return &ev, nil
}

// Events returns a copy of everything stored on one calendar.
func (a *Adapter) Events(calendarID string) []calendar.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]calendar.Event, len(a.events[calendarID]))
	copy(out, a.events[calendarID])
	return out
}

// StaticOpener is a calendar.Opener that returns a fixed adapter per tenant.
type StaticOpener struct {
	Adapters map[string]calendar.Adapter
}

var _ calendar.Opener = (*StaticOpener)(nil)

// Open implements calendar.Opener.
func (o *StaticOpener) Open(ctx context.Context, tenantID string) (calendar.Adapter, error) {
	ad, ok := o.Adapters[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s has no connected calendar", calendar.ErrAuthExpired, tenantID)
	}
	return ad, nil
}
