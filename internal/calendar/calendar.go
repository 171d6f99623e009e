// Package calendar defines the Adapter interface for calendar backends.
//
// An adapter wraps one provider account (Google Calendar or Microsoft
// Outlook) that a tenant has connected via OAuth. The orchestration layers
// never talk to provider APIs directly; they see only Adapter and the shared
// error taxonomy below, so availability checks and bookings behave the same
// regardless of which backend a tenant uses.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ringdesk/ringdesk/pkg/types"
)

// Errors every adapter maps provider responses onto. Callers branch on these
// with errors.Is; anything else is wrapped in [UpstreamError].
var (
	// ErrAuthExpired means the stored credential no longer works and the
	// tenant must re-run the OAuth connect flow.
	ErrAuthExpired = errors.New("calendar: authorization expired")

	// ErrPermissionDenied means the account is authorized but lacks access to
	// the requested calendar.
	ErrPermissionDenied = errors.New("calendar: permission denied")

	// ErrNotFound means the calendar or event id does not exist upstream.
	ErrNotFound = errors.New("calendar: not found")
)

// UpstreamError wraps a provider failure that is none of the sentinel cases:
// rate limits, 5xx responses, malformed payload rejections.
type UpstreamError struct {
	Provider string
	Status   int
	Message  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("calendar: %s upstream error (status %d): %s", e.Provider, e.Status, e.Message)
}

// MapStatus converts an HTTP status from a provider API into the shared error
// taxonomy. A 2xx status maps to nil.
func MapStatus(provider string, status int, message string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s returned 401", ErrAuthExpired, provider)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned 403", ErrPermissionDenied, provider)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s returned 404", ErrNotFound, provider)
	default:
		return &UpstreamError{Provider: provider, Status: status, Message: message}
	}
}

// EventStatus values as normalized across providers.
const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// Event is the provider-neutral view of one calendar entry.
type Event struct {
	ID          string
	CalendarID  string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Status      string
	Attendees   []string
}

// Interval returns the event's occupied time window.
func (e Event) Interval() types.Interval {
	return types.Interval{Start: e.Start, End: e.End}
}

// Info describes one calendar in a connected account, as listed during the
// admin's calendar-selection step.
type Info struct {
	ID      string
	Summary string
	Primary bool
}

// Adapter is the abstraction over a connected calendar account.
//
// Implementations must be safe for concurrent use: the booking path and the
// background sync loop may hit the same adapter at once.
type Adapter interface {
	// ListCalendars enumerates the calendars visible to the connected account.
	ListCalendars(ctx context.Context) ([]Info, error)

	// ListEvents returns non-cancelled events overlapping [start, end) on the
	// given calendar, ordered by start time.
	ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]Event, error)

	// BusyTimes returns the busy intervals overlapping [start, end) on the
	// given calendar. Events the account marked free and declined invitations
	// do not count as busy, which makes this the authoritative source for
	// availability checks; ListEvents stays the source for event details.
	BusyTimes(ctx context.Context, calendarID string, start, end time.Time) ([]types.Interval, error)

	// CreateEvent writes a new event and returns it with the provider-assigned
	// id filled in.
	CreateEvent(ctx context.Context, calendarID string, ev Event) (*Event, error)
}

// Opener resolves a live Adapter for one tenant, constructing it from the
// tenant's stored credential. Returns [ErrAuthExpired] when no usable
// credential exists.
type Opener interface {
	Open(ctx context.Context, tenantID string) (Adapter, error)
}
