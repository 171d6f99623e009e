// Package google provides a Google Calendar-backed calendar adapter. It
// implements the calendar.Adapter interface on top of the official Calendar
// v3 API client.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ringdesk/ringdesk/internal/calendar"
	"github.com/ringdesk/ringdesk/pkg/types"
)

const providerName = "google"

// Scopes requested during the OAuth connect flow. The events scope covers
// both availability reads and booking writes; the readonly calendar-list
// scope is needed once, for the selection step.
var Scopes = []string{
	gcal.CalendarEventsScope,
	gcal.CalendarReadonlyScope,
}

// Adapter implements calendar.Adapter for one connected Google account.
type Adapter struct {
	svc *gcal.Service
}

var _ calendar.Adapter = (*Adapter)(nil)

// New builds an adapter over the given token source. The source should come
// from calendar.NewTokenSource so refreshed tokens flow back to the vault.
func New(ctx context.Context, ts oauth2.TokenSource) (*Adapter, error) {
	svc, err := gcal.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("google: new service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// ListCalendars enumerates the calendars visible to the connected account.
func (a *Adapter) ListCalendars(ctx context.Context) ([]calendar.Info, error) {
	var out []calendar.Info
	call := a.svc.CalendarList.List().MinAccessRole("writer")
	err := call.Pages(ctx, func(page *gcal.CalendarList) error {
		for _, item := range page.Items {
			out = append(out, calendar.Info{
				ID:      item.Id,
				Summary: item.Summary,
				Primary: item.Primary,
			})
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("list calendars", err)
	}
	return out, nil
}

// ListEvents returns non-cancelled events overlapping [start, end), expanded
// from recurrences and ordered by start time.
func (a *Adapter) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]calendar.Event, error) {
	var out []calendar.Event
	call := a.svc.Events.List(calendarID).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime")
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, ok := fromAPI(calendarID, item)
			if !ok {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("list events", err)
	}
	return out, nil
}

// BusyTimes returns the busy intervals overlapping [start, end) via the
// freeBusy query. The server already excludes events marked free and declined
// invitations, so no client-side filtering is needed.
func (a *Adapter) BusyTimes(ctx context.Context, calendarID string, start, end time.Time) ([]types.Interval, error) {
	resp, err := a.svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: start.Format(time.RFC3339),
		TimeMax: end.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapErr("freebusy query", err)
	}

	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return nil, &calendar.UpstreamError{Provider: providerName, Message: "freebusy response missing calendar " + calendarID}
	}
	if len(cal.Errors) > 0 {
		return nil, &calendar.UpstreamError{Provider: providerName, Message: "freebusy: " + cal.Errors[0].Reason}
	}

	out := make([]types.Interval, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		ivStart, err1 := time.Parse(time.RFC3339, p.Start)
		ivEnd, err2 := time.Parse(time.RFC3339, p.End)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, types.Interval{Start: ivStart, End: ivEnd})
	}
	return out, nil
}

// CreateEvent writes a new event and returns it with the assigned id.
func (a *Adapter) CreateEvent(ctx context.Context, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	req := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}
	for _, email := range ev.Attendees {
		req.Attendees = append(req.Attendees, &gcal.EventAttendee{Email: email})
	}

	created, err := a.svc.Events.Insert(calendarID, req).Context(ctx).Do()
	if err != nil {
		return nil, mapErr("create event", err)
	}
	got, ok := fromAPI(calendarID, created)
	if !ok {
		return nil, &calendar.UpstreamError{Provider: providerName, Message: "created event came back without times"}
	}
	return &got, nil
}

// fromAPI converts an API event. All-day events (date without time) carry no
// clock time and cannot block appointment slots, so they are skipped.
func fromAPI(calendarID string, item *gcal.Event) (calendar.Event, bool) {
	if item.Start == nil || item.End == nil || item.Start.DateTime == "" || item.End.DateTime == "" {
		return calendar.Event{}, false
	}
	start, err1 := time.Parse(time.RFC3339, item.Start.DateTime)
	end, err2 := time.Parse(time.RFC3339, item.End.DateTime)
	if err1 != nil || err2 != nil {
		return calendar.Event{}, false
	}

	ev := calendar.Event{
		ID:          item.Id,
		CalendarID:  calendarID,
		Summary:     item.Summary,
		Description: item.Description,
		Start:       start,
		End:         end,
		Status:      item.Status,
	}
	for _, at := range item.Attendees {
		ev.Attendees = append(ev.Attendees, at.Email)
	}
	return ev, true
}

// mapErr translates googleapi errors into the shared taxonomy.
func mapErr(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if mapped := calendar.MapStatus(providerName, apiErr.Code, apiErr.Message); mapped != nil {
			return mapped
		}
	}
	if errors.Is(err, calendar.ErrAuthExpired) {
		return err
	}
	return fmt.Errorf("google: %s: %w", op, err)
}
