// Package outlook provides a Microsoft Outlook-backed calendar adapter using
// the Graph REST API. It implements the calendar.Adapter interface.
//
// There is no official Graph SDK dependency here on purpose: the three calls
// the adapter needs (calendar list, calendarView, event create) are plain
// JSON over HTTPS, and oauth2.NewClient already handles authentication.
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/ringdesk/ringdesk/internal/calendar"
	"github.com/ringdesk/ringdesk/pkg/types"
)

const (
	providerName = "outlook"
	graphBase    = "https://graph.microsoft.com/v1.0"

	// graphTimeFormat is what Graph returns in dateTime fields: no offset,
	// interpreted against the accompanying timeZone field (forced to UTC via
	// the Prefer header on every request).
	graphTimeFormat = "2006-01-02T15:04:05.9999999"
)

// Scopes requested during the OAuth connect flow. offline_access is what
// makes Microsoft issue a refresh token.
var Scopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Calendars.ReadWrite",
}

// Adapter implements calendar.Adapter for one connected Microsoft account.
type Adapter struct {
	client *http.Client
	base   string
}

var _ calendar.Adapter = (*Adapter)(nil)

// Option is a functional option for configuring the Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the Graph endpoint. Used by tests.
func WithBaseURL(base string) Option {
	return func(a *Adapter) { a.base = base }
}

// New builds an adapter over the given token source. The source should come
// from calendar.NewTokenSource so refreshed tokens flow back to the vault.
func New(ctx context.Context, ts oauth2.TokenSource, opts ...Option) *Adapter {
	a := &Adapter{
		client: oauth2.NewClient(ctx, ts),
		base:   graphBase,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ---- wire types ----

type graphCalendar struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefaultCalendar"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string        `json:"id,omitempty"`
	Subject     string        `json:"subject"`
	Start       graphDateTime `json:"start"`
	End         graphDateTime `json:"end"`
	ShowAs      string        `json:"showAs,omitempty"`
	IsCancelled bool          `json:"isCancelled,omitempty"`
	Body        *graphBody    `json:"body,omitempty"`
	Attendees   []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphList[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// ---- adapter ----

// ListCalendars enumerates the calendars in the connected mailbox.
func (a *Adapter) ListCalendars(ctx context.Context) ([]calendar.Info, error) {
	var out []calendar.Info
	next := a.base + "/me/calendars"
	for next != "" {
		var page graphList[graphCalendar]
		if err := a.get(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, c := range page.Value {
			out = append(out, calendar.Info{ID: c.ID, Summary: c.Name, Primary: c.IsDefault})
		}
		next = page.NextLink
	}
	return out, nil
}

// ListEvents returns non-cancelled events overlapping [start, end) via the
// calendarView endpoint, which expands recurrences server-side.
func (a *Adapter) ListEvents(ctx context.Context, calendarID string, start, end time.Time) ([]calendar.Event, error) {
	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))
	q.Set("$orderby", "start/dateTime")
	q.Set("$top", "100")

	var out []calendar.Event
	next := fmt.Sprintf("%s/me/calendars/%s/calendarView?%s", a.base, url.PathEscape(calendarID), q.Encode())
	for next != "" {
		var page graphList[graphEvent]
		if err := a.get(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, ge := range page.Value {
			if ge.IsCancelled {
				continue
			}
			ev, ok := fromGraph(calendarID, ge)
			if !ok {
				continue
			}
			out = append(out, ev)
		}
		next = page.NextLink
	}
	return out, nil
}

// BusyTimes returns the busy intervals overlapping [start, end). Graph has no
// single-calendar free/busy endpoint scoped to the signed-in mailbox, so this
// reads the calendarView and drops entries the owner shows as free.
func (a *Adapter) BusyTimes(ctx context.Context, calendarID string, start, end time.Time) ([]types.Interval, error) {
	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))
	q.Set("$select", "start,end,showAs,isCancelled")
	q.Set("$top", "100")

	var out []types.Interval
	next := fmt.Sprintf("%s/me/calendars/%s/calendarView?%s", a.base, url.PathEscape(calendarID), q.Encode())
	for next != "" {
		var page graphList[graphEvent]
		if err := a.get(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, ge := range page.Value {
			if ge.IsCancelled || ge.ShowAs == "free" {
				continue
			}
			ivStart, err1 := parseGraphTime(ge.Start.DateTime)
			ivEnd, err2 := parseGraphTime(ge.End.DateTime)
			if err1 != nil || err2 != nil {
				continue
			}
			out = append(out, types.Interval{Start: ivStart, End: ivEnd})
		}
		next = page.NextLink
	}
	return out, nil
}

// CreateEvent writes a new event and returns it with the assigned id.
func (a *Adapter) CreateEvent(ctx context.Context, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	req := graphEvent{
		Subject: ev.Summary,
		Start:   graphDateTime{DateTime: ev.Start.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		End:     graphDateTime{DateTime: ev.End.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
	}
	if ev.Description != "" {
		req.Body = &graphBody{ContentType: "text", Content: ev.Description}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("outlook: marshal event: %w", err)
	}

	var created graphEvent
	endpoint := fmt.Sprintf("%s/me/calendars/%s/events", a.base, url.PathEscape(calendarID))
	if err := a.do(ctx, http.MethodPost, endpoint, body, &created); err != nil {
		return nil, err
	}
	got, ok := fromGraph(calendarID, created)
	if !ok {
		return nil, &calendar.UpstreamError{Provider: providerName, Message: "created event came back without times"}
	}
	return &got, nil
}

func (a *Adapter) get(ctx context.Context, endpoint string, out any) error {
	return a.do(ctx, http.MethodGet, endpoint, nil, out)
}

func (a *Adapter) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("outlook: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("outlook: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("outlook: read response: %w", err)
	}
	if mapped := calendar.MapStatus(providerName, resp.StatusCode, graphErrorMessage(payload)); mapped != nil {
		return mapped
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("outlook: decode response: %w", err)
		}
	}
	return nil
}

// graphErrorMessage pulls the human-readable message out of a Graph error
// envelope, falling back to the raw body.
func graphErrorMessage(payload []byte) string {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Code + ": " + envelope.Error.Message
	}
	if len(payload) > 200 {
		payload = payload[:200]
	}
	return string(payload)
}

// fromGraph converts a Graph event. Times are parsed as UTC per the Prefer
// header sent on every request.
func fromGraph(calendarID string, ge graphEvent) (calendar.Event, bool) {
	start, err1 := parseGraphTime(ge.Start.DateTime)
	end, err2 := parseGraphTime(ge.End.DateTime)
	if err1 != nil || err2 != nil {
		return calendar.Event{}, false
	}

	ev := calendar.Event{
		ID:         ge.ID,
		CalendarID: calendarID,
		Summary:    ge.Subject,
		Start:      start,
		End:        end,
		Status:     calendar.StatusConfirmed,
	}
	if ge.Body != nil {
		ev.Description = ge.Body.Content
	}
	for _, at := range ge.Attendees {
		ev.Attendees = append(ev.Attendees, at.EmailAddress.Address)
	}
	return ev, true
}

func parseGraphTime(s string) (time.Time, error) {
	if t, err := time.Parse(graphTimeFormat, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
