// Package tools binds the tool names the LLM may invoke to their handlers.
//
// Every tool returns a plain string so the result can be re-fed to the model
// as a tool-result message. Operational failures are strings prefixed
// "Error:"; booking validation failures use the bare
// missing_or_invalid_booking_fields form so the model sees which fields to
// re-collect. The orchestrator keys off [BookingConfirmedPrefix] and
// [VoicemailSentinel], never off error types.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ringdesk/ringdesk/internal/calendar"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/scheduler"
	"github.com/ringdesk/ringdesk/pkg/types"
)

const (
	NameCheckAvailability = "check_availability"
	NameBookAppointment   = "book_appointment"
	NameTakeVoicemail     = "take_voicemail"

	// VoicemailSentinel is the take_voicemail result. The orchestrator closes
	// the media stream when it sees it, handing the call to provider-side
	// recording.
	VoicemailSentinel = "TRIGGER_VOICEMAIL_FALLBACK"

	// BookingConfirmedPrefix starts every successful book_appointment result.
	// The orchestrator promotes the call to its confirmation phase on it.
	BookingConfirmedPrefix = "Appointment booked successfully"
)

// Booker is the scheduling surface the executor calls into.
type Booker interface {
	CheckAvailability(ctx context.Context, tenantID string, start, end time.Time) ([]types.Interval, error)
	BookAppointment(ctx context.Context, tenantID string, req scheduler.BookingRequest) (string, error)
}

var _ Booker = (*scheduler.Scheduler)(nil)

// TenantFinder resolves tenants, used to render times in the tenant's zone.
type TenantFinder interface {
	FindByID(ctx context.Context, id string) (*registry.Tenant, error)
}

var _ TenantFinder = (*registry.Registry)(nil)

// Executor dispatches tool calls for one deployment. Safe for concurrent use
// across calls.
type Executor struct {
	tenants TenantFinder
	sched   Booker
	log     *slog.Logger
}

// NewExecutor creates an Executor over the given registry and scheduler.
func NewExecutor(tenants TenantFinder, sched Booker, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{tenants: tenants, sched: sched, log: log}
}

// Definitions returns the tool contracts offered to the LLM.
func Definitions() []types.ToolDefinition {
	return []types.ToolDefinition{
		{
			Name:        NameCheckAvailability,
			Description: "Check the business calendar for existing appointments in a time range. Returns which sub-ranges are already taken.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_time": map[string]any{"type": "string", "description": "Range start, RFC 3339 with offset."},
					"end_time":   map[string]any{"type": "string", "description": "Range end, RFC 3339 with offset."},
				},
				"required": []string{"start_time", "end_time"},
			},
		},
		{
			Name:        NameBookAppointment,
			Description: "Book an appointment on the business calendar. Requires the caller's full name, phone number, and email address.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"customer_name":  map[string]any{"type": "string", "description": "Caller's full name."},
					"customer_phone": map[string]any{"type": "string", "description": "Caller's phone number, as spoken."},
					"customer_email": map[string]any{"type": "string", "description": "Caller's email address, as spoken."},
					"start_time":     map[string]any{"type": "string", "description": "Appointment start, RFC 3339 with offset."},
					"end_time":       map[string]any{"type": "string", "description": "Appointment end, RFC 3339 with offset."},
					"description":    map[string]any{"type": "string", "description": "Optional notes about the appointment."},
				},
				"required": []string{"customer_name", "customer_phone", "customer_email", "start_time", "end_time"},
			},
		},
		{
			Name:        NameTakeVoicemail,
			Description: "Hand the call off to voicemail recording when the caller asks to leave a message or cannot be helped.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string", "description": "Optional short reason for the handoff."},
				},
			},
		},
	}
}

// Execute runs one tool call and returns its string result.
func (e *Executor) Execute(ctx context.Context, tenantID string, call types.ToolCall) string {
	switch call.Name {
	case NameCheckAvailability:
		return e.checkAvailability(ctx, tenantID, call.Arguments)
	case NameBookAppointment:
		return e.bookAppointment(ctx, tenantID, call.Arguments)
	case NameTakeVoicemail:
		return VoicemailSentinel
	default:
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}
}

type availabilityArgs struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (e *Executor) checkAvailability(ctx context.Context, tenantID, rawArgs string) string {
	var args availabilityArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s", NameCheckAvailability)
	}
	start, err := scheduler.ParseTime(args.StartTime)
	if err != nil {
		return "Error: start_time must be an RFC 3339 timestamp"
	}
	end, err := scheduler.ParseTime(args.EndTime)
	if err != nil {
		return "Error: end_time must be an RFC 3339 timestamp"
	}

	busy, err := e.sched.CheckAvailability(ctx, tenantID, start, end)
	if err != nil {
		e.log.Warn("availability check failed", "tenant_id", tenantID, "err", err)
		return describeError(err)
	}
	if len(busy) == 0 {
		return "That entire time range is free."
	}

	loc := e.tenantLocation(ctx, tenantID)
	times := make([]string, len(busy))
	for i, iv := range busy {
		times[i] = iv.Start.In(loc).Format("3:04 PM")
	}
	return fmt.Sprintf("I have existing appointments at: %s. Times outside of these are available.",
		strings.Join(times, ", "))
}

type bookingArgs struct {
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	CustomerEmail string `json:"customer_email"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Description   string `json:"description"`
}

func (e *Executor) bookAppointment(ctx context.Context, tenantID, rawArgs string) string {
	var args bookingArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s", NameBookAppointment)
	}

	req := scheduler.BookingRequest{
		CustomerName:  strings.TrimSpace(args.CustomerName),
		CustomerPhone: NormalizePhone(args.CustomerPhone),
		CustomerEmail: NormalizeEmail(args.CustomerEmail),
		StartTime:     args.StartTime,
		EndTime:       args.EndTime,
		Description:   strings.TrimSpace(args.Description),
	}

	id, err := e.sched.BookAppointment(ctx, tenantID, req)
	if err != nil {
		var verr *scheduler.ValidationError
		if errors.As(err, &verr) {
			if verr.TimeErr != nil {
				return "Error: start_time and end_time must be RFC 3339 timestamps with start before end"
			}
			return fmt.Sprintf("missing_or_invalid_booking_fields (name=%t, phone=%t, email=%t)",
				verr.NameOK, verr.PhoneOK, verr.EmailOK)
		}
		e.log.Warn("booking failed", "tenant_id", tenantID, "err", err)
		return describeError(err)
	}
	return BookingConfirmedPrefix + ". Reference ID: " + id
}

// describeError renders a scheduling failure for the model. The wording is
// read aloud by the assistant, so it stays plain.
func describeError(err error) string {
	switch {
	case errors.Is(err, calendar.ErrAuthExpired):
		return "Error: the business calendar connection has expired and needs to be reauthorized"
	case errors.Is(err, calendar.ErrPermissionDenied):
		return "Error: the business calendar refused access"
	case errors.Is(err, scheduler.ErrInvalidWindow):
		return "Error: the start time must be before the end time"
	default:
		var up *calendar.UpstreamError
		if errors.As(err, &up) {
			return "Error: the calendar service is temporarily unavailable"
		}
		return "Error: the request could not be completed"
	}
}

func (e *Executor) tenantLocation(ctx context.Context, tenantID string) *time.Location {
	tenant, err := e.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return time.UTC
	}
	return tenant.Location()
}
