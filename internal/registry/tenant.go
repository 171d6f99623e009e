package registry

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// TenantStatus enumerates the service states of a tenant.
type TenantStatus string

const (
	StatusActive    TenantStatus = "active"
	StatusTrial     TenantStatus = "trial"
	StatusSuspended TenantStatus = "suspended"
)

// IsValid reports whether s is a recognised tenant status.
func (s TenantStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusTrial, StatusSuspended:
		return true
	}
	return false
}

// CalendarProvider is the closed set of supported calendar backends.
type CalendarProvider string

const (
	ProviderGoogle  CalendarProvider = "google"
	ProviderOutlook CalendarProvider = "outlook"
)

// IsValid reports whether p is a recognised calendar provider.
func (p CalendarProvider) IsValid() bool {
	return p == ProviderGoogle || p == ProviderOutlook
}

// Tenant is one business served by Ringdesk. Phone numbers are unique across
// tenants; a call is pinned to exactly one tenant for its whole life.
type Tenant struct {
	ID          string
	Name        string
	PhoneNumber string
	Timezone    string
	Status      TenantStatus
	Config      TenantConfig
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TenantConfig is the JSON config blob attached to a tenant row.
type TenantConfig struct {
	TenantID     string `json:"tenant_id"`
	BusinessName string `json:"business_name"`
	PhoneNumber  string `json:"phone_number"`
	Timezone     string `json:"timezone"`

	// BusinessHours maps lowercase weekday names ("monday".."sunday") to open
	// ranges like "09:00-17:00". Missing days are closed.
	BusinessHours map[string]string `json:"business_hours,omitempty"`

	// Holidays lists closed dates as "2006-01-02".
	Holidays []string `json:"holidays,omitempty"`

	AppointmentTypes []AppointmentType `json:"appointment_types,omitempty"`

	Calendar CalendarSelection `json:"calendar"`
	Routing  RoutingConfig     `json:"routing"`
	AI       AIConfig          `json:"ai"`
}

// AppointmentType describes one bookable service.
type AppointmentType struct {
	Name           string `json:"name"`
	DurationMin    int    `json:"duration_min"`
	BufferBefore   int    `json:"buffer_before_min,omitempty"`
	BufferAfter    int    `json:"buffer_after_min,omitempty"`
}

// CalendarSelection picks the provider and calendar a tenant books against.
type CalendarSelection struct {
	Provider   CalendarProvider `json:"provider"`
	CalendarID string           `json:"calendar_id,omitempty"`
}

// RoutingConfig controls what happens outside business hours or on failure.
type RoutingConfig struct {
	AfterHoursAction string `json:"after_hours_action,omitempty"`
	FallbackNumber   string `json:"fallback_number,omitempty"`
	VoicemailEnabled bool   `json:"voicemail_enabled"`

	// OwnerPhone receives SMS notifications on escalated fallbacks.
	OwnerPhone string `json:"owner_phone,omitempty"`
}

// AIConfig tunes the assistant's behaviour for this tenant.
type AIConfig struct {
	Greeting           string `json:"greeting,omitempty"`
	MaxRetries         int    `json:"max_retries,omitempty"`
	RequireServiceType bool   `json:"require_service_type"`
}

// e164Pattern is a strict E.164 check: leading + and up to 15 digits.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidateConfig checks the invariants the registry enforces on every config
// blob before it is written: required identifiers present, timezone
// resolvable against the IANA database, calendar provider in the closed set.
func ValidateConfig(cfg TenantConfig) error {
	var errs []error
	if cfg.TenantID == "" {
		errs = append(errs, errors.New("tenant_id is required"))
	}
	if cfg.BusinessName == "" {
		errs = append(errs, errors.New("business_name is required"))
	}
	if cfg.PhoneNumber == "" {
		errs = append(errs, errors.New("phone_number is required"))
	} else if !e164Pattern.MatchString(cfg.PhoneNumber) {
		errs = append(errs, fmt.Errorf("phone_number %q is not E.164", cfg.PhoneNumber))
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q is not a valid IANA zone", cfg.Timezone))
		}
	}
	if cfg.Calendar.Provider != "" && !cfg.Calendar.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("calendar.provider %q is invalid; valid values: google, outlook", cfg.Calendar.Provider))
	}
	return errors.Join(errs...)
}

// Location resolves the tenant's timezone, falling back to UTC when unset.
func (t *Tenant) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
