// Package notify sends outbound SMS through the telephony provider's REST
// Messages API. It backs the fallback handoff (text the caller, alert the
// business owner) and deliberately stays tiny: one endpoint, form-encoded,
// basic auth.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com"

// defaultTimeout bounds one send when the caller's context has no deadline.
const defaultTimeout = 10 * time.Second

// Option is a functional option for configuring a Sender.
type Option func(*Sender)

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// WithBaseURL overrides the API base URL. Used by tests.
func WithBaseURL(base string) Option {
	return func(s *Sender) { s.base = strings.TrimSuffix(base, "/") }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sender) { s.log = log }
}

// Sender delivers SMS messages from one configured sending number.
// Safe for concurrent use.
type Sender struct {
	accountSID string
	authToken  string
	from       string
	base       string
	client     *http.Client
	log        *slog.Logger
}

// New creates a Sender. All three credentials are required.
func New(accountSID, authToken, from string, opts ...Option) (*Sender, error) {
	if accountSID == "" || authToken == "" || from == "" {
		return nil, errors.New("notify: account SID, auth token, and from number are all required")
	}
	s := &Sender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		base:       defaultBaseURL,
		client:     &http.Client{},
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Send delivers one SMS to the E.164 number to.
func (s *Sender) Send(ctx context.Context, to, body string) error {
	if to == "" {
		return errors.New("notify: destination number is empty")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.base, s.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: send sms: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	s.log.Info("sms sent", "to", to)
	return nil
}
