// Package tenantstore implements the isolated per-tenant data plane: one
// embedded, write-ahead-logged SQLite store per tenant holding call logs,
// conversation turns, voicemails, the appointment cache, metric points, and
// sync runs.
//
// Stores for nonexistent tenants are never created implicitly. Opening a
// store whose file does not exist fails with [ErrUnknownTenant]; the only way
// a store file comes into existence is the explicit, privileged
// [Factory.Provision]. This keeps a malformed inbound webhook from
// materialising disk artifacts.
package tenantstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ringdesk/ringdesk/pkg/types"
)

// ErrUnknownTenant is returned for any read or write against a tenant whose
// store has not been provisioned.
var ErrUnknownTenant = errors.New("tenantstore: unknown tenant")

// schema is the complete per-tenant DDL. Columns are final; migrations append
// new statements rather than patching columns at runtime.
var migrations = []string{`
CREATE TABLE IF NOT EXISTS call_logs (
    call_sid     TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    caller_phone TEXT NOT NULL DEFAULT '',
    direction    TEXT NOT NULL DEFAULT 'inbound',
    status       TEXT NOT NULL DEFAULT 'initiated',
    duration_sec INTEGER NOT NULL DEFAULT 0,
    intent       TEXT NOT NULL DEFAULT '',
    error_text   TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS conversation_turns (
    call_sid    TEXT NOT NULL,
    turn_number INTEGER NOT NULL,
    role        TEXT NOT NULL,
    content     TEXT NOT NULL,
    timestamp   TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (call_sid, turn_number)
);

CREATE TABLE IF NOT EXISTS voicemails (
    call_sid      TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    caller_phone  TEXT NOT NULL DEFAULT '',
    recording_url TEXT NOT NULL DEFAULT '',
    transcription TEXT NOT NULL DEFAULT '',
    duration_sec  INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS appointment_cache (
    tenant_id         TEXT NOT NULL,
    calendar_event_id TEXT NOT NULL,
    provider          TEXT NOT NULL DEFAULT '',
    start_time        TEXT NOT NULL,
    end_time          TEXT NOT NULL,
    duration_min      INTEGER NOT NULL DEFAULT 0,
    status            TEXT NOT NULL DEFAULT 'confirmed',
    customer_name     TEXT NOT NULL DEFAULT '',
    customer_phone    TEXT NOT NULL DEFAULT '',
    customer_email    TEXT NOT NULL DEFAULT '',
    service_type      TEXT NOT NULL DEFAULT '',
    synced_at         TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (tenant_id, calendar_event_id)
);

CREATE TABLE IF NOT EXISTS client_metrics (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    name      TEXT NOT NULL,
    value     REAL NOT NULL DEFAULT 1,
    metadata  TEXT NOT NULL DEFAULT '{}',
    timestamp TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_client_metrics_tenant_ts ON client_metrics(tenant_id, timestamp);

CREATE TABLE IF NOT EXISTS calendar_sync_runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id   TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'running',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    event_count INTEGER NOT NULL DEFAULT 0,
    error_text  TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);
`}

// Factory opens and provisions per-tenant stores under a data directory.
// Open handles are cached and shared; Factory is safe for concurrent use.
type Factory struct {
	dataDir string

	mu     sync.Mutex
	stores map[string]*Store
}

// NewFactory creates a Factory rooted at dataDir. The directory must already
// exist (the shared store creates it at startup).
func NewFactory(dataDir string) *Factory {
	return &Factory{dataDir: dataDir, stores: make(map[string]*Store)}
}

func (f *Factory) path(tenantID string) string {
	return filepath.Join(f.dataDir, "client-"+tenantID+".db")
}

// Open returns the store for tenantID. It fails with [ErrUnknownTenant] when
// the store file does not exist — opening never creates one.
func (f *Factory) Open(tenantID string) (*Store, error) {
	if tenantID == "" {
		return nil, ErrUnknownTenant
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.stores[tenantID]; ok {
		return s, nil
	}

	path := f.path(tenantID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	s, err := open(path, tenantID)
	if err != nil {
		return nil, err
	}
	f.stores[tenantID] = s
	return s, nil
}

// Provision creates the tenant's store file and applies the schema. It is the
// only code path that creates store files and must be reachable only from
// privileged admin operations. Provisioning an existing tenant is a no-op
// beyond re-applying idempotent migrations.
func (f *Factory) Provision(tenantID string) (*Store, error) {
	if tenantID == "" {
		return nil, ErrUnknownTenant
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.stores[tenantID]; ok {
		return s, nil
	}

	s, err := open(f.path(tenantID), tenantID)
	if err != nil {
		return nil, err
	}
	f.stores[tenantID] = s
	slog.Info("tenant store provisioned", "tenant_id", tenantID)
	return s, nil
}

// Close closes every open store.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for id, s := range f.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tenantstore: close %s: %w", id, err))
		}
		delete(f.stores, id)
	}
	return errors.Join(errs...)
}

// Store is one tenant's isolated data plane. The single writer connection
// serialises writes; concurrent readers are fine under WAL.
type Store struct {
	db       *sql.DB
	tenantID string
}

func open(path, tenantID string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tenantstore: open %s: %w", tenantID, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("tenantstore: ping %s: %w", tenantID, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("tenantstore: migrate %s: %w", tenantID, err)
		}
	}
	return &Store{db: db, tenantID: tenantID}, nil
}

// Close closes the store's connection.
func (s *Store) Close() error { return s.db.Close() }

// ---- call logs ----

// CreateCall inserts a call session row. Inserting an existing call_sid is an
// idempotent no-op so webhook replays cannot duplicate rows.
func (s *Store) CreateCall(ctx context.Context, c types.CallSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_logs (call_sid, tenant_id, caller_phone, direction, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (call_sid) DO NOTHING`,
		c.CallSID, c.TenantID, c.CallerPhone, string(c.Direction), string(c.Status))
	if err != nil {
		return fmt.Errorf("tenantstore: create call: %w", err)
	}
	return nil
}

// UpdateCall updates the mutable fields of a call session row.
func (s *Store) UpdateCall(ctx context.Context, callSID string, status types.CallStatus, duration time.Duration, intent, errorText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE call_logs
		SET status = ?, duration_sec = ?, intent = ?, error_text = ?
		WHERE call_sid = ?`,
		string(status), int(duration.Seconds()), intent, errorText, callSID)
	if err != nil {
		return fmt.Errorf("tenantstore: update call: %w", err)
	}
	return nil
}

// GetCall returns one call session row.
func (s *Store) GetCall(ctx context.Context, callSID string) (*types.CallSession, error) {
	var (
		c        types.CallSession
		dir      string
		status   string
		durSec   int
		created  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT call_sid, tenant_id, caller_phone, direction, status, duration_sec, intent, error_text, created_at
		FROM call_logs WHERE call_sid = ?`, callSID).
		Scan(&c.CallSID, &c.TenantID, &c.CallerPhone, &dir, &status, &durSec, &c.Intent, &c.ErrorText, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenantstore: call %s not found", callSID)
	}
	if err != nil {
		return nil, fmt.Errorf("tenantstore: get call: %w", err)
	}
	c.Direction = types.CallDirection(dir)
	c.Status = types.CallStatus(status)
	c.Duration = time.Duration(durSec) * time.Second
	c.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
	return &c, nil
}

// CountCalls returns the number of call_logs rows. Used by idempotency tests.
func (s *Store) CountCalls(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("tenantstore: count calls: %w", err)
	}
	return n, nil
}

// ---- conversation turns ----

// AppendTurn persists one conversation turn. Content is truncated to
// [types.MaxTurnContent] bytes before storage.
func (s *Store) AppendTurn(ctx context.Context, turn types.Turn) error {
	content := turn.Content
	if len(content) > types.MaxTurnContent {
		content = content[:types.MaxTurnContent]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (call_sid, turn_number, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		turn.CallSID, turn.TurnNumber, turn.Role, content, turn.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("tenantstore: append turn: %w", err)
	}
	return nil
}

// Turns returns the turns of a call ordered by turn_number.
func (s *Store) Turns(ctx context.Context, callSID string) ([]types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_sid, turn_number, role, content, timestamp
		FROM conversation_turns WHERE call_sid = ? ORDER BY turn_number`, callSID)
	if err != nil {
		return nil, fmt.Errorf("tenantstore: list turns: %w", err)
	}
	defer rows.Close()

	var out []types.Turn
	for rows.Next() {
		var (
			t  types.Turn
			ts string
		)
		if err := rows.Scan(&t.CallSID, &t.TurnNumber, &t.Role, &t.Content, &ts); err != nil {
			return nil, fmt.Errorf("tenantstore: scan turn: %w", err)
		}
		t.Timestamp, _ = time.Parse("2006-01-02 15:04:05", ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- voicemails ----

// UpsertVoicemail records or updates a voicemail row keyed by call_sid.
// Recording-ready and transcription-ready callbacks arrive independently, so
// non-empty incoming fields win and empty ones preserve what is stored.
func (s *Store) UpsertVoicemail(ctx context.Context, v types.Voicemail) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voicemails (call_sid, tenant_id, caller_phone, recording_url, transcription, duration_sec)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_sid) DO UPDATE SET
			caller_phone  = CASE WHEN excluded.caller_phone  != '' THEN excluded.caller_phone  ELSE caller_phone  END,
			recording_url = CASE WHEN excluded.recording_url != '' THEN excluded.recording_url ELSE recording_url END,
			transcription = CASE WHEN excluded.transcription != '' THEN excluded.transcription ELSE transcription END,
			duration_sec  = CASE WHEN excluded.duration_sec  != 0  THEN excluded.duration_sec  ELSE duration_sec  END`,
		v.CallSID, v.TenantID, v.CallerPhone, v.RecordingURL, v.Transcription, v.DurationSec)
	if err != nil {
		return fmt.Errorf("tenantstore: upsert voicemail: %w", err)
	}
	return nil
}

// GetVoicemail returns the voicemail row for a call, if any.
func (s *Store) GetVoicemail(ctx context.Context, callSID string) (*types.Voicemail, error) {
	var (
		v       types.Voicemail
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT call_sid, tenant_id, caller_phone, recording_url, transcription, duration_sec, created_at
		FROM voicemails WHERE call_sid = ?`, callSID).
		Scan(&v.CallSID, &v.TenantID, &v.CallerPhone, &v.RecordingURL, &v.Transcription, &v.DurationSec, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenantstore: voicemail %s not found", callSID)
	}
	if err != nil {
		return nil, fmt.Errorf("tenantstore: get voicemail: %w", err)
	}
	v.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
	return &v, nil
}

// ---- appointment cache ----

// UpsertAppointment writes a cache row keyed by (tenant_id, calendar_event_id).
func (s *Store) UpsertAppointment(ctx context.Context, a types.Appointment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointment_cache
			(tenant_id, calendar_event_id, provider, start_time, end_time, duration_min,
			 status, customer_name, customer_phone, customer_email, service_type, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT (tenant_id, calendar_event_id) DO UPDATE SET
			provider = excluded.provider,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration_min = excluded.duration_min,
			status = excluded.status,
			customer_name  = CASE WHEN excluded.customer_name  != '' THEN excluded.customer_name  ELSE customer_name  END,
			customer_phone = CASE WHEN excluded.customer_phone != '' THEN excluded.customer_phone ELSE customer_phone END,
			customer_email = CASE WHEN excluded.customer_email != '' THEN excluded.customer_email ELSE customer_email END,
			service_type   = CASE WHEN excluded.service_type   != '' THEN excluded.service_type   ELSE service_type   END,
			synced_at = datetime('now')`,
		a.TenantID, a.CalendarEventID, a.Provider,
		a.Start.Format(time.RFC3339), a.End.Format(time.RFC3339), a.DurationMin,
		a.Status, a.CustomerName, a.CustomerPhone, a.CustomerEmail, a.ServiceType)
	if err != nil {
		return fmt.Errorf("tenantstore: upsert appointment: %w", err)
	}
	return nil
}

// Appointments returns cache rows whose start falls in [from, to).
func (s *Store) Appointments(ctx context.Context, from, to time.Time) ([]types.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, calendar_event_id, provider, start_time, end_time, duration_min,
		       status, customer_name, customer_phone, customer_email, service_type, synced_at
		FROM appointment_cache
		WHERE start_time >= ? AND start_time < ?
		ORDER BY start_time`,
		from.Format(time.RFC3339), to.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("tenantstore: list appointments: %w", err)
	}
	defer rows.Close()

	var out []types.Appointment
	for rows.Next() {
		var (
			a                 types.Appointment
			start, end, synced string
		)
		if err := rows.Scan(&a.TenantID, &a.CalendarEventID, &a.Provider, &start, &end,
			&a.DurationMin, &a.Status, &a.CustomerName, &a.CustomerPhone, &a.CustomerEmail,
			&a.ServiceType, &synced); err != nil {
			return nil, fmt.Errorf("tenantstore: scan appointment: %w", err)
		}
		a.Start, _ = time.Parse(time.RFC3339, start)
		a.End, _ = time.Parse(time.RFC3339, end)
		a.SyncedAt, _ = time.Parse("2006-01-02 15:04:05", synced)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAppointment returns one cache row by event id.
func (s *Store) GetAppointment(ctx context.Context, eventID string) (*types.Appointment, error) {
	var (
		a          types.Appointment
		start, end string
		synced     string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, calendar_event_id, provider, start_time, end_time, duration_min,
		       status, customer_name, customer_phone, customer_email, service_type, synced_at
		FROM appointment_cache WHERE tenant_id = ? AND calendar_event_id = ?`,
		s.tenantID, eventID).
		Scan(&a.TenantID, &a.CalendarEventID, &a.Provider, &start, &end, &a.DurationMin,
			&a.Status, &a.CustomerName, &a.CustomerPhone, &a.CustomerEmail, &a.ServiceType, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenantstore: appointment %s not found", eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("tenantstore: get appointment: %w", err)
	}
	a.Start, _ = time.Parse(time.RFC3339, start)
	a.End, _ = time.Parse(time.RFC3339, end)
	a.SyncedAt, _ = time.Parse("2006-01-02 15:04:05", synced)
	return &a, nil
}

// ---- metrics ----

// RecordMetric appends one metric point.
func (s *Store) RecordMetric(ctx context.Context, p types.MetricPoint) error {
	meta := "{}"
	if len(p.Metadata) > 0 {
		if b, err := json.Marshal(p.Metadata); err == nil {
			meta = string(b)
		}
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	value := p.Value
	if value == 0 {
		value = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_metrics (tenant_id, name, value, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		p.TenantID, string(p.Name), value, meta, ts.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("tenantstore: record metric: %w", err)
	}
	return nil
}

// SumMetric returns the summed value of the named metric. Used in tests and
// per-tenant reporting.
func (s *Store) SumMetric(ctx context.Context, name types.MetricName) (float64, error) {
	var sum sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT SUM(value) FROM client_metrics WHERE name = ?`, string(name)).Scan(&sum); err != nil {
		return 0, fmt.Errorf("tenantstore: sum metric: %w", err)
	}
	return sum.Float64, nil
}

// ---- sync runs ----

// SyncRun records one calendar reconciliation attempt.
type SyncRun struct {
	ID         int64
	TenantID   string
	Status     string // running, ok, failed
	Duration   time.Duration
	EventCount int
	ErrorText  string
	StartedAt  time.Time
}

// BeginSyncRun inserts a running sync_run row and returns its id.
func (s *Store) BeginSyncRun(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_sync_runs (tenant_id, status) VALUES (?, 'running')`, s.tenantID)
	if err != nil {
		return 0, fmt.Errorf("tenantstore: begin sync run: %w", err)
	}
	return res.LastInsertId()
}

// FinishSyncRun closes a sync_run row with its outcome.
func (s *Store) FinishSyncRun(ctx context.Context, id int64, status string, duration time.Duration, eventCount int, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendar_sync_runs
		SET status = ?, duration_ms = ?, event_count = ?, error_text = ?
		WHERE id = ?`,
		status, duration.Milliseconds(), eventCount, errText, id)
	if err != nil {
		return fmt.Errorf("tenantstore: finish sync run: %w", err)
	}
	return nil
}

// LastSyncRun returns the most recent sync_run row, if any.
func (s *Store) LastSyncRun(ctx context.Context) (*SyncRun, error) {
	var (
		r       SyncRun
		durMS   int64
		started string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, status, duration_ms, event_count, error_text, started_at
		FROM calendar_sync_runs ORDER BY id DESC LIMIT 1`).
		Scan(&r.ID, &r.TenantID, &r.Status, &durMS, &r.EventCount, &r.ErrorText, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenantstore: last sync run: %w", err)
	}
	r.Duration = time.Duration(durMS) * time.Millisecond
	r.StartedAt, _ = time.Parse("2006-01-02 15:04:05", started)
	return &r, nil
}
