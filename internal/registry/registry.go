// Package registry implements the shared tenant catalog: the mapping from
// tenant id and E.164 phone number to configuration and status.
//
// The catalog lives in one shared SQLite store (ringdesk.db, WAL mode)
// alongside the credential rows owned by the vault and the admin audit log.
// Per-tenant call data never lives here — see the tenantstore package.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced by registry operations.
var (
	// ErrUnknownTenant is returned when a tenant id or phone number does not
	// resolve to a registered tenant.
	ErrUnknownTenant = errors.New("registry: unknown tenant")

	// ErrDuplicatePhone is returned by Register when the phone number is
	// already claimed by another tenant.
	ErrDuplicatePhone = errors.New("registry: phone number already registered")
)

// schema is the base DDL for the shared store. Columns are complete from the
// start; there is no runtime ALTER TABLE patching.
const schema = `
CREATE TABLE IF NOT EXISTS tenants (
    tenant_id     TEXT PRIMARY KEY,
    business_name TEXT NOT NULL,
    phone_number  TEXT NOT NULL UNIQUE,
    timezone      TEXT NOT NULL DEFAULT 'UTC',
    status        TEXT NOT NULL DEFAULT 'trial',
    config        TEXT NOT NULL DEFAULT '{}',
    created_at    TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    updated_at    TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_tenants_phone ON tenants(phone_number);

CREATE TABLE IF NOT EXISTS calendar_credentials (
    tenant_id         TEXT NOT NULL,
    provider          TEXT NOT NULL,
    refresh_token_enc TEXT NOT NULL DEFAULT '',
    access_token_enc  TEXT NOT NULL DEFAULT '',
    token_expiry_ms   INTEGER NOT NULL DEFAULT 0,
    calendar_id       TEXT NOT NULL DEFAULT '',
    account_email     TEXT NOT NULL DEFAULT '',
    timezone          TEXT NOT NULL DEFAULT '',
    updated_at        TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (tenant_id, provider)
);

CREATE TABLE IF NOT EXISTS admin_audit_logs (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    actor     TEXT NOT NULL DEFAULT '',
    action    TEXT NOT NULL,
    tenant_id TEXT NOT NULL DEFAULT '',
    detail    TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);
`

// Registry is the shared tenant catalog. It is safe for concurrent use; reads
// are served from a read-through config cache invalidated on every mutation.
type Registry struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*Tenant // tenant_id → cached row
}

// Open creates or opens the shared store at dataDir/ringdesk.db with WAL mode
// enabled and applies the schema.
func Open(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("registry: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "ringdesk.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}

	slog.Info("shared store opened", "path", dbPath)
	return &Registry{db: db, cache: make(map[string]*Tenant)}, nil
}

// DB exposes the underlying shared database for sibling owners of tables in
// the same file (the vault's calendar_credentials rows).
func (r *Registry) DB() *sql.DB { return r.db }

// Close closes the underlying store.
func (r *Registry) Close() error { return r.db.Close() }

// Ping reports whether the shared store is reachable. Used by readiness checks.
func (r *Registry) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// Register creates a tenant from a validated config blob. The new tenant
// starts in trial status. An empty TenantID gets a generated one. Fails with
// [ErrDuplicatePhone] if the phone number is already claimed.
func (r *Registry) Register(ctx context.Context, cfg TenantConfig) (*Tenant, error) {
	if cfg.TenantID == "" {
		cfg.TenantID = uuid.NewString()
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("registry: invalid config: %w", err)
	}

	if existing, err := r.FindByPhone(ctx, cfg.PhoneNumber); err == nil && existing != nil {
		return nil, ErrDuplicatePhone
	}

	blob, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal config: %w", err)
	}

	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, business_name, phone_number, timezone, status, config)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cfg.TenantID, cfg.BusinessName, cfg.PhoneNumber, tz, string(StatusTrial), string(blob),
	)
	if err != nil {
		// A concurrent Register can win the phone number between the
		// FindByPhone pre-check and this insert.
		if isPhoneConflict(err) {
			return nil, ErrDuplicatePhone
		}
		return nil, fmt.Errorf("registry: insert tenant: %w", err)
	}

	r.audit(ctx, "register", cfg.TenantID, cfg.BusinessName)
	r.invalidate(cfg.TenantID)
	return r.FindByID(ctx, cfg.TenantID)
}

// FindByID returns the tenant with the given id, or [ErrUnknownTenant].
func (r *Registry) FindByID(ctx context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	if t, ok := r.cache[id]; ok {
		r.mu.RUnlock()
		return t, nil
	}
	r.mu.RUnlock()

	t, err := r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT tenant_id, business_name, phone_number, timezone, status, config, created_at, updated_at
		FROM tenants WHERE tenant_id = ?`, id))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[id] = t
	r.mu.Unlock()
	return t, nil
}

// Exists reports whether a tenant with the given id is registered. Returns
// [ErrUnknownTenant] when it is not.
func (r *Registry) Exists(ctx context.Context, id string) error {
	_, err := r.FindByID(ctx, id)
	return err
}

// FindByPhone returns the tenant owning the exact E.164 phone number, or
// [ErrUnknownTenant].
func (r *Registry) FindByPhone(ctx context.Context, phone string) (*Tenant, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT tenant_id, business_name, phone_number, timezone, status, config, created_at, updated_at
		FROM tenants WHERE phone_number = ?`, phone))
}

// ListActive returns all tenants whose status is active or trial.
func (r *Registry) ListActive(ctx context.Context) ([]*Tenant, error) {
	return r.list(ctx, `
		SELECT tenant_id, business_name, phone_number, timezone, status, config, created_at, updated_at
		FROM tenants WHERE status IN ('active', 'trial') ORDER BY tenant_id`)
}

// ListAll returns every tenant regardless of status.
func (r *Registry) ListAll(ctx context.Context) ([]*Tenant, error) {
	return r.list(ctx, `
		SELECT tenant_id, business_name, phone_number, timezone, status, config, created_at, updated_at
		FROM tenants ORDER BY tenant_id`)
}

// UpdateStatus transitions the tenant's status. Suspended and active may swap
// freely; other transitions are monotone and enforced by the caller's
// business process, not here.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status TenantStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("registry: invalid status %q", status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET status = ?, updated_at = datetime('now') WHERE tenant_id = ?`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("registry: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownTenant
	}
	r.audit(ctx, "update_status", id, string(status))
	r.invalidate(id)
	return nil
}

// UpdateConfig replaces the tenant's config blob after validation. The phone
// number in the blob must not collide with another tenant.
func (r *Registry) UpdateConfig(ctx context.Context, id string, cfg TenantConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("registry: invalid config: %w", err)
	}
	if other, err := r.FindByPhone(ctx, cfg.PhoneNumber); err == nil && other.ID != id {
		return ErrDuplicatePhone
	}

	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("registry: marshal config: %w", err)
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants
		SET business_name = ?, phone_number = ?, timezone = ?, config = ?, updated_at = datetime('now')
		WHERE tenant_id = ?`,
		cfg.BusinessName, cfg.PhoneNumber, tz, string(blob), id)
	if err != nil {
		if isPhoneConflict(err) {
			return ErrDuplicatePhone
		}
		return fmt.Errorf("registry: update config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownTenant
	}
	r.audit(ctx, "update_config", id, "")
	r.invalidate(id)
	return nil
}

// ---- internal helpers ----

func (r *Registry) list(ctx context.Context, query string) ([]*Tenant, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Registry) scanOne(row *sql.Row) (*Tenant, error) {
	t, err := r.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownTenant
	}
	return t, err
}

func (r *Registry) scanRow(row rowScanner) (*Tenant, error) {
	var (
		t          Tenant
		status     string
		configJSON string
		created    string
		updated    string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.PhoneNumber, &t.Timezone, &status, &configJSON, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("registry: scan tenant: %w", err)
	}
	t.Status = TenantStatus(status)
	if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
		return nil, fmt.Errorf("registry: decode config blob: %w", err)
	}
	t.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
	t.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updated)
	return &t, nil
}

// isPhoneConflict reports whether err is the UNIQUE constraint failure on
// tenants.phone_number. The driver exposes no typed error for constraint
// violations, so this matches the message.
func isPhoneConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: tenants.phone_number")
}

func (r *Registry) invalidate(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

// audit records an admin audit row. Failures are logged, never propagated:
// the mutation itself already succeeded.
func (r *Registry) audit(ctx context.Context, action, tenantID, detail string) {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_audit_logs (action, tenant_id, detail) VALUES (?, ?, ?)`,
		action, tenantID, detail); err != nil {
		slog.Warn("audit log write failed", "action", action, "tenant_id", tenantID, "err", err)
	}
}
