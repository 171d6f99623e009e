package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ringdesk/ringdesk/internal/calendar"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/tenantstore"
	"github.com/ringdesk/ringdesk/pkg/types"
)

// syncLookback is how far back each reconciliation pass lists events. Recent
// history is what the cache serves: show rates, completed visits, no-shows.
const syncLookback = 30 * 24 * time.Hour

// SyncLoop periodically reconciles every active tenant's external calendar
// into its local appointment cache.
type SyncLoop struct {
	registry *registry.Registry
	opener   calendar.Opener
	stores   *tenantstore.Factory
	interval time.Duration
	clock    types.Clock
	log      *slog.Logger
}

// NewSyncLoop wires a SyncLoop. clock may be nil, which means wall time.
func NewSyncLoop(reg *registry.Registry, opener calendar.Opener, stores *tenantstore.Factory, interval time.Duration, clock types.Clock, log *slog.Logger) *SyncLoop {
	if clock == nil {
		clock = types.SystemClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &SyncLoop{
		registry: reg,
		opener:   opener,
		stores:   stores,
		interval: interval,
		clock:    clock,
		log:      log,
	}
}

// Run executes one pass immediately and then one per interval until ctx is
// cancelled. Always returns ctx.Err().
func (l *SyncLoop) Run(ctx context.Context) error {
	l.SyncAll(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.SyncAll(ctx)
		}
	}
}

// SyncAll reconciles every active tenant. One tenant failing never stops the
// pass.
func (l *SyncLoop) SyncAll(ctx context.Context) {
	tenants, err := l.registry.ListActive(ctx)
	if err != nil {
		l.log.Error("calendar sync: list tenants", "err", err)
		return
	}
	for _, tenant := range tenants {
		if err := l.SyncTenant(ctx, tenant); err != nil {
			l.log.Warn("calendar sync failed", "tenant_id", tenant.ID, "err", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// SyncTenant lists the tenant's events over the lookback window and upserts
// them into the appointment cache, recording a sync_run row either way.
func (l *SyncLoop) SyncTenant(ctx context.Context, tenant *registry.Tenant) error {
	store, err := l.stores.Open(tenant.ID)
	if err != nil {
		if errors.Is(err, tenantstore.ErrUnknownTenant) {
			// Registered but never provisioned. Nothing to reconcile into.
			return nil
		}
		return err
	}

	runID, err := store.BeginSyncRun(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: begin sync run: %w", err)
	}
	began := l.clock.Now()

	count, err := l.pull(ctx, tenant, store)
	elapsed := l.clock.Now().Sub(began)
	if err != nil {
		if ferr := store.FinishSyncRun(ctx, runID, "failed", elapsed, count, err.Error()); ferr != nil {
			l.log.Warn("sync run finalize failed", "tenant_id", tenant.ID, "err", ferr)
		}
		return err
	}
	if err := store.FinishSyncRun(ctx, runID, "ok", elapsed, count, ""); err != nil {
		l.log.Warn("sync run finalize failed", "tenant_id", tenant.ID, "err", err)
	}
	l.log.Debug("calendar sync complete", "tenant_id", tenant.ID, "events", count, "took", elapsed)
	return nil
}

func (l *SyncLoop) pull(ctx context.Context, tenant *registry.Tenant, store *tenantstore.Store) (int, error) {
	adapter, err := l.opener.Open(ctx, tenant.ID)
	if err != nil {
		return 0, err
	}

	now := l.clock.Now()
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	events, err := adapter.ListEvents(callCtx, calendarID(tenant), now.Add(-syncLookback), now)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, ev := range events {
		status := types.AppointmentConfirmed
		if ev.Status == calendar.StatusCancelled {
			status = types.AppointmentCancelled
		}
		err := store.UpsertAppointment(ctx, types.Appointment{
			TenantID:        tenant.ID,
			CalendarEventID: ev.ID,
			Provider:        string(tenant.Config.Calendar.Provider),
			Start:           ev.Start,
			End:             ev.End,
			DurationMin:     int(ev.End.Sub(ev.Start) / time.Minute),
			Status:          status,
			SyncedAt:        now,
		})
		if err != nil {
			return count, fmt.Errorf("scheduler: upsert event %s: %w", ev.ID, err)
		}
		count++
	}
	return count, nil
}
