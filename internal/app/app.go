// Package app wires all Ringdesk subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the stores and connects
// every subsystem, Run serves HTTP and drives the calendar sync loop until
// the context is cancelled, and Shutdown tears everything down in
// reverse-init order.
//
// For testing, inject doubles via functional options (WithCalendarOpener,
// WithCoordinatorClient, WithClock). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ringdesk/ringdesk/internal/calendar"
	"github.com/ringdesk/ringdesk/internal/config"
	"github.com/ringdesk/ringdesk/internal/coordinator"
	"github.com/ringdesk/ringdesk/internal/health"
	"github.com/ringdesk/ringdesk/internal/ingress"
	"github.com/ringdesk/ringdesk/internal/notify"
	"github.com/ringdesk/ringdesk/internal/observe"
	"github.com/ringdesk/ringdesk/internal/orchestrator"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/scheduler"
	"github.com/ringdesk/ringdesk/internal/tenantstore"
	"github.com/ringdesk/ringdesk/internal/tools"
	"github.com/ringdesk/ringdesk/internal/vault"
	"github.com/ringdesk/ringdesk/pkg/provider/llm"
	"github.com/ringdesk/ringdesk/pkg/provider/stt"
	"github.com/ringdesk/ringdesk/pkg/provider/tts"
	"github.com/ringdesk/ringdesk/pkg/types"
)

// Providers holds one interface value per speech/LLM provider slot. Populated
// by main.go from the configured API keys.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	clock     types.Clock

	// Subsystems — initialised in New, torn down in Shutdown.
	tenants    *registry.Registry
	stores     *tenantstore.Factory
	vault      *vault.Vault
	coordCli   coordinator.Client
	coord      *coordinator.Coordinator
	metrics    *observe.Metrics
	oauth      *ingress.OAuth
	opener     calendar.Opener
	sched      *scheduler.Scheduler
	syncLoop   *scheduler.SyncLoop
	executor   *tools.Executor
	notifier   *notify.Sender
	orch       *orchestrator.Orchestrator
	server     *ingress.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCalendarOpener injects a calendar opener instead of the vault-backed one.
func WithCalendarOpener(o calendar.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithCoordinatorClient injects a coordinator backend instead of dialing the
// configured redis URL.
func WithCoordinatorClient(c coordinator.Client) Option {
	return func(a *App) { a.coordCli = c }
}

// WithClock injects a clock for deterministic time in tests.
func WithClock(c types.Clock) Option {
	return func(a *App) { a.clock = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Initialisation is synchronous: shared store, tenant
// store factory, vault, coordinator, telemetry, calendar plumbing, scheduler,
// tool executor, orchestrator, and the ingress HTTP surface.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		clock:     types.SystemClock(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Shared store + tenant stores ──────────────────────────────────
	tenants, err := registry.Open(cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("app: open shared store: %w", err)
	}
	a.tenants = tenants
	a.closers = append(a.closers, tenants.Close)

	a.stores = tenantstore.NewFactory(cfg.Server.DataDir)
	a.closers = append(a.closers, a.stores.Close)

	// ── 2. Vault ─────────────────────────────────────────────────────────
	key, err := a.vaultKey()
	if err != nil {
		return nil, err
	}
	a.vault, err = vault.New(tenants.DB(), key, tenants)
	if err != nil {
		return nil, fmt.Errorf("app: init vault: %w", err)
	}

	// ── 3. Coordinator ───────────────────────────────────────────────────
	if err := a.initCoordinator(); err != nil {
		return nil, fmt.Errorf("app: init coordinator: %w", err)
	}

	// ── 4. Telemetry ─────────────────────────────────────────────────────
	mp, mpShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "ringdesk"})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return mpShutdown(shCtx)
	})
	a.metrics, err = observe.NewMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	// ── 5. Calendar plumbing + scheduler ─────────────────────────────────
	a.oauth = ingress.NewOAuth(cfg, tenants, a.vault, a.log)
	if a.opener == nil {
		a.opener = newVaultOpener(ctx, a.vault, tenants, a.oauth, a.log)
	}
	a.sched = scheduler.New(tenants, a.opener, a.stores, a.clock, a.log)
	a.syncLoop = scheduler.NewSyncLoop(tenants, a.opener, a.stores, cfg.Calendar.SyncInterval, a.clock, a.log)

	// ── 6. Tools + notifications ─────────────────────────────────────────
	a.executor = tools.NewExecutor(tenants, a.sched, a.log)

	p := cfg.Providers
	if p.TwilioAccountSID != "" && p.TwilioAuthToken != "" && p.TwilioFromNumber != "" {
		a.notifier, err = notify.New(p.TwilioAccountSID, p.TwilioAuthToken, p.TwilioFromNumber)
		if err != nil {
			return nil, fmt.Errorf("app: init notifier: %w", err)
		}
	} else {
		a.log.Info("sms notifications disabled, twilio credentials incomplete")
	}

	// ── 7. Orchestrator ──────────────────────────────────────────────────
	a.orch = orchestrator.New(orchestrator.Deps{
		Config:      cfg,
		Tenants:     tenants,
		Stores:      a.stores,
		Coordinator: a.coord,
		STT:         providers.STT,
		TTS:         providers.TTS,
		LLM:         providers.LLM,
		Tools:       a.executor,
		Notifier:    a.notifier,
		Metrics:     a.metrics,
		Log:         a.log,
		Clock:       a.clock,
	})

	// ── 8. HTTP surface ──────────────────────────────────────────────────
	checker := health.New(
		health.Checker{Name: "shared_store", Check: tenants.Ping},
		health.Checker{Name: "coordinator", Check: a.coord.Ping},
	)
	a.server = ingress.NewServer(ingress.Deps{
		Config:      cfg,
		Tenants:     tenants,
		Coordinator: a.coord,
		Stores:      a.stores,
		OAuth:       a.oauth,
		Metrics:     a.metrics,
		Health:      checker,
		Media:       a.orch,
		Log:         a.log,
		Clock:       a.clock,
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// vaultKey decodes the configured master key. Development without a key gets
// an ephemeral one: credentials stored under it do not survive a restart.
func (a *App) vaultKey() ([]byte, error) {
	if a.cfg.Server.EncryptionKey == "" {
		if a.cfg.IsProduction() {
			return nil, fmt.Errorf("app: encryption key is required in production")
		}
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("app: generate ephemeral key: %w", err)
		}
		a.log.Warn("no encryption key configured, using ephemeral vault key")
		return key, nil
	}
	key, err := hex.DecodeString(a.cfg.Server.EncryptionKey)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("app: encryption key must be 64 hex characters")
	}
	return key, nil
}

// initCoordinator dials redis when a URL is configured. No URL (and no
// injected client) means degraded single-instance mode.
func (a *App) initCoordinator() error {
	if a.coordCli == nil && a.cfg.Coordinator.URL != "" {
		opt, err := redis.ParseURL(a.cfg.Coordinator.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.coordCli = rdb
		a.closers = append(a.closers, rdb.Close)
	}
	a.coord = coordinator.New(a.coordCli, coordinator.Config{
		MaxGlobalActive: a.cfg.Coordinator.MaxGlobalActiveCalls,
		MaxTenantActive: a.cfg.Coordinator.MaxTenantActiveCalls,
		QueueEnabled:    a.cfg.Coordinator.QueueEnabled,
		QueueMaxSize:    a.cfg.Coordinator.QueueMaxSize,
	}, a.log)
	if a.coord.Degraded() {
		a.log.Warn("coordinator running in degraded single-instance mode")
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler exposes the assembled HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler { return a.server }

// Run serves HTTP and drives the calendar sync loop until ctx is cancelled or
// the listener fails. Returns nil on a clean, signal-driven exit.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.syncLoop.Run(gctx)
	})
	g.Go(func() error {
		a.log.Info("http server listening", "addr", srv.Addr)
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	err := g.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: remaining closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
