package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/ringdesk/ringdesk/internal/calendar"
	"github.com/ringdesk/ringdesk/internal/calendar/google"
	"github.com/ringdesk/ringdesk/internal/calendar/outlook"
	"github.com/ringdesk/ringdesk/internal/ingress"
	"github.com/ringdesk/ringdesk/internal/registry"
	"github.com/ringdesk/ringdesk/internal/vault"
)

// persistTimeout bounds the background vault write after a token refresh.
const persistTimeout = 5 * time.Second

// vaultOpener builds calendar adapters from vault credentials. Every refreshed
// access token is written back so restarts pick up where the last refresh
// left off.
type vaultOpener struct {
	// base outlives individual requests: token sources refresh lazily, long
	// after the request that created the adapter has finished.
	base    context.Context
	vault   *vault.Vault
	tenants *registry.Registry
	oauth   *ingress.OAuth
	log     *slog.Logger
}

var _ calendar.Opener = (*vaultOpener)(nil)

func newVaultOpener(base context.Context, v *vault.Vault, tenants *registry.Registry, oauth *ingress.OAuth, log *slog.Logger) *vaultOpener {
	if log == nil {
		log = slog.Default()
	}
	return &vaultOpener{base: base, vault: v, tenants: tenants, oauth: oauth, log: log}
}

// Open resolves a live adapter for the tenant's connected calendar provider.
func (o *vaultOpener) Open(ctx context.Context, tenantID string) (calendar.Adapter, error) {
	tenant, err := o.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	provider := string(tenant.Config.Calendar.Provider)
	if provider == "" {
		return nil, fmt.Errorf("%w: tenant %s has no calendar connected", calendar.ErrAuthExpired, tenantID)
	}
	conf := o.oauth.Config(provider)
	if conf == nil {
		return nil, fmt.Errorf("app: calendar provider %q has no oauth app configured", provider)
	}

	cred, err := o.vault.Get(ctx, tenantID, provider)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, fmt.Errorf("%w: no credential on file for tenant %s", calendar.ErrAuthExpired, tenantID)
	}
	if err != nil {
		return nil, err
	}

	stored := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.TokenExpiry,
	}
	ts := calendar.NewTokenSource(o.base, conf, stored, o.persist(tenantID, provider))

	switch registry.CalendarProvider(provider) {
	case registry.ProviderGoogle:
		return google.New(o.base, ts)
	case registry.ProviderOutlook:
		return outlook.New(o.base, ts), nil
	default:
		return nil, fmt.Errorf("app: unknown calendar provider %q", provider)
	}
}

// persist returns the callback that writes refreshed tokens back to the
// vault. It must not block the API call that triggered the refresh, so the
// write happens in a goroutine.
func (o *vaultOpener) persist(tenantID, provider string) calendar.PersistFunc {
	return func(tok *oauth2.Token) {
		go func() {
			ctx, cancel := context.WithTimeout(o.base, persistTimeout)
			defer cancel()
			err := o.vault.Upsert(ctx, vault.Credential{
				TenantID:     tenantID,
				Provider:     provider,
				RefreshToken: tok.RefreshToken,
				AccessToken:  tok.AccessToken,
				TokenExpiry:  tok.Expiry,
			})
			if err != nil {
				o.log.Warn("token persist failed", "tenant_id", tenantID, "provider", provider, "err", err)
			}
		}()
	}
}
