// Package coordinator implements cluster-wide webhook idempotency and call
// admission control over Redis.
//
// All state is TTL-bounded: webhook markers, active-call counters, and
// session keys expire on their own, so a crashed instance can never leak
// capacity forever. When no Redis backend is configured the coordinator runs
// in degraded single-instance mode: every webhook is fresh and every call is
// admitted.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout. Counters and session markers share one namespace across every
// instance of the service.
const (
	keyWebhookPrefix = "webhook:"
	keyGlobalActive  = "active:global"
	keyTenantPrefix  = "active:tenant:"
	keySessionPrefix = "session:"
	keyQueuePrefix   = "queue:tenant:"
)

// Default TTLs. Session and counter TTLs outlive the hard call-duration cap
// so an active call never loses its admission, while still self-healing after
// a crash.
const (
	defaultWebhookTTL = 10 * time.Minute
	defaultSessionTTL = 15 * time.Minute
)

// Client is the slice of redis.UniversalClient the coordinator uses. Narrow
// on purpose: tests implement it in memory.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Decr(ctx context.Context, key string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LPop(ctx context.Context, key string) *redis.StringCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

var _ Client = (redis.UniversalClient)(nil)

// Config carries the admission caps.
type Config struct {
	MaxGlobalActive int
	MaxTenantActive int
	QueueEnabled    bool
	QueueMaxSize    int

	WebhookTTL time.Duration
	SessionTTL time.Duration
}

// Admission is the outcome of an AdmitCall attempt.
type Admission struct {
	Admitted bool
	Queued   bool
	// Position is the 1-based queue position when Queued.
	Position int
}

// Coordinator gates webhooks and calls across instances. A nil client puts it
// in degraded mode.
type Coordinator struct {
	rdb Client
	cfg Config
	log *slog.Logger
}

// New builds a Coordinator. rdb may be nil for degraded single-instance mode.
func New(rdb Client, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.WebhookTTL <= 0 {
		cfg.WebhookTTL = defaultWebhookTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{rdb: rdb, cfg: cfg, log: log}
}

// Degraded reports whether the coordinator is running without a backend.
func (c *Coordinator) Degraded() bool { return c.rdb == nil }

// Ping reports backend reachability. Degraded mode is always healthy.
func (c *Coordinator) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// WebhookKey derives the idempotency key for one delivery from everything
// that distinguishes it.
func WebhookKey(path, suffix, callSID, recordingURL, callStatus, tenantID, kind string) string {
	sum := sha256.Sum256([]byte(strings.Join(
		[]string{path, suffix, callSID, recordingURL, callStatus, tenantID, kind}, "|")))
	return hex.EncodeToString(sum[:])
}

// MarkWebhookProcessed records the delivery key and reports whether it was
// fresh. A repeated delivery returns false and must be answered with an
// idempotent no-op.
func (c *Coordinator) MarkWebhookProcessed(ctx context.Context, key string) bool {
	if c.rdb == nil {
		return true
	}
	fresh, err := c.rdb.SetNX(ctx, keyWebhookPrefix+key, 1, c.cfg.WebhookTTL).Result()
	if err != nil {
		// Fail open: a doubled webhook is recoverable, a dropped call is not.
		c.log.Warn("webhook idempotency check failed", "err", err)
		return true
	}
	return fresh
}

// AdmitCall atomically claims global and per-tenant capacity for a call. On
// cap overflow the claim is rolled back and, when queueing is on and the
// tenant queue has room, the call is parked in FIFO order.
func (c *Coordinator) AdmitCall(ctx context.Context, callSID, tenantID string) Admission {
	if c.rdb == nil {
		return Admission{Admitted: true}
	}

	globalKey := keyGlobalActive
	tenantKey := keyTenantPrefix + tenantID

	global, err := c.rdb.Incr(ctx, globalKey).Result()
	if err != nil {
		c.log.Warn("admission counter unavailable, failing open", "err", err)
		return Admission{Admitted: true}
	}
	tenant, err := c.rdb.Incr(ctx, tenantKey).Result()
	if err != nil {
		c.rdb.Decr(ctx, globalKey)
		c.log.Warn("admission counter unavailable, failing open", "err", err)
		return Admission{Admitted: true}
	}

	c.rdb.Expire(ctx, globalKey, c.cfg.SessionTTL)
	c.rdb.Expire(ctx, tenantKey, c.cfg.SessionTTL)

	overGlobal := c.cfg.MaxGlobalActive > 0 && global > int64(c.cfg.MaxGlobalActive)
	overTenant := c.cfg.MaxTenantActive > 0 && tenant > int64(c.cfg.MaxTenantActive)
	if !overGlobal && !overTenant {
		c.rdb.Set(ctx, keySessionPrefix+callSID, tenantID, c.cfg.SessionTTL)
		return Admission{Admitted: true}
	}

	// Roll back the claim before deciding what to tell the caller.
	c.rdb.Decr(ctx, globalKey)
	c.rdb.Decr(ctx, tenantKey)

	if c.cfg.QueueEnabled {
		queueKey := keyQueuePrefix + tenantID
		depth, err := c.rdb.LLen(ctx, queueKey).Result()
		if err == nil && depth < int64(c.cfg.QueueMaxSize) {
			pos, err := c.rdb.RPush(ctx, queueKey, callSID).Result()
			if err == nil {
				c.rdb.Expire(ctx, queueKey, c.cfg.SessionTTL)
				return Admission{Queued: true, Position: int(pos)}
			}
		}
	}
	return Admission{}
}

// RefreshCall extends the TTLs of the session marker and both counters.
// Called opportunistically from the media loop of an active call.
func (c *Coordinator) RefreshCall(ctx context.Context, callSID, tenantID string) {
	if c.rdb == nil {
		return
	}
	c.rdb.Expire(ctx, keySessionPrefix+callSID, c.cfg.SessionTTL)
	c.rdb.Expire(ctx, keyGlobalActive, c.cfg.SessionTTL)
	c.rdb.Expire(ctx, keyTenantPrefix+tenantID, c.cfg.SessionTTL)
}

// ReleaseCall returns the call's capacity claim. Counters never go below
// zero, so a double release is harmless.
func (c *Coordinator) ReleaseCall(ctx context.Context, callSID, tenantID string) {
	if c.rdb == nil {
		return
	}
	deleted, err := c.rdb.Del(ctx, keySessionPrefix+callSID).Result()
	if err != nil {
		c.log.Warn("release failed", "call_sid", callSID, "err", err)
		return
	}
	if deleted == 0 {
		// Session already released (or expired); counters were reclaimed.
		return
	}
	c.decrFloor(ctx, keyGlobalActive)
	c.decrFloor(ctx, keyTenantPrefix+tenantID)
}

// NextQueued pops the oldest parked call for a tenant, if any.
func (c *Coordinator) NextQueued(ctx context.Context, tenantID string) (string, bool) {
	if c.rdb == nil {
		return "", false
	}
	callSID, err := c.rdb.LPop(ctx, keyQueuePrefix+tenantID).Result()
	if err != nil {
		return "", false
	}
	return callSID, callSID != ""
}

// QueueDepth reports how many calls are parked for a tenant.
func (c *Coordinator) QueueDepth(ctx context.Context, tenantID string) int {
	if c.rdb == nil {
		return 0
	}
	depth, err := c.rdb.LLen(ctx, keyQueuePrefix+tenantID).Result()
	if err != nil {
		return 0
	}
	return int(depth)
}

func (c *Coordinator) decrFloor(ctx context.Context, key string) {
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		c.log.Warn("counter decrement failed", "key", key, "err", err)
		return
	}
	if n < 0 {
		c.rdb.Set(ctx, key, 0, c.cfg.SessionTTL)
	}
}

// SessionKey returns the marker key for one call, exported for diagnostics.
func SessionKey(callSID string) string { return keySessionPrefix + callSID }

// String describes the admission outcome for logs.
func (a Admission) String() string {
	switch {
	case a.Admitted:
		return "admitted"
	case a.Queued:
		return fmt.Sprintf("queued (position %d)", a.Position)
	default:
		return "rejected"
	}
}
