package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sentinel/pkg/kvstore"
)

// DefaultCooldown is the per-reason suppression window.
const DefaultCooldown = 10 * time.Second

// Cooldown decides whether a reason may fire now. TryAcquire must be an
// atomic check-and-set: of any number of concurrent callers for the same
// reason inside one window, exactly one gets true.
type Cooldown interface {
	TryAcquire(ctx context.Context, reason string, now time.Time) (bool, error)
}

// LocalCooldown keeps last-fired timestamps in memory and mirrors them to a
// kvstore so a restart inside the window still suppresses.
type LocalCooldown struct {
	window time.Duration
	store  kvstore.Store

	mu   sync.Mutex
	last map[string]time.Time
}

// NewLocalCooldown creates a cooldown. store may be nil.
func NewLocalCooldown(window time.Duration, store kvstore.Store) *LocalCooldown {
	if window <= 0 {
		window = DefaultCooldown
	}
	return &LocalCooldown{window: window, store: store, last: make(map[string]time.Time)}
}

func (c *LocalCooldown) TryAcquire(ctx context.Context, reason string, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.last[reason]
	if !ok && c.store != nil {
		ms, err := kvstore.GetInt64(ctx, c.store, kvstore.KeyCooldownPrefix+reason, 0)
		if err == nil && ms > 0 {
			last = time.UnixMilli(ms)
		}
	}
	if !last.IsZero() && now.Sub(last) < c.window {
		return false, nil
	}
	c.last[reason] = now

	if c.store != nil {
		if err := kvstore.SetInt64(ctx, c.store, kvstore.KeyCooldownPrefix+reason, now.UnixMilli()); err != nil {
			// The in-memory record already holds; only durability is lost.
			return true, fmt.Errorf("persist cooldown %s: %w", reason, err)
		}
	}
	return true, nil
}

// RedisCooldown shares the window across agent processes with SET NX PX.
// When Redis is unreachable it falls back to a local cooldown.
type RedisCooldown struct {
	rdb           *redis.Client
	prefix        string
	window        time.Duration
	localFallback *LocalCooldown
}

func NewRedisCooldown(rdb *redis.Client, prefix string, window time.Duration) *RedisCooldown {
	if window <= 0 {
		window = DefaultCooldown
	}
	if prefix == "" {
		prefix = "sentinel:"
	}
	return &RedisCooldown{
		rdb:           rdb,
		prefix:        prefix,
		window:        window,
		localFallback: NewLocalCooldown(window, nil),
	}
}

func (c *RedisCooldown) TryAcquire(ctx context.Context, reason string, now time.Time) (bool, error) {
	if c.rdb == nil {
		return c.localFallback.TryAcquire(ctx, reason, now)
	}
	key := c.prefix + kvstore.KeyCooldownPrefix + reason
	ok, err := c.rdb.SetNX(ctx, key, now.UnixMilli(), c.window).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		acquired, _ := c.localFallback.TryAcquire(ctx, reason, now)
		return acquired, fmt.Errorf("redis cooldown %s: %w", reason, err)
	}
	return ok, nil
}
