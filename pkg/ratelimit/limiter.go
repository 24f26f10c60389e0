// Package ratelimit bounds how often one key (an SMS sender, a client
// address) may hit an endpoint inside a sliding window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

var rejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_ratelimit_rejected_total",
		Help: "Requests rejected by a rate limiter.",
	},
	[]string{"limiter"},
)

func init() {
	_ = prometheus.Register(rejected)
}

// Limiter admits at most capacity events per key per window.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Local is an in-process sliding window limiter.
type Local struct {
	name     string
	capacity int
	window   time.Duration
	clock    clock.PassiveClock

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewLocal(name string, capacity int, window time.Duration, clk clock.PassiveClock) *Local {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Local{name: name, capacity: capacity, window: window, clock: clk, hits: make(map[string][]time.Time)}
}

func (l *Local) Allow(_ context.Context, key string) bool {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.capacity {
		l.hits[key] = kept
		rejected.WithLabelValues(l.name).Inc()
		return false
	}
	l.hits[key] = append(kept, now)

	// Drop idle keys so the map does not grow without bound.
	if len(l.hits) > 1024 {
		for k, ts := range l.hits {
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(l.hits, k)
			}
		}
	}
	return true
}

// Keep in sync with Local: same window semantics, enforced in one Lua call.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
if redis.call('ZCARD', key) >= capacity then
	return 0
end
redis.call('ZADD', key, now, now .. ':' .. redis.call('INCR', key .. ':seq'))
redis.call('PEXPIRE', key, window_ms + 1000)
redis.call('PEXPIRE', key .. ':seq', window_ms + 1000)
return 1
`)

// Redis shares the window across processes. Redis errors fall back to a
// local window so the endpoint stays protected.
type Redis struct {
	rdb      *redis.Client
	prefix   string
	capacity int
	window   time.Duration
	clock    clock.PassiveClock
	fallback *Local
}

func NewRedis(rdb *redis.Client, name string, capacity int, window time.Duration, clk clock.PassiveClock) *Redis {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Redis{
		rdb:      rdb,
		prefix:   "sentinel:ratelimit:" + name + ":",
		capacity: capacity,
		window:   window,
		clock:    clk,
		fallback: NewLocal(name, capacity, window, clk),
	}
}

func (r *Redis) Allow(ctx context.Context, key string) bool {
	if r.rdb == nil {
		return r.fallback.Allow(ctx, key)
	}
	now := r.clock.Now()
	res, err := slidingWindowScript.Run(ctx, r.rdb, []string{r.prefix + key},
		float64(now.UnixMicro())/1e6,
		float64(now.Add(-r.window).UnixMicro())/1e6,
		r.capacity,
		r.window.Milliseconds(),
	).Int()
	if err != nil {
		return r.fallback.Allow(ctx, key)
	}
	if res != 1 {
		rejected.WithLabelValues(r.fallback.name).Inc()
		return false
	}
	return true
}
