package rate

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of a single Take call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces fixed-window counters against Redis with a transparent
// in-process fallback. All keys must already be namespaced by tenant and
// purpose; the limiter does not add scoping of its own.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	count   int64
	resetAt time.Time
}

// New creates a rate [Limiter] backed by the given Redis client. A nil client
// forces local-only operation, which single-instance deployments may prefer.
func New(redisClient redis.UniversalClient, prefix string) *Limiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		local:  make(map[string]*localWindow),
	}
}

func (l *Limiter) key(key string) string {
	return l.prefix + ":" + key
}

// Take consumes one unit from the window identified by key. Exactly the first
// limit calls within a window are allowed; the window is (re)armed to window
// on its first hit. Redis unavailability degrades to the local map and is
// never surfaced to the caller.
func (l *Limiter) Take(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: false, Remaining: 0, ResetAt: time.Now()}
	}

	if l.redis != nil {
		if d, ok := l.takeRedis(ctx, l.key(key), limit, window); ok {
			return d
		}
	}

	return l.takeLocal(l.key(key), limit, window)
}

func (l *Limiter) takeRedis(ctx context.Context, key string, limit int, window time.Duration) (Decision, bool) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, false
	}

	// Fixed-window semantics: arm TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.PExpire(ctx, key, window).Err(); err != nil {
			return Decision{}, false
		}
	}

	pttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil || pttl < 0 {
		// Counter without TTL (e.g. PEXPIRE lost to a crash): re-arm so the
		// window cannot wedge permanently closed.
		pttl = window
		_ = l.redis.PExpire(ctx, key, window).Err()
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   time.Now().Add(pttl),
	}, true
}

func (l *Limiter) takeLocal(key string, limit int, window time.Duration) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.local[key]
	if !ok || !now.Before(w.resetAt) {
		w = &localWindow{resetAt: now.Add(window)}
		l.local[key] = w
	}
	w.count++

	remaining := limit - int(w.count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   w.count <= int64(limit),
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}

// PruneLocal drops expired local windows. Callers with long-lived processes
// should invoke it periodically; the limiter never spawns goroutines itself.
func (l *Limiter) PruneLocal() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.local {
		if !now.Before(w.resetAt) {
			delete(l.local, key)
		}
	}
}
