package redis

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const waitPollInterval = 50 * time.Millisecond

// window is one ceiling of a provider: at most limit requests per span.
type window struct {
	limit int
	span  time.Duration
	name  string
}

// RateLimiter is a sliding-window limiter kept in Redis sorted sets. It
// serves two callers: the API middleware (Allow) and, when several
// flashsched processes share one set of quote endpoints, the provider
// request gate (Acquire), so the ceilings hold across processes.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	now    func() time.Time

	mu      sync.RWMutex
	windows map[string][]window
}

// NewRateLimiter creates a RateLimiter. providers and safetyBuffer configure
// Acquire; Allow works without them.
func NewRateLimiter(c *Client, providers []domain.CapacityProvider, safetyBuffer float64) *RateLimiter {
	rl := &RateLimiter{
		rdb:    c.Underlying(),
		script: redis.NewScript(slidingWindowLua),
		now:    time.Now,
	}
	rl.Reset(providers, safetyBuffer)
	return rl
}

// Reset replaces the provider ceilings used by Acquire.
func (rl *RateLimiter) Reset(providers []domain.CapacityProvider, safetyBuffer float64) {
	m := make(map[string][]window, len(providers))
	for _, p := range providers {
		m[p.ID] = providerWindows(p, safetyBuffer)
	}
	rl.mu.Lock()
	rl.windows = m
	rl.mu.Unlock()
}

func providerWindows(p domain.CapacityProvider, buffer float64) []window {
	var ws []window
	add := func(limit float64, span time.Duration, name string) {
		if limit <= 0 {
			return
		}
		n := int(limit * buffer)
		if n < 1 {
			n = 1
		}
		ws = append(ws, window{limit: n, span: span, name: name})
	}
	add(p.MaxPerSecond, time.Second, "s")
	add(p.MaxPerMinute, time.Minute, "m")
	add(p.MaxPerHour, time.Hour, "h")
	return ws
}

func rateLimitKey(key string) string {
	return "flashsched:ratelimit:" + key
}

// Allow admits one request under key if fewer than limit were admitted in the
// trailing window. Admitted requests are counted.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := rl.script.Run(ctx, rl.rdb,
		[]string{rateLimitKey(key)},
		rl.now().UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected result length %d", key, len(res))
	}
	return res[0] == 1, nil
}

// Acquire blocks until one request against providerID is admitted by every
// window the provider declares.
func (rl *RateLimiter) Acquire(ctx context.Context, providerID string) error {
	rl.mu.RLock()
	ws, ok := rl.windows[providerID]
	rl.mu.RUnlock()
	if !ok {
		return fmt.Errorf("redis: provider %q: %w", providerID, domain.ErrNotFound)
	}

	for _, w := range ws {
		key := "provider:" + providerID + ":" + w.name
		for {
			allowed, err := rl.Allow(ctx, key, w.limit, w.span)
			if err != nil {
				return err
			}
			if allowed {
				break
			}
			timer := time.NewTimer(waitPollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("redis: provider %q: %w", providerID, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return nil
}

var (
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.RequestGate = (*RateLimiter)(nil)
)
