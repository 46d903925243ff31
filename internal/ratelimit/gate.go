// Package ratelimit enforces each capacity provider's per-second, per-minute
// and per-hour ceilings on the requests this process sends.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// tiers holds one token bucket per declared window.
type tiers []*rate.Limiter

// Gate is an in-process domain.RequestGate. Each provider gets a limiter per
// declared window, scaled by the safety buffer.
type Gate struct {
	mu     sync.RWMutex
	tiers  map[string]tiers
	buffer float64
}

// NewGate builds limiters for every provider.
func NewGate(providers []domain.CapacityProvider, safetyBuffer float64) *Gate {
	g := &Gate{tiers: make(map[string]tiers), buffer: safetyBuffer}
	g.Reset(providers)
	return g
}

// Reset replaces the limiters, e.g. after the ceilings were refreshed.
func (g *Gate) Reset(providers []domain.CapacityProvider) {
	m := make(map[string]tiers, len(providers))
	for _, p := range providers {
		m[p.ID] = buildTiers(p, g.buffer)
	}
	g.mu.Lock()
	g.tiers = m
	g.mu.Unlock()
}

func buildTiers(p domain.CapacityProvider, buffer float64) tiers {
	var ts tiers
	add := func(limit float64, window time.Duration) {
		if limit <= 0 {
			return
		}
		allowed := limit * buffer
		burst := int(allowed)
		if burst < 1 {
			burst = 1
		}
		ts = append(ts, rate.NewLimiter(rate.Limit(allowed/window.Seconds()), burst))
	}
	add(p.MaxPerSecond, time.Second)
	add(p.MaxPerMinute, time.Minute)
	add(p.MaxPerHour, time.Hour)
	return ts
}

// Acquire blocks until one request against providerID fits every window.
// Unknown providers are rejected: traffic is never sent to an endpoint the
// capacity registry does not describe.
func (g *Gate) Acquire(ctx context.Context, providerID string) error {
	g.mu.RLock()
	ts, ok := g.tiers[providerID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ratelimit: provider %q: %w", providerID, domain.ErrNotFound)
	}
	for _, l := range ts {
		if err := l.Wait(ctx); err != nil {
			return fmt.Errorf("ratelimit: provider %q: %w", providerID, err)
		}
	}
	return nil
}
