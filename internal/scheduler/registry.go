// Package scheduler distributes a shared, metered request capacity across
// concurrently running strategies and drives their trigger loops.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// Registry is the capacity registry: every upstream provider plus the global
// safety margin applied to their combined ceilings.
type Registry struct {
	Providers    []domain.CapacityProvider
	SafetyBuffer float64
	// BackgroundPerHour is the request allowance reserved for traffic that
	// is not attributed to any strategy.
	BackgroundPerHour float64
	// StaleAfter marks provider data older than this as unusable. Zero
	// disables staleness checks.
	StaleAfter time.Duration
}

// Validate rejects a registry that cannot be scheduled against.
func (r Registry) Validate() error {
	if len(r.Providers) == 0 {
		return fmt.Errorf("capacity registry: no providers configured")
	}
	if r.SafetyBuffer <= 0 || r.SafetyBuffer > 1 {
		return fmt.Errorf("capacity registry: safety buffer %.3f outside (0, 1]", r.SafetyBuffer)
	}
	if r.BackgroundPerHour < 0 {
		return fmt.Errorf("capacity registry: background allowance must be non-negative")
	}
	seen := make(map[string]bool, len(r.Providers))
	for _, p := range r.Providers {
		if p.ID == "" {
			return fmt.Errorf("capacity registry: provider id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("capacity registry: duplicate provider %q", p.ID)
		}
		seen[p.ID] = true
		if p.MaxPerSecond < 0 || p.MaxPerMinute < 0 || p.MaxPerHour < 0 {
			return fmt.Errorf("capacity registry: provider %q has negative ceilings", p.ID)
		}
	}
	return nil
}

// Ordered returns the providers sorted by priority, then id.
func (r Registry) Ordered() []domain.CapacityProvider {
	out := make([]domain.CapacityProvider, len(r.Providers))
	copy(out, r.Providers)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Provider looks a provider up by id.
func (r Registry) Provider(id string) (domain.CapacityProvider, bool) {
	for _, p := range r.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return domain.CapacityProvider{}, false
}

// Capacity is the buffered request capacity per hour at now. Providers are
// added in priority order, each at its binding ceiling; stale providers
// contribute nothing.
func (r Registry) Capacity(now time.Time) float64 {
	var total float64
	for _, p := range r.Ordered() {
		if p.Stale(now, r.StaleAfter) {
			continue
		}
		total += p.PerHour()
	}
	return r.SafetyBuffer * total
}

// Demand is the aggregate request demand per hour of profiles plus the
// background allowance.
func (r Registry) Demand(profiles []domain.StrategyProfile) float64 {
	total := r.BackgroundPerHour
	for _, p := range profiles {
		total += p.RequestsPerHour()
	}
	return total
}
