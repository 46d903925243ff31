package domain

import "time"

// CapacityProvider describes one upstream endpoint and its request ceilings.
// Lower Priority values are preferred.
type CapacityProvider struct {
	ID           string
	MaxPerSecond float64
	MaxPerMinute float64
	MaxPerHour   float64
	Priority     int
	RetryDelay   time.Duration
	MaxRetries   int
	// UpdatedAt is when the ceilings were last confirmed. A zero value means
	// the ceilings are static configuration and never go stale.
	UpdatedAt time.Time
}

// PerHour returns the provider's binding hourly ceiling: the smallest of the
// three windows once each is scaled to an hour. Unset (zero) windows are
// ignored; a provider with no windows at all has zero capacity.
func (p CapacityProvider) PerHour() float64 {
	best := -1.0
	consider := func(v float64) {
		if v <= 0 {
			return
		}
		if best < 0 || v < best {
			best = v
		}
	}
	consider(p.MaxPerSecond * 3600)
	consider(p.MaxPerMinute * 60)
	consider(p.MaxPerHour)
	if best < 0 {
		return 0
	}
	return best
}

// Stale reports whether the provider's data is older than maxAge at now.
func (p CapacityProvider) Stale(now time.Time, maxAge time.Duration) bool {
	if p.UpdatedAt.IsZero() || maxAge <= 0 {
		return false
	}
	return now.Sub(p.UpdatedAt) > maxAge
}
