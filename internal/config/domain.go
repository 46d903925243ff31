package config

import "github.com/alanyoungcy/flashsched/internal/domain"

// CapacityProviders converts the registry entries.
func (c *Config) CapacityProviders() []domain.CapacityProvider {
	out := make([]domain.CapacityProvider, 0, len(c.Capacity.Providers))
	for _, p := range c.Capacity.Providers {
		out = append(out, domain.CapacityProvider{
			ID:           p.ID,
			MaxPerSecond: p.MaxPerSecond,
			MaxPerMinute: p.MaxPerMinute,
			MaxPerHour:   p.MaxPerHour,
			Priority:     p.Priority,
			RetryDelay:   p.RetryDelay.Duration,
			MaxRetries:   p.MaxRetries,
		})
	}
	return out
}

// Provider returns the registry entry with the given id.
func (c *Config) Provider(id string) (domain.CapacityProvider, bool) {
	for _, p := range c.CapacityProviders() {
		if p.ID == id {
			return p, true
		}
	}
	return domain.CapacityProvider{}, false
}

// Profile seeds a strategy profile. Without an initial interval the strategy
// starts at its slowest rate and the allocator speeds it up.
func (s StrategyConfig) Profile() domain.StrategyProfile {
	current := s.InitialIntervalMs
	if current == 0 {
		current = s.MaxIntervalMs
	}
	return domain.StrategyProfile{
		ID:                     s.ID,
		RequestsPerTrade:       s.RequestsPerTrade,
		RequestsPerHealthCheck: s.RequestsPerHealthCheck,
		HealthCheckIntervalMs:  s.HealthCheckIntervalMs,
		MinIntervalMs:          s.MinIntervalMs,
		MaxIntervalMs:          s.MaxIntervalMs,
		CurrentIntervalMs:      current,
		MaxTradesPerDay:        s.MaxTradesPerDay,
	}
}

// Asset returns the configured asset with the given symbol.
func (c *Config) Asset(symbol string) (domain.Asset, bool) {
	for _, a := range c.Assets {
		if a.Symbol == symbol {
			return domain.Asset{Symbol: a.Symbol, Address: a.Address, Decimals: a.Decimals}, true
		}
	}
	return domain.Asset{}, false
}

// LendingProtocols converts the protocol entries, keyed by id.
func (c *Config) LendingProtocols() map[string]domain.LendingProtocol {
	out := make(map[string]domain.LendingProtocol, len(c.Protocols))
	for _, p := range c.Protocols {
		out[p.ID] = domain.LendingProtocol{
			ID:                  p.ID,
			MaxLoanAmount:       p.MaxLoanAmount,
			FeeRate:             p.FeeRate,
			ExecutionTimeBudget: p.ExecutionTimeBudget.Duration,
			Lender:              p.Lender,
		}
	}
	return out
}

// Pairs resolves a strategy's pairs against the asset table. Unknown symbols
// are skipped; Validate reports them.
func (c *Config) Pairs(s StrategyConfig) []domain.AssetPair {
	out := make([]domain.AssetPair, 0, len(s.Pairs))
	for _, p := range s.Pairs {
		base, okB := c.Asset(p.Base)
		quote, okQ := c.Asset(p.Quote)
		if !okB || !okQ {
			continue
		}
		out = append(out, domain.AssetPair{
			Base:        base,
			Quote:       quote,
			SourceVenue: p.SourceVenue,
			TargetVenue: p.TargetVenue,
		})
	}
	return out
}
