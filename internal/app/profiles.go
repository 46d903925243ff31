package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/flashsched/internal/config"
	"github.com/alanyoungcy/flashsched/internal/domain"
	"github.com/alanyoungcy/flashsched/internal/service"
)

// loadProfiles seeds one profile per configured strategy and overlays what
// was persisted: the learned fields and the last interval survive restarts,
// while the configured bounds and request costs always win.
func loadProfiles(ctx context.Context, cfg *config.Config, store domain.ProfileStore) ([]domain.StrategyProfile, error) {
	out := make([]domain.StrategyProfile, 0, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		seed := s.Profile()
		saved, err := store.Get(ctx, seed.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			out = append(out, seed)
		case err != nil:
			return nil, fmt.Errorf("app: load profile %s: %w", seed.ID, err)
		default:
			out = append(out, mergeProfile(seed, saved))
		}
	}
	return out, nil
}

func mergeProfile(seed, saved domain.StrategyProfile) domain.StrategyProfile {
	p := seed
	p.Attempts = saved.Attempts
	p.Successes = saved.Successes
	p.CumulativeProfit = saved.CumulativeProfit
	p.SuccessRate = saved.SuccessRate
	p.ProfitPerTrade = saved.ProfitPerTrade
	p.UpdatedAt = saved.UpdatedAt
	if saved.CurrentIntervalMs > 0 {
		p.CurrentIntervalMs = min(max(saved.CurrentIntervalMs, p.MinIntervalMs), p.MaxIntervalMs)
	}
	return p
}

// buildRoutes resolves every strategy's scan universe.
func buildRoutes(cfg *config.Config) map[string]service.Route {
	protocols := cfg.LendingProtocols()
	routes := make(map[string]service.Route, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		r := service.Route{Pairs: cfg.Pairs(s)}
		for _, id := range s.Protocols {
			if p, ok := protocols[id]; ok {
				r.Protocols = append(r.Protocols, p)
			}
		}
		routes[s.ID] = r
	}
	return routes
}
