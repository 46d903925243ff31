package domain

import (
	"fmt"
	"time"
)

// RankingMode selects how strategies are ordered when the allocator has to
// decide who gets throttled first and who gets sped up first.
type RankingMode string

const (
	RankProfit   RankingMode = "profit"
	RankSuccess  RankingMode = "success"
	RankBalanced RankingMode = "balanced"
)

// Valid reports whether m is a known ranking mode.
func (m RankingMode) Valid() bool {
	switch m {
	case RankProfit, RankSuccess, RankBalanced:
		return true
	}
	return false
}

// StrategyProfile holds the operating parameters of one strategy. Only the
// allocator changes CurrentIntervalMs; execution feedback changes the learned
// fields (SuccessRate, ProfitPerTrade and the counters behind them).
type StrategyProfile struct {
	ID                     string
	RequestsPerTrade       float64
	RequestsPerHealthCheck float64
	HealthCheckIntervalMs  int64
	MinIntervalMs          int64
	MaxIntervalMs          int64
	CurrentIntervalMs      int64
	SuccessRate            float64
	ProfitPerTrade         float64
	MaxTradesPerDay        int

	Attempts         int64
	Successes        int64
	CumulativeProfit float64
	UpdatedAt        time.Time
}

// TradesPerHour is the trade rate implied by the current interval, capped by
// the daily trade limit.
func (p StrategyProfile) TradesPerHour() float64 {
	return p.tradesPerHourAt(p.CurrentIntervalMs)
}

func (p StrategyProfile) tradesPerHourAt(intervalMs int64) float64 {
	if intervalMs <= 0 {
		return 0
	}
	tph := 3600000 / float64(intervalMs)
	if p.MaxTradesPerDay > 0 {
		if capped := float64(p.MaxTradesPerDay) / 24; capped < tph {
			tph = capped
		}
	}
	return tph
}

// ChecksPerHour is the health-check rate.
func (p StrategyProfile) ChecksPerHour() float64 {
	if p.HealthCheckIntervalMs <= 0 {
		return 0
	}
	return 3600000 / float64(p.HealthCheckIntervalMs)
}

// RequestsPerHour is the request demand this strategy places on the shared
// capacity at its current interval.
func (p StrategyProfile) RequestsPerHour() float64 {
	return p.RequestsPerHourAt(p.CurrentIntervalMs)
}

// RequestsPerHourAt is the request demand at a hypothetical interval.
func (p StrategyProfile) RequestsPerHourAt(intervalMs int64) float64 {
	return p.ChecksPerHour()*p.RequestsPerHealthCheck + p.tradesPerHourAt(intervalMs)*p.RequestsPerTrade
}

// RecordOutcome folds one execution result into the learned fields.
func (p *StrategyProfile) RecordOutcome(confirmed bool, profit float64, at time.Time) {
	p.Attempts++
	if confirmed {
		p.Successes++
	}
	p.CumulativeProfit += profit
	p.SuccessRate = float64(p.Successes) / float64(p.Attempts)
	p.ProfitPerTrade = p.CumulativeProfit / float64(p.Attempts)
	p.UpdatedAt = at
}

// Validate checks the structural invariants of a profile.
func (p StrategyProfile) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("strategy profile: id is required")
	case p.MinIntervalMs <= 0:
		return fmt.Errorf("strategy profile %s: min interval must be positive", p.ID)
	case p.MaxIntervalMs < p.MinIntervalMs:
		return fmt.Errorf("strategy profile %s: max interval %d below min interval %d", p.ID, p.MaxIntervalMs, p.MinIntervalMs)
	case p.CurrentIntervalMs < p.MinIntervalMs || p.CurrentIntervalMs > p.MaxIntervalMs:
		return fmt.Errorf("strategy profile %s: current interval %d outside [%d, %d]", p.ID, p.CurrentIntervalMs, p.MinIntervalMs, p.MaxIntervalMs)
	case p.SuccessRate < 0 || p.SuccessRate > 1:
		return fmt.Errorf("strategy profile %s: success rate %.3f outside [0, 1]", p.ID, p.SuccessRate)
	case p.RequestsPerTrade < 0 || p.RequestsPerHealthCheck < 0:
		return fmt.Errorf("strategy profile %s: request costs must be non-negative", p.ID)
	}
	return nil
}
