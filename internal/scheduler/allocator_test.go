package scheduler

import (
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAllocator(mode domain.RankingMode) *Allocator {
	a := NewAllocator(mode, DefaultTunables(), discardLogger())
	a.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return a
}

func hourlyRegistry(perHour, buffer float64) Registry {
	return Registry{
		Providers:    []domain.CapacityProvider{{ID: "rpc-a", MaxPerHour: perHour, Priority: 1}},
		SafetyBuffer: buffer,
	}
}

func profile(id string, interval int64, reqPerTrade, profit, success float64) domain.StrategyProfile {
	return domain.StrategyProfile{
		ID:                id,
		RequestsPerTrade:  reqPerTrade,
		MinIntervalMs:     60000,
		MaxIntervalMs:     900000,
		CurrentIntervalMs: interval,
		SuccessRate:       success,
		ProfitPerTrade:    profit,
		MaxTradesPerDay:   1000,
	}
}

func byID(ps []domain.StrategyProfile) map[string]domain.StrategyProfile {
	m := make(map[string]domain.StrategyProfile, len(ps))
	for _, p := range ps {
		m[p.ID] = p
	}
	return m
}

func TestRecompute_ThrottlesLowestPriorityFirst(t *testing.T) {
	high := profile("high", 300000, 10, 10, 0.9)
	low := profile("low", 350000, 20, 2, 0.5)
	profiles := []domain.StrategyProfile{high, low}

	reg := hourlyRegistry(1, 0.8)
	demand := reg.Demand(profiles)
	reg.Providers[0].MaxPerHour = demand / 1.2 / reg.SafetyBuffer
	require.InDelta(t, 1.2, demand/reg.Capacity(time.Now()), 1e-9)

	res := newTestAllocator(domain.RankProfit).Recompute(reg, profiles)

	assert.Equal(t, ActionShrink, res.Action)
	got := byID(res.Profiles)
	assert.Equal(t, int64(300000), got["high"].CurrentIntervalMs, "higher-priority strategy must be untouched")
	assert.Greater(t, got["low"].CurrentIntervalMs, int64(350000))
	assert.LessOrEqual(t, got["low"].CurrentIntervalMs, low.MaxIntervalMs)
	assert.LessOrEqual(t, res.DemandAfter, res.Capacity)
	assert.Zero(t, res.Residual)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "low", res.Changes[0].StrategyID)

	// Input is not mutated.
	assert.Equal(t, int64(350000), profiles[1].CurrentIntervalMs)
}

func TestRecompute_SuccessModeReordersPriority(t *testing.T) {
	// "rich" earns more per trade but fails often; success mode throttles it first.
	rich := profile("rich", 300000, 20, 50, 0.2)
	steady := profile("steady", 300000, 20, 5, 0.95)
	profiles := []domain.StrategyProfile{rich, steady}

	reg := hourlyRegistry(1, 1)
	reg.Providers[0].MaxPerHour = reg.Demand(profiles) / 1.1

	got := byID(newTestAllocator(domain.RankSuccess).Recompute(reg, profiles).Profiles)
	assert.Greater(t, got["rich"].CurrentIntervalMs, int64(300000))
	assert.Equal(t, int64(300000), got["steady"].CurrentIntervalMs)

	got = byID(newTestAllocator(domain.RankProfit).Recompute(reg, profiles).Profiles)
	assert.Equal(t, int64(300000), got["rich"].CurrentIntervalMs)
	assert.Greater(t, got["steady"].CurrentIntervalMs, int64(300000))
}

func TestRecompute_GrowsTopPriorityWithinThirtyPercent(t *testing.T) {
	top := profile("top", 600000, 10, 10, 0.9)
	other := profile("other", 600000, 10, 1, 0.5)
	profiles := []domain.StrategyProfile{top, other}

	res := newTestAllocator(domain.RankProfit).Recompute(hourlyRegistry(100000, 0.9), profiles)

	assert.Equal(t, ActionGrow, res.Action)
	got := byID(res.Profiles)
	assert.InDelta(t, 420000, float64(got["top"].CurrentIntervalMs), 1, "one cycle may cut at most 30%")
	assert.InDelta(t, 420000, float64(got["other"].CurrentIntervalMs), 1)
	assert.LessOrEqual(t, res.DemandAfter, res.Capacity*0.9)
}

func TestRecompute_GrowStopsAtHeadroom(t *testing.T) {
	top := profile("top", 600000, 5, 10, 0.9)
	other := profile("other", 600000, 5, 1, 0.5)
	profiles := []domain.StrategyProfile{top, other}

	// 60 req/h of demand against 80 req/h: growing stops at 72 req/h.
	res := newTestAllocator(domain.RankProfit).Recompute(hourlyRegistry(80, 1), profiles)

	assert.Equal(t, ActionGrow, res.Action)
	got := byID(res.Profiles)
	assert.Less(t, got["top"].CurrentIntervalMs, int64(600000))
	assert.Equal(t, int64(600000), got["other"].CurrentIntervalMs, "slack consumed before reaching lower priority")
	assert.LessOrEqual(t, res.DemandAfter, 72.0+1e-9)
}

func TestRecompute_GrowSettlesAfterOneCycle(t *testing.T) {
	a := newTestAllocator(domain.RankProfit)
	reg := hourlyRegistry(80, 1)
	profiles := []domain.StrategyProfile{
		profile("top", 600000, 5, 10, 0.9),
		profile("other", 600000, 5, 1, 0.5),
	}

	first := a.Recompute(reg, profiles)
	require.Len(t, first.Changes, 1)
	assert.Equal(t, "top", first.Changes[0].StrategyID)

	// Rounding leftovers from the first cycle must not trickle down.
	second := a.Recompute(reg, first.Profiles)
	assert.Empty(t, second.Changes)
}

func TestMinGrowStepMs(t *testing.T) {
	assert.Equal(t, int64(600), minGrowStepMs(600000))
	assert.Equal(t, int64(1), minGrowStepMs(500))
}

func TestRecompute_HoldsInsideBand(t *testing.T) {
	profiles := []domain.StrategyProfile{profile("a", 360000, 10, 1, 1)}
	// 100 req/h against 115 req/h: above the grow threshold, below capacity.
	res := newTestAllocator(domain.RankProfit).Recompute(hourlyRegistry(115, 1), profiles)
	assert.Equal(t, ActionHold, res.Action)
	assert.Empty(t, res.Changes)
}

func TestRecompute_StaleProviderCountsAsZero(t *testing.T) {
	a := newTestAllocator(domain.RankProfit)
	reg := Registry{
		Providers: []domain.CapacityProvider{
			{ID: "fresh", MaxPerHour: 50, Priority: 1, UpdatedAt: a.now().Add(-time.Minute)},
			{ID: "stale", MaxPerHour: 5000, Priority: 2, UpdatedAt: a.now().Add(-2 * time.Hour)},
		},
		SafetyBuffer: 1,
		StaleAfter:   time.Hour,
	}
	assert.InDelta(t, 50, reg.Capacity(a.now()), 1e-9)

	res := a.Recompute(reg, []domain.StrategyProfile{profile("a", 360000, 10, 1, 1)})
	assert.Equal(t, ActionShrink, res.Action)
}

func TestRecompute_ResidualWhenAllAtMax(t *testing.T) {
	p := profile("a", 900000, 10, 1, 1)
	p.RequestsPerHealthCheck = 100
	p.HealthCheckIntervalMs = 60000

	res := newTestAllocator(domain.RankProfit).Recompute(hourlyRegistry(100, 1), []domain.StrategyProfile{p})
	assert.Greater(t, res.Residual, 0.0)
	assert.ErrorIs(t, res.Err(), domain.ErrCapacityExceeded)
	assert.Equal(t, int64(900000), res.Profiles[0].CurrentIntervalMs)
}

func TestRegistry_BindingTier(t *testing.T) {
	reg := Registry{
		Providers: []domain.CapacityProvider{
			{ID: "a", MaxPerSecond: 10, MaxPerMinute: 100, MaxPerHour: 100000, Priority: 2},
			{ID: "b", MaxPerHour: 1000, Priority: 1},
		},
		SafetyBuffer: 0.5,
	}
	// a binds at 100/min = 6000/h.
	assert.InDelta(t, 0.5*(6000+1000), reg.Capacity(time.Now()), 1e-9)
	assert.Equal(t, "b", reg.Ordered()[0].ID)
}

func randomProfiles(r *rand.Rand, n int) []domain.StrategyProfile {
	ps := make([]domain.StrategyProfile, n)
	for i := range ps {
		minI := int64(10000 + r.Intn(120000))
		maxI := minI * int64(2+r.Intn(20))
		ps[i] = domain.StrategyProfile{
			ID:                     string(rune('a' + i)),
			RequestsPerTrade:       float64(1 + r.Intn(40)),
			RequestsPerHealthCheck: float64(r.Intn(3)),
			HealthCheckIntervalMs:  int64(60000 + r.Intn(600000)),
			MinIntervalMs:          minI,
			MaxIntervalMs:          maxI,
			CurrentIntervalMs:      minI + r.Int63n(maxI-minI+1),
			SuccessRate:            r.Float64(),
			ProfitPerTrade:         r.Float64()*100 - 10,
			MaxTradesPerDay:        24 + r.Intn(2000),
		}
	}
	return ps
}

// floorDemand is the demand with every strategy at its max interval.
func floorDemand(reg Registry, ps []domain.StrategyProfile) float64 {
	total := reg.BackgroundPerHour
	for _, p := range ps {
		total += p.RequestsPerHourAt(p.MaxIntervalMs)
	}
	return total
}

func TestRecompute_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	modes := []domain.RankingMode{domain.RankProfit, domain.RankSuccess, domain.RankBalanced}

	for trial := 0; trial < 300; trial++ {
		ps := randomProfiles(r, 1+r.Intn(6))
		reg := Registry{
			Providers:         []domain.CapacityProvider{{ID: "p", Priority: 1}},
			SafetyBuffer:      0.5 + r.Float64()*0.5,
			BackgroundPerHour: float64(r.Intn(50)),
		}
		// Feasible: everything at max interval fits with room to spare.
		reg.Providers[0].MaxPerHour = floorDemand(reg, ps) * (1.05 + r.Float64()*4) / reg.SafetyBuffer
		a := newTestAllocator(modes[trial%len(modes)])
		now := a.now()

		fitted := false
		for cycle := 0; cycle < 20; cycle++ {
			res := a.Recompute(reg, ps)
			for i, p := range res.Profiles {
				prev := ps[i].CurrentIntervalMs
				require.GreaterOrEqual(t, p.CurrentIntervalMs, p.MinIntervalMs)
				require.LessOrEqual(t, p.CurrentIntervalMs, p.MaxIntervalMs)
				delta := math.Abs(float64(p.CurrentIntervalMs - prev))
				require.LessOrEqual(t, delta, 0.5*float64(prev)+1, "trial %d cycle %d strategy %s", trial, cycle, p.ID)
			}
			capacity := reg.Capacity(now)
			if res.DemandBefore <= capacity {
				require.LessOrEqual(t, res.DemandAfter, capacity+1e-6,
					"trial %d cycle %d: a fitting allocation must keep fitting", trial, cycle)
			}
			if res.DemandAfter <= capacity+1e-6 {
				fitted = true
			} else {
				require.False(t, fitted, "trial %d cycle %d: demand left capacity after fitting", trial, cycle)
			}
			ps = res.Profiles
		}
		assert.True(t, fitted, "trial %d never converged under capacity", trial)
	}
}
