package scheduler

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// Tunables are the allocator's heuristics. The defaults are inherited tuning
// constants, not derived optima.
type Tunables struct {
	// GrowThreshold is the demand/capacity ratio below which intervals are
	// shortened.
	GrowThreshold float64
	// TargetHeadroom is the fraction of capacity left free when growing.
	TargetHeadroom float64
	// MaxDecrease bounds how far one grow step may shorten an interval.
	MaxDecrease float64
	// MaxChange bounds how far any recompute may move an interval.
	MaxChange float64
	// TopPriorityFloor scales the min interval of the top-ranked strategy;
	// the effective floor is max(min, factor × min).
	TopPriorityFloor float64
	// AlertOvershoot is the demand/capacity ratio above which residual
	// overage is reported as an error rather than a warning.
	AlertOvershoot float64
}

// DefaultTunables returns the stock heuristics.
func DefaultTunables() Tunables {
	return Tunables{
		GrowThreshold:    0.8,
		TargetHeadroom:   0.10,
		MaxDecrease:      0.30,
		MaxChange:        0.50,
		TopPriorityFloor: 0.8,
		AlertOvershoot:   1.2,
	}
}

// Validate checks that every tunable is in a usable range.
func (t Tunables) Validate() error {
	switch {
	case t.GrowThreshold <= 0 || t.GrowThreshold > 1:
		return fmt.Errorf("tunables: grow threshold %.3f outside (0, 1]", t.GrowThreshold)
	case t.TargetHeadroom < 0 || t.TargetHeadroom >= 1:
		return fmt.Errorf("tunables: target headroom %.3f outside [0, 1)", t.TargetHeadroom)
	case t.MaxDecrease <= 0 || t.MaxDecrease >= 1:
		return fmt.Errorf("tunables: max decrease %.3f outside (0, 1)", t.MaxDecrease)
	case t.MaxChange <= 0 || t.MaxChange >= 1:
		return fmt.Errorf("tunables: max change %.3f outside (0, 1)", t.MaxChange)
	case t.TopPriorityFloor <= 0:
		return fmt.Errorf("tunables: top priority floor must be positive")
	case t.AlertOvershoot < 1:
		return fmt.Errorf("tunables: alert overshoot %.3f below 1", t.AlertOvershoot)
	}
	return nil
}

// Action is what a recompute did.
type Action string

const (
	ActionHold   Action = "hold"
	ActionShrink Action = "shrink"
	ActionGrow   Action = "grow"
)

// Change is one interval adjustment.
type Change struct {
	StrategyID string
	FromMs     int64
	ToMs       int64
}

// Result is the outcome of one recompute.
type Result struct {
	Profiles     []domain.StrategyProfile
	Capacity     float64
	DemandBefore float64
	DemandAfter  float64
	Action       Action
	// Residual is demand left above capacity once every strategy has been
	// throttled as far as this cycle allows.
	Residual float64
	Changes  []Change
	At       time.Time
}

// Err returns domain.ErrCapacityExceeded when residual overage remains.
func (r Result) Err() error {
	if r.Residual > 0 {
		return fmt.Errorf("scheduler: %.2f req/h over %.2f req/h capacity: %w", r.Residual, r.Capacity, domain.ErrCapacityExceeded)
	}
	return nil
}

// Allocator redistributes inter-trade intervals so aggregate demand stays
// within the registry's buffered capacity.
type Allocator struct {
	mode   domain.RankingMode
	tun    Tunables
	now    func() time.Time
	logger *slog.Logger
}

// NewAllocator creates an Allocator. An empty mode ranks by profit.
func NewAllocator(mode domain.RankingMode, tun Tunables, logger *slog.Logger) *Allocator {
	if mode == "" {
		mode = domain.RankProfit
	}
	return &Allocator{
		mode:   mode,
		tun:    tun,
		now:    time.Now,
		logger: logger.With(slog.String("component", "allocator")),
	}
}

// Mode returns the configured ranking mode.
func (a *Allocator) Mode() domain.RankingMode { return a.mode }

// Recompute returns updated copies of profiles. Only CurrentIntervalMs is
// changed. The input slice is not modified.
func (a *Allocator) Recompute(reg Registry, profiles []domain.StrategyProfile) Result {
	now := a.now()
	out := make([]domain.StrategyProfile, len(profiles))
	copy(out, profiles)
	prior := make([]int64, len(out))
	for i := range out {
		prior[i] = out[i].CurrentIntervalMs
	}

	res := Result{
		Capacity:     reg.Capacity(now),
		DemandBefore: reg.Demand(out),
		Action:       ActionHold,
		At:           now,
	}
	ranked := a.rank(out)

	switch {
	case res.DemandBefore > res.Capacity:
		res.Action = ActionShrink
		a.shrink(reg, out, ranked, prior, res.Capacity)
	case res.DemandBefore < a.tun.GrowThreshold*res.Capacity:
		res.Action = ActionGrow
		a.grow(reg, out, ranked, prior, res.Capacity)
	}

	res.DemandAfter = reg.Demand(out)
	if res.DemandAfter > res.Capacity {
		res.Residual = res.DemandAfter - res.Capacity
		a.reportResidual(res)
	}
	for i := range out {
		if out[i].CurrentIntervalMs != prior[i] {
			res.Changes = append(res.Changes, Change{
				StrategyID: out[i].ID,
				FromMs:     prior[i],
				ToMs:       out[i].CurrentIntervalMs,
			})
		}
	}
	res.Profiles = out
	return res
}

// shrink lengthens intervals of the lowest-ranked strategies first until
// demand fits. Each strategy's interval grows by the factor needed for its
// trade demand to shed the remaining excess, bounded by its max interval
// and the per-cycle change limit.
func (a *Allocator) shrink(reg Registry, ps []domain.StrategyProfile, ranked []int, prior []int64, capacity float64) {
	for k := len(ranked) - 1; k >= 0; k-- {
		excess := reg.Demand(ps) - capacity
		if excess <= 0 {
			return
		}
		i := ranked[k]
		p := &ps[i]
		tph := p.TradesPerHour()
		if tph <= 0 || p.RequestsPerTrade <= 0 {
			continue
		}

		ceiling := p.MaxIntervalMs
		if guard := int64(math.Floor(float64(prior[i]) * (1 + a.tun.MaxChange))); guard < ceiling {
			ceiling = guard
		}
		if ceiling <= p.CurrentIntervalMs {
			continue
		}

		next := ceiling
		if target := tph - excess/p.RequestsPerTrade; target > 0 {
			if needed := math.Ceil(3600000 / target); needed < float64(next) {
				next = int64(needed)
			}
		}
		if next <= p.CurrentIntervalMs {
			continue
		}
		p.CurrentIntervalMs = next
	}
}

// grow shortens intervals of the highest-ranked strategies first while
// demand stays under capacity less the target headroom. Slack left over from
// rounding an interval up to whole milliseconds is not handed on.
func (a *Allocator) grow(reg Registry, ps []domain.StrategyProfile, ranked []int, prior []int64, capacity float64) {
	target := capacity * (1 - a.tun.TargetHeadroom)
	for k, i := range ranked {
		slack := target - reg.Demand(ps)
		if slack <= target*growSlackTolerance {
			return
		}
		p := &ps[i]
		if p.RequestsPerTrade <= 0 || slack < p.RequestsPerTrade*growSlackTolerance {
			continue
		}

		floor := p.MinIntervalMs
		if k == 0 {
			scaled := int64(math.Ceil(a.tun.TopPriorityFloor * float64(p.MinIntervalMs)))
			if scaled > floor {
				floor = scaled
			}
		}
		step := 1 - math.Min(a.tun.MaxDecrease, a.tun.MaxChange)
		if bound := int64(math.Ceil(float64(prior[i]) * step)); bound > floor {
			floor = bound
		}
		// Below the daily cap's interval extra speed buys no trades.
		if p.MaxTradesPerDay > 0 {
			if capped := int64(math.Ceil(86400000 / float64(p.MaxTradesPerDay))); capped > floor {
				floor = capped
			}
		}
		if floor >= p.CurrentIntervalMs {
			continue
		}

		targetTPH := p.TradesPerHour() + slack/p.RequestsPerTrade
		next := int64(math.Ceil(3600000 / targetTPH))
		if next < floor {
			next = floor
		}
		if p.CurrentIntervalMs-next < minGrowStepMs(p.CurrentIntervalMs) {
			continue
		}
		p.CurrentIntervalMs = next
	}
}

// growSlackTolerance is the fraction of the target below which remaining
// slack counts as spent.
const growSlackTolerance = 1e-6

// minGrowStepMs is the smallest shortening worth applying: 0.1% of the
// interval, never under a millisecond.
func minGrowStepMs(interval int64) int64 {
	if step := interval / 1000; step > 1 {
		return step
	}
	return 1
}

func (a *Allocator) reportResidual(res Result) {
	attrs := []any{
		slog.Float64("demand", res.DemandAfter),
		slog.Float64("capacity", res.Capacity),
		slog.Float64("residual", res.Residual),
	}
	if res.Capacity <= 0 || res.DemandAfter > a.tun.AlertOvershoot*res.Capacity {
		a.logger.Error("demand exceeds capacity after throttling", attrs...)
		return
	}
	a.logger.Warn("residual overage accepted for this cycle", attrs...)
}

// rank returns profile indexes ordered from highest to lowest priority.
func (a *Allocator) rank(ps []domain.StrategyProfile) []int {
	var maxExpected float64
	for _, p := range ps {
		if v := math.Abs(p.ProfitPerTrade * p.SuccessRate); v > maxExpected {
			maxExpected = v
		}
	}
	score := func(p domain.StrategyProfile) (float64, float64) {
		expected := p.ProfitPerTrade * p.SuccessRate
		switch a.mode {
		case domain.RankSuccess:
			return p.SuccessRate, expected
		case domain.RankBalanced:
			norm := 0.0
			if maxExpected > 0 {
				norm = expected / maxExpected
			}
			return 0.5*norm + 0.5*p.SuccessRate, expected
		default:
			return expected, p.SuccessRate
		}
	}

	idx := make([]int, len(ps))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(x, y int) bool {
		px, py := ps[idx[x]], ps[idx[y]]
		sx, tx := score(px)
		sy, ty := score(py)
		if sx != sy {
			return sx > sy
		}
		if tx != ty {
			return tx > ty
		}
		return px.ID < py.ID
	})
	return idx
}
