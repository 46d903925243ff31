package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashsched/internal/domain"
	"github.com/alanyoungcy/flashsched/internal/metrics"
)

// TradeCycle runs one scan+execute pass for a strategy.
type TradeCycle interface {
	RunCycle(ctx context.Context, profile domain.StrategyProfile) error
}

// Alerter receives operator-facing alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config controls the periodic allocator task.
type Config struct {
	RecomputeEvery time.Duration
}

// Scheduler runs one trigger loop per strategy plus the periodic allocator
// task over a shared State.
type Scheduler struct {
	state   *State
	alloc   *Allocator
	cycle   TradeCycle
	store   domain.ProfileStore
	alerter Alerter
	cfg     Config
	poke    chan struct{}
	logger  *slog.Logger
}

// New creates a Scheduler. store and alerter may be nil.
func New(state *State, alloc *Allocator, cycle TradeCycle, store domain.ProfileStore, alerter Alerter, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.RecomputeEvery <= 0 {
		cfg.RecomputeEvery = time.Hour
	}
	return &Scheduler{
		state:   state,
		alloc:   alloc,
		cycle:   cycle,
		store:   store,
		alerter: alerter,
		cfg:     cfg,
		poke:    make(chan struct{}, 1),
		logger:  logger.With(slog.String("component", "scheduler")),
	}
}

// State exposes the scheduler's shared state.
func (s *Scheduler) State() *State { return s.state }

// RequestRecompute asks the allocator task to run at its next opportunity.
// It never blocks; repeated requests coalesce.
func (s *Scheduler) RequestRecompute() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Run performs an initial recompute, then blocks running the allocator task
// and every trigger loop until ctx is cancelled or a task fails.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.state.Shutdown()

	if _, err := s.Recompute(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.allocatorLoop(gctx)
	})
	for _, id := range s.state.IDs() {
		g.Go(func() error {
			return s.triggerLoop(gctx, id)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Recompute runs one allocator cycle, publishes metrics, persists the
// updated profiles and alerts on residual overage.
func (s *Scheduler) Recompute(ctx context.Context) (Result, error) {
	res, err := s.state.Cycle(s.alloc)
	if err != nil {
		return Result{}, err
	}

	metrics.AllocatorDemand.Set(res.DemandAfter)
	metrics.AllocatorCapacity.Set(res.Capacity)
	metrics.AllocatorResidual.Set(res.Residual)
	metrics.AllocatorCycles.WithLabelValues(string(res.Action)).Inc()
	for _, p := range res.Profiles {
		metrics.StrategyInterval.WithLabelValues(p.ID).Set(float64(p.CurrentIntervalMs))
	}

	for _, c := range res.Changes {
		s.logger.InfoContext(ctx, "interval adjusted",
			slog.String("strategy", c.StrategyID),
			slog.Int64("from_ms", c.FromMs),
			slog.Int64("to_ms", c.ToMs),
		)
	}
	s.logger.InfoContext(ctx, "recompute complete",
		slog.String("action", string(res.Action)),
		slog.Float64("demand_before", res.DemandBefore),
		slog.Float64("demand_after", res.DemandAfter),
		slog.Float64("capacity", res.Capacity),
		slog.Int("changes", len(res.Changes)),
	)

	if capErr := res.Err(); capErr != nil && s.alerter != nil {
		if err := s.alerter.Notify(ctx, "capacity_exceeded", "Capacity exceeded", capErr.Error()); err != nil {
			s.logger.WarnContext(ctx, "capacity alert failed", slog.String("error", err.Error()))
		}
	}

	if s.store != nil {
		if err := s.store.UpsertBatch(ctx, s.state.Profiles()); err != nil {
			// The in-memory state stays authoritative; the next cycle retries.
			s.logger.ErrorContext(ctx, "persist profiles failed", slog.String("error", err.Error()))
		}
	}
	return res, nil
}

func (s *Scheduler) allocatorLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RecomputeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.poke:
		}
		if _, err := s.Recompute(ctx); err != nil {
			return fmt.Errorf("scheduler: allocator: %w", err)
		}
	}
}

// triggerLoop sleeps for the strategy's current interval, then runs one
// cycle. The interval is re-read on every wake so allocator changes apply
// from the next sleep onward.
func (s *Scheduler) triggerLoop(ctx context.Context, id string) error {
	logger := s.logger.With(slog.String("strategy", id))
	logger.InfoContext(ctx, "trigger loop started")
	for {
		interval, ok := s.state.Interval(id)
		if !ok {
			return fmt.Errorf("scheduler: strategy %q vanished from state", id)
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoContext(ctx, "trigger loop stopped")
			return ctx.Err()
		case <-timer.C:
		}

		profile, _ := s.state.Profile(id)
		if err := s.cycle.RunCycle(ctx, profile); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WarnContext(ctx, "cycle failed", slog.String("error", err.Error()))
		}
	}
}
