package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashsched/internal/arbitrage"
	"github.com/alanyoungcy/flashsched/internal/domain"
	"github.com/alanyoungcy/flashsched/internal/executor"
	"github.com/alanyoungcy/flashsched/internal/metrics"
	"github.com/alanyoungcy/flashsched/internal/pipeline"
	"github.com/alanyoungcy/flashsched/internal/scheduler"
	"github.com/alanyoungcy/flashsched/internal/server"
	"github.com/alanyoungcy/flashsched/internal/server/handler"
	"github.com/alanyoungcy/flashsched/internal/service"
)

// RunMode starts the scheduler with live execution, the archive cron and the
// operator API.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	sched, state, err := a.buildScheduler(ctx, deps, false)
	if err != nil {
		return fmt.Errorf("run mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})

	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger).
			WithAlerter(deps.Notifier)
		g.Go(func() error {
			return archiver.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, sched, state)
	}

	return ignoreCanceled(g.Wait())
}

// ScanMode runs every strategy's trigger loop without ever submitting:
// opportunities are logged, the allocator still paces the scans.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode (dry run)")

	sched, state, err := a.buildScheduler(ctx, deps, true)
	if err != nil {
		return fmt.Errorf("scan mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, sched, state)
	}
	return ignoreCanceled(g.Wait())
}

// AllocateMode runs one recompute over the persisted profiles, persists the
// result and prints it.
func (a *App) AllocateMode(ctx context.Context, deps *Dependencies) error {
	state, alloc, err := a.buildState(ctx, deps)
	if err != nil {
		return fmt.Errorf("allocate mode: %w", err)
	}
	sched := scheduler.New(state, alloc, nil, deps.Profiles, deps.Notifier, scheduler.Config{}, a.logger)

	res, err := sched.Recompute(ctx)
	if err != nil {
		return fmt.Errorf("allocate mode: %w", err)
	}
	if err := deps.Profiles.UpsertBatch(ctx, res.Profiles); err != nil {
		return fmt.Errorf("allocate mode: persist profiles: %w", err)
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(allocationReport(res))
}

func (a *App) buildState(ctx context.Context, deps *Dependencies) (*scheduler.State, *scheduler.Allocator, error) {
	reg := scheduler.Registry{
		Providers:         a.cfg.CapacityProviders(),
		SafetyBuffer:      a.cfg.Capacity.SafetyBuffer,
		BackgroundPerHour: a.cfg.Capacity.BackgroundPerHour,
		StaleAfter:        a.cfg.Capacity.StaleAfter.Duration,
	}
	profiles, err := loadProfiles(ctx, a.cfg, deps.Profiles)
	if err != nil {
		return nil, nil, err
	}
	state, err := scheduler.NewState(reg, profiles)
	if err != nil {
		return nil, nil, err
	}

	tun := scheduler.Tunables{
		GrowThreshold:    a.cfg.Scheduler.GrowThreshold,
		TargetHeadroom:   a.cfg.Scheduler.TargetHeadroom,
		MaxDecrease:      a.cfg.Scheduler.MaxDecrease,
		MaxChange:        a.cfg.Scheduler.MaxChange,
		TopPriorityFloor: a.cfg.Scheduler.TopPriorityFloor,
		AlertOvershoot:   a.cfg.Scheduler.AlertOvershoot,
	}
	if err := tun.Validate(); err != nil {
		return nil, nil, err
	}
	alloc := scheduler.NewAllocator(domain.RankingMode(a.cfg.Scheduler.RankingMode), tun, a.logger)
	return state, alloc, nil
}

// buildScheduler assembles scanner, executor and trade service over a fresh
// scheduler state. dryRun skips the executor entirely.
func (a *App) buildScheduler(ctx context.Context, deps *Dependencies, dryRun bool) (*scheduler.Scheduler, *scheduler.State, error) {
	state, alloc, err := a.buildState(ctx, deps)
	if err != nil {
		return nil, nil, err
	}

	ex := a.cfg.Executor
	scanner := arbitrage.NewScanner(deps.Quotes, arbitrage.ScanConfig{
		LoanFraction:       ex.LoanFraction,
		MinNetProfit:       ex.MinNetProfit,
		FixedExecutionCost: ex.FixedExecutionCost,
		MaxSlippageBps:     ex.MaxSlippageBps,
		OwnCapital:         ex.OwnCapital,
		Concurrency:        ex.ScanConcurrency,
		QuoteTimeout:       ex.QuoteTimeout.Duration,
	}, a.logger)

	var attempts service.AttemptExecutor
	if !dryRun {
		attempts = a.buildExecutor(deps)
	}

	trades := service.NewTradeService(
		scanner,
		attempts,
		state,
		deps.Profiles,
		deps.Bus,
		deps.Audit,
		buildRoutes(a.cfg),
		service.TradeConfig{
			DryRun:             dryRun,
			FixedExecutionCost: ex.FixedExecutionCost,
			MinNetProfit:       ex.MinNetProfit,
		},
		a.logger,
	)

	sched := scheduler.New(state, alloc, trades, deps.Profiles, deps.Notifier, scheduler.Config{
		RecomputeEvery: a.cfg.Scheduler.RecomputeInterval.Duration,
	}, a.logger)
	return sched, state, nil
}

func (a *App) buildExecutor(deps *Dependencies) *executor.Executor {
	ex := a.cfg.Executor
	cfg := executor.DefaultConfig()
	cfg.Account = deps.Key.Address().Hex()
	cfg.ReservedFloor = ex.ReservedFloor
	cfg.FixedExecutionCost = ex.FixedExecutionCost
	cfg.MaxSlippageBps = ex.MaxSlippageBps
	cfg.NetworkFeeEstimate = ex.NetworkFeeEstimate
	cfg.PollInterval = ex.PollInterval.Duration
	if ex.DefaultBudget.Duration > 0 {
		cfg.DefaultBudget = ex.DefaultBudget.Duration
	}
	if ex.IOTimeout.Duration > 0 {
		cfg.IOTimeout = ex.IOTimeout.Duration
	}
	if p, ok := ledgerProvider(a.cfg); ok {
		if p.RetryDelay > 0 {
			cfg.RetryDelay = p.RetryDelay
		}
		if p.MaxRetries > 0 {
			cfg.MaxRetries = p.MaxRetries
		}
	}

	return executor.New(executor.Deps{
		Quotes:   deps.Quotes,
		Signer:   deps.Signer,
		Ledger:   deps.Ledger,
		Balances: deps.Balances,
		Records:  deps.Executions,
		Locks:    executor.NewStrategyLocks(deps.Locks),
		Alerter:  deps.Notifier,
	}, cfg, a.logger)
}

// startHTTPServer adds the operator API to g and shuts it down gracefully
// once ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, sched *scheduler.Scheduler, state *scheduler.State) {
	checks := map[string]handler.Checker{
		"postgres": deps.Postgres.Ping,
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}
	if deps.S3 != nil {
		checks["s3"] = deps.S3.Health
	}

	executions := handler.NewExecutionHandler(deps.Executions, a.logger)
	if deps.Bus != nil {
		executions = executions.WithEventStream(deps.Bus, service.ExecutionStream)
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(checks, a.logger),
		Profiles:   handler.NewProfileHandler(state),
		Executions: executions,
		Scheduler:  handler.NewSchedulerHandler(sched, a.cfg.Mode, a.logger),
	}
	if a.cfg.Metrics.Enabled {
		handlers.Metrics = metrics.Handler(nil)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimitPerMinute,
	}, handlers, deps.Limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

type allocationChange struct {
	Strategy string `json:"strategy"`
	FromMs   int64  `json:"from_ms"`
	ToMs     int64  `json:"to_ms"`
}

type allocationProfile struct {
	Strategy      string  `json:"strategy"`
	IntervalMs    int64   `json:"interval_ms"`
	DemandPerHour float64 `json:"demand_per_hour"`
}

type allocation struct {
	Action       string              `json:"action"`
	Capacity     float64             `json:"capacity_per_hour"`
	DemandBefore float64             `json:"demand_before_per_hour"`
	DemandAfter  float64             `json:"demand_after_per_hour"`
	Residual     float64             `json:"residual_per_hour"`
	Changes      []allocationChange  `json:"changes"`
	Profiles     []allocationProfile `json:"profiles"`
}

func allocationReport(res scheduler.Result) allocation {
	out := allocation{
		Action:       string(res.Action),
		Capacity:     res.Capacity,
		DemandBefore: res.DemandBefore,
		DemandAfter:  res.DemandAfter,
		Residual:     res.Residual,
		Changes:      make([]allocationChange, 0, len(res.Changes)),
		Profiles:     make([]allocationProfile, 0, len(res.Profiles)),
	}
	for _, c := range res.Changes {
		out.Changes = append(out.Changes, allocationChange{Strategy: c.StrategyID, FromMs: c.FromMs, ToMs: c.ToMs})
	}
	for _, p := range res.Profiles {
		out.Profiles = append(out.Profiles, allocationProfile{
			Strategy:      p.ID,
			IntervalMs:    p.CurrentIntervalMs,
			DemandPerHour: p.RequestsPerHour(),
		})
	}
	return out
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
