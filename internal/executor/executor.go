// Package executor runs one atomic borrow→swap→repay attempt at a time per
// strategy, guarding the reserved balance floor and recording every attempt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/flashsched/internal/domain"
	"github.com/alanyoungcy/flashsched/internal/metrics"
)

// Alerter receives operator-facing alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds executor settings.
type Config struct {
	// Account is the operator account whose balance is guarded.
	Account            string
	ReservedFloor      float64
	FixedExecutionCost float64
	MaxSlippageBps     int
	// NetworkFeeEstimate is the expected submission fee in the settlement
	// asset, used for the worst-case floor check.
	NetworkFeeEstimate float64
	// PollInterval paces status polls inside the execution time budget.
	PollInterval time.Duration
	// DefaultBudget applies when the protocol declares no budget.
	DefaultBudget time.Duration
	// RetryDelay and MaxRetries come from the ledger provider and govern
	// the post-timeout backoff polls.
	RetryDelay time.Duration
	MaxRetries int
	// IOTimeout bounds every single network call.
	IOTimeout time.Duration
}

// DefaultConfig returns stock executor settings.
func DefaultConfig() Config {
	return Config{
		MaxSlippageBps: 50,
		PollInterval:   500 * time.Millisecond,
		DefaultBudget:  60 * time.Second,
		RetryDelay:     time.Second,
		MaxRetries:     3,
		IOTimeout:      10 * time.Second,
	}
}

// Executor drives the attempt state machine
// Idle → Quoted → Built → Signed → Submitted → {Confirmed, Failed, TimedOut}.
type Executor struct {
	quotes    domain.QuoteSource
	signer    domain.BundleSigner
	ledger    domain.Ledger
	balances  domain.BalanceSource
	records   domain.ExecutionStore
	locks     *StrategyLocks
	reserve   *ReserveGuard
	submitted *Dedup
	alerter   Alerter
	cfg       Config
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps are the executor's collaborators. Locks and Alerter are optional.
type Deps struct {
	Quotes   domain.QuoteSource
	Signer   domain.BundleSigner
	Ledger   domain.Ledger
	Balances domain.BalanceSource
	Records  domain.ExecutionStore
	Locks    *StrategyLocks
	Alerter  Alerter
}

// New creates an Executor.
func New(deps Deps, cfg Config, logger *slog.Logger) *Executor {
	locks := deps.Locks
	if locks == nil {
		locks = NewStrategyLocks(nil)
	}
	return &Executor{
		quotes:    deps.Quotes,
		signer:    deps.Signer,
		ledger:    deps.Ledger,
		balances:  deps.Balances,
		records:   deps.Records,
		locks:     locks,
		reserve:   NewReserveGuard(cfg.ReservedFloor),
		submitted: NewDedup(24 * time.Hour),
		alerter:   deps.Alerter,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "executor")),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Reserve exposes the shared reserve guard.
func (e *Executor) Reserve() *ReserveGuard { return e.reserve }

// attempt is the mutable per-attempt context.
type attempt struct {
	id            string
	strategyID    string
	opp           domain.ArbitrageOpportunity
	state         domain.ExecState
	reason        domain.FailureReason
	expected      float64
	balanceBefore float64
	haveBefore    bool
	confirmID     string
	feePaid       float64
	started       time.Time
}

// Execute runs one attempt for strategyID. Every attempt that starts ends in
// exactly one appended ExecutionRecord, successful or not. The only errors
// returned are domain.ErrExecutionInFlight when the strategy already has an
// attempt running, and a failure to persist the record.
func (e *Executor) Execute(ctx context.Context, strategyID string, opp domain.ArbitrageOpportunity) (domain.ExecutionRecord, error) {
	budget := opp.Protocol.ExecutionTimeBudget
	if budget <= 0 {
		budget = e.cfg.DefaultBudget
	}
	unlock, err := e.locks.Acquire(ctx, strategyID, e.lockTTL(budget))
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	defer unlock()

	a := &attempt{
		id:         uuid.New().String(),
		strategyID: strategyID,
		opp:        opp,
		state:      domain.StateIdle,
		expected:   opp.ExpectedNetProfit,
		started:    e.now(),
	}
	logger := e.logger.With(
		slog.String("attempt_id", a.id),
		slog.String("strategy", strategyID),
		slog.String("pair", opp.Pair.Name()),
		slog.String("protocol", opp.Protocol.ID),
	)

	e.run(ctx, a, budget, logger)

	// Re-read the balance before the lock is released, whatever happened.
	rec := e.record(a, e.settleBalance(ctx, logger))
	e.observe(rec)

	attrs := []any{
		slog.String("state", string(rec.FinalState)),
		slog.String("reason", string(rec.Reason)),
		slog.Float64("actual_profit", rec.ActualProfit),
	}
	if after, ok := rec.ReserveAfter(); ok {
		attrs = append(attrs, slog.Float64("reserve_after", after))
	}
	logger.InfoContext(ctx, "execution attempt finished", attrs...)

	if e.records != nil {
		storeCtx, cancel := e.ioContext(context.WithoutCancel(ctx))
		defer cancel()
		if err := e.records.Append(storeCtx, rec); err != nil {
			return rec, fmt.Errorf("executor: append record %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func (e *Executor) run(ctx context.Context, a *attempt, budget time.Duration, logger *slog.Logger) {
	// Idle → Quoted
	legs, err := e.quoteLegs(ctx, a.opp)
	if err != nil {
		e.fail(ctx, a, domain.ReasonQuoteUnavailable, err, logger)
		return
	}
	a.state = domain.StateQuoted
	a.expected = legs[1].OutputAmount - a.opp.LoanAmount - a.opp.LoanAmount*a.opp.Protocol.FeeRate - e.cfg.FixedExecutionCost

	// Quoted → Built, floor checked before anything touches the network.
	bundle := domain.Bundle{
		AttemptID:   a.id,
		StrategyID:  a.strategyID,
		Opportunity: a.opp,
		Legs:        legs,
		NetworkFee:  e.cfg.NetworkFeeEstimate,
	}
	balance, err := e.readBalance(ctx)
	if err != nil {
		e.fail(ctx, a, domain.ReasonReserveFloorViolation, fmt.Errorf("balance unavailable: %w", err), logger)
		return
	}
	a.balanceBefore, a.haveBefore = balance, true
	worst := WorstCaseCost(a.opp, bundle.NetworkFee, e.cfg.FixedExecutionCost, e.cfg.MaxSlippageBps)
	if projected, err := e.reserve.Check(balance, worst); err != nil {
		logger.WarnContext(ctx, "reserve floor would be breached",
			slog.Float64("balance", balance),
			slog.Float64("worst_case_cost", worst),
			slog.Float64("projected", projected),
			slog.Float64("floor", e.reserve.Floor()),
		)
		e.fail(ctx, a, domain.ReasonReserveFloorViolation, err, logger)
		return
	}
	a.state = domain.StateBuilt

	if ctx.Err() != nil {
		e.fail(ctx, a, domain.ReasonCancelled, ctx.Err(), logger)
		return
	}

	// Built → Signed
	signCtx, cancel := e.ioContext(ctx)
	signed, err := e.signer.Sign(signCtx, bundle)
	cancel()
	if err != nil {
		e.fail(ctx, a, domain.ReasonSigningFailed, err, logger)
		return
	}
	a.state = domain.StateSigned

	// Signed → Submitted: a signed transaction is broadcast at most once.
	if !e.submitted.MarkSubmitted(signed.Hash, e.now()) {
		e.fail(ctx, a, domain.ReasonSubmissionFailed, fmt.Errorf("transaction %s already broadcast", signed.Hash), logger)
		return
	}
	submitCtx, cancel := e.ioContext(ctx)
	confirmID, err := e.ledger.Submit(submitCtx, signed)
	cancel()
	if err != nil {
		e.fail(ctx, a, domain.ReasonSubmissionFailed, err, logger)
		return
	}
	a.state = domain.StateSubmitted
	a.confirmID = confirmID
	logger.InfoContext(ctx, "bundle submitted",
		slog.String("confirmation_id", confirmID),
		slog.Float64("expected_profit", a.expected),
	)

	// Submitted → Confirmed | Failed | TimedOut → Failed
	submittedAt := e.now()
	out := e.awaitConfirmation(ctx, confirmID, budget)
	metrics.ConfirmationLatency.Observe(e.now().Sub(submittedAt).Seconds())
	a.state = out.state
	a.feePaid = out.status.FeePaid
	if out.state == domain.StateConfirmed {
		if a.opp.HasLoan() {
			a.feePaid += a.opp.LoanAmount * a.opp.Protocol.FeeRate
		}
		return
	}
	detail := out.status.Error
	if detail == "" {
		detail = fmt.Sprintf("unresolved after %d polls", out.polls)
	}
	cause := errors.New(detail)
	if out.reason == domain.ReasonConfirmationTimeout {
		cause = fmt.Errorf("%s: %w", detail, domain.ErrConfirmationTimeout)
	}
	e.fail(ctx, a, out.reason, cause, logger)
}

func (e *Executor) quoteLegs(ctx context.Context, opp domain.ArbitrageOpportunity) ([]domain.Quote, error) {
	qctx, cancel := e.ioContext(ctx)
	defer cancel()
	buy, err := e.quotes.Quote(qctx, domain.QuoteRequest{
		InputAsset:     opp.Pair.Quote,
		OutputAsset:    opp.Pair.Base,
		Amount:         opp.LoanAmount,
		MaxSlippageBps: e.cfg.MaxSlippageBps,
		Venue:          opp.SourceVenue,
		WithCall:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("buy leg: %w: %w", domain.ErrQuoteUnavailable, err)
	}
	sell, err := e.quotes.Quote(qctx, domain.QuoteRequest{
		InputAsset:     opp.Pair.Base,
		OutputAsset:    opp.Pair.Quote,
		Amount:         buy.OutputAmount,
		MaxSlippageBps: e.cfg.MaxSlippageBps,
		Venue:          opp.TargetVenue,
		WithCall:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("sell leg: %w: %w", domain.ErrQuoteUnavailable, err)
	}
	return []domain.Quote{buy, sell}, nil
}

func (e *Executor) fail(ctx context.Context, a *attempt, reason domain.FailureReason, err error, logger *slog.Logger) {
	logger.WarnContext(ctx, "execution attempt failed",
		slog.String("from_state", string(a.state)),
		slog.String("reason", string(reason)),
		slog.String("error", err.Error()),
	)
	a.state = domain.StateFailed
	a.reason = reason
}

func (e *Executor) readBalance(ctx context.Context) (float64, error) {
	bctx, cancel := e.ioContext(ctx)
	defer cancel()
	return e.balances.SpendableBalance(bctx, e.cfg.Account)
}

// settleBalance re-reads the balance after the attempt. Cancellation of ctx
// does not skip the read. It returns nil when no fresh reading was possible:
// an earlier reading says nothing about what the attempt left behind.
func (e *Executor) settleBalance(ctx context.Context, logger *slog.Logger) *float64 {
	after, err := e.readBalance(context.WithoutCancel(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "post-attempt balance read failed", slog.String("error", err.Error()))
		return nil
	}
	return &after
}

func (e *Executor) record(a *attempt, after *float64) domain.ExecutionRecord {
	rec := domain.ExecutionRecord{
		ID:                  a.id,
		StrategyID:          a.strategyID,
		LoanAmount:          a.opp.LoanAmount,
		Protocol:            a.opp.Protocol.ID,
		Path:                a.opp.Path(),
		ExpectedProfit:      a.expected,
		ConfirmationID:      a.confirmID,
		TimestampMs:         e.now().UnixMilli(),
		FeePaid:             a.feePaid,
		ReserveBalanceAfter: after,
		Reason:              a.reason,
		FinalState:          a.state,
	}
	delta := 0.0
	if a.haveBefore && after != nil {
		delta = *after - a.balanceBefore
	}
	if a.state == domain.StateConfirmed {
		rec.Status = domain.ExecConfirmed
		rec.ActualProfit = delta
	} else {
		rec.Status = domain.ExecFailed
		rec.ActualProfit = min(delta, 0)
	}
	return rec
}

// observe feeds the settled balance to the reserve guard and metrics.
func (e *Executor) observe(rec domain.ExecutionRecord) {
	metrics.Executions.WithLabelValues(rec.StrategyID, string(rec.Status), string(rec.Reason)).Inc()
	if rec.ActualProfit > 0 {
		metrics.ExecutionProfit.WithLabelValues(rec.StrategyID).Add(rec.ActualProfit)
	}

	if rec.Reason == domain.ReasonConfirmationTimeout {
		e.alert("confirmation_timeout", "Confirmation timed out",
			fmt.Sprintf("attempt %s for %s unresolved after backoff; tx %s not resubmitted", rec.ID, rec.StrategyID, rec.ConfirmationID))
	}

	balance, ok := rec.ReserveAfter()
	if !ok {
		return
	}
	metrics.ReserveBalance.Set(balance)
	if !e.reserve.Observe(balance) {
		return
	}
	e.logger.Error("reserve floor breached", slog.String("attempt_id", rec.ID), slog.Float64("balance", balance))
	e.alert("reserve_breach", "Reserve floor breached",
		fmt.Sprintf("balance %.6f observed below floor %.6f after attempt %s; executor halted",
			balance, e.reserve.Floor(), rec.ID))
}

func (e *Executor) alert(event, title, msg string) {
	if e.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.IOTimeout)
	defer cancel()
	if err := e.alerter.Notify(ctx, event, title, msg); err != nil {
		e.logger.Warn("alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (e *Executor) lockTTL(budget time.Duration) time.Duration {
	ttl := budget + 2*e.cfg.IOTimeout
	delay := e.cfg.RetryDelay
	for i := 0; i < e.cfg.MaxRetries; i++ {
		ttl += delay
		delay *= 2
	}
	return ttl + time.Minute
}

func (e *Executor) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.IOTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.IOTimeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
