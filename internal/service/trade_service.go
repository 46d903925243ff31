// Package service glues the scanner, protocol selector and executor into
// one trade cycle per strategy wake, and feeds the outcome back into the
// strategy's learned profile.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/flashsched/internal/arbitrage"
	"github.com/alanyoungcy/flashsched/internal/domain"
	"github.com/alanyoungcy/flashsched/internal/metrics"
)

// Execution events go out live on ExecutionChannel and are kept, capped,
// on ExecutionStream for replay.
const (
	ExecutionChannel = "flashsched:executions"
	ExecutionStream  = "flashsched:executions:log"
)

// OpportunityScanner produces ranked opportunities.
type OpportunityScanner interface {
	Scan(ctx context.Context, pairs []domain.AssetPair, protocols []domain.LendingProtocol) []domain.ArbitrageOpportunity
}

// AttemptExecutor runs one atomic attempt.
type AttemptExecutor interface {
	Execute(ctx context.Context, strategyID string, opp domain.ArbitrageOpportunity) (domain.ExecutionRecord, error)
}

// OutcomeLearner folds an execution record into the strategy profile.
type OutcomeLearner interface {
	RecordOutcome(rec domain.ExecutionRecord) (domain.StrategyProfile, error)
}

// Route is the universe a strategy scans: its pairs and the lending
// protocols it may borrow from.
type Route struct {
	Pairs     []domain.AssetPair
	Protocols []domain.LendingProtocol
}

// TradeConfig controls the trade cycle.
type TradeConfig struct {
	// DryRun scans and selects but never executes.
	DryRun             bool
	FixedExecutionCost float64
	MinNetProfit       float64
}

// TradeService runs scan → select → execute → record for one strategy.
type TradeService struct {
	scanner  OpportunityScanner
	exec     AttemptExecutor
	learner  OutcomeLearner
	profiles domain.ProfileStore
	bus      domain.SignalBus
	audit    domain.AuditStore
	routes   map[string]Route
	cfg      TradeConfig
	logger   *slog.Logger
}

// NewTradeService creates a TradeService. profiles, bus and audit may be nil.
func NewTradeService(
	scanner OpportunityScanner,
	exec AttemptExecutor,
	learner OutcomeLearner,
	profiles domain.ProfileStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	routes map[string]Route,
	cfg TradeConfig,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		scanner:  scanner,
		exec:     exec,
		learner:  learner,
		profiles: profiles,
		bus:      bus,
		audit:    audit,
		routes:   routes,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "trade_service")),
	}
}

// RunCycle scans the strategy's route, funds the best opportunity from the
// best-scoring protocol and executes it.
func (s *TradeService) RunCycle(ctx context.Context, profile domain.StrategyProfile) error {
	route, ok := s.routes[profile.ID]
	if !ok {
		return fmt.Errorf("trade_service: strategy %q has no route", profile.ID)
	}

	opps := s.scanner.Scan(ctx, route.Pairs, route.Protocols)
	metrics.ScanOpportunities.Add(float64(len(opps)))
	if len(opps) == 0 {
		s.logger.DebugContext(ctx, "trade_service: no opportunity", slog.String("strategy", profile.ID))
		return nil
	}

	opp, err := s.fund(opps[0], route.Protocols)
	if err != nil {
		s.logger.InfoContext(ctx, "trade_service: opportunity discarded",
			slog.String("strategy", profile.ID),
			slog.String("pair", opps[0].Pair.Name()),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if s.cfg.DryRun {
		s.logger.InfoContext(ctx, "trade_service: dry run opportunity",
			slog.String("strategy", profile.ID),
			slog.String("pair", opp.Pair.Name()),
			slog.String("protocol", opp.Protocol.ID),
			slog.Float64("loan", opp.LoanAmount),
			slog.Float64("expected_net_profit", opp.ExpectedNetProfit),
			slog.Int("risk", opp.RiskScore),
		)
		return nil
	}

	rec, err := s.exec.Execute(ctx, profile.ID, opp)
	if errors.Is(err, domain.ErrExecutionInFlight) {
		s.logger.DebugContext(ctx, "trade_service: attempt already in flight", slog.String("strategy", profile.ID))
		return nil
	}
	if rec.ID == "" {
		return err
	}
	if err != nil {
		// The attempt ran but its record was not persisted; still learn from it.
		s.logger.ErrorContext(ctx, "trade_service: record not persisted",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
	s.Record(ctx, rec)
	return nil
}

// fund picks the lending protocol for an opportunity and reprices the net
// profit at that protocol's fee. Unfunded round-trips pass through.
func (s *TradeService) fund(opp domain.ArbitrageOpportunity, protocols []domain.LendingProtocol) (domain.ArbitrageOpportunity, error) {
	if !opp.HasLoan() {
		return opp, nil
	}
	chosen, ok := arbitrage.SelectProvider(protocols, opp.LoanAmount)
	if !ok {
		return opp, fmt.Errorf("loan %.2f: %w", opp.LoanAmount, domain.ErrProviderCapacityInsufficient)
	}
	if chosen.ID == opp.Protocol.ID {
		return opp, nil
	}
	net := arbitrage.NetProfit(opp.GrossSpread, opp.LoanAmount, chosen.FeeRate, s.cfg.FixedExecutionCost)
	if net < s.cfg.MinNetProfit {
		return opp, fmt.Errorf("net profit %.4f at %s below threshold", net, chosen.ID)
	}
	opp.Protocol = chosen
	opp.ExpectedNetProfit = net
	opp.RiskScore = arbitrage.RiskScore(opp.LoanAmount, chosen)
	base := 0.0
	for _, st := range opp.Steps {
		if st.Kind == domain.StepSwap && st.InputAsset == opp.Pair.Base {
			base = st.Amount
		}
	}
	opp.Steps = arbitrage.BuildSteps(opp.Pair, chosen, opp.LoanAmount, base)
	return opp, nil
}

// Record feeds an execution record into the learner, persists the updated
// profile and announces the record on the bus and audit log. Failures past
// the learner are logged, not returned.
func (s *TradeService) Record(ctx context.Context, rec domain.ExecutionRecord) {
	profile, err := s.learner.RecordOutcome(rec)
	if err != nil {
		s.logger.ErrorContext(ctx, "trade_service: learn outcome failed",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()),
		)
	} else {
		metrics.StrategySuccessRate.WithLabelValues(profile.ID).Set(profile.SuccessRate)
		if s.profiles != nil {
			if err := s.profiles.Upsert(ctx, profile); err != nil {
				s.logger.WarnContext(ctx, "trade_service: persist profile failed",
					slog.String("strategy", profile.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	event := map[string]any{
		"event":         "execution_recorded",
		"execution_id":  rec.ID,
		"strategy":      rec.StrategyID,
		"status":        rec.Status,
		"reason":        rec.Reason,
		"protocol":      rec.Protocol,
		"path":          rec.Path,
		"loan_amount":   rec.LoanAmount,
		"actual_profit": rec.ActualProfit,
		"fee_paid":      rec.FeePaid,
		"reserve_after": rec.ReserveBalanceAfter,
		"timestamp_ms":  rec.TimestampMs,
	}
	evt, err := json.Marshal(event)
	if err != nil {
		s.logger.WarnContext(ctx, "trade_service: encode event failed",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()),
		)
	} else if s.bus != nil {
		if pubErr := s.bus.Publish(ctx, ExecutionChannel, evt); pubErr != nil {
			s.logger.WarnContext(ctx, "trade_service: publish event failed",
				slog.String("execution_id", rec.ID),
				slog.String("error", pubErr.Error()),
			)
		}
		if appErr := s.bus.StreamAppend(ctx, ExecutionStream, evt); appErr != nil {
			s.logger.WarnContext(ctx, "trade_service: stream append failed",
				slog.String("execution_id", rec.ID),
				slog.String("error", appErr.Error()),
			)
		}
	}

	if s.audit != nil {
		if auditErr := s.audit.Log(ctx, "execution_recorded", map[string]any{
			"execution_id":    rec.ID,
			"strategy":        rec.StrategyID,
			"status":          string(rec.Status),
			"reason":          string(rec.Reason),
			"confirmation_id": rec.ConfirmationID,
			"actual_profit":   rec.ActualProfit,
		}); auditErr != nil {
			s.logger.WarnContext(ctx, "trade_service: audit log failed",
				slog.String("execution_id", rec.ID),
				slog.String("error", auditErr.Error()),
			)
		}
	}
}
