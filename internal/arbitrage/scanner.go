// Package arbitrage prices flash-loan arbitrage candidates and picks the
// lending protocol that funds them.
package arbitrage

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

const (
	riskLoanScale    = 100000.0
	riskFeeScale     = 0.01
	riskLatencyScale = 30.0
)

// ScanConfig sizes and filters candidate opportunities.
type ScanConfig struct {
	// LoanFraction of the protocol's max loan is quoted.
	LoanFraction       float64
	MinNetProfit       float64
	FixedExecutionCost float64
	MaxSlippageBps     int
	// OwnCapital sizes round-trips scanned without a lending protocol.
	OwnCapital   float64
	Concurrency  int
	QuoteTimeout time.Duration
}

// DefaultScanConfig returns the stock scan settings.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		LoanFraction:   0.8,
		MaxSlippageBps: 50,
		Concurrency:    4,
		QuoteTimeout:   5 * time.Second,
	}
}

// Scanner quotes every pair/protocol combination and ranks the profitable
// ones. It holds no mutable state.
type Scanner struct {
	quotes domain.QuoteSource
	cfg    ScanConfig
	logger *slog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(quotes domain.QuoteSource, cfg ScanConfig, logger *slog.Logger) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Scanner{
		quotes: quotes,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scanner")),
	}
}

// NetProfit is the gross spread less the loan fee and fixed execution cost.
func NetProfit(grossSpread, loanAmount, feeRate, fixedCost float64) float64 {
	return grossSpread - loanAmount*feeRate - fixedCost
}

// RiskScore maps loan size, protocol fee and protocol latency onto 1..10.
// It is non-decreasing in each input.
func RiskScore(loanAmount float64, p domain.LendingProtocol) int {
	size := 0.0
	if loanAmount > 0 {
		size = loanAmount / (loanAmount + riskLoanScale)
	}
	fee := math.Min(math.Max(p.FeeRate, 0)/riskFeeScale, 1)
	secs := p.ExecutionTimeBudget.Seconds()
	latency := 0.0
	if secs > 0 {
		latency = secs / (secs + riskLatencyScale)
	}
	score := int(math.Round(1 + 4*size + 3*fee + 2*latency))
	return min(max(score, 1), 10)
}

type combination struct {
	pair     domain.AssetPair
	protocol domain.LendingProtocol
}

// Scan returns the opportunities whose net profit clears the threshold,
// best first. A failed quote drops only its own combination. With no
// protocols, each pair is scanned as an unfunded round-trip sized at
// OwnCapital.
func (s *Scanner) Scan(ctx context.Context, pairs []domain.AssetPair, protocols []domain.LendingProtocol) []domain.ArbitrageOpportunity {
	var combos []combination
	for _, pair := range pairs {
		if len(protocols) == 0 {
			if s.cfg.OwnCapital > 0 {
				combos = append(combos, combination{pair: pair})
			}
			continue
		}
		for _, proto := range protocols {
			combos = append(combos, combination{pair: pair, protocol: proto})
		}
	}

	found := make([]*domain.ArbitrageOpportunity, len(combos))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for i, c := range combos {
		g.Go(func() error {
			if opp, ok := s.evaluate(ctx, c); ok {
				found[i] = &opp
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.ArbitrageOpportunity, 0, len(found))
	for _, opp := range found {
		if opp != nil {
			out = append(out, *opp)
		}
	}
	Rank(out)
	return out
}

// Rank orders opportunities by net profit, highest first; equal profit
// prefers lower risk.
func Rank(opps []domain.ArbitrageOpportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].ExpectedNetProfit != opps[j].ExpectedNetProfit {
			return opps[i].ExpectedNetProfit > opps[j].ExpectedNetProfit
		}
		return opps[i].RiskScore < opps[j].RiskScore
	})
}

func (s *Scanner) evaluate(ctx context.Context, c combination) (domain.ArbitrageOpportunity, bool) {
	amount := s.cfg.OwnCapital
	if c.protocol.ID != "" {
		amount = c.protocol.MaxLoanAmount * s.cfg.LoanFraction
	}
	if amount <= 0 {
		return domain.ArbitrageOpportunity{}, false
	}
	logger := s.logger.With(
		slog.String("pair", c.pair.Name()),
		slog.String("protocol", c.protocol.ID),
	)

	buy, err := s.quote(ctx, domain.QuoteRequest{
		InputAsset:     c.pair.Quote,
		OutputAsset:    c.pair.Base,
		Amount:         amount,
		MaxSlippageBps: s.cfg.MaxSlippageBps,
		Venue:          c.pair.SourceVenue,
	})
	if err != nil {
		logger.DebugContext(ctx, "buy leg quote failed", slog.String("error", err.Error()))
		return domain.ArbitrageOpportunity{}, false
	}
	sell, err := s.quote(ctx, domain.QuoteRequest{
		InputAsset:     c.pair.Base,
		OutputAsset:    c.pair.Quote,
		Amount:         buy.OutputAmount,
		MaxSlippageBps: s.cfg.MaxSlippageBps,
		Venue:          c.pair.TargetVenue,
	})
	if err != nil {
		logger.DebugContext(ctx, "sell leg quote failed", slog.String("error", err.Error()))
		return domain.ArbitrageOpportunity{}, false
	}

	gross := sell.OutputAmount - amount
	net := NetProfit(gross, amount, c.protocol.FeeRate, s.cfg.FixedExecutionCost)
	if net < s.cfg.MinNetProfit {
		logger.DebugContext(ctx, "below profit threshold",
			slog.Float64("net_profit", net),
			slog.Float64("threshold", s.cfg.MinNetProfit),
		)
		return domain.ArbitrageOpportunity{}, false
	}

	return domain.ArbitrageOpportunity{
		Protocol:          c.protocol,
		SourceVenue:       c.pair.SourceVenue,
		TargetVenue:       c.pair.TargetVenue,
		Pair:              c.pair,
		LoanAmount:        amount,
		GrossSpread:       gross,
		ExpectedNetProfit: net,
		RiskScore:         RiskScore(amount, c.protocol),
		Steps:             BuildSteps(c.pair, c.protocol, amount, buy.OutputAmount),
	}, true
}

func (s *Scanner) quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	if s.cfg.QuoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QuoteTimeout)
		defer cancel()
	}
	return s.quotes.Quote(ctx, req)
}

// BuildSteps lays out borrow → buy → sell → repay. Unfunded round-trips
// have only the two swaps.
func BuildSteps(pair domain.AssetPair, protocol domain.LendingProtocol, amount, baseAmount float64) []domain.Step {
	steps := make([]domain.Step, 0, 4)
	if protocol.ID != "" {
		steps = append(steps, domain.Step{
			Kind: domain.StepBorrow, Venue: protocol.ID,
			InputAsset: pair.Quote, OutputAsset: pair.Quote, Amount: amount,
		})
	}
	steps = append(steps,
		domain.Step{
			Kind: domain.StepSwap, Venue: pair.SourceVenue,
			InputAsset: pair.Quote, OutputAsset: pair.Base, Amount: amount,
		},
		domain.Step{
			Kind: domain.StepSwap, Venue: pair.TargetVenue,
			InputAsset: pair.Base, OutputAsset: pair.Quote, Amount: baseAmount,
		},
	)
	if protocol.ID != "" {
		steps = append(steps, domain.Step{
			Kind: domain.StepRepay, Venue: protocol.ID,
			InputAsset: pair.Quote, OutputAsset: pair.Quote, Amount: amount * (1 + protocol.FeeRate),
		})
	}
	return steps
}
