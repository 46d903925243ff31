package executor

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// ReserveGuard enforces the reserved balance floor shared by every strategy.
// Once a balance below the floor is observed it trips and rejects every
// later attempt.
type ReserveGuard struct {
	floor decimal.Decimal

	mu      sync.Mutex
	tripped bool
}

// NewReserveGuard creates a guard for the given floor.
func NewReserveGuard(floor float64) *ReserveGuard {
	return &ReserveGuard{floor: decimal.NewFromFloat(floor)}
}

// Floor returns the reserved floor.
func (g *ReserveGuard) Floor() float64 {
	return g.floor.InexactFloat64()
}

// Check projects balance less the worst-case cost and rejects the attempt if
// the projection would fall below the floor.
func (g *ReserveGuard) Check(balance, worstCaseCost float64) (float64, error) {
	g.mu.Lock()
	tripped := g.tripped
	g.mu.Unlock()
	if tripped {
		return balance, domain.ErrReserveTripped
	}

	projected := decimal.NewFromFloat(balance).Sub(decimal.NewFromFloat(worstCaseCost))
	if projected.LessThan(g.floor) {
		return projected.InexactFloat64(), fmt.Errorf("projected balance %s below floor %s: %w",
			projected.String(), g.floor.String(), domain.ErrReserveFloorViolation)
	}
	return projected.InexactFloat64(), nil
}

// Observe records a fresh balance reading. It returns true if the reading
// is below the floor, in which case the guard is now tripped.
func (g *ReserveGuard) Observe(balance float64) bool {
	b := decimal.NewFromFloat(balance)
	g.mu.Lock()
	defer g.mu.Unlock()
	if b.LessThan(g.floor) {
		g.tripped = true
		return true
	}
	return false
}

// Tripped reports whether the guard has stopped accepting attempts.
func (g *ReserveGuard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// WorstCaseCost is the most an attempt can take from the spendable balance:
// the network fee and fixed cost, plus the slippage allowance for
// own-capital round-trips. A funded attempt repays its loan fee from the
// loan proceeds inside the same transaction or reverts, so the fee never
// reaches the wallet.
func WorstCaseCost(opp domain.ArbitrageOpportunity, networkFee, fixedCost float64, maxSlippageBps int) float64 {
	cost := decimal.NewFromFloat(networkFee).Add(decimal.NewFromFloat(fixedCost))
	if !opp.HasLoan() {
		loan := decimal.NewFromFloat(opp.LoanAmount)
		cost = cost.Add(loan.Mul(decimal.NewFromInt(int64(maxSlippageBps))).Div(decimal.NewFromInt(10000)))
	}
	return cost.InexactFloat64()
}
