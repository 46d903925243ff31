package arbitrage

import "github.com/alanyoungcy/flashsched/internal/domain"

// ProviderScore is the ranking key of a lending protocol: its ceiling
// discounted by its fee.
func ProviderScore(p domain.LendingProtocol) float64 {
	return p.MaxLoanAmount / (1 + p.FeeRate)
}

// SelectProvider returns the highest-scoring protocol able to cover
// loanAmount. ok is false when no candidate can; the caller must shrink the
// loan or drop the opportunity. Ties keep the earlier candidate.
func SelectProvider(candidates []domain.LendingProtocol, loanAmount float64) (best domain.LendingProtocol, ok bool) {
	bestScore := 0.0
	for _, c := range candidates {
		if c.MaxLoanAmount < loanAmount {
			continue
		}
		if s := ProviderScore(c); !ok || s > bestScore {
			best, bestScore, ok = c, s, true
		}
	}
	return best, ok
}
