package evm

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const nativeDecimals = 18

// ToUnits converts a smallest-unit integer into whole units.
func ToUnits(v *big.Int, decimals int32) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -decimals).InexactFloat64()
}

// FromUnits converts whole units into the smallest unit, rounding down.
func FromUnits(v float64, decimals int32) *big.Int {
	return decimal.NewFromFloat(v).Shift(decimals).Floor().BigInt()
}

// Repayment is principal plus fee in the smallest unit, rounded up so the
// lender is never short.
func Repayment(loan, feeRate float64, decimals int32) *big.Int {
	d := decimal.NewFromFloat(loan)
	d = d.Add(d.Mul(decimal.NewFromFloat(feeRate)))
	return d.Shift(decimals).Ceil().BigInt()
}
