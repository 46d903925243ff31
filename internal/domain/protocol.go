package domain

import "time"

// LendingProtocol is an interchangeable source of flash-loan liquidity.
type LendingProtocol struct {
	ID                  string
	MaxLoanAmount       float64
	FeeRate             float64
	ExecutionTimeBudget time.Duration
	// Lender is the on-chain address the executor contract borrows from.
	Lender string
}

// Asset identifies a token on the settlement chain.
type Asset struct {
	Symbol   string
	Address  string
	Decimals int32
}

// AssetPair is a base/quote pair traded between two venues. The loan is
// denominated in Quote; the buy leg goes Quote→Base on SourceVenue and the
// sell leg goes Base→Quote on TargetVenue.
type AssetPair struct {
	Base        Asset
	Quote       Asset
	SourceVenue string
	TargetVenue string
}

// Name returns "BASE/QUOTE".
func (p AssetPair) Name() string {
	return p.Base.Symbol + "/" + p.Quote.Symbol
}
