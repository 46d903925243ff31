package domain

import "context"

// QuoteSource prices swaps through the external quote/swap endpoint.
type QuoteSource interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

// Bundle is an assembled, unsigned atomic execution: an optional flash loan
// wrapping the quoted swap legs.
type Bundle struct {
	AttemptID   string
	StrategyID  string
	Opportunity ArbitrageOpportunity
	Legs        []Quote
	// NetworkFee is the estimated fee the submission will pay, in the
	// settlement asset.
	NetworkFee float64
}

// SignedTx is a fully authorized transaction ready for broadcast.
type SignedTx struct {
	Hash string
	Raw  []byte
}

// BundleSigner performs the single authorization pass over a bundle.
type BundleSigner interface {
	Sign(ctx context.Context, b Bundle) (SignedTx, error)
}

// ConfirmationStatus is the ledger's view of a submitted transaction.
type ConfirmationStatus struct {
	Confirmed bool
	// Pending is true while the ledger has no final answer yet.
	Pending bool
	Error   string
	FeePaid float64
}

// Ledger submits signed transactions and reports their status.
type Ledger interface {
	Submit(ctx context.Context, tx SignedTx) (confirmationID string, err error)
	Status(ctx context.Context, confirmationID string) (ConfirmationStatus, error)
}

// BalanceSource reports the operator's spendable balance.
type BalanceSource interface {
	SpendableBalance(ctx context.Context, accountID string) (float64, error)
}

// RequestGate blocks until one request against the given provider fits under
// that provider's ceilings.
type RequestGate interface {
	Acquire(ctx context.Context, providerID string) error
}
