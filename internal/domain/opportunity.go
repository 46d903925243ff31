package domain

// StepKind names one action inside an atomic execution bundle.
type StepKind string

const (
	StepBorrow StepKind = "borrow"
	StepSwap   StepKind = "swap"
	StepRepay  StepKind = "repay"
)

// Step is one ordered action of an opportunity.
type Step struct {
	Kind        StepKind
	Venue       string
	InputAsset  Asset
	OutputAsset Asset
	Amount      float64
}

// ArbitrageOpportunity is a priced, ranked candidate produced by one scan.
// It is never mutated after creation.
type ArbitrageOpportunity struct {
	Protocol          LendingProtocol
	SourceVenue       string
	TargetVenue       string
	Pair              AssetPair
	LoanAmount        float64
	GrossSpread       float64
	ExpectedNetProfit float64
	RiskScore         int
	Steps             []Step
}

// HasLoan reports whether the opportunity borrows working capital.
func (o ArbitrageOpportunity) HasLoan() bool {
	return o.Protocol.ID != ""
}

// Path returns the venue route as "source>target".
func (o ArbitrageOpportunity) Path() string {
	return o.SourceVenue + ">" + o.TargetVenue
}

// QuoteRequest asks the quote/swap endpoint to price a single swap.
type QuoteRequest struct {
	InputAsset     Asset
	OutputAsset    Asset
	Amount         float64
	MaxSlippageBps int
	Venue          string
	// WithCall asks the endpoint for a firm quote that also carries the
	// swap call for the quoted route.
	WithCall bool
}

// Quote is the endpoint's answer. OutputAmount is authoritative for profit.
type Quote struct {
	OutputAmount float64
	Route        string
	// Call is empty for price-only quotes.
	Call SwapCall
}

// SwapCall is one router call made by the executor contract: Data is sent
// to Target with no native value attached.
type SwapCall struct {
	Target string
	Data   []byte
}

// Empty reports whether the call carries nothing to execute.
func (c SwapCall) Empty() bool {
	return c.Target == "" || len(c.Data) == 0
}
