package domain

import "time"

// ExecState is a state of the atomic executor's per-attempt state machine.
type ExecState string

const (
	StateIdle      ExecState = "idle"
	StateQuoted    ExecState = "quoted"
	StateBuilt     ExecState = "built"
	StateSigned    ExecState = "signed"
	StateSubmitted ExecState = "submitted"
	StateConfirmed ExecState = "confirmed"
	StateFailed    ExecState = "failed"
	StateTimedOut  ExecState = "timed_out"
)

// ExecStatus is the terminal outcome stored on an ExecutionRecord.
type ExecStatus string

const (
	ExecConfirmed ExecStatus = "confirmed"
	ExecFailed    ExecStatus = "failed"
)

// FailureReason is the reason code attached to a failed attempt.
type FailureReason string

const (
	ReasonNone                         FailureReason = ""
	ReasonQuoteUnavailable             FailureReason = "quote_unavailable"
	ReasonReserveFloorViolation        FailureReason = "reserve_floor_violation"
	ReasonConfirmationTimeout          FailureReason = "confirmation_timeout"
	ReasonProviderCapacityInsufficient FailureReason = "provider_capacity_insufficient"
	ReasonSigningFailed                FailureReason = "signing_failed"
	ReasonSubmissionFailed             FailureReason = "submission_failed"
	ReasonTransactionReverted          FailureReason = "transaction_reverted"
	ReasonCancelled                    FailureReason = "cancelled"
)

// ExecutionRecord is the append-only result of one execution attempt.
type ExecutionRecord struct {
	ID                  string        `json:"id"`
	StrategyID          string        `json:"strategy_id"`
	LoanAmount          float64       `json:"loan_amount"`
	Protocol            string        `json:"protocol,omitempty"`
	Path                string        `json:"path"`
	ExpectedProfit      float64       `json:"expected_profit"`
	ActualProfit        float64       `json:"actual_profit"`
	ConfirmationID      string        `json:"confirmation_id,omitempty"`
	TimestampMs         int64         `json:"timestamp_ms"`
	FeePaid             float64       `json:"fee_paid"`
	// ReserveBalanceAfter is nil when the post-attempt balance could not be
	// read.
	ReserveBalanceAfter *float64      `json:"reserve_balance_after"`
	Status              ExecStatus    `json:"status"`
	Reason              FailureReason `json:"reason,omitempty"`
	FinalState          ExecState     `json:"final_state"`
}

// Confirmed reports whether the attempt landed on-chain successfully.
func (r ExecutionRecord) Confirmed() bool {
	return r.Status == ExecConfirmed
}

// ReserveAfter returns the post-attempt balance and whether it was read.
func (r ExecutionRecord) ReserveAfter() (float64, bool) {
	if r.ReserveBalanceAfter == nil {
		return 0, false
	}
	return *r.ReserveBalanceAfter, true
}

// Time returns the record timestamp as a time.Time.
func (r ExecutionRecord) Time() time.Time {
	return time.UnixMilli(r.TimestampMs).UTC()
}

// ExecutionStats aggregates execution records for one strategy.
type ExecutionStats struct {
	StrategyID  string  `json:"strategy_id,omitempty"`
	Total       int64   `json:"total"`
	Confirmed   int64   `json:"confirmed"`
	Failed      int64   `json:"failed"`
	TotalProfit float64 `json:"total_profit"`
	TotalFees   float64 `json:"total_fees"`
}
