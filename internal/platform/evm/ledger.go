package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// Ledger implements domain.Ledger over the pool.
type Ledger struct {
	pool *Pool
	// nativePrice converts gas spent (native token) into settlement units.
	nativePrice float64
}

// NewLedger creates a Ledger. nativePrice is the settlement-asset price of
// one native token, used to report FeePaid in settlement units.
func NewLedger(pool *Pool, nativePrice float64) *Ledger {
	return &Ledger{pool: pool, nativePrice: nativePrice}
}

// Submit broadcasts the signed transaction once and returns its hash. A
// node that already has the transaction counts as success.
func (l *Ledger) Submit(ctx context.Context, stx domain.SignedTx) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(stx.Raw); err != nil {
		return "", fmt.Errorf("evm: submit: decode tx: %w", err)
	}
	_, err := call(ctx, l.pool, "send", func(r RPC) (struct{}, error) {
		err := r.SendTransaction(ctx, tx)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
			err = nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// Status reports a transaction's receipt. No receipt yet means pending.
func (l *Ledger) Status(ctx context.Context, confirmationID string) (domain.ConfirmationStatus, error) {
	hash := common.HexToHash(confirmationID)
	rcpt, err := call(ctx, l.pool, "receipt", func(r RPC) (*types.Receipt, error) {
		return r.TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, ethereum.NotFound) {
		return domain.ConfirmationStatus{Pending: true}, nil
	}
	if err != nil {
		return domain.ConfirmationStatus{}, err
	}

	st := domain.ConfirmationStatus{FeePaid: l.fee(rcpt)}
	if rcpt.Status == types.ReceiptStatusSuccessful {
		st.Confirmed = true
	} else {
		st.Error = fmt.Sprintf("reverted in block %s", rcpt.BlockNumber)
	}
	return st, nil
}

func (l *Ledger) fee(r *types.Receipt) float64 {
	if r.EffectiveGasPrice == nil {
		return 0
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
	return ToUnits(wei, nativeDecimals) * l.nativePrice
}

var _ domain.Ledger = (*Ledger)(nil)
