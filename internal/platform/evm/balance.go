package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

var balanceOfSelector = ethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]

// Balances implements domain.BalanceSource for one settlement asset. An
// asset without a token address is the chain's native coin.
type Balances struct {
	pool  *Pool
	asset domain.Asset
}

// NewBalances creates a balance reader for asset.
func NewBalances(pool *Pool, asset domain.Asset) *Balances {
	return &Balances{pool: pool, asset: asset}
}

// SpendableBalance returns accountID's balance of the settlement asset in
// whole units.
func (b *Balances) SpendableBalance(ctx context.Context, accountID string) (float64, error) {
	if !common.IsHexAddress(accountID) {
		return 0, fmt.Errorf("evm: balance: invalid account %q", accountID)
	}
	owner := common.HexToAddress(accountID)

	if b.asset.Address == "" {
		wei, err := call(ctx, b.pool, "balance", func(r RPC) (*big.Int, error) {
			return r.BalanceAt(ctx, owner, nil)
		})
		if err != nil {
			return 0, err
		}
		return ToUnits(wei, nativeDecimals), nil
	}

	token := common.HexToAddress(b.asset.Address)
	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)

	out, err := call(ctx, b.pool, "balanceOf", func(r RPC) ([]byte, error) {
		return r.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	})
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("evm: balanceOf %s: empty result", b.asset.Symbol)
	}
	return ToUnits(new(big.Int).SetBytes(out), b.asset.Decimals), nil
}

var _ domain.BalanceSource = (*Balances)(nil)
