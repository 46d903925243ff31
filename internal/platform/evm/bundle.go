package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/flashsched/internal/crypto"
	"github.com/alanyoungcy/flashsched/internal/domain"
)

// executorABI is the on-chain executor: it borrows amount of asset from
// lender (zero address for none), runs the swap calls in order, repays and
// reverts unless at least minReturn of asset is back in the contract. Each
// swaps element is abi.encode(address target, bytes data); the contract
// approves target for its balance of the leg's input token and calls it with
// data and no value.
const executorABI = `[{
	"type": "function",
	"name": "execute",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "lender", "type": "address"},
		{"name": "asset", "type": "address"},
		{"name": "amount", "type": "uint256"},
		{"name": "swaps", "type": "bytes[]"},
		{"name": "minReturn", "type": "uint256"}
	],
	"outputs": []
}]`

// FeeLevel selects how aggressively a bundle bids for inclusion.
type FeeLevel string

const (
	FeeLow      FeeLevel = "low"
	FeeMedium   FeeLevel = "medium"
	FeeHigh     FeeLevel = "high"
	FeeCritical FeeLevel = "critical"
)

// tipPercent scales the node's suggested priority fee.
var tipPercent = map[FeeLevel]int64{
	FeeLow:      50,
	FeeMedium:   100,
	FeeHigh:     200,
	FeeCritical: 500,
}

// Valid reports whether l is a known level.
func (l FeeLevel) Valid() bool {
	_, ok := tipPercent[l]
	return ok
}

// gasPadPercent pads estimated gas so small state drift between estimate
// and inclusion does not run the bundle out of gas.
const gasPadPercent = 120

// SignerConfig configures the BundleSigner.
type SignerConfig struct {
	Contract string
	// GasLimit skips estimation when non-zero.
	GasLimit     uint64
	DefaultLevel FeeLevel
	// Levels overrides DefaultLevel per strategy id.
	Levels map[string]FeeLevel
}

// BundleSigner implements domain.BundleSigner: it packs the executor call,
// prices it as an EIP-1559 transaction and signs it once.
type BundleSigner struct {
	pool     *Pool
	key      *crypto.Signer
	contract common.Address
	abi      abi.ABI
	swapArgs abi.Arguments
	cfg      SignerConfig
}

// NewBundleSigner creates a BundleSigner.
func NewBundleSigner(pool *Pool, key *crypto.Signer, cfg SignerConfig) (*BundleSigner, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("evm: invalid executor contract %q", cfg.Contract)
	}
	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = FeeMedium
	}
	if !cfg.DefaultLevel.Valid() {
		return nil, fmt.Errorf("evm: unknown fee level %q", cfg.DefaultLevel)
	}
	for id, l := range cfg.Levels {
		if !l.Valid() {
			return nil, fmt.Errorf("evm: strategy %s: unknown fee level %q", id, l)
		}
	}
	parsed, err := abi.JSON(strings.NewReader(executorABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse executor abi: %w", err)
	}
	swapArgs, err := swapArguments()
	if err != nil {
		return nil, err
	}
	return &BundleSigner{
		pool:     pool,
		key:      key,
		contract: common.HexToAddress(cfg.Contract),
		abi:      parsed,
		swapArgs: swapArgs,
		cfg:      cfg,
	}, nil
}

// Sign builds and signs the bundle's transaction.
func (s *BundleSigner) Sign(ctx context.Context, b domain.Bundle) (domain.SignedTx, error) {
	data, err := s.calldata(b)
	if err != nil {
		return domain.SignedTx{}, err
	}
	from := s.key.Address()

	nonce, err := call(ctx, s.pool, "nonce", func(r RPC) (uint64, error) {
		return r.PendingNonceAt(ctx, from)
	})
	if err != nil {
		return domain.SignedTx{}, err
	}
	suggested, err := call(ctx, s.pool, "tip", func(r RPC) (*big.Int, error) {
		return r.SuggestGasTipCap(ctx)
	})
	if err != nil {
		return domain.SignedTx{}, err
	}
	head, err := call(ctx, s.pool, "header", func(r RPC) (*types.Header, error) {
		return r.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return domain.SignedTx{}, err
	}

	tip := new(big.Int).Mul(suggested, big.NewInt(tipPercent[s.level(b.StrategyID)]))
	tip.Quo(tip, big.NewInt(100))
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := s.cfg.GasLimit
	if gas == 0 {
		est, err := call(ctx, s.pool, "estimate", func(r RPC) (uint64, error) {
			return r.EstimateGas(ctx, ethereum.CallMsg{
				From: from, To: &s.contract, Data: data,
				GasFeeCap: feeCap, GasTipCap: tip,
			})
		})
		if err != nil {
			return domain.SignedTx{}, err
		}
		gas = est * gasPadPercent / 100
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.key.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &s.contract,
		Value:     new(big.Int),
		Data:      data,
	})
	signed, err := s.key.SignTx(tx)
	if err != nil {
		return domain.SignedTx{}, fmt.Errorf("evm: %w: %w", domain.ErrSigningFailed, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return domain.SignedTx{}, fmt.Errorf("evm: encode signed tx: %w", err)
	}
	return domain.SignedTx{Hash: signed.Hash().Hex(), Raw: raw}, nil
}

func (s *BundleSigner) level(strategyID string) FeeLevel {
	if l, ok := s.cfg.Levels[strategyID]; ok {
		return l
	}
	return s.cfg.DefaultLevel
}

// calldata packs execute(...) for the bundle. The contract must end with at
// least the repayment (principal plus fee) or the whole bundle reverts.
func (s *BundleSigner) calldata(b domain.Bundle) ([]byte, error) {
	opp := b.Opportunity
	if len(b.Legs) == 0 {
		return nil, errors.New("evm: bundle has no legs")
	}
	swaps := make([][]byte, 0, len(b.Legs))
	for i, leg := range b.Legs {
		enc, err := s.encodeSwap(leg.Call)
		if err != nil {
			return nil, fmt.Errorf("evm: leg %d: %w", i, err)
		}
		swaps = append(swaps, enc)
	}
	asset := opp.Pair.Quote
	if !common.IsHexAddress(asset.Address) {
		return nil, fmt.Errorf("evm: settlement asset %s has no token address", asset.Symbol)
	}

	var (
		lender  common.Address
		feeRate float64
	)
	if opp.HasLoan() {
		lender = common.HexToAddress(opp.Protocol.Lender)
		feeRate = opp.Protocol.FeeRate
	}
	return s.abi.Pack("execute",
		lender,
		common.HexToAddress(asset.Address),
		FromUnits(opp.LoanAmount, asset.Decimals),
		swaps,
		Repayment(opp.LoanAmount, feeRate, asset.Decimals),
	)
}

func swapArguments() (abi.Arguments, error) {
	addr, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, fmt.Errorf("evm: swap abi: %w", err)
	}
	data, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return nil, fmt.Errorf("evm: swap abi: %w", err)
	}
	return abi.Arguments{{Name: "target", Type: addr}, {Name: "data", Type: data}}, nil
}

// encodeSwap packs one router call the way the executor contract decodes it.
func (s *BundleSigner) encodeSwap(c domain.SwapCall) ([]byte, error) {
	if c.Empty() {
		return nil, errors.New("no swap call")
	}
	if !common.IsHexAddress(c.Target) {
		return nil, fmt.Errorf("swap target %q is not an address", c.Target)
	}
	return s.swapArgs.Pack(common.HexToAddress(c.Target), c.Data)
}

var _ domain.BundleSigner = (*BundleSigner)(nil)
