package evm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashsched/internal/crypto"
	"github.com/alanyoungcy/flashsched/internal/domain"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// fakeRPC answers from fields; err, when set, fails every call.
type fakeRPC struct {
	err      error
	sendErr  error
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	native   *big.Int
	token    []byte
	calls    []ethereum.CallMsg
	nonce    uint64
	tip      *big.Int
	baseFee  *big.Int
	gas      uint64
}

func (f *fakeRPC) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.err != nil {
		return f.err
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeRPC) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeRPC) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.native, f.err
}

func (f *fakeRPC) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, msg)
	return f.token, f.err
}

func (f *fakeRPC) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, f.err
}

func (f *fakeRPC) SuggestGasTipCap(context.Context) (*big.Int, error) { return f.tip, f.err }

func (f *fakeRPC) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeRPC) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, f.err
}

type gateCounter map[string]int

func (g gateCounter) Acquire(_ context.Context, id string) error {
	g[id]++
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func pool(gate gateCounter, nodes ...*fakeRPC) *Pool {
	ns := make([]Node, len(nodes))
	for i, n := range nodes {
		ns[i] = Node{ProviderID: string(rune('a' + i)), RPC: n}
	}
	return NewPool(ns, gate, quietLogger())
}

func signedRaw(t *testing.T) (*types.Transaction, []byte) {
	t.Helper()
	key, err := crypto.NewSigner(testKey, 1)
	require.NoError(t, err)
	to := common.HexToAddress("0x01")
	tx, err := key.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID: big.NewInt(1), Gas: 21000, To: &to,
		GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(1), Value: new(big.Int),
	}))
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return tx, raw
}

func TestLedgerSubmitFailsOver(t *testing.T) {
	down := &fakeRPC{err: errors.New("connection refused")}
	up := &fakeRPC{}
	gate := gateCounter{}
	l := NewLedger(pool(gate, down, up), 1)

	tx, raw := signedRaw(t)
	id, err := l.Submit(context.Background(), domain.SignedTx{Raw: raw})
	require.NoError(t, err)
	assert.Equal(t, tx.Hash().Hex(), id)
	require.Len(t, up.sent, 1)
	assert.Equal(t, 1, gate["a"])
	assert.Equal(t, 1, gate["b"])
}

func TestLedgerSubmitAlreadyKnown(t *testing.T) {
	n := &fakeRPC{sendErr: errors.New("already known")}
	l := NewLedger(pool(gateCounter{}, n), 1)
	_, raw := signedRaw(t)
	_, err := l.Submit(context.Background(), domain.SignedTx{Raw: raw})
	assert.NoError(t, err)
}

func TestLedgerSubmitRejectsGarbage(t *testing.T) {
	l := NewLedger(pool(gateCounter{}, &fakeRPC{}), 1)
	_, err := l.Submit(context.Background(), domain.SignedTx{Raw: []byte{0x01, 0x02}})
	assert.Error(t, err)
}

func TestLedgerStatus(t *testing.T) {
	ok := common.HexToHash("0xaa")
	bad := common.HexToHash("0xbb")
	n := &fakeRPC{receipts: map[common.Hash]*types.Receipt{
		ok: {
			Status: types.ReceiptStatusSuccessful, GasUsed: 200000,
			EffectiveGasPrice: big.NewInt(5_000_000_000), BlockNumber: big.NewInt(10),
		},
		bad: {
			Status: types.ReceiptStatusFailed, GasUsed: 100000,
			EffectiveGasPrice: big.NewInt(1_000_000_000), BlockNumber: big.NewInt(11),
		},
	}}
	l := NewLedger(pool(gateCounter{}, n), 2000)
	ctx := context.Background()

	st, err := l.Status(ctx, ok.Hex())
	require.NoError(t, err)
	assert.True(t, st.Confirmed)
	// 200k gas at 5 gwei is 0.001 native, at 2000 per native.
	assert.InDelta(t, 2.0, st.FeePaid, 1e-9)

	st, err = l.Status(ctx, bad.Hex())
	require.NoError(t, err)
	assert.False(t, st.Confirmed)
	assert.False(t, st.Pending)
	assert.Contains(t, st.Error, "reverted")

	st, err = l.Status(ctx, common.HexToHash("0xcc").Hex())
	require.NoError(t, err)
	assert.True(t, st.Pending)
}

func TestLedgerStatusNotFoundDoesNotFailOver(t *testing.T) {
	first := &fakeRPC{}
	second := &fakeRPC{receipts: map[common.Hash]*types.Receipt{}}
	gate := gateCounter{}
	l := NewLedger(pool(gate, first, second), 1)

	st, err := l.Status(context.Background(), common.HexToHash("0x01").Hex())
	require.NoError(t, err)
	assert.True(t, st.Pending)
	assert.Zero(t, gate["b"])
}

func TestBalances(t *testing.T) {
	owner := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	ctx := context.Background()

	native := NewBalances(pool(gateCounter{}, &fakeRPC{native: big.NewInt(1_500_000_000_000_000_000)}), domain.Asset{Symbol: "ETH"})
	v, err := native.SpendableBalance(ctx, owner)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, v, 1e-12)

	n := &fakeRPC{token: common.LeftPadBytes(big.NewInt(12_345_678).Bytes(), 32)}
	usdc := domain.Asset{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6}
	v, err = NewBalances(pool(gateCounter{}, n), usdc).SpendableBalance(ctx, owner)
	require.NoError(t, err)
	assert.InDelta(t, 12.345678, v, 1e-12)
	require.Len(t, n.calls, 1)
	assert.Equal(t, balanceOfSelector, n.calls[0].Data[:4])
	assert.Equal(t, common.HexToAddress(usdc.Address), *n.calls[0].To)

	_, err = native.SpendableBalance(ctx, "not-an-address")
	assert.Error(t, err)
}

func bundle(strategy string, withLoan bool) domain.Bundle {
	opp := domain.ArbitrageOpportunity{
		Pair: domain.AssetPair{
			Base:  domain.Asset{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
			Quote: domain.Asset{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
		},
		LoanAmount: 1000,
	}
	if withLoan {
		opp.Protocol = domain.LendingProtocol{ID: "aave", FeeRate: 0.0009, Lender: "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"}
	}
	return domain.Bundle{
		AttemptID: "a1", StrategyID: strategy, Opportunity: opp,
		Legs: []domain.Quote{
			{Call: domain.SwapCall{Target: routerA, Data: []byte{0xd9, 0x62, 0x7a, 0xa4, 0x01}}},
			{Call: domain.SwapCall{Target: routerB, Data: []byte{0x12, 0xaa, 0x3c, 0xaf, 0x02, 0x03}}},
		},
	}
}

const (
	routerA = "0xDef1C0ded9bec7F1a1670819833240f027b25EfF"
	routerB = "0x1111111254EEB25477B68fb85Ed929f73A960582"
)

func newBundleSigner(t *testing.T, n *fakeRPC, cfg SignerConfig) *BundleSigner {
	t.Helper()
	key, err := crypto.NewSigner(testKey, 8453)
	require.NoError(t, err)
	cfg.Contract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	s, err := NewBundleSigner(pool(gateCounter{}, n), key, cfg)
	require.NoError(t, err)
	return s
}

func TestBundleSignerBuildsSignedExecuteCall(t *testing.T) {
	n := &fakeRPC{nonce: 9, tip: big.NewInt(1000), baseFee: big.NewInt(50), gas: 100000}
	s := newBundleSigner(t, n, SignerConfig{Levels: map[string]FeeLevel{"fast": FeeCritical}})

	stx, err := s.Sign(context.Background(), bundle("fast", true))
	require.NoError(t, err)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(stx.Raw))
	assert.Equal(t, tx.Hash().Hex(), stx.Hash)
	assert.Equal(t, uint64(9), tx.Nonce())
	assert.Equal(t, int64(5000), tx.GasTipCap().Int64(), "critical bids 5x the suggestion")
	assert.Equal(t, int64(5100), tx.GasFeeCap().Int64())
	assert.Equal(t, uint64(120000), tx.Gas())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), tx)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), from)

	parsed, err := abi.JSON(strings.NewReader(executorABI))
	require.NoError(t, err)
	args, err := parsed.Methods["execute"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"), args[0])
	assert.Equal(t, int64(1_000_000_000), args[2].(*big.Int).Int64())
	assert.Equal(t, int64(1_000_900_000), args[4].(*big.Int).Int64())

	swaps := args[3].([][]byte)
	require.Len(t, swaps, 2)
	for i, want := range []struct {
		target string
		data   []byte
	}{
		{routerA, []byte{0xd9, 0x62, 0x7a, 0xa4, 0x01}},
		{routerB, []byte{0x12, 0xaa, 0x3c, 0xaf, 0x02, 0x03}},
	} {
		call, err := s.swapArgs.Unpack(swaps[i])
		require.NoError(t, err, "swap %d", i)
		assert.Equal(t, common.HexToAddress(want.target), call[0], "swap %d", i)
		assert.Equal(t, want.data, call[1], "swap %d", i)
	}
}

func TestEncodeSwapLayout(t *testing.T) {
	s := newBundleSigner(t, &fakeRPC{}, SignerConfig{})
	enc, err := s.encodeSwap(domain.SwapCall{Target: routerA, Data: []byte{0xaa, 0xbb, 0xcc, 0xdd}})
	require.NoError(t, err)

	// head: target word, offset word; tail: length word, data padded to 32.
	require.Len(t, enc, 4*32)
	assert.Equal(t, common.LeftPadBytes(common.HexToAddress(routerA).Bytes(), 32), enc[:32])
	assert.Equal(t, common.LeftPadBytes([]byte{0x40}, 32), enc[32:64])
	assert.Equal(t, common.LeftPadBytes([]byte{0x04}, 32), enc[64:96])
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, enc[96:100])

	_, err = s.encodeSwap(domain.SwapCall{Target: "router", Data: []byte{0x01}})
	assert.Error(t, err)
}

func TestBundleSignerDefaultsAndUnfunded(t *testing.T) {
	n := &fakeRPC{tip: big.NewInt(1000), baseFee: big.NewInt(0)}
	s := newBundleSigner(t, n, SignerConfig{GasLimit: 700000})

	stx, err := s.Sign(context.Background(), bundle("other", false))
	require.NoError(t, err)
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(stx.Raw))
	assert.Equal(t, int64(1000), tx.GasTipCap().Int64(), "medium is the default")
	assert.Equal(t, uint64(700000), tx.Gas())

	parsed, err := abi.JSON(strings.NewReader(executorABI))
	require.NoError(t, err)
	args, err := parsed.Methods["execute"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, args[0])
	assert.Equal(t, int64(1_000_000_000), args[4].(*big.Int).Int64())
}

func TestBundleSignerRejectsMissingSwapCall(t *testing.T) {
	s := newBundleSigner(t, &fakeRPC{tip: big.NewInt(1)}, SignerConfig{})
	b := bundle("x", true)
	b.Legs[1].Call = domain.SwapCall{}
	_, err := s.Sign(context.Background(), b)
	assert.Error(t, err)
}

func TestNewBundleSignerValidates(t *testing.T) {
	key, err := crypto.NewSigner(testKey, 1)
	require.NoError(t, err)
	_, err = NewBundleSigner(nil, key, SignerConfig{Contract: "nope"})
	assert.Error(t, err)
	_, err = NewBundleSigner(nil, key, SignerConfig{
		Contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		Levels:   map[string]FeeLevel{"s": "turbo"},
	})
	assert.Error(t, err)
}

func TestUnits(t *testing.T) {
	assert.Equal(t, "1234567", FromUnits(1.2345678, 6).String())
	assert.InDelta(t, 0.5, ToUnits(big.NewInt(500_000), 6), 1e-12)
	assert.Equal(t, "1000900000", Repayment(1000, 0.0009, 6).String())
	assert.Equal(t, "1", Repayment(0.0000001, 0.1, 6).String(), "repayment rounds up")
}
