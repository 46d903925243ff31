// Package evm talks to the settlement chain: it submits signed bundles,
// polls receipts, reads balances and builds the executor-contract call.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/flashsched/internal/domain"
)

// RPC is the subset of *ethclient.Client the package uses.
type RPC interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// Endpoint is one JSON-RPC URL and the capacity provider governing it.
type Endpoint struct {
	ProviderID string
	URL        string
	Priority   int
}

// Node is a connected endpoint.
type Node struct {
	ProviderID string
	RPC        RPC
}

// Pool fails over across nodes in priority order. Every call first passes
// the node's request gate.
type Pool struct {
	nodes  []Node
	gate   domain.RequestGate
	logger *slog.Logger
	closer []func()
}

// Dial connects to every endpoint. A node that cannot be dialled is skipped
// with a warning; Dial fails only when none connect.
func Dial(ctx context.Context, endpoints []Endpoint, gate domain.RequestGate, logger *slog.Logger) (*Pool, error) {
	eps := append([]Endpoint(nil), endpoints...)
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })

	logger = logger.With(slog.String("component", "evm"))
	var (
		nodes  []Node
		closer []func()
	)
	for _, ep := range eps {
		c, err := ethclient.DialContext(ctx, ep.URL)
		if err != nil {
			logger.Warn("rpc dial failed", slog.String("provider", ep.ProviderID), slog.String("error", err.Error()))
			continue
		}
		nodes = append(nodes, Node{ProviderID: ep.ProviderID, RPC: c})
		closer = append(closer, c.Close)
	}
	if len(nodes) == 0 {
		return nil, errors.New("evm: no rpc endpoint reachable")
	}
	p := NewPool(nodes, gate, logger)
	p.closer = closer
	return p, nil
}

// NewPool wraps already-connected nodes, highest priority first.
func NewPool(nodes []Node, gate domain.RequestGate, logger *slog.Logger) *Pool {
	return &Pool{nodes: nodes, gate: gate, logger: logger}
}

// Close releases the underlying connections.
func (p *Pool) Close() {
	for _, c := range p.closer {
		c()
	}
}

// call runs fn on the first node that answers. Answers that would be the
// same everywhere (not found, reverted call, cancelled ctx) end the walk.
func call[T any](ctx context.Context, p *Pool, op string, fn func(RPC) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for _, n := range p.nodes {
		if p.gate != nil {
			if err := p.gate.Acquire(ctx, n.ProviderID); err != nil {
				lastErr = err
				if ctx.Err() != nil {
					break
				}
				continue
			}
		}
		v, err := fn(n.RPC)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ethereum.NotFound) {
			break
		}
		p.logger.WarnContext(ctx, "rpc call failed, trying next node",
			slog.String("op", op),
			slog.String("provider", n.ProviderID),
			slog.String("error", err.Error()),
		)
	}
	return zero, fmt.Errorf("evm: %s: %w", op, lastErr)
}
