// Package quoteapi is the HTTP client for the EVM swap aggregator that prices
// each leg and returns the router call the executor contract makes for it.
package quoteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashsched/internal/domain"
	"github.com/alanyoungcy/flashsched/internal/metrics"
)

// Endpoint is one aggregator base URL and the capacity provider whose
// ceilings govern it.
type Endpoint struct {
	ProviderID string
	BaseURL    string
	Priority   int
}

// Client implements domain.QuoteSource. Endpoints are tried in priority
// order; every request first passes the provider's request gate.
type Client struct {
	endpoints  []Endpoint
	gate       domain.RequestGate
	chainID    int64
	taker      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client for chainID. taker is the executor contract: it holds
// the borrowed funds while the swaps run, so routes are built for it rather
// than for the operator wallet. It may be empty when no calls are requested.
func New(endpoints []Endpoint, gate domain.RequestGate, chainID int64, taker string, logger *slog.Logger) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("quoteapi: no endpoints configured")
	}
	if gate == nil {
		return nil, errors.New("quoteapi: request gate is required")
	}
	if taker != "" && !common.IsHexAddress(taker) {
		return nil, fmt.Errorf("quoteapi: invalid taker address %q", taker)
	}
	eps := append([]Endpoint(nil), endpoints...)
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })
	for i := range eps {
		eps[i].BaseURL = strings.TrimRight(eps[i].BaseURL, "/")
	}
	return &Client{
		endpoints:  eps,
		gate:       gate,
		chainID:    chainID,
		taker:      taker,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With(slog.String("component", "quoteapi")),
	}, nil
}

// Quote prices req. With req.WithCall it asks for a firm quote and returns
// the router call alongside the price.
func (c *Client) Quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	start := time.Now()
	q, err := c.quote(ctx, req)
	metrics.QuoteLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QuoteErrors.Inc()
		return domain.Quote{}, err
	}
	return q, nil
}

func (c *Client) quote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	amount, err := ToBaseUnits(req.Amount, req.InputAsset.Decimals)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("quoteapi: %w: %w", domain.ErrQuoteUnavailable, err)
	}
	for _, a := range []domain.Asset{req.InputAsset, req.OutputAsset} {
		if !common.IsHexAddress(a.Address) {
			return domain.Quote{}, fmt.Errorf("quoteapi: %s has no token address: %w", a.Symbol, domain.ErrQuoteUnavailable)
		}
	}
	if req.WithCall && c.taker == "" {
		return domain.Quote{}, fmt.Errorf("quoteapi: swap call requested without a taker: %w", domain.ErrQuoteUnavailable)
	}

	var lastErr error
	for _, ep := range c.endpoints {
		q, err := c.quoteAt(ctx, ep, req, amount)
		if err == nil {
			return q, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retriable(err) {
			break
		}
		c.logger.WarnContext(ctx, "quote endpoint failed, trying next",
			slog.String("provider", ep.ProviderID),
			slog.String("error", err.Error()),
		)
	}
	return domain.Quote{}, fmt.Errorf("quoteapi: %s>%s: %w: %w",
		req.InputAsset.Symbol, req.OutputAsset.Symbol, domain.ErrQuoteUnavailable, lastErr)
}

func (c *Client) quoteAt(ctx context.Context, ep Endpoint, req domain.QuoteRequest, amount string) (domain.Quote, error) {
	params := url.Values{}
	params.Set("chainId", strconv.FormatInt(c.chainID, 10))
	params.Set("sellToken", common.HexToAddress(req.InputAsset.Address).Hex())
	params.Set("buyToken", common.HexToAddress(req.OutputAsset.Address).Hex())
	params.Set("sellAmount", amount)
	params.Set("slippageBps", strconv.Itoa(req.MaxSlippageBps))
	if c.taker != "" {
		params.Set("taker", common.HexToAddress(c.taker).Hex())
	}
	if req.Venue != "" {
		params.Set("includedSources", req.Venue)
	}

	path := "/swap/price?"
	if req.WithCall {
		path = "/swap/quote?"
	}
	body, err := c.do(ctx, ep, http.MethodGet, path+params.Encode(), nil)
	if err != nil {
		return domain.Quote{}, err
	}
	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return domain.Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	if qr.LiquidityAvailable != nil && !*qr.LiquidityAvailable {
		return domain.Quote{}, &statusError{code: http.StatusNotFound, msg: "no liquidity for route"}
	}

	out, err := FromBaseUnits(qr.BuyAmount, req.OutputAsset.Decimals)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("decode quote: buyAmount: %w", err)
	}
	q := domain.Quote{OutputAmount: out, Route: routeLabel(qr.Route.Fills)}

	if req.WithCall {
		call, err := swapCall(qr.Transaction)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("decode quote: %w", err)
		}
		q.Call = call
	}
	return q, nil
}

// swapCall validates the router call. The executor contract forwards no
// native coin, so a call that needs value cannot be run.
func swapCall(tx *transaction) (domain.SwapCall, error) {
	if tx == nil {
		return domain.SwapCall{}, errors.New("transaction missing")
	}
	if !common.IsHexAddress(tx.To) {
		return domain.SwapCall{}, fmt.Errorf("transaction.to %q is not an address", tx.To)
	}
	data, err := hexutil.Decode(tx.Data)
	if err != nil {
		return domain.SwapCall{}, fmt.Errorf("transaction.data: %w", err)
	}
	if len(data) < 4 {
		return domain.SwapCall{}, errors.New("transaction.data has no selector")
	}
	if tx.Value != "" {
		v, err := decimal.NewFromString(tx.Value)
		if err != nil {
			return domain.SwapCall{}, fmt.Errorf("transaction.value: %w", err)
		}
		if !v.IsZero() {
			return domain.SwapCall{}, fmt.Errorf("transaction.value %s: native value is not supported", tx.Value)
		}
	}
	return domain.SwapCall{Target: common.HexToAddress(tx.To).Hex(), Data: data}, nil
}

func (c *Client) do(ctx context.Context, ep Endpoint, method, path string, body any) ([]byte, error) {
	if err := c.gate.Acquire(ctx, ep.ProviderID); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: err}
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// transportError marks failures where another endpoint may well succeed.
type transportError struct{ err error }

func (e *transportError) Error() string { return "http request: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// statusError carries a non-2xx answer.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.code, e.msg) }

func checkHTTPStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		msg = er.Message
	}
	switch code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	default:
		return &statusError{code: code, msg: msg}
	}
}

// retriable reports whether the next endpoint should be tried. Rate limits,
// auth problems on one provider, transport errors and 5xx answers move on;
// a 4xx from the aggregator (no route, bad token) would repeat everywhere.
func retriable(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrUnauthorized) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return false
}

func routeLabel(fills []fill) string {
	labels := make([]string, 0, len(fills))
	for _, f := range fills {
		if f.Source != "" {
			labels = append(labels, f.Source)
		}
	}
	return strings.Join(labels, ">")
}

// ToBaseUnits renders amount in the asset's smallest unit, rounding down.
func ToBaseUnits(amount float64, decimals int32) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("amount must be positive, got %v", amount)
	}
	return decimal.NewFromFloat(amount).Shift(decimals).Floor().String(), nil
}

// FromBaseUnits parses a smallest-unit integer string into whole units.
func FromBaseUnits(s string, decimals int32) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.Shift(-decimals).InexactFloat64(), nil
}

var _ domain.QuoteSource = (*Client)(nil)
