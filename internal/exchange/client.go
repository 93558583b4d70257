// Package exchange implements the OKX REST and private WebSocket clients.
//
// The REST client (Client) covers the trading surface the core invokes:
//   - SubmitOrder:  POST /api/v5/trade/order        — place a market/limit order
//   - CancelOrder:  POST /api/v5/trade/cancel-order — cancel by exchange order ID
//   - PlaceAlgo:    POST /api/v5/trade/order-algo   — conditional stop/tp orders
//   - CancelAlgo:   POST /api/v5/trade/cancel-algos — cancel a conditional order
//   - SetLeverage:  POST /api/v5/account/set-leverage
//
// Every request is rate-limited through a shared token bucket, automatically
// retried on 5xx errors, and signed with OK-ACCESS-* HMAC headers. All
// operations are idempotent on the client order ID: the venue rejects a
// duplicate clOrdId rather than creating a second order.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"okx-trader/internal/config"
	"okx-trader/pkg/types"
)

// Client is the exchange REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http    *resty.Client
	auth    *Auth
	rl      *TokenBucket
	dryRun  bool // mutating methods return fake success without HTTP calls
	sandbox bool
	logger  *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(cfg.API.RequestTimeout).
		SetRetryCount(cfg.API.MaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		auth:    auth,
		rl:      NewTokenBucket(cfg.API.RateLimit, cfg.API.RateWindow, cfg.API.MinInterval),
		dryRun:  cfg.DryRun,
		sandbox: cfg.Exchange.Sandbox,
		logger:  logger.With("component", "exchange"),
	}
}

// OrderRequest is a market or limit order submission.
type OrderRequest struct {
	Symbol     string          `json:"instId"`
	MarginMode string          `json:"tdMode"`
	Cloid      string          `json:"clOrdId"`
	Side       types.Side      `json:"side"`
	PosSide    types.PosSide   `json:"posSide"`
	OrdType    types.OrdType   `json:"ordType"`
	Sz         decimal.Decimal `json:"sz"`
	Px         string          `json:"px,omitempty"`
	Tag        string          `json:"tag,omitempty"`
}

// AlgoRequest is a conditional stop-loss or take-profit order. Trigger is the
// mark price that arms it; Cloid is the algo client order ID the ledger
// tracks for later cancellation.
type AlgoRequest struct {
	Symbol      string          `json:"instId"`
	MarginMode  string          `json:"tdMode"`
	Cloid       string          `json:"algoClOrdId"`
	Side        types.Side      `json:"side"`
	PosSide     types.PosSide   `json:"posSide"`
	OrdType     types.OrdType   `json:"ordType"` // trigger
	Sz          decimal.Decimal `json:"sz"`
	TriggerPx   string          `json:"triggerPx"`
	OrderPx     string          `json:"orderPx"` // "-1" for market execution
	TriggerType string          `json:"triggerPxType,omitempty"`
}

// apiResponse is the standard REST envelope.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type orderResult struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// SubmitOrder places an order and returns the venue-assigned order ID.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c.dryRun {
		c.logger.Info("dry-run submit order", "cloid", req.Cloid, "symbol", req.Symbol)
		return "dry-" + uuid.NewString(), nil
	}

	results, err := c.post(ctx, "/api/v5/trade/order", req)
	if err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("submit order: empty response")
	}
	if results[0].SCode != "" && results[0].SCode != "0" {
		return "", fmt.Errorf("submit order rejected: code %s: %s", results[0].SCode, results[0].SMsg)
	}
	return results[0].OrdID, nil
}

// CancelOrder cancels an order by exchange order ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, oid string) error {
	if c.dryRun {
		c.logger.Info("dry-run cancel order", "oid", oid)
		return nil
	}

	body := map[string]string{"instId": symbol, "ordId": oid}
	results, err := c.post(ctx, "/api/v5/trade/cancel-order", body)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", oid, err)
	}
	if len(results) > 0 && results[0].SCode != "" && results[0].SCode != "0" {
		return fmt.Errorf("cancel order %s rejected: code %s: %s", oid, results[0].SCode, results[0].SMsg)
	}
	return nil
}

// PlaceAlgo places a conditional order and returns its algo client order ID.
func (c *Client) PlaceAlgo(ctx context.Context, req AlgoRequest) (string, error) {
	if c.dryRun {
		c.logger.Info("dry-run place algo", "cloid", req.Cloid, "trigger", req.TriggerPx)
		return req.Cloid, nil
	}

	results, err := c.post(ctx, "/api/v5/trade/order-algo", req)
	if err != nil {
		return "", fmt.Errorf("place algo: %w", err)
	}
	if len(results) > 0 && results[0].SCode != "" && results[0].SCode != "0" {
		return "", fmt.Errorf("place algo rejected: code %s: %s", results[0].SCode, results[0].SMsg)
	}
	return req.Cloid, nil
}

// CancelAlgo cancels a conditional order by its algo client order ID.
func (c *Client) CancelAlgo(ctx context.Context, symbol, algoCloid string) error {
	if algoCloid == "" {
		return nil
	}
	if c.dryRun {
		c.logger.Info("dry-run cancel algo", "cloid", algoCloid)
		return nil
	}

	body := []map[string]string{{"instId": symbol, "algoClOrdId": algoCloid}}
	results, err := c.post(ctx, "/api/v5/trade/cancel-algos", body)
	if err != nil {
		return fmt.Errorf("cancel algo %s: %w", algoCloid, err)
	}
	if len(results) > 0 && results[0].SCode != "" && results[0].SCode != "0" {
		return fmt.Errorf("cancel algo %s rejected: code %s: %s", algoCloid, results[0].SCode, results[0].SMsg)
	}
	return nil
}

// SetLeverage sets the leverage for a symbol before opening.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, marginMode string) error {
	if c.dryRun {
		c.logger.Info("dry-run set leverage", "symbol", symbol, "lever", leverage)
		return nil
	}

	body := map[string]string{
		"instId":  symbol,
		"lever":   fmt.Sprintf("%d", leverage),
		"mgnMode": marginMode,
	}
	if _, err := c.post(ctx, "/api/v5/account/set-leverage", body); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return nil
}

// post rate-limits, signs and sends one POST request, unwrapping the
// standard response envelope.
func (c *Client) post(ctx context.Context, path string, body any) ([]orderResult, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.RESTHeaders(http.MethodPost, path, string(payload))).
		SetBody(payload)
	if c.sandbox {
		req.SetHeader("x-simulated-trading", "1")
	}

	resp, err := req.Post(path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}

	var envelope apiResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Code != "0" {
		return nil, fmt.Errorf("api code %s: %s", envelope.Code, envelope.Msg)
	}

	var results []orderResult
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &results); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return results, nil
}
