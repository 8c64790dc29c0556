// Package broker implements the brokerage REST and streaming clients.
//
// The REST client (Client) covers the calls the monitor core needs:
//   - PlaceOrder:    POST /orders          — submit a new order
//   - ModifyOrder:   PUT  /orders/{id}     — amend price/quantity
//   - CancelOrder:   DELETE /orders/{id}   — cancel an open order
//   - GetQuote:      GET  /quote           — LTP snapshot for one instrument
//   - GetCandles:    GET  /candles         — historical bars to seed buffers
//   - RefreshToken:  POST /token/refresh   — exchange refresh for access token
//
// Every request is rate-limited via per-category TokenBuckets and retried on
// 5xx. Per-user access tokens ride as Bearer headers; the application key is
// a fixed header on every call.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"niftystrategist/internal/config"
	"niftystrategist/pkg/types"
)

// Client is the brokerage REST API client. It wraps a resty HTTP client
// with rate limiting, retry, and auth headers.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	dryRun bool // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Api-Key", cfg.ApiKey)

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "broker"),
	}
}

// classify maps a non-2xx response to the error taxonomy.
func classify(resp *resty.Response) error {
	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuth, resp.String())
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
		return &RejectionError{StatusCode: resp.StatusCode(), Message: resp.String()}
	default:
		return fmt.Errorf("broker status %d: %s", resp.StatusCode(), resp.String())
	}
}

// PlaceOrder submits a new order on behalf of the user identified by
// accessToken. req.ClientRef should carry the caller's idempotency key so a
// retried placement is deduplicated broker-side.
func (c *Client) PlaceOrder(ctx context.Context, accessToken string, req types.PlaceOrderRequest) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.TransactionType, "qty", req.Quantity)
		return &types.OrderResponse{OrderID: "dry-run-" + req.ClientRef, Status: "open"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetBody(req).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("place order: %w", classify(resp))
	}

	c.logger.Info("order placed", "order_id", result.OrderID, "symbol", req.Symbol)
	return &result, nil
}

// ModifyOrder amends an open order's price and/or quantity.
func (c *Client) ModifyOrder(ctx context.Context, accessToken, orderID string, req types.ModifyOrderRequest) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would modify order", "order_id", orderID)
		return &types.OrderResponse{OrderID: orderID, Status: "open"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetBody(req).
		SetResult(&result).
		Put("/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("modify order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("modify order: %w", classify(resp))
	}
	return &result, nil
}

// CancelOrder cancels an open order by id.
func (c *Client) CancelOrder(ctx context.Context, accessToken, orderID string) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return &types.OrderResponse{OrderID: orderID, Status: "cancelled"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&result).
		Delete("/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel order: %w", classify(resp))
	}

	c.logger.Info("order cancelled", "order_id", orderID)
	return &result, nil
}

// GetQuote fetches a price snapshot for one instrument. Used at rule
// creation to seed trailing stops with the current LTP.
func (c *Client) GetQuote(ctx context.Context, accessToken, instrumentToken string) (*types.Quote, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.Quote
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetQueryParam("instrument_token", instrumentToken).
		SetResult(&result).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("get quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get quote: %w", classify(resp))
	}
	return &result, nil
}

// GetCandles fetches historical bars for one instrument and timeframe,
// ascending by time. Seeds a session's candle buffer on first subscription.
func (c *Client) GetCandles(ctx context.Context, accessToken, instrumentToken string, tf types.Timeframe, from, to time.Time) ([]types.HistoricalCandle, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Candles []types.HistoricalCandle `json:"candles"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetQueryParams(map[string]string{
			"instrument_token": instrumentToken,
			"timeframe":        string(tf),
			"from":             from.UTC().Format(time.RFC3339),
			"to":               to.UTC().Format(time.RFC3339),
		}).
		SetResult(&result).
		Get("/candles")
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get candles: %w", classify(resp))
	}
	return result.Candles, nil
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*types.TokenResponse, error) {
	if err := c.rl.Auth.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.TokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh_token": refreshToken}).
		SetResult(&result).
		Post("/token/refresh")
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("refresh token: %w", classify(resp))
	}
	return &result, nil
}
