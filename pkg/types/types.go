// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the monitor daemon: order and
// product enums, market ticks, order-status events, and the request/response
// shapes of the brokerage REST API. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order pricing modes.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Product selects the settlement mode for an order.
type Product string

const (
	ProductDelivery Product = "D" // delivery / full cash settlement
	ProductIntraday Product = "I" // intraday / margin, squared off before close
)

// OrderStatus is the lifecycle state reported by the portfolio stream.
type OrderStatus string

const (
	OrderComplete        OrderStatus = "complete"
	OrderRejected        OrderStatus = "rejected"
	OrderCancelled       OrderStatus = "cancelled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
)

// Valid reports whether s is one of the statuses the core matches on.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderComplete, OrderRejected, OrderCancelled, OrderPartiallyFilled:
		return true
	}
	return false
}

// Timeframe is a candle aggregation window.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

// Minutes returns the window length in minutes, or 0 for an unknown timeframe.
func (tf Timeframe) Minutes() int {
	switch tf {
	case Timeframe1m:
		return 1
	case Timeframe5m:
		return 5
	case Timeframe15m:
		return 15
	case Timeframe30m:
		return 30
	case Timeframe1h:
		return 60
	case Timeframe1d:
		return 1440
	}
	return 0
}

// Market data

// Tick is a single market-data update for one instrument, decoded from the
// binary feed. Bid/Ask are zero when the feed is in LTP-only mode.
type Tick struct {
	InstrumentToken string
	LTP             float64
	Bid             float64
	Ask             float64
	Volume          uint32
	Timestamp       time.Time
}

// OrderUpdate is an order-status change from the portfolio stream.
type OrderUpdate struct {
	Type       string         `json:"type"` // always "order"
	OrderID    string         `json:"order_id"`
	Status     OrderStatus    `json:"status"`
	Symbol     string         `json:"symbol"`
	FilledQty  int            `json:"filled_quantity"`
	AvgPrice   float64        `json:"average_price"`
	Timestamp  string         `json:"timestamp"`
	RawPayload map[string]any `json:"raw,omitempty"`
}

// SubscribeMsg is the JSON control frame sent on the market-data stream to
// change the subscribed instrument set.
type SubscribeMsg struct {
	Op     string   `json:"op"` // "subscribe" or "unsubscribe"
	Tokens []string `json:"tokens"`
}

// Brokerage REST shapes

// PlaceOrderRequest is the request body for POST /orders.
type PlaceOrderRequest struct {
	Symbol          string    `json:"symbol"`
	TransactionType Side      `json:"transaction_type"`
	Quantity        int       `json:"quantity"`
	OrderType       OrderType `json:"order_type"`
	Product         Product   `json:"product"`
	Price           float64   `json:"price,omitempty"` // omitted for MARKET
	ClientRef       string    `json:"client_ref,omitempty"`
}

// ModifyOrderRequest is the request body for PUT /orders/{id}.
type ModifyOrderRequest struct {
	Price    float64 `json:"price,omitempty"`
	Quantity int     `json:"quantity,omitempty"`
}

// OrderResponse is returned by order placement, modification and cancellation.
type OrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Quote is the REST snapshot returned by GET /quote for one instrument.
type Quote struct {
	InstrumentToken string  `json:"instrument_token"`
	Symbol          string  `json:"symbol"`
	LTP             float64 `json:"ltp"`
	Open            float64 `json:"open"`
	High            float64 `json:"high"`
	Low             float64 `json:"low"`
	Close           float64 `json:"close"`
	Volume          uint64  `json:"volume"`
}

// HistoricalCandle is one OHLCV bar from the historical candles endpoint,
// used to seed candle buffers on first subscription.
type HistoricalCandle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// TokenResponse is returned by the token refresh endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// Credentials are the per-user brokerage tokens held by a session.
type Credentials struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token is past, or within margin of, expiry.
func (c Credentials) Expired(margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(c.ExpiresAt)
}
