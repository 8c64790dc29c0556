// ws.go implements the two per-user websocket feeds.
//
//   - Market-data feed: binary tick frames (codec.go), mutable instrument
//     subscription set, JSON control frames for subscribe/unsubscribe.
//
//   - Portfolio feed: line-oriented JSON order-status events.
//
// Both feeds auto-reconnect with exponential backoff (1s doubling up to the
// configured cap), keep the connection alive with pings after an idle
// period, and re-subscribe the current set before any user data flows after
// a reconnect. A 401 on dial routes through the TokenSource refresh flow; if
// refresh fails the feed returns ErrMonitoringPaused and the session manager
// parks the user.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"niftystrategist/internal/config"
	"niftystrategist/pkg/types"
)

const (
	tickBufferSize  = 256
	orderBufferSize = 64
	writeTimeout    = 10 * time.Second
)

// TokenSource supplies the user's current access token and knows how to
// refresh it. Implemented by the session manager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// MarketFeed is the binary tick stream for one user session.
type MarketFeed struct {
	url    string
	cfg    config.StreamConfig
	tokens TokenSource
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tickCh chan types.Tick
}

// NewMarketFeed creates a market-data feed. Run must be called to connect.
func NewMarketFeed(wsURL string, cfg config.StreamConfig, tokens TokenSource, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		url:        wsURL,
		cfg:        cfg,
		tokens:     tokens,
		subscribed: make(map[string]bool),
		tickCh:     make(chan types.Tick, tickBufferSize),
		logger:     logger.With("component", "ws_market"),
	}
}

// Ticks returns the read-only channel of decoded market ticks.
func (f *MarketFeed) Ticks() <-chan types.Tick { return f.tickCh }

// Run connects and maintains the feed with auto-reconnect. Blocks until ctx
// is cancelled or the user's credentials cannot be restored.
func (f *MarketFeed) Run(ctx context.Context) error {
	return runWithBackoff(ctx, f.cfg, f.logger, f.connectAndRead)
}

// Subscribe adds instrument tokens and flushes a subscribe frame.
func (f *MarketFeed) Subscribe(ctx context.Context, tokens []string) error {
	f.subscribedMu.Lock()
	for _, t := range tokens {
		f.subscribed[t] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(types.SubscribeMsg{Op: "subscribe", Tokens: tokens})
}

// Unsubscribe removes instrument tokens and flushes an unsubscribe frame.
func (f *MarketFeed) Unsubscribe(ctx context.Context, tokens []string) error {
	f.subscribedMu.Lock()
	for _, t := range tokens {
		delete(f.subscribed, t)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(types.SubscribeMsg{Op: "unsubscribe", Tokens: tokens})
}

// Subscribed returns the current desired instrument set.
func (f *MarketFeed) Subscribed() []string {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	out := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		out = append(out, t)
	}
	return out
}

// Close tears down the connection.
func (f *MarketFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *MarketFeed) connectAndRead(ctx context.Context) error {
	conn, err := dialAuthed(ctx, f.url, f.cfg, f.tokens, f.logger)
	if err != nil {
		return err
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Re-register the full desired set before any tick is processed, so a
	// reconnect is invisible to the dispatcher.
	f.subscribedMu.RLock()
	initial := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		initial = append(initial, t)
	}
	f.subscribedMu.RUnlock()
	if len(initial) > 0 {
		if err := f.writeJSON(types.SubscribeMsg{Op: "subscribe", Tokens: initial}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	f.logger.Info("market feed connected", "instruments", len(initial))

	return readLoop(ctx, conn, f.cfg, f.writeMessage, func(msgType int, data []byte) {
		if msgType != websocket.BinaryMessage {
			return
		}
		ticks, err := DecodeTicks(data)
		if err != nil {
			f.logger.Error("decode tick frame", "error", err)
			return
		}
		for _, t := range ticks {
			select {
			case f.tickCh <- t:
			default:
				f.logger.Warn("tick channel full, dropping tick", "instrument", t.InstrumentToken)
			}
		}
	})
}

func (f *MarketFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; the desired set is replayed on connect.
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

// writeMessage is the single guarded write path shared by control frames
// and the heartbeat. gorilla/websocket allows one concurrent writer.
func (f *MarketFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

// PortfolioFeed is the JSON order-status stream for one user session.
type PortfolioFeed struct {
	url    string
	cfg    config.StreamConfig
	tokens TokenSource
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	orderCh chan types.OrderUpdate
}

// NewPortfolioFeed creates a portfolio event feed.
func NewPortfolioFeed(wsURL string, cfg config.StreamConfig, tokens TokenSource, logger *slog.Logger) *PortfolioFeed {
	return &PortfolioFeed{
		url:     wsURL,
		cfg:     cfg,
		tokens:  tokens,
		orderCh: make(chan types.OrderUpdate, orderBufferSize),
		logger:  logger.With("component", "ws_portfolio"),
	}
}

// OrderUpdates returns the read-only channel of order-status events.
func (f *PortfolioFeed) OrderUpdates() <-chan types.OrderUpdate { return f.orderCh }

// Run connects and maintains the feed with auto-reconnect.
func (f *PortfolioFeed) Run(ctx context.Context) error {
	return runWithBackoff(ctx, f.cfg, f.logger, f.connectAndRead)
}

// Close tears down the connection.
func (f *PortfolioFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *PortfolioFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

func (f *PortfolioFeed) connectAndRead(ctx context.Context) error {
	conn, err := dialAuthed(ctx, f.url, f.cfg, f.tokens, f.logger)
	if err != nil {
		return err
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// The stream supports order, position, and holding modes; the core only
	// consumes order events.
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "modes": []string{"order"}}); err != nil {
		return fmt.Errorf("subscribe order mode: %w", err)
	}

	f.logger.Info("portfolio feed connected")

	return readLoop(ctx, conn, f.cfg, f.writeMessage, func(msgType int, data []byte) {
		if msgType != websocket.TextMessage {
			return
		}
		var evt types.OrderUpdate
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Debug("ignoring non-json portfolio message", "data", string(data))
			return
		}
		if evt.Type != "order" {
			return
		}
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn("order channel full, dropping event", "order_id", evt.OrderID)
		}
	})
}

// runWithBackoff reconnects connect with exponential backoff: 1s, 2s, 4s,
// capped at cfg.MaxBackoff. A successful read session resets the backoff.
// Auth failures that survive a refresh attempt are terminal.
func runWithBackoff(ctx context.Context, cfg config.StreamConfig, logger *slog.Logger, connect func(context.Context) error) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrMonitoringPaused) {
			return err
		}

		if time.Since(start) > cfg.MaxBackoff {
			backoff = time.Second
		}

		logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}

// dialAuthed dials the websocket with the user's bearer token. A 401
// response triggers one refresh-and-redial; if the refresh fails, the
// caller gets ErrMonitoringPaused.
func dialAuthed(ctx context.Context, url string, cfg config.StreamConfig, tokens TokenSource, logger *slog.Logger) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}

		header := http.Header{"Authorization": {"Bearer " + token}}
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err == nil {
			return conn, nil
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized || attempt > 0 {
			return nil, fmt.Errorf("dial: %w", err)
		}

		logger.Info("stream rejected token, refreshing credentials")
		if err := tokens.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMonitoringPaused, err)
		}
	}
	return nil, fmt.Errorf("dial: retries exhausted")
}

// readLoop reads frames until error or cancellation, keeping the heartbeat
// contract: after PingIdle without inbound data a ping goes out, and the
// read deadline tears the connection down if no pong (or data) arrives
// within PongWait after that. Pings go through write, the feed's guarded
// write path, so they never race a subscription frame.
func readLoop(ctx context.Context, conn *websocket.Conn, cfg config.StreamConfig, write func(msgType int, data []byte) error, handle func(msgType int, data []byte)) error {
	deadline := cfg.PingIdle + cfg.PongWait

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(cfg.PingIdle)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(deadline))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		handle(msgType, data)
	}
}
