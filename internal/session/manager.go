package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"niftystrategist/internal/broker"
	"niftystrategist/internal/config"
	"niftystrategist/internal/rules"
	"niftystrategist/internal/store"
	"niftystrategist/pkg/types"
)

// Manager owns the user_id -> Session map. Sessions are created lazily when
// a user first has an enabled rule and torn down (after a grace period)
// when their active set goes empty.
type Manager struct {
	cfg    config.Config
	client *broker.Client
	st     *store.Store
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	// refreshMu serializes the refresh flow per user so concurrent 401s
	// from the two feeds trigger a single token exchange.
	refreshMu sync.Mutex
}

// NewManager creates a session manager.
func NewManager(cfg config.Config, client *broker.Client, st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		client:   client,
		st:       st,
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

// tokenSource adapts the manager's refresh flow to the feeds' TokenSource.
type tokenSource struct {
	m      *Manager
	userID string
}

func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	sess := ts.m.Get(ts.userID)
	if sess == nil {
		return "", fmt.Errorf("no session for user %s", ts.userID)
	}
	creds := sess.Credentials()
	if creds.Expired(ts.m.cfg.Monitor.RefreshMargin) {
		if err := ts.m.RefreshCredentials(ctx, ts.userID); err != nil {
			return "", err
		}
		creds = sess.Credentials()
	}
	return creds.AccessToken, nil
}

func (ts *tokenSource) Refresh(ctx context.Context) error {
	return ts.m.RefreshCredentials(ctx, ts.userID)
}

// Get returns the session for a user, or nil.
func (m *Manager) Get(userID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[userID]
}

// EnsureSession returns the user's session, creating it on first need:
// credentials are loaded from the store and both stream clients started.
func (m *Manager) EnsureSession(ctx context.Context, userID string) (*Session, error) {
	if sess := m.Get(userID); sess != nil {
		return sess, nil
	}

	creds, err := m.st.LoadCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, fmt.Errorf("user %s has rules but no stored credentials", userID)
	}

	sess := newSession(userID, *creds)
	ts := &tokenSource{m: m, userID: userID}
	sess.MarketFeed = broker.NewMarketFeed(m.cfg.Broker.WSMarketURL, m.cfg.Stream, ts,
		m.logger.With("user_id", userID))
	sess.PortfolioFeed = broker.NewPortfolioFeed(m.cfg.Broker.WSPortfolioURL, m.cfg.Stream, ts,
		m.logger.With("user_id", userID))

	sctx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel

	m.mu.Lock()
	if existing := m.sessions[userID]; existing != nil {
		m.mu.Unlock()
		cancel()
		return existing, nil
	}
	m.sessions[userID] = sess
	m.mu.Unlock()

	m.runFeed(sctx, sess, "market", func(c context.Context) error { return sess.MarketFeed.Run(c) })
	m.runFeed(sctx, sess, "portfolio", func(c context.Context) error { return sess.PortfolioFeed.Run(c) })

	m.logger.Info("session created", "user_id", userID)
	return sess, nil
}

// runFeed supervises one stream goroutine. A feed that gives up on
// credentials parks the user instead of crashing the session, then waits
// out the park and reconnects once credentials are restored.
func (m *Manager) runFeed(ctx context.Context, sess *Session, name string, run func(context.Context) error) {
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		for {
			err := run(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			if !errors.Is(err, broker.ErrMonitoringPaused) {
				m.logger.Error("feed stopped", "user_id", sess.UserID, "feed", name, "error", err)
				return
			}
			m.pause(ctx, sess, err)
			if !sess.awaitResume(ctx) {
				return
			}
			m.logger.Info("feed resuming after credential restore",
				"user_id", sess.UserID, "feed", name)
		}
	}()
}

// pause parks a session: subscriptions are dropped and evaluations stop,
// but the session stays resident so monitoring resumes as soon as
// credentials are restored.
func (m *Manager) pause(ctx context.Context, sess *Session, cause error) {
	sess.setPaused(true)

	sess.mu.Lock()
	tokens := make([]string, 0, len(sess.instruments))
	for t := range sess.instruments {
		tokens = append(tokens, t)
	}
	sess.instruments = make(map[string]time.Time)
	sess.mu.Unlock()

	if len(tokens) > 0 {
		sess.MarketFeed.Unsubscribe(ctx, tokens)
	}

	m.logger.Error("monitoring paused",
		"user_id", sess.UserID,
		"error", cause,
		"dropped_instruments", len(tokens),
	)
}

// TearDown closes a user's streams and drops the session.
func (m *Manager) TearDown(userID string) {
	m.mu.Lock()
	sess := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if sess == nil {
		return
	}

	sess.cancel()
	sess.MarketFeed.Close()
	sess.PortfolioFeed.Close()
	sess.wg.Wait()

	m.logger.Info("session torn down", "user_id", userID)
}

// RefreshCredentials runs the token refresh flow for a user and persists
// the result. On failure the caller decides whether to pause; repeated
// feed-level failures escalate to ErrMonitoringPaused there.
func (m *Manager) RefreshCredentials(ctx context.Context, userID string) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	sess := m.Get(userID)
	if sess == nil {
		return fmt.Errorf("no session for user %s", userID)
	}

	creds := sess.Credentials()
	rctx, cancel := context.WithTimeout(ctx, m.cfg.Broker.RefreshTimeout)
	defer cancel()

	tok, err := m.client.RefreshToken(rctx, creds.RefreshToken)
	if err != nil {
		return fmt.Errorf("refresh for %s: %w", userID, err)
	}

	next := types.Credentials{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}

	if err := m.st.SaveCredentials(ctx, next); err != nil {
		return err
	}
	sess.setCredentials(next)
	sess.setPaused(false)

	m.logger.Info("credentials refreshed", "user_id", userID, "expires_at", next.ExpiresAt)
	return nil
}

// Reconcile installs the user's current rule set and converges the market
// feed's subscriptions to the instruments those rules require. New
// indicator timeframes get their buffers seeded from historical candles.
func (m *Manager) Reconcile(ctx context.Context, userID string, rs []*rules.Rule) error {
	sess, err := m.EnsureSession(ctx, userID)
	if err != nil {
		return err
	}

	sess.SetRules(rs)

	if sess.Paused() {
		// Parked: try to restore credentials; stay parked on failure.
		if err := m.RefreshCredentials(ctx, userID); err != nil {
			m.logger.Warn("user still paused", "user_id", userID, "error", err)
			return nil
		}
	}

	desired := rules.ExtractInstruments(rs)
	desired = m.capInstruments(sess, desired)

	desiredSet := make(map[string]bool, len(desired))
	for _, t := range desired {
		desiredSet[t] = true
	}

	sess.mu.Lock()
	var toAdd, toRemove []string
	for t := range desiredSet {
		if _, ok := sess.instruments[t]; !ok {
			toAdd = append(toAdd, t)
			sess.instruments[t] = time.Now()
		}
	}
	for t := range sess.instruments {
		if !desiredSet[t] {
			toRemove = append(toRemove, t)
			delete(sess.instruments, t)
		}
	}
	sess.mu.Unlock()

	if len(toRemove) > 0 {
		if err := sess.MarketFeed.Unsubscribe(ctx, toRemove); err != nil {
			m.logger.Warn("unsubscribe failed", "user_id", userID, "error", err)
		}
	}
	if len(toAdd) > 0 {
		if err := sess.MarketFeed.Subscribe(ctx, toAdd); err != nil {
			m.logger.Warn("subscribe failed", "user_id", userID, "error", err)
		}
	}

	m.seedBuffers(ctx, sess, rs)
	return nil
}

// capInstruments enforces the per-user subscription cap, evicting the
// longest-untouched instruments and logging the overflow.
func (m *Manager) capInstruments(sess *Session, desired []string) []string {
	max := m.cfg.Monitor.MaxInstruments
	if len(desired) <= max {
		return desired
	}

	sess.mu.RLock()
	touched := make(map[string]time.Time, len(sess.instruments))
	for t, at := range sess.instruments {
		touched[t] = at
	}
	sess.mu.RUnlock()

	sorted := append([]string(nil), desired...)
	sort.Slice(sorted, func(i, j int) bool {
		return touched[sorted[i]].After(touched[sorted[j]])
	})

	m.logger.Warn("instrument subscription cap exceeded, evicting oldest",
		"user_id", sess.UserID,
		"desired", len(desired),
		"cap", max,
	)
	return sorted[:max]
}

// seedBuffers creates and primes candle buffers for every indicator
// timeframe the rule set references. Already-seeded buffers are left alone.
func (m *Manager) seedBuffers(ctx context.Context, sess *Session, rs []*rules.Rule) {
	for _, r := range rs {
		for tf := range indicatorTimeframes(r) {
			if r.InstrumentToken == "" {
				continue
			}
			buf, created := sess.EnsureBuffer(r.InstrumentToken, tf, m.cfg.Monitor.MaxCandles)
			if !created {
				continue
			}
			span := time.Duration(tf.Minutes()) * time.Minute * time.Duration(m.cfg.Monitor.MaxCandles+20)
			hist, err := m.client.GetCandles(ctx, sess.Credentials().AccessToken,
				r.InstrumentToken, tf, time.Now().Add(-span), time.Now())
			if err != nil {
				m.logger.Warn("historical seed failed",
					"user_id", sess.UserID, "instrument", r.InstrumentToken,
					"timeframe", tf, "error", err)
				continue
			}
			buf.Seed(hist)
		}
		// Live OHLC references need at least the 1m aggregate.
		if r.NeedsMarketData() && r.InstrumentToken != "" {
			sess.EnsureBuffer(r.InstrumentToken, types.Timeframe1m, m.cfg.Monitor.MaxCandles)
		}
	}
}

// indicatorTimeframes collects the timeframes a rule's trigger tree needs,
// descending into compound sub-conditions.
func indicatorTimeframes(r *rules.Rule) map[types.Timeframe]bool {
	out := make(map[types.Timeframe]bool)
	collectTimeframes(r.TriggerType, r.TriggerConfig, out, 0)
	return out
}

func collectTimeframes(tt rules.TriggerType, raw []byte, out map[types.Timeframe]bool, depth int) {
	if depth > 4 {
		return
	}
	switch tt {
	case rules.TriggerIndicator:
		var t rules.IndicatorTrigger
		if err := json.Unmarshal(raw, &t); err == nil {
			tf := t.Timeframe
			if tf == "" {
				tf = types.Timeframe5m
			}
			out[tf] = true
		}
	case rules.TriggerCompound:
		var t rules.CompoundTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return
		}
		subs, err := t.SubConditions()
		if err != nil {
			return
		}
		for _, sub := range subs {
			collectTimeframes(sub.Type, sub.Raw, out, depth+1)
		}
	}
}

// ActiveUsers returns the ids of all resident sessions.
func (m *Manager) ActiveUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Snapshots returns immutable views of every session for the status API.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// Shutdown tears down every session.
func (m *Manager) Shutdown() {
	for _, id := range m.ActiveUsers() {
		m.TearDown(id)
	}
}
