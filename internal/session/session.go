// Package session manages per-user monitoring state: credentials, the two
// stream handles, the instrument subscription set, candle buffers, and the
// in-memory rule snapshot.
//
// A session's mutable evaluation state (rules, previous prices, buffers) is
// written only by the daemon's dispatcher goroutine for that user. External
// readers (the status API) get cloned snapshots, never interior references.
package session

import (
	"context"
	"sync"
	"time"

	"niftystrategist/internal/broker"
	"niftystrategist/internal/candles"
	"niftystrategist/internal/rules"
	"niftystrategist/pkg/types"
)

// Session holds the live monitoring state for one user.
type Session struct {
	UserID string

	MarketFeed    *broker.MarketFeed
	PortfolioFeed *broker.PortfolioFeed

	// mu guards creds, ruleSet, paused, and instruments: the fields shared
	// between the dispatcher, the feed goroutines, and snapshot readers.
	mu       sync.RWMutex
	creds    types.Credentials
	ruleSet  map[int64]*rules.Rule
	paused   bool
	resumeCh chan struct{} // non-nil while paused; closed when credentials return

	// instruments tracks the subscribed set with last-touch times for
	// overflow eviction.
	instruments map[string]time.Time

	// Dispatcher-owned state: only the user's dispatcher goroutine touches
	// these, no locking needed.
	prevPrices map[string]map[rules.Reference]float64
	lastMarket map[string]map[rules.Reference]float64
	buffers    map[string]map[types.Timeframe]*candles.Buffer

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	emptyAt time.Time // when the active rule set went empty, for grace teardown
}

func newSession(userID string, creds types.Credentials) *Session {
	return &Session{
		UserID:      userID,
		creds:       creds,
		ruleSet:     make(map[int64]*rules.Rule),
		instruments: make(map[string]time.Time),
		prevPrices:  make(map[string]map[rules.Reference]float64),
		lastMarket:  make(map[string]map[rules.Reference]float64),
		buffers:     make(map[string]map[types.Timeframe]*candles.Buffer),
	}
}

// Credentials returns the current tokens.
func (s *Session) Credentials() types.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *Session) setCredentials(c types.Credentials) {
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
}

// Paused reports whether monitoring is parked pending credential recovery.
func (s *Session) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Session) setPaused(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == v {
		return
	}
	s.paused = v
	if v {
		s.resumeCh = make(chan struct{})
		return
	}
	close(s.resumeCh)
	s.resumeCh = nil
}

// awaitResume blocks a parked feed goroutine until credentials are restored
// or the session context ends. Reports whether the feed should reconnect.
func (s *Session) awaitResume(ctx context.Context) bool {
	s.mu.RLock()
	ch := s.resumeCh
	s.mu.RUnlock()
	if ch == nil {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}

// SetRules replaces the in-memory rule snapshot.
func (s *Session) SetRules(rs []*rules.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleSet = make(map[int64]*rules.Rule, len(rs))
	for _, r := range rs {
		s.ruleSet[r.ID] = r
	}
	if len(rs) == 0 {
		if s.emptyAt.IsZero() {
			s.emptyAt = time.Now()
		}
	} else {
		s.emptyAt = time.Time{}
	}
}

// Rules returns the current rule snapshot for dispatch. The returned slice
// is fresh; the rule pointers are shared with the session and must only be
// mutated by the dispatcher.
func (s *Session) Rules() []*rules.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rules.Rule, 0, len(s.ruleSet))
	for _, r := range s.ruleSet {
		out = append(out, r)
	}
	return out
}

// Rule returns one rule by id, or nil.
func (s *Session) Rule(id int64) *rules.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ruleSet[id]
}

// RemoveRule drops a rule from the in-memory set (OCO peer cancellation,
// exhausted fire budget).
func (s *Session) RemoveRule(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ruleSet, id)
	if len(s.ruleSet) == 0 && s.emptyAt.IsZero() {
		s.emptyAt = time.Now()
	}
}

// EmptySince returns when the rule set went empty; zero while rules exist.
func (s *Session) EmptySince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emptyAt
}

// MarketState updates and returns the per-instrument market data and
// previous-price maps for a tick. The previous map reflects state before
// this tick; the dispatcher must evaluate against it and then call
// CommitPrices. Dispatcher-only.
func (s *Session) MarketState(t types.Tick) (market, prev map[rules.Reference]float64) {
	market = map[rules.Reference]float64{rules.RefLTP: t.LTP}
	if t.Bid != 0 {
		market[rules.RefBid] = t.Bid
	}
	if t.Ask != 0 {
		market[rules.RefAsk] = t.Ask
	}
	if buf := s.Buffer(t.InstrumentToken, types.Timeframe1m); buf != nil && buf.Len() > 0 {
		bars := buf.Candles()
		last := bars[len(bars)-1]
		market[rules.RefOpen] = last.Open
		market[rules.RefHigh] = last.High
		market[rules.RefLow] = last.Low
	}

	prev = s.prevPrices[t.InstrumentToken]
	s.lastMarket[t.InstrumentToken] = market

	s.mu.Lock()
	if _, ok := s.instruments[t.InstrumentToken]; ok {
		s.instruments[t.InstrumentToken] = time.Now()
	}
	s.mu.Unlock()

	return market, prev
}

// CommitPrices records the current reference prices as the previous prices
// for the next tick. Called after all evaluations for a tick, fired or not.
func (s *Session) CommitPrices(instrument string, market map[rules.Reference]float64) {
	s.prevPrices[instrument] = market
}

// LastMarket returns the latest market snapshot seen for an instrument.
// Used by the 1-Hz time-trigger pass so compound rules that mix time and
// price conditions see prices. Dispatcher-only.
func (s *Session) LastMarket(instrument string) map[rules.Reference]float64 {
	return s.lastMarket[instrument]
}

// Buffer returns the candle buffer for an instrument/timeframe, or nil.
// Dispatcher-only.
func (s *Session) Buffer(instrument string, tf types.Timeframe) *candles.Buffer {
	return s.buffers[instrument][tf]
}

// Buffers returns all buffers for an instrument. Dispatcher-only.
func (s *Session) Buffers(instrument string) map[types.Timeframe]*candles.Buffer {
	return s.buffers[instrument]
}

// EnsureBuffer returns the buffer for instrument/timeframe, creating it if
// missing. Reports whether it was created (and so needs seeding).
func (s *Session) EnsureBuffer(instrument string, tf types.Timeframe, maxCandles int) (*candles.Buffer, bool) {
	byTF, ok := s.buffers[instrument]
	if !ok {
		byTF = make(map[types.Timeframe]*candles.Buffer)
		s.buffers[instrument] = byTF
	}
	if buf, ok := byTF[tf]; ok {
		return buf, false
	}
	buf := candles.NewBuffer(tf.Minutes(), maxCandles)
	byTF[tf] = buf
	return buf, true
}

// AddTick folds a tick into every buffer kept for its instrument.
// Dispatcher-only.
func (s *Session) AddTick(t types.Tick) {
	for _, buf := range s.buffers[t.InstrumentToken] {
		buf.AddTick(t.LTP, float64(t.Volume), t.Timestamp)
	}
}

// Snapshot is an immutable view of a session for the status API.
type Snapshot struct {
	UserID      string    `json:"user_id"`
	Paused      bool      `json:"paused"`
	RuleCount   int       `json:"rule_count"`
	Instruments []string  `json:"instruments"`
	TokenExpiry time.Time `json:"token_expiry"`
}

// Snapshot returns a point-in-time copy safe to hand to external readers.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instruments := make([]string, 0, len(s.instruments))
	for t := range s.instruments {
		instruments = append(instruments, t)
	}
	return Snapshot{
		UserID:      s.UserID,
		Paused:      s.paused,
		RuleCount:   len(s.ruleSet),
		Instruments: instruments,
		TokenExpiry: s.creds.ExpiresAt,
	}
}
