package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"niftystrategist/internal/broker"
	"niftystrategist/internal/config"
	"niftystrategist/internal/rules"
	"niftystrategist/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCreds(userID string) types.Credentials {
	return types.Credentials{
		UserID:      userID,
		AccessToken: "at",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func tick(token string, ltp float64, at time.Time) types.Tick {
	return types.Tick{InstrumentToken: token, LTP: ltp, Bid: ltp - 0.05, Ask: ltp + 0.05, Volume: 10, Timestamp: at}
}

func TestMarketStatePrevProtocol(t *testing.T) {
	t.Parallel()

	s := newSession("u1", testCreds("u1"))
	now := time.Now()

	// First tick: no previous prices yet.
	market, prev := s.MarketState(tick("tok", 100, now))
	if prev != nil {
		t.Fatalf("prev on first tick = %v, want nil", prev)
	}
	if market[rules.RefLTP] != 100 || market[rules.RefBid] != 99.95 {
		t.Fatalf("market = %v", market)
	}

	// Until committed, the previous map must not move.
	_, prev = s.MarketState(tick("tok", 101, now.Add(time.Second)))
	if prev != nil {
		t.Fatal("prev advanced before CommitPrices")
	}

	s.CommitPrices("tok", market)
	_, prev = s.MarketState(tick("tok", 102, now.Add(2*time.Second)))
	if prev[rules.RefLTP] != 100 {
		t.Fatalf("prev LTP = %v, want 100", prev[rules.RefLTP])
	}
}

func TestMarketStateUsesMinuteBar(t *testing.T) {
	t.Parallel()

	s := newSession("u1", testCreds("u1"))
	now := time.Date(2026, 3, 2, 10, 0, 10, 0, time.UTC)

	s.EnsureBuffer("tok", types.Timeframe1m, 10)
	s.AddTick(tick("tok", 100, now))
	s.AddTick(tick("tok", 104, now.Add(5*time.Second)))
	s.AddTick(tick("tok", 98, now.Add(10*time.Second)))

	market, _ := s.MarketState(tick("tok", 99, now.Add(11*time.Second)))
	if market[rules.RefOpen] != 100 || market[rules.RefHigh] != 104 || market[rules.RefLow] != 98 {
		t.Fatalf("OHL from 1m bar = %v/%v/%v, want 100/104/98",
			market[rules.RefOpen], market[rules.RefHigh], market[rules.RefLow])
	}
}

func TestEnsureBufferCreatesOnce(t *testing.T) {
	t.Parallel()

	s := newSession("u1", testCreds("u1"))

	buf, created := s.EnsureBuffer("tok", types.Timeframe5m, 200)
	if !created || buf == nil {
		t.Fatal("first EnsureBuffer should create")
	}
	again, created := s.EnsureBuffer("tok", types.Timeframe5m, 200)
	if created || again != buf {
		t.Fatal("second EnsureBuffer must return the same buffer without creating")
	}
}

func TestSetRulesTracksEmptySince(t *testing.T) {
	t.Parallel()

	s := newSession("u1", testCreds("u1"))
	r := &rules.Rule{ID: 1, UserID: "u1", TriggerType: rules.TriggerPrice, InstrumentToken: "tok"}

	s.SetRules([]*rules.Rule{r})
	if !s.EmptySince().IsZero() {
		t.Fatal("EmptySince set while rules exist")
	}

	s.RemoveRule(1)
	if s.EmptySince().IsZero() {
		t.Fatal("EmptySince not set after last rule removed")
	}

	s.SetRules([]*rules.Rule{r})
	if !s.EmptySince().IsZero() {
		t.Fatal("EmptySince not cleared when rules return")
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	t.Parallel()

	s := newSession("u1", testCreds("u1"))
	s.SetRules([]*rules.Rule{
		{ID: 1, UserID: "u1", TriggerType: rules.TriggerPrice, InstrumentToken: "tok"},
	})
	s.mu.Lock()
	s.instruments["tok"] = time.Now()
	s.mu.Unlock()

	snap := s.Snapshot()
	if snap.UserID != "u1" || snap.RuleCount != 1 || len(snap.Instruments) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	snap.Instruments[0] = "mutated"
	if got := s.Snapshot().Instruments[0]; got != "tok" {
		t.Fatalf("snapshot shares instrument slice: %q", got)
	}
}

func TestIndicatorTimeframesWalksCompound(t *testing.T) {
	t.Parallel()

	r := &rules.Rule{
		TriggerType: rules.TriggerCompound,
		TriggerConfig: json.RawMessage(`{
			"operator": "and",
			"conditions": [
				{"type":"indicator","indicator":"rsi","condition":"lte","value":30,"timeframe":"15m"},
				{"type":"indicator","indicator":"macd","condition":"gte","value":0},
				{"type":"price","condition":"gte","price":100}
			]
		}`),
		InstrumentToken: "tok",
	}

	got := indicatorTimeframes(r)
	if !got[types.Timeframe15m] {
		t.Fatal("missing explicit 15m timeframe")
	}
	if !got[types.Timeframe5m] {
		t.Fatal("missing defaulted 5m timeframe")
	}
	if len(got) != 2 {
		t.Fatalf("timeframes = %v", got)
	}
}

func TestRunFeedParksAndResumes(t *testing.T) {
	t.Parallel()

	m := NewManager(config.Config{}, nil, nil, testLogger())
	sess := newSession("u1", testCreds("u1"))

	// Called from a single goroutine, so the counter needs no locking.
	runs := 0
	started := make(chan int, 4)
	run := func(ctx context.Context) error {
		runs++
		started <- runs
		if runs == 1 {
			return fmt.Errorf("%w: refresh failed", broker.ErrMonitoringPaused)
		}
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.runFeed(ctx, sess, "market", run)

	if n := <-started; n != 1 {
		t.Fatalf("first run = %d", n)
	}
	waitFor(t, time.Second, sess.Paused)

	// Credentials restored: the parked goroutine must reconnect, not exit.
	sess.setPaused(false)
	select {
	case n := <-started:
		if n != 2 {
			t.Fatalf("resume run = %d, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed never resumed after credentials were restored")
	}

	cancel()
	sess.wg.Wait()
}

func TestAwaitResumeStopsOnCancel(t *testing.T) {
	t.Parallel()

	sess := newSession("u1", testCreds("u1"))
	sess.setPaused(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- sess.awaitResume(ctx) }()

	cancel()
	select {
	case resumed := <-done:
		if resumed {
			t.Fatal("awaitResume reported resume on a cancelled context")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("awaitResume did not observe cancellation")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestCapInstrumentsEvictsOldest(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Monitor.MaxInstruments = 2
	m := NewManager(cfg, nil, nil, testLogger())

	s := newSession("u1", testCreds("u1"))
	now := time.Now()
	s.instruments = map[string]time.Time{
		"stale": now.Add(-time.Hour),
		"warm":  now.Add(-time.Minute),
		"hot":   now,
	}

	got := m.capInstruments(s, []string{"stale", "warm", "hot"})
	if len(got) != 2 {
		t.Fatalf("capped to %d, want 2", len(got))
	}
	for _, tok := range got {
		if tok == "stale" {
			t.Fatal("kept the least recently touched instrument")
		}
	}
}
