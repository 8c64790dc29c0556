package daemon

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"niftystrategist/internal/broker"
	"niftystrategist/internal/config"
	"niftystrategist/internal/eval"
	"niftystrategist/internal/rules"
	"niftystrategist/internal/session"
	"niftystrategist/internal/store"
	"niftystrategist/pkg/types"
)

const testTokenKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testConfig() *config.Config {
	cfg := &config.Config{DryRun: true}
	cfg.Broker = config.BrokerConfig{
		BaseURL:        "http://broker.invalid",
		WSMarketURL:    "ws://127.0.0.1:1",
		WSPortfolioURL: "ws://127.0.0.1:1",
		ApiKey:         "k",
		RequestTimeout: 2 * time.Second,
		RefreshTimeout: 2 * time.Second,
	}
	cfg.Monitor = config.MonitorConfig{
		PollInterval:   time.Minute,
		TimeTolerance:  time.Minute,
		Timezone:       "Asia/Kolkata",
		MaxInstruments: 10,
		SessionGrace:   time.Minute,
		MaxCandles:     50,
		RefreshMargin:  time.Minute,
	}
	cfg.Stream = config.StreamConfig{
		ConnectTimeout: time.Second,
		MaxBackoff:     time.Second,
		PingIdle:       30 * time.Second,
		PongWait:       10 * time.Second,
	}
	return cfg
}

func TestFireAccountingRequiresStoreWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"), testTokenKey)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.SaveCredentials(ctx, types.Credentials{
		UserID:      "u1",
		AccessToken: "at",
		ExpiresAt:   time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("save credentials: %v", err)
	}

	cfg := testConfig()
	client := broker.NewClient(cfg.Broker, true, testLogger())
	sessions := session.NewManager(*cfg, client, st, testLogger())
	d, err := New(cfg, st, client, sessions, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess, err := sessions.EnsureSession(ctx, "u1")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	t.Cleanup(func() { sessions.TearDown("u1") })

	two := 2
	r := &rules.Rule{
		ID:            7,
		UserID:        "u1",
		Name:          "cancel peer",
		Enabled:       true,
		MaxFires:      &two,
		TriggerType:   rules.TriggerOrderStatus,
		TriggerConfig: json.RawMessage(`{"order_id":"ord-1","status":"complete"}`),
		ActionType:    rules.ActionCancelRule,
		ActionConfig:  json.RawMessage(`{"rule_id":9}`),
	}
	sess.SetRules([]*rules.Rule{r})

	// Closed store: RecordFire cannot land the fire.
	st.Close()

	d.fire(ctx, sess, r, eval.Result{RuleID: 7, Fired: true})

	if r.FireCount != 0 {
		t.Fatalf("FireCount = %d, want 0 when the store write failed", r.FireCount)
	}
	if r.FiredAt != nil {
		t.Fatal("FiredAt advanced without a recorded fire")
	}
	if sess.Rule(7) != nil {
		t.Fatal("rule must leave the hot set until the poll redelivers it")
	}
}
