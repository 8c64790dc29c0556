package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"niftystrategist/internal/broker"
	"niftystrategist/internal/config"
	"niftystrategist/internal/eval"
	"niftystrategist/internal/rules"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dryRunExecutor() *Executor {
	client := broker.NewClient(config.BrokerConfig{
		BaseURL:        "http://broker.invalid",
		ApiKey:         "k",
		RequestTimeout: 5 * time.Second,
	}, true, testLogger())
	return NewExecutor(client, testLogger())
}

func TestQuantize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want float64
	}{
		{100.00, 100.00},
		{100.02, 100.00},
		{100.03, 100.05},
		{100.074, 100.05},
		{100.075, 100.10},
		{2450.12, 2450.10},
	}
	for _, tt := range tests {
		if got := quantize(tt.in); got != tt.want {
			t.Errorf("quantize(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClientRefIsPerFire(t *testing.T) {
	t.Parallel()

	a, b := clientRef(42), clientRef(42)
	if !strings.HasPrefix(a, "nfs-42-") {
		t.Fatalf("clientRef = %q", a)
	}
	if a == b {
		t.Fatal("two fires produced the same idempotency key")
	}
}

func TestExecutePlaceOrder(t *testing.T) {
	t.Parallel()
	e := dryRunExecutor()

	r := &rules.Rule{
		ID:           1,
		UserID:       "u1",
		ActionType:   rules.ActionPlaceOrder,
		ActionConfig: json.RawMessage(`{"symbol":"RELIANCE","transaction_type":"SELL","quantity":10,"order_type":"MARKET","product":"D"}`),
	}

	out, err := e.Execute(context.Background(), "tok", r, eval.Result{RuleID: 1, Fired: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Dispatched || out.OrderID == "" {
		t.Fatalf("outcome = %+v, want dispatched with order id", out)
	}
}

func TestExecuteCancelRuleIsLocal(t *testing.T) {
	t.Parallel()
	e := dryRunExecutor()

	r := &rules.Rule{
		ID:           2,
		UserID:       "u1",
		ActionType:   rules.ActionCancelRule,
		ActionConfig: json.RawMessage(`{"rule_id":9}`),
	}

	out, err := e.Execute(context.Background(), "tok", r, eval.Result{RuleID: 2, Fired: true, RulesToCancel: []int64{9}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Dispatched || out.OrderID != "" {
		t.Fatalf("outcome = %+v, want dispatched with no order id", out)
	}
}

func TestExecuteMalformedConfigNotDispatched(t *testing.T) {
	t.Parallel()
	e := dryRunExecutor()

	r := &rules.Rule{
		ID:           3,
		UserID:       "u1",
		ActionType:   rules.ActionPlaceOrder,
		ActionConfig: json.RawMessage(`{`),
	}

	out, err := e.Execute(context.Background(), "tok", r, eval.Result{RuleID: 3, Fired: true})
	if err == nil {
		t.Fatal("expected error for unparseable action config")
	}
	if out.Dispatched {
		t.Fatal("a config that never parsed must not count as dispatched")
	}
}
