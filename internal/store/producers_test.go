package store

import (
	"context"
	"encoding/json"
	"testing"

	"niftystrategist/internal/rules"
	"niftystrategist/pkg/types"
)

func TestCreateOCOBundle(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.CreateOCOBundle(ctx, OCOParams{
		UserID:          "u1",
		Symbol:          "RELIANCE",
		InstrumentToken: "NSE:2885",
		StopOrderID:     "ord-sl",
		TargetOrderID:   "ord-tgt",
		SquareOffSide:   types.SELL,
		SquareOffQty:    10,
		Product:         types.ProductIntraday,
	})
	if err != nil {
		t.Fatalf("CreateOCOBundle: %v", err)
	}
	if len(created) != 5 {
		t.Fatalf("bundle size = %d, want 5", len(created))
	}

	stopLeg, targetLeg := created[0], created[1]
	squareOff := created[2]
	stopPeer, targetPeer := created[3], created[4]

	// Each companion must point at the opposite leg's id.
	var a rules.CancelRuleAction
	if err := json.Unmarshal(stopPeer.ActionConfig, &a); err != nil {
		t.Fatalf("stop companion config: %v", err)
	}
	if a.RuleID != targetLeg.ID {
		t.Fatalf("stop companion cancels rule %d, want %d", a.RuleID, targetLeg.ID)
	}
	if err := json.Unmarshal(targetPeer.ActionConfig, &a); err != nil {
		t.Fatalf("target companion config: %v", err)
	}
	if a.RuleID != stopLeg.ID {
		t.Fatalf("target companion cancels rule %d, want %d", a.RuleID, stopLeg.ID)
	}

	if squareOff.TriggerType != rules.TriggerTime {
		t.Fatalf("square-off trigger = %q", squareOff.TriggerType)
	}
	var tt rules.TimeTrigger
	if err := json.Unmarshal(squareOff.TriggerConfig, &tt); err != nil {
		t.Fatalf("square-off config: %v", err)
	}
	if tt.At != "15:15" || !tt.MarketOnly {
		t.Fatalf("square-off schedule = %+v", tt)
	}

	// Everything landed and is active.
	active, err := st.ListActiveRules(ctx, "u1")
	if err != nil {
		t.Fatalf("ListActiveRules: %v", err)
	}
	if len(active) != 5 {
		t.Fatalf("active rules = %d, want 5", len(active))
	}
}

func TestCreateOCOBundleRequiresOrderIDs(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	_, err := st.CreateOCOBundle(context.Background(), OCOParams{
		UserID: "u1", Symbol: "RELIANCE", StopOrderID: "ord-sl",
	})
	if err == nil {
		t.Fatal("expected error for missing target order id")
	}
}

func TestCreateTrailingRule(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()

	r, err := st.CreateTrailingRule(ctx, TrailingParams{
		UserID:          "u1",
		Symbol:          "INFY",
		InstrumentToken: "NSE:1594",
		TrailPercent:    15,
		LTP:             1500,
		Side:            types.SELL,
		Quantity:        5,
		Product:         types.ProductDelivery,
	})
	if err != nil {
		t.Fatalf("CreateTrailingRule: %v", err)
	}

	got, err := st.GetRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}

	var trig rules.TrailingStopTrigger
	if err := json.Unmarshal(got.TriggerConfig, &trig); err != nil {
		t.Fatalf("trigger config: %v", err)
	}
	if trig.InitialPrice != 1500 || trig.HighestPrice != 1500 {
		t.Fatalf("seeded prices = %v/%v, want 1500/1500", trig.InitialPrice, trig.HighestPrice)
	}
	if trig.TrailPercent != 15 || trig.Reference != rules.RefLTP {
		t.Fatalf("trigger = %+v", trig)
	}
	if got.MaxFires == nil || *got.MaxFires != 1 {
		t.Fatal("trailing rule must be single-fire")
	}
}

func TestCreateTrailingRuleRejectsBadLTP(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	_, err := st.CreateTrailingRule(context.Background(), TrailingParams{
		UserID: "u1", Symbol: "INFY", InstrumentToken: "NSE:1594",
		TrailPercent: 15, LTP: 0, Side: types.SELL, Quantity: 5,
		Product: types.ProductDelivery,
	})
	if err == nil {
		t.Fatal("expected error for zero ltp")
	}
}
