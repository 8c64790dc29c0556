package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"niftystrategist/internal/rules"
	"niftystrategist/pkg/types"
)

// Producer helpers for the rule-writing surfaces (CLI, REST front end).
// The daemon never calls these; it only discovers the rows they insert
// through the change feed.

// OCOParams describes a one-cancels-other exit pair over two resting
// broker orders, plus the 15:15 IST auto-square-off.
type OCOParams struct {
	UserID          string
	Symbol          string
	InstrumentToken string
	StopOrderID     string
	TargetOrderID   string
	SquareOffSide   types.Side
	SquareOffQty    int
	Product         types.Product
	LinkedTradeID   *int64
	ExpiresAt       *time.Time
}

// CreateOCOBundle inserts the full OCO rule set in one transaction:
// each leg cancels the peer's resting order when its own order completes,
// a companion per leg disables the peer's rules, and a time rule
// square-offs the position at 15:15 on trading days. All-or-nothing.
func (s *Store) CreateOCOBundle(ctx context.Context, p OCOParams) ([]*rules.Rule, error) {
	if p.StopOrderID == "" || p.TargetOrderID == "" {
		return nil, fmt.Errorf("%w: oco: both stop and target order ids are required", rules.ErrValidation)
	}

	one := 1
	base := &rules.Rule{
		UserID:          p.UserID,
		Enabled:         true,
		Symbol:          p.Symbol,
		InstrumentToken: p.InstrumentToken,
		LinkedTradeID:   p.LinkedTradeID,
		MaxFires:        &one,
		ExpiresAt:       p.ExpiresAt,
	}

	stopLeg := base.Clone()
	stopLeg.Name = fmt.Sprintf("oco stop leg %s", p.Symbol)
	stopLeg.TriggerType = rules.TriggerOrderStatus
	stopLeg.TriggerConfig = orderCompleteTrigger(p.StopOrderID)
	stopLeg.ActionType = rules.ActionCancelOrder
	stopLeg.ActionConfig = mustJSON(rules.CancelOrderAction{OrderID: p.TargetOrderID})
	stopLeg.LinkedOrderID = &p.StopOrderID

	targetLeg := base.Clone()
	targetLeg.Name = fmt.Sprintf("oco target leg %s", p.Symbol)
	targetLeg.TriggerType = rules.TriggerOrderStatus
	targetLeg.TriggerConfig = orderCompleteTrigger(p.TargetOrderID)
	targetLeg.ActionType = rules.ActionCancelOrder
	targetLeg.ActionConfig = mustJSON(rules.CancelOrderAction{OrderID: p.StopOrderID})
	targetLeg.LinkedOrderID = &p.TargetOrderID

	squareOff := base.Clone()
	squareOff.Name = fmt.Sprintf("auto square-off %s", p.Symbol)
	squareOff.TriggerType = rules.TriggerTime
	squareOff.TriggerConfig = mustJSON(rules.TimeTrigger{At: "15:15", MarketOnly: true})
	squareOff.ActionType = rules.ActionPlaceOrder
	squareOff.ActionConfig = mustJSON(rules.PlaceOrderAction{
		Symbol:          p.Symbol,
		TransactionType: p.SquareOffSide,
		Quantity:        p.SquareOffQty,
		OrderType:       types.OrderTypeMarket,
		Product:         p.Product,
	})

	legs := []*rules.Rule{stopLeg, targetLeg, squareOff}
	for _, r := range legs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin oco tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, r := range legs {
		if err := insertRuleTx(ctx, tx, r, now); err != nil {
			return nil, err
		}
	}

	// Companions need the peer rule ids, so they land in a second pass
	// within the same transaction.
	stopPeer := base.Clone()
	stopPeer.Name = fmt.Sprintf("oco stop companion %s", p.Symbol)
	stopPeer.TriggerType = rules.TriggerOrderStatus
	stopPeer.TriggerConfig = orderCompleteTrigger(p.StopOrderID)
	stopPeer.ActionType = rules.ActionCancelRule
	stopPeer.ActionConfig = mustJSON(rules.CancelRuleAction{RuleID: targetLeg.ID})

	targetPeer := base.Clone()
	targetPeer.Name = fmt.Sprintf("oco target companion %s", p.Symbol)
	targetPeer.TriggerType = rules.TriggerOrderStatus
	targetPeer.TriggerConfig = orderCompleteTrigger(p.TargetOrderID)
	targetPeer.ActionType = rules.ActionCancelRule
	targetPeer.ActionConfig = mustJSON(rules.CancelRuleAction{RuleID: stopLeg.ID})

	for _, r := range []*rules.Rule{stopPeer, targetPeer} {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if err := insertRuleTx(ctx, tx, r, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit oco tx: %w", err)
	}
	return append(legs, stopPeer, targetPeer), nil
}

// TrailingParams describes a trailing-stop exit seeded from the current LTP.
type TrailingParams struct {
	UserID          string
	Symbol          string
	InstrumentToken string
	TrailPercent    float64
	LTP             float64
	Side            types.Side
	Quantity        int
	Product         types.Product
	LinkedTradeID   *int64
	ExpiresAt       *time.Time
}

// CreateTrailingRule inserts a trailing-stop rule with initial and highest
// price both seeded from the quote the caller fetched.
func (s *Store) CreateTrailingRule(ctx context.Context, p TrailingParams) (*rules.Rule, error) {
	if p.LTP <= 0 {
		return nil, fmt.Errorf("%w: trailing: ltp must be positive", rules.ErrValidation)
	}

	one := 1
	r := &rules.Rule{
		UserID:          p.UserID,
		Name:            fmt.Sprintf("trailing stop %s %.1f%%", p.Symbol, p.TrailPercent),
		Enabled:         true,
		Symbol:          p.Symbol,
		InstrumentToken: p.InstrumentToken,
		LinkedTradeID:   p.LinkedTradeID,
		MaxFires:        &one,
		ExpiresAt:       p.ExpiresAt,
		TriggerType:     rules.TriggerTrailingStop,
		TriggerConfig: mustJSON(rules.TrailingStopTrigger{
			TrailPercent: p.TrailPercent,
			InitialPrice: p.LTP,
			HighestPrice: p.LTP,
			Reference:    rules.RefLTP,
		}),
		ActionType: rules.ActionPlaceOrder,
		ActionConfig: mustJSON(rules.PlaceOrderAction{
			Symbol:          p.Symbol,
			TransactionType: p.Side,
			Quantity:        p.Quantity,
			OrderType:       types.OrderTypeMarket,
			Product:         p.Product,
		}),
	}

	if err := s.CreateRule(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func orderCompleteTrigger(orderID string) json.RawMessage {
	return mustJSON(rules.OrderStatusTrigger{OrderID: orderID, Status: types.OrderComplete})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
