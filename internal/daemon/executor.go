package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"niftystrategist/internal/broker"
	"niftystrategist/internal/eval"
	"niftystrategist/internal/rules"
	"niftystrategist/pkg/types"
)

// tickSize is the minimum price increment accepted by the exchange.
// LIMIT prices are rounded to it before dispatch so a stale or computed
// price never bounces on a tick-size rejection.
var tickSize = decimal.NewFromFloat(0.05)

// Executor translates a fired rule's action config into broker calls.
// cancel_rule actions never reach the broker; the dispatcher handles them
// through the store.
type Executor struct {
	client *broker.Client
	logger *slog.Logger
}

// NewExecutor creates an action executor.
func NewExecutor(client *broker.Client, logger *slog.Logger) *Executor {
	return &Executor{
		client: client,
		logger: logger.With("component", "executor"),
	}
}

// Outcome reports what the executor did with a fired rule.
//
// Dispatched distinguishes the two failure modes: an error after dispatch
// means the broker saw the request and the fire is consumed; an error
// before dispatch means nothing left the process and the rule stays
// evaluable.
type Outcome struct {
	Dispatched bool
	OrderID    string
}

// Execute runs the action of a fired rule. The returned Outcome is valid
// even when err is non-nil.
func (e *Executor) Execute(ctx context.Context, accessToken string, r *rules.Rule, res eval.Result) (Outcome, error) {
	switch r.ActionType {
	case rules.ActionPlaceOrder:
		return e.placeOrder(ctx, accessToken, r)
	case rules.ActionCancelOrder:
		return e.cancelOrder(ctx, accessToken, r)
	case rules.ActionModifyOrder:
		return e.modifyOrder(ctx, accessToken, r)
	case rules.ActionCancelRule:
		// Local action. The dispatcher disables the target via the store;
		// reaching this point just means the fire is consumed.
		return Outcome{Dispatched: true}, nil
	}
	return Outcome{}, fmt.Errorf("%w: unknown action type %q", eval.ErrInvariant, r.ActionType)
}

func (e *Executor) placeOrder(ctx context.Context, accessToken string, r *rules.Rule) (Outcome, error) {
	var a rules.PlaceOrderAction
	if err := json.Unmarshal(r.ActionConfig, &a); err != nil {
		return Outcome{}, fmt.Errorf("%w: place_order config: %v", eval.ErrInvariant, err)
	}

	req := types.PlaceOrderRequest{
		Symbol:          a.Symbol,
		TransactionType: a.TransactionType,
		Quantity:        a.Quantity,
		OrderType:       a.OrderType,
		Product:         a.Product,
		ClientRef:       clientRef(r.ID),
	}
	if a.OrderType == types.OrderTypeLimit && a.Price != nil {
		req.Price = quantize(*a.Price)
	}

	e.logger.Info("placing order",
		"rule_id", r.ID,
		"user_id", r.UserID,
		"symbol", req.Symbol,
		"side", req.TransactionType,
		"qty", req.Quantity,
		"order_type", req.OrderType,
		"price", req.Price,
		"client_ref", req.ClientRef,
	)

	resp, err := e.client.PlaceOrder(ctx, accessToken, req)
	if err != nil {
		return Outcome{Dispatched: true}, err
	}
	return Outcome{Dispatched: true, OrderID: resp.OrderID}, nil
}

func (e *Executor) cancelOrder(ctx context.Context, accessToken string, r *rules.Rule) (Outcome, error) {
	var a rules.CancelOrderAction
	if err := json.Unmarshal(r.ActionConfig, &a); err != nil {
		return Outcome{}, fmt.Errorf("%w: cancel_order config: %v", eval.ErrInvariant, err)
	}

	e.logger.Info("cancelling order", "rule_id", r.ID, "user_id", r.UserID, "order_id", a.OrderID)

	resp, err := e.client.CancelOrder(ctx, accessToken, a.OrderID)
	if err != nil {
		return Outcome{Dispatched: true}, err
	}
	return Outcome{Dispatched: true, OrderID: resp.OrderID}, nil
}

func (e *Executor) modifyOrder(ctx context.Context, accessToken string, r *rules.Rule) (Outcome, error) {
	var a rules.ModifyOrderAction
	if err := json.Unmarshal(r.ActionConfig, &a); err != nil {
		return Outcome{}, fmt.Errorf("%w: modify_order config: %v", eval.ErrInvariant, err)
	}

	var req types.ModifyOrderRequest
	if a.Price != nil {
		req.Price = quantize(*a.Price)
	}
	if a.Quantity != nil {
		req.Quantity = *a.Quantity
	}

	e.logger.Info("modifying order",
		"rule_id", r.ID,
		"user_id", r.UserID,
		"order_id", a.OrderID,
		"price", req.Price,
		"qty", req.Quantity,
	)

	resp, err := e.client.ModifyOrder(ctx, accessToken, a.OrderID, req)
	if err != nil {
		return Outcome{Dispatched: true}, err
	}
	return Outcome{Dispatched: true, OrderID: resp.OrderID}, nil
}

// clientRef builds an idempotency key the broker can use to dedupe a
// retried placement for the same rule fire.
func clientRef(ruleID int64) string {
	return fmt.Sprintf("nfs-%d-%s", ruleID, uuid.NewString()[:8])
}

// quantize rounds a price to the exchange tick size.
func quantize(price float64) float64 {
	p := decimal.NewFromFloat(price)
	ticks := p.Div(tickSize).Round(0)
	f, _ := ticks.Mul(tickSize).Float64()
	return f
}
