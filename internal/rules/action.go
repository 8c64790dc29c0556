package rules

import (
	"encoding/json"
	"fmt"

	"niftystrategist/pkg/types"
)

// PlaceOrderAction places a new order with the brokerage.
type PlaceOrderAction struct {
	Symbol          string          `json:"symbol"`
	TransactionType types.Side      `json:"transaction_type"`
	Quantity        int             `json:"quantity"`
	OrderType       types.OrderType `json:"order_type"`
	Product         types.Product   `json:"product"`
	Price           *float64        `json:"price"` // nil for MARKET
}

func (a *PlaceOrderAction) validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("%w: place_order: symbol is required", ErrValidation)
	}
	if a.TransactionType != types.BUY && a.TransactionType != types.SELL {
		return fmt.Errorf("%w: place_order: transaction_type must be BUY or SELL", ErrValidation)
	}
	if a.Quantity <= 0 {
		return fmt.Errorf("%w: place_order: quantity must be positive", ErrValidation)
	}
	switch a.OrderType {
	case types.OrderTypeMarket:
		if a.Price != nil {
			return fmt.Errorf("%w: place_order: MARKET orders carry no price", ErrValidation)
		}
	case types.OrderTypeLimit:
		if a.Price == nil || *a.Price <= 0 {
			return fmt.Errorf("%w: place_order: LIMIT orders require a positive price", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: place_order: unknown order_type %q", ErrValidation, a.OrderType)
	}
	switch a.Product {
	case types.ProductDelivery, types.ProductIntraday:
	default:
		return fmt.Errorf("%w: place_order: product must be D or I", ErrValidation)
	}
	return nil
}

// CancelOrderAction cancels an existing broker order.
type CancelOrderAction struct {
	OrderID string `json:"order_id"`
}

func (a *CancelOrderAction) validate() error {
	if a.OrderID == "" {
		return fmt.Errorf("%w: cancel_order: order_id is required", ErrValidation)
	}
	return nil
}

// ModifyOrderAction amends price and/or quantity of an open order.
type ModifyOrderAction struct {
	OrderID  string   `json:"order_id"`
	Price    *float64 `json:"price"`
	Quantity *int     `json:"quantity"`
}

func (a *ModifyOrderAction) validate() error {
	if a.OrderID == "" {
		return fmt.Errorf("%w: modify_order: order_id is required", ErrValidation)
	}
	if a.Price == nil && a.Quantity == nil {
		return fmt.Errorf("%w: modify_order: nothing to modify", ErrValidation)
	}
	if a.Price != nil && *a.Price <= 0 {
		return fmt.Errorf("%w: modify_order: price must be positive", ErrValidation)
	}
	if a.Quantity != nil && *a.Quantity <= 0 {
		return fmt.Errorf("%w: modify_order: quantity must be positive", ErrValidation)
	}
	return nil
}

// CancelRuleAction disables another rule. Used for OCO: the stop-loss leg
// cancels the target leg when it fires, and vice versa. Handled locally by
// the daemon, never sent to the broker.
type CancelRuleAction struct {
	RuleID int64 `json:"rule_id"`
}

func (a *CancelRuleAction) validate() error {
	if a.RuleID <= 0 {
		return fmt.Errorf("%w: cancel_rule: rule_id is required", ErrValidation)
	}
	return nil
}

// ValidateActionConfig parses raw against the action's schema and checks it.
func ValidateActionConfig(at ActionType, raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s: empty action_config", ErrValidation, at)
	}
	switch at {
	case ActionPlaceOrder:
		var a PlaceOrderAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("%w: place_order: %v", ErrValidation, err)
		}
		return a.validate()
	case ActionCancelOrder:
		var a CancelOrderAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("%w: cancel_order: %v", ErrValidation, err)
		}
		return a.validate()
	case ActionModifyOrder:
		var a ModifyOrderAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("%w: modify_order: %v", ErrValidation, err)
		}
		return a.validate()
	case ActionCancelRule:
		var a CancelRuleAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("%w: cancel_rule: %v", ErrValidation, err)
		}
		return a.validate()
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrValidation, at)
	}
}
