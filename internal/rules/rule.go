// Package rules defines the typed rule model and its validation.
//
// A Rule pairs a trigger (when to act) with an action (what to do). Trigger
// and action configs are stored as JSON and materialized into typed values
// on demand; the trigger_type / action_type strings select the schema. New
// trigger families slot in without store schema changes.
package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerType selects the trigger family of a rule.
type TriggerType string

const (
	TriggerPrice        TriggerType = "price"
	TriggerTime         TriggerType = "time"
	TriggerIndicator    TriggerType = "indicator"
	TriggerOrderStatus  TriggerType = "order_status"
	TriggerCompound     TriggerType = "compound"
	TriggerTrailingStop TriggerType = "trailing_stop"
)

// ActionType selects what a rule does when it fires.
type ActionType string

const (
	ActionPlaceOrder  ActionType = "place_order"
	ActionCancelOrder ActionType = "cancel_order"
	ActionModifyOrder ActionType = "modify_order"
	ActionCancelRule  ActionType = "cancel_rule"
)

// Rule is the unit of automation. Mirrors a monitor_rules row.
type Rule struct {
	ID     int64  `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`

	Enabled   bool       `json:"enabled"`
	MaxFires  *int       `json:"max_fires"` // nil = unlimited
	FireCount int        `json:"fire_count"`
	ExpiresAt *time.Time `json:"expires_at"`

	TriggerType   TriggerType     `json:"trigger_type"`
	TriggerConfig json.RawMessage `json:"trigger_config"`
	ActionType    ActionType      `json:"action_type"`
	ActionConfig  json.RawMessage `json:"action_config"`

	InstrumentToken string `json:"instrument_token"`
	Symbol          string `json:"symbol"`

	LinkedTradeID *int64  `json:"linked_trade_id"`
	LinkedOrderID *string `json:"linked_order_id"`

	FiredAt   *time.Time `json:"fired_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ShouldEvaluate computes the evaluability predicate: enabled, fires
// remaining, not expired. Non-evaluable rules are skipped, never evaluated.
func (r *Rule) ShouldEvaluate(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.MaxFires != nil && r.FireCount >= *r.MaxFires {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return true
}

// NeedsMarketData reports whether the rule's trigger family consumes ticks,
// and therefore whether its instrument must be on the subscription set.
func (r *Rule) NeedsMarketData() bool {
	switch r.TriggerType {
	case TriggerPrice, TriggerIndicator, TriggerTrailingStop, TriggerCompound:
		return true
	}
	return false
}

// Validate checks identity fields and both config schemas. Called at write
// time; a rule that fails validation is never persisted.
func (r *Rule) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if r.MaxFires != nil && *r.MaxFires <= 0 {
		return fmt.Errorf("%w: max_fires must be positive", ErrValidation)
	}
	if err := ValidateTriggerConfig(r.TriggerType, r.TriggerConfig); err != nil {
		return err
	}
	if err := ValidateActionConfig(r.ActionType, r.ActionConfig); err != nil {
		return err
	}
	if r.NeedsMarketData() && r.TriggerType != TriggerCompound && r.InstrumentToken == "" {
		return fmt.Errorf("%w: %s trigger requires instrument_token", ErrValidation, r.TriggerType)
	}
	return nil
}

// Clone returns a deep copy sharing no interior pointers with the receiver.
// Rule producers copy a template rule before patching it per leg.
func (r *Rule) Clone() *Rule {
	c := *r
	c.TriggerConfig = append(json.RawMessage(nil), r.TriggerConfig...)
	c.ActionConfig = append(json.RawMessage(nil), r.ActionConfig...)
	if r.MaxFires != nil {
		v := *r.MaxFires
		c.MaxFires = &v
	}
	if r.ExpiresAt != nil {
		v := *r.ExpiresAt
		c.ExpiresAt = &v
	}
	if r.FiredAt != nil {
		v := *r.FiredAt
		c.FiredAt = &v
	}
	if r.LinkedTradeID != nil {
		v := *r.LinkedTradeID
		c.LinkedTradeID = &v
	}
	if r.LinkedOrderID != nil {
		v := *r.LinkedOrderID
		c.LinkedOrderID = &v
	}
	return &c
}

// ExtractInstruments returns the union of instrument tokens required by the
// given rules, considering only trigger families that consume market data.
func ExtractInstruments(rs []*Rule) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rs {
		if !r.NeedsMarketData() || r.InstrumentToken == "" {
			continue
		}
		if !seen[r.InstrumentToken] {
			seen[r.InstrumentToken] = true
			out = append(out, r.InstrumentToken)
		}
	}
	return out
}
