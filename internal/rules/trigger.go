package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"niftystrategist/pkg/types"
)

// ErrValidation marks a malformed rule submitted at write time.
// Wrapped by every schema rejection so callers can errors.Is on it.
var ErrValidation = errors.New("rule validation failed")

// maxCompoundDepth bounds nesting of compound sub-conditions.
const maxCompoundDepth = 4

// Condition is a comparison operator shared by price and indicator triggers.
type Condition string

const (
	CondLTE          Condition = "lte"
	CondGTE          Condition = "gte"
	CondCrossesAbove Condition = "crosses_above"
	CondCrossesBelow Condition = "crosses_below"
)

func (c Condition) valid() bool {
	switch c {
	case CondLTE, CondGTE, CondCrossesAbove, CondCrossesBelow:
		return true
	}
	return false
}

// Reference names the market-data field a price comparison reads.
type Reference string

const (
	RefLTP  Reference = "ltp"
	RefBid  Reference = "bid"
	RefAsk  Reference = "ask"
	RefOpen Reference = "open"
	RefHigh Reference = "high"
	RefLow  Reference = "low"
)

func (r Reference) valid() bool {
	switch r {
	case RefLTP, RefBid, RefAsk, RefOpen, RefHigh, RefLow:
		return true
	}
	return false
}

// PriceTrigger fires on an immediate or crossing comparison of a market
// price against a fixed threshold.
type PriceTrigger struct {
	Condition Condition `json:"condition"`
	Price     float64   `json:"price"`
	Reference Reference `json:"reference"`
}

func (t *PriceTrigger) validate() error {
	if !t.Condition.valid() {
		return fmt.Errorf("%w: price: unknown condition %q", ErrValidation, t.Condition)
	}
	if t.Price <= 0 {
		return fmt.Errorf("%w: price: threshold must be positive", ErrValidation)
	}
	if t.Reference == "" {
		t.Reference = RefLTP
	}
	if !t.Reference.valid() {
		return fmt.Errorf("%w: price: unknown reference %q", ErrValidation, t.Reference)
	}
	return nil
}

// TimeTrigger fires within a tolerance window of a wall-clock time on
// allowed weekdays, in the market timezone.
type TimeTrigger struct {
	At         string   `json:"at"` // "HH:MM"
	OnDays     []string `json:"on_days"`
	MarketOnly bool     `json:"market_only"`
}

var weekdayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// Clock parses the "HH:MM" target into hour and minute.
func (t *TimeTrigger) Clock() (hour, minute int, err error) {
	parts := strings.Split(t.At, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: time: %q is not HH:MM", ErrValidation, t.At)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: time: bad hour in %q", ErrValidation, t.At)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time: bad minute in %q", ErrValidation, t.At)
	}
	return hour, minute, nil
}

// DayAllowed reports whether the given weekday (time.Weekday numbering) is
// in on_days. An empty on_days allows every day.
func (t *TimeTrigger) DayAllowed(weekday int) bool {
	if len(t.OnDays) == 0 {
		return true
	}
	for _, d := range t.OnDays {
		if wd, ok := weekdayNames[strings.ToLower(d)]; ok && wd == weekday {
			return true
		}
	}
	return false
}

func (t *TimeTrigger) validate() error {
	if _, _, err := t.Clock(); err != nil {
		return err
	}
	for _, d := range t.OnDays {
		if _, ok := weekdayNames[strings.ToLower(d)]; !ok {
			return fmt.Errorf("%w: time: unknown day %q", ErrValidation, d)
		}
	}
	return nil
}

// IndicatorTrigger compares a computed indicator value against a threshold.
type IndicatorTrigger struct {
	Indicator string             `json:"indicator"` // rsi, macd, ema_crossover, volume_spike
	Timeframe types.Timeframe    `json:"timeframe"`
	Condition Condition          `json:"condition"`
	Value     float64            `json:"value"`
	Params    map[string]float64 `json:"params"`
}

var knownIndicators = map[string]bool{
	"rsi": true, "macd": true, "ema_crossover": true, "volume_spike": true,
}

func (t *IndicatorTrigger) validate() error {
	if !knownIndicators[t.Indicator] {
		return fmt.Errorf("%w: indicator: unknown indicator %q", ErrValidation, t.Indicator)
	}
	if t.Timeframe == "" {
		t.Timeframe = types.Timeframe5m
	}
	if t.Timeframe.Minutes() == 0 {
		return fmt.Errorf("%w: indicator: unknown timeframe %q", ErrValidation, t.Timeframe)
	}
	if !t.Condition.valid() {
		return fmt.Errorf("%w: indicator: unknown condition %q", ErrValidation, t.Condition)
	}
	return nil
}

// OrderStatusTrigger matches order-update events from the portfolio stream.
type OrderStatusTrigger struct {
	OrderID string            `json:"order_id"`
	Status  types.OrderStatus `json:"status"`
}

func (t *OrderStatusTrigger) validate() error {
	if t.OrderID == "" {
		return fmt.Errorf("%w: order_status: order_id is required", ErrValidation)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: order_status: unknown status %q", ErrValidation, t.Status)
	}
	return nil
}

// SubCondition is one element of a compound trigger: a trigger config dict
// carrying a "type" tag that selects its family.
type SubCondition struct {
	Type TriggerType `json:"type"`
	// Raw keeps the full sub-condition JSON (including the tag, which the
	// family schemas ignore as an unknown field).
	Raw json.RawMessage `json:"-"`
}

// CompoundTrigger combines sub-triggers with a boolean operator.
type CompoundTrigger struct {
	Operator   string            `json:"operator"` // "and" or "or"
	Conditions []json.RawMessage `json:"conditions"`
}

// SubConditions decodes the "type" tag of every sub-condition.
func (t *CompoundTrigger) SubConditions() ([]SubCondition, error) {
	out := make([]SubCondition, 0, len(t.Conditions))
	for i, raw := range t.Conditions {
		var tag struct {
			Type TriggerType `json:"type"`
		}
		if err := json.Unmarshal(raw, &tag); err != nil {
			return nil, fmt.Errorf("%w: compound: condition %d: %v", ErrValidation, i, err)
		}
		out = append(out, SubCondition{Type: tag.Type, Raw: raw})
	}
	return out, nil
}

func (t *CompoundTrigger) validate(depth int) error {
	if depth >= maxCompoundDepth {
		return fmt.Errorf("%w: compound: nesting deeper than %d", ErrValidation, maxCompoundDepth)
	}
	if t.Operator != "and" && t.Operator != "or" {
		return fmt.Errorf("%w: compound: operator must be and/or, got %q", ErrValidation, t.Operator)
	}
	if len(t.Conditions) == 0 {
		return fmt.Errorf("%w: compound: at least one condition required", ErrValidation)
	}
	subs, err := t.SubConditions()
	if err != nil {
		return err
	}
	for i, sub := range subs {
		// A nested trailing stop could never persist its high-water mark,
		// so it would evaluate against a stale highest forever.
		if sub.Type == TriggerTrailingStop {
			return fmt.Errorf("%w: compound: condition %d: trailing_stop cannot be nested", ErrValidation, i)
		}
		if err := validateTriggerConfigDepth(sub.Type, sub.Raw, depth+1); err != nil {
			return fmt.Errorf("compound condition %d: %w", i, err)
		}
	}
	return nil
}

// TrailingStopTrigger tracks a high-water mark and fires when the reference
// price falls to stop = highest * (1 - trail/100).
type TrailingStopTrigger struct {
	TrailPercent float64   `json:"trail_percent"`
	InitialPrice float64   `json:"initial_price"`
	HighestPrice float64   `json:"highest_price"`
	Reference    Reference `json:"reference"`
}

// StopPrice returns the current stop level.
func (t *TrailingStopTrigger) StopPrice() float64 {
	return t.HighestPrice * (1 - t.TrailPercent/100)
}

func (t *TrailingStopTrigger) validate() error {
	if t.TrailPercent < 0 || t.TrailPercent >= 100 {
		return fmt.Errorf("%w: trailing_stop: trail_percent must be in [0, 100)", ErrValidation)
	}
	if t.InitialPrice <= 0 {
		return fmt.Errorf("%w: trailing_stop: initial_price must be positive", ErrValidation)
	}
	if t.HighestPrice < t.InitialPrice {
		return fmt.Errorf("%w: trailing_stop: highest_price below initial_price", ErrValidation)
	}
	if t.Reference == "" {
		t.Reference = RefLTP
	}
	if !t.Reference.valid() {
		return fmt.Errorf("%w: trailing_stop: unknown reference %q", ErrValidation, t.Reference)
	}
	return nil
}

// ValidateTriggerConfig parses raw against the family's schema and checks it.
// Unknown JSON fields are accepted and ignored; missing required fields and
// out-of-range values reject the rule.
func ValidateTriggerConfig(tt TriggerType, raw json.RawMessage) error {
	return validateTriggerConfigDepth(tt, raw, 0)
}

func validateTriggerConfigDepth(tt TriggerType, raw json.RawMessage, depth int) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s: empty trigger_config", ErrValidation, tt)
	}
	switch tt {
	case TriggerPrice:
		var t PriceTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("%w: price: %v", ErrValidation, err)
		}
		return t.validate()
	case TriggerTime:
		var t TimeTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("%w: time: %v", ErrValidation, err)
		}
		return t.validate()
	case TriggerIndicator:
		var t IndicatorTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("%w: indicator: %v", ErrValidation, err)
		}
		return t.validate()
	case TriggerOrderStatus:
		var t OrderStatusTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("%w: order_status: %v", ErrValidation, err)
		}
		return t.validate()
	case TriggerCompound:
		var t CompoundTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("%w: compound: %v", ErrValidation, err)
		}
		return t.validate(depth)
	case TriggerTrailingStop:
		var t TrailingStopTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("%w: trailing_stop: %v", ErrValidation, err)
		}
		return t.validate()
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrValidation, tt)
	}
}
