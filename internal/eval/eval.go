package eval

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"niftystrategist/internal/candles"
	"niftystrategist/internal/rules"
	"niftystrategist/pkg/types"
)

// ErrInvariant marks conditions that should be impossible for a rule that
// passed write-time validation (e.g. a stored config that no longer parses).
// The daemon logs these and skips the rule without consuming a fire.
var ErrInvariant = errors.New("evaluator invariant violated")

// EvaluateRule dispatches to the rule's trigger family and assembles the
// Result. Non-evaluable rules are reported as skipped without touching the
// trigger config.
func EvaluateRule(r *rules.Rule, ctx *Context) (Result, error) {
	res := Result{RuleID: r.ID}

	if !r.ShouldEvaluate(ctx.Now) {
		res.Skipped = true
		return res, nil
	}

	fired, update, snapshot, err := evalTrigger(r.TriggerType, r.TriggerConfig, r, ctx, 0)
	if err != nil {
		return res, err
	}
	res.TriggerConfigUpdate = update
	res.Snapshot = snapshot

	if !fired {
		return res, nil
	}

	res.Fired = true
	res.ActionType = r.ActionType
	res.ActionConfig = r.ActionConfig

	if r.ActionType == rules.ActionCancelRule {
		var a rules.CancelRuleAction
		if err := json.Unmarshal(r.ActionConfig, &a); err != nil {
			return res, fmt.Errorf("%w: cancel_rule config: %v", ErrInvariant, err)
		}
		res.RulesToCancel = append(res.RulesToCancel, a.RuleID)
	}

	return res, nil
}

// evalTrigger evaluates one trigger config against the context. It returns
// the fire decision, an optional config-update intent, and a snapshot of the
// inputs that produced the decision.
func evalTrigger(tt rules.TriggerType, raw json.RawMessage, r *rules.Rule, ctx *Context, depth int) (bool, map[string]any, map[string]any, error) {
	switch tt {
	case rules.TriggerPrice:
		var t rules.PriceTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return false, nil, nil, fmt.Errorf("%w: price config: %v", ErrInvariant, err)
		}
		fired, snap := evalPrice(&t, ctx)
		return fired, nil, snap, nil

	case rules.TriggerTime:
		var t rules.TimeTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return false, nil, nil, fmt.Errorf("%w: time config: %v", ErrInvariant, err)
		}
		fired, snap, err := evalTime(&t, r, ctx)
		return fired, nil, snap, err

	case rules.TriggerIndicator:
		var t rules.IndicatorTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return false, nil, nil, fmt.Errorf("%w: indicator config: %v", ErrInvariant, err)
		}
		fired, snap := evalIndicator(&t, ctx)
		return fired, nil, snap, nil

	case rules.TriggerOrderStatus:
		var t rules.OrderStatusTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return false, nil, nil, fmt.Errorf("%w: order_status config: %v", ErrInvariant, err)
		}
		fired, snap := evalOrderStatus(&t, ctx)
		return fired, nil, snap, nil

	case rules.TriggerCompound:
		if depth >= 4 {
			return false, nil, nil, fmt.Errorf("%w: compound nesting too deep", ErrInvariant)
		}
		var t rules.CompoundTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return false, nil, nil, fmt.Errorf("%w: compound config: %v", ErrInvariant, err)
		}
		return evalCompound(&t, r, ctx, depth)

	case rules.TriggerTrailingStop:
		if depth > 0 {
			return false, nil, nil, fmt.Errorf("%w: trailing_stop nested in compound", ErrInvariant)
		}
		var t rules.TrailingStopTrigger
		if err := json.Unmarshal(raw, &t); err != nil {
			return false, nil, nil, fmt.Errorf("%w: trailing_stop config: %v", ErrInvariant, err)
		}
		fired, update, snap := evalTrailingStop(&t, ctx)
		return fired, update, snap, nil
	}

	return false, nil, nil, fmt.Errorf("%w: unknown trigger type %q", ErrInvariant, tt)
}

// evalPrice handles immediate (lte/gte) and crossing comparisons. Crossings
// require a previous reference price in the context; without one they never
// fire (the very first tick cannot cross anything).
func evalPrice(t *rules.PriceTrigger, ctx *Context) (bool, map[string]any) {
	ref := t.Reference
	if ref == "" {
		ref = rules.RefLTP
	}
	current, ok := ctx.MarketData[ref]
	if !ok {
		return false, nil
	}

	snap := map[string]any{
		"reference": string(ref),
		"current":   current,
		"threshold": t.Price,
		"condition": string(t.Condition),
	}

	switch t.Condition {
	case rules.CondLTE:
		return current <= t.Price, snap
	case rules.CondGTE:
		return current >= t.Price, snap
	case rules.CondCrossesAbove, rules.CondCrossesBelow:
		prev, ok := ctx.PrevPrices[ref]
		if !ok {
			return false, snap
		}
		snap["previous"] = prev
		if t.Condition == rules.CondCrossesAbove {
			return prev < t.Price && current >= t.Price, snap
		}
		return prev > t.Price && current <= t.Price, snap
	}
	return false, snap
}

// evalTime fires when now lies in [target, target+tolerance) on an allowed
// weekday in the market timezone. A rule whose fired_at already falls inside
// the same window refuses to fire again, so a restart mid-window cannot
// double-fire.
func evalTime(t *rules.TimeTrigger, r *rules.Rule, ctx *Context) (bool, map[string]any, error) {
	hour, minute, err := t.Clock()
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	loc := ctx.Location
	if loc == nil {
		loc = time.UTC
	}
	now := ctx.Now.In(loc)

	snap := map[string]any{
		"at":  t.At,
		"now": now.Format(time.RFC3339),
	}

	if t.MarketOnly && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday) {
		return false, snap, nil
	}
	if !t.DayAllowed(int(now.Weekday())) {
		return false, snap, nil
	}

	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	delta := now.Sub(target)
	if delta < 0 || delta >= ctx.Tolerance {
		return false, snap, nil
	}

	if r != nil && r.FiredAt != nil {
		fired := r.FiredAt.In(loc)
		if !fired.Before(target) && fired.Sub(target) < ctx.Tolerance {
			return false, snap, nil
		}
	}

	return true, snap, nil
}

// evalOrderStatus matches the inbound portfolio event on order id and status.
func evalOrderStatus(t *rules.OrderStatusTrigger, ctx *Context) (bool, map[string]any) {
	evt := ctx.OrderEvent
	if evt == nil {
		return false, nil
	}
	snap := map[string]any{
		"order_id":     evt.OrderID,
		"event_status": string(evt.Status),
		"want_status":  string(t.Status),
	}
	return evt.OrderID == t.OrderID && evt.Status == t.Status, snap
}

// evalCompound evaluates each tagged sub-condition against the shared
// context and combines with and/or. Trailing stops are rejected as
// sub-conditions at write time; a stored one surfaces as ErrInvariant
// because its high-water-mark updates could never be persisted.
func evalCompound(t *rules.CompoundTrigger, r *rules.Rule, ctx *Context, depth int) (bool, map[string]any, map[string]any, error) {
	subs, err := t.SubConditions()
	if err != nil {
		return false, nil, nil, fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if len(subs) == 0 {
		return false, nil, nil, fmt.Errorf("%w: compound with no conditions", ErrInvariant)
	}

	results := make([]bool, 0, len(subs))
	snaps := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		fired, _, snap, err := evalTrigger(sub.Type, sub.Raw, r, ctx, depth+1)
		if err != nil {
			return false, nil, nil, err
		}
		results = append(results, fired)
		if snap == nil {
			snap = map[string]any{}
		}
		snap["type"] = string(sub.Type)
		snap["fired"] = fired
		snaps = append(snaps, snap)
	}

	fired := t.Operator == "and"
	for _, sub := range results {
		if t.Operator == "and" {
			fired = fired && sub
		} else {
			fired = fired || sub
		}
	}

	snap := map[string]any{
		"operator":   t.Operator,
		"conditions": snaps,
	}
	return fired, nil, snap, nil
}

// evalTrailingStop compares the reference price against the current stop
// level. A new high above the high-water mark yields no fire but a config
// update the daemon must persist; a drop to or below the stop fires.
func evalTrailingStop(t *rules.TrailingStopTrigger, ctx *Context) (bool, map[string]any, map[string]any) {
	ref := t.Reference
	if ref == "" {
		ref = rules.RefLTP
	}
	current, ok := ctx.MarketData[ref]
	if !ok {
		return false, nil, nil
	}

	stop := t.StopPrice()
	snap := map[string]any{
		"reference":     string(ref),
		"current":       current,
		"highest_price": t.HighestPrice,
		"stop_price":    stop,
		"trail_percent": t.TrailPercent,
	}

	if current <= stop {
		return true, nil, snap
	}

	if current > t.HighestPrice {
		update := map[string]any{
			"trail_percent": t.TrailPercent,
			"initial_price": t.InitialPrice,
			"highest_price": current,
			"reference":     string(ref),
		}
		return false, update, snap
	}

	return false, nil, snap
}

// evalIndicator computes the indicator from the instrument's candle buffer
// and compares against the configured value. Crossing conditions compare the
// value over the completed bars against the value with the latest completed
// bar excluded. Insufficient history never fires.
func evalIndicator(t *rules.IndicatorTrigger, ctx *Context) (bool, map[string]any) {
	tf := t.Timeframe
	if tf == "" {
		tf = types.Timeframe5m
	}
	buf, ok := ctx.Candles[tf]
	if !ok || buf == nil {
		return false, nil
	}

	bars := buf.CompletedCandles()
	fn, ok := candles.Indicators[t.Indicator]
	if !ok {
		return false, nil
	}
	current, ok := fn(bars, t.Params)
	if !ok {
		return false, nil
	}

	snap := map[string]any{
		"indicator": t.Indicator,
		"timeframe": string(tf),
		"value":     current,
		"threshold": t.Value,
		"condition": string(t.Condition),
	}

	switch t.Condition {
	case rules.CondLTE:
		return current <= t.Value, snap
	case rules.CondGTE:
		return current >= t.Value, snap
	case rules.CondCrossesAbove, rules.CondCrossesBelow:
		if len(bars) < 2 {
			return false, snap
		}
		prev, ok := fn(bars[:len(bars)-1], t.Params)
		if !ok {
			return false, snap
		}
		snap["previous"] = prev
		if t.Condition == rules.CondCrossesAbove {
			return prev < t.Value && current >= t.Value, snap
		}
		return prev > t.Value && current <= t.Value, snap
	}
	return false, snap
}
