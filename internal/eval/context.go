// Package eval is the pure rule-evaluation kernel.
//
// Every evaluator is a pure function of (rule, Context): no database reads,
// no logging, no sleeping, no I/O. The Context carries every input a trigger
// family may need; side-effect intents (a trailing stop raising its
// high-water mark) are returned in the Result for the daemon to persist.
package eval

import (
	"encoding/json"
	"time"

	"niftystrategist/internal/candles"
	"niftystrategist/internal/rules"
	"niftystrategist/pkg/types"
)

// Context is the complete evaluation input for one rule against one event.
type Context struct {
	// MarketData is the latest snapshot for the rule's instrument, keyed by
	// reference (ltp, bid, ask, open, high, low). Missing keys mean the feed
	// has not supplied that field; comparisons against them never fire.
	MarketData map[rules.Reference]float64

	// PrevPrices holds the previous reference prices for the same instrument.
	// Supplied by the dispatcher; crossings cannot fire without them.
	PrevPrices map[rules.Reference]float64

	// OrderEvent is the inbound portfolio event, nil for market/time events.
	OrderEvent *types.OrderUpdate

	// Now is the evaluation instant.
	Now time.Time

	// Location is the market timezone used by time triggers.
	Location *time.Location

	// Tolerance is the time-trigger firing window after the target instant.
	Tolerance time.Duration

	// Candles exposes the instrument's buffers keyed by timeframe, for
	// indicator triggers. Read-only in the kernel.
	Candles map[types.Timeframe]*candles.Buffer
}

// Result is the outcome of evaluating one rule.
type Result struct {
	RuleID  int64
	Fired   bool
	Skipped bool // rule was not evaluable

	// Populated only when Fired.
	ActionType   rules.ActionType
	ActionConfig json.RawMessage

	// RulesToCancel carries cancel_rule targets so the daemon can propagate
	// OCO peer cancellation.
	RulesToCancel []int64

	// TriggerConfigUpdate is non-nil when the evaluator wants the rule's own
	// config changed (trailing stop moving its high-water mark). The daemon
	// persists it and refreshes the in-memory rule.
	TriggerConfigUpdate map[string]any

	// Snapshot captures the trigger-relevant context at evaluation time and
	// becomes the fire log's trigger_snapshot.
	Snapshot map[string]any
}
