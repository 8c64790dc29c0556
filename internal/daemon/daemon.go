// Package daemon wires the rule store, per-user sessions and the evaluation
// kernel into the always-on monitoring loop.
//
// One dispatcher goroutine runs per user session and is the only writer of
// that session's evaluation state. It multiplexes the user's market ticks,
// order updates, a shared 1-Hz clock for time triggers, and rule-set updates
// pushed by the poll loop.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"niftystrategist/internal/broker"
	"niftystrategist/internal/config"
	"niftystrategist/internal/eval"
	"niftystrategist/internal/rules"
	"niftystrategist/internal/session"
	"niftystrategist/internal/store"
	"niftystrategist/pkg/types"
)

// Daemon is the monitoring engine.
type Daemon struct {
	cfg      *config.Config
	st       *store.Store
	client   *broker.Client
	sessions *session.Manager
	exec     *Executor
	logger   *slog.Logger
	loc      *time.Location

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	dispatchers map[string]*dispatcher
	lastPoll    time.Time
}

// dispatcher is the per-user evaluation loop's handle.
type dispatcher struct {
	userID string
	rules  chan []*rules.Rule
	clock  chan time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a daemon. Call Start to run it.
func New(cfg *config.Config, st *store.Store, client *broker.Client, sessions *session.Manager, logger *slog.Logger) (*Daemon, error) {
	loc, err := time.LoadLocation(cfg.Monitor.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return &Daemon{
		cfg:         cfg,
		st:          st,
		client:      client,
		sessions:    sessions,
		exec:        NewExecutor(client, logger),
		logger:      logger.With("component", "daemon"),
		loc:         loc,
		dispatchers: make(map[string]*dispatcher),
	}, nil
}

// Start loads every active rule, spins up sessions and dispatchers, and
// begins the poll and clock loops. Non-blocking; call Stop to shut down.
func (d *Daemon) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	byUser, err := d.loadAllActive(d.ctx)
	if err != nil {
		return err
	}
	for userID, rs := range byUser {
		d.deliverRules(userID, rs)
	}
	d.lastPoll = time.Now()

	d.wg.Add(2)
	go d.pollLoop()
	go d.clockLoop()

	d.logger.Info("daemon started", "users", len(byUser), "dry_run", d.cfg.DryRun)
	return nil
}

// Stop shuts down in dependency order: poll and clock loops first, then the
// dispatchers, then the sessions with their streams.
func (d *Daemon) Stop() {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	disps := make([]*dispatcher, 0, len(d.dispatchers))
	for _, disp := range d.dispatchers {
		disps = append(disps, disp)
	}
	d.dispatchers = make(map[string]*dispatcher)
	d.mu.Unlock()

	for _, disp := range disps {
		disp.cancel()
		<-disp.done
	}
	d.sessions.Shutdown()

	d.logger.Info("daemon stopped")
}

func (d *Daemon) loadAllActive(ctx context.Context) (map[string][]*rules.Rule, error) {
	active, err := d.st.ListActiveRules(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	byUser := make(map[string][]*rules.Rule)
	for _, r := range active {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	return byUser, nil
}

// pollLoop reloads changed rules from the store on a fixed interval and
// pushes the refreshed per-user sets to the dispatchers. It also tears down
// sessions whose rule set has been empty past the grace period.
func (d *Daemon) pollLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Monitor.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.poll()
		}
	}
}

func (d *Daemon) poll() {
	since := d.lastPoll
	d.lastPoll = time.Now()

	changed, err := d.st.RulesChangedSince(d.ctx, since)
	if err != nil {
		d.logger.Error("rule poll failed", "error", err)
		d.lastPoll = since
		return
	}

	affected := make(map[string]bool)
	for _, r := range changed {
		affected[r.UserID] = true
	}

	for userID := range affected {
		rs, err := d.st.ListActiveRules(d.ctx, userID)
		if err != nil {
			d.logger.Error("reload rules failed", "user_id", userID, "error", err)
			continue
		}
		d.deliverRules(userID, rs)
	}

	d.reapIdleSessions()
}

// deliverRules hands a user's active rule set to their dispatcher, starting
// one if this is the user's first rule.
func (d *Daemon) deliverRules(userID string, rs []*rules.Rule) {
	d.mu.Lock()
	disp, ok := d.dispatchers[userID]
	if !ok {
		dctx, cancel := context.WithCancel(d.ctx)
		disp = &dispatcher{
			userID: userID,
			rules:  make(chan []*rules.Rule, 1),
			clock:  make(chan time.Time, 1),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		d.dispatchers[userID] = disp
		go d.runDispatcher(dctx, disp)
	}
	d.mu.Unlock()

	// Replace a pending set rather than queueing behind it.
	select {
	case <-disp.rules:
	default:
	}
	disp.rules <- rs
}

// reapIdleSessions tears down dispatchers and sessions whose rule set has
// been empty longer than the grace period.
func (d *Daemon) reapIdleSessions() {
	grace := d.cfg.Monitor.SessionGrace
	for _, userID := range d.sessions.ActiveUsers() {
		sess := d.sessions.Get(userID)
		if sess == nil {
			continue
		}
		emptyAt := sess.EmptySince()
		if emptyAt.IsZero() || time.Since(emptyAt) < grace {
			continue
		}

		d.mu.Lock()
		disp := d.dispatchers[userID]
		delete(d.dispatchers, userID)
		d.mu.Unlock()

		if disp != nil {
			disp.cancel()
			<-disp.done
		}
		d.sessions.TearDown(userID)
		d.logger.Info("idle session reaped", "user_id", userID)
	}
}

// clockLoop fans a shared 1-Hz tick out to every dispatcher for time
// triggers. Sends are non-blocking; a dispatcher busy with a tick burst
// just picks up the next second.
func (d *Daemon) clockLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			d.mu.Lock()
			for _, disp := range d.dispatchers {
				select {
				case disp.clock <- now:
				default:
				}
			}
			d.mu.Unlock()
		}
	}
}

// runDispatcher is the single-writer evaluation loop for one user. All of
// the session's dispatcher-owned state (buffers, previous prices) is only
// touched here.
func (d *Daemon) runDispatcher(ctx context.Context, disp *dispatcher) {
	defer close(disp.done)

	logger := d.logger.With("user_id", disp.userID)

	// The session does not exist until the first rule set arrives.
	var sess *session.Session
	for sess == nil {
		select {
		case <-ctx.Done():
			return
		case rs := <-disp.rules:
			if err := d.sessions.Reconcile(ctx, disp.userID, rs); err != nil {
				logger.Error("session reconcile failed", "error", err)
				continue
			}
			sess = d.sessions.Get(disp.userID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case rs := <-disp.rules:
			if err := d.sessions.Reconcile(ctx, disp.userID, rs); err != nil {
				logger.Error("session reconcile failed", "error", err)
			}

		case t, ok := <-sess.MarketFeed.Ticks():
			if !ok {
				return
			}
			d.handleTick(ctx, sess, t)

		case u, ok := <-sess.PortfolioFeed.OrderUpdates():
			if !ok {
				return
			}
			d.handleOrderUpdate(ctx, sess, u)

		case now := <-disp.clock:
			d.handleClock(ctx, sess, now)
		}
	}
}

// handleTick folds the tick into the candle buffers and evaluates every
// market-data rule on the tick's instrument. Previous prices are committed
// only after all rules saw the tick, so two crossing rules on the same
// instrument both observe the same transition.
func (d *Daemon) handleTick(ctx context.Context, sess *session.Session, t types.Tick) {
	if sess.Paused() {
		return
	}

	sess.AddTick(t)
	market, prev := sess.MarketState(t)

	ectx := &eval.Context{
		MarketData: market,
		PrevPrices: prev,
		Now:        time.Now(),
		Location:   d.loc,
		Tolerance:  d.cfg.Monitor.TimeTolerance,
		Candles:    sess.Buffers(t.InstrumentToken),
	}

	for _, r := range sess.Rules() {
		if !r.NeedsMarketData() || r.InstrumentToken != t.InstrumentToken {
			continue
		}
		d.evaluate(ctx, sess, r, ectx)
	}

	sess.CommitPrices(t.InstrumentToken, market)
}

// handleOrderUpdate evaluates order-status rules (and compounds, which may
// nest an order-status condition) against the portfolio event.
func (d *Daemon) handleOrderUpdate(ctx context.Context, sess *session.Session, u types.OrderUpdate) {
	if sess.Paused() {
		return
	}

	for _, r := range sess.Rules() {
		if r.TriggerType != rules.TriggerOrderStatus && r.TriggerType != rules.TriggerCompound {
			continue
		}
		ectx := &eval.Context{
			MarketData: sess.LastMarket(r.InstrumentToken),
			OrderEvent: &u,
			Now:        time.Now(),
			Location:   d.loc,
			Tolerance:  d.cfg.Monitor.TimeTolerance,
			Candles:    sess.Buffers(r.InstrumentToken),
		}
		d.evaluate(ctx, sess, r, ectx)
	}
}

// handleClock evaluates time rules (and compounds, which may nest a time
// condition) once per second. Price context comes from the last seen tick.
func (d *Daemon) handleClock(ctx context.Context, sess *session.Session, now time.Time) {
	if sess.Paused() {
		return
	}

	for _, r := range sess.Rules() {
		if r.TriggerType != rules.TriggerTime && r.TriggerType != rules.TriggerCompound {
			continue
		}
		ectx := &eval.Context{
			MarketData: sess.LastMarket(r.InstrumentToken),
			Now:        now,
			Location:   d.loc,
			Tolerance:  d.cfg.Monitor.TimeTolerance,
			Candles:    sess.Buffers(r.InstrumentToken),
		}
		d.evaluate(ctx, sess, r, ectx)
	}
}

// evaluate runs one rule through the kernel and carries out the result:
// persisting trigger-config updates, executing the action, accounting the
// fire, and propagating peer cancellations.
func (d *Daemon) evaluate(ctx context.Context, sess *session.Session, r *rules.Rule, ectx *eval.Context) {
	res, err := eval.EvaluateRule(r, ectx)
	if err != nil {
		d.logger.Warn("rule evaluation failed",
			"rule_id", r.ID, "user_id", r.UserID, "error", err)
		return
	}
	if res.Skipped {
		return
	}

	if res.TriggerConfigUpdate != nil {
		d.applyTriggerUpdate(ctx, r, res.TriggerConfigUpdate)
	}

	if !res.Fired {
		return
	}
	d.fire(ctx, sess, r, res)
}

// applyTriggerUpdate persists a config-update intent (trailing stop raising
// its high-water mark) and refreshes the in-memory rule so the next tick
// evaluates against the new config.
func (d *Daemon) applyTriggerUpdate(ctx context.Context, r *rules.Rule, update map[string]any) {
	if err := d.st.UpdateTriggerConfig(ctx, r.ID, update); err != nil {
		d.logger.Error("persist trigger update failed",
			"rule_id", r.ID, "user_id", r.UserID, "error", err)
		return
	}
	data, err := json.Marshal(update)
	if err != nil {
		d.logger.Error("marshal trigger update failed", "rule_id", r.ID, "error", err)
		return
	}
	r.TriggerConfig = data
}

// fire executes the fired rule's action and accounts the fire. An action
// that was dispatched to the broker consumes a fire even when the broker
// rejects it; an action that never left the process leaves the rule
// evaluable for the next event.
func (d *Daemon) fire(ctx context.Context, sess *session.Session, r *rules.Rule, res eval.Result) {
	logger := d.logger.With("rule_id", r.ID, "user_id", r.UserID, "action", r.ActionType)
	logger.Info("rule fired")

	accessToken := sess.Credentials().AccessToken
	out, execErr := d.exec.Execute(ctx, accessToken, r, res)
	if execErr != nil && !out.Dispatched {
		logger.Error("action not dispatched, rule stays armed", "error", execErr)
		return
	}

	var actionResult any
	switch {
	case execErr != nil:
		actionResult = map[string]any{"error": execErr.Error()}
		logger.Error("action dispatched but failed", "error", execErr)
	case out.OrderID != "":
		actionResult = map[string]any{"order_id": out.OrderID}
	default:
		actionResult = map[string]any{"status": "ok"}
	}

	now := time.Now()
	rec := store.FireRecord{
		RuleID:       r.ID,
		UserID:       r.UserID,
		FiredAt:      now,
		Snapshot:     res.Snapshot,
		ActionTaken:  string(r.ActionType),
		ActionResult: actionResult,
	}
	if err := d.st.RecordFire(ctx, rec); err != nil {
		// The store still shows the fire unconsumed, so the in-memory
		// counters must not advance. Drop the rule from the hot set so it
		// cannot refire on every event; the next poll redelivers it.
		logger.Error("record fire failed, parking rule until next poll", "error", err)
		sess.RemoveRule(r.ID)
		return
	}

	r.FireCount++
	r.FiredAt = &now
	if r.MaxFires != nil && r.FireCount >= *r.MaxFires {
		sess.RemoveRule(r.ID)
		logger.Info("rule exhausted its fires", "fire_count", r.FireCount)
	}

	for _, id := range res.RulesToCancel {
		if err := d.st.DisableRule(ctx, id); err != nil {
			logger.Error("cancel peer rule failed", "peer_rule_id", id, "error", err)
			continue
		}
		sess.RemoveRule(id)
		logger.Info("peer rule cancelled", "peer_rule_id", id)
	}
}
