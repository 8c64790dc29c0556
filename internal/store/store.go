// Package store is the persistent rule store: rules, fire logs, and
// encrypted per-user brokerage credentials, backed by SQLite.
//
// The store is the single source of truth across processes; the daemon's
// in-memory rule snapshots are a cache refreshed through RulesChangedSince.
// Trigger and action configs live in JSON columns, so new trigger families
// need no schema changes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"niftystrategist/internal/rules"
)

const schema = `
CREATE TABLE IF NOT EXISTS monitor_rules (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id          TEXT NOT NULL,
	name             TEXT NOT NULL,
	enabled          INTEGER NOT NULL DEFAULT 1,
	trigger_type     TEXT NOT NULL,
	trigger_config   TEXT NOT NULL,
	action_type      TEXT NOT NULL,
	action_config    TEXT NOT NULL,
	instrument_token TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL DEFAULT '',
	linked_trade_id  INTEGER,
	linked_order_id  TEXT,
	fire_count       INTEGER NOT NULL DEFAULT 0,
	max_fires        INTEGER,
	expires_at       INTEGER,
	fired_at         INTEGER,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_user_enabled ON monitor_rules(user_id, enabled);
CREATE INDEX IF NOT EXISTS idx_rules_instrument   ON monitor_rules(instrument_token);
CREATE INDEX IF NOT EXISTS idx_rules_updated      ON monitor_rules(updated_at);

CREATE TABLE IF NOT EXISTS monitor_logs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id          TEXT NOT NULL,
	rule_id          INTEGER NOT NULL,
	trigger_snapshot TEXT NOT NULL,
	action_taken     TEXT NOT NULL,
	action_result    TEXT NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_rule ON monitor_logs(rule_id, created_at);

CREATE TABLE IF NOT EXISTS user_credentials (
	user_id       TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
`

// Store wraps the SQLite database holding rules, logs, and credentials.
type Store struct {
	db     *sql.DB
	cipher *tokenCipher
}

// Open opens (creating if needed) the database at path. WAL mode allows the
// status API to read while the dispatcher writes. tokenKey is the 32-byte
// hex key protecting stored brokerage tokens.
func Open(path, tokenKey string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	cipher, err := newTokenCipher(tokenKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, cipher: cipher}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRule validates and inserts a rule, populating ID and timestamps.
func (s *Store) CreateRule(ctx context.Context, r *rules.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO monitor_rules
		(user_id, name, enabled, trigger_type, trigger_config, action_type, action_config,
		 instrument_token, symbol, linked_trade_id, linked_order_id,
		 fire_count, max_fires, expires_at, fired_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Name, boolInt(r.Enabled), string(r.TriggerType), string(r.TriggerConfig),
		string(r.ActionType), string(r.ActionConfig), r.InstrumentToken, r.Symbol,
		nullInt64(r.LinkedTradeID), nullStr(r.LinkedOrderID),
		r.FireCount, nullInt(r.MaxFires), nullTime(r.ExpiresAt), nullTime(r.FiredAt),
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("rule id: %w", err)
	}
	return nil
}

// RulePatch describes a partial update. Nil fields are left unchanged.
type RulePatch struct {
	Name          *string
	Enabled       *bool
	TriggerConfig json.RawMessage
	ActionConfig  json.RawMessage
	MaxFires      *int
	ExpiresAt     *time.Time
}

// UpdateRule applies a patch and bumps updated_at so pollers pick it up.
// Patched configs are re-validated against the rule's trigger/action type.
func (s *Store) UpdateRule(ctx context.Context, id int64, patch RulePatch) error {
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if patch.Name != nil {
		r.Name = *patch.Name
	}
	if patch.Enabled != nil {
		r.Enabled = *patch.Enabled
	}
	if patch.TriggerConfig != nil {
		if err := rules.ValidateTriggerConfig(r.TriggerType, patch.TriggerConfig); err != nil {
			return err
		}
		r.TriggerConfig = patch.TriggerConfig
	}
	if patch.ActionConfig != nil {
		if err := rules.ValidateActionConfig(r.ActionType, patch.ActionConfig); err != nil {
			return err
		}
		r.ActionConfig = patch.ActionConfig
	}
	if patch.MaxFires != nil {
		r.MaxFires = patch.MaxFires
	}
	if patch.ExpiresAt != nil {
		r.ExpiresAt = patch.ExpiresAt
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE monitor_rules
		SET name = ?, enabled = ?, trigger_config = ?, action_config = ?,
		    max_fires = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, boolInt(r.Enabled), string(r.TriggerConfig), string(r.ActionConfig),
		nullInt(r.MaxFires), nullTime(r.ExpiresAt), time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", id, err)
	}
	return nil
}

// DisableRule flips enabled off. Used by OCO peer cancellation.
func (s *Store) DisableRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE monitor_rules SET enabled = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("disable rule %d: %w", id, err)
	}
	return nil
}

// DeleteRule removes a rule. Fire logs are retained for audit.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM monitor_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	return nil
}

// GetRule loads a single rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (*rules.Rule, error) {
	row := s.db.QueryRowContext(ctx, selectRule+` WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %d not found", id)
	}
	return r, err
}

// ListActiveRules returns all evaluable rules: enabled, non-expired,
// fires remaining. userID filters to one user when non-empty.
func (s *Store) ListActiveRules(ctx context.Context, userID string) ([]*rules.Rule, error) {
	q := selectRule + `
		WHERE enabled = 1
		AND (expires_at IS NULL OR expires_at > ?)
		AND (max_fires IS NULL OR fire_count < max_fires)`
	args := []any{time.Now().UnixNano()}
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY user_id, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// RulesChangedSince returns rules whose updated_at is after since, letting
// the daemon pick up mutations without external IPC.
func (s *Store) RulesChangedSince(ctx context.Context, since time.Time) ([]*rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, selectRule+` WHERE updated_at > ? ORDER BY updated_at`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("rules changed since: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// UpdateTriggerConfig replaces a rule's trigger config. Used on the trailing
// stop persistence path when the high-water mark moves.
func (s *Store) UpdateTriggerConfig(ctx context.Context, id int64, cfg map[string]any) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE monitor_rules SET trigger_config = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update trigger config %d: %w", id, err)
	}
	return nil
}

// FireRecord is one firing attempt to be accounted and logged.
type FireRecord struct {
	RuleID       int64
	UserID       string
	FiredAt      time.Time
	Snapshot     map[string]any
	ActionTaken  string
	ActionResult any // broker response or error text
}

// RecordFire transactionally increments fire_count, stamps fired_at,
// auto-disables the rule when max_fires is reached, and appends the fire
// log row. The single transaction is what prevents a double-fire race on
// burst ticks.
func (s *Store) RecordFire(ctx context.Context, rec FireRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fire tx: %w", err)
	}
	defer tx.Rollback()

	var fireCount int
	var maxFires sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT fire_count, max_fires FROM monitor_rules WHERE id = ?`, rec.RuleID).
		Scan(&fireCount, &maxFires)
	if err != nil {
		return fmt.Errorf("load rule %d for fire: %w", rec.RuleID, err)
	}

	fireCount++
	enabled := 1
	if maxFires.Valid && int64(fireCount) >= maxFires.Int64 {
		enabled = 0
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE monitor_rules
		SET fire_count = ?, fired_at = ?, enabled = enabled & ?, updated_at = ?
		WHERE id = ?`,
		fireCount, rec.FiredAt.UnixNano(), enabled, time.Now().UnixNano(), rec.RuleID)
	if err != nil {
		return fmt.Errorf("increment fire count %d: %w", rec.RuleID, err)
	}

	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	result, err := json.Marshal(rec.ActionResult)
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO monitor_logs (user_id, rule_id, trigger_snapshot, action_taken, action_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.RuleID, string(snapshot), rec.ActionTaken, string(result), rec.FiredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert fire log: %w", err)
	}

	return tx.Commit()
}

// FireLog is one row of the append-only firing audit trail.
type FireLog struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"user_id"`
	RuleID       int64           `json:"rule_id"`
	Snapshot     json.RawMessage `json:"trigger_snapshot"`
	ActionTaken  string          `json:"action_taken"`
	ActionResult json.RawMessage `json:"action_result"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListFireLogs returns the most recent fire logs, newest first. ruleID
// filters to one rule when non-zero.
func (s *Store) ListFireLogs(ctx context.Context, ruleID int64, limit int) ([]FireLog, error) {
	q := `SELECT id, user_id, rule_id, trigger_snapshot, action_taken, action_result, created_at
		FROM monitor_logs`
	var args []any
	if ruleID != 0 {
		q += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list fire logs: %w", err)
	}
	defer rows.Close()

	var out []FireLog
	for rows.Next() {
		var l FireLog
		var snapshot, result string
		var createdAt int64
		if err := rows.Scan(&l.ID, &l.UserID, &l.RuleID, &snapshot, &l.ActionTaken, &result, &createdAt); err != nil {
			return nil, fmt.Errorf("scan fire log: %w", err)
		}
		l.Snapshot = json.RawMessage(snapshot)
		l.ActionResult = json.RawMessage(result)
		l.CreatedAt = time.Unix(0, createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CreateRuleBundle inserts a set of rules in one transaction, all-or-nothing.
// Used by the OCO producer surface: stop-loss leg, target leg, their
// order-status companions, and the auto-square-off rule land together.
func (s *Store) CreateRuleBundle(ctx context.Context, bundle []*rules.Rule) error {
	for _, r := range bundle {
		if err := r.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bundle tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, r := range bundle {
		if err := insertRuleTx(ctx, tx, r, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertRuleTx(ctx context.Context, tx *sql.Tx, r *rules.Rule, now time.Time) error {
	r.CreatedAt = now
	r.UpdatedAt = now
	res, err := tx.ExecContext(ctx, `
		INSERT INTO monitor_rules
		(user_id, name, enabled, trigger_type, trigger_config, action_type, action_config,
		 instrument_token, symbol, linked_trade_id, linked_order_id,
		 fire_count, max_fires, expires_at, fired_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Name, boolInt(r.Enabled), string(r.TriggerType), string(r.TriggerConfig),
		string(r.ActionType), string(r.ActionConfig), r.InstrumentToken, r.Symbol,
		nullInt64(r.LinkedTradeID), nullStr(r.LinkedOrderID),
		r.FireCount, nullInt(r.MaxFires), nullTime(r.ExpiresAt), nullTime(r.FiredAt),
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert bundle rule %q: %w", r.Name, err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("bundle rule id: %w", err)
	}
	return nil
}

const selectRule = `
	SELECT id, user_id, name, enabled, trigger_type, trigger_config, action_type, action_config,
	       instrument_token, symbol, linked_trade_id, linked_order_id,
	       fire_count, max_fires, expires_at, fired_at, created_at, updated_at
	FROM monitor_rules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*rules.Rule, error) {
	var r rules.Rule
	var enabled int
	var triggerType, actionType, triggerConfig, actionConfig string
	var linkedTrade sql.NullInt64
	var linkedOrder sql.NullString
	var maxFires sql.NullInt64
	var expiresAt, firedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&r.ID, &r.UserID, &r.Name, &enabled,
		&triggerType, &triggerConfig, &actionType, &actionConfig,
		&r.InstrumentToken, &r.Symbol, &linkedTrade, &linkedOrder,
		&r.FireCount, &maxFires, &expiresAt, &firedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Enabled = enabled != 0
	r.TriggerType = rules.TriggerType(triggerType)
	r.TriggerConfig = json.RawMessage(triggerConfig)
	r.ActionType = rules.ActionType(actionType)
	r.ActionConfig = json.RawMessage(actionConfig)
	if linkedTrade.Valid {
		r.LinkedTradeID = &linkedTrade.Int64
	}
	if linkedOrder.Valid {
		r.LinkedOrderID = &linkedOrder.String
	}
	if maxFires.Valid {
		v := int(maxFires.Int64)
		r.MaxFires = &v
	}
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64)
		r.ExpiresAt = &t
	}
	if firedAt.Valid {
		t := time.Unix(0, firedAt.Int64)
		r.FiredAt = &t
	}
	r.CreatedAt = time.Unix(0, createdAt)
	r.UpdatedAt = time.Unix(0, updatedAt)
	return &r, nil
}

func scanRules(rows *sql.Rows) ([]*rules.Rule, error) {
	var out []*rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixNano()
}
