package store

import (
	"context"
	"fmt"
)

// schema is shared by both dialects; both accept TEXT, BIGINT, BOOLEAN and
// DOUBLE PRECISION. Timestamps are unix milliseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS budgets (
		agent_id TEXT PRIMARY KEY,
		credits_cents BIGINT NOT NULL,
		daily_spend_cents BIGINT NOT NULL,
		daily_spend_used_cents BIGINT NOT NULL DEFAULT 0,
		last_reset_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS policies (
		policy_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_agent ON policies (agent_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS quotes (
		quote_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		intent_type TEXT NOT NULL,
		intent_json TEXT NOT NULL,
		allowed BOOLEAN NOT NULL,
		requires_step_up BOOLEAN NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		cost_cents BIGINT NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL,
		env_name TEXT NOT NULL DEFAULT '',
		facts_json TEXT NOT NULL DEFAULT '{}',
		expires_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (agent_id, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		exec_id TEXT PRIMARY KEY,
		quote_id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL,
		intent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		external_ref TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		cost_cents BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions (agent_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		occurred_at BIGINT NOT NULL,
		hash TEXT NOT NULL,
		prev_hash TEXT,
		UNIQUE (agent_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS receipts (
		receipt_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		event_id TEXT,
		source TEXT NOT NULL,
		what_happened TEXT NOT NULL,
		why_changed TEXT NOT NULL,
		what_happens_next TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_agent ON receipts (agent_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS agent_spend_snapshots (
		agent_id TEXT PRIMARY KEY,
		confirmed_balance_cents BIGINT NOT NULL,
		reserved_outgoing_cents BIGINT NOT NULL,
		reserved_holds_cents BIGINT NOT NULL,
		policy_spendable_cents BIGINT NOT NULL,
		effective_spend_power_cents BIGINT NOT NULL,
		balance_bound BOOLEAN NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS card_holds (
		hold_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		auth_id TEXT NOT NULL UNIQUE,
		amount_cents BIGINT NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_card_holds_agent ON card_holds (agent_id, status)`,
	`CREATE TABLE IF NOT EXISTS pending_transfers (
		transfer_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		client_transfer_id TEXT NOT NULL UNIQUE,
		to_address TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		block_number BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_transfers_agent ON pending_transfers (agent_id, status)`,
	`CREATE TABLE IF NOT EXISTS market_orders (
		order_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		client_order_id TEXT NOT NULL UNIQUE,
		external_order_id TEXT NOT NULL DEFAULT '',
		market_id TEXT NOT NULL,
		side TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		cost_cents BIGINT NOT NULL,
		filled_size DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_market_orders_agent ON market_orders (agent_id, status)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		expected TEXT NOT NULL,
		reward_cents BIGINT NOT NULL,
		penalty_cents BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS step_up_challenges (
		challenge_id TEXT PRIMARY KEY,
		quote_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		code_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts BIGINT NOT NULL DEFAULT 0,
		expires_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		resolved_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS step_up_tokens (
		token_id TEXT PRIMARY KEY,
		challenge_id TEXT NOT NULL UNIQUE,
		quote_id TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS env_health (
		env_name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_ok_at BIGINT NOT NULL DEFAULT 0,
		last_tick_at BIGINT NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS integrity_flags (
		agent_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		detail TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
}

var ledgerTables = []string{"events", "receipts"}

func sqliteTriggers() []string {
	var out []string
	for _, t := range ledgerTables {
		out = append(out,
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_no_update BEFORE UPDATE ON %[1]s
BEGIN SELECT RAISE(ABORT, '%[1]s is append-only'); END`, t),
			fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_no_delete BEFORE DELETE ON %[1]s
BEGIN SELECT RAISE(ABORT, '%[1]s is append-only'); END`, t),
		)
	}
	return out
}

func postgresTriggers() []string {
	out := []string{`CREATE OR REPLACE FUNCTION bloom_reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql`}
	for _, t := range ledgerTables {
		out = append(out,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %[1]s_append_only ON %[1]s`, t),
			fmt.Sprintf(`CREATE TRIGGER %[1]s_append_only BEFORE UPDATE OR DELETE ON %[1]s
FOR EACH ROW EXECUTE FUNCTION bloom_reject_mutation()`, t),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %[1]s_no_truncate ON %[1]s`, t),
			fmt.Sprintf(`CREATE TRIGGER %[1]s_no_truncate BEFORE TRUNCATE ON %[1]s
FOR EACH STATEMENT EXECUTE FUNCTION bloom_reject_mutation()`, t),
		)
	}
	return out
}

// Migrate creates every table and installs the ledger triggers. Safe to run
// repeatedly.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := append([]string(nil), schema...)
	switch d.dialect {
	case Postgres:
		stmts = append(stmts, postgresTriggers()...)
	default:
		stmts = append(stmts, sqliteTriggers()...)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit migration: %w", err)
	}
	d.logger.InfoContext(ctx, "migrations applied", "dialect", d.dialect, "statements", len(stmts))
	return nil
}
