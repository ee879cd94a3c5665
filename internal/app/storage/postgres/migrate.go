package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied idempotently at startup. The transactions table is the
// authoritative record; accounts is a rebuildable projection.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		phone_hash  TEXT,
		kyc_level   INT NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'unverified',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_phone_hash_idx ON users (phone_hash) WHERE phone_hash IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS user_stats (
		user_id        TEXT PRIMARY KEY,
		trust_given    BIGINT NOT NULL DEFAULT 0,
		trust_received BIGINT NOT NULL DEFAULT 0,
		tokens_earned  BIGINT NOT NULL DEFAULT 0,
		referrals_made BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS trust_edges (
		id         TEXT PRIMARY KEY,
		truster_id TEXT NOT NULL,
		trusted_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS trust_edges_active_pair_idx
		ON trust_edges (truster_id, trusted_id) WHERE revoked_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS trust_edges_trusted_idx ON trust_edges (trusted_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS trust_edges_truster_idx ON trust_edges (truster_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS graph_meta (
		id      INT PRIMARY KEY,
		version BIGINT NOT NULL
	)`,
	`INSERT INTO graph_meta (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS reputation_scores (
		user_id     TEXT NOT NULL,
		version     BIGINT NOT NULL,
		raw_score   DOUBLE PRECISION NOT NULL,
		breakdown   JSONB NOT NULL DEFAULT '[]',
		trend_day   DOUBLE PRECISION NOT NULL DEFAULT 0,
		trend_week  DOUBLE PRECISION NOT NULL DEFAULT 0,
		computed_at TIMESTAMPTZ NOT NULL,
		stale       BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (user_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_accounts (
		user_id    TEXT PRIMARY KEY,
		balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		version    BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id              TEXT PRIMARY KEY,
		from_user_id    TEXT,
		to_user_id      TEXT,
		amount          BIGINT NOT NULL CHECK (amount > 0),
		kind            TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		cause_ref       TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		seq             BIGSERIAL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_from_idx ON ledger_transactions (from_user_id, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_to_idx ON ledger_transactions (to_user_id, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS referral_codes (
		code       TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL UNIQUE,
		max_uses   INT NOT NULL DEFAULT 0,
		uses       INT NOT NULL DEFAULT 0,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS referral_relationships (
		id          TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referee_id  TEXT NOT NULL,
		level       INT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ,
		UNIQUE (referee_id, level)
	)`,
	`CREATE TABLE IF NOT EXISTS trust_intents (
		id          TEXT PRIMARY KEY,
		truster_id  TEXT NOT NULL,
		phone_hash  TEXT NOT NULL,
		code        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS trust_intents_pending_idx
		ON trust_intents (phone_hash) WHERE consumed_at IS NULL`,
}

// Migrate applies the schema statements in order.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
