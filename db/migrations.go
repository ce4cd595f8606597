package db

import (
	"fmt"
)

// migrations is the forward-only, numbered schema history.
// Each entry runs in its own transaction; sqlite's schema DDL is
// implicitly transactional per statement, but wrapping keeps the pattern
// uniform with aj9599-zev-billing's RunMigrations.
var migrations = []string{
	// 0001: outbound transactional message queue
	`CREATE TABLE IF NOT EXISTS outbound_messages (
		unique_id   TEXT PRIMARY KEY,
		action      TEXT NOT NULL,
		payload     TEXT NOT NULL,
		kind        TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	)`,
	// 0002: transactions (the charging sessions)
	`CREATE TABLE IF NOT EXISTS transactions (
		id             TEXT PRIMARY KEY,
		evse_id        INTEGER NOT NULL,
		connector_id   INTEGER NOT NULL,
		start_time     INTEGER NOT NULL,
		start_meter    INTEGER NOT NULL,
		id_token       TEXT NOT NULL,
		group_id_token TEXT,
		reservation_id INTEGER,
		seq_no         INTEGER NOT NULL DEFAULT 0,
		active         INTEGER NOT NULL DEFAULT 1,
		stop_reason    TEXT,
		stop_time      INTEGER,
		stop_meter     INTEGER
	)`,
	// 0003: installed charging profiles
	`CREATE TABLE IF NOT EXISTS charging_profiles (
		id           INTEGER PRIMARY KEY,
		evse_id      INTEGER NOT NULL,
		source       TEXT NOT NULL,
		stack_level  INTEGER NOT NULL,
		purpose      TEXT NOT NULL,
		payload      TEXT NOT NULL
	)`,
	// 0004: auth cache
	`CREATE TABLE IF NOT EXISTS auth_cache (
		token_hash     TEXT PRIMARY KEY,
		status         TEXT NOT NULL,
		expiry         INTEGER,
		parent_id_token TEXT,
		size_bytes     INTEGER NOT NULL,
		last_access    INTEGER NOT NULL
	)`,
	// 0005: availability triples
	`CREATE TABLE IF NOT EXISTS availability (
		scope        TEXT PRIMARY KEY, -- "cs" | "evse:<id>" | "conn:<evse>:<id>"
		status       TEXT NOT NULL
	)`,
	// 0006: CSMS-assigned transaction id, resolved after StartTransaction
	`ALTER TABLE transactions ADD COLUMN csms_id TEXT`,
	// 0007: persisted device-model variables
	`CREATE TABLE IF NOT EXISTS variables (
		component    TEXT NOT NULL,
		variable     TEXT NOT NULL,
		value        TEXT NOT NULL,
		PRIMARY KEY (component, variable)
	)`,
}

func (h *Handler) migrate() error {
	if _, err := h.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		var exists int
		if err := h.db.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := h.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}
