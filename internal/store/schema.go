package store

import (
	"fmt"
	"strings"
)

// schemaObject is one expected table or index. Objects carry the
// migration version that introduced them so versioned migration scripts
// and the reconciliation pass share a single DDL source.
type schemaObject struct {
	kind    string // sqlite_master type: "table" or "index"
	name    string
	ddl     string
	version int
}

// All DDL is IF NOT EXISTS so both the versioned migrations and the
// reconciliation pass are safe to run any number of times and never
// touch existing rows.
var schemaObjects = []schemaObject{
	// v1: actors + interactions
	{"table", "actors", `
		CREATE TABLE IF NOT EXISTS actors (
			did TEXT PRIMARY KEY,
			handle TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			first_seen_at TEXT NOT NULL DEFAULT '',
			last_seen_at TEXT NOT NULL DEFAULT '',
			interaction_count INTEGER NOT NULL DEFAULT 0,
			notes_manual TEXT NOT NULL DEFAULT '',
			notes_auto TEXT NOT NULL DEFAULT ''
		)`, 1},
	{"table", "actor_tags", `
		CREATE TABLE IF NOT EXISTS actor_tags (
			did TEXT NOT NULL,
			tag TEXT NOT NULL,
			PRIMARY KEY (did, tag)
		)`, 1},
	{"table", "actor_handle_history", `
		CREATE TABLE IF NOT EXISTS actor_handle_history (
			did TEXT NOT NULL,
			handle TEXT NOT NULL,
			observed_at TEXT NOT NULL
		)`, 1},
	{"index", "idx_handle_history_did", `
		CREATE INDEX IF NOT EXISTS idx_handle_history_did
		ON actor_handle_history(did, observed_at)`, 1},
	{"table", "interactions", `
		CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			actor_did TEXT NOT NULL,
			kind TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			post_uri TEXT NOT NULL DEFAULT '',
			our_text TEXT NOT NULL DEFAULT '',
			their_text TEXT NOT NULL DEFAULT ''
		)`, 1},
	{"index", "idx_interactions_actor_time", `
		CREATE INDEX IF NOT EXISTS idx_interactions_actor_time
		ON interactions(actor_did, occurred_at)`, 1},
	{"index", "idx_interactions_natural_key", `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_interactions_natural_key
		ON interactions(actor_did, kind, occurred_at, post_uri)`, 1},
	{"table", "meta", `
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`, 1},

	// v2: direct messages
	{"table", "dm_conversations", `
		CREATE TABLE IF NOT EXISTS dm_conversations (
			convo_id TEXT PRIMARY KEY,
			last_message_at TEXT NOT NULL DEFAULT ''
		)`, 2},
	{"table", "dm_convo_members", `
		CREATE TABLE IF NOT EXISTS dm_convo_members (
			convo_id TEXT NOT NULL,
			did TEXT NOT NULL,
			PRIMARY KEY (convo_id, did)
		)`, 2},
	{"index", "idx_dm_members_did", `
		CREATE INDEX IF NOT EXISTS idx_dm_members_did
		ON dm_convo_members(did)`, 2},
	{"table", "dm_messages", `
		CREATE TABLE IF NOT EXISTS dm_messages (
			convo_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			actor_did TEXT NOT NULL,
			direction TEXT NOT NULL CHECK(direction IN ('in','out')),
			sent_at TEXT NOT NULL,
			text TEXT NOT NULL,
			PRIMARY KEY (convo_id, message_id)
		)`, 2},
	{"index", "idx_dm_messages_actor_time", `
		CREATE INDEX IF NOT EXISTS idx_dm_messages_actor_time
		ON dm_messages(actor_did, sent_at)`, 2},
	{"index", "idx_dm_messages_convo_time", `
		CREATE INDEX IF NOT EXISTS idx_dm_messages_convo_time
		ON dm_messages(convo_id, sent_at)`, 2},

	// v3: thread index + watch scheduling + notification ledger
	{"table", "threads", `
		CREATE TABLE IF NOT EXISTS threads (
			root_uri TEXT PRIMARY KEY,
			root_author_did TEXT NOT NULL DEFAULT '',
			root_author_handle TEXT NOT NULL DEFAULT '',
			root_text TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT '',
			last_activity_at TEXT NOT NULL DEFAULT ''
		)`, 3},
	{"table", "thread_participants", `
		CREATE TABLE IF NOT EXISTS thread_participants (
			root_uri TEXT NOT NULL,
			did TEXT NOT NULL,
			PRIMARY KEY (root_uri, did)
		)`, 3},
	{"index", "idx_thread_participants_did", `
		CREATE INDEX IF NOT EXISTS idx_thread_participants_did
		ON thread_participants(did)`, 3},
	{"table", "thread_actor_state", `
		CREATE TABLE IF NOT EXISTS thread_actor_state (
			root_uri TEXT NOT NULL,
			actor_did TEXT NOT NULL,
			last_interaction_at TEXT NOT NULL DEFAULT '',
			last_post_uri TEXT NOT NULL DEFAULT '',
			last_us TEXT NOT NULL DEFAULT '',
			last_them TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (root_uri, actor_did)
		)`, 3},
	{"index", "idx_thread_actor_state_actor", `
		CREATE INDEX IF NOT EXISTS idx_thread_actor_state_actor
		ON thread_actor_state(actor_did, last_interaction_at)`, 3},
	{"table", "thread_watches", `
		CREATE TABLE IF NOT EXISTS thread_watches (
			root_uri TEXT NOT NULL,
			actor_did TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('watching','silenced','closed')),
			backoff_step INTEGER NOT NULL DEFAULT 0,
			next_check_at TEXT NOT NULL DEFAULT '',
			silence_until TEXT NOT NULL DEFAULT '',
			last_checked_at TEXT NOT NULL DEFAULT '',
			last_activity_at TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (root_uri, actor_did)
		)`, 3},
	{"index", "idx_thread_watches_due", `
		CREATE INDEX IF NOT EXISTS idx_thread_watches_due
		ON thread_watches(status, next_check_at)`, 3},
	{"table", "evaluated_notifications", `
		CREATE TABLE IF NOT EXISTS evaluated_notifications (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			notif_uri TEXT NOT NULL UNIQUE,
			evaluated_at TEXT NOT NULL DEFAULT ''
		)`, 3},

	// v4: incremental full-text index over message/interaction history
	{"table", "history_fts", `
		CREATE VIRTUAL TABLE IF NOT EXISTS history_fts USING fts5(
			text,
			kind UNINDEXED,
			ts UNINDEXED,
			actor_did UNINDEXED,
			convo_id UNINDEXED,
			uri UNINDEXED,
			direction UNINDEXED,
			tokenize='unicode61 remove_diacritics 2'
		)`, 4},
}

const currentSchemaVersion = 4

func migrationScript(version int) string {
	var stmts []string
	for _, obj := range schemaObjects {
		if obj.version == version {
			stmts = append(stmts, obj.ddl)
		}
	}
	return strings.Join(stmts, ";\n") + ";"
}

// migrate applies any migrations between the recorded version and
// currentSchemaVersion, each in its own transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for v := current + 1; v <= currentSchemaVersion; v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", v, err)
		}
		if _, err := tx.Exec(migrationScript(v)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", v, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", v, err)
		}
	}

	return nil
}

// reconcile recreates any expected table or index that is missing,
// independent of the recorded schema version. A store can report the
// current version while being incomplete (crash mid-migration, manual
// edit); the version marker alone is not trusted. Reconciliation only
// creates objects, never drops or rewrites data.
func (s *Store) reconcile() error {
	for _, obj := range schemaObjects {
		var n int
		err := s.db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
			obj.kind, obj.name,
		).Scan(&n)
		if err != nil {
			return &ReconcileError{Object: obj.name, Err: err}
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.Exec(obj.ddl); err != nil {
			return &ReconcileError{Object: obj.name, Err: err}
		}
		s.logger.Warn("recreated missing schema object", "kind", obj.kind, "name", obj.name)
	}
	return nil
}

// AppliedMigrations returns the applied migration versions in ascending
// order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
