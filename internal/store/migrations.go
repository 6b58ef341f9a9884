// Schema migrations for the tx store. A schema_versions ledger table
// tracks a single integer version; migrations apply sequentially inside
// one transaction each so a crashed upgrade never leaves a half schema.
package store

import (
	"database/sql"

	"tx/internal/logging"
	"tx/internal/txerr"
)

// Schema versions:
// v1: coordination core (tasks, dependencies, workers, claims,
//     orchestrator_state, runs, run_heartbeats, attempts)
// v2: learnings corpus (learnings, candidates, edges, anchors,
//     anchor_invalidations, feedback)
// v3: outbox messaging + compaction log
const currentSchemaVersion = 3

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{1, []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'backlog',
			parent_id TEXT,
			score INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			blocker_id TEXT NOT NULL,
			blocked_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (blocker_id, blocked_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deps_blocked ON task_dependencies(blocked_id)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			hostname TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'idle',
			registered_at TEXT NOT NULL,
			last_heartbeat_at TEXT NOT NULL,
			current_task_id TEXT,
			capabilities TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status)`,
		`CREATE TABLE IF NOT EXISTS claims (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			claimed_at TEXT NOT NULL,
			lease_expires_at TEXT NOT NULL,
			renewed_count INTEGER NOT NULL DEFAULT 0
		)`,
		// At most one active claim per task, enforced by the store itself.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_active_task ON claims(task_id) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_claims_worker ON claims(worker_id)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status)`,
		`CREATE TABLE IF NOT EXISTS orchestrator_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			status TEXT NOT NULL DEFAULT 'stopped',
			pid INTEGER,
			started_at TEXT,
			worker_pool_size INTEGER NOT NULL DEFAULT 4,
			heartbeat_interval_seconds INTEGER NOT NULL DEFAULT 30,
			lease_duration_minutes INTEGER NOT NULL DEFAULT 30,
			reconcile_interval_seconds INTEGER NOT NULL DEFAULT 60,
			last_reconcile_at TEXT
		)`,
		`INSERT OR IGNORE INTO orchestrator_state (id, status) VALUES (1, 'stopped')`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task_id TEXT,
			agent TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			pid INTEGER,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			exit_code INTEGER,
			transcript_path TEXT,
			stderr_path TEXT,
			stdout_path TEXT,
			error_message TEXT,
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,
		`CREATE TABLE IF NOT EXISTS run_heartbeats (
			run_id TEXT PRIMARY KEY,
			last_check_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			stdout_bytes INTEGER NOT NULL DEFAULT 0,
			stderr_bytes INTEGER NOT NULL DEFAULT 0,
			transcript_bytes INTEGER NOT NULL DEFAULT 0,
			last_delta_bytes INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			approach TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id)`,
	}},
	{2, []string{
		`CREATE TABLE IF NOT EXISTS learnings (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source_type TEXT NOT NULL DEFAULT 'manual',
			source_ref TEXT,
			created_at TEXT NOT NULL,
			keywords TEXT NOT NULL DEFAULT '[]',
			category TEXT,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_used_at TEXT,
			outcome_score REAL,
			embedding BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_learnings_category ON learnings(category)`,
		`CREATE INDEX IF NOT EXISTS idx_learnings_source ON learnings(source_type)`,
		`CREATE TABLE IF NOT EXISTS learning_candidates (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			confidence TEXT NOT NULL DEFAULT 'low',
			status TEXT NOT NULL DEFAULT 'pending',
			source_run_id TEXT,
			source_task_id TEXT,
			merged_into TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_status ON learning_candidates(status)`,
		`CREATE TABLE IF NOT EXISTS learning_edges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			edge_type TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1.0,
			created_at TEXT NOT NULL,
			UNIQUE (from_id, to_id, edge_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON learning_edges(from_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON learning_edges(to_id)`,
		`CREATE TABLE IF NOT EXISTS learning_anchors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			learning_id TEXT NOT NULL,
			anchor_type TEXT NOT NULL DEFAULT 'file',
			file_path TEXT NOT NULL,
			symbol_fqname TEXT,
			line_start INTEGER,
			line_end INTEGER,
			content_hash TEXT,
			status TEXT NOT NULL DEFAULT 'valid',
			pinned INTEGER NOT NULL DEFAULT 0,
			verified_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anchors_learning ON learning_anchors(learning_id)`,
		`CREATE INDEX IF NOT EXISTS idx_anchors_path ON learning_anchors(file_path)`,
		`CREATE TABLE IF NOT EXISTS anchor_invalidations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			anchor_id INTEGER NOT NULL,
			old_status TEXT NOT NULL,
			new_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS learning_feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			learning_id TEXT NOT NULL,
			score REAL NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_learning ON learning_feedback(learning_id)`,
	}},
	{3, []string{
		`CREATE TABLE IF NOT EXISTS outbox_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			correlation_id TEXT,
			task_id TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			acked_at TEXT,
			expires_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_channel ON outbox_messages(channel, id)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_correlation ON outbox_messages(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS compaction_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cutoff TEXT NOT NULL,
			task_count INTEGER NOT NULL,
			output_file TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
	}},
}

// migrate brings the schema to currentSchemaVersion.
func (s *Store) migrate() error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		return txerr.Database(err, "create schema ledger")
	}

	from := s.schemaVersion()
	applied := 0
	for _, m := range migrations {
		if m.version <= from {
			continue
		}
		logging.Store("Applying schema migration v%d", m.version)
		tx, err := s.db.Begin()
		if err != nil {
			return txerr.Database(err, "begin migration v%d", m.version)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return txerr.Database(err, "migration v%d", m.version)
			}
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, applied_at, description) VALUES (?, ?, ?)",
			m.version, fmtTime(s.now()), migrationDescription(m.version),
		); err != nil {
			tx.Rollback()
			return txerr.Database(err, "record migration v%d", m.version)
		}
		if err := tx.Commit(); err != nil {
			return txerr.Database(err, "commit migration v%d", m.version)
		}
		applied++
	}

	if applied > 0 {
		logging.Store("Schema migrations complete: %d applied (v%d -> v%d)", applied, from, currentSchemaVersion)
	}
	return nil
}

// schemaVersion reads the highest applied version from the ledger.
func (s *Store) schemaVersion() int {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		logging.StoreDebug("schema version read failed: %v", err)
		return 0
	}
	return version
}

// SchemaVersion exposes the current schema version for diagnostics.
func (s *Store) SchemaVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemaVersion()
}

func migrationDescription(version int) string {
	switch version {
	case 1:
		return "coordination core"
	case 2:
		return "learnings corpus"
	case 3:
		return "outbox + compaction log"
	default:
		return ""
	}
}
