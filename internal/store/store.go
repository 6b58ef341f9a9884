// Package store implements the embedded relational store for the tx
// coordination kernel. A single SQLite database owns every row: tasks,
// dependencies, workers, claims, orchestrator state, runs, attempts,
// learnings, candidates, anchors, edges, feedback and outbox messages.
// Repositories in this package are the sole writers; services compose
// them under store-level transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tx/internal/logging"
	"tx/internal/txerr"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so repository helpers
// can run standalone or inside a composed transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the SQLite database. The mutex serializes in-process
// writers; cross-process writers serialize on SQLite's immediate
// transaction lock (the DSN requests BEGIN IMMEDIATE for write tx).
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	path      string
	vectorExt bool
	ftsExt    bool
	now       func() time.Time
}

// Open initializes the SQLite database at the given path, applying
// pending migrations. Path ":memory:" opens a throwaway in-memory store.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, txerr.Database(err, "create store directory")
		}
		dsn = "file:" + path + "?_txlock=immediate&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, txerr.Database(err, "open database %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("journal_mode=WAL not applied: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("synchronous=NORMAL not applied: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("foreign_keys=ON not applied: %v", err)
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	s.detectFTSExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected, ANN index enabled")
	} else {
		logging.StoreDebug("sqlite-vec not available, vector search uses in-process cosine scan")
	}
	if s.ftsExt {
		logging.StoreDebug("FTS5 available, lexical search uses BM25")
	} else {
		logging.Get(logging.CategoryStore).Warn("FTS5 not available, lexical search falls back to keyword LIKE scan")
	}

	logging.Store("Store ready at %s (schema v%d)", path, currentSchemaVersion)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store at %s", s.path)
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Now returns the current UTC instant from the store clock.
func (s *Store) Now() time.Time { return s.now().UTC() }

// SetClock installs a clock, used by tests to freeze or advance time.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// HasVectorIndex reports whether the sqlite-vec ANN index is active.
func (s *Store) HasVectorIndex() bool { return s.vectorExt }

// HasFTS reports whether FTS5 lexical search is active.
func (s *Store) HasFTS() bool { return s.ftsExt }

// WithTx runs fn inside a write transaction. The DSN requests immediate
// locking, so the cycle-check-then-insert and claim-uniqueness contracts
// hold across processes, not just across goroutines.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return txerr.Database(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logging.Get(logging.CategoryStore).Error("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return txerr.Database(err, "commit transaction")
	}
	return nil
}

// read acquires the read lock around fn. Readers never block writers
// beyond the in-process mutex; WAL keeps cross-process reads concurrent.
func (s *Store) read(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn()
}

// write acquires the write lock around fn for single-statement writes
// that do not need a surrounding transaction.
func (s *Store) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// detectVecExtension probes for sqlite-vec by creating a vec0 table.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		s.ensureVecIndex()
		return
	}
	s.vectorExt = false
}

// detectFTSExtension probes for FTS5 support.
func (s *Store) detectFTSExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS fts_probe USING fts5(x)"); err == nil {
		s.ftsExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS fts_probe")
		s.ensureFTSIndex()
		return
	}
	s.ftsExt = false
}

// Stats returns row counts per table plus status breakdowns.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	stats := make(map[string]int64)
	err := s.read(func() error {
		tables := []string{
			"tasks", "task_dependencies", "workers", "claims", "runs",
			"run_heartbeats", "attempts", "learnings", "learning_candidates",
			"learning_edges", "learning_anchors", "outbox_messages",
		}
		for _, table := range tables {
			var count int64
			if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
				continue
			}
			stats[table] = count
		}
		for _, pair := range []struct{ key, query string }{
			{"tasks_by_status", "SELECT COUNT(DISTINCT status) FROM tasks"},
			{"claims_active", "SELECT COUNT(*) FROM claims WHERE status = 'active'"},
			{"workers_idle", "SELECT COUNT(*) FROM workers WHERE status = 'idle'"},
			{"runs_running", "SELECT COUNT(*) FROM runs WHERE status = 'running'"},
			{"outbox_pending", "SELECT COUNT(*) FROM outbox_messages WHERE status = 'pending'"},
		} {
			var count int64
			if err := s.db.QueryRowContext(ctx, pair.query).Scan(&count); err == nil {
				stats[pair.key] = count
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Time serialization: every instant is stored as an RFC 3339 UTC string
// so serialized output and stored values agree byte-for-byte.

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate second-precision values written by other tooling.
		t, err = time.Parse(time.RFC3339, s)
	}
	return t.UTC(), err
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
