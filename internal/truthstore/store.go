// Package truthstore implements the durable, single-source-of-truth state
// store for one project's build pipeline: task queue, worker lifecycle,
// approval gates, append-only event log, cost accounting, result cache,
// error history, structured memory, session context and onboarding state.
//
// Every mutating operation runs inside one short-lived SQLite transaction and
// appends at least one event record in that same transaction. Multiple agent
// processes may share one store file; the single-connection pool plus WAL
// serializes the dequeue critical section.
package truthstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/truthd/internal/bus"
	"github.com/basket/truthd/internal/otel"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "td-v1-2026-08-truth-store"

	defaultLeaseDuration = 30 * time.Second
)

// ProjectType classifies the project created at init.
type ProjectType string

const (
	ProjectTraditional ProjectType = "traditional"
	ProjectAIML        ProjectType = "ai_ml"
	ProjectHybrid      ProjectType = "hybrid"
	ProjectEnhancement ProjectType = "enhancement"
)

// Project is the immutable identity record created once at init.
type Project struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      ProjectType `json:"type"`
	RootPath  string      `json:"root_path"`
	CreatedAt time.Time   `json:"created_at"`
}

// Store is one project's truth store backed by a SQLite file.
type Store struct {
	db      *sql.DB
	bus     *bus.Bus      // may be nil in tests
	metrics *otel.Metrics // may be nil

	leaseNanos    atomic.Int64
	cacheTTLNanos atomic.Int64
}

// DefaultDBPath returns the store location inside a project root.
func DefaultDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".truthd", "truth.db")
}

// Open opens (creating if needed) the store at path. The connection pool is
// pinned to a single connection so select-then-mark sequences inside one
// transaction are serialized across callers.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	store.leaseNanos.Store(int64(defaultLeaseDuration))
	store.cacheTTLNanos.Store(int64(defaultCacheTTL))
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetLeaseDuration overrides how long a dequeued task's lease is held before
// it may be reclaimed. Non-positive values are ignored. Safe to call while
// the store is in use, so config reloads can apply it.
func (s *Store) SetLeaseDuration(d time.Duration) {
	if d > 0 {
		s.leaseNanos.Store(int64(d))
	}
}

func (s *Store) leaseDuration() time.Duration {
	return time.Duration(s.leaseNanos.Load())
}

// SetCacheTTL overrides the tool-result cache lifetime used when the caller
// passes no explicit TTL. Non-positive values are ignored.
func (s *Store) SetCacheTTL(d time.Duration) {
	if d > 0 {
		s.cacheTTLNanos.Store(int64(d))
	}
}

func (s *Store) cacheTTL() time.Duration {
	return time.Duration(s.cacheTTLNanos.Load())
}

// SetMetrics attaches the instruments the store records queue, event, cache
// and cost activity on. Call before handing the store to concurrent users.
func (s *Store) SetMetrics(m *otel.Metrics) {
	s.metrics = m
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InitProject creates the immutable project identity record. It fails if a
// project already exists in this store.
func (s *Store) InitProject(ctx context.Context, id, name string, typ ProjectType, rootPath string) error {
	switch typ {
	case ProjectTraditional, ProjectAIML, ProjectHybrid, ProjectEnhancement:
	default:
		return fmt.Errorf("invalid project type %q", typ)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM project;`).Scan(&existing); err != nil {
			return fmt.Errorf("count project rows: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("project already initialized")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project (id, name, type, root_path, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, id, name, typ, rootPath); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return s.appendEventTx(ctx, tx, Event{
			EventType: EventProjectInitialized,
			Actor:     "system",
			Details:   fmt.Sprintf("project %s (%s) initialized", name, typ),
		})
	})
}

// GetProject returns the project record, or nil when the store has not been
// initialized yet.
func (s *Store) GetProject(ctx context.Context) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, root_path, created_at FROM project LIMIT 1;
	`).Scan(&p.ID, &p.Name, &p.Type, &p.RootPath, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select project: %w", err)
	}
	return &p, nil
}

// withTx runs f inside one transaction, retrying the whole unit when SQLite
// reports the database busy or locked.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO onboarding (id, startup_message_shown) VALUES (1, 0)
		ON CONFLICT(id) DO NOTHING;
	`); err != nil {
		return fmt.Errorf("seed onboarding row: %w", err)
	}
	for _, q := range onboardingQuestions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO onboarding_answers (question_id, prompt, answered) VALUES (?, ?, 0)
			ON CONFLICT(question_id) DO NOTHING;
		`, q.ID, q.Prompt); err != nil {
			return fmt.Errorf("seed onboarding question %s: %w", q.ID, err)
		}
	}
	for _, gate := range GateSequence {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gates (gate_id, status) VALUES (?, ?)
			ON CONFLICT(gate_id) DO NOTHING;
		`, gate, GatePending); err != nil {
			return fmt.Errorf("seed gate %s: %w", gate, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS project (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	root_path TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1,
	worker_category TEXT NOT NULL,
	status TEXT NOT NULL,
	description TEXT NOT NULL,
	parent_task_id INTEGER,
	related_task_id INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	recoverable INTEGER NOT NULL DEFAULT 0,
	output TEXT,
	failure TEXT,
	worker_id TEXT,
	lease_owner TEXT,
	lease_expires_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_dequeue ON tasks (status, worker_category, priority, created_at);

CREATE TABLE IF NOT EXISTS worker_states (
	worker_id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	status TEXT NOT NULL,
	capabilities TEXT NOT NULL DEFAULT '[]',
	registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS gates (
	gate_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	approved_by TEXT,
	approved_at DATETIME,
	reason TEXT,
	conditions TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '-',
	related_task_id INTEGER,
	related_gate TEXT,
	related_spec TEXT,
	details TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type);
CREATE INDEX IF NOT EXISTS idx_events_task ON events (related_task_id);

CREATE TABLE IF NOT EXISTS cost_sessions (
	session_id TEXT PRIMARY KEY,
	phase TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ended_at DATETIME,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS token_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	phase TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	task_id INTEGER,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	note TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS budget (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	amount_usd REAL NOT NULL,
	alert_threshold REAL NOT NULL,
	alerted INTEGER NOT NULL DEFAULT 0,
	set_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tool_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tool_name TEXT NOT NULL,
	input_hash TEXT NOT NULL,
	output TEXT NOT NULL,
	success INTEGER NOT NULL,
	error_message TEXT,
	execution_time_ms INTEGER,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_results_lookup ON tool_results (tool_name, input_hash, created_at);

CREATE TABLE IF NOT EXISTS error_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	error_type TEXT NOT NULL,
	message TEXT NOT NULL,
	code TEXT,
	severity TEXT NOT NULL,
	file TEXT,
	line INTEGER,
	stack TEXT,
	resolved INTEGER NOT NULL DEFAULT 0,
	resolution TEXT,
	resolution_agent TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_type TEXT NOT NULL,
	scope TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	agents TEXT NOT NULL DEFAULT '[]',
	gate TEXT,
	context TEXT,
	outcome TEXT,
	example_code TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS memory_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	link_type TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (source_type, source_id, target_type, target_id, link_type)
);

CREATE TABLE IF NOT EXISTS session_context (
	session_id TEXT NOT NULL,
	context_type TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	expires_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, context_type, key)
);

CREATE TABLE IF NOT EXISTS onboarding (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	started_at DATETIME,
	completed_at DATETIME,
	startup_message_shown INTEGER NOT NULL DEFAULT 0,
	experience_level TEXT
);

CREATE TABLE IF NOT EXISTS onboarding_answers (
	question_id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	answered INTEGER NOT NULL DEFAULT 0,
	answer TEXT,
	answered_at DATETIME
);

CREATE TABLE IF NOT EXISTS queries (
	num INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	type TEXT NOT NULL,
	question TEXT NOT NULL,
	status TEXT NOT NULL,
	answer TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	answered_at DATETIME
);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	decision TEXT NOT NULL,
	rationale TEXT,
	made_by TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS blockers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	description TEXT NOT NULL,
	severity TEXT NOT NULL,
	reported_by TEXT NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS risks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	description TEXT NOT NULL,
	likelihood TEXT NOT NULL,
	impact TEXT NOT NULL,
	raised_by TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Backup creates an online-consistent copy of the database without blocking
// writers, via VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// Registry maps project root paths to open store handles with an explicit
// open/close lifecycle, replacing any notion of an ambient per-path singleton.
type Registry struct {
	mu     sync.Mutex
	bus    *bus.Bus
	stores map[string]*Store
}

func NewRegistry(eventBus *bus.Bus) *Registry {
	return &Registry{bus: eventBus, stores: make(map[string]*Store)}
}

// Open returns the store for projectRoot, opening it on first use.
func (r *Registry) Open(projectRoot string) (*Store, error) {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[abs]; ok {
		return s, nil
	}
	s, err := Open(DefaultDBPath(abs), r.bus)
	if err != nil {
		return nil, err
	}
	r.stores[abs] = s
	return s, nil
}

// Get returns an already-open store, or nil.
func (r *Registry) Get(projectRoot string) *Store {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stores[abs]
}

// Close closes and forgets the store for projectRoot.
func (r *Registry) Close(projectRoot string) error {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[abs]
	if !ok {
		return nil
	}
	delete(r.stores, abs)
	return s.Close()
}

// CloseAll closes every open store. The first error wins; all stores are
// still closed.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for path, s := range r.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close store %s: %w", path, err)
		}
		delete(r.stores, path)
	}
	return firstErr
}
