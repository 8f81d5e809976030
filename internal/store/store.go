// Package store provides SQLite-backed persistence for LoadZone.
//
// SQLite has no SELECT ... FOR UPDATE; the single-writer connection pool
// plus one transaction per mutating call gives every resource row the same
// total mutation order a row lock would. Every decision re-reads the row
// inside its transaction before acting.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"

	"github.com/loadzone/loadzone/internal/clock"
	_ "modernc.org/sqlite"
)

// Sentinel errors for store operations.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyLeased  = errors.New("resource already leased")
	ErrNotOwner       = errors.New("not the lease owner")
	ErrSelfOwnership  = errors.New("requester already owns this resource")
	ErrQueueFull      = errors.New("waitlist full")
	ErrNotQueued      = errors.New("requester not in waitlist")
	ErrGroupExists    = errors.New("group name already exists")
	ErrGroupNotFound  = errors.New("group not found")
	ErrResourceExists = errors.New("resource already exists")
)

// MaxWaitlist is the waitlist capacity per resource.
const MaxWaitlist = 10

// Store provides access to the LoadZone SQLite database.
type Store struct {
	db     *sql.DB
	logger pslog.Logger
	clock  clock.Clock
	retry  RetryPolicy
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock sets the store clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

// WithRetryPolicy overrides the transient-error retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// New creates a new Store and runs migrations.
func New(dbPath string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for better concurrency under the request pool.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		logger: pslog.NoopLogger(),
		clock:  clock.Real{},
		retry:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		group_id INTEGER,
		booked_by TEXT,
		expires_at TEXT,
		external_addr TEXT,
		internal_addr TEXT
	);

	CREATE TABLE IF NOT EXISTS groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS group_resources (
		group_id INTEGER NOT NULL,
		resource_id TEXT NOT NULL,
		UNIQUE (group_id, resource_id)
	);

	CREATE TABLE IF NOT EXISTS requesters (
		email TEXT PRIMARY KEY,
		created TEXT
	);

	CREATE TABLE IF NOT EXISTS waitlist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_id TEXT NOT NULL,
		email TEXT NOT NULL,
		position INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		email TEXT,
		resource_id TEXT,
		start TEXT,
		end TEXT,
		action TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_waitlist_resource ON waitlist(resource_id, position);
	CREATE INDEX IF NOT EXISTS idx_history_email ON history(email);
	CREATE INDEX IF NOT EXISTS idx_resources_booked ON resources(booked_by);
	`

	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction, retrying transient SQLite errors
// according to the store retry policy. Any error from fn aborts the
// transaction; state is exactly as before the call.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		s.logger.Debug("store.retry", "op", op, "attempt", attempt, "error", err)
		if attempt < s.retry.MaxAttempts {
			s.clock.Sleep(s.retry.Delay(attempt))
		}
	}
	s.logger.Error("store.retries_exhausted", "op", op, "attempts", s.retry.MaxAttempts, "error", lastErr)
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// runTx executes fn in a single transaction. A commit that fails with
// sql.ErrTxDone is recovered by rolling back and retrying the whole
// transaction exactly once, never in a loop.
func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := s.attemptTx(ctx, fn)
	if errors.Is(err, sql.ErrTxDone) {
		return s.attemptTx(ctx, fn)
	}
	return err
}

func (s *Store) attemptTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isTransient reports whether err is a retryable store condition
// (lock contention, interrupted connection) rather than a domain error.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyLeased) ||
		errors.Is(err, ErrNotOwner) || errors.Is(err, ErrSelfOwnership) ||
		errors.Is(err, ErrQueueFull) || errors.Is(err, ErrNotQueued) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "sqlite_interrupt") ||
		strings.Contains(msg, "connection reset")
}
