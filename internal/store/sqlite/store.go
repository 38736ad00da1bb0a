// Package sqlite implements the orchestrator's State Store (C1) on top of
// SQLite via the pure-Go, CGo-free ncruces/go-sqlite3 driver, following the
// teacher's connection-setup and WAL-checkpoint-on-close conventions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the WASM SQLite build

	"github.com/esdataapp/orchestrator/internal/types"
)

// Store is the SQLite-backed implementation of the orchestrator's State
// Store. Every status transition goes through a single committed
// statement (I7); Open() performs startup recovery by resetting any
// leftover "running" items to "pending" (P6).
type Store struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// Open creates (if needed) and migrates the database at path, then performs
// startup recovery before returning. A busy timeout of 30s matches the
// teacher's default.
func Open(ctx context.Context, path string) (*Store, error) {
	return OpenWithTimeout(ctx, path, 30*time.Second)
}

// OpenWithTimeout is Open with a configurable SQLite busy_timeout.
func OpenWithTimeout(ctx context.Context, path string, busyTimeout time.Duration) (*Store, error) {
	timeoutMs := int64(busyTimeout / time.Millisecond)

	isInMemory := path == ":memory:" || strings.Contains(path, "mode=memory")

	var connStr string
	if path == ":memory:" {
		connStr = fmt.Sprintf("file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)", timeoutMs)
	} else if strings.HasPrefix(path, "file:") {
		connStr = path
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create state directory: %w", err)
			}
		}
		connStr = fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)", path, timeoutMs)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		maxConns := runtime.NumCPU() + 1 // 1 writer + N readers, SQLite WAL discipline
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)

		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, path: path}

	if err := s.recoverRunningItems(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("startup recovery: %w", err)
	}

	return s, nil
}

// Close checkpoints the WAL (ensuring no writes are stranded between
// process invocations) and closes the underlying connection pool.
func (s *Store) Close() error {
	s.closed.Store(true)
	if s.path != ":memory:" && !strings.Contains(s.path, "mode=memory") {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

// Path returns the database file path this store was opened with.
func (s *Store) Path() string { return s.path }

// recoverRunningItems rewrites any item left in "running" (from a crashed
// prior process) back to "pending" with started_at cleared, without
// incrementing attempts, as required by I7/P6.
func (s *Store) recoverRunningItems(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, started_at = NULL WHERE status = ?`,
		string(types.StatusPending), string(types.StatusRunning),
	)
	return err
}

// wrapDBError annotates a *sql.DB error with the operation that failed,
// or returns nil unchanged.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	// sqlite3.Error carries the underlying SQLite result code for callers
	// that want to distinguish e.g. constraint violations from I/O errors.
	var sErr *sqlite3.Error
	if errors.As(err, &sErr) {
		return fmt.Errorf("%s: %s (code %d): %w", op, sErr.Error(), sErr.Code(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
