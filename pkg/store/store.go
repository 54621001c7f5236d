// Package store wraps the embedded SQLite database behind a single-writer
// discipline: many short-lived read connections, one serial write path.
// All mutations are expected to arrive through the Queue; calling the
// Apply methods from more than one goroutine is a bug.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	sqlite "modernc.org/sqlite"
)

// SQLite result codes the store cares about.
const (
	codeBusy             = 5    // SQLITE_BUSY
	codeLocked           = 6    // SQLITE_LOCKED
	codeConstraint       = 19   // SQLITE_CONSTRAINT
	codeConstraintUnique = 2067 // SQLITE_CONSTRAINT_UNIQUE
	codeConstraintPK     = 1555 // SQLITE_CONSTRAINT_PRIMARYKEY
)

var (
	// ErrConflict marks a transient locking failure. Retryable.
	ErrConflict = errors.New("store: write conflict")
	// ErrDuplicate marks a uniqueness violation. Not retryable.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrFatal wraps non-transient failures.
	ErrFatal = errors.New("store: fatal")
)

// Op is one mutation statement.
type Op struct {
	SQL  string
	Args []any
}

// Store owns the database file. The write connection is limited to a
// single underlying conn; reads go through a separate pool that never
// blocks the writer (WAL mode).
type Store struct {
	path  string
	write *sql.DB
	read  *sql.DB
}

// Open opens (or creates) the database at path, verifies no other process
// holds it, creates the schema if absent, runs one-time migrations and
// sweeps expired sessions.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	write, err := sql.Open("sqlite", dsn(path, false))
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	write.SetMaxOpenConns(1)

	// Probe for another writer. busy_timeout is zero on this connection,
	// so a held reserved lock fails immediately.
	if _, err := write.Exec("BEGIN IMMEDIATE; COMMIT"); err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("database file is held by another process: %w", err)
	}

	read, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("open readers: %w", err)
	}
	read.SetMaxOpenConns(8)

	s := &Store{path: path, write: write, read: read}
	if err := s.migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	if n, err := s.sweepExpiredSessions(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	} else if n > 0 {
		slog.Info("swept expired sessions", "count", n)
	}
	return s, nil
}

func dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if readOnly {
		q.Add("_pragma", "busy_timeout(5000)")
		q.Set("mode", "ro")
	} else {
		q.Add("_pragma", "busy_timeout(0)")
	}
	return "file:" + path + "?" + q.Encode()
}

// Read returns the read connection pool. Safe for concurrent use; read
// handles never block the writer.
func (s *Store) Read() *sql.DB {
	return s.read
}

// ApplyWrite executes a single mutation on the writer.
func (s *Store) ApplyWrite(ctx context.Context, stmt string, args ...any) error {
	_, err := s.write.ExecContext(ctx, stmt, args...)
	return classify(err)
}

// ApplyBatch executes ops as one transaction, all or nothing.
func (s *Store) ApplyBatch(ctx context.Context, ops []Op) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.SQL, op.Args...); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// Checkpoint flushes the WAL into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.write.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return classify(err)
	}
	return nil
}

// Close closes all connections.
func (s *Store) Close() error {
	var first error
	if err := s.read.Close(); err != nil {
		first = err
	}
	if err := s.write.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// NewWithDB builds a Store over externally managed connections. No schema
// or migration work is performed; intended for tests that stub the driver.
func NewWithDB(write, read *sql.DB) *Store {
	return &Store{write: write, read: read}
}

// classify maps driver errors onto the store's typed errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrDuplicate) {
		return err
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case codeBusy, codeLocked:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case codeConstraint, codeConstraintUnique, codeConstraintPK:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrFatal, err)
}

// sweepExpiredSessions deletes sessions whose expiry has passed. Runs only
// at startup; expired tokens encountered at request time are treated as
// unauthenticated and left for the next start.
func (s *Store) sweepExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at <= ?", FormatTime(Now()))
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
