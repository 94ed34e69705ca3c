// Package store implements the multi-tenant, schema-declared record store
// backing chatkit: per-store tables with append-only child collections and a
// per-store FTS5 index, safe under concurrent writers.
//
// Every operation is scoped by user_id; cross-tenant reads are impossible by
// construction because each predicate is AND-combined with user_id = ?.
// Mutations funnel through a single writer connection that begins each
// transaction immediately, so contention is detected at transaction start
// and absorbed by bounded backoff.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/haasonsaas/chatkit/internal/retry"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// Options configures a Store.
type Options struct {
	// Logger receives retry and lifecycle diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Retry overrides the write contention backoff policy.
	Retry retry.Config

	// OnBusyRetry is invoked once per busy retry, for metrics.
	OnBusyRetry func()
}

func defaultRetry() retry.Config {
	return retry.Exponential(7, 20*time.Millisecond, 2*time.Second)
}

// Store is the tabular store. It holds one writer connection and a pool of
// read-only connections against the same database file.
type Store struct {
	writer *sql.DB
	reader *sql.DB

	// mu serializes in-process writers; cross-process contention is left
	// to the engine's lock and surfaces as SQLITE_BUSY.
	mu sync.Mutex

	retryCfg    retry.Config
	onBusyRetry func()
	logger      *slog.Logger

	schemasMu sync.RWMutex
	schemas   map[string]Schema
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = defaultRetry()
	}

	escaped := url.PathEscape(path)
	writerDSN := "file:" + escaped +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"
	writer, err := sql.Open(driverName, writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	// Creating _stores up front also materializes the database file so the
	// read-only pool can open it.
	if _, err := writer.Exec(
		"CREATE TABLE IF NOT EXISTS _stores (name TEXT PRIMARY KEY, schema_json TEXT NOT NULL, created_at TEXT NOT NULL)"); err != nil {
		writer.Close()
		return nil, fmt.Errorf("init metadata table: %w", err)
	}

	readerDSN := "file:" + escaped +
		"?mode=ro" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
	reader, err := sql.Open(driverName, readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	return &Store{
		writer:      writer,
		reader:      reader,
		retryCfg:    retryCfg,
		onBusyRetry: opts.OnBusyRetry,
		logger:      logger,
		schemas:     map[string]Schema{},
	}, nil
}

// Close checkpoints the WAL and releases both connection pools.
func (s *Store) Close() error {
	if _, err := s.writer.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("wal checkpoint on close failed", "error", err)
	}
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Checkpoint truncates the WAL. Exposed for scheduled maintenance.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// writeTx runs fn in an immediate write transaction, retrying SQLITE_BUSY
// with bounded backoff. Structural errors from fn are permanent and abort
// the retry loop; exhausted contention surfaces as ErrBusy.
func (s *Store) writeTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt := 0
	result := retry.Do(ctx, s.retryCfg, func() error {
		attempt++
		if attempt > 1 {
			if s.onBusyRetry != nil {
				s.onBusyRetry()
			}
			s.logger.Debug("retrying write transaction", "attempt", attempt)
		}

		tx, err := s.writer.BeginTx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}
		if err := tx.Commit(); err != nil {
			return classify(err)
		}
		return nil
	})

	err := result.Err
	if err == nil {
		return nil
	}
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if isBusy(err) {
		return fmt.Errorf("write contention after %d attempts: %w", result.Attempts, ErrBusy)
	}
	return err
}

// classify keeps busy errors retryable and marks everything else permanent.
func classify(err error) error {
	if isBusy(err) {
		return err
	}
	return retry.Permanent(err)
}
