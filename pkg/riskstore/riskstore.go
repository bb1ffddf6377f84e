// Package riskstore persists per-(tenant, bucket) risk counters in SQLite
// (spec §4.6): a windowed budget that resets once window_sec has elapsed
// since the bucket's first increment in the current window.
package riskstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aegis-oss/aegis/pkg/errs"
)

// Store is a SQLite-backed counter store, one row per (tenant, bucket).
type Store struct {
	db *sql.DB
}

// Clock abstracts wall-clock time for deterministic tests.
type Clock func() time.Time

// Open opens (creating if necessary) the SQLite database at path and
// migrates its schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Store(path, err)
	}
	db.SetMaxOpenConns(1) // single-writer, avoids SQLITE_BUSY under our own concurrency
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errs.Store(path, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS risk_counters (
			tenant TEXT NOT NULL,
			bucket TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			window_started_epoch INTEGER NOT NULL,
			hold_until_epoch INTEGER NOT NULL DEFAULT 0,
			consecutive_holds INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant, bucket)
		)`)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot is the counter state for a (tenant, bucket) pair after an
// Increment call.
type Snapshot struct {
	Count             int
	WindowStartedEpoch int64
	HoldUntilEpoch    int64
	ConsecutiveHolds  int
}

// Increment adds delta to the (tenant, bucket) counter within a single
// transaction, resetting the counter if the window has elapsed since it
// was started (spec §4.6: "risk budgets reset per window_sec").
func (s *Store) Increment(ctx context.Context, tenant, bucket string, delta int, windowSec int64, nowEpoch int64) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, errs.Store(bucket, err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	var windowStarted, holdUntil int64
	var consecutiveHolds int
	row := tx.QueryRowContext(ctx,
		`SELECT count, window_started_epoch, hold_until_epoch, consecutive_holds FROM risk_counters WHERE tenant = ? AND bucket = ?`,
		tenant, bucket)
	err = row.Scan(&count, &windowStarted, &holdUntil, &consecutiveHolds)
	switch {
	case err == sql.ErrNoRows:
		windowStarted = nowEpoch
		count = 0
	case err != nil:
		return Snapshot{}, errs.Store(bucket, err)
	}

	if windowSec > 0 && nowEpoch-windowStarted >= windowSec {
		count = 0
		windowStarted = nowEpoch
		consecutiveHolds = 0
	}
	count += delta

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_counters (tenant, bucket, count, window_started_epoch, hold_until_epoch, consecutive_holds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, bucket) DO UPDATE SET
			count = excluded.count,
			window_started_epoch = excluded.window_started_epoch,
			consecutive_holds = excluded.consecutive_holds`,
		tenant, bucket, count, windowStarted, holdUntil, consecutiveHolds)
	if err != nil {
		return Snapshot{}, errs.Store(bucket, err)
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, errs.Store(bucket, err)
	}

	return Snapshot{
		Count:              count,
		WindowStartedEpoch: windowStarted,
		HoldUntilEpoch:     holdUntil,
		ConsecutiveHolds:   consecutiveHolds,
	}, nil
}

// Peek reads the current counter state without mutating it.
func (s *Store) Peek(ctx context.Context, tenant, bucket string) (Snapshot, error) {
	var count int
	var windowStarted, holdUntil int64
	var consecutiveHolds int
	row := s.db.QueryRowContext(ctx,
		`SELECT count, window_started_epoch, hold_until_epoch, consecutive_holds FROM risk_counters WHERE tenant = ? AND bucket = ?`,
		tenant, bucket)
	err := row.Scan(&count, &windowStarted, &holdUntil, &consecutiveHolds)
	if err == sql.ErrNoRows {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, errs.Store(bucket, err)
	}
	return Snapshot{count, windowStarted, holdUntil, consecutiveHolds}, nil
}

// ApplyHold records a risk-budget breach: it escalates the exponential
// backoff hold window for (tenant, bucket), per spec §4.6: "hold_until_epoch
// backs off exponentially on repeated breaches within the same window".
func (s *Store) ApplyHold(ctx context.Context, tenant, bucket string, baseSec int64, nowEpoch int64) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, errs.Store(bucket, err)
	}
	defer func() { _ = tx.Rollback() }()

	var count, consecutiveHolds int
	var windowStarted, holdUntil int64
	row := tx.QueryRowContext(ctx,
		`SELECT count, window_started_epoch, hold_until_epoch, consecutive_holds FROM risk_counters WHERE tenant = ? AND bucket = ?`,
		tenant, bucket)
	err = row.Scan(&count, &windowStarted, &holdUntil, &consecutiveHolds)
	if err == sql.ErrNoRows {
		windowStarted = nowEpoch
	} else if err != nil {
		return Snapshot{}, errs.Store(bucket, err)
	}

	consecutiveHolds++
	backoff := baseSec
	for i := 1; i < consecutiveHolds; i++ {
		backoff *= 2
	}
	holdUntil = nowEpoch + backoff

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_counters (tenant, bucket, count, window_started_epoch, hold_until_epoch, consecutive_holds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, bucket) DO UPDATE SET
			hold_until_epoch = excluded.hold_until_epoch,
			consecutive_holds = excluded.consecutive_holds`,
		tenant, bucket, count, windowStarted, holdUntil, consecutiveHolds)
	if err != nil {
		return Snapshot{}, errs.Store(bucket, err)
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, errs.Store(bucket, err)
	}

	return Snapshot{count, windowStarted, holdUntil, consecutiveHolds}, nil
}

// BucketKey derives the counter key for a (domain, action) risk budget
// bucket, e.g. "airspace:lockdown".
func BucketKey(domain, action string) string {
	return fmt.Sprintf("%s:%s", domain, action)
}
