// Package store provides the relational layer of the ward engine: short-lived
// transactions, database row locks, and optimistic versioned updates over a
// GORM connection. The store complements the distributed mutex; the row lock
// also serializes writers that bypass the mutex entirely.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/metrics"
)

const defaultOpTimeout = 5 * time.Second

// Store wraps a GORM connection with the transactional primitives the engine
// needs. It is safe for concurrent use.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout sets the per-transaction timeout. It must stay at or below the
// distributed mutex TTL so the mutex never expires under a live transaction.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New returns a Store over the provided connection and migrates the engine's
// tables.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.AutoMigrate(&Job{}, &Checkpoint{}, &Ticket{}); err != nil {
		return nil, warderrors.Wrap(warderrors.KindConnection, err, "migration failed")
	}
	return s, nil
}

// DB exposes the underlying connection for collaborators that manage their
// own tables (the audit recorder).
func (s *Store) DB() *gorm.DB { return s.db }

// Timeout returns the configured per-transaction timeout.
func (s *Store) Timeout() time.Duration { return s.timeout }

// WithinTx runs fn inside a single transaction bounded by the store timeout.
// The transaction either commits fully or rolls back; there is no
// mid-transaction cancellation.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.db.WithContext(cctx).Transaction(fn)
	return s.classify(err)
}

// LockForUpdate reads the row with the given id into dest while holding a
// database-level exclusive lock for the remainder of the transaction. SQLite
// has no FOR UPDATE; its single-writer transactions provide the equivalent
// guarantee, so the clause is skipped there.
func (s *Store) LockForUpdate(tx *gorm.DB, dest any, id uint64) error {
	q := tx
	if s.db.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return s.classify(q.First(dest, "id = ?", id).Error)
}

// Find reads the row with the given id without locking.
func (s *Store) Find(ctx context.Context, dest any, id uint64) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.classify(s.db.WithContext(cctx).First(dest, "id = ?", id).Error)
}

// UpdateVersioned applies updates to the row with the given id only if its
// version still equals expected, bumping the version in the same statement.
// Zero affected rows means an interleaved writer won; the caller gets a
// retryable stale-object error.
func (s *Store) UpdateVersioned(tx *gorm.DB, model any, id, expected uint64, updates map[string]any) error {
	merged := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		merged[k] = v
	}
	merged["version"] = expected + 1
	res := tx.Model(model).Where("id = ? AND version = ?", id, expected).Updates(merged)
	if res.Error != nil {
		return s.classify(res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.ConflictCounter.Inc()
		return warderrors.Newf(warderrors.KindStaleObject,
			"version %d no longer current", expected)
	}
	return nil
}

// classify maps driver errors onto the engine's closed error kinds. This is
// the single place where driver error text is inspected; everything above the
// store branches on Kind only.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	var we *warderrors.Error
	if errors.As(err, &we) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return warderrors.Wrap(warderrors.KindValidation, err, "resource not found")
	case errors.Is(err, context.DeadlineExceeded):
		return warderrors.Wrap(warderrors.KindConnection, err, "database timeout")
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || // sqlite busy
		strings.Contains(msg, "SQLSTATE 40001") || // serialization_failure
		strings.Contains(msg, "SQLSTATE 40P01") { // deadlock_detected
		metrics.ConflictCounter.Inc()
		return warderrors.Wrap(warderrors.KindSerializationConflict, err, "serialization conflict")
	}
	return warderrors.Wrap(warderrors.KindInternal, err, "database error")
}
