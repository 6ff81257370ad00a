// Package audit records every workflow transition, including rejected
// attempts, in an append-only table. Audit writes happen after commit and are
// fire-and-forget from the caller's perspective: a failed audit write never
// rolls back the transition, but it is logged and counted, never dropped
// silently.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"gorm.io/gorm"

	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/metrics"
)

// Outcome values recorded per entry.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Entry is an immutable audit record. Entries are never updated or deleted by
// the engine; retention is an external policy.
type Entry struct {
	ID            string `gorm:"primaryKey"`
	ResourceType  string `gorm:"index:idx_audit_resource"`
	ResourceID    uint64 `gorm:"index:idx_audit_resource"`
	Operation     string `gorm:"not null"`
	Outcome       string `gorm:"not null"`
	OldValue      string
	NewValue      string
	Actor         string
	LockWaitMs    int64
	TxDurationMs  int64
	CorrelationID string `gorm:"index"`
	CreatedAt     time.Time
}

// TableName implements gorm's table naming.
func (Entry) TableName() string { return "ward_audit_entries" }

// Sink receives committed entries for fan-out to external systems.
type Sink interface {
	Emit(ctx context.Context, e Entry) error
}

// Recorder appends and queries audit entries.
type Recorder struct {
	db    *gorm.DB
	clock func() time.Time
	sink  Sink
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock injects the wall-clock source used for entry timestamps.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.clock = now
		}
	}
}

// WithSink adds a fan-out sink for committed entries.
func WithSink(s Sink) RecorderOption {
	return func(r *Recorder) { r.sink = s }
}

// NewRecorder returns a Recorder and migrates its table.
func NewRecorder(db *gorm.DB, opts ...RecorderOption) (*Recorder, error) {
	r := &Recorder{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, warderrors.Wrap(warderrors.KindConnection, err, "audit migration failed")
	}
	return r, nil
}

// Append stores the entry. The id and timestamp are assigned here; failures
// are logged and counted but never surfaced to the transition path.
func (r *Recorder) Append(ctx context.Context, e Entry) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		slog.Error("ward: audit id generation failed", "error", err)
		metrics.AuditFailureCounter.Inc()
		return
	}
	e.ID = id
	e.CreatedAt = r.clock().UTC()

	if err := r.db.WithContext(ctx).Create(&e).Error; err != nil {
		slog.Error("ward: audit write failed",
			"resource", e.ResourceType, "id", e.ResourceID,
			"operation", e.Operation, "correlation", e.CorrelationID, "error", err)
		metrics.AuditFailureCounter.Inc()
		return
	}
	if r.sink != nil {
		if err := r.sink.Emit(ctx, e); err != nil {
			slog.Warn("ward: audit sink emit failed", "correlation", e.CorrelationID, "error", err)
		}
	}
}

// History returns entries for a resource newer than since, newest first,
// paginated by limit and offset.
func (r *Recorder) History(ctx context.Context, resourceType string, resourceID uint64, since time.Time, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Entry
	q := r.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("created_at DESC").
		Limit(limit).Offset(offset)
	if !since.IsZero() {
		q = q.Where("created_at > ?", since)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, warderrors.Wrap(warderrors.KindConnection, err, "audit query failed")
	}
	return out, nil
}

// MarshalValue renders a value for the OldValue/NewValue columns. Values that
// fail to serialize are recorded as their Go representation rather than lost.
func MarshalValue(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "unserializable"
	}
	return string(b)
}
