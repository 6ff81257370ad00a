// Package workflow orchestrates state transitions on shared business rows.
// Every mutation runs inside the same layered critical section: distributed
// mutex first, then a bounded transaction holding a database row lock, with
// an optimistic version check on the write itself. State changes are checked
// against a per-entity state machine and recorded in the audit trail,
// including rejected attempts.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/mirkobrombin/go-ward/v1/audit"
	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/metrics"
	"github.com/mirkobrombin/go-ward/v1/retry"
	"github.com/mirkobrombin/go-ward/v1/store"
	"github.com/mirkobrombin/go-ward/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-ward/v1/workflow")

const (
	defaultTTL             = 15 * time.Second
	defaultBlockingTimeout = 10 * time.Second
)

// Request describes a single transition. It is consumed once; nothing of it
// survives beyond the resulting audit entry.
type Request struct {
	ID     uint64
	To     string
	Actor  string
	// Updates are extra column updates applied together with the status.
	Updates map[string]any
	// Compute derives additional updates from the freshly locked row, inside
	// the critical section. Use it for read-modify-write fields such as
	// counters.
	Compute func(current any) (map[string]any, error)
	// CorrelationID links the attempt to audit and log lines. Assigned when
	// empty.
	CorrelationID string
	// SkipValidation bypasses the state machine check.
	SkipValidation bool
}

// ChildUpdate describes one child-row write within a coupled or bulk
// operation. An empty To applies Updates without a status change.
type ChildUpdate struct {
	ID      uint64
	To      string
	Updates map[string]any
	Compute func(current any) (map[string]any, error)
}

// CoupledRequest updates a parent and one child atomically under the
// parent's mutex.
type CoupledRequest struct {
	ParentID      uint64
	ParentUpdates map[string]any
	// ParentCompute derives parent updates from both locked rows, for derived
	// timestamps and aggregates.
	ParentCompute func(parent, child any) (map[string]any, error)
	Child         ChildUpdate
	Actor         string
	CorrelationID string
}

// BulkRequest applies N child writes in one transaction under the parent's
// mutex, all-or-nothing.
type BulkRequest struct {
	ParentID      uint64
	Children      []ChildUpdate
	Actor         string
	CorrelationID string
}

// Service is the transition engine for rows of T. *T must implement
// store.Resource.
type Service[T any] struct {
	mutex           lock.Mutex
	store           *store.Store
	recorder        *audit.Recorder
	exec            *retry.Executor
	machine         *Machine
	bus             syncbus.Bus
	resourceType    string
	ttl             time.Duration
	blockingTimeout time.Duration
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	policy          retry.Policy
	bus             syncbus.Bus
	ttl             time.Duration
	blockingTimeout time.Duration
}

// WithPolicy selects the retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(o *serviceOptions) { o.policy = p }
}

// WithBus sets the bus on which commits are announced.
func WithBus(b syncbus.Bus) Option {
	return func(o *serviceOptions) { o.bus = b }
}

// WithTTL sets the mutex TTL guarding each transition.
func WithTTL(d time.Duration) Option {
	return func(o *serviceOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithBlockingTimeout bounds how long a transition waits for the mutex.
func WithBlockingTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		if d > 0 {
			o.blockingTimeout = d
		}
	}
}

// New returns a Service for rows of T.
func New[T any](mutex lock.Mutex, st *store.Store, recorder *audit.Recorder, machine *Machine, opts ...Option) (*Service[T], error) {
	var probe T
	res, ok := any(&probe).(store.Resource)
	if !ok {
		return nil, warderrors.Newf(warderrors.KindValidation,
			"%T does not implement store.Resource", &probe)
	}
	o := serviceOptions{policy: retry.Default, ttl: defaultTTL, blockingTimeout: defaultBlockingTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	// The mutex must never expire under a live transaction it guards.
	if st.Timeout() > o.ttl {
		return nil, warderrors.New(warderrors.KindValidation,
			"store timeout exceeds mutex ttl")
	}
	return &Service[T]{
		mutex:           mutex,
		store:           st,
		recorder:        recorder,
		exec:            retry.New(o.policy),
		machine:         machine,
		bus:             o.bus,
		resourceType:    res.ResourceType(),
		ttl:             o.ttl,
		blockingTimeout: o.blockingTimeout,
	}, nil
}

// ResourceType returns the entity type this service mediates.
func (s *Service[T]) ResourceType() string { return s.resourceType }

// Recorder exposes the audit recorder for history queries.
func (s *Service[T]) Recorder() *audit.Recorder { return s.recorder }

// Get reads the current row without locking.
func (s *Service[T]) Get(ctx context.Context, id uint64) (*T, error) {
	var out T
	if err := s.store.Find(ctx, &out, id); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the audit trail for a resource, newest first.
func (s *Service[T]) History(ctx context.Context, id uint64, since time.Time, limit, offset int) ([]audit.Entry, error) {
	return s.recorder.History(ctx, s.resourceType, id, since, limit, offset)
}

// Transition moves the resource to req.To. Contention is retried per policy;
// illegal transitions are rejected without retry and still leave a rejected
// audit entry.
func (s *Service[T]) Transition(ctx context.Context, req Request) (*T, error) {
	if req.To == "" {
		return nil, warderrors.New(warderrors.KindValidation, "missing target state")
	}
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "workflow.transition", trace.WithAttributes(
		attribute.String("resource", s.resourceType),
		attribute.Int64("id", int64(req.ID)),
		attribute.String("to", req.To),
	))
	defer span.End()

	var result *T
	err := s.exec.Do(ctx, func(ctx context.Context) error {
		v, err := s.attempt(ctx, req, correlation)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, err, correlation, "transition", req.ID, req.Actor)
	}
	return result, nil
}

// attempt is one pass through the full critical section.
func (s *Service[T]) attempt(ctx context.Context, req Request, correlation string) (*T, error) {
	key := lock.KeyFor(s.resourceType, req.ID)
	lockStart := time.Now()
	h, err := s.mutex.Acquire(ctx, key, s.ttl, s.blockingTimeout)
	if err != nil {
		return nil, err
	}
	lockWait := time.Since(lockStart)
	metrics.LockWaitSeconds.Observe(lockWait.Seconds())
	defer s.mutex.Release(context.WithoutCancel(ctx), h)

	var updated T
	var oldStatus string
	var applied map[string]any
	txStart := time.Now()
	txErr := s.store.WithinTx(ctx, func(tx *gorm.DB) error {
		var cur T
		if err := s.store.LockForUpdate(tx, &cur, req.ID); err != nil {
			return err
		}
		res := any(&cur).(store.Resource)
		oldStatus = res.CurrentStatus()

		updates := make(map[string]any, len(req.Updates)+2)
		for k, v := range req.Updates {
			updates[k] = v
		}
		if req.Compute != nil {
			extra, err := req.Compute(&cur)
			if err != nil {
				return err
			}
			for k, v := range extra {
				updates[k] = v
			}
		}
		if !req.SkipValidation {
			if err := s.machine.Validate(oldStatus, req.To, &cur, updates); err != nil {
				return err
			}
		}
		updates["status"] = req.To
		applied = updates
		if err := s.store.UpdateVersioned(tx, new(T), req.ID, res.CurrentVersion(), updates); err != nil {
			return err
		}
		return tx.First(&updated, "id = ?", req.ID).Error
	})
	txDur := time.Since(txStart)
	metrics.TxDurationSeconds.Observe(txDur.Seconds())

	if txErr != nil {
		s.reject(ctx, txErr, correlation, "transition", req.ID, req.Actor, oldStatus, req.To, lockWait, txDur)
		return nil, txErr
	}

	metrics.TransitionCounter.WithLabelValues(audit.OutcomeApplied).Inc()
	s.recorder.Append(context.WithoutCancel(ctx), audit.Entry{
		ResourceType:  s.resourceType,
		ResourceID:    req.ID,
		Operation:     "transition",
		Outcome:       audit.OutcomeApplied,
		OldValue:      audit.MarshalValue(map[string]any{"status": oldStatus}),
		NewValue:      audit.MarshalValue(applied),
		Actor:         req.Actor,
		LockWaitMs:    lockWait.Milliseconds(),
		TxDurationMs:  txDur.Milliseconds(),
		CorrelationID: correlation,
	})
	s.announce(ctx, key)
	return &updated, nil
}

// reject writes the rejected-attempt audit row for terminal validation
// failures. Retryable contention is not audited per attempt; it either
// succeeds later or surfaces once through fail.
func (s *Service[T]) reject(ctx context.Context, err error, correlation, op string, id uint64, actor, from, to string, lockWait, txDur time.Duration) {
	kind := warderrors.KindOf(err)
	if kind != warderrors.KindInvalidTransition && kind != warderrors.KindValidation {
		return
	}
	metrics.TransitionCounter.WithLabelValues(audit.OutcomeRejected).Inc()
	s.recorder.Append(context.WithoutCancel(ctx), audit.Entry{
		ResourceType:  s.resourceType,
		ResourceID:    id,
		Operation:     op,
		Outcome:       audit.OutcomeRejected,
		OldValue:      audit.MarshalValue(map[string]any{"status": from}),
		NewValue:      audit.MarshalValue(map[string]any{"status": to}),
		Actor:         actor,
		LockWaitMs:    lockWait.Milliseconds(),
		TxDurationMs:  txDur.Milliseconds(),
		CorrelationID: correlation,
	})
}

// fail finalizes an unsuccessful operation: terminal infrastructure failures
// get a failed audit row, and every surfaced error carries the correlation id.
func (s *Service[T]) fail(ctx context.Context, err error, correlation, op string, id uint64, actor string) error {
	kind := warderrors.KindOf(err)
	if kind != warderrors.KindInvalidTransition && kind != warderrors.KindValidation {
		metrics.TransitionCounter.WithLabelValues(audit.OutcomeFailed).Inc()
		s.recorder.Append(context.WithoutCancel(ctx), audit.Entry{
			ResourceType:  s.resourceType,
			ResourceID:    id,
			Operation:     op,
			Outcome:       audit.OutcomeFailed,
			Actor:         actor,
			CorrelationID: correlation,
		})
	}
	var we *warderrors.Error
	if werr, ok := err.(*warderrors.Error); ok {
		we = werr
	} else {
		we = warderrors.Wrap(kind, err, "operation failed")
	}
	if we.CorrelationID == "" {
		we = we.WithCorrelation(correlation)
	}
	return we
}

// announce publishes the commit topic so read-side caches invalidate.
func (s *Service[T]) announce(ctx context.Context, key string) {
	if s.bus != nil {
		_ = s.bus.Publish(context.WithoutCancel(ctx), "commit:"+key)
	}
}
