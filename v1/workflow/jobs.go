package workflow

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mirkobrombin/go-ward/v1/audit"
	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/fields"
	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/store"
)

// Job lifecycle states.
const (
	JobPending   = "pending"
	JobScheduled = "scheduled"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Checkpoint lifecycle states.
const (
	CheckpointPending   = "pending"
	CheckpointReached   = "reached"
	CheckpointConfirmed = "confirmed"
	CheckpointSkipped   = "skipped"
)

// NewJobMachine returns the job lifecycle. Completion requires a completed_at
// timestamp in the same write.
func NewJobMachine() *Machine {
	m := NewMachine(JobPending, JobScheduled, JobRunning, JobCompleted, JobFailed, JobCancelled)
	m.Allow(JobPending, JobScheduled)
	m.Allow(JobPending, JobCancelled)
	m.Allow(JobScheduled, JobRunning)
	m.Allow(JobScheduled, JobCancelled)
	m.AllowGuarded(JobRunning, JobCompleted, func(current any, updates map[string]any) error {
		if v, ok := updates["completed_at"]; ok && v != nil {
			return nil
		}
		return warderrors.New(warderrors.KindValidation,
			"completing a job requires completed_at")
	})
	m.Allow(JobRunning, JobFailed)
	m.Allow(JobRunning, JobCancelled)
	// Requeue paths.
	m.Allow(JobRunning, JobPending)
	m.Allow(JobFailed, JobPending)
	return m
}

// NewCheckpointMachine returns the checkpoint lifecycle.
func NewCheckpointMachine() *Machine {
	m := NewMachine(CheckpointPending, CheckpointReached, CheckpointConfirmed, CheckpointSkipped)
	m.Allow(CheckpointPending, CheckpointReached)
	m.Allow(CheckpointPending, CheckpointSkipped)
	m.Allow(CheckpointReached, CheckpointConfirmed)
	m.Allow(CheckpointReached, CheckpointSkipped)
	return m
}

// JobService drives the job lifecycle and the coupled checkpoint rows.
type JobService struct {
	*Service[store.Job]
	checkpoints *Machine
	updater     *fields.Updater[store.Job]
}

// NewJobService wires a job engine over the given lock and store.
func NewJobService(mutex lock.Mutex, st *store.Store, recorder *audit.Recorder, opts ...Option) (*JobService, error) {
	svc, err := New[store.Job](mutex, st, recorder, NewJobMachine(), opts...)
	if err != nil {
		return nil, err
	}
	fopts := []fields.Option{fields.WithTTL(svc.ttl), fields.WithBlockingTimeout(svc.blockingTimeout)}
	if svc.bus != nil {
		fopts = append(fopts, fields.WithBus(svc.bus))
	}
	upd, err := fields.New[store.Job](mutex, st, fopts...)
	if err != nil {
		return nil, err
	}
	return &JobService{Service: svc, checkpoints: NewCheckpointMachine(), updater: upd}, nil
}

// Schedule moves a pending job to scheduled at the given time.
func (s *JobService) Schedule(ctx context.Context, id uint64, at time.Time, actor string) (*store.Job, error) {
	return s.Transition(ctx, Request{
		ID: id, To: JobScheduled, Actor: actor,
		Updates: map[string]any{"scheduled_at": at},
	})
}

// Start moves a scheduled job to running.
func (s *JobService) Start(ctx context.Context, id uint64, actor string) (*store.Job, error) {
	return s.Transition(ctx, Request{ID: id, To: JobRunning, Actor: actor})
}

// Complete finishes a running job, stamping completed_at.
func (s *JobService) Complete(ctx context.Context, id uint64, actor string) (*store.Job, error) {
	now := time.Now().UTC()
	return s.Transition(ctx, Request{
		ID: id, To: JobCompleted, Actor: actor,
		Updates: map[string]any{"completed_at": now},
	})
}

// Fail marks a running job as failed, recording the reason in meta.
func (s *JobService) Fail(ctx context.Context, id uint64, reason, actor string) (*store.Job, error) {
	return s.Transition(ctx, Request{
		ID: id, To: JobFailed, Actor: actor,
		Compute: func(current any) (map[string]any, error) {
			job := current.(*store.Job)
			meta := fields.DeepMerge(map[string]any(job.Meta), map[string]any{"failure_reason": reason})
			return map[string]any{"meta": store.JSONMap(meta)}, nil
		},
	})
}

// Requeue sends a running or failed job back to pending.
func (s *JobService) Requeue(ctx context.Context, id uint64, actor string) (*store.Job, error) {
	return s.Transition(ctx, Request{
		ID: id, To: JobPending, Actor: actor,
		Updates: map[string]any{"scheduled_at": nil, "completed_at": nil},
	})
}

// Cancel aborts a job that has not finished.
func (s *JobService) Cancel(ctx context.Context, id uint64, actor string) (*store.Job, error) {
	return s.Transition(ctx, Request{ID: id, To: JobCancelled, Actor: actor})
}

// RecordCheckpoint marks a checkpoint reached and stamps the parent job's
// meta with the checkpoint name and time, in one transaction.
func (s *JobService) RecordCheckpoint(ctx context.Context, jobID, checkpointID uint64, actor string) (*store.Job, *store.Checkpoint, error) {
	return CoupledUpdate[store.Job, store.Checkpoint](ctx, s.Service, s.checkpoints, CoupledRequest{
		ParentID: jobID,
		ParentCompute: func(parent, child any) (map[string]any, error) {
			job := parent.(*store.Job)
			cp := child.(*store.Checkpoint)
			meta := fields.DeepMerge(map[string]any(job.Meta), map[string]any{
				"last_checkpoint":    cp.Name,
				"last_checkpoint_at": time.Now().UTC().Format(time.RFC3339Nano),
			})
			return map[string]any{"meta": store.JSONMap(meta)}, nil
		},
		Child: ChildUpdate{ID: checkpointID, To: CheckpointReached},
		Actor: actor,
	})
}

// ConfirmCheckpoints confirms every reached checkpoint in one batch. If any
// of them cannot be confirmed, none are.
func (s *JobService) ConfirmCheckpoints(ctx context.Context, jobID uint64, checkpointIDs []uint64, actor string) ([]*store.Checkpoint, error) {
	children := make([]ChildUpdate, 0, len(checkpointIDs))
	for _, id := range checkpointIDs {
		children = append(children, ChildUpdate{ID: id, To: CheckpointConfirmed})
	}
	return BulkTransition[store.Job, store.Checkpoint](ctx, s.Service, s.checkpoints, BulkRequest{
		ParentID: jobID,
		Children: children,
		Actor:    actor,
	})
}

// AppendHistory appends an event to the job's bounded history list.
func (s *JobService) AppendHistory(ctx context.Context, id uint64, event any, maxLen int) (store.JSONList, error) {
	return s.updater.AppendToList(ctx, id, "history", "", event, maxLen)
}

// MergeMeta deep-merges updates into the job's meta document.
func (s *JobService) MergeMeta(ctx context.Context, id uint64, updates map[string]any) (store.JSONMap, error) {
	return s.updater.MergeField(ctx, id, "meta", updates)
}

// Checkpoints lists the checkpoints belonging to a job.
func (s *JobService) Checkpoints(ctx context.Context, jobID uint64) ([]store.Checkpoint, error) {
	var out []store.Checkpoint
	err := s.store.WithinTx(ctx, func(tx *gorm.DB) error {
		return tx.Where("job_id = ?", jobID).Order("id").Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
