package workflow_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-ward/v1/audit"
	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/retry"
	"github.com/mirkobrombin/go-ward/v1/store"
	"github.com/mirkobrombin/go-ward/v1/workflow"
)

var dbSeq atomic.Uint64

type fixture struct {
	store    *store.Store
	recorder *audit.Recorder
	mutex    lock.Mutex
	tickets  *workflow.TicketService
	jobs     *workflow.JobService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:workflowtest%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	rec, err := audit.NewRecorder(db)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	mu := lock.NewInMemory(nil)
	tickets, err := workflow.NewTicketService(mu, st, rec)
	if err != nil {
		t.Fatalf("new ticket service: %v", err)
	}
	jobs, err := workflow.NewJobService(mu, st, rec)
	if err != nil {
		t.Fatalf("new job service: %v", err)
	}
	return &fixture{store: st, recorder: rec, mutex: mu, tickets: tickets, jobs: jobs}
}

func (f *fixture) seedTicket(t *testing.T, status string) *store.Ticket {
	t.Helper()
	tk := &store.Ticket{Status: status}
	if err := f.store.DB().Create(tk).Error; err != nil {
		t.Fatalf("seed ticket: %v", err)
	}
	return tk
}

func (f *fixture) seedJob(t *testing.T, status string) *store.Job {
	t.Helper()
	j := &store.Job{Status: status}
	if err := f.store.DB().Create(j).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return j
}

func (f *fixture) seedCheckpoint(t *testing.T, jobID uint64, name, status string) *store.Checkpoint {
	t.Helper()
	cp := &store.Checkpoint{JobID: jobID, Name: name, Status: status}
	if err := f.store.DB().Create(cp).Error; err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	return cp
}

func TestTransitionAppliesAndAudits(t *testing.T) {
	f := newFixture(t)
	tk := f.seedTicket(t, workflow.TicketOpen)

	got, err := f.tickets.Assign(context.Background(), tk.ID, "sam", "dispatcher")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Status != workflow.TicketAssigned || got.Assignee != "sam" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}

	entries, err := f.tickets.History(context.Background(), tk.ID, time.Time{}, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Outcome != audit.OutcomeApplied || e.Operation != "transition" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.CorrelationID == "" {
		t.Fatal("applied entry should carry a correlation id")
	}
	if e.Actor != "dispatcher" {
		t.Fatalf("actor = %q", e.Actor)
	}
}

func TestInvalidTransitionLeavesRowUntouched(t *testing.T) {
	f := newFixture(t)
	tk := f.seedTicket(t, workflow.TicketClosed)

	_, err := f.tickets.Assign(context.Background(), tk.ID, "sam", "dispatcher")
	if warderrors.KindOf(err) != warderrors.KindInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	var after store.Ticket
	if err := f.store.Find(context.Background(), &after, tk.ID); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.Status != workflow.TicketClosed || after.Version != 0 {
		t.Fatalf("row changed: %+v", after)
	}

	entries, err := f.tickets.History(context.Background(), tk.ID, time.Time{}, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeRejected {
		t.Fatalf("expected one rejected entry, got %+v", entries)
	}
}

func TestTransitionMissingRow(t *testing.T) {
	f := newFixture(t)
	_, err := f.tickets.Assign(context.Background(), 9999, "sam", "dispatcher")
	if warderrors.KindOf(err) != warderrors.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestVersionMonotonicAcrossLifecycle(t *testing.T) {
	f := newFixture(t)
	tk := f.seedTicket(t, workflow.TicketOpen)
	ctx := context.Background()

	steps := []func() (*store.Ticket, error){
		func() (*store.Ticket, error) { return f.tickets.Assign(ctx, tk.ID, "sam", "a") },
		func() (*store.Ticket, error) { return f.tickets.StartProgress(ctx, tk.ID, "sam") },
		func() (*store.Ticket, error) { return f.tickets.Resolve(ctx, tk.ID, "sam") },
		func() (*store.Ticket, error) { return f.tickets.Close(ctx, tk.ID, "sam") },
	}
	for i, step := range steps {
		got, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.Version != uint64(i+1) {
			t.Fatalf("step %d: version = %d, want %d", i, got.Version, i+1)
		}
	}
}

func TestConcurrentTransitionsSerialize(t *testing.T) {
	f := newFixture(t)
	tk := f.seedTicket(t, workflow.TicketOpen)
	ctx := context.Background()

	const workers = 50
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := f.tickets.Escalate(ctx, tk.ID, "monitor")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent escalate: %v", err)
	}

	var after store.Ticket
	if err := f.store.Find(ctx, &after, tk.ID); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.Level != workers {
		t.Fatalf("level = %d, want %d", after.Level, workers)
	}
	if after.Version != workers {
		t.Fatalf("version = %d, want %d", after.Version, workers)
	}
}

func TestJobCompletionGuard(t *testing.T) {
	f := newFixture(t)
	j := f.seedJob(t, workflow.JobRunning)
	ctx := context.Background()

	_, err := f.jobs.Transition(ctx, workflow.Request{ID: j.ID, To: workflow.JobCompleted, Actor: "runner"})
	if warderrors.KindOf(err) != warderrors.KindValidation {
		t.Fatalf("bare completion should fail the guard, got %v", err)
	}

	got, err := f.jobs.Complete(ctx, j.ID, "runner")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != workflow.JobCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestCoupledUpdateCommitsBothRows(t *testing.T) {
	f := newFixture(t)
	j := f.seedJob(t, workflow.JobRunning)
	cp := f.seedCheckpoint(t, j.ID, "halfway", workflow.CheckpointPending)
	ctx := context.Background()

	job, got, err := f.jobs.RecordCheckpoint(ctx, j.ID, cp.ID, "runner")
	if err != nil {
		t.Fatalf("record checkpoint: %v", err)
	}
	if got.Status != workflow.CheckpointReached {
		t.Fatalf("checkpoint status = %q", got.Status)
	}
	if job.Meta["last_checkpoint"] != "halfway" {
		t.Fatalf("parent meta not stamped: %v", job.Meta)
	}
	if job.Version != 1 || got.Version != 1 {
		t.Fatalf("versions = %d/%d, want 1/1", job.Version, got.Version)
	}
}

func TestCoupledUpdateRollsBackParentOnChildFailure(t *testing.T) {
	f := newFixture(t)
	j := f.seedJob(t, workflow.JobRunning)
	cp := f.seedCheckpoint(t, j.ID, "halfway", workflow.CheckpointConfirmed)
	ctx := context.Background()

	_, _, err := f.jobs.RecordCheckpoint(ctx, j.ID, cp.ID, "runner")
	if warderrors.KindOf(err) != warderrors.KindInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	var job store.Job
	if err := f.store.Find(ctx, &job, j.ID); err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if job.Version != 0 || len(job.Meta) != 0 {
		t.Fatalf("parent should be untouched: %+v", job)
	}
	var after store.Checkpoint
	if err := f.store.Find(ctx, &after, cp.ID); err != nil {
		t.Fatalf("reload checkpoint: %v", err)
	}
	if after.Status != workflow.CheckpointConfirmed || after.Version != 0 {
		t.Fatalf("child should be untouched: %+v", after)
	}
}

func TestBulkTransitionAllOrNothing(t *testing.T) {
	f := newFixture(t)
	j := f.seedJob(t, workflow.JobRunning)
	a := f.seedCheckpoint(t, j.ID, "a", workflow.CheckpointReached)
	b := f.seedCheckpoint(t, j.ID, "b", workflow.CheckpointPending)
	ctx := context.Background()

	_, err := f.jobs.ConfirmCheckpoints(ctx, j.ID, []uint64{a.ID, b.ID}, "runner")
	if warderrors.KindOf(err) != warderrors.KindInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	for _, cp := range []*store.Checkpoint{a, b} {
		var after store.Checkpoint
		if err := f.store.Find(ctx, &after, cp.ID); err != nil {
			t.Fatalf("reload: %v", err)
		}
		if after.Status == workflow.CheckpointConfirmed {
			t.Fatalf("checkpoint %d confirmed despite batch failure", cp.ID)
		}
		if after.Version != 0 {
			t.Fatalf("checkpoint %d version = %d, want 0", cp.ID, after.Version)
		}
	}
}

func TestBulkTransitionConfirmsAll(t *testing.T) {
	f := newFixture(t)
	j := f.seedJob(t, workflow.JobRunning)
	a := f.seedCheckpoint(t, j.ID, "a", workflow.CheckpointReached)
	b := f.seedCheckpoint(t, j.ID, "b", workflow.CheckpointReached)
	ctx := context.Background()

	got, err := f.jobs.ConfirmCheckpoints(ctx, j.ID, []uint64{a.ID, b.ID}, "runner")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	for _, cp := range got {
		if cp.Status != workflow.CheckpointConfirmed || cp.Version != 1 {
			t.Fatalf("unexpected checkpoint: %+v", cp)
		}
	}
}

// failingMutex simulates a lock service that never grants the lock.
type failingMutex struct{}

func (failingMutex) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*lock.Handle, bool, error) {
	return nil, false, warderrors.New(warderrors.KindLockAcquisition, "lock service down")
}

func (failingMutex) Acquire(ctx context.Context, key string, ttl, blockingTimeout time.Duration) (*lock.Handle, error) {
	return nil, warderrors.New(warderrors.KindLockAcquisition, "lock service down")
}

func (failingMutex) Release(ctx context.Context, h *lock.Handle) bool { return false }

func (failingMutex) Extend(ctx context.Context, h *lock.Handle, ttl time.Duration) bool {
	return false
}

func TestExhaustedRetriesRecordFailure(t *testing.T) {
	f := newFixture(t)
	tk := f.seedTicket(t, workflow.TicketOpen)

	svc, err := workflow.NewTicketService(failingMutex{}, f.store, f.recorder,
		workflow.WithPolicy(retry.Policy{Name: "fast", MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = svc.Escalate(context.Background(), tk.ID, "monitor")
	if warderrors.KindOf(err) != warderrors.KindUnavailable {
		t.Fatalf("expected unavailable after exhaustion, got %v", err)
	}
	if warderrors.CorrelationOf(err) == "" {
		t.Fatal("surfaced error should carry a correlation id")
	}

	entries, err := svc.History(context.Background(), tk.ID, time.Time{}, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != audit.OutcomeFailed {
		t.Fatalf("expected one failed entry, got %+v", entries)
	}
}
