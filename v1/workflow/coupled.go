package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mirkobrombin/go-ward/v1/audit"
	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/metrics"
	"github.com/mirkobrombin/go-ward/v1/store"
)

// CoupledUpdate writes a parent row and one child row in a single
// transaction under the parent's mutex. Either both rows commit or neither
// does. The child's status change, if any, is validated against childMachine.
func CoupledUpdate[P, C any](ctx context.Context, s *Service[P], childMachine *Machine, req CoupledRequest) (*P, *C, error) {
	var probe C
	childRes, ok := any(&probe).(store.Resource)
	if !ok {
		return nil, nil, warderrors.Newf(warderrors.KindValidation,
			"%T does not implement store.Resource", &probe)
	}
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "workflow.coupled_update")
	defer span.End()

	var parent P
	var child C
	err := s.exec.Do(ctx, func(ctx context.Context) error {
		key := lock.KeyFor(s.resourceType, req.ParentID)
		lockStart := time.Now()
		h, err := s.mutex.Acquire(ctx, key, s.ttl, s.blockingTimeout)
		if err != nil {
			return err
		}
		lockWait := time.Since(lockStart)
		metrics.LockWaitSeconds.Observe(lockWait.Seconds())
		defer s.mutex.Release(context.WithoutCancel(ctx), h)

		var childOld string
		txStart := time.Now()
		txErr := s.store.WithinTx(ctx, func(tx *gorm.DB) error {
			var curParent P
			if err := s.store.LockForUpdate(tx, &curParent, req.ParentID); err != nil {
				return err
			}
			var curChild C
			if err := s.store.LockForUpdate(tx, &curChild, req.Child.ID); err != nil {
				return err
			}
			cres := any(&curChild).(store.Resource)
			childOld = cres.CurrentStatus()

			childUpdates, err := resolveUpdates(&curChild, req.Child.Updates, req.Child.Compute)
			if err != nil {
				return err
			}
			if req.Child.To != "" {
				if err := childMachine.Validate(childOld, req.Child.To, &curChild, childUpdates); err != nil {
					return err
				}
				childUpdates["status"] = req.Child.To
			}
			if err := s.store.UpdateVersioned(tx, new(C), req.Child.ID, cres.CurrentVersion(), childUpdates); err != nil {
				return err
			}

			parentUpdates := make(map[string]any, len(req.ParentUpdates)+1)
			for k, v := range req.ParentUpdates {
				parentUpdates[k] = v
			}
			if req.ParentCompute != nil {
				var refreshed C
				if err := tx.First(&refreshed, "id = ?", req.Child.ID).Error; err != nil {
					return err
				}
				extra, err := req.ParentCompute(&curParent, &refreshed)
				if err != nil {
					return err
				}
				for k, v := range extra {
					parentUpdates[k] = v
				}
			}
			pres := any(&curParent).(store.Resource)
			if err := s.store.UpdateVersioned(tx, new(P), req.ParentID, pres.CurrentVersion(), parentUpdates); err != nil {
				return err
			}
			if err := tx.First(&parent, "id = ?", req.ParentID).Error; err != nil {
				return err
			}
			return tx.First(&child, "id = ?", req.Child.ID).Error
		})
		txDur := time.Since(txStart)
		metrics.TxDurationSeconds.Observe(txDur.Seconds())
		if txErr != nil {
			s.reject(ctx, txErr, correlation, "coupled_update", req.Child.ID, req.Actor, childOld, req.Child.To, lockWait, txDur)
			return txErr
		}

		metrics.TransitionCounter.WithLabelValues(audit.OutcomeApplied).Inc()
		s.recorder.Append(context.WithoutCancel(ctx), audit.Entry{
			ResourceType:  childRes.ResourceType(),
			ResourceID:    req.Child.ID,
			Operation:     "coupled_update",
			Outcome:       audit.OutcomeApplied,
			OldValue:      audit.MarshalValue(map[string]any{"status": childOld}),
			NewValue:      audit.MarshalValue(map[string]any{"status": req.Child.To}),
			Actor:         req.Actor,
			LockWaitMs:    lockWait.Milliseconds(),
			TxDurationMs:  txDur.Milliseconds(),
			CorrelationID: correlation,
		})
		s.recorder.Append(context.WithoutCancel(ctx), audit.Entry{
			ResourceType:  s.resourceType,
			ResourceID:    req.ParentID,
			Operation:     "coupled_update",
			Outcome:       audit.OutcomeApplied,
			NewValue:      audit.MarshalValue(req.ParentUpdates),
			Actor:         req.Actor,
			LockWaitMs:    lockWait.Milliseconds(),
			TxDurationMs:  txDur.Milliseconds(),
			CorrelationID: correlation,
		})
		s.announce(ctx, key)
		return nil
	})
	if err != nil {
		return nil, nil, s.fail(ctx, err, correlation, "coupled_update", req.ParentID, req.Actor)
	}
	return &parent, &child, nil
}

// BulkTransition applies every child write in one transaction under the
// parent's mutex. If any child fails validation or its version check, the
// whole batch rolls back.
func BulkTransition[P, C any](ctx context.Context, s *Service[P], childMachine *Machine, req BulkRequest) ([]*C, error) {
	var probe C
	childRes, ok := any(&probe).(store.Resource)
	if !ok {
		return nil, warderrors.Newf(warderrors.KindValidation,
			"%T does not implement store.Resource", &probe)
	}
	if len(req.Children) == 0 {
		return nil, warderrors.New(warderrors.KindValidation, "empty batch")
	}
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	ctx, span := tracer.Start(ctx, "workflow.bulk_transition")
	defer span.End()

	var out []*C
	err := s.exec.Do(ctx, func(ctx context.Context) error {
		key := lock.KeyFor(s.resourceType, req.ParentID)
		lockStart := time.Now()
		h, err := s.mutex.Acquire(ctx, key, s.ttl, s.blockingTimeout)
		if err != nil {
			return err
		}
		lockWait := time.Since(lockStart)
		metrics.LockWaitSeconds.Observe(lockWait.Seconds())
		defer s.mutex.Release(context.WithoutCancel(ctx), h)

		results := make([]*C, 0, len(req.Children))
		oldStates := make([]string, 0, len(req.Children))
		txStart := time.Now()
		txErr := s.store.WithinTx(ctx, func(tx *gorm.DB) error {
			// The parent row lock is the serialization point against coupled
			// updates on the same parent.
			var curParent P
			if err := s.store.LockForUpdate(tx, &curParent, req.ParentID); err != nil {
				return err
			}
			for _, cu := range req.Children {
				var cur C
				if err := s.store.LockForUpdate(tx, &cur, cu.ID); err != nil {
					return err
				}
				res := any(&cur).(store.Resource)
				oldStates = append(oldStates, res.CurrentStatus())
				updates, err := resolveUpdates(&cur, cu.Updates, cu.Compute)
				if err != nil {
					return err
				}
				if cu.To != "" {
					if err := childMachine.Validate(res.CurrentStatus(), cu.To, &cur, updates); err != nil {
						return err
					}
					updates["status"] = cu.To
				}
				if err := s.store.UpdateVersioned(tx, new(C), cu.ID, res.CurrentVersion(), updates); err != nil {
					return err
				}
				var refreshed C
				if err := tx.First(&refreshed, "id = ?", cu.ID).Error; err != nil {
					return err
				}
				results = append(results, &refreshed)
			}
			return nil
		})
		txDur := time.Since(txStart)
		metrics.TxDurationSeconds.Observe(txDur.Seconds())
		if txErr != nil {
			s.reject(ctx, txErr, correlation, "bulk_transition", req.ParentID, req.Actor, "", "", lockWait, txDur)
			return txErr
		}

		metrics.TransitionCounter.WithLabelValues(audit.OutcomeApplied).Inc()
		for i, cu := range req.Children {
			s.recorder.Append(context.WithoutCancel(ctx), audit.Entry{
				ResourceType:  childRes.ResourceType(),
				ResourceID:    cu.ID,
				Operation:     "bulk_transition",
				Outcome:       audit.OutcomeApplied,
				OldValue:      audit.MarshalValue(map[string]any{"status": oldStates[i]}),
				NewValue:      audit.MarshalValue(map[string]any{"status": cu.To}),
				Actor:         req.Actor,
				LockWaitMs:    lockWait.Milliseconds(),
				TxDurationMs:  txDur.Milliseconds(),
				CorrelationID: correlation,
			})
		}
		s.announce(ctx, key)
		out = results
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, err, correlation, "bulk_transition", req.ParentID, req.Actor)
	}
	return out, nil
}

func resolveUpdates(current any, static map[string]any, compute func(any) (map[string]any, error)) (map[string]any, error) {
	updates := make(map[string]any, len(static)+2)
	for k, v := range static {
		updates[k] = v
	}
	if compute != nil {
		extra, err := compute(current)
		if err != nil {
			return nil, err
		}
		for k, v := range extra {
			updates[k] = v
		}
	}
	return updates, nil
}
