package workflow

import (
	"context"

	"github.com/mirkobrombin/go-ward/v1/audit"
	"github.com/mirkobrombin/go-ward/v1/fields"
	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/store"
)

// Ticket lifecycle states.
const (
	TicketOpen       = "open"
	TicketAssigned   = "assigned"
	TicketInProgress = "in_progress"
	TicketEscalated  = "escalated"
	TicketResolved   = "resolved"
	TicketClosed     = "closed"
)

// NewTicketMachine returns the ticket lifecycle. Escalation is reachable
// from any active state, including escalated itself, so repeated escalations
// keep raising the level.
func NewTicketMachine() *Machine {
	m := NewMachine(TicketOpen, TicketAssigned, TicketInProgress, TicketEscalated, TicketResolved, TicketClosed)
	m.Allow(TicketOpen, TicketAssigned)
	m.Allow(TicketOpen, TicketEscalated)
	m.Allow(TicketAssigned, TicketInProgress)
	m.Allow(TicketAssigned, TicketEscalated)
	m.Allow(TicketInProgress, TicketResolved)
	m.Allow(TicketInProgress, TicketEscalated)
	m.Allow(TicketEscalated, TicketEscalated)
	m.Allow(TicketEscalated, TicketAssigned)
	m.Allow(TicketEscalated, TicketResolved)
	m.Allow(TicketResolved, TicketClosed)
	m.Allow(TicketResolved, TicketOpen)
	return m
}

// TicketService drives the ticket lifecycle.
type TicketService struct {
	*Service[store.Ticket]
	updater *fields.Updater[store.Ticket]
}

// NewTicketService wires a ticket engine over the given lock and store.
func NewTicketService(mutex lock.Mutex, st *store.Store, recorder *audit.Recorder, opts ...Option) (*TicketService, error) {
	svc, err := New[store.Ticket](mutex, st, recorder, NewTicketMachine(), opts...)
	if err != nil {
		return nil, err
	}
	fopts := []fields.Option{fields.WithTTL(svc.ttl), fields.WithBlockingTimeout(svc.blockingTimeout)}
	if svc.bus != nil {
		fopts = append(fopts, fields.WithBus(svc.bus))
	}
	upd, err := fields.New[store.Ticket](mutex, st, fopts...)
	if err != nil {
		return nil, err
	}
	return &TicketService{Service: svc, updater: upd}, nil
}

// Assign hands the ticket to an assignee.
func (s *TicketService) Assign(ctx context.Context, id uint64, assignee, actor string) (*store.Ticket, error) {
	return s.Transition(ctx, Request{
		ID: id, To: TicketAssigned, Actor: actor,
		Updates: map[string]any{"assignee": assignee},
	})
}

// StartProgress moves an assigned ticket to in_progress.
func (s *TicketService) StartProgress(ctx context.Context, id uint64, actor string) (*store.Ticket, error) {
	return s.Transition(ctx, Request{ID: id, To: TicketInProgress, Actor: actor})
}

// Escalate raises the ticket's level by one. The increment is computed from
// the locked row, so concurrent escalations never lose a step.
func (s *TicketService) Escalate(ctx context.Context, id uint64, actor string) (*store.Ticket, error) {
	return s.Transition(ctx, Request{
		ID: id, To: TicketEscalated, Actor: actor,
		Compute: func(current any) (map[string]any, error) {
			t := current.(*store.Ticket)
			return map[string]any{"level": t.Level + 1}, nil
		},
	})
}

// Resolve marks the ticket resolved.
func (s *TicketService) Resolve(ctx context.Context, id uint64, actor string) (*store.Ticket, error) {
	return s.Transition(ctx, Request{ID: id, To: TicketResolved, Actor: actor})
}

// Close closes a resolved ticket. Closed is terminal.
func (s *TicketService) Close(ctx context.Context, id uint64, actor string) (*store.Ticket, error) {
	return s.Transition(ctx, Request{ID: id, To: TicketClosed, Actor: actor})
}

// Reopen sends a resolved ticket back to open and clears the assignee.
func (s *TicketService) Reopen(ctx context.Context, id uint64, actor string) (*store.Ticket, error) {
	return s.Transition(ctx, Request{
		ID: id, To: TicketOpen, Actor: actor,
		Updates: map[string]any{"assignee": ""},
	})
}

// AppendHistory appends an event to the ticket's bounded history list.
func (s *TicketService) AppendHistory(ctx context.Context, id uint64, event any, maxLen int) (store.JSONList, error) {
	return s.updater.AppendToList(ctx, id, "history", "", event, maxLen)
}

// MergeMeta deep-merges updates into the ticket's meta document.
func (s *TicketService) MergeMeta(ctx context.Context, id uint64, updates map[string]any) (store.JSONMap, error) {
	return s.updater.MergeField(ctx, id, "meta", updates)
}
