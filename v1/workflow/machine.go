package workflow

import (
	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
)

// Guard is an optional precondition attached to a legal transition. It runs
// inside the critical section with the freshly locked row and the pending
// column updates.
type Guard func(current any, updates map[string]any) error

type pair struct{ from, to string }

// Machine is a finite set of states plus the table of legal transitions
// between them. Machines are built once at startup and read-only afterwards,
// so they are safe for concurrent use.
type Machine struct {
	states map[string]struct{}
	legal  map[pair]Guard
}

// NewMachine creates a Machine over the given states.
func NewMachine(states ...string) *Machine {
	m := &Machine{states: make(map[string]struct{}, len(states)), legal: make(map[pair]Guard)}
	for _, s := range states {
		m.states[s] = struct{}{}
	}
	return m
}

// Allow registers a legal transition.
func (m *Machine) Allow(from, to string) *Machine {
	return m.AllowGuarded(from, to, nil)
}

// AllowGuarded registers a legal transition with a precondition.
func (m *Machine) AllowGuarded(from, to string, g Guard) *Machine {
	if _, ok := m.states[from]; !ok {
		panic("workflow: unknown state " + from)
	}
	if _, ok := m.states[to]; !ok {
		panic("workflow: unknown state " + to)
	}
	m.legal[pair{from, to}] = g
	return m
}

// Validate checks that from -> to is legal and that its guard, if any,
// accepts the current row. Violations are non-retryable.
func (m *Machine) Validate(from, to string, current any, updates map[string]any) error {
	if _, ok := m.states[to]; !ok {
		return warderrors.Newf(warderrors.KindValidation, "unknown state %q", to)
	}
	g, ok := m.legal[pair{from, to}]
	if !ok {
		return warderrors.Newf(warderrors.KindInvalidTransition,
			"transition %s -> %s is not legal", from, to)
	}
	if g != nil {
		if err := g(current, updates); err != nil {
			return err
		}
	}
	return nil
}

// Terminal reports whether the state has no outgoing transitions.
func (m *Machine) Terminal(state string) bool {
	for p := range m.legal {
		if p.from == state {
			return false
		}
	}
	_, known := m.states[state]
	return known
}
