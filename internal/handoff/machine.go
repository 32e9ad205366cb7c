package handoff

import "fmt"

// Table declares every allowed transition: state -> trigger -> next state.
type Table[S comparable, T comparable] map[S]map[T]S

// Machine applies triggers against a declared Table. It is not safe for
// concurrent use; each coordinator owns one and drives it from its event loop.
type Machine[S comparable, T comparable] struct {
	state S
	table Table[S, T]
}

func NewMachine[S comparable, T comparable](initial S, table Table[S, T]) *Machine[S, T] {
	return &Machine[S, T]{state: initial, table: table}
}

func (m *Machine[S, T]) State() S {
	return m.state
}

// Can reports whether trigger is valid in the current state.
func (m *Machine[S, T]) Can(trigger T) bool {
	_, ok := m.table[m.state][trigger]
	return ok
}

// Fire moves to the state declared for trigger, or returns ErrInvalidTransition
// without changing anything.
func (m *Machine[S, T]) Fire(trigger T) (S, error) {
	next, ok := m.table[m.state][trigger]
	if !ok {
		return m.state, fmt.Errorf("%w: %v in state %v", ErrInvalidTransition, trigger, m.state)
	}
	m.state = next
	return next, nil
}

// Reset forces the machine into s. Used for teardown, which is valid from any state.
func (m *Machine[S, T]) Reset(s S) {
	m.state = s
}
