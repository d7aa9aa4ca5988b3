// Package statemachine implements a small reusable {state, event -> state}
// table with pre/post transition hooks, used by the kernel's daemon
// lifecycle.
package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// Hook runs before or after a transition. Pre-hooks that return an error
// abort the transition before the state changes.
type Hook func(ctx context.Context, from, to, event string) error

type edge struct {
	from, event string
}

// Machine is a generic finite state machine driven by a transition table.
type Machine struct {
	mu        sync.Mutex
	current   string
	table     map[edge]string
	preHooks  []Hook
	postHooks []Hook
}

// Transition describes one edge of the table: in state From, event Event
// moves to state To.
type Transition struct {
	From, Event, To string
}

// New creates a Machine starting in initial with the given transition
// table.
func New(initial string, transitions []Transition) *Machine {
	table := make(map[edge]string, len(transitions))
	for _, t := range transitions {
		table[edge{t.From, t.Event}] = t.To
	}
	return &Machine{current: initial, table: table}
}

// OnBeforeTransition registers a pre-hook, run (and awaited) before the
// state changes, in registration order.
func (m *Machine) OnBeforeTransition(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preHooks = append(m.preHooks, h)
}

// OnAfterTransition registers a post-hook, run after the state has
// changed, in registration order.
func (m *Machine) OnAfterTransition(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postHooks = append(m.postHooks, h)
}

// Current returns the current state.
func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition looks up (current, event) in the table. If absent, it returns
// an error without any side effects. On success it runs every pre-hook
// (aborting on the first error without changing state), updates the
// state, then runs every post-hook.
func (m *Machine) Transition(ctx context.Context, event string) error {
	m.mu.Lock()
	from := m.current
	to, ok := m.table[edge{from, event}]
	pre := append([]Hook(nil), m.preHooks...)
	post := append([]Hook(nil), m.postHooks...)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("statemachine: no transition for state %q on event %q", from, event)
	}

	for _, h := range pre {
		if err := h(ctx, from, to, event); err != nil {
			return fmt.Errorf("statemachine: pre-hook for %q->%q on %q failed: %w", from, to, event, err)
		}
	}

	m.mu.Lock()
	m.current = to
	m.mu.Unlock()

	for _, h := range post {
		if err := h(ctx, from, to, event); err != nil {
			return fmt.Errorf("statemachine: post-hook for %q->%q on %q failed: %w", from, to, event, err)
		}
	}

	return nil
}

// Force sets the current state directly, bypassing the transition table
// and hooks entirely.
func (m *Machine) Force(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = state
}

// CanTransition reports whether event is valid from the current state.
func (m *Machine) CanTransition(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.table[edge{m.current, event}]
	return ok
}
