package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDoorMachine() *Machine {
	return New("closed", []Transition{
		{From: "closed", Event: "open", To: "open"},
		{From: "open", Event: "close", To: "closed"},
	})
}

func TestTransitionSuccess(t *testing.T) {
	m := newDoorMachine()
	require.NoError(t, m.Transition(context.Background(), "open"))
	assert.Equal(t, "open", m.Current())
}

func TestUnknownTransitionIsNoOp(t *testing.T) {
	m := newDoorMachine()
	err := m.Transition(context.Background(), "close")
	require.Error(t, err)
	assert.Equal(t, "closed", m.Current())
}

func TestPreHookAbortsBeforeStateChange(t *testing.T) {
	m := newDoorMachine()
	m.OnBeforeTransition(func(ctx context.Context, from, to, event string) error {
		return errors.New("locked")
	})
	err := m.Transition(context.Background(), "open")
	require.Error(t, err)
	assert.Equal(t, "closed", m.Current())
}

func TestHookOrdering(t *testing.T) {
	m := newDoorMachine()
	var order []string
	m.OnBeforeTransition(func(ctx context.Context, from, to, event string) error {
		order = append(order, "pre")
		return nil
	})
	m.OnAfterTransition(func(ctx context.Context, from, to, event string) error {
		order = append(order, "post")
		assert.Equal(t, "open", m.Current())
		return nil
	})
	require.NoError(t, m.Transition(context.Background(), "open"))
	assert.Equal(t, []string{"pre", "post"}, order)
}

func TestForceBypassesTable(t *testing.T) {
	m := newDoorMachine()
	m.Force("open")
	assert.Equal(t, "open", m.Current())
}
