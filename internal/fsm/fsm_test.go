package fsm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expected = map[StateKind]map[Trigger]StateKind{
	Idle:         {Start: Initializing},
	Initializing: {Complete: Planning, Fail: Error},
	Planning:     {Complete: Executing, Fail: Error},
	Executing:    {Pause: Paused, Complete: Completed, Fail: Error},
	Paused:       {Resume: Executing, Fail: Error},
	Completed:    {Reset: Idle},
	Error:        {Reset: Idle},
}

func machineAt(t *testing.T, kind StateKind) *Machine {
	t.Helper()
	m := Standard(Hooks{})
	require.NoError(t, m.SetInitial(kind))
	return m
}

func TestTransitionTable(t *testing.T) {
	for _, from := range Kinds() {
		for _, trigger := range Triggers() {
			m := machineAt(t, from)
			err := m.Transition(trigger)
			cur, _ := m.Current()
			if to, ok := expected[from][trigger]; ok {
				require.NoError(t, err, "%s --%s-->", from, trigger)
				assert.Equal(t, to, cur)
				continue
			}
			var ite *InvalidTransitionError
			require.ErrorAs(t, err, &ite, "%s --%s--> should be rejected", from, trigger)
			assert.Equal(t, from, ite.From)
			assert.Equal(t, trigger, ite.Trigger)
			assert.Equal(t, from, cur, "state must be unchanged")
		}
	}
}

func TestStartCompleteCompletePauseResume(t *testing.T) {
	m := Standard(Hooks{})
	for _, trig := range []Trigger{Start, Complete, Complete} {
		require.NoError(t, m.Transition(trig))
	}
	cur, _ := m.Current()
	assert.Equal(t, Executing, cur)

	require.NoError(t, m.Transition(Pause))
	cur, _ = m.Current()
	assert.Equal(t, Paused, cur)

	require.NoError(t, m.Transition(Resume))
	cur, _ = m.Current()
	assert.Equal(t, Executing, cur)
}

func TestUninitialized(t *testing.T) {
	m := New()
	err := m.Transition(Start)
	assert.ErrorIs(t, err, ErrUninitialized)
	_, ok := m.Current()
	assert.False(t, ok)
	assert.False(t, m.Can(Start))
}

func TestHookOrderAndSharedContext(t *testing.T) {
	var calls []string
	m := Standard(Hooks{
		Exit: map[StateKind]Hook{
			Idle: func(c *Context) error {
				calls = append(calls, "exit:"+string(c.From))
				c.Set("seen", "idle")
				return nil
			},
		},
		Enter: map[StateKind]Hook{
			Initializing: func(c *Context) error {
				calls = append(calls, "enter:"+string(c.To))
				assert.Equal(t, "idle", c.Attrs["seen"])
				return nil
			},
		},
	})
	require.NoError(t, m.Transition(Start))
	assert.Equal(t, []string{"exit:idle", "enter:initializing"}, calls)
	assert.Equal(t, 1, m.Context().Transitions)
	assert.Equal(t, Start, m.Context().Trigger)
}

func TestFailingEntryHookLeavesMachineAdvanced(t *testing.T) {
	boom := errors.New("boom")
	m := Standard(Hooks{Enter: map[StateKind]Hook{
		Initializing: func(*Context) error { return boom },
	}})
	err := m.Transition(Start)
	require.ErrorIs(t, err, boom)
	cur, _ := m.Current()
	assert.Equal(t, Initializing, cur)
}

func TestFailingExitHookLeavesStateUnchanged(t *testing.T) {
	boom := errors.New("boom")
	m := Standard(Hooks{Exit: map[StateKind]Hook{
		Idle: func(*Context) error { return boom },
	}})
	err := m.Transition(Start)
	require.ErrorIs(t, err, boom)
	cur, _ := m.Current()
	assert.Equal(t, Idle, cur)
}

func TestAddTransitionUnknownStates(t *testing.T) {
	m := New()
	m.AddState(&State{Kind: Idle})
	assert.Error(t, m.AddTransition(Idle, Start, Initializing))
	assert.Error(t, m.AddTransition(Planning, Start, Idle))
	assert.Error(t, m.SetInitial(Planning))
}
