// Package fsm implements the task lifecycle state machine.
//
// A Machine is not safe for concurrent use; the owner serializes access.
package fsm

import (
	"errors"
	"fmt"
)

type StateKind string

const (
	Idle         StateKind = "idle"
	Initializing StateKind = "initializing"
	Planning     StateKind = "planning"
	Executing    StateKind = "executing"
	Paused       StateKind = "paused"
	Completed    StateKind = "completed"
	Error        StateKind = "error"
)

// Kinds lists every lifecycle state.
func Kinds() []StateKind {
	return []StateKind{Idle, Initializing, Planning, Executing, Paused, Completed, Error}
}

type Trigger string

const (
	Start    Trigger = "start"
	Pause    Trigger = "pause"
	Resume   Trigger = "resume"
	Complete Trigger = "complete"
	Fail     Trigger = "error"
	Reset    Trigger = "reset"
)

func Triggers() []Trigger {
	return []Trigger{Start, Pause, Resume, Complete, Fail, Reset}
}

// ErrUninitialized is returned when a transition is attempted before a current state is set.
var ErrUninitialized = errors.New("state machine not initialized")

// InvalidTransitionError names the state and the trigger it does not accept.
type InvalidTransitionError struct {
	From    StateKind
	Trigger Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s does not accept %s", e.From, e.Trigger)
}

// Context is shared by reference with every hook for the lifetime of a machine.
type Context struct {
	TaskID      string
	Trigger     Trigger
	From        StateKind
	To          StateKind
	Transitions int
	Attrs       map[string]string
}

func (c *Context) Set(key, value string) {
	if c.Attrs == nil {
		c.Attrs = map[string]string{}
	}
	c.Attrs[key] = value
}

type Hook func(c *Context) error

// State is one lifecycle stage with optional entry/exit hooks.
type State struct {
	Kind        StateKind
	OnEnter     Hook
	OnExit      Hook
	transitions map[Trigger]StateKind
}

func (s *State) enter(c *Context) error {
	if s.OnEnter == nil {
		return nil
	}
	return s.OnEnter(c)
}

func (s *State) exit(c *Context) error {
	if s.OnExit == nil {
		return nil
	}
	return s.OnExit(c)
}

// Targets returns a copy of the trigger table of the state.
func (s *State) Targets() map[Trigger]StateKind {
	out := make(map[Trigger]StateKind, len(s.transitions))
	for k, v := range s.transitions {
		out[k] = v
	}
	return out
}

type Machine struct {
	states  map[StateKind]*State
	current *State
	ctx     *Context
}

func New() *Machine {
	return &Machine{
		states: map[StateKind]*State{},
		ctx:    &Context{},
	}
}

// AddState registers a state, replacing any previous state of the same kind.
func (m *Machine) AddState(s *State) {
	if s.transitions == nil {
		s.transitions = map[Trigger]StateKind{}
	}
	m.states[s.Kind] = s
}

// AddTransition maps (from, trigger) to a target; a later call overwrites the target.
func (m *Machine) AddTransition(from StateKind, trigger Trigger, to StateKind) error {
	src, ok := m.states[from]
	if !ok {
		return fmt.Errorf("unknown source state %s", from)
	}
	if _, ok := m.states[to]; !ok {
		return fmt.Errorf("unknown target state %s", to)
	}
	src.transitions[trigger] = to
	return nil
}

func (m *Machine) SetInitial(kind StateKind) error {
	s, ok := m.states[kind]
	if !ok {
		return fmt.Errorf("unknown state %s", kind)
	}
	m.current = s
	return nil
}

// Current returns the current state kind and false when uninitialized.
func (m *Machine) Current() (StateKind, bool) {
	if m.current == nil {
		return "", false
	}
	return m.current.Kind, true
}

// Can reports whether the current state accepts trigger.
func (m *Machine) Can(trigger Trigger) bool {
	if m.current == nil {
		return false
	}
	_, ok := m.current.transitions[trigger]
	return ok
}

// Context returns the shared hook context.
func (m *Machine) Context() *Context {
	return m.ctx
}

// Transition fires trigger. The exit hook runs before the state changes; the entry
// hook runs after, so a failing entry hook leaves the machine in the new state.
func (m *Machine) Transition(trigger Trigger) error {
	if m.current == nil {
		return ErrUninitialized
	}
	targetKind, ok := m.current.transitions[trigger]
	if !ok {
		return &InvalidTransitionError{From: m.current.Kind, Trigger: trigger}
	}
	target := m.states[targetKind]
	m.ctx.Trigger = trigger
	m.ctx.From = m.current.Kind
	m.ctx.To = targetKind
	if err := m.current.exit(m.ctx); err != nil {
		return fmt.Errorf("exit %s: %w", m.current.Kind, err)
	}
	m.current = target
	m.ctx.Transitions++
	if err := target.enter(m.ctx); err != nil {
		return fmt.Errorf("enter %s: %w", target.Kind, err)
	}
	return nil
}

// Hooks maps state kinds to hook functions for Standard.
type Hooks struct {
	Enter map[StateKind]Hook
	Exit  map[StateKind]Hook
}

var standardTable = []struct {
	from    StateKind
	trigger Trigger
	to      StateKind
}{
	{Idle, Start, Initializing},
	{Initializing, Complete, Planning},
	{Initializing, Fail, Error},
	{Planning, Complete, Executing},
	{Planning, Fail, Error},
	{Executing, Pause, Paused},
	{Executing, Complete, Completed},
	{Executing, Fail, Error},
	{Paused, Resume, Executing},
	{Paused, Fail, Error},
	{Completed, Reset, Idle},
	{Error, Reset, Idle},
}

// Standard builds the task lifecycle machine in the Idle state.
func Standard(h Hooks) *Machine {
	m := New()
	for _, kind := range Kinds() {
		m.AddState(&State{Kind: kind, OnEnter: h.Enter[kind], OnExit: h.Exit[kind]})
	}
	for _, row := range standardTable {
		// the table only references registered kinds
		_ = m.AddTransition(row.from, row.trigger, row.to)
	}
	_ = m.SetInitial(Idle)
	return m
}
