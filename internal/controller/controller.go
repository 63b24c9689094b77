// Package controller owns the task lifecycle: it plans tasks from action
// plans, executes their steps under the lifecycle state machine and accepts
// control commands and faults while a task runs.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vista/internal/domain"
	"vista/internal/fsm"
)

// StepRunner performs one step. Runners should honour ctx, but the
// controller enforces step timeouts either way.
type StepRunner interface {
	Run(ctx context.Context, step domain.TaskStep) error
}

// Recorder persists finished tasks. Failures are logged, not returned.
type Recorder interface {
	RecordTask(ctx context.Context, t domain.Task) error
}

type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

type Config struct {
	// StepTimeoutFactor scales a plan's estimated duration into a step timeout.
	StepTimeoutFactor float64
	// MinStepTimeout floors every planned step timeout.
	MinStepTimeout time.Duration
	// ArchiveSize bounds how many finished tasks stay queryable.
	ArchiveSize int
}

func DefaultConfig() Config {
	return Config{
		StepTimeoutFactor: 3,
		MinStepTimeout:    2 * time.Second,
		ArchiveSize:       100,
	}
}

// TaskConfig describes a task to plan.
type TaskConfig struct {
	Name        string
	Type        domain.TaskType
	Priority    domain.TaskPriority
	Description string
	DecisionID  string
	Plans       []domain.ActionPlan
	// Timeout caps the whole task in seconds; zero means none.
	Timeout float64
}

type Status struct {
	State      fsm.StateKind `json:"state"`
	Task       *domain.Task  `json:"current_task,omitempty"`
	QueueDepth int           `json:"queue_depth"`
	Executing  bool          `json:"executing"`
	Archived   int           `json:"archived_tasks"`
	Timestamp  time.Time     `json:"timestamp"`
}

type Result struct {
	TaskID    string        `json:"task_id"`
	Action    Action        `json:"action"`
	Result    string        `json:"result"`
	State     fsm.StateKind `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

// Controller serializes every transition, control command and status read
// through one RWMutex. Step execution happens outside the lock.
type Controller struct {
	Runner   StepRunner
	Recorder Recorder
	Now      func() time.Time

	cfg Config
	log *slog.Logger

	mu         sync.RWMutex
	machine    *fsm.Machine
	current    *domain.Task
	active     bool
	pending    []*domain.Task
	archive    []domain.Task
	stepStop   context.CancelFunc
	wake       chan struct{}
	unrecorded []domain.Task
}

// New returns a controller whose machine is not wired yet; call Initialize.
func New(runner StepRunner, cfg Config, logger *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.StepTimeoutFactor <= 0 {
		cfg.StepTimeoutFactor = def.StepTimeoutFactor
	}
	if cfg.MinStepTimeout <= 0 {
		cfg.MinStepTimeout = def.MinStepTimeout
	}
	if cfg.ArchiveSize <= 0 {
		cfg.ArchiveSize = def.ArchiveSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		Runner:  runner,
		Now:     time.Now,
		cfg:     cfg,
		log:     logger.With("component", "controller"),
		machine: fsm.New(),
		wake:    make(chan struct{}),
	}
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Initialize wires the lifecycle machine and puts it in IDLE. Calling it again
// rewires the machine; it fails with ErrBusy while a task is active.
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrBusy
	}
	enter := map[fsm.StateKind]fsm.Hook{}
	for _, kind := range fsm.Kinds() {
		enter[kind] = c.onEnter
	}
	c.machine = fsm.Standard(fsm.Hooks{Enter: enter})
	c.log.Debug("state machine initialized")
	return nil
}

func (c *Controller) onEnter(fc *fsm.Context) error {
	c.log.Debug("state entered", "task_id", fc.TaskID, "trigger", fc.Trigger, "from", fc.From, "to", fc.To)
	return nil
}

func (c *Controller) state() fsm.StateKind {
	kind, _ := c.machine.Current()
	return kind
}

// PlanTask builds a pending task whose steps follow the plans in priority
// order. It does not touch the state machine.
func (c *Controller) PlanTask(cfg TaskConfig) (domain.Task, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return domain.Task{}, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if len(cfg.Plans) == 0 {
		return domain.Task{}, fmt.Errorf("%w: at least one action plan is required", ErrInvalidTask)
	}
	if cfg.Priority != "" && !domain.ValidPriority(cfg.Priority) {
		return domain.Task{}, fmt.Errorf("%w: priority %q", ErrInvalidTask, cfg.Priority)
	}
	if cfg.Timeout < 0 {
		return domain.Task{}, fmt.Errorf("%w: timeout must be >= 0", ErrInvalidTask)
	}
	plans := make([]domain.ActionPlan, len(cfg.Plans))
	copy(plans, cfg.Plans)
	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].Priority > plans[j].Priority
	})

	now := c.now()
	t := domain.Task{
		ID:          uuid.NewString(),
		Name:        cfg.Name,
		Type:        cfg.Type,
		Priority:    cfg.Priority,
		Description: cfg.Description,
		DecisionID:  cfg.DecisionID,
		Status:      domain.TaskPending,
		Timeout:     cfg.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Type == "" {
		t.Type = domain.TaskAssistance
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityFor(plans[0].Priority)
	}
	for i, p := range plans {
		if strings.TrimSpace(p.ActionType) == "" {
			return domain.Task{}, fmt.Errorf("%w: plan %d has no action type", ErrInvalidTask, i)
		}
		t.Steps = append(t.Steps, domain.TaskStep{
			ID:         fmt.Sprintf("step-%d", i+1),
			Name:       strings.ReplaceAll(p.ActionType, "_", " "),
			Action:     p.ActionType,
			Parameters: p.Parameters,
			Order:      i + 1,
			Status:     domain.TaskPending,
			Timeout:    c.stepTimeout(p).Seconds(),
		})
	}
	c.mu.Lock()
	queued := t.Clone()
	c.pending = append(c.pending, &queued)
	c.mu.Unlock()
	c.log.Info("task planned", "task_id", t.ID, "steps", len(t.Steps), "priority", t.Priority)
	return t, nil
}

func (c *Controller) stepTimeout(p domain.ActionPlan) time.Duration {
	d := domain.Seconds(p.EstimatedDuration * c.cfg.StepTimeoutFactor)
	if d < c.cfg.MinStepTimeout {
		return c.cfg.MinStepTimeout
	}
	return d
}

// ExecuteTask runs task to completion. It returns nil on success, the step
// error on failure, ErrCancelled when cancelled and a *TaskFailedError when a
// fault or the task timeout ended it. A machine left in COMPLETED or ERROR by
// the previous task is reset first.
func (c *Controller) ExecuteTask(ctx context.Context, task domain.Task) error {
	t, err := c.begin(task)
	if err != nil {
		return err
	}
	return c.run(ctx, t)
}

// Submit starts a planned task in the background and returns its snapshot.
func (c *Controller) Submit(ctx context.Context, taskID string) (domain.Task, error) {
	c.mu.RLock()
	var queued *domain.Task
	for _, p := range c.pending {
		if p.ID == taskID {
			queued = p
			break
		}
	}
	var task domain.Task
	if queued != nil {
		task = queued.Clone()
	}
	c.mu.RUnlock()
	if queued == nil {
		return domain.Task{}, &UnknownTaskError{ID: taskID}
	}

	t, err := c.begin(task)
	if err != nil {
		return domain.Task{}, err
	}
	c.mu.RLock()
	snapshot := t.Clone()
	c.mu.RUnlock()
	go func() {
		if err := c.run(context.WithoutCancel(ctx), t); err != nil {
			c.log.Info("task ended", "task_id", t.ID, "err", err)
		}
	}()
	return snapshot, nil
}

func (c *Controller) begin(task domain.Task) (*domain.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := validateSteps(task.Steps); err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTask, task.ID, task.Status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kind, ok := c.machine.Current()
	if !ok {
		return nil, fsm.ErrUninitialized
	}
	if c.active {
		return nil, ErrBusy
	}
	switch kind {
	case fsm.Completed, fsm.Error:
		if err := c.machine.Transition(fsm.Reset); err != nil {
			return nil, err
		}
	case fsm.Idle:
	default:
		return nil, ErrBusy
	}

	for i, p := range c.pending {
		if p.ID == task.ID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	t := task.Clone()
	sort.SliceStable(t.Steps, func(i, j int) bool { return t.Steps[i].Order < t.Steps[j].Order })
	for i := range t.Steps {
		t.Steps[i].Status = domain.TaskPending
		t.Steps[i].StartedAt, t.Steps[i].FinishedAt, t.Steps[i].Error = nil, nil, ""
	}
	t.Status = domain.TaskRunning
	t.Progress = 0
	t.Error = ""
	t.UpdatedAt = c.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	c.current = &t
	c.active = true
	c.machine.Context().TaskID = t.ID

	for _, trig := range []fsm.Trigger{fsm.Start, fsm.Complete, fsm.Complete} {
		if err := c.machine.Transition(trig); err != nil {
			c.failLocked(&t, err.Error())
			return nil, err
		}
	}
	c.log.Info("task started", "task_id", t.ID, "steps", len(t.Steps))
	return &t, nil
}

func validateSteps(steps []domain.TaskStep) error {
	seen := map[int]bool{}
	ids := map[string]bool{}
	for _, s := range steps {
		if strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("%w: step %s has no action", ErrInvalidTask, s.ID)
		}
		if seen[s.Order] {
			return fmt.Errorf("%w: duplicate step order %d", ErrInvalidTask, s.Order)
		}
		if s.ID == "" || ids[s.ID] {
			return fmt.Errorf("%w: step ids must be unique and non-empty", ErrInvalidTask)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("%w: step %s timeout must be >= 0", ErrInvalidTask, s.ID)
		}
		seen[s.Order] = true
		ids[s.ID] = true
	}
	return nil
}

func (c *Controller) run(ctx context.Context, t *domain.Task) error {
	if d := domain.Seconds(t.Timeout); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	defer c.flush(context.WithoutCancel(ctx))

	for i := 0; ; i++ {
		step, stepCtx, done, err := c.next(ctx, t, i)
		if done {
			return err
		}
		err = c.runStep(stepCtx, step)
		if done, err := c.finishStep(ctx, t, i, err); done {
			return err
		}
	}
}

// next waits out a pause, then either completes the task (i past the last
// step) or marks step i running and returns it.
func (c *Controller) next(ctx context.Context, t *domain.Task, i int) (domain.TaskStep, context.Context, bool, error) {
	for {
		c.mu.Lock()
		if t.Status.Terminal() {
			c.mu.Unlock()
			return domain.TaskStep{}, nil, true, outcome(t)
		}
		if err := ctx.Err(); err != nil {
			c.abortLocked(t, err)
			c.mu.Unlock()
			return domain.TaskStep{}, nil, true, outcome(t)
		}
		if c.state() == fsm.Paused {
			wake := c.wake
			c.mu.Unlock()
			select {
			case <-wake:
			case <-ctx.Done():
			}
			continue
		}
		if i >= len(t.Steps) {
			err := c.completeLocked(t)
			c.mu.Unlock()
			return domain.TaskStep{}, nil, true, err
		}
		step := &t.Steps[i]
		started := c.now()
		step.Status = domain.TaskRunning
		step.StartedAt = &started
		t.UpdatedAt = started
		stepCtx, cancel := context.WithCancel(ctx)
		c.stepStop = cancel
		snapshot := t.Clone().Steps[i]
		c.mu.Unlock()
		return snapshot, stepCtx, false, nil
	}
}

// runStep caps the step at its timeout even when the runner ignores ctx.
func (c *Controller) runStep(stepCtx context.Context, step domain.TaskStep) error {
	if c.Runner == nil {
		return errors.New("no step runner configured")
	}
	runCtx := stepCtx
	if d := step.TimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(stepCtx, d)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() {
		done <- c.Runner.Run(runCtx, step)
	}()
	timedOut := func() bool {
		return stepCtx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	}
	select {
	case err := <-done:
		if err != nil && timedOut() {
			return &StepTimeoutError{StepID: step.ID, Action: step.Action, Timeout: step.TimeoutDuration()}
		}
		return err
	case <-runCtx.Done():
		if timedOut() {
			return &StepTimeoutError{StepID: step.ID, Action: step.Action, Timeout: step.TimeoutDuration()}
		}
		return stepCtx.Err()
	}
}

func (c *Controller) finishStep(ctx context.Context, t *domain.Task, i int, runErr error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Status.Terminal() {
		// cancelled or faulted while the step was in flight
		return true, outcome(t)
	}
	c.stopStep()
	step := &t.Steps[i]
	finished := c.now()
	step.FinishedAt = &finished
	t.UpdatedAt = finished

	if runErr != nil && ctx.Err() != nil {
		c.abortLocked(t, ctx.Err())
		return true, outcome(t)
	}
	if runErr != nil {
		step.Status = domain.TaskFailed
		step.Error = runErr.Error()
		c.log.Warn("step failed", "task_id", t.ID, "step_id", step.ID, "action", step.Action, "err", runErr)
		c.failLocked(t, fmt.Sprintf("step %s: %v", step.ID, runErr))
		return true, fmt.Errorf("step %s (%s): %w", step.ID, step.Action, runErr)
	}
	step.Status = domain.TaskCompleted
	if p := float64(i+1) / float64(len(t.Steps)); p > t.Progress {
		t.Progress = p
	}
	c.log.Debug("step completed", "task_id", t.ID, "step_id", step.ID, "progress", t.Progress)
	return false, nil
}

func (c *Controller) completeLocked(t *domain.Task) error {
	if err := c.machine.Transition(fsm.Complete); err != nil {
		c.failLocked(t, err.Error())
		return err
	}
	t.Status = domain.TaskCompleted
	t.Progress = 1
	t.UpdatedAt = c.now()
	c.finishLocked(t)
	c.log.Info("task completed", "task_id", t.ID)
	return nil
}

// failLocked marks t FAILED and drives the machine to ERROR when it can.
func (c *Controller) failLocked(t *domain.Task, reason string) {
	if c.machine.Can(fsm.Fail) {
		if err := c.machine.Transition(fsm.Fail); err != nil {
			c.log.Warn("error transition", "task_id", t.ID, "err", err)
		}
	}
	t.Status = domain.TaskFailed
	t.Error = reason
	c.settleSteps(t, domain.TaskFailed, reason)
	c.stopStep()
	c.finishLocked(t)
	c.log.Warn("task failed", "task_id", t.ID, "reason", reason)
}

// cancelLocked marks t CANCELLED and walks the machine through error and
// reset so it lands in IDLE.
func (c *Controller) cancelLocked(t *domain.Task) error {
	if !c.machine.Can(fsm.Fail) {
		return &fsm.InvalidTransitionError{From: c.state(), Trigger: fsm.Trigger(ActionCancel)}
	}
	if err := c.machine.Transition(fsm.Fail); err != nil {
		return err
	}
	if err := c.machine.Transition(fsm.Reset); err != nil {
		return err
	}
	t.Status = domain.TaskCancelled
	c.settleSteps(t, domain.TaskCancelled, "")
	c.stopStep()
	c.finishLocked(t)
	c.log.Info("task cancelled", "task_id", t.ID)
	return nil
}

// abortLocked ends t after its context ended: a deadline is a failure,
// anything else a cancellation.
func (c *Controller) abortLocked(t *domain.Task, cause error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		c.failLocked(t, "task timeout exceeded")
		return
	}
	if err := c.cancelLocked(t); err != nil {
		c.failLocked(t, cause.Error())
	}
}

// settleSteps closes out unfinished steps. The in-flight step takes status
// inflight; steps never started are cancelled.
func (c *Controller) settleSteps(t *domain.Task, inflight domain.TaskStatus, reason string) {
	now := c.now()
	for i := range t.Steps {
		s := &t.Steps[i]
		switch s.Status {
		case domain.TaskRunning:
			s.Status = inflight
			s.Error = reason
			s.FinishedAt = &now
		case domain.TaskPending, "":
			s.Status = domain.TaskCancelled
		}
	}
}

// stopStep cancels the in-flight step of the active task, if any.
func (c *Controller) stopStep() {
	if c.stepStop != nil {
		c.stepStop()
		c.stepStop = nil
	}
}

func (c *Controller) finishLocked(t *domain.Task) {
	t.UpdatedAt = c.now()
	c.active = false
	c.archiveLocked(t.Clone())
	c.signal()
}

func (c *Controller) archiveLocked(t domain.Task) {
	c.archive = append(c.archive, t)
	if over := len(c.archive) - c.cfg.ArchiveSize; over > 0 {
		c.archive = append(c.archive[:0:0], c.archive[over:]...)
	}
	c.unrecorded = append(c.unrecorded, t)
}

// signal wakes every executor waiting on a pause.
func (c *Controller) signal() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func outcome(t *domain.Task) error {
	switch t.Status {
	case domain.TaskCompleted:
		return nil
	case domain.TaskCancelled:
		return ErrCancelled
	}
	return &TaskFailedError{Reason: t.Error}
}

func (c *Controller) flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.unrecorded
	c.unrecorded = nil
	c.mu.Unlock()
	if c.Recorder == nil {
		return
	}
	for _, t := range batch {
		if err := c.Recorder.RecordTask(ctx, t); err != nil {
			c.log.Warn("record task", "task_id", t.ID, "err", err)
		}
	}
}

// Control applies pause, resume or cancel to the current task. Cancel also
// removes a queued task that has not started.
func (c *Controller) Control(ctx context.Context, taskID string, action Action) (Result, error) {
	res, err := c.control(taskID, action)
	c.flush(ctx)
	return res, err
}

func (c *Controller) control(taskID string, action Action) (Result, error) {
	switch action {
	case ActionPause, ActionResume, ActionCancel:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.machine.Current(); !ok {
		return Result{}, fsm.ErrUninitialized
	}

	if c.current == nil || c.current.ID != taskID {
		if action == ActionCancel {
			for i, p := range c.pending {
				if p.ID != taskID {
					continue
				}
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				p.Status = domain.TaskCancelled
				c.settleSteps(p, domain.TaskCancelled, "")
				p.UpdatedAt = c.now()
				c.archiveLocked(p.Clone())
				return c.result(taskID, action), nil
			}
		}
		return Result{}, &UnknownTaskError{ID: taskID}
	}

	t := c.current
	if t.Status.Terminal() {
		return Result{}, &fsm.InvalidTransitionError{From: c.state(), Trigger: fsm.Trigger(action)}
	}
	switch action {
	case ActionPause:
		if err := c.machine.Transition(fsm.Pause); err != nil {
			return Result{}, err
		}
		t.Status = domain.TaskPaused
	case ActionResume:
		if err := c.machine.Transition(fsm.Resume); err != nil {
			return Result{}, err
		}
		t.Status = domain.TaskRunning
	case ActionCancel:
		if err := c.cancelLocked(t); err != nil {
			return Result{}, err
		}
	}
	t.UpdatedAt = c.now()
	c.signal()
	c.log.Info("task control", "task_id", taskID, "action", action, "state", c.state())
	return c.result(taskID, action), nil
}

func (c *Controller) result(taskID string, action Action) Result {
	return Result{TaskID: taskID, Action: action, Result: "success", State: c.state(), Timestamp: c.now()}
}

// Fault drives the machine to ERROR and fails the active task with reason.
// It is the monitor's entry point for critical task-health alerts.
func (c *Controller) Fault(reason string) error {
	err := c.fault(reason)
	c.flush(context.Background())
	return err
}

func (c *Controller) fault(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.machine.Current(); !ok {
		return fsm.ErrUninitialized
	}
	if !c.machine.Can(fsm.Fail) {
		return &fsm.InvalidTransitionError{From: c.state(), Trigger: fsm.Fail}
	}
	if c.current != nil && !c.current.Status.Terminal() {
		c.failLocked(c.current, reason)
		return nil
	}
	return c.machine.Transition(fsm.Fail)
}

// Transition fires trigger directly. It is refused while a task is active.
func (c *Controller) Transition(trigger fsm.Trigger) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrBusy
	}
	return c.machine.Transition(trigger)
}

// Status returns a consistent snapshot taken under the read lock.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		State:      c.state(),
		QueueDepth: len(c.pending),
		Executing:  c.active,
		Archived:   len(c.archive),
		Timestamp:  c.now(),
	}
	if c.current != nil {
		snapshot := c.current.Clone()
		st.Task = &snapshot
	}
	return st
}

// Task looks a task up among the current, queued and archived ones.
func (c *Controller) Task(id string) (domain.Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current != nil && c.current.ID == id {
		return c.current.Clone(), nil
	}
	for _, p := range c.pending {
		if p.ID == id {
			return p.Clone(), nil
		}
	}
	for i := len(c.archive) - 1; i >= 0; i-- {
		if c.archive[i].ID == id {
			return c.archive[i].Clone(), nil
		}
	}
	return domain.Task{}, &UnknownTaskError{ID: id}
}

// Pending lists queued tasks in planning order.
func (c *Controller) Pending() []domain.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Task, len(c.pending))
	for i, p := range c.pending {
		out[i] = p.Clone()
	}
	return out
}

// Archive returns up to n finished tasks, newest last.
func (c *Controller) Archive(n int) []domain.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 0
	if n > 0 && len(c.archive) > n {
		start = len(c.archive) - n
	}
	out := make([]domain.Task, 0, len(c.archive)-start)
	for _, t := range c.archive[start:] {
		out = append(out, t.Clone())
	}
	return out
}
