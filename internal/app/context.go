// Package app wires the orchestration services from a config. Nothing in
// vista is a process-wide singleton; every caller builds its own Services.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"vista/internal/config"
	"vista/internal/controller"
	"vista/internal/db"
	"vista/internal/decision"
	"vista/internal/device"
	"vista/internal/domain"
	"vista/internal/events"
	"vista/internal/migrate"
	"vista/internal/monitor"
	"vista/internal/repo"
	"vista/internal/rules"
)

type Options struct {
	// Devices replaces the simulated device when any collaborator is set.
	Devices device.Collaborators
	Logger  *slog.Logger
	Now     func() time.Time
}

// Services is the wired core: the controller runs steps through the
// dispatcher, the monitor feeds readings to the decision maker and faults
// the controller, and all three record into the optional audit repo.
type Services struct {
	Config     *config.Config
	Log        *slog.Logger
	Rules      *rules.Engine
	Decisions  *decision.Maker
	Controller *controller.Controller
	Monitor    *monitor.Monitor
	Dispatcher *device.Dispatcher
	Requests   *monitor.RequestStats
	// Simulator is nil when real devices were supplied.
	Simulator *device.Simulator
	// Repo is nil when storage is disabled.
	Repo *repo.Repo

	now func() time.Time
	db  *sql.DB
}

// Build constructs and wires every service. The monitor is not started.
func Build(cfg *config.Config, opts Options) (*Services, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Services{Config: cfg, Log: logger, now: now}

	devs := opts.Devices
	if devs.Scene == nil && devs.Perception == nil && devs.Speech == nil && devs.Haptics == nil {
		s.Simulator = device.NewSimulator()
		devs = s.Simulator.Collaborators()
	}
	s.Dispatcher = device.NewDispatcher(devs, logger)

	s.Rules = rules.NewEngine(logger)
	if err := s.Rules.AddRules(cfg.Rules); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	s.Decisions = decision.NewMaker(s.Rules, decision.Config{
		MaxPlans:        cfg.Decision.MaxPlans,
		RecentSize:      cfg.Decision.RecentSize,
		DefaultDuration: cfg.Decision.DefaultDuration,
		Durations:       cfg.Decision.Durations,
	}, logger)
	s.Decisions.Now = now

	s.Controller = controller.New(s.Dispatcher, controller.Config{
		StepTimeoutFactor: cfg.Controller.StepTimeoutFactor,
		MinStepTimeout:    cfg.Controller.MinStepTimeout,
		ArchiveSize:       cfg.Controller.ArchiveSize,
	}, logger)
	s.Controller.Now = now
	if err := s.Controller.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize controller: %w", err)
	}

	s.Requests = monitor.NewRequestStats(cfg.Monitor.RequestWindow)
	sources := monitor.MultiSource{
		"runtime":  &monitor.RuntimeSource{MemoryBudget: uint64(cfg.Monitor.MemoryBudgetMB) << 20},
		"requests": s.Requests,
	}
	if devs.Perception != nil {
		sources["sensors"] = monitor.SensorSource{Perception: devs.Perception}
	}
	s.Monitor = monitor.New(sources, monitor.Config{
		Interval:      cfg.Monitor.Interval,
		AlertCapacity: cfg.Monitor.AlertCapacity,
		HistorySize:   cfg.Monitor.HistorySize,
		Thresholds:    cfg.Monitor.Thresholds,
		FaultSources:  cfg.Monitor.FaultSources,
	}, logger)
	s.Monitor.Now = now
	s.Monitor.SetFaulter(s.Controller)
	s.Monitor.Observe(func(snap monitor.Snapshot) {
		s.Decisions.ObserveMetrics(snap.Values())
	})

	if cfg.Storage.Enabled {
		if err := s.openStorage(cfg.Storage.Workspace); err != nil {
			return nil, err
		}
	}
	logger.Debug("services built", "rules", len(cfg.Rules), "storage", cfg.Storage.Enabled, "simulated", s.Simulator != nil)
	return s, nil
}

func (s *Services) openStorage(workspace string) error {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return fmt.Errorf("migrate storage: %w", err)
	}
	s.db = conn
	s.Repo = &repo.Repo{DB: conn, Events: events.Writer{Now: s.now}}
	s.Controller.Recorder = s.Repo
	s.Monitor.Recorder = s.Repo
	s.Decisions.Recorder = s.Repo
	return nil
}

// Start launches the monitor loop when the config asks for it.
func (s *Services) Start(ctx context.Context) {
	if s.Config.Monitor.AutoStart {
		s.StartMonitor(ctx)
	}
}

// StartMonitor starts the loop and records the event. It reports whether the
// loop was newly started.
func (s *Services) StartMonitor(ctx context.Context) bool {
	started := s.Monitor.Start(ctx)
	if started {
		s.event(context.WithoutCancel(ctx), events.MonitorStarted, "monitor", "", events.EventPayload{
			"interval": s.Config.Monitor.Interval.String(),
		})
	}
	return started
}

// StopMonitor stops the loop and records the event.
func (s *Services) StopMonitor(ctx context.Context) bool {
	stopped := s.Monitor.Stop()
	if stopped {
		s.event(ctx, events.MonitorStopped, "monitor", "", nil)
	}
	return stopped
}

// AddRule adds a rule at runtime and records it.
func (s *Services) AddRule(ctx context.Context, r rules.Rule) error {
	if err := s.Rules.AddRule(r); err != nil {
		return err
	}
	s.event(ctx, events.RuleAdded, "rule", rules.NormalizeID(r.ID), events.EventPayload{
		"action":   r.Action,
		"priority": r.Priority,
	})
	return nil
}

// RemoveRule drops a rule at runtime and records it.
func (s *Services) RemoveRule(ctx context.Context, id string) error {
	if err := s.Rules.RemoveRule(id); err != nil {
		return err
	}
	s.event(ctx, events.RuleRemoved, "rule", rules.NormalizeID(id), nil)
	return nil
}

func (s *Services) event(ctx context.Context, evtType, kind, id string, payload events.EventPayload) {
	if s.Repo == nil {
		return
	}
	if err := s.Repo.AppendEvent(ctx, evtType, kind, id, payload); err != nil {
		s.Log.Warn("append event", "type", evtType, "err", err)
	}
}

// Close stops the monitor and closes storage.
func (s *Services) Close() error {
	s.Monitor.Stop()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ErrInvalidReport wraps error report validation failures.
var ErrInvalidReport = errors.New("invalid error report")

var recoverySuggestions = map[string]string{
	"sensor_failure":   "check sensor connections and restart the perception pipeline",
	"camera_failure":   "clean the lens and restart the camera; fall back to audio guidance",
	"network_error":    "retry with backoff and continue in offline mode",
	"timeout":          "retry the step with a longer timeout",
	"low_battery":      "finish the current task and guide the user to a charger",
	"navigation_error": "stop, re-localize and re-plan the route",
	"speech_failure":   "switch feedback to haptic patterns",
	"haptic_failure":   "switch feedback to speech",
}

const defaultSuggestion = "record the error and notify the user"

// RecoverySuggestion returns the remedy for an error type.
func RecoverySuggestion(errorType string) string {
	if s, ok := recoverySuggestions[strings.ToLower(errorType)]; ok {
		return s
	}
	return defaultSuggestion
}

var severities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// onActiveTask reports whether taskID names the running task. An empty id
// refers to whatever is running.
func (s *Services) onActiveTask(taskID string) bool {
	st := s.Controller.Status()
	if !st.Executing || st.Task == nil {
		return false
	}
	return taskID == "" || taskID == st.Task.ID
}

// ReportError records an error report with its recovery suggestion. A
// critical report on the running task raises a critical task alert, which the
// monitor turns into a fault; other critical reports raise an error alert.
func (s *Services) ReportError(ctx context.Context, rep domain.ErrorReport) (domain.ErrorReport, error) {
	if strings.TrimSpace(rep.ErrorType) == "" || strings.TrimSpace(rep.Message) == "" {
		return domain.ErrorReport{}, fmt.Errorf("%w: error_type and message are required", ErrInvalidReport)
	}
	rep.Severity = strings.ToLower(rep.Severity)
	if rep.Severity == "" {
		rep.Severity = "medium"
	}
	if !severities[rep.Severity] {
		return domain.ErrorReport{}, fmt.Errorf("%w: severity %q", ErrInvalidReport, rep.Severity)
	}
	rep.ID = "err-" + uuid.NewString()
	rep.Status = "recorded"
	rep.RecoverySuggestion = RecoverySuggestion(rep.ErrorType)
	rep.Timestamp = s.now().UTC()

	if s.Repo != nil {
		if err := s.Repo.RecordErrorReport(ctx, rep); err != nil {
			s.Log.Warn("record error report", "error_id", rep.ID, "err", err)
		}
	}
	s.Log.Warn("error reported", "error_id", rep.ID, "task_id", rep.TaskID, "error_type", rep.ErrorType, "severity", rep.Severity)

	if rep.Severity == "critical" {
		level := domain.AlertError
		if s.onActiveTask(rep.TaskID) {
			level = domain.AlertCritical
			rep.Status = "escalated"
		}
		msg := fmt.Sprintf("%s: %s", rep.ErrorType, rep.Message)
		if rep.TaskID != "" {
			msg = fmt.Sprintf("task %s %s", rep.TaskID, msg)
		}
		s.Monitor.Raise(ctx, domain.Alert{Level: level, Source: monitor.SourceTask, Message: msg})
	}
	return rep, nil
}
