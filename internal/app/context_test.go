package app

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vista/internal/config"
	"vista/internal/controller"
	"vista/internal/domain"
	"vista/internal/fsm"
	"vista/internal/repo"
	"vista/internal/rules"
)

func build(t *testing.T, storage bool) *Services {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Enabled = storage
	cfg.Storage.Workspace = t.TempDir()
	s, err := Build(cfg, Options{Logger: NewLogger(&bytes.Buffer{}, "debug", true)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildWiresDecisionToExecution(t *testing.T) {
	s := build(t, true)
	ctx := context.Background()
	require.NotNil(t, s.Simulator)
	s.Simulator.SetBattery(10)

	s.Monitor.RunCycle(ctx)
	v, ok := s.Decisions.LiveContext().Metrics[domain.MetricBattery]
	require.True(t, ok, "monitor readings reach the decision context")
	assert.InDelta(t, 10, v, 1e-9)

	d, err := s.Decisions.MakeDecision(ctx, domain.Scene{Type: domain.SceneIndoor}, domain.DecisionSafety)
	require.NoError(t, err)
	require.NotEmpty(t, d.ActionPlans)
	assert.Equal(t, "notify_low_battery", d.ActionPlans[0].ActionType)

	task, err := s.Controller.PlanTask(controller.TaskConfig{Name: "battery", DecisionID: d.ID, Plans: s.Decisions.GenerateActionPlan(d)})
	require.NoError(t, err)
	require.NoError(t, s.Controller.ExecuteTask(ctx, task))
	assert.Equal(t, fsm.Completed, s.Controller.Status().State)
	assert.Contains(t, s.Simulator.Calls(), "synthesize")

	require.NotNil(t, s.Repo)
	stored, err := s.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, stored.Status)
	_, err = s.Repo.GetDecision(ctx, d.ID)
	require.NoError(t, err)
}

func TestCriticalReportFaultsRunningTask(t *testing.T) {
	s := build(t, true)
	ctx := context.Background()
	s.Simulator.Delay = 5 * time.Second

	task, err := s.Controller.PlanTask(controller.TaskConfig{Name: "guide", Plans: []domain.ActionPlan{{ActionType: "guide_crossing", Priority: 0.7, EstimatedDuration: 5}}})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Controller.ExecuteTask(ctx, task) }()
	require.Eventually(t, func() bool {
		st := s.Controller.Status()
		return st.Executing && len(st.Task.Steps) > 0 && st.Task.Steps[0].Status == domain.TaskRunning
	}, 2*time.Second, time.Millisecond)

	rep, err := s.ReportError(ctx, domain.ErrorReport{TaskID: task.ID, ErrorType: "camera_failure", Message: "lens blocked", Severity: "CRITICAL"})
	require.NoError(t, err)
	assert.Equal(t, "escalated", rep.Status)
	assert.Equal(t, RecoverySuggestion("camera_failure"), rep.RecoverySuggestion)

	select {
	case err := <-done:
		var tfe *controller.TaskFailedError
		require.True(t, errors.As(err, &tfe), "got %v", err)
		assert.Contains(t, tfe.Reason, "lens blocked")
	case <-time.After(3 * time.Second):
		t.Fatal("task was not faulted")
	}
	assert.Equal(t, fsm.Error, s.Controller.Status().State)

	alerts, err := s.Repo.ListAlerts(ctx, repo.AlertFilters{Source: "task"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertCritical, alerts[0].Level)
	reps, err := s.Repo.ListErrorReports(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.Len(t, reps, 1)
}

func TestCriticalReportWithoutRunningTaskDoesNotFault(t *testing.T) {
	s := build(t, false)
	rep, err := s.ReportError(context.Background(), domain.ErrorReport{ErrorType: "mystery", Message: "?", Severity: "critical"})
	require.NoError(t, err)
	assert.Equal(t, "recorded", rep.Status)
	assert.Equal(t, defaultSuggestion, rep.RecoverySuggestion)
	assert.Equal(t, fsm.Idle, s.Controller.Status().State)
	alerts := s.Monitor.Alerts(0)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertError, alerts[0].Level)
}

func TestReportErrorValidation(t *testing.T) {
	s := build(t, false)
	_, err := s.ReportError(context.Background(), domain.ErrorReport{Message: "x"})
	assert.ErrorIs(t, err, ErrInvalidReport)
	_, err = s.ReportError(context.Background(), domain.ErrorReport{ErrorType: "timeout", Message: "x", Severity: "apocalyptic"})
	assert.ErrorIs(t, err, ErrInvalidReport)
	rep, err := s.ReportError(context.Background(), domain.ErrorReport{ErrorType: "timeout", Message: "x"})
	require.NoError(t, err)
	assert.Equal(t, "medium", rep.Severity)
	assert.Contains(t, rep.ID, "err-")
}

func TestMonitorLifecycleAndRuleEvents(t *testing.T) {
	s := build(t, true)
	ctx := context.Background()
	assert.True(t, s.StartMonitor(ctx))
	assert.False(t, s.StartMonitor(ctx))
	assert.True(t, s.StopMonitor(ctx))
	assert.False(t, s.StopMonitor(ctx))

	require.NoError(t, s.AddRule(ctx, rules.Rule{ID: "late", Condition: rules.Leaf("hour", ">=", 22), Action: "notify_late", Priority: 0.2}))
	var dup *rules.DuplicateRuleError
	assert.ErrorAs(t, s.AddRule(ctx, rules.Rule{ID: "late", Action: "x", Priority: 0.1}), &dup)
	require.NoError(t, s.RemoveRule(ctx, "late"))
	var unknown *rules.UnknownRuleError
	assert.ErrorAs(t, s.RemoveRule(ctx, "late"), &unknown)

	monitorEvts, err := s.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: "monitor"})
	require.NoError(t, err)
	require.Len(t, monitorEvts, 2)
	assert.Equal(t, "monitor.stopped", monitorEvts[0].Type)
	assert.Equal(t, "monitor.started", monitorEvts[1].Type)

	ruleEvts, err := s.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: "rule", EntityID: "late"})
	require.NoError(t, err)
	require.Len(t, ruleEvts, 2)
	assert.Equal(t, "rule.removed", ruleEvts[0].Type)
	assert.Equal(t, "rule.added", ruleEvts[1].Type)
}

func TestBuildRejectsBadRules(t *testing.T) {
	cfg := config.Default()
	cfg.Rules = append(cfg.Rules, cfg.Rules[0])
	_, err := Build(cfg, Options{})
	var dup *rules.DuplicateRuleError
	assert.ErrorAs(t, err, &dup)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("warning").String())
	assert.Equal(t, "INFO", ParseLevel("loud").String())
}
