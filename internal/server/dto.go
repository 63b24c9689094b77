package server

import (
	"time"

	"vista/internal/controller"
	"vista/internal/domain"
	"vista/internal/monitor"
	"vista/internal/rules"
)

// Request payloads

type PlanInput struct {
	ActionType        string         `json:"action_type" minLength:"1"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	Priority          float64        `json:"priority,omitempty" minimum:"0" maximum:"1"`
	EstimatedDuration float64        `json:"estimated_duration,omitempty" minimum:"0" maximum:"86400" doc:"seconds"`
}

type PlanTaskRequest struct {
	Name        string              `json:"name" minLength:"1"`
	Type        domain.TaskType     `json:"type,omitempty" enum:"scene_analysis,object_detection,text_recognition,navigation,interaction,assistance"`
	Priority    domain.TaskPriority `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Description string              `json:"description,omitempty"`
	DecisionID  string              `json:"decision_id,omitempty" doc:"plan from a recent decision when plans is empty"`
	Plans       []PlanInput         `json:"plans,omitempty"`
	Timeout     float64             `json:"timeout,omitempty" minimum:"0" maximum:"86400" doc:"seconds"`
}

type ControlRequest struct {
	Action controller.Action `json:"action" enum:"pause,resume,cancel"`
}

type DecisionRequest struct {
	Scene        domain.Scene        `json:"scene"`
	DecisionType domain.DecisionType `json:"decision_type,omitempty" enum:"navigation,interaction,safety,assistance"`
	Readings     map[string]float64  `json:"readings,omitempty" doc:"metric readings merged into the decision context"`
}

type ErrorReportRequest struct {
	TaskID    string `json:"task_id,omitempty"`
	StepID    string `json:"step_id,omitempty"`
	ErrorType string `json:"error_type" minLength:"1"`
	Message   string `json:"message" minLength:"1"`
	Severity  string `json:"severity,omitempty" doc:"low, medium, high or critical"`
}

// Response payloads

type HealthResponse struct {
	Status string    `json:"status"`
	State  string    `json:"state"`
	Time   time.Time `json:"timestamp"`
	Uptime float64   `json:"uptime" doc:"seconds"`
}

type TaskStatusResponse struct {
	TaskID     string            `json:"task_id"`
	Status     domain.TaskStatus `json:"status"`
	Progress   float64           `json:"progress"`
	LastUpdate time.Time         `json:"last_update"`
	Error      string            `json:"error,omitempty"`
}

type ExecuteResponse struct {
	TaskID string            `json:"task_id"`
	Status domain.TaskStatus `json:"status"`
}

// Schema names must be unique across packages.
type (
	ControllerStatus controller.Status
	MonitorStatus    monitor.Status
	EngineStatus     rules.Status
)

type StatusResponse struct {
	Controller ControllerStatus `json:"controller"`
	Monitor    MonitorStatus    `json:"monitor"`
	Rules      EngineStatus     `json:"rules"`
}

type MetricsResponse struct {
	CPUUsage       *float64  `json:"cpu_usage,omitempty"`
	MemoryUsage    *float64  `json:"memory_usage,omitempty"`
	BatteryLevel   *float64  `json:"battery_level,omitempty"`
	NetworkLatency *float64  `json:"network_latency,omitempty" doc:"milliseconds"`
	ErrorRate      *float64  `json:"error_rate,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type AlertsResponse struct {
	Items []domain.Alert `json:"items"`
}

type MonitorToggleResponse struct {
	IsMonitoring bool `json:"is_monitoring"`
	Changed      bool `json:"changed"`
}

type RulesResponse struct {
	Enabled    bool         `json:"enabled"`
	RulesCount int          `json:"rules_count"`
	Rules      []rules.Rule `json:"rules"`
}

type ErrorReportResponse struct {
	ErrorID            string    `json:"error_id"`
	Status             string    `json:"status"`
	RecoverySuggestion string    `json:"recovery_suggestion"`
	Timestamp          time.Time `json:"timestamp"`
}

type EventsResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func taskStatusResponse(t domain.Task) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:     t.ID,
		Status:     t.Status,
		Progress:   t.Progress,
		LastUpdate: t.UpdatedAt,
		Error:      t.Error,
	}
}

func metricsResponse(s monitor.Snapshot) MetricsResponse {
	out := MetricsResponse{Timestamp: s.Timestamp}
	for k, v := range s.Values() {
		v := v
		switch k {
		case domain.MetricCPUUsage:
			out.CPUUsage = &v
		case domain.MetricMemoryUsage:
			out.MemoryUsage = &v
		case domain.MetricBattery:
			out.BatteryLevel = &v
		case domain.MetricLatency:
			out.NetworkLatency = &v
		case domain.MetricErrorRate:
			out.ErrorRate = &v
		}
	}
	return out
}

func plansFromInput(in []PlanInput) []domain.ActionPlan {
	out := make([]domain.ActionPlan, 0, len(in))
	for _, p := range in {
		out = append(out, domain.ActionPlan{
			ActionType:        p.ActionType,
			Parameters:        p.Parameters,
			Priority:          p.Priority,
			EstimatedDuration: p.EstimatedDuration,
		})
	}
	return out
}
