package domain

import (
	"math"
	"time"
)

// TaskStatus is the lifecycle status of a task or one of its steps.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further status change is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// PriorityFor maps a plan priority in [0,1] onto the task priority enum.
func PriorityFor(p float64) TaskPriority {
	switch {
	case p >= 0.9:
		return PriorityCritical
	case p >= 0.7:
		return PriorityHigh
	case p >= 0.4:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func ValidPriority(p TaskPriority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

type TaskType string

const (
	TaskSceneAnalysis   TaskType = "scene_analysis"
	TaskObjectDetection TaskType = "object_detection"
	TaskTextRecognition TaskType = "text_recognition"
	TaskNavigation      TaskType = "navigation"
	TaskInteraction     TaskType = "interaction"
	TaskAssistance      TaskType = "assistance"
)

type TaskStep struct {
	ID         string         `json:"step_id"`
	Name       string         `json:"name"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Order      int            `json:"order"`
	Status     TaskStatus     `json:"status" enum:"pending,running,completed,failed,cancelled"`
	Timeout    float64        `json:"timeout,omitempty" doc:"seconds"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// TimeoutDuration converts the step timeout; zero means no cap.
func (s TaskStep) TimeoutDuration() time.Duration {
	return Seconds(s.Timeout)
}

type Task struct {
	ID          string       `json:"task_id"`
	Name        string       `json:"name"`
	Type        TaskType     `json:"type"`
	Priority    TaskPriority `json:"priority" enum:"low,medium,high,critical"`
	Description string       `json:"description,omitempty"`
	DecisionID  string       `json:"decision_id,omitempty"`
	Steps       []TaskStep   `json:"steps"`
	Status      TaskStatus   `json:"status" enum:"pending,running,paused,completed,failed,cancelled"`
	Progress    float64      `json:"progress" minimum:"0" maximum:"1"`
	Error       string       `json:"error,omitempty"`
	Timeout     float64      `json:"timeout,omitempty" doc:"seconds"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Clone returns a deep copy so snapshots never alias controller state.
func (t Task) Clone() Task {
	out := t
	out.Steps = make([]TaskStep, len(t.Steps))
	for i, s := range t.Steps {
		cp := s
		if s.Parameters != nil {
			cp.Parameters = make(map[string]any, len(s.Parameters))
			for k, v := range s.Parameters {
				cp.Parameters[k] = v
			}
		}
		if s.StartedAt != nil {
			ts := *s.StartedAt
			cp.StartedAt = &ts
		}
		if s.FinishedAt != nil {
			ts := *s.FinishedAt
			cp.FinishedAt = &ts
		}
		out.Steps[i] = cp
	}
	return out
}

// Seconds converts a float number of seconds to a duration. Values beyond
// the duration range saturate at the maximum.
func Seconds(v float64) time.Duration {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	ns := v * float64(time.Second)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

type ActionPlan struct {
	ActionType        string         `json:"action_type"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	Priority          float64        `json:"priority" minimum:"0" maximum:"1"`
	EstimatedDuration float64        `json:"estimated_duration" exclusiveMinimum:"0" doc:"seconds"`
	RuleID            string         `json:"rule_id,omitempty"`
}

type DecisionType string

const (
	DecisionNavigation  DecisionType = "navigation"
	DecisionInteraction DecisionType = "interaction"
	DecisionSafety      DecisionType = "safety"
	DecisionAssistance  DecisionType = "assistance"
)

func ValidDecisionType(t DecisionType) bool {
	switch t {
	case DecisionNavigation, DecisionInteraction, DecisionSafety, DecisionAssistance:
		return true
	}
	return false
}

type Decision struct {
	ID           string       `json:"decision_id"`
	SceneID      string       `json:"scene_id"`
	DecisionType DecisionType `json:"decision_type"`
	ActionPlans  []ActionPlan `json:"action_plans"`
	Reasoning    []string     `json:"reasoning"`
	Confidence   float64      `json:"confidence" minimum:"0" maximum:"1"`
	CreatedAt    time.Time    `json:"created_at"`
}

type SceneType string

const (
	SceneIndoor  SceneType = "indoor"
	SceneOutdoor SceneType = "outdoor"
	SceneTraffic SceneType = "traffic"
	SceneSocial  SceneType = "social"
	SceneUnknown SceneType = "unknown"
)

type SceneElement struct {
	ID         string             `json:"element_id,omitempty"`
	Type       string             `json:"element_type"`
	Properties map[string]any     `json:"properties,omitempty"`
	Position   map[string]float64 `json:"position,omitempty"`
	Confidence float64            `json:"confidence,omitempty" minimum:"0" maximum:"1"`
}

type SpatialRelation struct {
	Type       string  `json:"relation_type"`
	SourceID   string  `json:"source_id"`
	TargetID   string  `json:"target_id"`
	Confidence float64 `json:"confidence,omitempty" minimum:"0" maximum:"1"`
}

// Scene is an interpreted scene as produced by a SceneInterpreter.
type Scene struct {
	ID          string            `json:"scene_id,omitempty"`
	Type        SceneType         `json:"scene_type,omitempty"`
	Elements    []SceneElement    `json:"elements,omitempty"`
	Relations   []SpatialRelation `json:"relations,omitempty"`
	Description string            `json:"description,omitempty"`
	Confidence  float64           `json:"confidence,omitempty" minimum:"0" maximum:"1"`
}

type MetricType string

const (
	MetricCPUUsage    MetricType = "cpu_usage"
	MetricMemoryUsage MetricType = "memory_usage"
	MetricBattery     MetricType = "battery"
	MetricLatency     MetricType = "latency"
	MetricErrorRate   MetricType = "error_rate"
)

// MetricTypes lists every tracked metric in evaluation order.
func MetricTypes() []MetricType {
	return []MetricType{MetricCPUUsage, MetricMemoryUsage, MetricBattery, MetricLatency, MetricErrorRate}
}

// InRange reports whether v is physically possible for the metric.
func (m MetricType) InRange(v float64) bool {
	if v != v {
		return false
	}
	switch m {
	case MetricCPUUsage, MetricMemoryUsage, MetricBattery:
		return v >= 0 && v <= 100
	case MetricErrorRate:
		return v >= 0 && v <= 1
	case MetricLatency:
		return v >= 0
	}
	return false
}

type Metric struct {
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
}

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

type Alert struct {
	ID           string     `json:"alert_id"`
	Level        AlertLevel `json:"level" enum:"info,warning,error,critical"`
	Message      string     `json:"message"`
	Source       string     `json:"source"`
	Metric       string     `json:"metric,omitempty"`
	Value        float64    `json:"value,omitempty"`
	Acknowledged bool       `json:"acknowledged"`
	Timestamp    time.Time  `json:"timestamp"`
}

type ErrorReport struct {
	ID                 string    `json:"error_id"`
	TaskID             string    `json:"task_id,omitempty"`
	StepID             string    `json:"step_id,omitempty"`
	ErrorType          string    `json:"error_type"`
	Message            string    `json:"message"`
	Severity           string    `json:"severity"`
	Status             string    `json:"status"`
	RecoverySuggestion string    `json:"recovery_suggestion"`
	Timestamp          time.Time `json:"timestamp"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
