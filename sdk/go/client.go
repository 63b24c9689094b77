package vistasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal VISTA HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

type Step struct {
	ID         string         `json:"step_id"`
	Name       string         `json:"name"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Order      int            `json:"order"`
	Status     string         `json:"status"`
	Timeout    float64        `json:"timeout,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID          string    `json:"task_id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Priority    string    `json:"priority"`
	Description string    `json:"description,omitempty"`
	DecisionID  string    `json:"decision_id,omitempty"`
	Steps       []Step    `json:"steps"`
	Status      string    `json:"status"`
	Progress    float64   `json:"progress"`
	Error       string    `json:"error,omitempty"`
	Timeout     float64   `json:"timeout,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ActionPlan struct {
	ActionType        string         `json:"action_type"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	Priority          float64        `json:"priority,omitempty"`
	EstimatedDuration float64        `json:"estimated_duration,omitempty"`
	RuleID            string         `json:"rule_id,omitempty"`
}

// PlanRequest describes a task to plan. Leave Plans empty to plan from a
// recent decision.
type PlanRequest struct {
	Name        string       `json:"name"`
	Type        string       `json:"type,omitempty"`
	Priority    string       `json:"priority,omitempty"`
	Description string       `json:"description,omitempty"`
	DecisionID  string       `json:"decision_id,omitempty"`
	Plans       []ActionPlan `json:"plans,omitempty"`
	Timeout     float64      `json:"timeout,omitempty"`
}

type TaskStatus struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Progress   float64   `json:"progress"`
	LastUpdate time.Time `json:"last_update"`
	Error      string    `json:"error,omitempty"`
}

type ControlResult struct {
	TaskID    string    `json:"task_id"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

type ControllerStatus struct {
	State      string `json:"state"`
	Task       *Task  `json:"current_task,omitempty"`
	QueueDepth int    `json:"queue_depth"`
	Executing  bool   `json:"executing"`
	Archived   int    `json:"archived_tasks"`
}

type MonitorStatus struct {
	IsMonitoring         bool      `json:"is_monitoring"`
	AlertsCount          int       `json:"alerts_count"`
	UnacknowledgedAlerts int       `json:"unacknowledged_alerts"`
	DroppedAlerts        int       `json:"dropped_alerts"`
	MonitoringInterval   float64   `json:"monitoring_interval"`
	LastCollection       time.Time `json:"last_collection,omitempty"`
}

type EngineStatus struct {
	Enabled    bool `json:"enabled"`
	RulesCount int  `json:"rules_count"`
}

type Status struct {
	Controller ControllerStatus `json:"controller"`
	Monitor    MonitorStatus    `json:"monitor"`
	Rules      EngineStatus     `json:"rules"`
}

// Metrics holds the latest readings; absent metrics are nil.
type Metrics struct {
	CPUUsage       *float64  `json:"cpu_usage,omitempty"`
	MemoryUsage    *float64  `json:"memory_usage,omitempty"`
	BatteryLevel   *float64  `json:"battery_level,omitempty"`
	NetworkLatency *float64  `json:"network_latency,omitempty"`
	ErrorRate      *float64  `json:"error_rate,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type Alert struct {
	ID           string    `json:"alert_id"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Source       string    `json:"source"`
	Metric       string    `json:"metric,omitempty"`
	Value        float64   `json:"value,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
	Timestamp    time.Time `json:"timestamp"`
}

type Scene struct {
	ID          string           `json:"scene_id,omitempty"`
	Type        string           `json:"scene_type,omitempty"`
	Elements    []map[string]any `json:"elements,omitempty"`
	Description string           `json:"description,omitempty"`
	Confidence  float64          `json:"confidence,omitempty"`
}

type Decision struct {
	ID           string       `json:"decision_id"`
	SceneID      string       `json:"scene_id"`
	DecisionType string       `json:"decision_type"`
	ActionPlans  []ActionPlan `json:"action_plans"`
	Reasoning    []string     `json:"reasoning"`
	Confidence   float64      `json:"confidence"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Rule mirrors the rule model; Condition is the structured condition tree
// (field/op/value leaves combined with all, any and not).
type Rule struct {
	ID                string         `json:"id"`
	Description       string         `json:"description,omitempty"`
	Condition         map[string]any `json:"condition"`
	Action            string         `json:"action"`
	Priority          float64        `json:"priority"`
	Confidence        *float64       `json:"confidence,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	EstimatedDuration float64        `json:"estimated_duration,omitempty"`
}

type RuleList struct {
	Enabled    bool   `json:"enabled"`
	RulesCount int    `json:"rules_count"`
	Rules      []Rule `json:"rules"`
}

type ErrorReport struct {
	TaskID    string `json:"task_id,omitempty"`
	StepID    string `json:"step_id,omitempty"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Severity  string `json:"severity,omitempty"`
}

type ErrorReceipt struct {
	ErrorID            string    `json:"error_id"`
	Status             string    `json:"status"`
	RecoverySuggestion string    `json:"recovery_suggestion"`
	Timestamp          time.Time `json:"timestamp"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventsQuery filters Events. After switches to cursor mode, oldest first.
type EventsQuery struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	After      *int64
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// PlanTask plans a task; it is queued until executed.
func (c *Client) PlanTask(ctx context.Context, req PlanRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "task/plan", req, &resp)
	return resp, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "task/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) TaskStatus(ctx context.Context, id string) (TaskStatus, error) {
	var resp TaskStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("task/%s/status", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Tasks lists queued tasks and up to limit finished ones.
func (c *Client) Tasks(ctx context.Context, limit int) (pending, finished []Task, err error) {
	var resp map[string][]Task
	endpoint := "tasks"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	err = c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp["pending"], resp["finished"], err
}

// Control sends pause, resume or cancel.
func (c *Client) Control(ctx context.Context, id, action string) (ControlResult, error) {
	var resp ControlResult
	body := map[string]string{"action": action}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("task/%s/control", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Execute starts a planned task; poll TaskStatus for progress.
func (c *Client) Execute(ctx context.Context, id string) (TaskStatus, error) {
	var resp TaskStatus
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("task/%s/execute", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// MakeDecision evaluates the rules for a scene. readings may be nil.
func (c *Client) MakeDecision(ctx context.Context, scene Scene, decisionType string, readings map[string]float64) (Decision, error) {
	body := map[string]any{"scene": scene}
	if decisionType != "" {
		body["decision_type"] = decisionType
	}
	if len(readings) > 0 {
		body["readings"] = readings
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "decision/make", body, &resp)
	return resp, err
}

func (c *Client) Decision(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodGet, "decision/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Rules(ctx context.Context) (RuleList, error) {
	var resp RuleList
	err := c.do(ctx, http.MethodGet, "rules", nil, &resp)
	return resp, err
}

func (c *Client) AddRule(ctx context.Context, r Rule) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, "rules", r, &resp)
	return resp, err
}

func (c *Client) RemoveRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "rules/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Metrics(ctx context.Context) (Metrics, error) {
	var resp Metrics
	err := c.do(ctx, http.MethodGet, "metrics", nil, &resp)
	return resp, err
}

// Alerts returns up to limit retained alerts, newest last. level may be empty.
func (c *Client) Alerts(ctx context.Context, limit int, level string) ([]Alert, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if level != "" {
		q.Set("level", level)
	}
	var resp struct {
		Items []Alert `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("alerts", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) MonitorStatus(ctx context.Context) (MonitorStatus, error) {
	var resp MonitorStatus
	err := c.do(ctx, http.MethodGet, "monitor/status", nil, &resp)
	return resp, err
}

// StartMonitor reports whether the loop was newly started.
func (c *Client) StartMonitor(ctx context.Context) (bool, error) {
	return c.toggleMonitor(ctx, "monitor/start")
}

// StopMonitor reports whether a running loop was stopped.
func (c *Client) StopMonitor(ctx context.Context) (bool, error) {
	return c.toggleMonitor(ctx, "monitor/stop")
}

func (c *Client) toggleMonitor(ctx context.Context, endpoint string) (bool, error) {
	var resp struct {
		Changed bool `json:"changed"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Changed, err
}

func (c *Client) ReportError(ctx context.Context, rep ErrorReport) (ErrorReceipt, error) {
	var resp ErrorReceipt
	err := c.do(ctx, http.MethodPost, "error/report", rep, &resp)
	return resp, err
}

// Events returns a page of audit events.
func (c *Client) Events(ctx context.Context, q EventsQuery) (PaginatedEvents, error) {
	v := url.Values{}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.EntityKind != "" {
		v.Set("entity_kind", q.EntityKind)
	}
	if q.EntityID != "" {
		v.Set("entity_id", q.EntityID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.After != nil {
		v.Set("after", strconv.FormatInt(*q.After, 10))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", v), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
