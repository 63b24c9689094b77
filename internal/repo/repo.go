package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vista/internal/domain"
	"vista/internal/events"
)

// Repo is the SQLite audit log. It implements the recorder interfaces of the
// controller, monitor and decision packages; every write also appends an event.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var ErrNotFound = errors.New("not found")

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// withTx runs fn in a transaction and commits when it returns nil.
func (r Repo) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordTask upserts a finished task snapshot.
func (r Repo) RecordTask(ctx context.Context, t domain.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,name,type,priority,status,progress,decision_id,error,task_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, progress=excluded.progress, error=excluded.error, task_json=excluded.task_json, updated_at=excluded.updated_at`,
			t.ID, t.Name, t.Type, t.Priority, t.Status, t.Progress, nullable(t.DecisionID), nullable(t.Error), string(data),
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return r.Events.Append(ctx, tx, events.TaskFinished, "task", t.ID, events.EventPayload{
			"status":   t.Status,
			"progress": t.Progress,
			"error":    t.Error,
		})
	})
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT task_json FROM tasks WHERE id=?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	var t domain.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return domain.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

type TaskFilters struct {
	Status string
	Limit  int
}

// ListTasks returns recorded tasks, most recently updated first.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := fmt.Sprintf(`SELECT task_json FROM tasks WHERE %s ORDER BY updated_at DESC, id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t domain.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// RecordAlert stores a processed alert.
func (r Repo) RecordAlert(ctx context.Context, a domain.Alert) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO alerts(id,level,source,metric,value,message,acknowledged,ts) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET acknowledged=excluded.acknowledged`,
			a.ID, a.Level, a.Source, nullable(a.Metric), a.Value, a.Message, a.Acknowledged, formatTime(a.Timestamp))
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		return r.Events.Append(ctx, tx, events.AlertProcessed, "alert", a.ID, events.EventPayload{
			"level":  a.Level,
			"source": a.Source,
		})
	})
}

type AlertFilters struct {
	Level  string
	Source string
	Limit  int
}

// ListAlerts returns stored alerts, newest first.
func (r Repo) ListAlerts(ctx context.Context, f AlertFilters) ([]domain.Alert, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Level != "" {
		clauses = append(clauses, "level=?")
		args = append(args, f.Level)
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	query := fmt.Sprintf(`SELECT id,level,source,COALESCE(metric,''),COALESCE(value,0),message,acknowledged,ts FROM alerts WHERE %s ORDER BY ts DESC, id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var ts string
		if err := rows.Scan(&a.ID, &a.Level, &a.Source, &a.Metric, &a.Value, &a.Message, &a.Acknowledged, &ts); err != nil {
			return nil, err
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("alert %s timestamp: %w", a.ID, err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// RecordDecision stores a decision with its plans and reasoning.
func (r Repo) RecordDecision(ctx context.Context, d domain.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,scene_id,decision_type,confidence,decision_json,created_at) VALUES (?,?,?,?,?,?)`,
			d.ID, nullable(d.SceneID), d.DecisionType, d.Confidence, string(data), formatTime(d.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		return r.Events.Append(ctx, tx, events.DecisionMade, "decision", d.ID, events.EventPayload{
			"decision_type": d.DecisionType,
			"plans":         len(d.ActionPlans),
			"confidence":    d.Confidence,
		})
	})
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT decision_json FROM decisions WHERE id=?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return domain.Decision{}, ErrNotFound
	}
	if err != nil {
		return domain.Decision{}, err
	}
	var d domain.Decision
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return domain.Decision{}, fmt.Errorf("decode decision %s: %w", id, err)
	}
	return d, nil
}

// RecordErrorReport stores an error report.
func (r Repo) RecordErrorReport(ctx context.Context, e domain.ErrorReport) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO error_reports(id,task_id,step_id,error_type,message,severity,status,recovery_suggestion,ts) VALUES (?,?,?,?,?,?,?,?,?)`,
			e.ID, nullable(e.TaskID), nullable(e.StepID), e.ErrorType, e.Message, e.Severity, e.Status, e.RecoverySuggestion, formatTime(e.Timestamp))
		if err != nil {
			return fmt.Errorf("insert error report: %w", err)
		}
		return r.Events.Append(ctx, tx, events.ErrorReported, "error_report", e.ID, events.EventPayload{
			"task_id":    e.TaskID,
			"error_type": e.ErrorType,
			"severity":   e.Severity,
		})
	})
}

func (r Repo) ListErrorReports(ctx context.Context, taskID string, limit int) ([]domain.ErrorReport, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	query := fmt.Sprintf(`SELECT id,COALESCE(task_id,''),COALESCE(step_id,''),error_type,message,severity,status,recovery_suggestion,ts FROM error_reports WHERE %s ORDER BY ts DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ErrorReport
	for rows.Next() {
		var e domain.ErrorReport
		var ts string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.StepID, &e.ErrorType, &e.Message, &e.Severity, &e.Status, &e.RecoverySuggestion, &ts); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("error report %s timestamp: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// AppendEvent writes a standalone event, such as a monitor start.
func (r Repo) AppendEvent(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.Events.Append(ctx, tx, evtType, entityKind, entityID, payload)
	})
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the newest event id, or 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
