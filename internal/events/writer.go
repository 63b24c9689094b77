package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written alongside audit rows.
const (
	TaskFinished   = "task.finished"
	AlertProcessed = "alert.processed"
	DecisionMade   = "decision.made"
	ErrorReported  = "error.reported"
	MonitorStarted = "monitor.started"
	MonitorStopped = "monitor.stopped"
	RuleAdded      = "rule.added"
	RuleRemoved    = "rule.removed"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
