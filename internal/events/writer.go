// Package events appends engine activity to the local sqlite journal. The
// journal is an audit trail only; the project record stays the single source
// of truth.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event. A nil Writer or DB is a no-op so callers can run
// without a journal in tests.
func (w *Writer) Append(ctx context.Context, evtType, project, spec, actor string, payload EventPayload) error {
	if w == nil || w.DB == nil {
		return nil
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project,spec,actor,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(project), nullable(spec), actor, string(data))
	return err
}

// Event is one journal row.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Project string         `json:"project,omitempty"`
	Spec    string         `json:"spec,omitempty"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

// Tail returns the most recent events, newest first.
func (w *Writer) Tail(ctx context.Context, project string, limit int) ([]Event, error) {
	if w == nil || w.DB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(project,''),COALESCE(spec,''),actor,payload_json FROM events`
	args := []any{}
	if project != "" {
		query += ` WHERE project=?`
		args = append(args, project)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Project, &e.Spec, &e.Actor, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			e.Payload = map[string]any{"raw": payload}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
