// Package events appends immutable step-outcome records. There is no update
// or delete path; ordering is creation time ascending.
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

type Payload map[string]any

// Append inserts one event row. The caller decides whether a failure here is
// fatal: run upserts and event appends are independent best-effort writes,
// not a transaction.
func (w Writer) Append(ctx context.Context, runID, step, status string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO workflow_events(run_id,step,status,payload_json,created_at) VALUES (?,?,?,?,?)`,
		runID, step, status, string(data), ts)
	return err
}
