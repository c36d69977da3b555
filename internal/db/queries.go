package db

import (
	"context"
	"fmt"
	"time"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID          int64  `json:"id"`
	ExecutionID string `json:"execution_id"`
	Event       string `json:"event"`
	Phase       string `json:"phase,omitempty"`
	Action      string `json:"action,omitempty"`
	Iteration   int    `json:"iteration"`
	Detail      string `json:"detail,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// RoleCall represents one provider attempt in the role_calls table.
type RoleCall struct {
	ID          int64  `json:"id"`
	ExecutionID string `json:"execution_id"`
	Action      string `json:"action"`
	Role        string `json:"role"`
	Model       string `json:"model"`
	Attempt     int    `json:"attempt"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	Timestamp   string `json:"timestamp"`
}

// Role call outcomes.
const (
	CallOK        = "ok"
	CallTransient = "transient"
	CallPermanent = "permanent"
)

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, executionID, event, phase, action string, iteration int, detail string) error {
	_, err := d.conn.ExecContext(ctx, d.Rebind(
		`INSERT INTO pipeline_events (execution_id, event, phase, action, iteration, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		executionID, event, phase, action, iteration, detail, FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineEvents returns all pipeline events for an execution, oldest first.
func (d *DB) GetPipelineEvents(ctx context.Context, executionID string) ([]PipelineEvent, error) {
	rows, err := d.conn.QueryContext(ctx, d.Rebind(
		`SELECT id, execution_id, event, phase, action, iteration, detail, timestamp
		 FROM pipeline_events WHERE execution_id = ? ORDER BY id ASC`),
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline events: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Event, &e.Phase, &e.Action, &e.Iteration, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogRoleCall records one provider attempt.
func (d *DB) LogRoleCall(ctx context.Context, c RoleCall) error {
	ts := c.Timestamp
	if ts == "" {
		ts = FormatTime(time.Now())
	}
	_, err := d.conn.ExecContext(ctx, d.Rebind(
		`INSERT INTO role_calls (execution_id, action, role, model, attempt, outcome, error, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ExecutionID, c.Action, c.Role, c.Model, c.Attempt, c.Outcome, c.Error, c.DurationMs, ts,
	)
	if err != nil {
		return fmt.Errorf("log role call: %w", err)
	}
	return nil
}

// GetRoleCalls returns every provider attempt recorded for an execution.
func (d *DB) GetRoleCalls(ctx context.Context, executionID string) ([]RoleCall, error) {
	rows, err := d.conn.QueryContext(ctx, d.Rebind(
		`SELECT id, execution_id, action, role, model, attempt, outcome, error, duration_ms, timestamp
		 FROM role_calls WHERE execution_id = ? ORDER BY id ASC`),
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get role calls: %w", err)
	}
	defer rows.Close()

	var calls []RoleCall
	for rows.Next() {
		var c RoleCall
		if err := rows.Scan(&c.ID, &c.ExecutionID, &c.Action, &c.Role, &c.Model, &c.Attempt, &c.Outcome, &c.Error, &c.DurationMs, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan role call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
