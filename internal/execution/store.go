package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/reqforge/internal/db"
)

// Store manages execution records.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// NewStore creates a Store backed by the given database.
func NewStore(d *db.DB) *Store {
	return &Store{db: d, now: time.Now}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

const columns = `id, project_id, status, phase, phase_history, iteration_count, max_iterations,
	quality_score, fingerprint, input_text, settings, outcome, failure_action, failure_category,
	failure_message, created_at, updated_at, completed_at`

// Create persists a new pending execution, assigning an id when none is set.
func (s *Store) Create(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ProjectID == "" {
		return fmt.Errorf("create execution: project id is required")
	}
	if e.Settings.MaxIterations < 1 {
		return fmt.Errorf("create execution: max_iterations must be at least 1")
	}
	now := s.now().UTC()
	e.Status = StatusPending
	e.PhaseHistory = []Phase{}
	e.CreatedAt = now
	e.UpdatedAt = now

	settings, err := json.Marshal(e.Settings)
	if err != nil {
		return fmt.Errorf("create execution: encode settings: %w", err)
	}
	_, err = s.db.Conn().ExecContext(ctx, s.db.Rebind(
		`INSERT INTO executions (id, project_id, status, phase, phase_history, iteration_count, max_iterations,
			fingerprint, input_text, settings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '[]', 0, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.ProjectID, string(e.Status), string(e.Phase), e.Settings.MaxIterations,
		e.Fingerprint, e.InputText, string(settings), db.FormatTime(now), db.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// Get loads an execution by id.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.Conn().QueryRowContext(ctx, s.db.Rebind(`SELECT `+columns+` FROM executions WHERE id = ?`), id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return e, nil
}

// Update applies fn to the stored execution inside one transaction. Finished
// executions are immutable and return ErrImmutable.
func (s *Store) Update(ctx context.Context, id string, fn func(*Execution) error) (*Execution, error) {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update execution: begin: %w", err)
	}
	defer tx.Rollback()

	e, err := scanExecution(tx.QueryRowContext(ctx, s.db.Rebind(`SELECT `+columns+` FROM executions WHERE id = ?`), id))
	if err != nil {
		return nil, fmt.Errorf("update execution %s: %w", id, err)
	}
	if e.Status.Terminal() {
		return nil, fmt.Errorf("update execution %s: %w", id, ErrImmutable)
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	if e.IterationCount > e.Settings.MaxIterations {
		return nil, fmt.Errorf("update execution %s: iteration_count %d exceeds max_iterations %d",
			id, e.IterationCount, e.Settings.MaxIterations)
	}
	e.UpdatedAt = s.now().UTC()
	if e.Status.Terminal() && e.CompletedAt == nil {
		at := e.UpdatedAt
		e.CompletedAt = &at
	}

	history, err := json.Marshal(e.PhaseHistory)
	if err != nil {
		return nil, fmt.Errorf("update execution: encode history: %w", err)
	}
	var score sql.NullFloat64
	if e.QualityScore != nil {
		score = sql.NullFloat64{Float64: *e.QualityScore, Valid: true}
	}
	var completed sql.NullString
	if e.CompletedAt != nil {
		completed = sql.NullString{String: db.FormatTime(*e.CompletedAt), Valid: true}
	}
	var failure Failure
	if e.Failure != nil {
		failure = *e.Failure
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(
		`UPDATE executions SET status = ?, phase = ?, phase_history = ?, iteration_count = ?, quality_score = ?,
			outcome = ?, failure_action = ?, failure_category = ?, failure_message = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`),
		string(e.Status), string(e.Phase), string(history), e.IterationCount, score,
		string(e.Outcome), failure.Action, string(failure.Category), failure.Message,
		db.FormatTime(e.UpdatedAt), completed, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update execution %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update execution %s: commit: %w", id, err)
	}
	return e, nil
}

// EnterPhase marks the execution running in phase p and appends p to its history.
func (s *Store) EnterPhase(ctx context.Context, id string, p Phase) (*Execution, error) {
	return s.Update(ctx, id, func(e *Execution) error {
		e.Status = StatusRunning
		e.Phase = p
		e.PhaseHistory = append(e.PhaseHistory, p)
		return nil
	})
}

// Complete finishes the execution successfully with the given outcome. The
// matching terminal artifact must already be stored.
func (s *Store) Complete(ctx context.Context, id string, outcome Outcome) (*Execution, error) {
	var n int
	err := s.db.Conn().QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM artifacts WHERE execution_id = ? AND artifact_type = ?`),
		id, string(outcome),
	).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("complete execution %s: %w", id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("complete execution %s: %w (%s)", id, ErrNoTerminalArtifact, outcome)
	}
	return s.Update(ctx, id, func(e *Execution) error {
		e.Status = StatusCompleted
		e.Phase = PhaseDone
		e.PhaseHistory = append(e.PhaseHistory, PhaseDone)
		e.Outcome = outcome
		return nil
	})
}

// Fail finishes the execution as failed, recording why.
func (s *Store) Fail(ctx context.Context, id string, f Failure) (*Execution, error) {
	return s.Update(ctx, id, func(e *Execution) error {
		e.Status = StatusFailed
		e.Phase = PhaseFailed
		e.PhaseHistory = append(e.PhaseHistory, PhaseFailed)
		e.Failure = &f
		return nil
	})
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ProjectID   string
	Status      Status
	Fingerprint string
	Limit       int
}

// List returns executions, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Execution, error) {
	query := `SELECT ` + columns + ` FROM executions WHERE 1 = 1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Fingerprint != "" {
		query += ` AND fingerprint = ?`
		args = append(args, f.Fingerprint)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.Conn().QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("list executions: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var (
		e          Execution
		status     string
		phase      string
		history    string
		maxIter    int
		score      sql.NullFloat64
		settings   string
		outcome    string
		failure    Failure
		category   string
		createdAt  string
		updatedAt  string
		completeAt sql.NullString
	)
	err := row.Scan(&e.ID, &e.ProjectID, &status, &phase, &history, &e.IterationCount, &maxIter,
		&score, &e.Fingerprint, &e.InputText, &settings, &outcome, &failure.Action, &category,
		&failure.Message, &createdAt, &updatedAt, &completeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.Phase = Phase(phase)
	e.Outcome = Outcome(outcome)
	if err := json.Unmarshal([]byte(history), &e.PhaseHistory); err != nil {
		return nil, fmt.Errorf("decode phase history: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &e.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if e.Settings.MaxIterations == 0 {
		e.Settings.MaxIterations = maxIter
	}
	if score.Valid {
		v := score.Float64
		e.QualityScore = &v
	}
	if category != "" {
		failure.Category = FailureCategory(category)
		e.Failure = &failure
	}
	if e.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if completeAt.Valid {
		t, err := db.ParseTime(completeAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		e.CompletedAt = &t
	}
	return &e, nil
}
