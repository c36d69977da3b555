package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lucasnoah/reqforge/internal/db"
)

// Store persists versioned artifacts. Writes to the same
// (execution, type) key are serialized; everything else runs concurrently.
type Store struct {
	db    *db.DB
	locks *keyLocks
	now   func() time.Time
}

// NewStore creates a Store backed by the given database.
func NewStore(d *db.DB) *Store {
	return &Store{db: d, locks: newKeyLocks(), now: time.Now}
}

const selectColumns = `execution_id, artifact_type, version, content, structured, role, caused_by,
	sent_from, send_to, parse_confidence, iteration, inputs, created_at`

// Put appends a new version of an artifact and returns its version number.
// The counter lives in the database, so numbering survives restarts.
func (s *Store) Put(ctx context.Context, executionID string, t Type, content string, meta Metadata) (int, error) {
	if executionID == "" {
		return 0, fmt.Errorf("put artifact: execution id is required")
	}
	if !t.Valid() {
		return 0, fmt.Errorf("put artifact: unknown type %q", t)
	}
	if meta.ParseConfidence == "" {
		meta.ParseConfidence = ConfidenceHigh
	}
	inputs, err := json.Marshal(meta.Inputs)
	if err != nil {
		return 0, fmt.Errorf("put artifact: encode inputs: %w", err)
	}
	if meta.Inputs == nil {
		inputs = []byte("{}")
	}

	unlock := s.locks.lock(executionID + "/" + string(t))
	defer unlock()

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("put artifact: begin: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx, s.db.Rebind(
		`INSERT INTO artifact_counters (execution_id, artifact_type, last_version) VALUES (?, ?, 1)
		 ON CONFLICT (execution_id, artifact_type)
		 DO UPDATE SET last_version = artifact_counters.last_version + 1
		 RETURNING last_version`),
		executionID, string(t),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("put artifact: bump version: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO artifacts (execution_id, artifact_type, version, content, structured, role, caused_by,
			sent_from, send_to, parse_confidence, iteration, inputs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		executionID, string(t), version, content, string(meta.Structured), meta.Role, meta.CausedBy,
		meta.SentFrom, meta.SendTo, string(meta.ParseConfidence), meta.Iteration, string(inputs),
		db.FormatTime(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("put artifact: insert %s v%d: %w", t, version, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("put artifact: commit: %w", err)
	}
	return version, nil
}

// GetLatest returns the highest version of an artifact type.
func (s *Store) GetLatest(ctx context.Context, executionID string, t Type) (*Artifact, error) {
	row := s.db.Conn().QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+selectColumns+` FROM artifacts
		 WHERE execution_id = ? AND artifact_type = ?
		 ORDER BY version DESC LIMIT 1`),
		executionID, string(t),
	)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, fmt.Errorf("get latest %s: %w", t, err)
	}
	return a, nil
}

// GetVersion returns one specific version of an artifact type.
func (s *Store) GetVersion(ctx context.Context, executionID string, t Type, version int) (*Artifact, error) {
	row := s.db.Conn().QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+selectColumns+` FROM artifacts
		 WHERE execution_id = ? AND artifact_type = ? AND version = ?`),
		executionID, string(t), version,
	)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, fmt.Errorf("get %s v%d: %w", t, version, err)
	}
	return a, nil
}

// List returns the latest version of every artifact type the execution has,
// in pipeline order.
func (s *Store) List(ctx context.Context, executionID string) ([]Artifact, error) {
	rows, err := s.db.Conn().QueryContext(ctx, s.db.Rebind(
		`SELECT `+selectColumns+` FROM artifacts a
		 WHERE a.execution_id = ?
		 AND a.version = (SELECT MAX(b.version) FROM artifacts b
		                  WHERE b.execution_id = a.execution_id AND b.artifact_type = a.artifact_type)`),
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	arts, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	order := make(map[Type]int, len(Types))
	for i, t := range Types {
		order[t] = i
	}
	sort.Slice(arts, func(i, j int) bool { return order[arts[i].Type] < order[arts[j].Type] })
	return arts, nil
}

// History returns every version of one artifact type, oldest first.
func (s *Store) History(ctx context.Context, executionID string, t Type) ([]Artifact, error) {
	rows, err := s.db.Conn().QueryContext(ctx, s.db.Rebind(
		`SELECT `+selectColumns+` FROM artifacts
		 WHERE execution_id = ? AND artifact_type = ?
		 ORDER BY version ASC`),
		executionID, string(t),
	)
	if err != nil {
		return nil, fmt.Errorf("artifact history: %w", err)
	}
	arts, err := scanAll(rows)
	if err != nil {
		return nil, fmt.Errorf("artifact history: %w", err)
	}
	return arts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*Artifact, error) {
	var (
		a          Artifact
		typ        string
		structured string
		confidence string
		inputs     string
		createdAt  string
	)
	err := row.Scan(&a.ExecutionID, &typ, &a.Version, &a.Content, &structured, &a.Role, &a.CausedBy,
		&a.SentFrom, &a.SendTo, &confidence, &a.Iteration, &inputs, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = Type(typ)
	a.ParseConfidence = Confidence(confidence)
	if structured != "" {
		a.Structured = json.RawMessage(structured)
	}
	if inputs != "" && inputs != "{}" && inputs != "null" {
		if err := json.Unmarshal([]byte(inputs), &a.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
	}
	if a.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &a, nil
}

func scanAll(rows *sql.Rows) ([]Artifact, error) {
	defer rows.Close()
	var arts []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		arts = append(arts, *a)
	}
	return arts, rows.Err()
}
