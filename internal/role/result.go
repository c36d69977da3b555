package role

import (
	"encoding/json"
	"fmt"

	"github.com/lucasnoah/reqforge/internal/artifact"
	"github.com/lucasnoah/reqforge/internal/execution"
)

// ResultKind tells whether a role's output was understood.
type ResultKind string

const (
	ResultParsed ResultKind = "parsed"
	ResultRaw    ResultKind = "raw"
)

// RawResult is the outcome of one successful action invocation. Text is
// always the provider's output; Parsed is set only when Kind is ResultParsed.
type RawResult struct {
	Action     Action
	Role       Role
	Model      string
	Text       string
	Kind       ResultKind
	Parsed     any
	ParseError string
	Attempts   int
}

// Confidence maps the result kind onto artifact parse confidence.
func (r *RawResult) Confidence() artifact.Confidence {
	if r.Kind == ResultParsed {
		return artifact.ConfidenceHigh
	}
	return artifact.ConfidenceLow
}

// Structured returns the parsed value as JSON, or nil for raw results.
func (r *RawResult) Structured() (json.RawMessage, error) {
	if r.Kind != ResultParsed || r.Parsed == nil {
		return nil, nil
	}
	data, err := json.Marshal(r.Parsed)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", r.Action, err)
	}
	return data, nil
}

// ActionError is returned when an action could not produce output.
type ActionError struct {
	Action   Action
	Role     Role
	Category execution.FailureCategory
	Attempts int
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s (%s) failed after %d attempt(s) [%s]: %v", e.Action, e.Role, e.Attempts, e.Category, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
