package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no artifact matches a lookup.
var ErrNotFound = errors.New("artifact not found")

// Type identifies what kind of content an artifact holds.
type Type string

const (
	UserStories       Type = "user_stories"
	QAPairs           Type = "qa_pairs"
	RequirementsDraft Type = "requirements_draft"
	Entities          Type = "entities"
	Relationships     Type = "relationships"
	CheckResults      Type = "check_results"
	SRS               Type = "srs"
	CheckReport       Type = "check_report"
)

// Types lists every artifact type in the order the pipeline produces them.
var Types = []Type{
	UserStories, QAPairs, RequirementsDraft, Entities,
	Relationships, CheckResults, SRS, CheckReport,
}

// Valid reports whether t is a known artifact type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// ParseType converts a string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown artifact type %q", s)
	}
	return t, nil
}

// Terminal reports whether t is a document that ends an execution.
func (t Type) Terminal() bool {
	return t == SRS || t == CheckReport
}

// Confidence records how well a role's free-text output was understood.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// Metadata is the provenance attached to an artifact on write.
type Metadata struct {
	Role            string
	CausedBy        string
	SentFrom        string
	SendTo          string
	ParseConfidence Confidence
	Iteration       int
	// Inputs maps each artifact type read to build this one to the version read.
	Inputs map[Type]int
	// Structured is the parsed form of Content, when parsing succeeded.
	Structured json.RawMessage
}

// Artifact is one immutable version of generated content.
type Artifact struct {
	ExecutionID     string          `json:"execution_id"`
	Type            Type            `json:"artifact_type"`
	Version         int             `json:"version"`
	Content         string          `json:"content"`
	Role            string          `json:"role"`
	CausedBy        string          `json:"caused_by"`
	SentFrom        string          `json:"sent_from,omitempty"`
	SendTo          string          `json:"send_to,omitempty"`
	ParseConfidence Confidence      `json:"parse_confidence"`
	Iteration       int             `json:"iteration"`
	Inputs          map[Type]int    `json:"inputs,omitempty"`
	Structured      json.RawMessage `json:"structured,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Decode unmarshals the structured form of the artifact into v. It returns
// false when the artifact carries no structured form.
func (a *Artifact) Decode(v any) (bool, error) {
	if len(a.Structured) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(a.Structured, v); err != nil {
		return false, fmt.Errorf("decode %s v%d: %w", a.Type, a.Version, err)
	}
	return true, nil
}
