package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/reqforge/internal/config"
)

var (
	// ErrNotFound is returned when an execution id is unknown.
	ErrNotFound = errors.New("execution not found")
	// ErrImmutable is returned when an update targets a finished execution.
	ErrImmutable = errors.New("execution is finished and can no longer change")
	// ErrNoTerminalArtifact is returned when completing without an SRS or check report.
	ErrNoTerminalArtifact = errors.New("terminal artifact missing")
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase is a step of the pipeline state machine.
type Phase string

const (
	PhaseElicitation   Phase = "elicitation"
	PhaseModeling      Phase = "modeling"
	PhaseVerification  Phase = "verification"
	PhaseSpecification Phase = "specification"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
)

// Next returns the forward successor of p.
func (p Phase) Next() Phase {
	switch p {
	case PhaseElicitation:
		return PhaseModeling
	case PhaseModeling:
		return PhaseVerification
	case PhaseVerification:
		return PhaseSpecification
	case PhaseSpecification:
		return PhaseDone
	}
	return p
}

// Outcome names the terminal document a completed execution produced.
type Outcome string

const (
	OutcomeSRS         Outcome = "srs"
	OutcomeCheckReport Outcome = "check_report"
)

// FailureCategory classifies why an execution failed.
type FailureCategory string

const (
	FailureTransient      FailureCategory = "transient"
	FailurePermanent      FailureCategory = "permanent"
	FailureStorage        FailureCategory = "storage"
	FailureCancelled      FailureCategory = "cancelled"
	FailureBudgetExceeded FailureCategory = "budget_exceeded"
)

// Failure describes the action and error that ended a failed execution.
type Failure struct {
	Action   string          `json:"action,omitempty"`
	Category FailureCategory `json:"category"`
	Message  string          `json:"message"`
}

func (f *Failure) Error() string {
	if f.Action == "" {
		return fmt.Sprintf("%s: %s", f.Category, f.Message)
	}
	return fmt.Sprintf("%s failed (%s): %s", f.Action, f.Category, f.Message)
}

// Settings is the per-execution snapshot of the configuration that shaped it.
type Settings struct {
	MaxIterations        int                          `json:"max_iterations"`
	QualityThreshold     float64                      `json:"quality_threshold"`
	MaxQuestionRounds    int                          `json:"max_question_rounds"`
	MaxQuestionsPerRound int                          `json:"max_questions_per_round"`
	Budget               time.Duration                `json:"budget,omitempty"`
	Provider             string                       `json:"provider,omitempty"`
	StubScore            float64                      `json:"stub_score,omitempty"`
	Roles                map[string]config.RoleConfig `json:"roles,omitempty"`
}

// SettingsFrom snapshots the pipeline, provider and role sections of cfg.
func SettingsFrom(cfg *config.Config) Settings {
	roles := make(map[string]config.RoleConfig, len(cfg.Roles))
	for k, v := range cfg.Roles {
		roles[k] = v
	}
	s := Settings{
		MaxIterations:        cfg.Pipeline.MaxIterations,
		QualityThreshold:     cfg.Pipeline.QualityThreshold,
		MaxQuestionRounds:    cfg.Pipeline.QuestionRounds(),
		MaxQuestionsPerRound: cfg.Pipeline.MaxQuestionsPerRound,
		Budget:               cfg.Pipeline.BudgetDuration(),
		Provider:             cfg.Provider.Name,
		Roles:                roles,
	}
	if cfg.Provider.Name == "stub" {
		s.StubScore = cfg.Provider.StubScore
	}
	return s
}

// Execution is one end-to-end run for a project and input.
type Execution struct {
	ID             string     `json:"execution_id"`
	ProjectID      string     `json:"project_id"`
	Status         Status     `json:"status"`
	Phase          Phase      `json:"phase"`
	PhaseHistory   []Phase    `json:"phase_history"`
	IterationCount int        `json:"iteration_count"`
	QualityScore   *float64   `json:"quality_score,omitempty"`
	Fingerprint    string     `json:"fingerprint"`
	InputText      string     `json:"-"`
	Settings       Settings   `json:"settings"`
	Outcome        Outcome    `json:"outcome,omitempty"`
	Failure        *Failure   `json:"failure,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Passed reports whether the execution completed with a score at or above
// its own quality threshold.
func (e *Execution) Passed() bool {
	return e.Status == StatusCompleted && e.QualityScore != nil &&
		*e.QualityScore >= e.Settings.QualityThreshold
}

// Duration returns how long the execution ran, or has run so far.
func (e *Execution) Duration(now time.Time) time.Duration {
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.CreatedAt)
	}
	return now.Sub(e.CreatedAt)
}
