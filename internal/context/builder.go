package context

import (
	stdctx "context"
	"errors"
	"fmt"
	"strconv"

	"github.com/lucasnoah/reqforge/internal/artifact"
	"github.com/lucasnoah/reqforge/internal/execution"
	"github.com/lucasnoah/reqforge/internal/prompt"
	"github.com/lucasnoah/reqforge/internal/role"
)

// ArtifactReader is the read side of the artifact store.
type ArtifactReader interface {
	GetLatest(ctx stdctx.Context, executionID string, t artifact.Type) (*artifact.Artifact, error)
	GetVersion(ctx stdctx.Context, executionID string, t artifact.Type, version int) (*artifact.Artifact, error)
}

// Builder assembles the prompt variables for an action from the artifacts
// of its execution.
type Builder struct {
	store   ArtifactReader
	project ProjectInfo
}

// ProjectInfo is the project-level context every prompt receives.
type ProjectInfo struct {
	Name   string
	Domain string
}

// NewBuilder creates a Builder.
func NewBuilder(store ArtifactReader, project ProjectInfo) *Builder {
	return &Builder{store: store, project: project}
}

// BuildOpts configures what context to build.
type BuildOpts struct {
	Action role.Action
	// Pinned fixes the version read for an artifact type instead of the latest.
	Pinned map[artifact.Type]int
	// Vars are action-specific extras (e.g. the question being answered).
	Vars prompt.Vars
}

// BuildResult holds the assembled context.
type BuildResult struct {
	Vars prompt.Vars
	// Inputs records the version of every artifact that was read.
	Inputs map[artifact.Type]int
	// Artifacts holds the artifacts that were read, keyed by type.
	Artifacts map[artifact.Type]*artifact.Artifact
}

// promptVars maps artifact types to template variable names.
var promptVars = map[artifact.Type]string{
	artifact.UserStories:       "user_stories",
	artifact.QAPairs:           "qa_pairs",
	artifact.RequirementsDraft: "requirements_draft",
	artifact.Entities:          "entities",
	artifact.Relationships:     "relationships",
	artifact.CheckResults:      "check_results",
}

// Build reads the inputs the action declares and returns the prompt
// variables. A missing required input is an error; missing optional inputs
// render as empty strings.
func (b *Builder) Build(ctx stdctx.Context, ex *execution.Execution, opts BuildOpts) (*BuildResult, error) {
	binding, err := role.Lookup(opts.Action)
	if err != nil {
		return nil, err
	}

	vars := prompt.Vars{
		"project_name":      b.projectName(ex),
		"domain":            b.project.Domain,
		"input_text":        ex.InputText,
		"iteration":         strconv.Itoa(ex.IterationCount),
		"quality_threshold": strconv.FormatFloat(ex.Settings.QualityThreshold, 'f', 2, 64),
		"max_questions":     strconv.Itoa(role.MaxQuestions),
		"question":          "",
	}
	for _, name := range promptVars {
		vars[name] = ""
	}

	res := &BuildResult{
		Vars:      vars,
		Inputs:    make(map[artifact.Type]int),
		Artifacts: make(map[artifact.Type]*artifact.Artifact),
	}

	for _, t := range binding.Inputs {
		a, err := b.read(ctx, ex.ID, t, opts.Pinned)
		if err != nil {
			return nil, fmt.Errorf("%s needs %s: %w", opts.Action, t, err)
		}
		res.add(a)
	}
	for _, t := range binding.Optional {
		a, err := b.read(ctx, ex.ID, t, opts.Pinned)
		if errors.Is(err, artifact.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s reads %s: %w", opts.Action, t, err)
		}
		res.add(a)
	}

	// Action-specific vars override everything above.
	for k, v := range opts.Vars {
		vars[k] = v
	}
	return res, nil
}

func (b *Builder) read(ctx stdctx.Context, executionID string, t artifact.Type, pinned map[artifact.Type]int) (*artifact.Artifact, error) {
	if v, ok := pinned[t]; ok {
		return b.store.GetVersion(ctx, executionID, t, v)
	}
	return b.store.GetLatest(ctx, executionID, t)
}

func (r *BuildResult) add(a *artifact.Artifact) {
	r.Inputs[a.Type] = a.Version
	r.Artifacts[a.Type] = a
	if name, ok := promptVars[a.Type]; ok {
		r.Vars[name] = a.Content
	}
}

func (b *Builder) projectName(ex *execution.Execution) string {
	if b.project.Name != "" {
		return b.project.Name
	}
	return ex.ProjectID
}
