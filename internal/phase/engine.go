package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucasnoah/reqforge/internal/artifact"
	appctx "github.com/lucasnoah/reqforge/internal/context"
	"github.com/lucasnoah/reqforge/internal/execution"
	"github.com/lucasnoah/reqforge/internal/gate"
	"github.com/lucasnoah/reqforge/internal/prompt"
	"github.com/lucasnoah/reqforge/internal/role"
)

// ErrBudgetExceeded is returned when an execution outlives its wall-clock budget.
var ErrBudgetExceeded = errors.New("execution budget exceeded")

// Invoker performs one action as one role.
type Invoker interface {
	Invoke(ctx context.Context, r role.Role, action role.Action, in role.Input) (*role.RawResult, error)
}

// EventLogger records the pipeline audit trail. *db.DB satisfies it.
type EventLogger interface {
	LogPipelineEvent(ctx context.Context, executionID, event, phase, action string, iteration int, detail string) error
}

// Engine drives one execution through elicitation, modeling, verification
// and specification.
type Engine struct {
	invoker    Invoker
	artifacts  *artifact.Store
	executions *execution.Store
	events     EventLogger
	project    appctx.ProjectInfo
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	progress   io.Writer // live progress output; nil = silent
}

// NewEngine creates a phase engine.
func NewEngine(
	invoker Invoker,
	artifacts *artifact.Store,
	executions *execution.Store,
	events EventLogger,
) *Engine {
	return &Engine{
		invoker:    invoker,
		artifacts:  artifacts,
		executions: executions,
		events:     events,
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/lucasnoah/reqforge/internal/phase"),
		now:        time.Now,
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Engine) SetProgress(w io.Writer) {
	e.progress = w
}

// SetLogger sets the structured logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	e.logger = l
}

// SetTracer sets the tracer used for execution and phase spans.
func (e *Engine) SetTracer(t trace.Tracer) {
	e.tracer = t
}

// SetProject sets the project name and domain passed to every prompt.
func (e *Engine) SetProject(p appctx.ProjectInfo) {
	e.project = p
}

// SetClock overrides the time source used for budget checks (for testing).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// logf prints a progress line if a progress writer is configured.
func (e *Engine) logf(format string, args ...interface{}) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// event appends to the audit trail. Failures are ignored.
func (e *Engine) event(ctx context.Context, ex *execution.Execution, name string, action role.Action, detail string) {
	if e.events == nil {
		return
	}
	_ = e.events.LogPipelineEvent(context.WithoutCancel(ctx), ex.ID, name, string(ex.Phase), string(action), ex.IterationCount, detail)
}

// run is the state of one execution while the engine drives it.
type run struct {
	*Engine
	ex       *execution.Execution
	builder  *appctx.Builder
	log      *slog.Logger
	deadline time.Time
	decision gate.Decision
}

// Run drives the execution to a terminal state. It returns the final record;
// when the execution failed the error is the recorded *execution.Failure.
// Any other error means the terminal state itself could not be stored.
func (e *Engine) Run(ctx context.Context, executionID string) (*execution.Execution, error) {
	ex, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.Status.Terminal() {
		return nil, fmt.Errorf("run execution %s: %w", executionID, execution.ErrImmutable)
	}

	ctx, span := e.tracer.Start(ctx, "phase.run", trace.WithAttributes(
		attribute.String("reqforge.execution_id", ex.ID),
		attribute.String("reqforge.project_id", ex.ProjectID),
	))
	defer span.End()

	r := &run{
		Engine:  e,
		ex:      ex,
		builder: appctx.NewBuilder(e.artifacts, e.project),
		log:     e.logger.With("execution_id", ex.ID),
	}
	if ex.Settings.Budget > 0 {
		r.deadline = e.now().Add(ex.Settings.Budget)
	}

	start := e.now()
	e.logf("execution %s: project %q, threshold %.2f, max iterations %d",
		ex.ID, ex.ProjectID, ex.Settings.QualityThreshold, ex.Settings.MaxIterations)
	r.log.Info("execution started", "project_id", ex.ProjectID)

	final, err := r.drive(ctx, execution.PhaseElicitation)
	if err != nil {
		var f *execution.Failure
		if errors.As(err, &f) {
			span.SetStatus(codes.Error, f.Error())
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return final, err
	}
	span.SetAttributes(
		attribute.String("reqforge.outcome", string(final.Outcome)),
		attribute.Int("reqforge.iterations", final.IterationCount),
	)
	span.SetStatus(codes.Ok, "")
	e.logf("execution %s completed with %s (%s)", final.ID, final.Outcome, e.now().Sub(start).Round(time.Millisecond))
	r.log.Info("execution completed", "outcome", final.Outcome, "iterations", final.IterationCount)
	return final, nil
}

// drive is the state machine. Each phase runs to completion before the next
// one starts; verification is the only phase that may move backwards.
func (r *run) drive(ctx context.Context, p execution.Phase) (*execution.Execution, error) {
	for {
		if err := r.checkpoint(ctx); err != nil {
			return r.fail(ctx, err)
		}
		ex, err := r.executions.EnterPhase(ctx, r.ex.ID, p)
		if err != nil {
			return r.fail(ctx, storageErr(err))
		}
		r.ex = ex
		r.logf("[%s] iteration %d", p, ex.IterationCount)
		r.event(ctx, ex, "phase_entered", "", "")

		phaseCtx, span := r.tracer.Start(ctx, "phase."+string(p), trace.WithAttributes(
			attribute.Int("reqforge.iteration", ex.IterationCount),
		))
		var next execution.Phase
		switch p {
		case execution.PhaseElicitation:
			err = r.elicit(phaseCtx)
			next = p.Next()
		case execution.PhaseModeling:
			err = r.model(phaseCtx)
			next = p.Next()
		case execution.PhaseVerification:
			next, err = r.verify(phaseCtx)
		case execution.PhaseSpecification:
			var final *execution.Execution
			final, err = r.specify(phaseCtx)
			span.End()
			if err != nil {
				return r.fail(ctx, err)
			}
			return final, nil
		default:
			err = fmt.Errorf("unknown phase %q", p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			return r.fail(ctx, err)
		}
		p = next
	}
}

// elicit gathers user stories, runs the question rounds and drafts requirements.
func (r *run) elicit(ctx context.Context) error {
	_, err := r.artifacts.GetLatest(ctx, r.ex.ID, artifact.UserStories)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		if _, _, err := r.step(ctx, role.SpeakUserStories, nil, nil); err != nil {
			return err
		}
	case err != nil:
		return storageErr(err)
	default:
		r.logf("user stories already exist, skipping %s", role.SpeakUserStories)
	}

	rounds := r.ex.Settings.MaxQuestionRounds
	for round := 1; round <= rounds; round++ {
		done, err := r.questionRound(ctx, round, rounds)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	_, _, err = r.step(ctx, role.WriteReqDraft, nil, nil)
	return err
}

// questionRound asks the collector for questions and has the stakeholder
// answer them one at a time. It reports whether questioning is over.
func (r *run) questionRound(ctx context.Context, round, rounds int) (bool, error) {
	r.logf("question round %d/%d", round, rounds)
	res, build, err := r.invoke(ctx, role.ProposeQuestion, nil, nil)
	if err != nil {
		return false, err
	}
	transcript, err := LoadTranscript(build.Artifacts[artifact.QAPairs])
	if err != nil {
		r.log.Warn("previous qa transcript unreadable, starting fresh", "error", err)
		transcript = &Transcript{}
	}

	qs, ok := res.Parsed.(*role.Questions)
	if !ok {
		// Keep what the collector said even though no question could be
		// picked out of it; there is nothing to answer this round.
		content := transcript.Render()
		if content != "" {
			content += "\n"
		}
		content += res.Text
		// The transcript stays the structured form so later rounds and
		// refinement passes keep the earlier pairs.
		data, err := json.Marshal(transcript)
		if err != nil {
			return false, fmt.Errorf("encode qa transcript: %w", err)
		}
		if _, err := r.write(ctx, role.ProposeQuestion, res, build.Inputs, content, data); err != nil {
			return false, err
		}
		r.logf("no questions understood, ending question rounds")
		return true, nil
	}
	if qs.Sufficient {
		r.logf("collector has no further questions")
		r.event(ctx, r.ex, "questions_sufficient", role.ProposeQuestion, fmt.Sprintf("round=%d", round))
		return true, nil
	}

	asked := qs.Questions
	if limit := r.ex.Settings.MaxQuestionsPerRound; limit > 0 && len(asked) > limit {
		asked = asked[:limit]
	}
	pending := transcript.Ask(round, asked...)
	if err := r.writeTranscript(ctx, role.ProposeQuestion, res, build.Inputs, transcript); err != nil {
		return false, err
	}

	for _, i := range pending {
		q := transcript.Pairs[i].Question
		ans, ansBuild, err := r.invoke(ctx, role.AnswerQuestion, nil, prompt.Vars{"question": q})
		if err != nil {
			return false, err
		}
		transcript.Answer(i, ans.Text)
		if err := r.writeTranscript(ctx, role.AnswerQuestion, ans, ansBuild.Inputs, transcript); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (r *run) writeTranscript(ctx context.Context, action role.Action, res *role.RawResult, inputs map[artifact.Type]int, t *Transcript) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode qa transcript: %w", err)
	}
	_, err = r.write(ctx, action, res, inputs, t.Render(), data)
	return err
}

// model extracts entities and then relations against exactly the entity
// version just written.
func (r *run) model(ctx context.Context) error {
	_, entitiesVersion, err := r.step(ctx, role.ExtractEntity, nil, nil)
	if err != nil {
		return err
	}

	pinned := map[artifact.Type]int{artifact.Entities: entitiesVersion}
	res, build, err := r.invoke(ctx, role.ExtractRelation, pinned, nil)
	if err != nil {
		return err
	}
	if rels, ok := res.Parsed.(*role.RelationshipSet); ok {
		var entities role.EntitySet
		if _, err := build.Artifacts[artifact.Entities].Decode(&entities); err != nil {
			r.log.Warn("entities unreadable, relations left unresolved", "error", err)
		}
		rels.Resolve(entities.Entities, entitiesVersion)
		if rels.Unresolved > 0 {
			r.logf("%d relation endpoint(s) name no known entity", rels.Unresolved)
		}
	}
	structured, err := res.Structured()
	if err != nil {
		return err
	}
	_, err = r.write(ctx, role.ExtractRelation, res, build.Inputs, res.Text, structured)
	return err
}

// verify checks the requirements and lets the gate pick the next phase.
func (r *run) verify(ctx context.Context) (execution.Phase, error) {
	res, _, err := r.step(ctx, role.CheckRequirement, nil, nil)
	if err != nil {
		return "", err
	}
	results, _ := res.Parsed.(*role.CheckResults)
	score := 0.0
	if results != nil {
		score = results.QualityScore
	}

	s := r.ex.Settings
	verdict := gate.Evaluate(results, r.ex.IterationCount, s.MaxIterations, s.QualityThreshold)
	ex, err := r.executions.Update(context.WithoutCancel(ctx), r.ex.ID, func(x *execution.Execution) error {
		x.QualityScore = &score
		x.IterationCount = verdict.Iteration
		return nil
	})
	if err != nil {
		return "", storageErr(err)
	}
	r.ex = ex
	r.decision = verdict.Decision

	r.logf("quality %.2f (threshold %.2f): %s → %s (%s)", score, s.QualityThreshold, verdict.Decision, verdict.Next, verdict.Reason)
	r.log.Info("gate decision", "score", score, "decision", verdict.Decision, "next", verdict.Next, "iteration", verdict.Iteration)
	r.event(ctx, ex, "gate_decision", role.CheckRequirement,
		fmt.Sprintf("score=%.2f decision=%s next=%s", score, verdict.Decision, verdict.Next))
	return verdict.Next, nil
}

// specify writes the SRS, or a check report when the gate ran out of budget,
// and completes the execution.
func (r *run) specify(ctx context.Context) (*execution.Execution, error) {
	action, outcome := role.WriteSRS, execution.OutcomeSRS
	if r.decision == gate.ExhaustStop {
		action, outcome = role.WriteCheckReport, execution.OutcomeCheckReport
	}
	if _, _, err := r.step(ctx, action, nil, nil); err != nil {
		return nil, err
	}
	// The terminal event goes first so a reader that sees the terminal
	// status also sees it.
	r.event(ctx, r.ex, "completed", action, string(outcome))
	ex, err := r.executions.Complete(ctx, r.ex.ID, outcome)
	if err != nil {
		return nil, storageErr(err)
	}
	r.ex = ex
	return ex, nil
}

// step invokes an action and stores its output as-is. It returns the stored version.
func (r *run) step(ctx context.Context, action role.Action, pinned map[artifact.Type]int, vars prompt.Vars) (*role.RawResult, int, error) {
	res, build, err := r.invoke(ctx, action, pinned, vars)
	if err != nil {
		return nil, 0, err
	}
	structured, err := res.Structured()
	if err != nil {
		return nil, 0, err
	}
	v, err := r.write(ctx, action, res, build.Inputs, res.Text, structured)
	if err != nil {
		return nil, 0, err
	}
	return res, v, nil
}

// invoke checks for cancellation and budget, assembles the action's inputs
// and calls the role.
func (r *run) invoke(ctx context.Context, action role.Action, pinned map[artifact.Type]int, vars prompt.Vars) (*role.RawResult, *appctx.BuildResult, error) {
	if err := r.checkpoint(ctx); err != nil {
		return nil, nil, &stepError{Action: action, Err: err}
	}
	binding, err := role.Lookup(action)
	if err != nil {
		return nil, nil, err
	}
	build, err := r.builder.Build(ctx, r.ex, appctx.BuildOpts{Action: action, Pinned: pinned, Vars: vars})
	if err != nil {
		return nil, nil, &stepError{Action: action, Err: storageErr(err)}
	}

	r.logf("[%s] %s (%s)", binding.Phase, action, binding.Role)
	r.event(ctx, r.ex, "action_started", action, "")
	res, err := r.invoker.Invoke(ctx, binding.Role, action, role.Input{
		ExecutionID: r.ex.ID,
		Profile:     r.ex.Settings.Roles[string(binding.Role)],
		Vars:        build.Vars,
	})
	if err != nil {
		r.event(ctx, r.ex, "action_failed", action, err.Error())
		return nil, nil, err
	}
	if res.Kind == role.ResultRaw {
		r.logf("%s output not understood, stored as raw text", action)
	}
	return res, build, nil
}

// write stores an action's output with its provenance.
func (r *run) write(ctx context.Context, action role.Action, res *role.RawResult, inputs map[artifact.Type]int, content string, structured json.RawMessage) (int, error) {
	binding, err := role.Lookup(action)
	if err != nil {
		return 0, err
	}
	// A completed call's output is kept even if the execution is being cancelled.
	v, err := r.artifacts.Put(context.WithoutCancel(ctx), r.ex.ID, binding.Output, content, artifact.Metadata{
		Role:            string(binding.Role),
		CausedBy:        string(action),
		SentFrom:        string(binding.Role),
		SendTo:          binding.SendTo,
		ParseConfidence: res.Confidence(),
		Iteration:       r.ex.IterationCount,
		Inputs:          inputs,
		Structured:      structured,
	})
	if err != nil {
		return 0, &stepError{Action: action, Err: storageErr(err)}
	}
	r.event(ctx, r.ex, "artifact_written", action, fmt.Sprintf("%s v%d", binding.Output, v))
	return v, nil
}

// checkpoint is where cancellation and the overall budget take effect.
func (r *run) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.deadline.IsZero() && r.now().After(r.deadline) {
		return ErrBudgetExceeded
	}
	return nil
}

// fail records the execution as failed. Artifacts written so far are kept.
func (r *run) fail(ctx context.Context, cause error) (*execution.Execution, error) {
	f := failureFrom(cause)
	r.logf("execution %s failed: %s", r.ex.ID, f.Error())
	r.log.Error("execution failed", "action", f.Action, "category", f.Category, "error", cause)

	r.event(ctx, r.ex, "failed", role.Action(f.Action), fmt.Sprintf("%s: %s", f.Category, f.Message))
	ex, err := r.executions.Fail(context.WithoutCancel(ctx), r.ex.ID, f)
	if err != nil {
		return r.ex, fmt.Errorf("record failure of execution %s (%s): %w", r.ex.ID, f.Error(), err)
	}
	r.ex = ex
	return ex, ex.Failure
}
