package phase

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/reqforge/internal/artifact"
	"github.com/lucasnoah/reqforge/internal/config"
	"github.com/lucasnoah/reqforge/internal/db"
	"github.com/lucasnoah/reqforge/internal/execution"
	"github.com/lucasnoah/reqforge/internal/llm"
	"github.com/lucasnoah/reqforge/internal/role"
)

type harness struct {
	db         *db.DB
	artifacts  *artifact.Store
	executions *execution.Store
	provider   *llm.Scripted
	engine     *Engine
	progress   *bytes.Buffer
}

func newHarness(t *testing.T, provider *llm.Scripted) *harness {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, d.Migrate())
	t.Cleanup(func() { d.Close() })

	inv := role.NewInvoker(provider, role.Policy{MaxAttempts: 3, Backoff: time.Millisecond},
		role.WithCallLogger(d))
	inv.Sleep = func(context.Context, time.Duration) error { return nil }

	h := &harness{
		db:         d,
		artifacts:  artifact.NewStore(d),
		executions: execution.NewStore(d),
		provider:   provider,
		progress:   &bytes.Buffer{},
	}
	h.engine = NewEngine(inv, h.artifacts, h.executions, d)
	h.engine.SetProgress(h.progress)
	return h
}

func (h *harness) create(t *testing.T, mutate func(*execution.Settings)) *execution.Execution {
	t.Helper()
	s := execution.SettingsFrom(config.Default())
	s.MaxIterations = 1
	s.QualityThreshold = 0.8
	if mutate != nil {
		mutate(&s)
	}
	ex := &execution.Execution{
		ProjectID:   "shop",
		InputText:   "An online shop for books.",
		Fingerprint: "fp",
		Phase:       execution.PhaseElicitation,
		Settings:    s,
	}
	require.NoError(t, h.executions.Create(context.Background(), ex))
	return ex
}

func (h *harness) has(t *testing.T, id string, typ artifact.Type) bool {
	t.Helper()
	_, err := h.artifacts.GetLatest(context.Background(), id, typ)
	if errors.Is(err, artifact.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestRunAdvancesOnFirstPass(t *testing.T) {
	h := newHarness(t, llm.NewStub(0.9))
	ex := h.create(t, nil)

	final, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, final.Status)
	assert.Equal(t, execution.OutcomeSRS, final.Outcome)
	assert.Equal(t, 0, final.IterationCount)
	require.NotNil(t, final.QualityScore)
	assert.InDelta(t, 0.9, *final.QualityScore, 1e-9)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, []execution.Phase{
		execution.PhaseElicitation, execution.PhaseModeling, execution.PhaseVerification,
		execution.PhaseSpecification, execution.PhaseDone,
	}, final.PhaseHistory)

	assert.True(t, h.has(t, ex.ID, artifact.SRS))
	assert.False(t, h.has(t, ex.ID, artifact.CheckReport))
	assert.Equal(t, 1, h.provider.CallCount(string(role.CheckRequirement)))

	assert.Contains(t, h.progress.String(), "→ [elicitation] speak_user_stories (stakeholder)")
}

func TestRunExhaustsIntoCheckReport(t *testing.T) {
	h := newHarness(t, llm.NewStub(0.55))
	ex := h.create(t, nil)

	final, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, final.Status)
	assert.Equal(t, execution.OutcomeCheckReport, final.Outcome)
	assert.Equal(t, 1, final.IterationCount)
	require.NotNil(t, final.QualityScore)
	assert.InDelta(t, 0.55, *final.QualityScore, 1e-9)

	assert.True(t, h.has(t, ex.ID, artifact.CheckReport))
	assert.False(t, h.has(t, ex.ID, artifact.SRS))

	// One refinement loop: two checks. No missing information, so the loop
	// goes back to modeling and user stories are never regenerated.
	assert.Equal(t, 2, h.provider.CallCount(string(role.CheckRequirement)))
	assert.Equal(t, 1, h.provider.CallCount(string(role.SpeakUserStories)))
	assert.Equal(t, 1, h.provider.CallCount(string(role.WriteReqDraft)))
	assert.Equal(t, 2, h.provider.CallCount(string(role.ExtractEntity)))
	assert.Equal(t, []execution.Phase{
		execution.PhaseElicitation, execution.PhaseModeling, execution.PhaseVerification,
		execution.PhaseModeling, execution.PhaseVerification,
		execution.PhaseSpecification, execution.PhaseDone,
	}, final.PhaseHistory)

	checks, err := h.artifacts.History(context.Background(), ex.ID, artifact.CheckResults)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, 0, checks[0].Iteration)
	assert.Equal(t, 1, checks[1].Iteration)
}

func TestRunMissingInformationRefinesElicitation(t *testing.T) {
	passing, _ := llm.StubResponse(string(role.CheckRequirement), 0.9)
	p := llm.NewStub(0.9).On(string(role.CheckRequirement),
		llm.Response{Text: "Overall Quality Score: 5/10\nMissing Information: 2"},
		llm.Response{Text: passing},
	)
	h := newHarness(t, p)
	ex := h.create(t, func(s *execution.Settings) { s.MaxIterations = 3 })

	final, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)

	assert.Equal(t, execution.OutcomeSRS, final.Outcome)
	assert.Equal(t, 1, final.IterationCount)
	assert.Equal(t, 1, p.CallCount(string(role.SpeakUserStories)))
	assert.Equal(t, 2, p.CallCount(string(role.WriteReqDraft)))
	assert.Equal(t, execution.PhaseElicitation, final.PhaseHistory[3])

	// The second draft was written with the first check results in view.
	drafts, err := h.artifacts.History(context.Background(), ex.ID, artifact.RequirementsDraft)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, 1, drafts[1].Inputs[artifact.CheckResults])
	assert.NotContains(t, drafts[0].Inputs, artifact.CheckResults)
}

func TestRunPermanentFailureOnExtractEntity(t *testing.T) {
	p := llm.NewStub(0.9).On(string(role.ExtractEntity),
		llm.Response{Err: llm.NewPermanent("scripted", "invalid request", nil)})
	h := newHarness(t, p)
	ex := h.create(t, nil)

	final, err := h.engine.Run(context.Background(), ex.ID)
	require.Error(t, err)
	var f *execution.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, string(role.ExtractEntity), f.Action)
	assert.Equal(t, execution.FailurePermanent, f.Category)

	assert.Equal(t, execution.StatusFailed, final.Status)
	assert.Equal(t, execution.PhaseFailed, final.Phase)
	require.NotNil(t, final.Failure)
	assert.Equal(t, string(role.ExtractEntity), final.Failure.Action)

	assert.True(t, h.has(t, ex.ID, artifact.RequirementsDraft))
	for _, typ := range []artifact.Type{artifact.Entities, artifact.Relationships, artifact.CheckResults, artifact.SRS} {
		assert.False(t, h.has(t, ex.ID, typ), "%s should not exist", typ)
	}
	assert.Equal(t, 1, p.CallCount(string(role.ExtractEntity)))
	assert.Zero(t, p.CallCount(string(role.ExtractRelation)))

	stored, err := h.executions.Get(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, stored.Status)
	assert.Equal(t, execution.FailurePermanent, stored.Failure.Category)
}

func TestRunTransientExhaustionFails(t *testing.T) {
	p := llm.NewStub(0.9).On(string(role.CheckRequirement),
		llm.Response{Err: llm.NewTransient("scripted", "503 service unavailable", nil)})
	h := newHarness(t, p)
	ex := h.create(t, nil)

	final, err := h.engine.Run(context.Background(), ex.ID)
	require.Error(t, err)
	assert.Equal(t, execution.FailureTransient, final.Failure.Category)
	assert.Equal(t, string(role.CheckRequirement), final.Failure.Action)
	assert.Equal(t, 3, p.CallCount(string(role.CheckRequirement)))

	calls, err := h.db.GetRoleCalls(context.Background(), ex.ID)
	require.NoError(t, err)
	transient := 0
	for _, c := range calls {
		if c.Outcome == db.CallTransient {
			transient++
		}
	}
	assert.Equal(t, 3, transient)
}

func TestRunCancelledBetweenActions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := llm.NewStub(0.9)
	stub := p.Fallback
	p.Fallback = func(req llm.Request) (string, error) {
		if req.Action == string(role.WriteReqDraft) {
			cancel()
		}
		return stub(req)
	}
	h := newHarness(t, p)
	ex := h.create(t, nil)

	final, err := h.engine.Run(ctx, ex.ID)
	require.Error(t, err)
	assert.Equal(t, execution.StatusFailed, final.Status)
	assert.Equal(t, execution.FailureCancelled, final.Failure.Category)

	// The call in flight when cancel arrived still completed and was stored.
	assert.True(t, h.has(t, ex.ID, artifact.RequirementsDraft))
	assert.False(t, h.has(t, ex.ID, artifact.Entities))
	assert.Zero(t, p.CallCount(string(role.ExtractEntity)))
}

func TestRunBudgetExceeded(t *testing.T) {
	h := newHarness(t, llm.NewStub(0.9))
	ex := h.create(t, func(s *execution.Settings) { s.Budget = time.Second })

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.engine.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	final, err := h.engine.Run(context.Background(), ex.ID)
	require.Error(t, err)
	assert.Equal(t, execution.StatusFailed, final.Status)
	assert.Equal(t, execution.FailureBudgetExceeded, final.Failure.Category)
}

func TestRunUnparsedCheckResultsScoreZero(t *testing.T) {
	p := llm.NewStub(0.9).On(string(role.CheckRequirement),
		llm.Response{Text: "Looks mostly fine to me."})
	h := newHarness(t, p)
	ex := h.create(t, nil)

	final, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.OutcomeCheckReport, final.Outcome)
	require.NotNil(t, final.QualityScore)
	assert.Zero(t, *final.QualityScore)
	// Unreadable results send the refinement back to elicitation.
	assert.Equal(t, execution.PhaseElicitation, final.PhaseHistory[3])

	a, err := h.artifacts.GetLatest(context.Background(), ex.ID, artifact.CheckResults)
	require.NoError(t, err)
	assert.Equal(t, artifact.ConfidenceLow, a.ParseConfidence)
	assert.Equal(t, "Looks mostly fine to me.", a.Content)
}

func TestRunQuestionRounds(t *testing.T) {
	h := newHarness(t, llm.NewStub(0.9))
	ex := h.create(t, func(s *execution.Settings) {
		s.MaxQuestionRounds = 2
		s.MaxQuestionsPerRound = 1
	})

	_, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, h.provider.CallCount(string(role.ProposeQuestion)))
	assert.Equal(t, 2, h.provider.CallCount(string(role.AnswerQuestion)))

	qa, err := h.artifacts.GetLatest(context.Background(), ex.ID, artifact.QAPairs)
	require.NoError(t, err)
	assert.Equal(t, 4, qa.Version)
	var tr Transcript
	ok, err := qa.Decode(&tr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, tr.Pairs, 2)
	assert.Equal(t, 1, tr.Pairs[0].Round)
	assert.Equal(t, 2, tr.Pairs[1].Round)
	assert.NotEmpty(t, tr.Pairs[1].Answer)
	assert.Contains(t, qa.Content, "Q1: Which payment methods")

	calls := h.provider.Calls()
	var asked []string
	for _, c := range calls {
		if c.Action == string(role.AnswerQuestion) {
			asked = append(asked, c.Prompt)
		}
	}
	require.Len(t, asked, 2)
	assert.Contains(t, asked[0], "Which payment methods must be supported at launch?")
}

func TestRunUnparsedQuestionsKeepTranscript(t *testing.T) {
	round1, ok := llm.StubResponse(string(role.ProposeQuestion), 0.9)
	require.True(t, ok)
	p := llm.NewStub(0.9).On(string(role.ProposeQuestion),
		llm.Response{Text: round1},
		llm.Response{Text: "I would rather hear more about the shop first."})
	h := newHarness(t, p)
	ex := h.create(t, func(s *execution.Settings) {
		s.MaxQuestionRounds = 2
		s.MaxQuestionsPerRound = 1
	})

	_, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.CallCount(string(role.ProposeQuestion)))
	assert.Equal(t, 1, p.CallCount(string(role.AnswerQuestion)))

	qa, err := h.artifacts.GetLatest(context.Background(), ex.ID, artifact.QAPairs)
	require.NoError(t, err)
	assert.Equal(t, artifact.ConfidenceLow, qa.ParseConfidence)
	assert.Contains(t, qa.Content, "I would rather hear more")

	tr, err := LoadTranscript(qa)
	require.NoError(t, err)
	require.Len(t, tr.Pairs, 1)
	assert.Equal(t, 1, tr.Pairs[0].Round)
	assert.NotEmpty(t, tr.Pairs[0].Answer)
}

func TestRunStopsQuestioningWhenSufficient(t *testing.T) {
	p := llm.NewStub(0.9).On(string(role.ProposeQuestion), llm.Response{Text: "NO FURTHER QUESTIONS"})
	h := newHarness(t, p)
	ex := h.create(t, func(s *execution.Settings) { s.MaxQuestionRounds = 3 })

	_, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.CallCount(string(role.ProposeQuestion)))
	assert.Zero(t, p.CallCount(string(role.AnswerQuestion)))
	assert.False(t, h.has(t, ex.ID, artifact.QAPairs))
}

func TestRunWithoutQuestionRounds(t *testing.T) {
	h := newHarness(t, llm.NewStub(0.9))
	ex := h.create(t, func(s *execution.Settings) { s.MaxQuestionRounds = 0 })

	_, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Zero(t, h.provider.CallCount(string(role.ProposeQuestion)))
}

func TestRunRelationsUsePinnedEntities(t *testing.T) {
	h := newHarness(t, llm.NewStub(0.55))
	ex := h.create(t, nil)

	_, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)

	rels, err := h.artifacts.History(context.Background(), ex.ID, artifact.Relationships)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	for i, a := range rels {
		entitiesVersion := i + 1
		assert.Equal(t, entitiesVersion, a.Inputs[artifact.Entities])

		var set role.RelationshipSet
		ok, err := a.Decode(&set)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, entitiesVersion, set.EntitiesVersion)
		assert.Zero(t, set.Unresolved)
		assert.Equal(t, "E1", set.Relationships[0].SourceID)
	}
}

func TestRunRecordsProvenanceAndEvents(t *testing.T) {
	h := newHarness(t, llm.NewStub(0.9))
	ex := h.create(t, nil)

	_, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)

	srs, err := h.artifacts.GetLatest(context.Background(), ex.ID, artifact.SRS)
	require.NoError(t, err)
	assert.Equal(t, "documenter", srs.Role)
	assert.Equal(t, string(role.WriteSRS), srs.CausedBy)
	assert.Equal(t, role.User, srs.SendTo)
	assert.Equal(t, artifact.ConfidenceHigh, srs.ParseConfidence)
	for _, typ := range []artifact.Type{artifact.UserStories, artifact.RequirementsDraft, artifact.Entities, artifact.Relationships, artifact.CheckResults} {
		assert.Contains(t, srs.Inputs, typ)
	}

	events, err := h.db.GetPipelineEvents(context.Background(), ex.ID)
	require.NoError(t, err)
	names := make(map[string]int)
	for _, e := range events {
		names[e.Event]++
	}
	assert.Equal(t, 4, names["phase_entered"])
	assert.Equal(t, 1, names["gate_decision"])
	assert.Equal(t, 1, names["completed"])
}

// statusAtEvent records the stored execution status at the moment each
// terminal event is logged.
type statusAtEvent struct {
	EventLogger
	executions *execution.Store
	seen       map[string]execution.Status
}

func (s *statusAtEvent) LogPipelineEvent(ctx context.Context, executionID, event, phase, action string, iteration int, detail string) error {
	if event == "completed" || event == "failed" {
		ex, err := s.executions.Get(ctx, executionID)
		if err != nil {
			return err
		}
		s.seen[event] = ex.Status
	}
	return s.EventLogger.LogPipelineEvent(ctx, executionID, event, phase, action, iteration, detail)
}

func TestRunLogsTerminalEventBeforeTransition(t *testing.T) {
	tests := []struct {
		name  string
		p     *llm.Scripted
		event string
	}{
		{"completed", llm.NewStub(0.9), "completed"},
		{"failed", llm.NewStub(0.9).On(string(role.ExtractEntity),
			llm.Response{Err: llm.NewPermanent("scripted", "invalid request", nil)}), "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.p)
			spy := &statusAtEvent{EventLogger: h.db, executions: h.executions, seen: make(map[string]execution.Status)}
			h.engine.events = spy
			ex := h.create(t, nil)

			_, _ = h.engine.Run(context.Background(), ex.ID)

			status, ok := spy.seen[tt.event]
			require.True(t, ok, "no %s event", tt.event)
			assert.False(t, status.Terminal(), "status was already %s when the event was logged", status)

			events, err := h.db.GetPipelineEvents(context.Background(), ex.ID)
			require.NoError(t, err)
			require.NotEmpty(t, events)
			assert.Equal(t, tt.event, events[len(events)-1].Event)
		})
	}
}

func TestRunRejectsFinishedExecution(t *testing.T) {
	h := newHarness(t, llm.NewStub(0.9))
	ex := h.create(t, nil)
	_, err := h.engine.Run(context.Background(), ex.ID)
	require.NoError(t, err)

	_, err = h.engine.Run(context.Background(), ex.ID)
	assert.ErrorIs(t, err, execution.ErrImmutable)
}

func TestTranscriptRender(t *testing.T) {
	var tr Transcript
	idx := tr.Ask(1, "Who pays?", "How many users?")
	tr.Answer(idx[0], "  Customers.  ")
	assert.Equal(t, "Q1: Who pays?\nA1: Customers.\n\nQ2: How many users?\nA2: (awaiting answer)\n", tr.Render())

	empty, err := LoadTranscript(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Pairs)
}

func TestFailureFrom(t *testing.T) {
	ae := &role.ActionError{Action: role.WriteSRS, Category: execution.FailureTransient, Err: errors.New("timeout")}
	f := failureFrom(ae)
	assert.Equal(t, "write_srs", f.Action)
	assert.Equal(t, execution.FailureTransient, f.Category)
	assert.Equal(t, "timeout", f.Message)

	f = failureFrom(&stepError{Action: role.ExtractEntity, Err: storageErr(errors.New("disk full"))})
	assert.Equal(t, "extract_entity", f.Action)
	assert.Equal(t, execution.FailureStorage, f.Category)

	assert.Equal(t, execution.FailureCancelled, failureFrom(context.Canceled).Category)
	assert.Equal(t, execution.FailureBudgetExceeded, failureFrom(ErrBudgetExceeded).Category)
}
