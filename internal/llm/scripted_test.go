package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/reqforge/internal/config"
)

func TestScriptedQueueAndRepeat(t *testing.T) {
	s := NewScripted().On("extract_entity",
		Response{Err: NewTransient("scripted", "rate limit", nil)},
		Response{Text: "1. Customer: buyer"},
	)
	ctx := context.Background()

	_, err := s.Complete(ctx, Request{Action: "extract_entity"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	text, err := s.Complete(ctx, Request{Action: "extract_entity"})
	require.NoError(t, err)
	assert.Equal(t, "1. Customer: buyer", text)

	text, err = s.Complete(ctx, Request{Action: "extract_entity"})
	require.NoError(t, err)
	assert.Equal(t, "1. Customer: buyer", text, "last response repeats")

	assert.Equal(t, 3, s.CallCount("extract_entity"))
	assert.Equal(t, 3, s.CallCount(""))
}

func TestScriptedUnscriptedIsPermanent(t *testing.T) {
	s := NewScripted()
	_, err := s.Complete(context.Background(), Request{Action: "write_srs"})
	require.Error(t, err)
	assert.Equal(t, Permanent, Classify(err))
}

func TestScriptedRecordsRequests(t *testing.T) {
	s := NewScripted().On("write_srs", Response{Text: "# SRS"})
	_, err := s.Complete(context.Background(), Request{Action: "write_srs", Role: "documenter", Model: "gpt-4", Prompt: "p"})
	require.NoError(t, err)

	calls := s.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "documenter", calls[0].Role)
	assert.Equal(t, "gpt-4", calls[0].Model)
}

func TestStubCoversEveryAction(t *testing.T) {
	s := NewStub(0.9)
	actions := []string{
		"speak_user_stories", "propose_question", "answer_question", "write_req_draft",
		"extract_entity", "extract_relation", "check_requirement", "write_srs", "write_check_report",
	}
	for _, a := range actions {
		text, err := s.Complete(context.Background(), Request{Action: a})
		require.NoError(t, err, a)
		assert.NotEmpty(t, text, a)
	}

	text, _ := s.Complete(context.Background(), Request{Action: "check_requirement"})
	assert.Contains(t, text, "Overall Quality Score: 9.0/10")

	_, err := s.Complete(context.Background(), Request{Action: "dance"})
	var le *Error
	assert.True(t, errors.As(err, &le))
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(configProvider("smoke-signals"))
	assert.Error(t, err)
}

func TestNewMissingAPIKey(t *testing.T) {
	t.Setenv("REQFORGE_TEST_MISSING_KEY", "")
	cfg := configProvider("openai")
	cfg.APIKeyEnv = "REQFORGE_TEST_MISSING_KEY"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Equal(t, Permanent, Classify(err))
}

func TestNewStubFromConfig(t *testing.T) {
	cfg := configProvider("stub")
	cfg.StubScore = 0.4
	p, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "stub", p.Name())
	text, err := p.Complete(context.Background(), Request{Action: "check_requirement"})
	require.NoError(t, err)
	assert.Contains(t, text, "4.0/10")
}

func TestCallOptionsFromParameters(t *testing.T) {
	opts := callOptions(Request{
		Model:       "gpt-4",
		Temperature: 0.3,
		MaxTokens:   100,
		Parameters:  map[string]any{"top_p": 0.9, "stop": []any{"END"}},
	})
	assert.Len(t, opts, 5)
}

func configProvider(name string) config.Provider {
	return config.Provider{Name: name}
}
