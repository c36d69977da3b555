package llm

import "context"

// Request is one completion call on behalf of a role.
type Request struct {
	Action       string
	Role         string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Prompt       string
	// Parameters are passed through to the backend untouched.
	Parameters map[string]any
}

// Provider produces free text for a prompt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}
