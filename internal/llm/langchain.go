package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/lucasnoah/reqforge/internal/config"
)

// LangChain adapts a langchaingo model to Provider.
type LangChain struct {
	name  string
	model llms.Model
}

// New builds the provider named in cfg.
func New(cfg config.Provider) (Provider, error) {
	switch cfg.Name {
	case "stub":
		return NewStub(cfg.StubScore), nil
	case "openai":
		key, err := apiKey(cfg)
		if err != nil {
			return nil, err
		}
		opts := []openai.Option{openai.WithToken(key)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, TranslateError("openai", err)
		}
		return &LangChain{name: "openai", model: m}, nil
	case "anthropic":
		key, err := apiKey(cfg)
		if err != nil {
			return nil, err
		}
		opts := []anthropic.Option{anthropic.WithToken(key)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		m, err := anthropic.New(opts...)
		if err != nil {
			return nil, TranslateError("anthropic", err)
		}
		return &LangChain{name: "anthropic", model: m}, nil
	case "ollama":
		serverURL := cfg.BaseURL
		if serverURL == "" {
			serverURL = "http://localhost:11434"
		}
		m, err := ollama.New(ollama.WithServerURL(serverURL))
		if err != nil {
			return nil, TranslateError("ollama", err)
		}
		return &LangChain{name: "ollama", model: m}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

func apiKey(cfg config.Provider) (string, error) {
	if cfg.APIKeyEnv == "" {
		return "", NewPermanent(cfg.Name, "no api_key_env configured", nil)
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return "", NewPermanent(cfg.Name, fmt.Sprintf("api key not set in $%s", cfg.APIKeyEnv), nil)
	}
	return key, nil
}

// Name returns the provider name.
func (p *LangChain) Name() string { return p.name }

// Complete sends the system and user prompt as one chat exchange.
func (p *LangChain) Complete(ctx context.Context, req Request) (string, error) {
	var msgs []llms.MessageContent
	if req.SystemPrompt != "" {
		msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeSystem, req.SystemPrompt))
	}
	msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeHuman, req.Prompt))

	resp, err := p.model.GenerateContent(ctx, msgs, callOptions(req)...)
	if err != nil {
		return "", TranslateError(p.name, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", NewTransient(p.name, "empty completion", nil)
	}
	return resp.Choices[0].Content, nil
}

func callOptions(req Request) []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if v, ok := floatParam(req.Parameters, "top_p"); ok {
		opts = append(opts, llms.WithTopP(v))
	}
	if v, ok := floatParam(req.Parameters, "frequency_penalty"); ok {
		opts = append(opts, llms.WithFrequencyPenalty(v))
	}
	if v, ok := floatParam(req.Parameters, "presence_penalty"); ok {
		opts = append(opts, llms.WithPresencePenalty(v))
	}
	if v, ok := floatParam(req.Parameters, "seed"); ok {
		opts = append(opts, llms.WithSeed(int(v)))
	}
	if stop := stringsParam(req.Parameters, "stop"); len(stop) > 0 {
		opts = append(opts, llms.WithStopWords(stop))
	}
	return opts
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}
