package config

import "time"

// Config is the top-level configuration structure parsed from reqforge YAML.
type Config struct {
	Project  Project               `yaml:"project"`
	Pipeline Pipeline              `yaml:"pipeline"`
	Cache    Cache                 `yaml:"cache"`
	Provider Provider              `yaml:"provider"`
	Roles    map[string]RoleConfig `yaml:"roles"`
	Storage  Storage               `yaml:"storage"`
	Output   Output                `yaml:"output"`
	Server   Server                `yaml:"server"`
}

// Project identifies the default project executions are filed under.
type Project struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Domain string `yaml:"domain"`
}

// Pipeline holds the iteration and quality bounds for one execution.
type Pipeline struct {
	MaxIterations        int     `yaml:"max_iterations"`
	QualityThreshold     float64 `yaml:"quality_threshold"`
	MaxQuestionRounds    *int    `yaml:"max_question_rounds"`
	MaxQuestionsPerRound int     `yaml:"max_questions_per_round"`
	// Budget is an optional overall wall-clock limit, e.g. "30m".
	Budget     string `yaml:"budget"`
	PromptsDir string `yaml:"prompts_dir"`
}

// QuestionRounds returns the configured question round limit. Zero is a
// valid setting and disables the question sub-loop.
func (p Pipeline) QuestionRounds() int {
	if p.MaxQuestionRounds == nil {
		return DefaultQuestionRounds
	}
	return *p.MaxQuestionRounds
}

// BudgetDuration parses Budget. An empty budget means no limit.
func (p Pipeline) BudgetDuration() time.Duration {
	if p.Budget == "" {
		return 0
	}
	d, err := time.ParseDuration(p.Budget)
	if err != nil {
		return 0
	}
	return d
}

// Cache controls reuse of prior executions.
type Cache struct {
	Enabled    *bool `yaml:"enabled"`
	TTLSeconds *int  `yaml:"ttl_seconds"`
}

// IsEnabled reports whether cache lookups are performed.
func (c Cache) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TTL returns the cache validity window.
func (c Cache) TTL() time.Duration {
	if c.TTLSeconds == nil {
		return DefaultTTLSeconds * time.Second
	}
	return time.Duration(*c.TTLSeconds) * time.Second
}

// Provider configures the language-model backend and the call policy the
// role invoker applies to it.
type Provider struct {
	Name              string  `yaml:"name"`
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Timeout           string  `yaml:"timeout"`
	MaxAttempts       int     `yaml:"max_attempts"`
	Backoff           string  `yaml:"backoff"`
	MaxBackoff        string  `yaml:"max_backoff"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// StubScore is the quality score the stub provider reports.
	StubScore float64 `yaml:"stub_score"`
}

// TimeoutDuration returns the per-call timeout.
func (p Provider) TimeoutDuration() time.Duration { return parseOr(p.Timeout, DefaultCallTimeout) }

// BackoffDuration returns the initial retry delay.
func (p Provider) BackoffDuration() time.Duration { return parseOr(p.Backoff, DefaultBackoff) }

// MaxBackoffDuration returns the cap on the retry delay.
func (p Provider) MaxBackoffDuration() time.Duration { return parseOr(p.MaxBackoff, DefaultMaxBackoff) }

// RoleConfig is the per-role model profile. Parameters are passed through to
// the provider untouched.
type RoleConfig struct {
	Model        string         `yaml:"model"`
	Temperature  float64        `yaml:"temperature"`
	MaxTokens    int            `yaml:"max_tokens"`
	SystemPrompt string         `yaml:"system_prompt"`
	Parameters   map[string]any `yaml:"parameters"`
}

// Storage selects the durable backend.
type Storage struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Output controls where exported documents are written.
type Output struct {
	Dir string `yaml:"dir"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `yaml:"addr"`
}

func parseOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
