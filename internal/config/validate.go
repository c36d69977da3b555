package config

import (
	"fmt"
	"sort"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedProviders is the set of valid provider names.
var recognizedProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"ollama":    true,
	"stub":      true,
}

var recognizedDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	if p.MaxIterations < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.max_iterations", Message: "must be at least 1"})
	}
	if p.QualityThreshold < 0 || p.QualityThreshold > 1 {
		errs = append(errs, ValidationError{Field: "pipeline.quality_threshold", Message: "must be between 0 and 1"})
	}
	if p.QuestionRounds() < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.max_question_rounds", Message: "must not be negative"})
	}
	if p.MaxQuestionsPerRound < 1 {
		errs = append(errs, ValidationError{Field: "pipeline.max_questions_per_round", Message: "must be at least 1"})
	}
	errs = append(errs, validateDuration("pipeline.budget", p.Budget)...)

	if cfg.Cache.TTLSeconds != nil && *cfg.Cache.TTLSeconds < 0 {
		errs = append(errs, ValidationError{Field: "cache.ttl_seconds", Message: "must not be negative"})
	}

	pr := cfg.Provider
	if !recognizedProviders[pr.Name] {
		errs = append(errs, ValidationError{
			Field:   "provider.name",
			Message: fmt.Sprintf("unrecognized provider %q", pr.Name),
		})
	}
	if pr.MaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "provider.max_attempts", Message: "must be at least 1"})
	}
	if pr.RequestsPerSecond < 0 {
		errs = append(errs, ValidationError{Field: "provider.requests_per_second", Message: "must not be negative"})
	}
	if pr.StubScore < 0 || pr.StubScore > 1 {
		errs = append(errs, ValidationError{Field: "provider.stub_score", Message: "must be between 0 and 1"})
	}
	errs = append(errs, validateDuration("provider.timeout", pr.Timeout)...)
	errs = append(errs, validateDuration("provider.backoff", pr.Backoff)...)
	errs = append(errs, validateDuration("provider.max_backoff", pr.MaxBackoff)...)

	for _, name := range RoleNames {
		rc, ok := cfg.Roles[name]
		if !ok {
			errs = append(errs, ValidationError{Field: "roles." + name, Message: "is required"})
			continue
		}
		if rc.Model == "" {
			errs = append(errs, ValidationError{Field: "roles." + name + ".model", Message: "is required"})
		}
		if rc.Temperature < 0 || rc.Temperature > 2 {
			errs = append(errs, ValidationError{Field: "roles." + name + ".temperature", Message: "must be between 0 and 2"})
		}
		if rc.MaxTokens < 0 {
			errs = append(errs, ValidationError{Field: "roles." + name + ".max_tokens", Message: "must not be negative"})
		}
	}

	known := make(map[string]bool, len(RoleNames))
	for _, name := range RoleNames {
		known[name] = true
	}
	var unknown []string
	for name := range cfg.Roles {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, ValidationError{Field: "roles." + name, Message: "unknown role"})
	}

	if !recognizedDrivers[cfg.Storage.Driver] {
		errs = append(errs, ValidationError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("unrecognized driver %q", cfg.Storage.Driver),
		})
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DSN == "" {
		errs = append(errs, ValidationError{Field: "storage.dsn", Message: "is required for postgres"})
	}

	return errs
}

func validateDuration(field, value string) []ValidationError {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return []ValidationError{{Field: field, Message: fmt.Sprintf("invalid duration %q", value)}}
	}
	if d < 0 {
		return []ValidationError{{Field: field, Message: "must not be negative"}}
	}
	return nil
}
