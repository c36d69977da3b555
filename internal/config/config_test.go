package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
project:
  id: shop
  name: Online Shop
  domain: e-commerce
pipeline:
  max_iterations: 3
  quality_threshold: 0.75
  max_question_rounds: 1
  budget: "20m"
cache:
  ttl_seconds: 600
provider:
  name: openai
  timeout: "45s"
  max_attempts: 4
  backoff: "500ms"
  requests_per_second: 2
roles:
  modeler:
    model: gpt-4o
    temperature: 0.2
    parameters:
      top_p: 0.9
storage:
  driver: sqlite
  dsn: /tmp/reqforge-test.db
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "reqforge.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Project.ID != "shop" {
		t.Errorf("Project.ID = %q, want %q", cfg.Project.ID, "shop")
	}
	if cfg.Pipeline.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", cfg.Pipeline.MaxIterations)
	}
	if cfg.Pipeline.QualityThreshold != 0.75 {
		t.Errorf("QualityThreshold = %v, want 0.75", cfg.Pipeline.QualityThreshold)
	}
	if cfg.Pipeline.QuestionRounds() != 1 {
		t.Errorf("QuestionRounds() = %d, want 1", cfg.Pipeline.QuestionRounds())
	}
	if cfg.Pipeline.BudgetDuration() != 20*time.Minute {
		t.Errorf("BudgetDuration() = %v, want 20m", cfg.Pipeline.BudgetDuration())
	}
	if cfg.Cache.TTL() != 10*time.Minute {
		t.Errorf("TTL() = %v, want 10m", cfg.Cache.TTL())
	}
	if cfg.Provider.TimeoutDuration() != 45*time.Second {
		t.Errorf("TimeoutDuration() = %v, want 45s", cfg.Provider.TimeoutDuration())
	}
	if cfg.Provider.BackoffDuration() != 500*time.Millisecond {
		t.Errorf("BackoffDuration() = %v, want 500ms", cfg.Provider.BackoffDuration())
	}
	if cfg.Storage.DSN != "/tmp/reqforge-test.db" {
		t.Errorf("Storage.DSN = %q", cfg.Storage.DSN)
	}
}

func TestDefaultsMerge(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// modeler overrides model and temperature but inherits max_tokens
	modeler := cfg.Roles["modeler"]
	if modeler.Model != "gpt-4o" {
		t.Errorf("modeler.Model = %q, want %q (explicit)", modeler.Model, "gpt-4o")
	}
	if modeler.MaxTokens != 2048 {
		t.Errorf("modeler.MaxTokens = %d, want 2048 (from defaults)", modeler.MaxTokens)
	}
	if modeler.Parameters["top_p"] != 0.9 {
		t.Errorf("modeler.Parameters[top_p] = %v, want 0.9", modeler.Parameters["top_p"])
	}

	// documenter is not configured at all
	doc := cfg.Roles["documenter"]
	if doc.Model != "gpt-3.5-turbo" || doc.MaxTokens != 4096 {
		t.Errorf("documenter = %+v, want gpt-3.5-turbo/4096", doc)
	}
	if !strings.Contains(doc.SystemPrompt, "documenter") {
		t.Errorf("documenter.SystemPrompt = %q, want role name", doc.SystemPrompt)
	}

	if cfg.Provider.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("APIKeyEnv = %q, want OPENAI_API_KEY", cfg.Provider.APIKeyEnv)
	}
	if !cfg.Cache.IsEnabled() {
		t.Error("cache should be enabled by default")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Pipeline.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations = %d, want %d", cfg.Pipeline.MaxIterations, DefaultMaxIterations)
	}
	if cfg.Pipeline.QualityThreshold != DefaultQualityThreshold {
		t.Errorf("QualityThreshold = %v, want %v", cfg.Pipeline.QualityThreshold, DefaultQualityThreshold)
	}
	if cfg.Pipeline.BudgetDuration() != 0 {
		t.Errorf("BudgetDuration() = %v, want 0", cfg.Pipeline.BudgetDuration())
	}
	if cfg.Cache.TTL() != time.Hour {
		t.Errorf("TTL() = %v, want 1h", cfg.Cache.TTL())
	}
	if len(cfg.Roles) != 5 {
		t.Errorf("len(Roles) = %d, want 5", len(cfg.Roles))
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate(Default()) = %v, want no errors", errs)
	}
}

func TestZeroQuestionRoundsKept(t *testing.T) {
	cfg, err := Parse([]byte("pipeline:\n  max_question_rounds: 0\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.Pipeline.QuestionRounds() != 0 {
		t.Errorf("QuestionRounds() = %d, want 0", cfg.Pipeline.QuestionRounds())
	}
}

func TestZeroTTLKept(t *testing.T) {
	cfg, err := Parse([]byte("cache:\n  ttl_seconds: 0\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.Cache.TTL() != 0 {
		t.Errorf("TTL() = %v, want 0", cfg.Cache.TTL())
	}
	if cfg.Cache.IsEnabled() {
		t.Error("cache should be disabled")
	}
}

func TestValidateValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	errs := Validate(cfg)
	if len(errs) != 0 {
		t.Errorf("Validate() returned %d errors for valid config:", len(errs))
		for _, e := range errs {
			t.Errorf("  - %s", e)
		}
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"negative iterations", "pipeline:\n  max_iterations: -1\n", "pipeline.max_iterations"},
		{"threshold above one", "pipeline:\n  quality_threshold: 1.5\n", "pipeline.quality_threshold"},
		{"negative rounds", "pipeline:\n  max_question_rounds: -2\n", "pipeline.max_question_rounds"},
		{"bad budget", "pipeline:\n  budget: soon\n", "pipeline.budget"},
		{"negative ttl", "cache:\n  ttl_seconds: -5\n", "cache.ttl_seconds"},
		{"unknown provider", "provider:\n  name: carrier-pigeon\n", "provider.name"},
		{"bad timeout", "provider:\n  timeout: forever\n", "provider.timeout"},
		{"hot temperature", "roles:\n  checker:\n    temperature: 3\n", "roles.checker.temperature"},
		{"unknown role", "roles:\n  architect:\n    model: gpt-4\n", "roles.architect"},
		{"unknown driver", "storage:\n  driver: mongo\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "storage.dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			errs := Validate(cfg)
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %q, got %v", tt.field, errs)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/reqforge.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTestConfig(t, "pipeline: [unclosed")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestUseProvider(t *testing.T) {
	cfg := Default()
	cfg.UseProvider("Anthropic")
	if cfg.Provider.Name != "anthropic" {
		t.Errorf("name = %q, want anthropic", cfg.Provider.Name)
	}
	if cfg.Provider.APIKeyEnv != "ANTHROPIC_API_KEY" {
		t.Errorf("api key env = %q, want ANTHROPIC_API_KEY", cfg.Provider.APIKeyEnv)
	}

	cfg.Provider.APIKeyEnv = "MY_KEY"
	cfg.UseProvider("openai")
	if cfg.Provider.APIKeyEnv != "MY_KEY" {
		t.Errorf("custom api key env should be kept, got %q", cfg.Provider.APIKeyEnv)
	}
}
