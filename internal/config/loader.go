package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by applyDefaults.
const (
	DefaultMaxIterations        = 5
	DefaultQualityThreshold     = 0.8
	DefaultQuestionRounds       = 2
	DefaultQuestionsPerRound    = 3
	DefaultTTLSeconds           = 3600
	DefaultMaxAttempts          = 3
	DefaultCallTimeout          = 60 * time.Second
	DefaultBackoff              = time.Second
	DefaultMaxBackoff           = 30 * time.Second
	DefaultStubScore            = 0.9
	DefaultServerAddr           = ":8080"
	DefaultOutputDir            = "output"
	DefaultStorageDriver        = "sqlite"
	DefaultProviderName         = "openai"
	DefaultSystemPromptTemplate = "You are the %s in a requirements engineering team."
)

// RoleNames lists the five roles in pipeline order.
var RoleNames = []string{"stakeholder", "collector", "modeler", "checker", "documenter"}

var defaultRoles = map[string]RoleConfig{
	"stakeholder": {Model: "gpt-3.5-turbo", Temperature: 0.7, MaxTokens: 2048},
	"collector":   {Model: "gpt-3.5-turbo", Temperature: 0.6, MaxTokens: 2048},
	"modeler":     {Model: "gpt-4", Temperature: 0.5, MaxTokens: 2048},
	"checker":     {Model: "gpt-4", Temperature: 0.3, MaxTokens: 2048},
	"documenter":  {Model: "gpt-3.5-turbo", Temperature: 0.4, MaxTokens: 4096},
}

var defaultAPIKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it fills in defaults for everything left blank.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./reqforge.yaml, ~/.reqforge/config.yaml.
// When none exists the built-in defaults are returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"reqforge.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".reqforge", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// UseProvider switches the provider. An API key variable that was left at
// the old provider's default follows the switch.
func (c *Config) UseProvider(name string) {
	name = strings.ToLower(name)
	if c.Provider.APIKeyEnv == defaultAPIKeyEnv[c.Provider.Name] {
		c.Provider.APIKeyEnv = defaultAPIKeyEnv[name]
	}
	c.Provider.Name = name
}

// DefaultDBPath returns ~/.reqforge/reqforge.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "reqforge.db"
	}
	return filepath.Join(home, ".reqforge", "reqforge.db")
}

func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline
	if p.MaxIterations == 0 {
		p.MaxIterations = DefaultMaxIterations
	}
	if p.QualityThreshold == 0 {
		p.QualityThreshold = DefaultQualityThreshold
	}
	if p.MaxQuestionRounds == nil {
		n := DefaultQuestionRounds
		p.MaxQuestionRounds = &n
	}
	if p.MaxQuestionsPerRound == 0 {
		p.MaxQuestionsPerRound = DefaultQuestionsPerRound
	}

	if cfg.Cache.TTLSeconds == nil {
		ttl := DefaultTTLSeconds
		cfg.Cache.TTLSeconds = &ttl
	}

	pr := &cfg.Provider
	if pr.Name == "" {
		pr.Name = DefaultProviderName
	}
	pr.Name = strings.ToLower(pr.Name)
	if pr.APIKeyEnv == "" {
		pr.APIKeyEnv = defaultAPIKeyEnv[pr.Name]
	}
	if pr.MaxAttempts == 0 {
		pr.MaxAttempts = DefaultMaxAttempts
	}
	if pr.StubScore == 0 {
		pr.StubScore = DefaultStubScore
	}

	if cfg.Roles == nil {
		cfg.Roles = make(map[string]RoleConfig)
	}
	for name, def := range defaultRoles {
		rc, ok := cfg.Roles[name]
		if !ok {
			cfg.Roles[name] = def
			continue
		}
		if rc.Model == "" {
			rc.Model = def.Model
		}
		if rc.MaxTokens == 0 {
			rc.MaxTokens = def.MaxTokens
		}
		cfg.Roles[name] = rc
	}
	for name, rc := range cfg.Roles {
		if rc.SystemPrompt == "" {
			rc.SystemPrompt = fmt.Sprintf(DefaultSystemPromptTemplate, name)
			cfg.Roles[name] = rc
		}
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == DefaultStorageDriver {
		cfg.Storage.DSN = DefaultDBPath()
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = DefaultOutputDir
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
}
