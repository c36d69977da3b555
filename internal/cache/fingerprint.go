package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lucasnoah/reqforge/internal/config"
	"github.com/lucasnoah/reqforge/internal/execution"
)

// NormalizeInput canonicalizes input text so that cosmetic differences
// (line endings, trailing whitespace) do not change the fingerprint.
func NormalizeInput(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

type roleKey struct {
	Name   string            `json:"name"`
	Config config.RoleConfig `json:"config"`
}

type fingerprintKey struct {
	Input         string    `json:"input"`
	Provider      string    `json:"provider"`
	StubScore     string    `json:"stub_score,omitempty"`
	Roles         []roleKey `json:"roles"`
	MaxIterations int       `json:"max_iterations"`
	Threshold     string    `json:"quality_threshold"`
}

// Fingerprint identifies a reusable execution: the normalized input, the
// provider and role/model configuration, max_iterations and quality_threshold.
func Fingerprint(input string, s execution.Settings) (string, error) {
	key := fingerprintKey{
		Input:         NormalizeInput(input),
		Provider:      s.Provider,
		MaxIterations: s.MaxIterations,
		Threshold:     strconv.FormatFloat(s.QualityThreshold, 'f', -1, 64),
	}
	if s.StubScore != 0 {
		key.StubScore = strconv.FormatFloat(s.StubScore, 'f', -1, 64)
	}
	names := make([]string, 0, len(s.Roles))
	for name := range s.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key.Roles = append(key.Roles, roleKey{Name: name, Config: s.Roles[name]})
	}

	// Struct fields marshal in declaration order and map keys sorted, so the
	// encoding is stable.
	data, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
