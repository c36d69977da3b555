package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
	elseStr    = "{{else}}"
)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// Render expands a template string with the given variables.
// {{variable}} is replaced with its value; a variable that is not set at all
// is an error. {{#if variable}}...{{else}}...{{/if}} keeps the first branch
// when the variable is non-empty and the optional else branch otherwise.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// processConditionals resolves conditional blocks innermost first: each
// {{/if}} pairs with the nearest {{#if}} before it.
func processConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}

		opens := ifOpenRe.FindAllStringSubmatchIndex(result[:closeIdx], -1)
		if opens == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		open := opens[len(opens)-1]
		openStart, openEnd := open[0], open[1]
		name := result[open[2]:open[3]]

		body := result[openEnd:closeIdx]
		then, otherwise := body, ""
		if i := strings.Index(body, elseStr); i >= 0 {
			then, otherwise = body[:i], body[i+len(elseStr):]
		}

		replacement := otherwise
		if vars[name] != "" {
			replacement = then
		}
		result = result[:openStart] + replacement + result[closeIdx+len(ifCloseStr):]
	}

	if loc := ifOpenRe.FindString(result); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	if strings.Contains(result, elseStr) {
		return "", fmt.Errorf("{{else}} outside a conditional block")
	}
	return result, nil
}

// LoadTemplate returns the template for an action. A file named
// <action>.md in promptsDir wins, then one in ~/.reqforge/templates, then the
// built-in text.
func LoadTemplate(action string, promptsDir string) (string, error) {
	name := action + ".md"
	if strings.ContainsAny(action, `/\`) || strings.Contains(action, "..") {
		return "", fmt.Errorf("invalid template name %q", action)
	}

	for _, dir := range []string{promptsDir, builtinTemplateDir()} {
		if dir == "" {
			continue
		}
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return string(data), nil
		}
	}

	tmpl, ok := builtinTemplates[name]
	if !ok {
		return "", fmt.Errorf("no template for action %q", action)
	}
	return tmpl, nil
}

// ForAction loads and renders the template for an action.
func ForAction(action string, promptsDir string, vars Vars) (string, error) {
	tmpl, err := LoadTemplate(action, promptsDir)
	if err != nil {
		return "", err
	}
	out, err := Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", action, err)
	}
	return out, nil
}

// builtinTemplateDir returns the path to the user-level templates directory.
func builtinTemplateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".reqforge", "templates")
}

// InstallBuiltinTemplates writes the built-in templates to dir (or
// ~/.reqforge/templates when dir is empty) without overwriting existing files.
func InstallBuiltinTemplates(dir string) (int, error) {
	if dir == "" {
		dir = builtinTemplateDir()
	}
	if dir == "" {
		return 0, fmt.Errorf("could not determine home directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create templates dir: %w", err)
	}

	written := 0
	for name, content := range builtinTemplates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue // don't overwrite existing
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written++
	}
	return written, nil
}
