// Package export writes an execution's artifacts to a directory.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/reqforge/internal/artifact"
	"github.com/lucasnoah/reqforge/internal/execution"
)

// SpecificationFile is the name of the final document in an export.
const SpecificationFile = "requirements_specification.md"

// ManifestFile is the name of the execution summary in an export.
const ManifestFile = "execution.json"

// File describes one exported artifact.
type File struct {
	Type            artifact.Type       `json:"artifact_type"`
	Version         int                 `json:"version"`
	Path            string              `json:"path"`
	ParseConfidence artifact.Confidence `json:"parse_confidence"`
}

// Manifest is written as execution.json next to the artifacts.
type Manifest struct {
	Execution     *execution.Execution `json:"execution"`
	Files         []File               `json:"files"`
	Specification string               `json:"specification,omitempty"`
}

// Write exports the latest artifacts of ex into dir. The final document is
// the SRS for a passing run and the check report otherwise; a failed run
// without either gets no specification file.
//
// The bundle is staged in a temporary directory inside dir and each file is
// renamed into place, execution.json last, so a manifest is only ever seen
// next to the complete set of files it lists.
func Write(dir string, ex *execution.Execution, arts []artifact.Artifact) (*Manifest, error) {
	if ex == nil {
		return nil, fmt.Errorf("export: nil execution")
	}
	m := &Manifest{Execution: ex}
	byType := make(map[artifact.Type]*artifact.Artifact, len(arts))
	files := make(map[string][]byte, len(arts)+1)
	var order []string

	for i := range arts {
		a := &arts[i]
		if a.ExecutionID != "" && a.ExecutionID != ex.ID {
			return nil, fmt.Errorf("export: artifact %s belongs to execution %s, not %s", a.Type, a.ExecutionID, ex.ID)
		}
		name := string(a.Type) + ".md"
		files[name] = document(a)
		order = append(order, name)
		byType[a.Type] = a
		m.Files = append(m.Files, File{
			Type:            a.Type,
			Version:         a.Version,
			Path:            name,
			ParseConfidence: a.ParseConfidence,
		})
	}
	if final := finalDocument(ex, byType); final != nil {
		files[SpecificationFile] = document(final)
		order = append(order, SpecificationFile)
		m.Specification = SpecificationFile
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export manifest: %w", err)
	}
	files[ManifestFile] = append(data, '\n')
	order = append(order, ManifestFile)

	if err := commit(dir, order, files); err != nil {
		return nil, fmt.Errorf("export %s: %w", ex.ID, err)
	}
	return m, nil
}

// commit writes files into a staging directory under dir, then renames
// them into dir in order.
func commit(dir string, order []string, files map[string][]byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	staging, err := os.MkdirTemp(dir, ".export-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, name := range order {
		if err := os.WriteFile(filepath.Join(staging, name), files[name], 0o644); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}
	for _, name := range order {
		if err := os.Rename(filepath.Join(staging, name), filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("move %s into place: %w", name, err)
		}
	}
	return nil
}

func finalDocument(ex *execution.Execution, byType map[artifact.Type]*artifact.Artifact) *artifact.Artifact {
	switch ex.Outcome {
	case execution.OutcomeSRS:
		return byType[artifact.SRS]
	case execution.OutcomeCheckReport:
		return byType[artifact.CheckReport]
	}
	return nil
}

func document(a *artifact.Artifact) []byte {
	content := strings.TrimRight(a.Content, "\n")
	return []byte(content + "\n")
}
