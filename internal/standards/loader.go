// Package standards loads project conventions that reviewers and fixers must
// hold the code to.
package standards

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jywlabs/conclave/internal/template"
)

// Load reads every .md file under <conclaveDir>/standards and returns them
// concatenated under section headers for prompt injection.
// Returns "" (not an error) when no standards exist.
func Load(conclaveDir string) (string, error) {
	sections, err := collect(filepath.Join(conclaveDir, template.StandardsDir))
	if err != nil {
		return "", fmt.Errorf("failed to load standards: %w", err)
	}
	if len(sections) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Project Standards\n\n")
	b.WriteString("Hold the code to these project-specific standards:\n\n")
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&b, "### %s\n\n%s", s.key, s.content)
	}
	return b.String(), nil
}

// Names returns the section keys of the loaded standards, sorted.
func Names(conclaveDir string) ([]string, error) {
	sections, err := collect(filepath.Join(conclaveDir, template.StandardsDir))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(sections))
	for i, s := range sections {
		names[i] = s.key
	}
	return names, nil
}

// Join appends standards to extra instructions, skipping empty parts.
func Join(instructions, standards string) string {
	instructions = strings.TrimSpace(instructions)
	switch {
	case standards == "":
		return instructions
	case instructions == "":
		return standards
	default:
		return instructions + "\n\n" + standards
	}
}

type section struct {
	key     string
	content string
}

func collect(dir string) ([]section, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	var sections []section
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read standard %s: %w", path, err)
		}
		trimmed := strings.TrimSpace(string(content))
		if trimmed == "" {
			return nil
		}

		rel, _ := filepath.Rel(dir, path)
		rel = strings.TrimSuffix(filepath.ToSlash(rel), ".md")
		sections = append(sections, section{key: rel, content: trimmed})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(sections, func(i, j int) bool {
		return sections[i].key < sections[j].key
	})
	return sections, nil
}
