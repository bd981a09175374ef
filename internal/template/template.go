// Package template holds the embedded prompt templates and default files.
package template

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed prompts/*.md
var promptFS embed.FS

//go:embed config.yaml
var DefaultConfig string

// Dir is the name of the conclave configuration directory.
const Dir = ".conclave"

// File name constants for consistent usage across the codebase.
const (
	ConfigFile    = "config.yaml"
	EnvFile       = ".env"
	CheckpointDir = "checkpoints" // Local checkpoint store root
	ReportsDir    = "reports"     // Review reports written by `conclave review`
	LockFile      = "conclave.lock"
	StandardsDir  = "standards" // Project standards injected into review and fix prompts
)

// Prompt template names.
const (
	Review           = "review.md"
	ReviewSequential = "review_sequential.md"
	Refine           = "refine.md"
	Challenge        = "challenge.md"
	EvaluateFix      = "evaluate_fix.md"
	Fix              = "fix.md"
)

var funcs = template.FuncMap{
	"join": strings.Join,
	"json": func(v any) (string, error) {
		data, err := json.MarshalIndent(v, "", "  ")
		return string(data), err
	},
	"add": func(a, b int) int { return a + b },
}

var prompts = template.Must(template.New("prompts").Funcs(funcs).ParseFS(promptFS, "prompts/*.md"))

// Render executes the named prompt template.
func Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// DefaultFiles returns the default files to create in .conclave/
func DefaultFiles() map[string]string {
	return map[string]string{
		ConfigFile: DefaultConfig,
	}
}
