// Package issue models review findings and merges the findings of
// independent workers into one scored, ordered list.
package issue

import (
	"fmt"
	"slices"
)

// Severity ranks how serious a finding is.
type Severity string

const (
	Critical Severity = "CRITICAL"
	High     Severity = "HIGH"
	Medium   Severity = "MEDIUM"
	Low      Severity = "LOW"
)

// Severities lists all severities from most to least serious.
var Severities = []Severity{Critical, High, Medium, Low}

// Rank orders severities: CRITICAL=4 down to LOW=1, unknown=0.
func (s Severity) Rank() int {
	switch s {
	case Critical:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	}
	return 0
}

// Category groups findings by concern.
type Category string

const (
	Security      Category = "security"
	Performance   Category = "performance"
	Architecture  Category = "architecture"
	Style         Category = "style"
	Logic         Category = "logic"
	UX            Category = "ux"
	Testing       Category = "testing"
	Documentation Category = "documentation"
)

// Categories lists every known category.
var Categories = []Category{Security, Performance, Architecture, Style, Logic, UX, Testing, Documentation}

// Issue is a single finding.
type Issue struct {
	ID            string   `json:"id"`
	Severity      Severity `json:"severity"`
	Category      Category `json:"category"`
	File          string   `json:"file"`
	Line          *int     `json:"line,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	CurrentCode   string   `json:"current_code,omitempty"`
	SuggestedFix  string   `json:"suggested_fix,omitempty"`
	FlaggedBy     []string `json:"flagged_by,omitempty"`
	EffortMinutes int      `json:"effort_minutes,omitempty"`
	FileCount     int      `json:"file_count,omitempty"`
}

// Key identifies issues that are considered the same finding.
type Key struct {
	File     string
	Line     int
	HasLine  bool
	Category Category
}

// Key returns the dedup key (file, line, category).
func (i Issue) Key() Key {
	k := Key{File: i.File, Category: i.Category}
	if i.Line != nil {
		k.Line = *i.Line
		k.HasLine = true
	}
	return k
}

// Location renders file:line, or just the file when the line is unknown.
func (i Issue) Location() string {
	if i.Line == nil {
		return i.File
	}
	return fmt.Sprintf("%s:%d", i.File, *i.Line)
}

// Clone returns a deep copy.
func (i Issue) Clone() Issue {
	c := i
	if i.Line != nil {
		line := *i.Line
		c.Line = &line
	}
	c.FlaggedBy = slices.Clone(i.FlaggedBy)
	return c
}

// Flag adds source to FlaggedBy unless already present.
func (i *Issue) Flag(source string) {
	if source == "" || slices.Contains(i.FlaggedBy, source) {
		return
	}
	i.FlaggedBy = append(i.FlaggedBy, source)
}

// LineOf is a helper for building issues with a known line.
func LineOf(n int) *int {
	return &n
}
