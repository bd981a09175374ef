package review

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jywlabs/conclave/internal/issue"
)

// WriteJSON writes a report as indented JSON.
func WriteJSON(w io.Writer, report *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// SaveReport writes a report atomically to path.
func SaveReport(path string, report *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := WriteJSON(f, report); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// LoadIssues reads the issues of a saved report. A bare JSON array of issues
// and a single review object are accepted as well.
func LoadIssues(path string) ([]issue.Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read issues: %w", err)
	}

	var list []issue.Issue
	if err := json.Unmarshal(data, &list); err == nil {
		return normalizeLoaded(list), nil
	}

	var report struct {
		Review *Output       `json:"review"`
		Issues []issue.Issue `json:"issues"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse issues %s: %w", path, err)
	}
	if report.Review != nil {
		return normalizeLoaded(report.Review.Issues), nil
	}
	return normalizeLoaded(report.Issues), nil
}

func normalizeLoaded(issues []issue.Issue) []issue.Issue {
	for i := range issues {
		if sev, ok := issue.ParseSeverity(string(issues[i].Severity)); ok {
			issues[i].Severity = sev
		} else {
			issues[i].Severity = issue.Medium
		}
		issues[i].Category = issue.NormalizeCategory(string(issues[i].Category))
	}
	AssignCodes(issues)
	return issues
}
