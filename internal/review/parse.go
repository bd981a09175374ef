package review

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/jywlabs/conclave/internal/issue"
	"github.com/jywlabs/conclave/internal/parser"
)

// ErrMalformedOutput is returned when a worker's answer holds no usable review.
var ErrMalformedOutput = errors.New("malformed review output")

// ErrMissingPerspective marks a perspective absent from a sequential answer.
var ErrMissingPerspective = errors.New("perspective missing from output")

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(data))
	return nil
}

// flexInt accepts a number, a string with a leading integer ("12", "L12",
// "12-15") or null. Absent or unparseable values leave it nil.
type flexInt struct {
	v *int
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	f.v = nil
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		n := int(v)
		f.v = &n
	case string:
		if n, ok := leadingInt(v); ok {
			f.v = &n
		}
	}
	return nil
}

func leadingInt(s string) (int, bool) {
	start := strings.IndexFunc(s, unicode.IsDigit)
	if start == -1 {
		return 0, false
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[start:end])
	return n, err == nil
}

type rawOutput struct {
	Reviewer     string          `json:"reviewer"`
	Perspective  string          `json:"perspective"`
	Summary      json.RawMessage `json:"summary"`
	Issues       json.RawMessage `json:"issues"`
	Findings     json.RawMessage `json:"findings"`
	Checklist    map[string]any  `json:"checklist"`
	Metrics      map[string]any  `json:"metrics"`
	QualityScore *float64        `json:"quality_score"`
	Score        *float64        `json:"score"`
	ScoreScale   *float64        `json:"score_scale"`
}

type rawSummary struct {
	FilesReviewed *int     `json:"files_reviewed"`
	QualityScore  *float64 `json:"quality_score"`
	Score         *float64 `json:"score"`
	ScoreScale    *float64 `json:"score_scale"`
}

type rawIssue struct {
	ID            flexString `json:"id"`
	Code          flexString `json:"code"`
	Severity      string     `json:"severity"`
	Priority      string     `json:"priority"`
	Category      string     `json:"category"`
	Type          string     `json:"type"`
	File          string     `json:"file"`
	Path          string     `json:"path"`
	Line          flexInt    `json:"line"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Message       string     `json:"message"`
	CurrentCode   string     `json:"current_code"`
	SuggestedFix  string     `json:"suggested_fix"`
	Suggestion    string     `json:"suggestion"`
	FlaggedBy     []string   `json:"flagged_by"`
	EffortMinutes flexInt    `json:"effort_minutes"`
	FileCount     flexInt    `json:"file_count"`
}

// ParseOutput extracts a review from a worker's free-form answer. Missing
// optional fields fall back to defaults; malformed issue entries are dropped
// with a warning. The last object carrying issues or findings is the review;
// without one the first object is used. Only an answer with no JSON object at
// all is an error.
func ParseOutput(text, reviewer, perspective string) (Output, error) {
	obj, err := parser.ExtractKeyed(text, "issues", "findings")
	if err != nil {
		obj, err = parser.ExtractJSON(text)
	}
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	var raw rawOutput
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return fromRaw(raw, reviewer, perspective), nil
}

func fromRaw(raw rawOutput, reviewer, perspective string) Output {
	issues := ParseIssueList(raw.Issues, reviewer)
	if len(issues) == 0 {
		issues = ParseIssueList(raw.Findings, reviewer)
	}

	var score, scale *float64
	filesReviewed := 0
	if len(raw.Summary) > 0 {
		var s rawSummary
		if err := json.Unmarshal(raw.Summary, &s); err == nil {
			if s.FilesReviewed != nil {
				filesReviewed = *s.FilesReviewed
			}
			score = firstNonNil(s.QualityScore, s.Score)
			scale = s.ScoreScale
		}
	}
	score = firstNonNil(score, raw.QualityScore, raw.Score)
	scale = firstNonNil(scale, raw.ScoreScale)

	summary := summarize(issues, filesReviewed)
	if score != nil {
		if scale != nil && *scale > 0 {
			summary.QualityScore = NormalizeScore(*score * 10 / *scale)
		} else {
			summary.QualityScore = NormalizeScore(*score)
		}
	}

	return Output{
		Reviewer:       reviewer,
		Perspective:    perspective,
		Summary:        summary,
		Issues:         issues,
		Checklist:      checklistFrom(raw.Checklist),
		Metrics:        metricsFrom(raw.Metrics),
		Iteration:      1,
		Recommendation: issue.Recommend(issues),
	}
}

// ParseIssueList parses a JSON list of issues reported by source. Entries
// that are not usable issues are dropped with a warning; the rest are
// normalized, flagged by source and given an id when they have none.
func ParseIssueList(data json.RawMessage, source string) []issue.Issue {
	entries := rawEntries(data)
	issues := make([]issue.Issue, 0, len(entries))
	for n, entry := range entries {
		is, err := parseIssue(entry)
		if err != nil {
			slog.Warn("dropping malformed issue", "source", source, "index", n, "error", err)
			continue
		}
		if is.ID == "" {
			is.ID = fmt.Sprintf("%s-%d", source, n+1)
		}
		is.Flag(source)
		issues = append(issues, is)
	}
	return issues
}

func rawEntries(data json.RawMessage) []json.RawMessage {
	var entries []json.RawMessage
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("issues field is not a list, ignoring", "error", err)
		return nil
	}
	return entries
}

func checklistFrom(raw map[string]any) map[string]bool {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		switch b := v.(type) {
		case bool:
			out[k] = b
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				out[k] = parsed
			}
		}
	}
	return out
}

func metricsFrom(raw map[string]any) map[string]float64 {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}

func firstNonNil(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// NormalizeScore maps a quality score onto 0-10. Scores above 10 are taken
// to be on a 0-100 scale; 10 itself reads as 10/10. Workers that grade out of
// 100 can state score_scale to remove the ambiguity.
func NormalizeScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v > 10 {
		v /= 10
	}
	v = math.Max(0, math.Min(10, v))
	return math.Round(v*10) / 10
}

func parseIssue(entry json.RawMessage) (issue.Issue, error) {
	entry = bytes.TrimSpace(entry)
	if len(entry) == 0 {
		return issue.Issue{}, errors.New("empty entry")
	}

	// Some workers list findings as plain sentences.
	if entry[0] == '"' {
		var s string
		if err := json.Unmarshal(entry, &s); err != nil {
			return issue.Issue{}, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return issue.Issue{}, errors.New("empty finding")
		}
		return issue.Issue{
			Severity:    issue.Medium,
			Category:    issue.Logic,
			Title:       titleFrom(s),
			Description: s,
		}, nil
	}

	if entry[0] != '{' {
		return issue.Issue{}, fmt.Errorf("unexpected entry %s", parser.Truncate(string(entry), 40))
	}

	var r rawIssue
	if err := json.Unmarshal(entry, &r); err != nil {
		return issue.Issue{}, err
	}

	description := firstNonEmpty(r.Description, r.Message)
	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = titleFrom(description)
	}
	if title == "" {
		return issue.Issue{}, errors.New("issue has neither title nor description")
	}

	sev, _ := issue.ParseSeverity(firstNonEmpty(r.Severity, r.Priority))

	is := issue.Issue{
		ID:           strings.TrimSpace(firstNonEmpty(string(r.ID), string(r.Code))),
		Severity:     sev,
		Category:     issue.NormalizeCategory(firstNonEmpty(r.Category, r.Type)),
		File:         strings.TrimPrefix(strings.TrimSpace(firstNonEmpty(r.File, r.Path)), "./"),
		Title:        title,
		Description:  description,
		CurrentCode:  r.CurrentCode,
		SuggestedFix: firstNonEmpty(r.SuggestedFix, r.Suggestion),
	}
	if r.Line.v != nil && *r.Line.v > 0 {
		is.Line = issue.LineOf(*r.Line.v)
	}
	if r.EffortMinutes.v != nil {
		is.EffortMinutes = *r.EffortMinutes.v
	}
	if r.FileCount.v != nil {
		is.FileCount = *r.FileCount.v
	}
	for _, src := range r.FlaggedBy {
		is.Flag(src)
	}
	return is, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func titleFrom(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\n."); i > 0 {
		s = s[:i]
	}
	const maxTitle = 80
	if len(s) > maxTitle {
		s = strings.TrimSpace(s[:maxTitle]) + "..."
	}
	return s
}

// SplitPerspectives parses a sequential answer holding one
// <perspective name="..."> block per perspective. Perspectives without a
// usable block are reported in the error map. An answer without any tags is
// accepted as the review of a sole requested perspective.
func SplitPerspectives(text, reviewer string, perspectives []Perspective) ([]Output, map[string]error) {
	errs := make(map[string]error)
	sections := parser.Sections(text, "perspective")

	if len(sections) == 0 && len(perspectives) == 1 {
		out, err := ParseOutput(text, reviewer, perspectives[0].Name)
		if err != nil {
			errs[perspectives[0].Name] = err
			return nil, errs
		}
		return []Output{out}, errs
	}

	byName := make(map[string]string, len(sections))
	for _, s := range sections {
		name := strings.ToLower(s.Name)
		if _, dup := byName[name]; dup {
			slog.Warn("duplicate perspective block, keeping the first", "reviewer", reviewer, "perspective", name)
			continue
		}
		byName[name] = s.Body
	}

	var outputs []Output
	for _, p := range perspectives {
		body, ok := byName[p.Name]
		if !ok {
			errs[p.Name] = ErrMissingPerspective
			continue
		}
		out, err := ParseOutput(body, reviewer, p.Name)
		if err != nil {
			errs[p.Name] = err
			continue
		}
		outputs = append(outputs, out)
	}
	return outputs, errs
}
