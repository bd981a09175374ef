// Package review dispatches review tasks to several workers concurrently and
// merges their findings into one prioritized review.
package review

import (
	"maps"
	"time"

	"github.com/jywlabs/conclave/internal/issue"
	"github.com/jywlabs/conclave/internal/worker"
)

// Summary holds headline numbers for a review.
type Summary struct {
	FilesReviewed int     `json:"files_reviewed"`
	Critical      int     `json:"critical"`
	High          int     `json:"high"`
	Medium        int     `json:"medium"`
	Low           int     `json:"low"`
	QualityScore  float64 `json:"quality_score"` // 0-10
}

// Output is one review. Values are treated as immutable: refinement builds a
// new Output with WithRefinement.
type Output struct {
	Reviewer       string               `json:"reviewer"`
	Perspective    string               `json:"perspective,omitempty"`
	Summary        Summary              `json:"summary"`
	Issues         []issue.Issue        `json:"issues"`
	Checklist      map[string]bool      `json:"checklist,omitempty"`
	Metrics        map[string]float64   `json:"metrics,omitempty"`
	Iteration      int                  `json:"iteration"`
	Duration       time.Duration        `json:"duration"`
	Recommendation issue.Recommendation `json:"recommendation,omitempty"`
	Usage          worker.Usage         `json:"usage"`
}

// Clone returns a deep copy.
func (o Output) Clone() Output {
	c := o
	c.Issues = make([]issue.Issue, len(o.Issues))
	for i, is := range o.Issues {
		c.Issues[i] = is.Clone()
	}
	c.Checklist = maps.Clone(o.Checklist)
	c.Metrics = maps.Clone(o.Metrics)
	return c
}

// WithRefinement derives the next iteration of o from a refined review. The
// reviewer identity is kept and usage accumulates.
func (o Output) WithRefinement(refined Output) Output {
	next := refined.Clone()
	next.Reviewer = o.Reviewer
	next.Perspective = o.Perspective
	next.Iteration = o.Iteration + 1
	next.Usage = o.Usage.Add(refined.Usage)
	if next.Summary.FilesReviewed == 0 {
		next.Summary.FilesReviewed = o.Summary.FilesReviewed
	}
	return next
}

// Task describes what every worker is asked to review.
type Task struct {
	SessionID    string
	WorkDir      string
	Instructions string
	Files        []string
	Diff         string
	Perspectives []string // Perspective names; empty means DefaultPerspectives
	Timeout      time.Duration
}

// WorkerSpec is one reviewer taking part in a dispatch.
type WorkerSpec struct {
	Worker       worker.Worker
	Perspectives []string      // Overrides Task.Perspectives for this worker
	Timeout      time.Duration // Overrides Task.Timeout for this worker
}

// Strategy selects how perspectives map to worker invocations.
type Strategy string

const (
	// StrategyParallel makes one invocation per worker and perspective.
	StrategyParallel Strategy = "parallel"
	// StrategySequential makes one invocation per worker that covers every
	// perspective and returns one tagged block per perspective.
	StrategySequential Strategy = "sequential"
)

// ParseStrategy maps a config value to a Strategy.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyParallel, "":
		return StrategyParallel, true
	case StrategySequential:
		return StrategySequential, true
	}
	return "", false
}

func summarize(issues []issue.Issue, filesReviewed int) Summary {
	c := issue.Count(issues)
	return Summary{
		FilesReviewed: filesReviewed,
		Critical:      c.Critical,
		High:          c.High,
		Medium:        c.Medium,
		Low:           c.Low,
		QualityScore:  issue.QualityScore(issues),
	}
}
