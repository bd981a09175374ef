package review

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jywlabs/conclave/internal/issue"
	"github.com/jywlabs/conclave/internal/worker"
)

// MergedReviewer is the reviewer name of a merged review.
const MergedReviewer = "conclave"

// Refiner improves a merged review, for example by running it through the
// challenger loop. It returns the review to report.
type Refiner interface {
	Refine(ctx context.Context, out Output) (Output, error)
}

// Reviewer runs a full review: dispatch, merge, prioritize and an optional
// refinement pass.
type Reviewer struct {
	Dispatcher *Dispatcher
	Strategy   Strategy
	Refiner    Refiner
	Logger     *slog.Logger
}

// Report is the result of a review.
type Report struct {
	Output  Output            `json:"review"`
	Workers map[string]string `json:"workers"` // Worker name to "ok" or its error
	Refined bool              `json:"refined"`
	Results Results           `json:"-"`
}

// Review dispatches the task, merges every worker's findings and refines the
// merged review when a Refiner is set. It returns an error only when the
// input is invalid or no worker produced a review.
func (r *Reviewer) Review(ctx context.Context, specs []WorkerSpec, task Task) (*Report, error) {
	start := time.Now()

	results, err := r.Dispatcher.Dispatch(ctx, specs, task, r.Strategy)
	if err != nil {
		return nil, err
	}

	report := &Report{Results: results, Workers: make(map[string]string, len(results))}
	for name, o := range results {
		if o.Err != nil {
			report.Workers[name] = o.Err.Error()
		} else {
			report.Workers[name] = "ok"
		}
	}

	outputs := results.Outputs()
	if len(outputs) == 0 {
		return report, fmt.Errorf("every review worker failed: %s", describeFailures(results))
	}

	merged := MergeOutputs(outputs, len(task.Files))
	merged.Duration = time.Since(start)
	report.Output = merged

	if r.Refiner != nil {
		refined, err := r.Refiner.Refine(ctx, merged)
		if err != nil {
			r.logger().WarnContext(ctx, "review refinement failed, keeping merged review", "error", err)
		} else {
			refined.Duration = time.Since(start)
			report.Output = refined
			report.Refined = true
		}
	}
	return report, nil
}

// MergeOutputs combines per-worker reviews into one prioritized review with
// category issue codes such as SEC-1. Summary fields are recomputed from the
// merged issues.
func MergeOutputs(outputs []Output, filesInScope int) Output {
	var all []issue.Issue
	filesReviewed := filesInScope
	var usage worker.Usage
	for _, o := range outputs {
		all = append(all, o.Issues...)
		filesReviewed = max(filesReviewed, o.Summary.FilesReviewed)
		usage = usage.Add(o.Usage)
	}

	// Worker-chosen ids collide across workers, so merged issues are
	// renumbered in priority order.
	merged := issue.Prioritize(issue.Merge(all))
	for i := range merged {
		merged[i].ID = ""
	}
	AssignCodes(merged)

	return Output{
		Reviewer:       MergedReviewer,
		Summary:        summarize(merged, filesReviewed),
		Issues:         merged,
		Checklist:      mergeChecklists(outputs),
		Metrics:        mergeMetrics(outputs),
		Iteration:      1,
		Recommendation: issue.Recommend(merged),
		Usage:          usage,
	}
}

var codePrefix = map[issue.Category]string{
	issue.Security:      "SEC",
	issue.Performance:   "PERF",
	issue.Architecture:  "ARCH",
	issue.Style:         "STYLE",
	issue.Logic:         "LOGIC",
	issue.UX:            "UX",
	issue.Testing:       "TEST",
	issue.Documentation: "DOC",
}

// AssignCodes gives every issue a unique ID. Existing unique IDs are kept;
// missing or repeated ones get a category code such as SEC-3.
func AssignCodes(issues []issue.Issue) {
	used := make(map[string]bool, len(issues))
	var needsCode []int
	for i := range issues {
		id := issues[i].ID
		if id == "" || used[id] {
			needsCode = append(needsCode, i)
			continue
		}
		used[id] = true
	}

	next := make(map[string]int)
	for _, i := range needsCode {
		prefix, ok := codePrefix[issues[i].Category]
		if !ok {
			prefix = "ISSUE"
		}
		for {
			next[prefix]++
			code := fmt.Sprintf("%s-%d", prefix, next[prefix])
			if !used[code] {
				issues[i].ID = code
				used[code] = true
				break
			}
		}
	}
}

// A checklist item fails if any reviewer failed it.
func mergeChecklists(outputs []Output) map[string]bool {
	var merged map[string]bool
	for _, o := range outputs {
		for k, v := range o.Checklist {
			if merged == nil {
				merged = make(map[string]bool)
			}
			prev, seen := merged[k]
			merged[k] = v && (!seen || prev)
		}
	}
	return merged
}

// Metrics are averaged across the reviewers that reported them.
func mergeMetrics(outputs []Output) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, o := range outputs {
		for k, v := range o.Metrics {
			sums[k] += v
			counts[k]++
		}
	}
	if len(sums) == 0 {
		return nil
	}
	for k := range sums {
		sums[k] /= float64(counts[k])
	}
	return sums
}

func describeFailures(results Results) string {
	failed := results.Failed()
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, failed[name]))
	}
	return strings.Join(parts, "; ")
}

func (r *Reviewer) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
