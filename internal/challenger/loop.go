package challenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jywlabs/conclave/internal/logger"
	"github.com/jywlabs/conclave/internal/retry"
	"github.com/jywlabs/conclave/internal/review"
	"github.com/jywlabs/conclave/internal/template"
	"github.com/jywlabs/conclave/internal/worker"
)

// Defaults for the refinement loop.
const (
	DefaultMaxIterations = 3
	DefaultThreshold     = 80
)

// StopReason says why the refinement loop ended.
type StopReason string

const (
	StopApproved         StopReason = "approved"
	StopMaxIterations    StopReason = "max_iterations"
	StopStagnated        StopReason = "stagnated"
	StopRefinementFailed StopReason = "refinement_failed"
	StopCanceled         StopReason = "canceled"
)

// Loop alternates challenger gradings with reviewer refinements.
type Loop struct {
	Challenger *Challenger
	Reviewer   worker.Worker // Re-invoked with the feedback to refine the review
	Timeout    time.Duration
	Retry      retry.Config
	Logger     *slog.Logger
}

// RefineUntilSatisfied grades the review and refines it until the score
// reaches threshold, maxIterations gradings were made, the score stops
// improving between consecutive gradings, a refinement fails or ctx ends.
// It returns the last review, one feedback per grading and the reason it
// stopped.
func (l *Loop) RefineUntilSatisfied(ctx context.Context, out review.Output, code Context, maxIterations int, threshold float64) (review.Output, []Feedback, StopReason) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	ctx, span := otel.Tracer("conclave/challenger").Start(ctx, "challenger.refine_loop")
	defer span.End()

	current := out
	var history []Feedback
	reason := l.run(ctx, &current, &history, code, maxIterations, threshold)

	span.SetAttributes(attribute.String("stop_reason", string(reason)), attribute.Int("iterations", len(history)))
	l.logger().InfoContext(ctx, "refinement loop finished",
		"reason", reason,
		"iterations", len(history),
		"review_iteration", current.Iteration)
	return current, history, reason
}

func (l *Loop) run(ctx context.Context, current *review.Output, history *[]Feedback, code Context, maxIterations int, threshold float64) StopReason {
	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			return StopCanceled
		}

		fb := l.Challenger.Challenge(ctx, *current, code, iteration, threshold)
		*history = append(*history, fb)
		if ctx.Err() != nil {
			return StopCanceled
		}

		if fb.Accepted() {
			return StopApproved
		}
		if n := len(*history); n >= 2 && fb.SatisfactionScore <= (*history)[n-2].SatisfactionScore {
			l.logger().InfoContext(ctx, "satisfaction stagnated",
				"previous", (*history)[n-2].SatisfactionScore,
				"current", fb.SatisfactionScore)
			return StopStagnated
		}
		if iteration >= maxIterations {
			return StopMaxIterations
		}

		refined, err := l.refine(ctx, *current, fb, code.WorkDir)
		if err != nil {
			if ctx.Err() != nil {
				return StopCanceled
			}
			l.logger().WarnContext(ctx, "review refinement failed", "error", err)
			return StopRefinementFailed
		}
		*current = current.WithRefinement(refined)
	}
}

func (l *Loop) refine(ctx context.Context, out review.Output, fb Feedback, workDir string) (review.Output, error) {
	if l.Reviewer == nil {
		return review.Output{}, errors.New("no reviewer worker to refine with")
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Worker: logger.Ptr(l.Reviewer.Name())})

	prompt, err := template.Render(template.Refine, struct {
		Perspective string
		Feedback    Feedback
		Review      review.Output
		WorkDir     string
	}{out.Perspective, fb, out, workDir})
	if err != nil {
		return review.Output{}, err
	}

	cfg := l.Retry
	if cfg.Logger == nil {
		cfg.Logger = l.logger()
	}
	res := retry.Execute(ctx, cfg, func(int) worker.Result {
		return l.Reviewer.Invoke(ctx, worker.Request{Prompt: prompt, WorkDir: workDir, Timeout: l.Timeout})
	})
	if !res.Success {
		if res.Error == nil {
			return review.Output{}, fmt.Errorf("%s reported failure", l.Reviewer.Name())
		}
		return review.Output{}, res.Error
	}

	refined, err := review.ParseOutput(res.Output, out.Reviewer, out.Perspective)
	if err != nil {
		return review.Output{}, err
	}
	refined.Usage = res.Usage
	return refined, nil
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Refinement runs the loop as a review.Refiner and keeps the outcome of the
// last run.
type Refinement struct {
	Loop          *Loop
	Context       Context
	MaxIterations int
	Threshold     float64

	History []Feedback
	Reason  StopReason
}

// Refine implements review.Refiner. Issues added during refinement get
// merged-review codes. Only cancellation is reported as an error; every
// other stop returns the best review reached.
func (r *Refinement) Refine(ctx context.Context, out review.Output) (review.Output, error) {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	final, history, reason := r.Loop.RefineUntilSatisfied(ctx, out, r.Context, r.MaxIterations, threshold)
	r.History = history
	r.Reason = reason
	if reason == StopCanceled {
		return out, ctx.Err()
	}
	final = final.Clone()
	generated := final.Reviewer + "-"
	for i := range final.Issues {
		if strings.HasPrefix(final.Issues[i].ID, generated) {
			final.Issues[i].ID = ""
		}
	}
	review.AssignCodes(final.Issues)
	return final, nil
}
