package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jywlabs/conclave/internal/events"
	"github.com/jywlabs/conclave/internal/logger"
	"github.com/jywlabs/conclave/internal/retry"
	"github.com/jywlabs/conclave/internal/template"
	"github.com/jywlabs/conclave/internal/tracker"
	"github.com/jywlabs/conclave/internal/worker"
)

// Outcome is what one worker produced during a dispatch.
type Outcome struct {
	Worker          string
	Outputs         []Output         // One per perspective that succeeded
	Err             error            // Set when no perspective succeeded
	PerspectiveErrs map[string]error // Failures of individual perspectives
	Usage           worker.Usage
	Duration        time.Duration
}

// Results maps worker name to its outcome.
type Results map[string]*Outcome

// Workers returns the worker names in sorted order.
func (r Results) Workers() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Outputs returns every successful output, ordered by worker name.
func (r Results) Outputs() []Output {
	var out []Output
	for _, name := range r.Workers() {
		out = append(out, r[name].Outputs...)
	}
	return out
}

// Failed returns the workers that produced nothing.
func (r Results) Failed() map[string]error {
	failed := make(map[string]error)
	for name, o := range r {
		if o.Err != nil {
			failed[name] = o.Err
		}
	}
	return failed
}

// Usage sums usage across workers.
func (r Results) Usage() worker.Usage {
	var u worker.Usage
	for _, o := range r {
		u = u.Add(o.Usage)
	}
	return u
}

// Dispatcher fans a review task out to workers. A failing worker never
// cancels or delays the others.
type Dispatcher struct {
	MaxPerWorker int // Concurrent invocations per worker; 0 is unbounded
	Retry       retry.Config
	Events      events.Sink
	Tracker     *tracker.Tracker
	Logger      *slog.Logger
}

// job is one worker invocation.
type job struct {
	spec         int
	perspectives []Perspective
}

type jobResult struct {
	outputs  []Output
	errs     map[string]error
	err      error
	usage    worker.Usage
	duration time.Duration
}

// Dispatch runs every worker against the task and waits for all of them.
// The returned error only reports invalid input; worker failures are
// recorded per worker in Results.
func (d *Dispatcher) Dispatch(ctx context.Context, specs []WorkerSpec, task Task, strategy Strategy) (Results, error) {
	if len(specs) == 0 {
		return nil, errors.New("no review workers configured")
	}
	if strategy == "" {
		strategy = StrategyParallel
	}
	if strategy != StrategyParallel && strategy != StrategySequential {
		return nil, fmt.Errorf("unknown review strategy %q", strategy)
	}

	names := make([]string, len(specs))
	perspectives := make([][]Perspective, len(specs))
	seen := make(map[string]bool, len(specs))
	var allPerspectives []string
	for i, spec := range specs {
		if spec.Worker == nil {
			return nil, fmt.Errorf("review worker %d is nil", i)
		}
		names[i] = spec.Worker.Name()
		if seen[names[i]] {
			return nil, fmt.Errorf("duplicate review worker %q", names[i])
		}
		seen[names[i]] = true

		requested := spec.Perspectives
		if len(requested) == 0 {
			requested = task.Perspectives
		}
		ps, err := ResolvePerspectives(requested)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", names[i], err)
		}
		perspectives[i] = ps
		for _, p := range ps {
			allPerspectives = appendUnique(allPerspectives, p.Name)
		}
	}

	var jobs []job
	for i := range specs {
		if strategy == StrategySequential {
			jobs = append(jobs, job{spec: i, perspectives: perspectives[i]})
			continue
		}
		for _, p := range perspectives[i] {
			jobs = append(jobs, job{spec: i, perspectives: []Perspective{p}})
		}
	}

	ctx, span := otel.Tracer("conclave/review").Start(ctx, "review.dispatch")
	span.SetAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.Int("workers", len(specs)),
		attribute.Int("invocations", len(jobs)),
	)
	defer span.End()

	d.emit(ctx, task.SessionID, events.ReviewDispatchedPayload{
		Workers:      names,
		Perspectives: allPerspectives,
		Strategy:     string(strategy),
		Invocations:  len(jobs),
	})
	d.logger().InfoContext(ctx, "dispatching review",
		"workers", strings.Join(names, ","),
		"strategy", strategy,
		"invocations", len(jobs))

	byWorker := make([][]int, len(specs))
	for i, j := range jobs {
		byWorker[j.spec] = append(byWorker[j.spec], i)
	}

	// Every worker gets its own group so a cap never queues one worker
	// behind another. Each job writes only its own slot.
	slots := make([]jobResult, len(jobs))
	var all errgroup.Group
	for w, idx := range byWorker {
		all.Go(func() error {
			var g errgroup.Group
			if d.MaxPerWorker > 0 {
				g.SetLimit(d.MaxPerWorker)
			}
			for _, i := range idx {
				g.Go(func() error {
					slots[i] = d.run(ctx, specs[w], task, jobs[i], strategy)
					return nil
				})
			}
			return g.Wait()
		})
	}
	_ = all.Wait()

	results := make(Results, len(specs))
	for _, name := range names {
		results[name] = &Outcome{Worker: name, PerspectiveErrs: make(map[string]error)}
	}
	for i, j := range jobs {
		o := results[names[j.spec]]
		jr := slots[i]
		o.Usage = o.Usage.Add(jr.usage)
		o.Duration += jr.duration
		o.Outputs = append(o.Outputs, jr.outputs...)
		if jr.err != nil {
			for _, p := range j.perspectives {
				o.PerspectiveErrs[p.Name] = jr.err
			}
		}
		for name, err := range jr.errs {
			o.PerspectiveErrs[name] = err
		}
	}
	for i, name := range names {
		o := results[name]
		if len(o.Outputs) > 0 {
			continue
		}
		var errs []error
		for _, p := range perspectives[i] {
			if err := o.PerspectiveErrs[p.Name]; err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
			}
		}
		if len(errs) == 1 {
			o.Err = errors.Unwrap(errs[0])
		} else {
			o.Err = errors.Join(errs...)
		}
		if o.Err == nil {
			o.Err = fmt.Errorf("worker %s produced no review", name)
		}
	}
	return results, nil
}

func (d *Dispatcher) run(ctx context.Context, spec WorkerSpec, task Task, j job, strategy Strategy) jobResult {
	name := spec.Worker.Name()
	label := name
	if strategy == StrategyParallel {
		label = name + "/" + j.perspectives[0].Name
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{Worker: logger.Ptr(name), Component: "conclave.review.dispatcher"})
	if strategy == StrategyParallel {
		ctx = logger.WithLogFields(ctx, logger.LogFields{Perspective: logger.Ptr(j.perspectives[0].Name)})
	}

	var jr jobResult
	prompt, err := buildReviewPrompt(task, j.perspectives, strategy)
	if err != nil {
		jr.err = err
		return jr
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = task.Timeout
	}

	perspectiveName := ""
	if strategy == StrategyParallel {
		perspectiveName = j.perspectives[0].Name
	}
	d.emit(ctx, task.SessionID, events.WorkerInvokedPayload{Worker: name, Role: "reviewer", Perspective: perspectiveName})
	opID := d.Tracker.Start(task.SessionID, "review", label)

	start := time.Now()
	res := retry.Execute(ctx, d.retryConfig(), func(attempt int) worker.Result {
		if attempt > 0 {
			d.logger().WarnContext(ctx, "retrying review invocation", "attempt", attempt)
		}
		return spec.Worker.Invoke(ctx, worker.Request{
			Prompt:  prompt,
			WorkDir: task.WorkDir,
			Timeout: timeout,
		})
	})
	jr.duration = time.Since(start)
	jr.usage = res.Usage

	if !res.Success {
		jr.err = res.Error
		if jr.err == nil {
			jr.err = &worker.Error{Kind: worker.KindExit, Worker: name, Err: errors.New("worker reported failure")}
		}
		d.logger().WarnContext(ctx, "review worker failed", "error", jr.err, "duration", jr.duration)
	} else if strategy == StrategySequential {
		jr.outputs, jr.errs = SplitPerspectives(res.Output, name, j.perspectives)
		for p, perr := range jr.errs {
			d.logger().WarnContext(ctx, "perspective missing from sequential review", "perspective", p, "error", perr)
		}
	} else {
		out, perr := ParseOutput(res.Output, name, j.perspectives[0].Name)
		if perr != nil {
			jr.err = perr
			d.logger().WarnContext(ctx, "unparseable review output", "error", perr, "output", logger.Truncate(res.Output, 200))
		} else {
			out.Usage = res.Usage
			jr.outputs = []Output{out}
		}
	}

	for i := range jr.outputs {
		jr.outputs[i].Duration = jr.duration
	}

	d.Tracker.Finish(opID, jr.err)
	for _, p := range j.perspectives {
		payload := events.WorkerCompletedPayload{Worker: name, Perspective: p.Name, Duration: jr.duration}
		if err := perspectiveErr(jr, p.Name); err != nil {
			payload.Error = err.Error()
		} else {
			payload.Success = true
			for _, o := range jr.outputs {
				if o.Perspective == p.Name {
					payload.Issues = len(o.Issues)
				}
			}
		}
		d.emit(ctx, task.SessionID, payload)
	}
	return jr
}

func perspectiveErr(jr jobResult, name string) error {
	if jr.err != nil {
		return jr.err
	}
	return jr.errs[name]
}

func buildReviewPrompt(task Task, perspectives []Perspective, strategy Strategy) (string, error) {
	name := template.Review
	if strategy == StrategySequential {
		name = template.ReviewSequential
	}
	return template.Render(name, struct {
		Perspectives []Perspective
		Task         Task
	}{perspectives, task})
}

func (d *Dispatcher) retryConfig() retry.Config {
	cfg := d.Retry
	if cfg.Logger == nil {
		cfg.Logger = d.logger()
	}
	return cfg
}

func (d *Dispatcher) emit(ctx context.Context, sessionID string, p events.Payload) {
	if d.Events == nil {
		return
	}
	if err := d.Events.Emit(ctx, events.New(sessionID, p)); err != nil {
		d.logger().WarnContext(ctx, "event emit failed", "event", p.EventType(), "error", err)
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
