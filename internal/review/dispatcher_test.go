package review

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jywlabs/conclave/internal/events"
	"github.com/jywlabs/conclave/internal/retry"
	"github.com/jywlabs/conclave/internal/tracker"
	"github.com/jywlabs/conclave/internal/worker"
	"github.com/jywlabs/conclave/internal/worker/workertest"
)

const emptyReview = `{"summary":{"quality_score":9},"issues":[]}`

func oneIssue(title, severity, category, file string, line int) string {
	return `{"issues":[{"title":"` + title + `","severity":"` + severity + `","category":"` + category +
		`","file":"` + file + `","line":` + strconv.Itoa(line) + `}]}`
}

// perspectiveOf reports which perspective a parallel review prompt asks for.
func perspectiveOf(prompt string) string {
	for _, p := range Catalog {
		if strings.Contains(prompt, "**"+p.Title+"** specialist") {
			return p.Name
		}
	}
	return General.Name
}

func noRetry() retry.Config {
	return retry.Config{MaxRetries: 0}
}

func TestDispatch_ParallelPerspectives(t *testing.T) {
	claude := workertest.Func("claude", func(_ context.Context, req worker.Request) worker.Result {
		if perspectiveOf(req.Prompt) == "security" {
			return workertest.OK(oneIssue("SQL injection", "critical", "security", "db.go", 10))
		}
		return workertest.OK(emptyReview)
	})
	codex := workertest.Func("codex", func(_ context.Context, req worker.Request) worker.Result {
		if perspectiveOf(req.Prompt) == "security" {
			return worker.Result{Error: &worker.Error{Kind: worker.KindTimeout, Worker: "codex", Err: context.DeadlineExceeded}}
		}
		return workertest.OK(oneIssue("Off by one", "medium", "logic", "loop.go", 3))
	})

	rec := &events.Recorder{}
	trk := tracker.New()
	d := &Dispatcher{Retry: noRetry(), Events: rec, Tracker: trk}
	task := Task{SessionID: "s1", WorkDir: t.TempDir(), Perspectives: []string{"security", "logic"}}

	results, err := d.Dispatch(context.Background(), []WorkerSpec{{Worker: claude}, {Worker: codex}}, task, StrategyParallel)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if claude.CallCount() != 2 || codex.CallCount() != 2 {
		t.Errorf("calls = %d/%d, want 2/2", claude.CallCount(), codex.CallCount())
	}

	c := results["claude"]
	if c.Err != nil || len(c.Outputs) != 2 {
		t.Fatalf("claude outcome = %+v", c)
	}

	x := results["codex"]
	if x.Err != nil {
		t.Errorf("codex Err = %v, want nil with one perspective left", x.Err)
	}
	if len(x.Outputs) != 1 || x.Outputs[0].Perspective != "logic" {
		t.Errorf("codex outputs = %+v", x.Outputs)
	}
	if worker.KindOf(x.PerspectiveErrs["security"]) != worker.KindTimeout {
		t.Errorf("codex security error = %v", x.PerspectiveErrs["security"])
	}

	if got := len(results.Outputs()); got != 3 {
		t.Errorf("len(Outputs()) = %d, want 3", got)
	}
	if len(results.Failed()) != 0 {
		t.Errorf("Failed() = %v", results.Failed())
	}

	if rec.Count(events.ReviewDispatched) != 1 || rec.Count(events.WorkerInvoked) != 4 || rec.Count(events.WorkerCompleted) != 4 {
		t.Errorf("event types = %v", rec.Types())
	}
	first := rec.Events()[0].Payload.(events.ReviewDispatchedPayload)
	if first.Invocations != 4 || first.Strategy != "parallel" {
		t.Errorf("dispatched payload = %+v", first)
	}

	ops := trk.List("s1")
	if len(ops) != 4 {
		t.Fatalf("tracked operations = %d, want 4", len(ops))
	}
	failed := 0
	for _, op := range ops {
		if op.State == tracker.Failed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed operations = %d, want 1", failed)
	}
}

func TestDispatch_RunsWorkersConcurrently(t *testing.T) {
	const n = 3
	var arrived atomic.Int32
	all := make(chan struct{})

	barrier := func(ctx context.Context, _ worker.Request) worker.Result {
		if arrived.Add(1) == n {
			close(all)
		}
		select {
		case <-all:
			return workertest.OK(emptyReview)
		case <-time.After(5 * time.Second):
			return workertest.Fail(worker.KindTimeout, "workers did not run concurrently")
		case <-ctx.Done():
			return workertest.Fail(worker.KindCanceled, "canceled")
		}
	}

	specs := []WorkerSpec{
		{Worker: workertest.Func("a", barrier)},
		{Worker: workertest.Func("b", barrier)},
		{Worker: workertest.Func("c", barrier)},
	}
	d := &Dispatcher{MaxPerWorker: 1, Retry: noRetry()}
	results, err := d.Dispatch(context.Background(), specs, Task{}, StrategyParallel)
	if err != nil {
		t.Fatal(err)
	}
	if failed := results.Failed(); len(failed) != 0 {
		t.Errorf("Failed() = %v", failed)
	}
}

func TestDispatch_SaturatedWorkerDoesNotDelaySiblings(t *testing.T) {
	release := make(chan struct{})
	fastStarted := make(chan struct{})
	slow := workertest.Func("slow", func(ctx context.Context, _ worker.Request) worker.Result {
		select {
		case <-release:
			return workertest.OK(emptyReview)
		case <-ctx.Done():
			return workertest.Fail(worker.KindCanceled, "canceled")
		}
	})
	var once atomic.Bool
	fast := workertest.Func("fast", func(context.Context, worker.Request) worker.Result {
		if once.CompareAndSwap(false, true) {
			close(fastStarted)
		}
		return workertest.OK(emptyReview)
	})

	for _, limit := range []int{0, 2} {
		t.Run("per-worker limit "+strconv.Itoa(limit), func(t *testing.T) {
			release = make(chan struct{})
			fastStarted = make(chan struct{})
			once.Store(false)

			d := &Dispatcher{MaxPerWorker: limit, Retry: noRetry()}
			task := Task{Perspectives: []string{"security", "logic", "performance", "architecture"}}
			done := make(chan Results, 1)
			go func() {
				results, _ := d.Dispatch(context.Background(), []WorkerSpec{{Worker: slow}, {Worker: fast}}, task, StrategyParallel)
				done <- results
			}()

			select {
			case <-fastStarted:
			case <-time.After(2 * time.Second):
				close(release)
				<-done
				t.Fatal("fast worker waited for the saturated one")
			}
			close(release)
			results := <-done
			if failed := results.Failed(); len(failed) != 0 {
				t.Errorf("Failed() = %v", failed)
			}
		})
	}
}

func TestDispatch_SequentialLaunchesEveryWorker(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e"}
	var arrived atomic.Int32
	all := make(chan struct{})
	barrier := func(ctx context.Context, _ worker.Request) worker.Result {
		if arrived.Add(1) == int32(len(names)) {
			close(all)
		}
		select {
		case <-all:
			return workertest.OK(`<perspective name="security">` + emptyReview + `</perspective>`)
		case <-time.After(5 * time.Second):
			return workertest.Fail(worker.KindTimeout, "worker was queued behind its siblings")
		case <-ctx.Done():
			return workertest.Fail(worker.KindCanceled, "canceled")
		}
	}

	var specs []WorkerSpec
	for _, n := range names {
		specs = append(specs, WorkerSpec{Worker: workertest.Func(n, barrier)})
	}
	d := &Dispatcher{Retry: noRetry()}
	results, err := d.Dispatch(context.Background(), specs, Task{Perspectives: []string{"security"}}, StrategySequential)
	if err != nil {
		t.Fatal(err)
	}
	if failed := results.Failed(); len(failed) != 0 {
		t.Errorf("Failed() = %v", failed)
	}
}

func TestDispatch_FailureDoesNotCancelOthers(t *testing.T) {
	missing := workertest.New("missing", workertest.Fail(worker.KindNotFound, "no such binary"))
	slow := workertest.Func("slow", func(ctx context.Context, _ worker.Request) worker.Result {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return workertest.Fail(worker.KindCanceled, "canceled by sibling failure")
		}
		return workertest.OK(oneIssue("Leak", "high", "performance", "cache.go", 7))
	})

	d := &Dispatcher{Retry: noRetry()}
	results, err := d.Dispatch(context.Background(), []WorkerSpec{{Worker: missing}, {Worker: slow}}, Task{}, StrategyParallel)
	if err != nil {
		t.Fatal(err)
	}

	failed := results.Failed()
	if len(failed) != 1 {
		t.Fatalf("Failed() = %v, want only missing", failed)
	}
	if !errors.Is(failed["missing"], worker.ErrNotFound) {
		t.Errorf("missing error = %v, want ErrNotFound", failed["missing"])
	}
	if out := results["slow"].Outputs; len(out) != 1 || len(out[0].Issues) != 1 {
		t.Errorf("slow outputs = %+v", out)
	}
}

func TestDispatch_Sequential(t *testing.T) {
	answer := `<perspective name="security">` + oneIssue("Hardcoded secret", "critical", "secrets", "cfg.go", 1) + `</perspective>
<perspective name="logic">` + emptyReview + `</perspective>`
	w := workertest.New("claude", workertest.OK(answer))

	d := &Dispatcher{Retry: noRetry()}
	task := Task{Perspectives: []string{"security", "logic", "performance"}}
	results, err := d.Dispatch(context.Background(), []WorkerSpec{{Worker: w}}, task, StrategySequential)
	if err != nil {
		t.Fatal(err)
	}

	if w.CallCount() != 1 {
		t.Fatalf("calls = %d, want one invocation covering every perspective", w.CallCount())
	}
	prompt := w.Calls()[0].Prompt
	for _, title := range []string{"Security", "Logic & Correctness", "Performance"} {
		if !strings.Contains(prompt, title) {
			t.Errorf("prompt is missing perspective %q", title)
		}
	}

	o := results["claude"]
	if o.Err != nil || len(o.Outputs) != 2 {
		t.Fatalf("outcome = %+v", o)
	}
	if o.Outputs[0].Issues[0].Category != "security" {
		t.Errorf("alias not normalized: %+v", o.Outputs[0].Issues[0])
	}
	if !errors.Is(o.PerspectiveErrs["performance"], ErrMissingPerspective) {
		t.Errorf("PerspectiveErrs = %v", o.PerspectiveErrs)
	}
}

func TestDispatch_RetriesTransientFailure(t *testing.T) {
	w := workertest.New("claude",
		workertest.Fail(worker.KindTimeout, "deadline exceeded"),
		workertest.OK(emptyReview),
	)
	var retried int
	d := &Dispatcher{Retry: retry.Config{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		OnRetry:    func(time.Duration, int, int) { retried++ },
	}}

	results, err := d.Dispatch(context.Background(), []WorkerSpec{{Worker: w}}, Task{}, StrategyParallel)
	if err != nil {
		t.Fatal(err)
	}
	if results["claude"].Err != nil {
		t.Errorf("Err = %v", results["claude"].Err)
	}
	if w.CallCount() != 2 || retried != 1 {
		t.Errorf("calls = %d, retries = %d", w.CallCount(), retried)
	}
}

func TestDispatch_MalformedOutput(t *testing.T) {
	w := workertest.New("claude", workertest.OK("Looks fine to me."))
	d := &Dispatcher{Retry: noRetry()}

	results, err := d.Dispatch(context.Background(), []WorkerSpec{{Worker: w}}, Task{}, StrategyParallel)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(results["claude"].Err, ErrMalformedOutput) {
		t.Errorf("Err = %v, want ErrMalformedOutput", results["claude"].Err)
	}
}

func TestDispatch_WorkerOverrides(t *testing.T) {
	w := workertest.New("claude", workertest.OK(emptyReview))
	d := &Dispatcher{Retry: noRetry()}
	task := Task{WorkDir: "/repo", Timeout: time.Minute, Perspectives: []string{"security", "logic"}}
	spec := WorkerSpec{Worker: w, Perspectives: []string{"testing"}, Timeout: 2 * time.Minute}

	if _, err := d.Dispatch(context.Background(), []WorkerSpec{spec}, task, StrategyParallel); err != nil {
		t.Fatal(err)
	}
	calls := w.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if perspectiveOf(calls[0].Prompt) != "testing" {
		t.Error("worker perspectives did not override the task")
	}
	if calls[0].Timeout != 2*time.Minute || calls[0].WorkDir != "/repo" {
		t.Errorf("request = %+v", calls[0])
	}
}

func TestDispatch_InvalidInput(t *testing.T) {
	w := workertest.New("claude")
	tests := []struct {
		name     string
		specs    []WorkerSpec
		task     Task
		strategy Strategy
	}{
		{"no workers", nil, Task{}, StrategyParallel},
		{"nil worker", []WorkerSpec{{}}, Task{}, StrategyParallel},
		{"duplicate worker", []WorkerSpec{{Worker: w}, {Worker: workertest.New("claude")}}, Task{}, StrategyParallel},
		{"unknown perspective", []WorkerSpec{{Worker: w}}, Task{Perspectives: []string{"vibes"}}, StrategyParallel},
		{"unknown strategy", []WorkerSpec{{Worker: w}}, Task{}, "round-robin"},
	}
	d := &Dispatcher{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Dispatch(context.Background(), tt.specs, tt.task, tt.strategy); err == nil {
				t.Error("expected error")
			}
		})
	}
	if w.CallCount() != 0 {
		t.Errorf("worker invoked %d times on invalid input", w.CallCount())
	}
}

func TestDispatch_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := workertest.New("claude", workertest.OK(emptyReview))
	d := &Dispatcher{Retry: retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond}}
	results, err := d.Dispatch(ctx, []WorkerSpec{{Worker: w}}, Task{}, StrategyParallel)
	if err != nil {
		t.Fatal(err)
	}
	if worker.KindOf(results["claude"].Err) != worker.KindCanceled {
		t.Errorf("Err = %v, want canceled", results["claude"].Err)
	}
}
