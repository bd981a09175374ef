// Package workertest provides an in-memory worker for tests.
package workertest

import (
	"context"
	"errors"
	"sync"

	"github.com/jywlabs/conclave/internal/worker"
)

// Scripted is a deterministic Worker. Calls are answered by Func when set,
// otherwise by Results in order with the last result repeated.
type Scripted struct {
	WorkerName string
	Results    []worker.Result
	Func       func(ctx context.Context, req worker.Request) worker.Result

	mu    sync.Mutex
	calls []worker.Request
}

// New returns a Scripted worker answering with results in order.
func New(name string, results ...worker.Result) *Scripted {
	return &Scripted{WorkerName: name, Results: results}
}

// Func returns a Scripted worker answering with fn.
func Func(name string, fn func(ctx context.Context, req worker.Request) worker.Result) *Scripted {
	return &Scripted{WorkerName: name, Func: fn}
}

// OK is a successful result with the given output.
func OK(output string) worker.Result {
	return worker.Result{Success: true, Output: output, Raw: output, Usage: worker.Usage{NumTurns: 1}}
}

// Fail is a failed result of the given kind.
func Fail(kind worker.Kind, msg string) worker.Result {
	return worker.Result{Error: &worker.Error{Kind: kind, Err: errors.New(msg)}}
}

func (s *Scripted) Name() string { return s.WorkerName }

// Invoke records the request and returns the scripted answer.
func (s *Scripted) Invoke(ctx context.Context, req worker.Request) worker.Result {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if s.Func != nil {
		return s.Func(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return worker.Result{Error: &worker.Error{Kind: worker.KindCanceled, Worker: s.WorkerName, Err: err}}
	}
	if len(s.Results) == 0 {
		return OK("")
	}
	if n >= len(s.Results) {
		n = len(s.Results) - 1
	}
	res := s.Results[n]
	if req.OnChunk != nil && res.Output != "" {
		req.OnChunk(res.Output)
	}
	var werr *worker.Error
	if errors.As(res.Error, &werr) && werr.Worker == "" {
		copied := *werr
		copied.Worker = s.WorkerName
		res.Error = &copied
	}
	return res
}

// Calls returns a copy of the recorded requests.
func (s *Scripted) Calls() []worker.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]worker.Request(nil), s.calls...)
}

// CallCount returns the number of invocations so far.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
