package codex

import (
	"context"
	"time"

	"github.com/jywlabs/conclave/internal/worker"
)

func init() {
	worker.Register("codex", func(cfg *worker.Config) worker.Worker {
		return New(cfg)
	})
}

// Worker executes prompts using the OpenAI Codex CLI.
type Worker struct {
	Timeout time.Duration
	command string
	model   string
}

// New creates a new Codex worker.
func New(cfg *worker.Config) *Worker {
	w := &Worker{
		Timeout: worker.DefaultTimeout,
		command: "codex",
	}
	if cfg != nil {
		if cfg.Command != "" {
			w.command = cfg.Command
		}
		if cfg.Model != "" {
			w.model = cfg.Model
		}
		if cfg.Timeout > 0 {
			w.Timeout = cfg.Timeout
		}
	}
	return w
}

// Name returns the worker identifier.
func (w *Worker) Name() string {
	return "codex"
}

// BuildArgs returns the CLI arguments. "-" makes codex read the prompt from
// stdin; a session id resumes the previous thread.
func (w *Worker) BuildArgs(req worker.Request) []string {
	args := []string{"exec"}
	if req.SessionID != "" {
		args = append(args, "resume", req.SessionID)
	}
	args = append(args,
		"--dangerously-bypass-approvals-and-sandbox",
		"--json",
	)
	if w.model != "" {
		args = append(args, "--model", w.model)
	}
	return append(args, "-")
}

// Invoke runs the prompt using the Codex CLI.
func (w *Worker) Invoke(ctx context.Context, req worker.Request) worker.Result {
	if req.Timeout <= 0 {
		req.Timeout = w.Timeout
	}
	return worker.RunProcess(ctx, worker.Process{
		Worker:  w.Name(),
		Command: w.command,
		Args:    w.BuildArgs(req),
		Parser:  NewParser(),
	}, req)
}
