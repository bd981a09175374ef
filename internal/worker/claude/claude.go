package claude

import (
	"context"
	"time"

	"github.com/jywlabs/conclave/internal/worker"
)

func init() {
	worker.Register("claude", func(cfg *worker.Config) worker.Worker {
		return New(cfg)
	})
}

// Worker executes prompts using the Claude Code CLI.
type Worker struct {
	Timeout time.Duration
	command string
	model   string
}

// New creates a new Claude worker.
func New(cfg *worker.Config) *Worker {
	w := &Worker{
		Timeout: worker.DefaultTimeout,
		command: "claude",
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
	return "claude"
}

// BuildArgs returns the CLI arguments for a request. The prompt itself is
// piped via stdin.
func (w *Worker) BuildArgs(req worker.Request) []string {
	args := []string{
		"-p",
		"--dangerously-skip-permissions",
		"--verbose",
		"--output-format", "stream-json",
	}
	if w.model != "" {
		args = append(args, "--model", w.model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	return args
}

// Invoke runs the prompt using the Claude Code CLI.
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
