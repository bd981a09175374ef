package challenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jywlabs/conclave/internal/events"
	"github.com/jywlabs/conclave/internal/issue"
	"github.com/jywlabs/conclave/internal/logger"
	"github.com/jywlabs/conclave/internal/retry"
	"github.com/jywlabs/conclave/internal/review"
	"github.com/jywlabs/conclave/internal/template"
	"github.com/jywlabs/conclave/internal/tracker"
	"github.com/jywlabs/conclave/internal/worker"
)

// Mode selects how the challenger sees the code.
type Mode string

const (
	// ModeEmbedded puts file contents in the prompt.
	ModeEmbedded Mode = "embedded"
	// ModeFileList lists paths the challenger reads itself.
	ModeFileList Mode = "files"
)

// DefaultEmbedLimit is the total file size NewContext embeds before
// switching to a file list.
const DefaultEmbedLimit = 200 * 1024

// Context is the code a review is graded against.
type Context struct {
	Mode    Mode
	Files   map[string]string // Path to content, ModeEmbedded only
	Paths   []string
	WorkDir string
}

// NewContext builds a grading context for paths relative to workDir. With
// ModeEmbedded the files are read into the context unless together they
// exceed limit bytes, in which case the file list is used instead.
func NewContext(workDir string, paths []string, mode Mode, limit int) (Context, error) {
	c := Context{Mode: ModeFileList, Paths: paths, WorkDir: workDir}
	if mode != ModeEmbedded {
		return c, nil
	}
	if limit <= 0 {
		limit = DefaultEmbedLimit
	}

	files := make(map[string]string, len(paths))
	total := 0
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(workDir, p))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Context{}, fmt.Errorf("failed to read %s: %w", p, err)
		}
		total += len(data)
		if total > limit {
			slog.Info("code too large to embed, challenger will read files itself", "bytes", total, "limit", limit)
			return c, nil
		}
		files[p] = string(data)
	}
	c.Mode = ModeEmbedded
	c.Files = files
	return c, nil
}

type embeddedFile struct {
	Path    string
	Content string
}

func (c Context) embedded() []embeddedFile {
	paths := make([]string, 0, len(c.Files))
	for p := range c.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	files := make([]embeddedFile, len(paths))
	for i, p := range paths {
		files[i] = embeddedFile{Path: p, Content: c.Files[p]}
	}
	return files
}

// Challenger grades reviews and fixes with a dedicated worker.
type Challenger struct {
	Worker  worker.Worker
	Timeout time.Duration
	Retry   retry.Config
	Events  events.Sink
	Tracker *tracker.Tracker
	Logger  *slog.Logger
}

// Challenge grades a review. It never fails: when the challenger cannot be
// invoked or its answer cannot be parsed, a synthetic NEEDS_REFINEMENT
// feedback is returned instead.
func (c *Challenger) Challenge(ctx context.Context, out review.Output, code Context, iteration int, threshold float64) Feedback {
	ctx, span := otel.Tracer("conclave/challenger").Start(ctx, "challenger.challenge")
	span.SetAttributes(attribute.Int("iteration", iteration), attribute.String("mode", string(code.Mode)))
	defer span.End()

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "conclave.challenger"})
	sessionID := sessionOf(ctx)

	prompt, err := template.Render(template.Challenge, struct {
		Iteration int
		Threshold float64
		Review    review.Output
		Mode      Mode
		Files     []embeddedFile
		Paths     []string
		WorkDir   string
	}{iteration, threshold, out, code.Mode, code.embedded(), code.Paths, code.WorkDir})
	if err != nil {
		return synthetic(iteration, threshold, err.Error())
	}

	c.emit(ctx, sessionID, events.ChallengerEvaluatingPayload{Iteration: iteration, IssueCodes: codes(out.Issues)})

	res := c.invoke(ctx, sessionID, "challenge", fmt.Sprintf("iteration %d", iteration), prompt, code.WorkDir)
	if !res.Success {
		c.logger().WarnContext(ctx, "challenger failed, using synthetic feedback", "error", res.Error)
		return synthetic(iteration, threshold, describe(res.Error))
	}

	fb, err := ParseFeedback(res.Output, iteration, threshold)
	if err != nil {
		c.logger().WarnContext(ctx, "unparseable challenger output, using synthetic feedback",
			"error", err, "output", logger.Truncate(res.Output, 200))
		return synthetic(iteration, threshold, err.Error())
	}
	fb.Usage = res.Usage

	c.logger().InfoContext(ctx, "review graded",
		"score", fb.SatisfactionScore,
		"threshold", threshold,
		"status", fb.Status,
		"missed", len(fb.MissedIssues),
		"challenges", len(fb.Challenges))
	return fb
}

// EvaluateFix grades a single fix against the working-tree diff. Unlike
// Challenge it returns invocation and parse errors so the caller can decide
// how to proceed.
func (c *Challenger) EvaluateFix(ctx context.Context, is issue.Issue, diff, notes string, threshold float64) (Feedback, error) {
	ctx, span := otel.Tracer("conclave/challenger").Start(ctx, "challenger.evaluate_fix")
	span.SetAttributes(attribute.String("issue", is.ID))
	defer span.End()

	ctx = logger.WithLogFields(ctx, logger.LogFields{IssueCode: logger.Ptr(is.ID), Component: "conclave.challenger"})

	prompt, err := template.Render(template.EvaluateFix, struct {
		Issue     issue.Issue
		Threshold float64
		Notes     string
		Diff      string
	}{is, threshold, notes, diff})
	if err != nil {
		return Feedback{}, err
	}

	res := c.invoke(ctx, sessionOf(ctx), "evaluate", is.ID, prompt, "")
	if !res.Success {
		return Feedback{}, res.Error
	}
	fb, err := ParseFeedback(res.Output, 1, threshold)
	if err != nil {
		return Feedback{}, fmt.Errorf("evaluate %s: %w", is.ID, err)
	}
	fb.Usage = res.Usage
	c.logger().InfoContext(ctx, "fix graded", "score", fb.SatisfactionScore, "status", fb.Status)
	return fb, nil
}

func (c *Challenger) invoke(ctx context.Context, sessionID, kind, detail, prompt, workDir string) worker.Result {
	if c.Worker == nil {
		return worker.Result{Error: errors.New("no challenger worker configured")}
	}
	name := c.Worker.Name()
	c.emit(ctx, sessionID, events.WorkerInvokedPayload{Worker: name, Role: "challenger"})
	opID := c.Tracker.Start(sessionID, kind, detail)

	cfg := c.Retry
	if cfg.Logger == nil {
		cfg.Logger = c.logger()
	}
	res := retry.Execute(ctx, cfg, func(int) worker.Result {
		return c.Worker.Invoke(ctx, worker.Request{Prompt: prompt, WorkDir: workDir, Timeout: c.Timeout})
	})
	if !res.Success && res.Error == nil {
		res.Error = &worker.Error{Kind: worker.KindExit, Worker: name, Err: errors.New("challenger reported failure")}
	}
	c.Tracker.Finish(opID, res.Error)
	return res
}

func (c *Challenger) emit(ctx context.Context, sessionID string, p events.Payload) {
	if c.Events == nil {
		return
	}
	if err := c.Events.Emit(ctx, events.New(sessionID, p)); err != nil {
		c.logger().WarnContext(ctx, "event emit failed", "event", p.EventType(), "error", err)
	}
}

func (c *Challenger) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func sessionOf(ctx context.Context) string {
	if id := logger.GetLogFields(ctx).SessionID; id != nil {
		return *id
	}
	return ""
}

func codes(issues []issue.Issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.ID
	}
	return out
}

func describe(err error) string {
	if err == nil {
		return "unknown error"
	}
	if kind := worker.KindOf(err); kind != "" {
		return string(kind)
	}
	return err.Error()
}
