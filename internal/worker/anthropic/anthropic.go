// Package anthropic provides a worker backed by the Anthropic Messages API.
// It has no access to the working directory, so callers must embed the code
// they want graded in the prompt.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jywlabs/conclave/internal/worker"
)

const defaultModel = "claude-sonnet-4-5"

func init() {
	worker.Register("anthropic", func(cfg *worker.Config) worker.Worker {
		return New(cfg)
	})
}

// Worker sends prompts to the Messages API.
type Worker struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// New creates an API worker. The key falls back to ANTHROPIC_API_KEY. Extra
// request options are applied after the configured ones.
func New(cfg *worker.Config, opts ...option.RequestOption) *Worker {
	w := &Worker{
		model:     defaultModel,
		maxTokens: 8192,
		timeout:   worker.DefaultTimeout,
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if cfg != nil {
		if cfg.APIKey != "" {
			apiKey = cfg.APIKey
		}
		if cfg.Model != "" {
			w.model = cfg.Model
		}
		if cfg.Timeout > 0 {
			w.timeout = cfg.Timeout
		}
	}

	var clientOpts []option.RequestOption
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	w.client = anthropic.NewClient(append(clientOpts, opts...)...)
	return w
}

// Name returns the worker identifier.
func (w *Worker) Name() string {
	return "anthropic"
}

// Invoke streams the answer to a single user message, passing each text delta
// to OnChunk. On failure the text received so far is kept. SessionID and
// WorkDir are ignored.
func (w *Worker) Invoke(ctx context.Context, req worker.Request) worker.Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stream := w.client.Messages.NewStreaming(runCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(w.model),
		MaxTokens: w.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	defer stream.Close()

	var (
		msg  anthropic.Message
		text strings.Builder
		kind = worker.KindAPI
		err  error
	)
	for stream.Next() {
		event := stream.Current()
		if err = msg.Accumulate(event); err != nil {
			kind = worker.KindMalformed
			break
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if td, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
				text.WriteString(td.Text)
				if req.OnChunk != nil {
					req.OnChunk(td.Text)
				}
			}
		}
	}
	if err == nil {
		err = stream.Err()
	}
	duration := time.Since(start)

	usage := worker.Usage{
		InputTokens:         int(msg.Usage.InputTokens),
		OutputTokens:        int(msg.Usage.OutputTokens),
		CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
		CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		NumTurns:            1,
	}

	if err != nil {
		switch {
		case ctx.Err() != nil:
			kind = worker.KindCanceled
			err = ctx.Err()
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			kind = worker.KindTimeout
			err = fmt.Errorf("request timed out after %s: %w", timeout, context.DeadlineExceeded)
		}
		return worker.Result{
			Output:   text.String(),
			Raw:      text.String(),
			Usage:    usage,
			Duration: duration,
			Error:    &worker.Error{Kind: kind, Worker: w.Name(), Err: err},
		}
	}

	return worker.Result{
		Success:  true,
		Output:   text.String(),
		Raw:      text.String(),
		Duration: duration,
		Usage:    usage,
	}
}
