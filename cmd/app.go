package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/jywlabs/conclave/internal/config"
	"github.com/jywlabs/conclave/internal/events"
	"github.com/jywlabs/conclave/internal/logger"
	"github.com/jywlabs/conclave/internal/output"
	"github.com/jywlabs/conclave/internal/retry"
	"github.com/jywlabs/conclave/internal/standards"
	"github.com/jywlabs/conclave/internal/template"
	"github.com/jywlabs/conclave/internal/tracker"
	"github.com/jywlabs/conclave/internal/worker"

	// Register available workers.
	_ "github.com/jywlabs/conclave/internal/worker/anthropic"
	_ "github.com/jywlabs/conclave/internal/worker/claude"
	_ "github.com/jywlabs/conclave/internal/worker/codex"
)

// app holds what every engine command needs: configuration, logging, the
// progress sink and the operation tracker.
type app struct {
	dir     string
	cfg     *config.Config
	logger  *slog.Logger
	printer *output.Printer
	events  events.Sink
	tracker *tracker.Tracker
	closers []func()
}

func newApp(ctx context.Context, out io.Writer) (*app, error) {
	dir, err := filepath.Abs(dirFlag)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}

	a := &app{
		dir:     dir,
		cfg:     cfg,
		logger:  logger.Setup(logger.Options{Env: cfg.Log.Env, Level: cfg.Log.Level}),
		printer: output.New(out),
		tracker: tracker.New(),
	}

	sinks := events.Multi{output.NewEventPrinter(out)}
	if eventsFileFlag != "" {
		f, err := os.OpenFile(eventsFileFlag, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open events file: %w", err)
		}
		async := events.NewAsync(events.NewWriterSink(f), 0, a.logger)
		a.closers = append(a.closers, func() { async.Close(); f.Close() })
		sinks = append(sinks, async)
	}
	if cfg.Events.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Events.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse %s: %w", config.EnvRedisURL, err)
		}
		client := redis.NewClient(opts)
		async := events.NewAsync(events.NewRedisSink(client, cfg.Events.RedisStream), 0, a.logger)
		a.closers = append(a.closers, func() { async.Close(); client.Close() })
		sinks = append(sinks, async)
	}
	a.events = sinks

	a.logger.DebugContext(ctx, "configuration loaded", "dir", dir, "workers", len(cfg.Workers))
	return a, nil
}

// Close flushes the event sinks in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// worker builds the configured worker with the given name.
func (a *app) worker(name string) (worker.Worker, error) {
	wc, ok := a.cfg.Workers[name]
	if !ok {
		return nil, fmt.Errorf("unknown worker %q", name)
	}
	w, err := worker.New(wc.Kind, wc.Worker(a.cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", name, err)
	}
	if w.Name() == name {
		return w, nil
	}
	return worker.Named(name, w), nil
}

func (a *app) retryConfig(retries int) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = retries
	cfg.Logger = a.logger
	return cfg
}

// standards loads the project standards, or "" when they cannot be read.
func (a *app) standards(ctx context.Context) string {
	text, err := standards.Load(filepath.Join(a.dir, template.Dir))
	if err != nil {
		a.logger.WarnContext(ctx, "ignoring project standards", "error", err)
		return ""
	}
	return text
}
