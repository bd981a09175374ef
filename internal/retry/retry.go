// Package retry re-runs worker invocations that fail transiently.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/jywlabs/conclave/internal/worker"
)

const (
	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 1
	// DefaultBaseDelay is the base delay for exponential backoff.
	DefaultBaseDelay = 5 * time.Second
	// DefaultMaxJitterPercent is the maximum jitter percentage (0-25%).
	DefaultMaxJitterPercent = 25
)

// Config holds retry configuration.
type Config struct {
	MaxRetries       int // Retries after the first attempt; negative means default
	BaseDelay        time.Duration
	MaxJitterPercent int
	Logger           *slog.Logger                              // nil for no logging
	OnRetry          func(delay time.Duration, attempt, max int) // Optional callback for retry notifications
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       DefaultMaxRetries,
		BaseDelay:        DefaultBaseDelay,
		MaxJitterPercent: DefaultMaxJitterPercent,
	}
}

// Operation is a worker invocation that can be retried. attempt starts at 0.
type Operation func(attempt int) worker.Result

// Execute runs an operation with retry logic.
// It retries on retryable errors with exponential backoff and jitter.
// Returns the final result after all attempts.
func Execute(ctx context.Context, cfg Config, op Operation) worker.Result {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxJitterPercent < 0 || cfg.MaxJitterPercent > 100 {
		cfg.MaxJitterPercent = DefaultMaxJitterPercent
	}

	var last worker.Result

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		last = op(attempt)

		if last.Success {
			return last
		}

		if !IsRetryable(last.Error) {
			if cfg.Logger != nil && attempt > 0 {
				cfg.Logger.WarnContext(ctx, "non-retryable error, stopping", "error", last.Error)
			}
			return last
		}

		if attempt >= cfg.MaxRetries {
			if cfg.Logger != nil && cfg.MaxRetries > 0 {
				cfg.Logger.WarnContext(ctx, "retry attempts exhausted", "attempts", cfg.MaxRetries, "error", last.Error)
			}
			return last
		}

		delay := CalculateDelay(cfg.BaseDelay, attempt, cfg.MaxJitterPercent)

		if cfg.OnRetry != nil {
			cfg.OnRetry(delay, attempt+1, cfg.MaxRetries)
		}
		if cfg.Logger != nil {
			cfg.Logger.InfoContext(ctx, "retrying worker invocation",
				"delay", delay.Round(time.Millisecond),
				"attempt", attempt+1,
				"max", cfg.MaxRetries,
				"error", last.Error)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			last.Success = false
			last.Error = &worker.Error{Kind: worker.KindCanceled, Worker: workerName(last.Error), Err: ctx.Err()}
			return last
		case <-timer.C:
		}
	}

	return last
}

func workerName(err error) string {
	var werr *worker.Error
	if errors.As(err, &werr) {
		return werr.Worker
	}
	return ""
}

// CalculateDelay returns the delay for a given attempt using exponential backoff with jitter.
// Formula: base * 2^attempt + jitter (0-maxJitterPercent% of calculated delay)
func CalculateDelay(base time.Duration, attempt int, maxJitterPercent int) time.Duration {
	multiplier := 1 << attempt
	delay := base * time.Duration(multiplier)

	if maxJitterPercent > 0 {
		jitterRange := float64(delay) * float64(maxJitterPercent) / 100.0
		jitter := time.Duration(rand.Float64() * jitterRange)
		delay += jitter
	}

	return delay
}

// retryablePatterns contains error message patterns that indicate retryable errors.
var retryablePatterns = []string{
	"rate limit",
	"rate_limit",
	"timeout",
	"timed out",
	"deadline exceeded",
	"network",
	"connection refused",
	"connection reset",
	"temporary failure",
	"service unavailable",
	"503",
	"502",
	"529",
	"429",
	"overloaded",
	"too many requests",
}

// nonRetryablePatterns contains error message patterns that indicate non-retryable errors.
var nonRetryablePatterns = []string{
	"syntax error",
	"invalid",
	"not found",
	"unauthorized",
	"forbidden",
	"authentication",
	"permission denied",
	"bad request",
	"400",
	"401",
	"403",
	"404",
}

// IsRetryable determines if an error is retryable.
// Worker timeouts are retried; missing executables, cancellation and
// malformed output are not. Exit and API failures are classified by message:
// rate limit and network errors are retryable, auth and input errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch worker.KindOf(err) {
	case worker.KindTimeout:
		return true
	case worker.KindNotFound, worker.KindCanceled, worker.KindMalformed:
		return false
	}

	errStr := strings.ToLower(err.Error())

	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	// Unknown errors are not retried.
	return false
}
