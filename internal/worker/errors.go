package worker

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies worker failures.
type Kind string

const (
	KindNotFound  Kind = "not_found" // Executable missing
	KindTimeout   Kind = "timeout"   // Per-invocation timeout exceeded
	KindExit      Kind = "exit"      // Non-zero exit status
	KindMalformed Kind = "malformed" // Output could not be parsed
	KindCanceled  Kind = "canceled"  // Parent context canceled
	KindAPI       Kind = "api"       // Remote API call failed
)

// ErrNotFound is matched by errors.Is for missing executables.
var ErrNotFound = errors.New("worker executable not found")

// Error is the typed error carried in Result.Error.
type Error struct {
	Kind   Kind
	Worker string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s worker %s", e.Worker, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += " (stderr: " + e.Stderr + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) match not-found worker errors.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

// KindOf returns the Kind of a worker error, or "" for other errors.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return ""
}
