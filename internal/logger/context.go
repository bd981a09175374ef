package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
type LogFields struct {
	SessionID   *string // Fix or review session id
	Worker      *string // Worker name
	Perspective *string // Review perspective
	Round       *int    // Fix round number
	IssueCode   *string // Issue being evaluated
	Component   string  // Component name, e.g. "conclave.fix.orchestrator"
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.SessionID != nil {
		result.SessionID = new.SessionID
	}
	if new.Worker != nil {
		result.Worker = new.Worker
	}
	if new.Perspective != nil {
		result.Perspective = new.Perspective
	}
	if new.Round != nil {
		result.Round = new.Round
	}
	if new.IssueCode != nil {
		result.IssueCode = new.IssueCode
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
