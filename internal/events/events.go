// Package events defines the progress events produced by review and fix
// sessions, and the sinks that deliver them to external renderers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Type names an event variant.
type Type string

const (
	SessionStarted       Type = "session_started"
	RoundStarted         Type = "round_started"
	WorkerInvoked        Type = "worker_invoked"
	ChallengerEvaluating Type = "challenger_evaluating"
	BatchCommitted       Type = "batch_committed"
	SessionCompleted     Type = "session_completed"
	SessionError         Type = "session_error"
	ReviewDispatched     Type = "review_dispatched"
	WorkerCompleted      Type = "worker_completed"
)

// Payload is implemented by every event variant.
type Payload interface {
	EventType() Type
}

// Event is one progress notification. Payload holds the variant matching Type.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Payload   Payload   `json:"payload"`
}

// New stamps a payload with its type and the current time.
func New(sessionID string, p Payload) Event {
	return Event{
		Type:      p.EventType(),
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		Payload:   p,
	}
}

// SessionStartedPayload opens a fix session.
type SessionStartedPayload struct {
	Branch     string   `json:"branch"`
	IssueCodes []string `json:"issue_codes"`
	Steps      int      `json:"steps"`
	MaxRounds  int      `json:"max_rounds"`
}

// RoundStartedPayload opens a fix round.
type RoundStartedPayload struct {
	Round      int      `json:"round"`
	IssueCodes []string `json:"issue_codes"`
}

// WorkerInvokedPayload reports that a worker call is about to start.
type WorkerInvokedPayload struct {
	Worker      string `json:"worker"`
	Role        string `json:"role"`
	Round       int    `json:"round,omitempty"`
	Perspective string `json:"perspective,omitempty"`
}

// ChallengerEvaluatingPayload reports a challenger grading call.
type ChallengerEvaluatingPayload struct {
	Round      int      `json:"round,omitempty"`
	Iteration  int      `json:"iteration,omitempty"`
	IssueCodes []string `json:"issue_codes,omitempty"`
}

// BatchCommittedPayload reports the single commit of a round.
type BatchCommittedPayload struct {
	Round      int      `json:"round"`
	CommitSHA  string   `json:"commit_sha"`
	IssueCodes []string `json:"issue_codes"`
}

// SessionCompletedPayload closes a session.
type SessionCompletedPayload struct {
	Status  string `json:"status"`
	Fixed   int    `json:"fixed"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Rounds  int    `json:"rounds"`
}

// SessionErrorPayload reports a session-fatal error.
type SessionErrorPayload struct {
	Round   int    `json:"round,omitempty"`
	Message string `json:"message"`
}

// ReviewDispatchedPayload opens a review dispatch.
type ReviewDispatchedPayload struct {
	Workers      []string `json:"workers"`
	Perspectives []string `json:"perspectives"`
	Strategy     string   `json:"strategy"`
	Invocations  int      `json:"invocations"`
}

// WorkerCompletedPayload reports one review invocation's outcome.
type WorkerCompletedPayload struct {
	Worker      string        `json:"worker"`
	Perspective string        `json:"perspective,omitempty"`
	Success     bool          `json:"success"`
	Issues      int           `json:"issues"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

func (SessionStartedPayload) EventType() Type       { return SessionStarted }
func (RoundStartedPayload) EventType() Type         { return RoundStarted }
func (WorkerInvokedPayload) EventType() Type        { return WorkerInvoked }
func (ChallengerEvaluatingPayload) EventType() Type { return ChallengerEvaluating }
func (BatchCommittedPayload) EventType() Type       { return BatchCommitted }
func (SessionCompletedPayload) EventType() Type     { return SessionCompleted }
func (SessionErrorPayload) EventType() Type         { return SessionError }
func (ReviewDispatchedPayload) EventType() Type     { return ReviewDispatched }
func (WorkerCompletedPayload) EventType() Type      { return WorkerCompleted }

// UnmarshalJSON decodes the payload into the variant named by type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      Type            `json:"type"`
		SessionID string          `json:"session_id"`
		Time      time.Time       `json:"time"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p, err := newPayload(raw.Type)
	if err != nil {
		return err
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
	}

	e.Type = raw.Type
	e.SessionID = raw.SessionID
	e.Time = raw.Time
	e.Payload = derefPayload(p)
	return nil
}

func newPayload(t Type) (any, error) {
	switch t {
	case SessionStarted:
		return &SessionStartedPayload{}, nil
	case RoundStarted:
		return &RoundStartedPayload{}, nil
	case WorkerInvoked:
		return &WorkerInvokedPayload{}, nil
	case ChallengerEvaluating:
		return &ChallengerEvaluatingPayload{}, nil
	case BatchCommitted:
		return &BatchCommittedPayload{}, nil
	case SessionCompleted:
		return &SessionCompletedPayload{}, nil
	case SessionError:
		return &SessionErrorPayload{}, nil
	case ReviewDispatched:
		return &ReviewDispatchedPayload{}, nil
	case WorkerCompleted:
		return &WorkerCompletedPayload{}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}

func derefPayload(p any) Payload {
	switch v := p.(type) {
	case *SessionStartedPayload:
		return *v
	case *RoundStartedPayload:
		return *v
	case *WorkerInvokedPayload:
		return *v
	case *ChallengerEvaluatingPayload:
		return *v
	case *BatchCommittedPayload:
		return *v
	case *SessionCompletedPayload:
		return *v
	case *SessionErrorPayload:
		return *v
	case *ReviewDispatchedPayload:
		return *v
	case *WorkerCompletedPayload:
		return *v
	}
	return nil
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}
