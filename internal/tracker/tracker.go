// Package tracker records the worker operations of running sessions so an
// external status view can ask what is in flight. A Tracker is owned by the
// caller and passed to the components that report into it.
package tracker

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// State of an operation.
type State string

const (
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

// Operation is one tracked unit of work, usually a worker invocation.
type Operation struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Duration returns the elapsed time, up to now for running operations.
func (o Operation) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return time.Since(o.StartedAt)
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// Tracker is safe for concurrent use. A nil *Tracker ignores all calls.
type Tracker struct {
	mu      sync.Mutex
	ops     map[string]*Operation
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		ops:     make(map[string]*Operation),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
	}
}

// Start records a running operation and returns its id.
func (t *Tracker) Start(sessionID, kind, detail string) string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	id := ulid.MustNew(ulid.Timestamp(now), t.entropy).String()
	t.ops[id] = &Operation{
		ID:        id,
		SessionID: sessionID,
		Kind:      kind,
		Detail:    detail,
		State:     Running,
		StartedAt: now,
	}
	return id
}

// Finish marks an operation done. A nil err means success.
func (t *Tracker) Finish(id string, err error) {
	if t == nil || id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return
	}
	op.FinishedAt = t.now()
	if err != nil {
		op.State = Failed
		op.Error = err.Error()
	} else {
		op.State = Succeeded
	}
}

// List returns copies of the operations of a session ("" for all), oldest first.
func (t *Tracker) List(sessionID string) []Operation {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Operation
	for _, op := range t.ops {
		if sessionID == "" || op.SessionID == sessionID {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Running returns the operations still in flight.
func (t *Tracker) Running(sessionID string) []Operation {
	var out []Operation
	for _, op := range t.List(sessionID) {
		if op.State == Running {
			out = append(out, op)
		}
	}
	return out
}

// Forget drops every operation of a finished session.
func (t *Tracker) Forget(sessionID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, op := range t.ops {
		if op.SessionID == sessionID {
			delete(t.ops, id)
		}
	}
}
