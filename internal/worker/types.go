package worker

import (
	"context"
	"time"
)

// Request describes a single worker invocation.
type Request struct {
	Prompt  string
	WorkDir string
	Timeout time.Duration

	// OnChunk, when set, receives one call per decoded text fragment as the
	// worker streams its answer.
	OnChunk func(string)

	// SessionID resumes a previous conversation when the worker supports it.
	SessionID string
}

// Usage holds token and cost accounting reported by a worker.
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	NumTurns            int     `json:"num_turns"`
}

// Total returns the sum of all token counters.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + o.InputTokens,
		OutputTokens:        u.OutputTokens + o.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens + o.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens + o.CacheCreationTokens,
		CostUSD:             u.CostUSD + o.CostUSD,
		NumTurns:            u.NumTurns + o.NumTurns,
	}
}

// Result represents the outcome of a worker invocation.
type Result struct {
	Success   bool          // Whether the invocation succeeded
	Output    string        // Assistant text (partial on failure)
	Raw       string        // Raw decoded stdout
	Usage     Usage         // Token/cost accounting, if reported
	SessionID string        // Conversation id for resuming, if reported
	Duration  time.Duration // How long the invocation took
	Error     error         // *Error on failure
}

// Worker is an external AI process that turns a prompt into text.
type Worker interface {
	// Name returns the worker identifier (e.g., "claude", "codex").
	Name() string

	// Invoke runs the prompt and returns the result. It never panics on
	// process failures; those are reported through Result.Error.
	Invoke(ctx context.Context, req Request) Result
}

// LineParser turns one line of a worker's stdout into parser state.
type LineParser interface {
	// ParseLine consumes a single line of output. It returns any assistant
	// text fragment carried by the line and whether the line was recognized.
	ParseLine(line []byte) (fragment string, recognized bool)

	// Text returns the assistant text collected so far.
	Text() string

	// Usage returns accumulated usage.
	Usage() Usage

	// SessionID returns the conversation id, if the worker reported one.
	SessionID() string

	// Failed reports whether the output signalled an unsuccessful run.
	Failed() bool
}

// Config holds per-worker settings.
type Config struct {
	Model    string
	Provider string
	Command  string // Executable override
	Timeout  time.Duration
	APIKey   string
}

// DefaultTimeout for worker invocations.
const DefaultTimeout = 30 * time.Minute
