package codex

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/jywlabs/conclave/internal/worker"
)

// Parser parses Codex CLI JSONL output format.
type Parser struct {
	threadID      string
	messages      []string
	commandFailed bool
	turnFailed    bool
	usage         worker.Usage
}

// NewParser creates a new Codex output parser.
func NewParser() *Parser {
	return &Parser{}
}

type jsonlEvent struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id"`
	Item     *item           `json:"item"`
	Usage    *turnUsage      `json:"usage"`
	Message  string          `json:"message"`
	Error    json.RawMessage `json:"error"`
}

type item struct {
	Type     string   `json:"type"`
	Text     string   `json:"text"`
	Status   string   `json:"status"`
	ExitCode *float64 `json:"exit_code"`
}

type turnUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// ParseLine parses a single JSON line from Codex's JSONL output.
func (p *Parser) ParseLine(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return "", false
	}

	var ev jsonlEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return "", false
	}

	switch ev.Type {
	case "thread.started":
		p.threadID = ev.ThreadID
	case "item.completed":
		if ev.Item == nil {
			break
		}
		switch ev.Item.Type {
		case "agent_message":
			p.messages = append(p.messages, ev.Item.Text)
			return ev.Item.Text, true
		case "command_execution":
			if ev.Item.ExitCode != nil && *ev.Item.ExitCode != 0 {
				p.commandFailed = true
			}
		}
		if strings.EqualFold(ev.Item.Status, "failed") {
			p.commandFailed = true
		}
	case "turn.completed":
		if ev.Usage != nil {
			p.usage.InputTokens += ev.Usage.InputTokens
			p.usage.CacheReadTokens += ev.Usage.CachedInputTokens
			p.usage.OutputTokens += ev.Usage.OutputTokens
		}
		p.usage.NumTurns++
		// A failed command inside a completed turn is recoverable; only the
		// turn outcome decides success.
		p.commandFailed = false
	case "turn.failed", "error":
		p.turnFailed = true
	}
	return "", true
}

// Text returns the last agent message, which carries the final answer.
func (p *Parser) Text() string {
	if len(p.messages) == 0 {
		return ""
	}
	return p.messages[len(p.messages)-1]
}

// Usage returns accumulated token usage across turns.
func (p *Parser) Usage() worker.Usage { return p.usage }

// SessionID returns the thread id.
func (p *Parser) SessionID() string { return p.threadID }

// Failed reports whether a turn failed or the last command failed.
func (p *Parser) Failed() bool { return p.turnFailed || p.commandFailed }
