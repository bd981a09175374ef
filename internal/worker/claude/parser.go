package claude

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/jywlabs/conclave/internal/worker"
)

// Parser parses Claude's stream-json output format.
//
// Relevant event types:
//
//	system     subtype "init", carries session_id and model
//	assistant  message.content blocks (text, tool_use)
//	result     final text, usage, cost and success subtype
type Parser struct {
	sessionID string
	model     string
	text      strings.Builder
	final     string
	hasFinal  bool
	failed    bool
	usage     worker.Usage
}

// NewParser creates a new Claude output parser.
func NewParser() *Parser {
	return &Parser{}
}

type streamEvent struct {
	Type      string       `json:"type"`
	Subtype   string       `json:"subtype"`
	SessionID string       `json:"session_id"`
	Model     string       `json:"model"`
	Message   *messageBody `json:"message"`
	Result    *string      `json:"result"`
	IsError   bool         `json:"is_error"`
	NumTurns  int          `json:"num_turns"`
	CostUSD   float64      `json:"total_cost_usd"`
	Usage     *usageBody   `json:"usage"`
}

type messageBody struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

type usageBody struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// ParseLine parses a single JSON line from Claude's stream-json output.
func (p *Parser) ParseLine(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return "", false
	}

	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return "", false
	}
	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" && ev.Model != "" {
			p.model = ev.Model
		}
		return "", true

	case "assistant":
		if ev.Message == nil {
			return "", true
		}
		var fragment strings.Builder
		for _, block := range ev.Message.Content {
			if block.Type == "text" && block.Text != "" {
				fragment.WriteString(block.Text)
			}
		}
		if fragment.Len() > 0 {
			if p.text.Len() > 0 {
				p.text.WriteString("\n")
			}
			p.text.WriteString(fragment.String())
		}
		return fragment.String(), true

	case "result":
		if ev.Result != nil {
			p.final = *ev.Result
			p.hasFinal = true
		}
		if ev.IsError || (ev.Subtype != "" && ev.Subtype != "success") {
			p.failed = true
		}
		p.usage.NumTurns = ev.NumTurns
		p.usage.CostUSD = ev.CostUSD
		if ev.Usage != nil {
			p.usage.InputTokens = ev.Usage.InputTokens
			p.usage.OutputTokens = ev.Usage.OutputTokens
			p.usage.CacheReadTokens = ev.Usage.CacheReadTokens
			p.usage.CacheCreationTokens = ev.Usage.CacheCreationTokens
		}
		return "", true

	default:
		return "", true
	}
}

// Text returns the final result text, falling back to the streamed
// assistant text when no result event arrived (e.g. on timeout).
func (p *Parser) Text() string {
	if p.hasFinal {
		return p.final
	}
	return p.text.String()
}

// Usage returns token and cost accounting from the result event.
func (p *Parser) Usage() worker.Usage { return p.usage }

// SessionID returns the conversation id for --resume.
func (p *Parser) SessionID() string { return p.sessionID }

// Model returns the model reported by the init event.
func (p *Parser) Model() string { return p.model }

// Failed reports whether the result event signalled an error.
func (p *Parser) Failed() bool { return p.failed }
