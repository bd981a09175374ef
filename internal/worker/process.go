package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Process describes how to launch a CLI worker.
type Process struct {
	Worker  string     // Worker name used in errors
	Command string     // Executable
	Args    []string   // Arguments; the prompt is piped via stdin
	Parser  LineParser // nil means plain-text output
}

// RunProcess starts the worker process, streams its output and enforces the
// request timeout. It is the only place a worker subprocess is touched.
func RunProcess(ctx context.Context, p Process, req Request) Result {
	ctx, span := otel.Tracer("conclave/worker").Start(ctx, "worker.invoke")
	span.SetAttributes(attribute.String("worker", p.Worker))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startTime := time.Now()

	cmd := exec.CommandContext(runCtx, p.Command, p.Args...)
	cmd.Dir = req.WorkDir

	// Prompt is piped via stdin to avoid OS argument length limits.
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.SysProcAttr = newSysProcAttr()
	setupProcessCleanup(cmd)

	lines := &lineSplitter{parser: p.Parser, onChunk: req.OnChunk}
	decoded := transform.NewWriter(lines, unicode.UTF8.NewDecoder())

	var stderr bytes.Buffer
	cmd.Stdout = decoded
	cmd.Stderr = &stderr

	err := cmd.Run()
	_ = decoded.Close()
	lines.Flush()

	result := Result{
		Raw:      lines.raw.String(),
		Duration: time.Since(startTime),
	}
	if p.Parser != nil {
		result.Output = p.Parser.Text()
		result.Usage = p.Parser.Usage()
		result.SessionID = p.Parser.SessionID()
	} else {
		result.Output = result.Raw
	}

	if err != nil {
		result.Error = classifyRunError(ctx, runCtx, p.Worker, timeout, err, stderr.String())
		span.RecordError(result.Error)
		return result
	}

	if p.Parser != nil {
		if lines.recognized == 0 && strings.TrimSpace(result.Raw) != "" {
			result.Output = result.Raw
			result.Error = &Error{Kind: KindMalformed, Worker: p.Worker, Err: errors.New("no structured events in output")}
			return result
		}
		if p.Parser.Failed() {
			result.Error = &Error{Kind: KindExit, Worker: p.Worker, Err: errors.New("worker reported an unsuccessful result")}
			return result
		}
	}

	result.Success = true
	return result
}

func classifyRunError(parent, runCtx context.Context, name string, timeout time.Duration, err error, stderr string) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: KindNotFound, Worker: name, Err: err}
	case parent.Err() != nil:
		return &Error{Kind: KindCanceled, Worker: name, Err: parent.Err()}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Worker: name, Err: fmt.Errorf("execution timed out after %s: %w", timeout, context.DeadlineExceeded)}
	default:
		return &Error{Kind: KindExit, Worker: name, Err: err, Stderr: strings.TrimSpace(stderr)}
	}
}

// lineSplitter receives already-decoded UTF-8 text, forwards fragments to the
// chunk callback and hands complete lines to the parser.
type lineSplitter struct {
	parser     LineParser
	onChunk    func(string)
	raw        strings.Builder
	buffer     []byte
	recognized int
}

func (h *lineSplitter) Write(p []byte) (int, error) {
	h.raw.Write(p)

	if h.parser == nil {
		if h.onChunk != nil && len(p) > 0 {
			h.onChunk(string(p))
		}
		return len(p), nil
	}

	h.buffer = append(h.buffer, p...)
	for {
		idx := bytes.IndexByte(h.buffer, '\n')
		if idx == -1 {
			break
		}
		line := h.buffer[:idx]
		h.buffer = h.buffer[idx+1:]
		h.processLine(line)
	}
	return len(p), nil
}

func (h *lineSplitter) processLine(line []byte) {
	fragment, ok := h.parser.ParseLine(line)
	if ok {
		h.recognized++
	}
	if fragment != "" && h.onChunk != nil {
		h.onChunk(fragment)
	}
}

// Flush parses any trailing line without a newline.
func (h *lineSplitter) Flush() {
	if h.parser != nil && len(h.buffer) > 0 {
		h.processLine(h.buffer)
	}
	h.buffer = nil
}
