package claude

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jywlabs/conclave/internal/worker"
)

func TestParser_StreamJSON(t *testing.T) {
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"abc-123","model":"claude-opus-4"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Looking at "},{"type":"tool_use","name":"Read"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"the diff"}]}}`,
		`{"type":"result","subtype":"success","result":"{\"issues\":[]}","num_turns":3,"total_cost_usd":0.12,"usage":{"input_tokens":100,"output_tokens":20,"cache_read_input_tokens":7,"cache_creation_input_tokens":3}}`,
	}

	p := NewParser()
	var fragments []string
	for _, line := range lines {
		frag, ok := p.ParseLine([]byte(line))
		if !ok {
			t.Fatalf("ParseLine(%s) not recognized", line)
		}
		if frag != "" {
			fragments = append(fragments, frag)
		}
	}

	if want := []string{"Looking at ", "the diff"}; !reflect.DeepEqual(fragments, want) {
		t.Errorf("fragments = %q, want %q", fragments, want)
	}
	if p.Text() != `{"issues":[]}` {
		t.Errorf("Text() = %q, want final result text", p.Text())
	}
	if p.SessionID() != "abc-123" || p.Model() != "claude-opus-4" {
		t.Errorf("SessionID() = %q, Model() = %q", p.SessionID(), p.Model())
	}
	want := worker.Usage{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 7, CacheCreationTokens: 3, CostUSD: 0.12, NumTurns: 3}
	if p.Usage() != want {
		t.Errorf("Usage() = %+v, want %+v", p.Usage(), want)
	}
	if p.Failed() {
		t.Error("Failed() = true for success result")
	}
}

func TestParser_TextFallsBackToStream(t *testing.T) {
	p := NewParser()
	p.ParseLine([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"one"}]}}`))
	p.ParseLine([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}`))

	if p.Text() != "one\ntwo" {
		t.Errorf("Text() = %q", p.Text())
	}
}

func TestParser_ErrorResult(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"is_error", `{"type":"result","subtype":"success","is_error":true,"result":"API Error"}`},
		{"max turns", `{"type":"result","subtype":"error_max_turns"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			p.ParseLine([]byte(tt.line))
			if !p.Failed() {
				t.Error("Failed() = false")
			}
		})
	}
}

func TestParser_IgnoresNonJSON(t *testing.T) {
	p := NewParser()
	for _, line := range []string{"", "   ", "plain text", `{"no_type":1}`} {
		if _, ok := p.ParseLine([]byte(line)); ok {
			t.Errorf("ParseLine(%q) recognized", line)
		}
	}
}

func TestBuildArgs(t *testing.T) {
	w := New(&worker.Config{Model: "opus"})
	args := w.BuildArgs(worker.Request{SessionID: "s1"})
	joined := strings.Join(args, " ")

	for _, want := range []string{"-p", "--output-format stream-json", "--verbose", "--model opus", "--resume s1"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}

	if strings.Contains(strings.Join(New(nil).BuildArgs(worker.Request{}), " "), "--resume") {
		t.Error("fresh request should not resume")
	}
}

func TestInvoke_FakeCLI(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture is unix-only")
	}

	binDir := t.TempDir()
	writeFakeClaude(t, binDir, "#!/bin/sh\ncat > /dev/null\n"+
		"printf '{\"type\":\"system\",\"subtype\":\"init\",\"session_id\":\"s-9\"}\\n'\n"+
		"printf '{\"type\":\"assistant\",\"message\":{\"content\":[{\"type\":\"text\",\"text\":\"done\"}]}}\\n'\n"+
		"printf '{\"type\":\"result\",\"subtype\":\"success\",\"result\":\"done\",\"num_turns\":1}\\n'\n")
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	var chunks []string
	result := New(nil).Invoke(context.Background(), worker.Request{
		Prompt:  "fix it",
		Timeout: 5 * time.Second,
		OnChunk: func(s string) { chunks = append(chunks, s) },
	})

	if !result.Success {
		t.Fatalf("Invoke() failed: %v", result.Error)
	}
	if result.Output != "done" || result.SessionID != "s-9" {
		t.Errorf("Output = %q, SessionID = %q", result.Output, result.SessionID)
	}
	if len(chunks) != 1 || chunks[0] != "done" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestInvoke_PreservesCanceledContextError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture is unix-only")
	}

	binDir := t.TempDir()
	writeFakeClaude(t, binDir, "#!/bin/sh\nprintf '{\"type\":\"assistant\",\"message\":{\"content\":[{\"type\":\"text\",\"text\":\"partial\"}]}}\\n'\nsleep 5\nexit 1\n")
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result := New(&worker.Config{Timeout: 10 * time.Second}).Invoke(ctx, worker.Request{Prompt: "test prompt"})

	if !errors.Is(result.Error, context.Canceled) {
		t.Fatalf("Invoke() error = %v, want context.Canceled", result.Error)
	}
	if result.Success {
		t.Fatal("Invoke() success = true, want false when canceled")
	}
	if result.Output != "partial" {
		t.Errorf("Output = %q, want partial text kept", result.Output)
	}
}

func TestInvoke_CommandOverrideNotFound(t *testing.T) {
	result := New(&worker.Config{Command: "/nonexistent/claude-bin"}).Invoke(context.Background(), worker.Request{Timeout: time.Second})
	if !errors.Is(result.Error, worker.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", result.Error)
	}
	if result.Success {
		t.Fatal("Success = true for missing binary")
	}
}

func writeFakeClaude(t *testing.T, dir, script string) {
	t.Helper()

	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
