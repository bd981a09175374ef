package fix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jywlabs/conclave/internal/checkpoint"
	"github.com/jywlabs/conclave/internal/issue"
)

// ErrEmptyPlan is returned when a session is started without issues.
var ErrEmptyPlan = errors.New("no issues to fix")

// Entry assigns one issue to a fixer.
type Entry struct {
	IssueCode string `json:"issue_code"`
	Fixer     string `json:"fixer"`
}

// Step groups issues that touch different files.
type Step struct {
	Number  int     `json:"number"`
	Reason  string  `json:"reason"`
	Entries []Entry `json:"entries"`
}

// Plan is the ordered execution plan of a session.
type Plan struct {
	Steps []Step `json:"execution_steps"`
}

// BuildPlan groups issues by file. Step 1 holds the first issue of every
// file, step k the k-th, so issues inside a step never share a file and
// every issue lands in exactly one step. Input order is kept within a step.
func BuildPlan(issues []issue.Issue, fixer string) (Plan, error) {
	if len(issues) == 0 {
		return Plan{}, ErrEmptyPlan
	}

	seen := make(map[string]int)
	var steps []Step
	for _, is := range issues {
		k := seen[is.File]
		seen[is.File]++
		if k == len(steps) {
			steps = append(steps, Step{Number: k + 1})
		}
		steps[k].Entries = append(steps[k].Entries, Entry{IssueCode: is.ID, Fixer: fixer})
	}

	for i := range steps {
		steps[i].Reason = stepReason(i+1, len(steps[i].Entries), issues, steps[i])
	}
	return Plan{Steps: steps}, nil
}

func stepReason(number, size int, issues []issue.Issue, step Step) string {
	if number == 1 {
		if size == 1 {
			return "single file"
		}
		return fmt.Sprintf("%d independent files, safe to fix in parallel", size)
	}
	files := make([]string, 0, len(step.Entries))
	byCode := make(map[string]string, len(issues))
	for _, is := range issues {
		byCode[is.ID] = is.File
	}
	for _, e := range step.Entries {
		files = append(files, byCode[e.IssueCode])
	}
	return fmt.Sprintf("touches files changed in step %d: %s", number-1, strings.Join(files, ", "))
}

// Codes returns every issue code in plan order.
func (p Plan) Codes() []string {
	var codes []string
	for _, s := range p.Steps {
		for _, e := range s.Entries {
			codes = append(codes, e.IssueCode)
		}
	}
	return codes
}

// Checkpoint names.
const (
	checkpointPlan   = "plan"
	checkpointResult = "result"
)

func roundCheckpoint(round int) string {
	return fmt.Sprintf("round-%d", round)
}

// LoadPlan reads the plan checkpoint of a session.
func LoadPlan(ctx context.Context, store checkpoint.Store, sessionID string) (Plan, error) {
	var p Plan
	found, err := loadJSON(ctx, store, sessionID, checkpointPlan, &p)
	if err != nil {
		return Plan{}, err
	}
	if !found {
		return Plan{}, fmt.Errorf("no plan checkpoint for session %s", sessionID)
	}
	return p, nil
}

// LoadResult reads the final result checkpoint of a session.
func LoadResult(ctx context.Context, store checkpoint.Store, sessionID string) (*SessionResult, error) {
	var r SessionResult
	found, err := loadJSON(ctx, store, sessionID, checkpointResult, &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no result checkpoint for session %s", sessionID)
	}
	return &r, nil
}

func loadJSON(ctx context.Context, store checkpoint.Store, sessionID, name string, v any) (bool, error) {
	data, err := store.Load(ctx, sessionID, name)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s checkpoint: %w", name, err)
	}
	return true, nil
}
