package fix

import (
	"time"

	"github.com/jywlabs/conclave/internal/worker"
)

// Status is the overall outcome of a session.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusPartial   Status = "PARTIAL"
	StatusFailed    Status = "FAILED"
)

// IssueStatus is the outcome for one issue.
type IssueStatus string

const (
	IssueFixed   IssueStatus = "FIXED"
	IssueSkipped IssueStatus = "SKIPPED"
	IssueFailed  IssueStatus = "FAILED"
	issuePending IssueStatus = ""
)

// IssueResult records what happened to one issue.
type IssueResult struct {
	IssueCode string      `json:"issue_code"`
	Status    IssueStatus `json:"status"`
	CommitSHA string      `json:"commit_sha,omitempty"`
	Error     string      `json:"error,omitempty"`
	Notes     string      `json:"notes,omitempty"`
	Round     int         `json:"round,omitempty"`
}

// SessionResult is the outcome of a fix session. Every session produces
// one, including sessions that fail.
type SessionResult struct {
	SessionID  string        `json:"session_id"`
	BranchName string        `json:"branch_name"`
	Status     Status        `json:"status"`
	Requested  int           `json:"requested"`
	Fixed      int           `json:"fixed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Rounds     int           `json:"rounds"`
	Results    []IssueResult `json:"results"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	Usage      worker.Usage  `json:"usage"`
}

// Commits returns the distinct commit hashes in round order.
func (r *SessionResult) Commits() []string {
	var shas []string
	seen := make(map[string]bool)
	for _, ir := range r.Results {
		if ir.CommitSHA != "" && !seen[ir.CommitSHA] {
			seen[ir.CommitSHA] = true
			shas = append(shas, ir.CommitSHA)
		}
	}
	return shas
}

// tally recounts the per-status totals.
func (r *SessionResult) tally() {
	r.Fixed, r.Failed, r.Skipped = 0, 0, 0
	for _, ir := range r.Results {
		switch ir.Status {
		case IssueFixed:
			r.Fixed++
		case IssueSkipped:
			r.Skipped++
		case IssueFailed:
			r.Failed++
		}
	}
}

// deriveStatus applies the session outcome rules. Skipped issues count as
// resolved.
func deriveStatus(fixed, skipped, failed int) Status {
	switch {
	case failed == 0:
		return StatusCompleted
	case fixed+skipped > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}
