package fix

import (
	"encoding/json"
	"strings"

	"github.com/jywlabs/conclave/internal/parser"
)

// ClaimStatus is what the fixer says it did with an issue.
type ClaimStatus string

const (
	ClaimFixed   ClaimStatus = "fixed"
	ClaimSkipped ClaimStatus = "skipped"
	ClaimUnknown ClaimStatus = "unknown"
)

// Claim is the fixer's report on one issue.
type Claim struct {
	IssueCode string      `json:"issue_code"`
	Status    ClaimStatus `json:"status"`
	Notes     string      `json:"notes,omitempty"`
}

type rawClaim struct {
	IssueCode string `json:"issue_code"`
	Code      string `json:"code"`
	ID        string `json:"id"`
	Status    string `json:"status"`
	Notes     string `json:"notes"`
	Reason    string `json:"reason"`
}

var claimAliases = map[string]ClaimStatus{
	"fixed":          ClaimFixed,
	"done":           ClaimFixed,
	"resolved":       ClaimFixed,
	"completed":      ClaimFixed,
	"skipped":        ClaimSkipped,
	"skip":           ClaimSkipped,
	"wontfix":        ClaimSkipped,
	"won't fix":      ClaimSkipped,
	"not_applicable": ClaimSkipped,
	"false_positive": ClaimSkipped,
}

// ParseClaims reads the fixer's {"results": [...]} report, keyed by issue
// code. The last object carrying results is the report; earlier snippets are
// ignored. The first claim for a code wins. An answer without a report yields
// no claims and an error.
func ParseClaims(output string) (map[string]Claim, error) {
	obj, err := parser.ExtractKeyed(output, "results")
	if err != nil {
		return map[string]Claim{}, err
	}
	var raw struct {
		Results []rawClaim `json:"results"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return map[string]Claim{}, err
	}

	claims := make(map[string]Claim, len(raw.Results))
	for _, r := range raw.Results {
		code := strings.TrimSpace(firstNonEmpty(r.IssueCode, r.Code, r.ID))
		if code == "" {
			continue
		}
		if _, dup := claims[code]; dup {
			continue
		}
		status, ok := claimAliases[strings.ToLower(strings.TrimSpace(r.Status))]
		if !ok {
			status = ClaimUnknown
		}
		claims[code] = Claim{IssueCode: code, Status: status, Notes: firstNonEmpty(r.Notes, r.Reason)}
	}
	return claims, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
