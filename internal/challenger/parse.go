package challenger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jywlabs/conclave/internal/parser"
	"github.com/jywlabs/conclave/internal/review"
)

// Source is the flagged_by entry for issues the challenger reports missing.
const Source = "challenger"

// ErrNoScore is returned when a grading has neither a score nor dimensions.
var ErrNoScore = errors.New("challenger output has no satisfaction score")

type rawFeedback struct {
	SatisfactionScore  *float64        `json:"satisfaction_score"`
	Score              *float64        `json:"score"`
	Dimensions         *rawDimensions  `json:"dimensions"`
	Status             string          `json:"status"`
	MissedIssues       json.RawMessage `json:"missed_issues"`
	Challenges         []rawChallenge  `json:"challenges"`
	ImprovementsNeeded text            `json:"improvements_needed"`
	PositiveFeedback   text            `json:"positive_feedback"`
}

type rawDimensions struct {
	Completeness  *float64 `json:"completeness"`
	Accuracy      *float64 `json:"accuracy"`
	Depth         *float64 `json:"depth"`
	Actionability *float64 `json:"actionability"`
}

type rawChallenge struct {
	IssueID         string `json:"issue_id"`
	Issue           string `json:"issue"`
	Type            string `json:"type"`
	Reasoning       string `json:"reasoning"`
	SuggestedChange string `json:"suggested_change"`
}

// text accepts a string or a list of strings, joined by newlines.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*t = ""
	case data[0] == '[':
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*t = text(strings.Join(items, "\n"))
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = text(s)
	}
	return nil
}

// ParseFeedback extracts a grading from the challenger's answer. A missing
// satisfaction score is computed from the dimensions. The last object carrying
// a score or dimensions is the grading.
func ParseFeedback(output string, iteration int, threshold float64) (Feedback, error) {
	obj, err := parser.ExtractKeyed(output, "satisfaction_score", "score", "dimensions")
	if err != nil {
		obj, err = parser.ExtractJSON(output)
	}
	if err != nil {
		return Feedback{}, err
	}
	var raw rawFeedback
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return Feedback{}, fmt.Errorf("decode challenger output: %w", err)
	}

	fb := Feedback{
		Iteration:          iteration,
		Threshold:          threshold,
		MissedIssues:       review.ParseIssueList(raw.MissedIssues, Source),
		ImprovementsNeeded: strings.TrimSpace(string(raw.ImprovementsNeeded)),
		PositiveFeedback:   strings.TrimSpace(string(raw.PositiveFeedback)),
	}
	if raw.Dimensions != nil {
		fb.Dimensions = Dimensions{
			Completeness:  clampScore(raw.Dimensions.Completeness),
			Accuracy:      clampScore(raw.Dimensions.Accuracy),
			Depth:         clampScore(raw.Dimensions.Depth),
			Actionability: clampScore(raw.Dimensions.Actionability),
		}
	}

	switch {
	case raw.SatisfactionScore != nil:
		fb.SatisfactionScore = clampScore(raw.SatisfactionScore)
	case raw.Score != nil:
		fb.SatisfactionScore = clampScore(raw.Score)
	case raw.Dimensions != nil:
		fb.SatisfactionScore = fb.Dimensions.Weighted()
	default:
		return Feedback{}, ErrNoScore
	}

	for _, c := range raw.Challenges {
		id := strings.TrimSpace(c.IssueID)
		if id == "" {
			id = strings.TrimSpace(c.Issue)
		}
		if id == "" && c.Reasoning == "" {
			continue
		}
		fb.Challenges = append(fb.Challenges, Challenge{
			IssueID:         id,
			Type:            strings.ToLower(strings.TrimSpace(c.Type)),
			Reasoning:       c.Reasoning,
			SuggestedChange: c.SuggestedChange,
		})
	}

	fb.Status = resolveStatus(raw.Status, fb.SatisfactionScore, threshold)
	return fb, nil
}

// resolveStatus keeps a valid stated verdict and derives one from the score
// only when the verdict is absent or unrecognized.
func resolveStatus(stated string, score, threshold float64) Status {
	switch s := Status(strings.ToUpper(strings.TrimSpace(stated))); s {
	case Approved, NeedsRefinement, MajorIssues:
		return s
	default:
		return DeriveStatus(score, threshold)
	}
}

func clampScore(v *float64) float64 {
	if v == nil || math.IsNaN(*v) {
		return 0
	}
	return math.Max(0, math.Min(100, *v))
}
