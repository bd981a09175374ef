// Package challenger grades reviews and fixes with a dedicated worker and
// drives the refinement loop until the grade is good enough.
package challenger

import (
	"math"

	"github.com/jywlabs/conclave/internal/issue"
	"github.com/jywlabs/conclave/internal/worker"
)

// Status is the challenger's verdict.
type Status string

const (
	Approved        Status = "APPROVED"
	NeedsRefinement Status = "NEEDS_REFINEMENT"
	MajorIssues     Status = "MAJOR_ISSUES"
)

// majorIssuesBelow is the score under which a review needs more than polish.
const majorIssuesBelow = 50

// SyntheticScore is reported when the challenger could not be consulted.
const SyntheticScore = 80

// Dimension weights, in percent.
const (
	WeightCompleteness  = 25
	WeightAccuracy      = 30
	WeightDepth         = 25
	WeightActionability = 20
)

// Dimensions are the graded quality axes, each 0-100.
type Dimensions struct {
	Completeness  float64 `json:"completeness"`
	Accuracy      float64 `json:"accuracy"`
	Depth         float64 `json:"depth"`
	Actionability float64 `json:"actionability"`
}

// Weighted returns the weighted satisfaction score of the dimensions.
func (d Dimensions) Weighted() float64 {
	sum := d.Completeness*WeightCompleteness +
		d.Accuracy*WeightAccuracy +
		d.Depth*WeightDepth +
		d.Actionability*WeightActionability
	return math.Round(sum) / 100
}

// Challenge disputes one finding of the review.
type Challenge struct {
	IssueID         string `json:"issue_id"`
	Type            string `json:"type"`
	Reasoning       string `json:"reasoning"`
	SuggestedChange string `json:"suggested_change,omitempty"`
}

// Feedback is one grading of a review or fix. Values are never modified after
// they are returned.
type Feedback struct {
	Iteration          int           `json:"iteration"`
	SatisfactionScore  float64       `json:"satisfaction_score"`
	Dimensions         Dimensions    `json:"dimensions"`
	Threshold          float64       `json:"threshold"`
	Status             Status        `json:"status"`
	MissedIssues       []issue.Issue `json:"missed_issues,omitempty"`
	Challenges         []Challenge   `json:"challenges,omitempty"`
	ImprovementsNeeded string        `json:"improvements_needed,omitempty"`
	PositiveFeedback   string        `json:"positive_feedback,omitempty"`
	Synthetic          bool          `json:"synthetic,omitempty"`
	Usage              worker.Usage  `json:"usage"`
}

// Accepted reports whether the challenger approved. Synthetic feedback is
// never accepted.
func (f Feedback) Accepted() bool {
	return f.Status == Approved && !f.Synthetic
}

// DeriveStatus maps a score to a verdict.
func DeriveStatus(score, threshold float64) Status {
	switch {
	case score >= threshold:
		return Approved
	case score < majorIssuesBelow:
		return MajorIssues
	default:
		return NeedsRefinement
	}
}

// synthetic is the conservative grade used when the challenger fails.
func synthetic(iteration int, threshold float64, reason string) Feedback {
	return Feedback{
		Iteration:          iteration,
		SatisfactionScore:  SyntheticScore,
		Threshold:          threshold,
		Status:             NeedsRefinement,
		ImprovementsNeeded: "Challenger unavailable (" + reason + "); review kept without independent grading.",
		Synthetic:          true,
	}
}
