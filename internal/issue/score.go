package issue

import (
	"math"
	"sort"
)

var severityBase = map[Severity]float64{
	Critical: 100,
	High:     75,
	Medium:   50,
	Low:      25,
}

var categoryMultiplier = map[Category]float64{
	Security:      1.5,
	Logic:         1.3,
	Performance:   1.1,
	Architecture:  1.0,
	Testing:       1.0,
	UX:            0.9,
	Style:         0.8,
	Documentation: 0.7,
}

var qualityDeduction = map[Severity]float64{
	Critical: 2.0,
	High:     1.0,
	Medium:   0.3,
	Low:      0.1,
}

// PriorityScore is severityBase × categoryMultiplier + 5 per flagging
// source, clamped to [0, 100].
func PriorityScore(i Issue) float64 {
	mult, ok := categoryMultiplier[i.Category]
	if !ok {
		mult = 1.0
	}
	score := severityBase[i.Severity]*mult + 5*float64(len(i.FlaggedBy))
	return math.Max(0, math.Min(100, score))
}

// Prioritize returns a copy sorted by descending PriorityScore. Ties keep
// their input order.
func Prioritize(issues []Issue) []Issue {
	sorted := make([]Issue, len(issues))
	copy(sorted, issues)
	sort.SliceStable(sorted, func(a, b int) bool {
		return PriorityScore(sorted[a]) > PriorityScore(sorted[b])
	})
	return sorted
}

// QualityScore starts at 10 and subtracts a per-severity deduction for every
// issue, floored at 0 and rounded to one decimal.
func QualityScore(issues []Issue) float64 {
	score := 10.0
	for _, i := range issues {
		score -= qualityDeduction[i.Severity]
	}
	if score < 0 {
		score = 0
	}
	return math.Round(score*10) / 10
}

// Recommendation is the overall verdict for a set of issues.
type Recommendation string

const (
	Approve            Recommendation = "APPROVE"
	ApproveWithChanges Recommendation = "APPROVE_WITH_CHANGES"
	RequestChanges     Recommendation = "REQUEST_CHANGES"
)

// Counts tallies issues per severity.
type Counts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Total returns the number of counted issues.
func (c Counts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// Count tallies issues per severity.
func Count(issues []Issue) Counts {
	var c Counts
	for _, i := range issues {
		switch i.Severity {
		case Critical:
			c.Critical++
		case High:
			c.High++
		case Medium:
			c.Medium++
		case Low:
			c.Low++
		}
	}
	return c
}

// Recommend returns REQUEST_CHANGES for any CRITICAL or more than three HIGH
// issues, APPROVE_WITH_CHANGES for any HIGH, and APPROVE otherwise.
func Recommend(issues []Issue) Recommendation {
	c := Count(issues)
	switch {
	case c.Critical > 0 || c.High > 3:
		return RequestChanges
	case c.High > 0:
		return ApproveWithChanges
	default:
		return Approve
	}
}
