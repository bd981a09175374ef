package issue

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strings"
	"testing"
)

func sampleIssues() []Issue {
	return []Issue{
		{ID: "a1", Severity: High, Category: Security, File: "x.py", Line: LineOf(12), Title: "SQL injection", FlaggedBy: []string{"claude"}},
		{ID: "a2", Severity: Low, Category: Style, File: "x.py", Line: LineOf(30), Title: "naming", FlaggedBy: []string{"claude"}},
		{ID: "b1", Severity: Critical, Category: Security, File: "x.py", Line: LineOf(12), Title: "unsanitized query", FlaggedBy: []string{"codex"}},
		{ID: "b2", Severity: Medium, Category: Logic, File: "y.py", Title: "off by one", FlaggedBy: []string{"codex", "codex"}},
		{ID: "c1", Severity: Medium, Category: Logic, File: "y.py", Title: "loop bound", FlaggedBy: []string{"gemini"}},
	}
}

func TestMerge_ScenarioB(t *testing.T) {
	merged := Merge([]Issue{
		{ID: "w1-1", File: "x.py", Line: LineOf(12), Category: Security, Severity: High, FlaggedBy: []string{"worker1"}},
		{ID: "w2-1", File: "x.py", Line: LineOf(12), Category: Security, Severity: Critical, FlaggedBy: []string{"worker2"}},
	})

	if len(merged) != 1 {
		t.Fatalf("len(merged) = %d, want 1", len(merged))
	}
	if merged[0].Severity != Critical {
		t.Errorf("Severity = %s, want CRITICAL", merged[0].Severity)
	}
	if want := []string{"worker1", "worker2"}; !reflect.DeepEqual(merged[0].FlaggedBy, want) {
		t.Errorf("FlaggedBy = %v, want %v", merged[0].FlaggedBy, want)
	}
}

func TestMerge_KeepsFirstSeenFields(t *testing.T) {
	merged := Merge(sampleIssues())

	if len(merged) != 3 {
		t.Fatalf("len(merged) = %d, want 3", len(merged))
	}
	if merged[0].ID != "a1" || merged[0].Title != "SQL injection" {
		t.Errorf("merged[0] = %+v, want first-seen fields", merged[0])
	}
	if merged[2].ID != "b2" {
		t.Errorf("merged[2].ID = %q, want b2 (first appearance order)", merged[2].ID)
	}
	if want := []string{"codex", "gemini"}; !reflect.DeepEqual(merged[2].FlaggedBy, want) {
		t.Errorf("FlaggedBy = %v, want deduplicated %v", merged[2].FlaggedBy, want)
	}
}

func TestMerge_LineDistinguishesNilFromZero(t *testing.T) {
	merged := Merge([]Issue{
		{File: "a.go", Category: Logic, Severity: Low},
		{File: "a.go", Line: LineOf(0), Category: Logic, Severity: Low},
		{File: "a.go", Line: LineOf(0), Category: Style, Severity: Low},
	})
	if len(merged) != 3 {
		t.Errorf("len(merged) = %d, want 3", len(merged))
	}
}

func TestMerge_DoesNotAliasInput(t *testing.T) {
	in := sampleIssues()
	merged := Merge(in)
	merged[0].FlaggedBy[0] = "mutated"
	*merged[0].Line = 99

	if in[0].FlaggedBy[0] != "claude" || *in[0].Line != 12 {
		t.Error("Merge output shares memory with input")
	}
}

func TestMerge_Idempotence(t *testing.T) {
	once := Merge(sampleIssues())

	if twice := Merge(once); !reflect.DeepEqual(once, twice) {
		t.Errorf("Merge(Merge(x)) != Merge(x)\n got %+v\nwant %+v", twice, once)
	}

	doubled := append(sampleIssues(), sampleIssues()...)
	if self := Merge(doubled); !reflect.DeepEqual(once, self) {
		t.Errorf("Merge(x ++ x) != Merge(x)\n got %+v\nwant %+v", self, once)
	}
}

// canonical renders a merged list as an order-independent set.
func canonical(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		flagged := slices.Clone(i.FlaggedBy)
		sort.Strings(flagged)
		k := i.Key()
		out = append(out, fmt.Sprintf("%s|%d|%t|%s|%s|%s", k.File, k.Line, k.HasLine, k.Category, i.Severity, strings.Join(flagged, ",")))
	}
	sort.Strings(out)
	return out
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for pos := 0; pos <= len(p); pos++ {
			q := append(append(append([]int{}, p[:pos]...), n-1), p[pos:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestMerge_OrderInvariance(t *testing.T) {
	// Each worker's findings arrive as one batch; completion order permutes batches.
	batches := [][]Issue{
		{sampleIssues()[0], sampleIssues()[1]},
		{sampleIssues()[2], sampleIssues()[3]},
		{sampleIssues()[4]},
		{{ID: "d1", Severity: High, Category: Logic, File: "y.py", FlaggedBy: []string{"opus"}}},
	}
	want := canonical(Merge(slices.Concat(batches...)))

	for _, perm := range permutations(len(batches)) {
		var in []Issue
		for _, idx := range perm {
			in = append(in, batches[idx]...)
		}
		if got := canonical(Merge(in)); !reflect.DeepEqual(got, want) {
			t.Errorf("order %v: got %v, want %v", perm, got, want)
		}
	}

	// Issue-level permutations as well.
	flat := sampleIssues()
	for _, perm := range permutations(len(flat)) {
		in := make([]Issue, len(flat))
		for i, idx := range perm {
			in[i] = flat[idx]
		}
		if got, want := canonical(Merge(in)), canonical(Merge(flat)); !reflect.DeepEqual(got, want) {
			t.Fatalf("issue order %v: got %v, want %v", perm, got, want)
		}
	}
}

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"security", Security},
		{"access_control", Security},
		{"Access Control", Security},
		{"access-control", Security},
		{"XSS", Security},
		{"perf", Performance},
		{"maintainability", Architecture},
		{"naming", Style},
		{"bug", Logic},
		{"race condition", Logic},
		{"a11y", UX},
		{"test coverage", Testing},
		{"docs", Documentation},
		{"something new", Logic},
		{"", Logic},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeCategory(tt.in); got != tt.want {
				t.Errorf("NormalizeCategory(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in    string
		want  Severity
		known bool
	}{
		{"CRITICAL", Critical, true},
		{"blocker", Critical, true},
		{"High", High, true},
		{"major", High, true},
		{" medium ", Medium, true},
		{"warning", Medium, true},
		{"minor", Low, true},
		{"info", Low, true},
		{"urgent-ish", Medium, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseSeverity(tt.in)
			if got != tt.want || ok != tt.known {
				t.Errorf("ParseSeverity(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.known)
			}
		})
	}
}

func TestPriorityScore(t *testing.T) {
	tests := []struct {
		name  string
		issue Issue
		want  float64
	}{
		{"critical security clamps", Issue{Severity: Critical, Category: Security}, 100},
		{"high logic", Issue{Severity: High, Category: Logic}, 97.5},
		{"medium style two sources", Issue{Severity: Medium, Category: Style, FlaggedBy: []string{"a", "b"}}, 50},
		{"low docs", Issue{Severity: Low, Category: Documentation}, 17.5},
		{"low perf one source", Issue{Severity: Low, Category: Performance, FlaggedBy: []string{"a"}}, 32.5},
		{"unknown severity", Issue{Category: Testing}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PriorityScore(tt.issue); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("PriorityScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreMonotonicity(t *testing.T) {
	for _, cat := range Categories {
		for _, flagged := range [][]string{nil, {"a"}, {"a", "b", "c"}} {
			low := Issue{Severity: Low, Category: cat, File: "f.go", Line: LineOf(1), FlaggedBy: flagged}
			crit := low.Clone()
			crit.Severity = Critical

			if PriorityScore(crit) <= PriorityScore(low) {
				t.Errorf("%s/%d sources: critical %v <= low %v", cat, len(flagged), PriorityScore(crit), PriorityScore(low))
			}

			others := []Issue{{Severity: Medium}, {Severity: High}}
			before := 10 - QualityScore(append(slices.Clone(others), low))
			after := 10 - QualityScore(append(slices.Clone(others), crit))
			if after < before {
				t.Errorf("%s: deduction decreased from %v to %v", cat, before, after)
			}
		}
	}
}

func TestPrioritize_StableDescending(t *testing.T) {
	in := []Issue{
		{ID: "style", Severity: Low, Category: Style},
		{ID: "sec", Severity: Critical, Category: Security},
		{ID: "arch1", Severity: Medium, Category: Architecture},
		{ID: "arch2", Severity: Medium, Category: Architecture},
		{ID: "test", Severity: Medium, Category: Testing},
	}

	got := Prioritize(in)
	var ids []string
	for _, i := range got {
		ids = append(ids, i.ID)
	}
	if want := []string{"sec", "arch1", "arch2", "test", "style"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("Prioritize() order = %v, want %v", ids, want)
	}
	if in[0].ID != "style" {
		t.Error("Prioritize mutated its input")
	}
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name   string
		issues []Issue
		want   float64
	}{
		{"none", nil, 10},
		{"mixed", []Issue{{Severity: Critical}, {Severity: High}, {Severity: Medium}, {Severity: Low}}, 6.6},
		{"three medium", []Issue{{Severity: Medium}, {Severity: Medium}, {Severity: Medium}}, 9.1},
		{"floored", []Issue{{Severity: Critical}, {Severity: Critical}, {Severity: Critical}, {Severity: Critical}, {Severity: Critical}, {Severity: Critical}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QualityScore(tt.issues); got != tt.want {
				t.Errorf("QualityScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecommend(t *testing.T) {
	high := Issue{Severity: High}
	tests := []struct {
		name   string
		issues []Issue
		want   Recommendation
	}{
		{"clean", nil, Approve},
		{"only low and medium", []Issue{{Severity: Low}, {Severity: Medium}}, Approve},
		{"one high", []Issue{high}, ApproveWithChanges},
		{"three high", []Issue{high, high, high}, ApproveWithChanges},
		{"four high", []Issue{high, high, high, high}, RequestChanges},
		{"one critical", []Issue{{Severity: Critical}}, RequestChanges},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Recommend(tt.issues); got != tt.want {
				t.Errorf("Recommend() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCount(t *testing.T) {
	c := Count(sampleIssues())
	if c != (Counts{Critical: 1, High: 1, Medium: 2, Low: 1}) {
		t.Errorf("Count() = %+v", c)
	}
	if c.Total() != 5 {
		t.Errorf("Total() = %d", c.Total())
	}
}

func TestLocation(t *testing.T) {
	if got := (Issue{File: "a.go", Line: LineOf(3)}).Location(); got != "a.go:3" {
		t.Errorf("Location() = %q", got)
	}
	if got := (Issue{File: "a.go"}).Location(); got != "a.go" {
		t.Errorf("Location() = %q", got)
	}
}
