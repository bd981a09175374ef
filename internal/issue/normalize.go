package issue

import "strings"

var categoryAliases = map[string]Category{
	"security":        Security,
	"access_control":  Security,
	"auth":            Security,
	"authentication":  Security,
	"authorization":   Security,
	"injection":       Security,
	"xss":             Security,
	"csrf":            Security,
	"crypto":          Security,
	"secrets":         Security,
	"vulnerability":   Security,
	"performance":     Performance,
	"perf":            Performance,
	"efficiency":      Performance,
	"memory":          Performance,
	"scalability":     Performance,
	"architecture":    Architecture,
	"design":          Architecture,
	"structure":       Architecture,
	"maintainability": Architecture,
	"modularity":      Architecture,
	"coupling":        Architecture,
	"style":           Style,
	"formatting":      Style,
	"naming":          Style,
	"readability":     Style,
	"lint":            Style,
	"code_style":      Style,
	"convention":      Style,
	"logic":           Logic,
	"bug":             Logic,
	"correctness":     Logic,
	"logic_error":     Logic,
	"error_handling":  Logic,
	"concurrency":     Logic,
	"race_condition":  Logic,
	"ux":              UX,
	"usability":       UX,
	"ui":              UX,
	"accessibility":   UX,
	"a11y":            UX,
	"user_experience": UX,
	"testing":         Testing,
	"test":            Testing,
	"tests":           Testing,
	"coverage":        Testing,
	"test_coverage":   Testing,
	"documentation":   Documentation,
	"docs":            Documentation,
	"doc":             Documentation,
	"comments":        Documentation,
	"readme":          Documentation,
	"docstring":       Documentation,
}

var severityAliases = map[string]Severity{
	"critical": Critical,
	"blocker":  Critical,
	"high":     High,
	"major":    High,
	"error":    High,
	"medium":   Medium,
	"moderate": Medium,
	"warning":  Medium,
	"low":      Low,
	"minor":    Low,
	"info":     Low,
	"trivial":  Low,
}

func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(s)
}

// NormalizeCategory maps a category name or alias to a Category.
// Unknown names fall back to Logic.
func NormalizeCategory(s string) Category {
	if c, ok := categoryAliases[normalizeToken(s)]; ok {
		return c
	}
	return Logic
}

// ParseSeverity maps a severity name or alias to a Severity. The second
// return is false for unknown input, in which case Medium is returned.
func ParseSeverity(s string) (Severity, bool) {
	if sev, ok := severityAliases[normalizeToken(s)]; ok {
		return sev, true
	}
	return Medium, false
}
