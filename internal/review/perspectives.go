package review

import (
	"fmt"
	"strings"

	"github.com/jywlabs/conclave/internal/issue"
)

// Perspective is a specialist lens a reviewer adopts.
type Perspective struct {
	Name     string
	Title    string
	Focus    string
	Category issue.Category // Empty for the general perspective
}

// General covers every concern at once.
var General = Perspective{
	Name:  "general",
	Title: "General",
	Focus: "Review for correctness, security, performance, maintainability and test coverage. Prioritize defects that would break production over stylistic nits.",
}

// Catalog lists the built-in specialist perspectives.
var Catalog = []Perspective{
	{
		Name:     "security",
		Title:    "Security",
		Category: issue.Security,
		Focus:    "Injection, broken authentication or authorization, secrets in code, unsafe deserialization, path traversal, SSRF, weak cryptography and missing input validation.",
	},
	{
		Name:     "logic",
		Title:    "Logic & Correctness",
		Category: issue.Logic,
		Focus:    "Wrong results, off-by-one errors, nil or null dereferences, unhandled errors, race conditions, broken edge cases and incorrect state transitions.",
	},
	{
		Name:     "performance",
		Title:    "Performance",
		Category: issue.Performance,
		Focus:    "Algorithmic complexity, N+1 queries, unbounded memory growth, blocking I/O on hot paths, missing caching and needless allocations.",
	},
	{
		Name:     "architecture",
		Title:    "Architecture",
		Category: issue.Architecture,
		Focus:    "Module boundaries, coupling, layering violations, duplicated logic, leaky abstractions and changes that make the code harder to evolve.",
	},
	{
		Name:     "testing",
		Title:    "Testing",
		Category: issue.Testing,
		Focus:    "Missing tests for new behavior, untested error paths, brittle or flaky tests and assertions that do not check what they claim.",
	},
	{
		Name:     "style",
		Title:    "Style",
		Category: issue.Style,
		Focus:    "Naming, formatting, dead code and deviations from the conventions already used in this repository.",
	},
	{
		Name:     "ux",
		Title:    "User Experience",
		Category: issue.UX,
		Focus:    "Confusing messages, inaccessible UI, inconsistent behavior and error states users cannot recover from.",
	},
	{
		Name:     "documentation",
		Title:    "Documentation",
		Category: issue.Documentation,
		Focus:    "Missing or stale comments, READMEs and API docs for the changed code.",
	},
}

// DefaultPerspectives is used when a task names none.
var DefaultPerspectives = []string{General.Name}

// LookupPerspective finds a perspective by name, case-insensitively.
func LookupPerspective(name string) (Perspective, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == General.Name {
		return General, true
	}
	for _, p := range Catalog {
		if p.Name == name {
			return p, true
		}
	}
	return Perspective{}, false
}

// ResolvePerspectives maps names to perspectives, dropping duplicates.
func ResolvePerspectives(names []string) ([]Perspective, error) {
	if len(names) == 0 {
		names = DefaultPerspectives
	}
	seen := make(map[string]bool, len(names))
	out := make([]Perspective, 0, len(names))
	for _, name := range names {
		p, ok := LookupPerspective(name)
		if !ok {
			return nil, fmt.Errorf("unknown perspective %q", name)
		}
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out, nil
}

// PerspectiveNames returns every known perspective name.
func PerspectiveNames() []string {
	names := []string{General.Name}
	for _, p := range Catalog {
		names = append(names, p.Name)
	}
	return names
}
