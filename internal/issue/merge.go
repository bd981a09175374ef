package issue

// Merge collapses issues sharing a Key into one. The merged issue keeps the
// most severe severity and the union of FlaggedBy; other fields come from the
// first issue seen for the key. Groups are emitted in first-appearance order.
//
// Merge is idempotent and its output, taken as a set, does not depend on the
// order of the input.
func Merge(issues []Issue) []Issue {
	index := make(map[Key]int, len(issues))
	merged := make([]Issue, 0, len(issues))

	for _, in := range issues {
		k := in.Key()
		if i, ok := index[k]; ok {
			m := &merged[i]
			if in.Severity.Rank() > m.Severity.Rank() {
				m.Severity = in.Severity
			}
			for _, src := range in.FlaggedBy {
				m.Flag(src)
			}
			continue
		}

		c := in.Clone()
		c.FlaggedBy = nil
		for _, src := range in.FlaggedBy {
			c.Flag(src)
		}
		index[k] = len(merged)
		merged = append(merged, c)
	}
	return merged
}
