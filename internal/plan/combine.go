package plan

import "fmt"

// CombinePlan is "an aggregate node whose transition function is declared
// combine-mode" (spec.md §4.4.2): it merges every partial row sharing a
// group key — including a pre-existing on-disk row materialized by the
// physical group lookup — into one post-combine row per group.
type CombinePlan struct{}

// Execute folds rows into the combined store, keyed by group key, in
// encounter order. The first row seen for a group seeds the merge and every
// later row for it is combined into that first row's State. When a row
// carrying AlreadyAdded (the materialized existing row) is combined in, its
// CTID and AlreadyAdded flag are copied onto the merged row, so partials and
// existing state are merged in one pass (spec.md §4.4.1).
func (CombinePlan) Execute(rows []PartialRow) (map[string]*PartialRow, error) {
	combined := make(map[string]*PartialRow, len(rows))
	for i := range rows {
		r := rows[i]
		existing, ok := combined[r.GroupKey]
		if !ok {
			cp := r
			combined[r.GroupKey] = &cp
			continue
		}
		if err := existing.State.Combine(r.State); err != nil {
			return nil, fmt.Errorf("plan: combine group %q: %w", r.GroupKey, err)
		}
		if r.AlreadyAdded {
			existing.CTID = r.CTID
			existing.AlreadyAdded = true
		}
	}
	return combined, nil
}
