// Package plan implements the stored execution trees spec.md §4.3/§4.4
// describes as "the worker plan" and "the combine plan": a worker plan
// projects a stream tuple into a partial transition-state row, hash-sharded
// by group key to a combiner; a combine plan merges partials (and any
// existing on-disk state) for the same group into one post-combine row.
package plan

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/pipelinedb/cqengine/internal/catalog"
	"github.com/pipelinedb/cqengine/internal/microbatch"
	"github.com/pipelinedb/cqengine/internal/sketch"
)

// GroupKey computes the group key for a row: the group columns' values
// joined in column-name (sorted) order, or the CQ name itself for ungrouped
// queries —
// spec.md §4.3's "hash each output row by the CQ's group expression (or by
// the CQ name for ungrouped queries)".
func GroupKey(cq *catalog.CQ, row microbatch.Row) string {
	if !cq.Grouped() {
		return cq.Name
	}
	cols := make([]string, len(cq.GroupColumns))
	copy(cols, cq.GroupColumns)
	sort.Strings(cols)

	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		fmt.Fprintf(&b, "%v", row[c])
	}
	return b.String()
}

// HashGroup returns the shard-stable hash of a group key, used both to pick
// the destination combiner (spec.md §4.3) and, at the combiner, to verify
// shard isolation (spec.md §8 invariant 7).
func HashGroup(groupKey string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(groupKey))
	return h.Sum64()
}

// CombinerIndex computes combiner_index = hash mod N_combiners.
func CombinerIndex(groupKey string, numCombiners int) int {
	if numCombiners <= 0 {
		return 0
	}
	return int(HashGroup(groupKey) % uint64(numCombiners))
}

// GroupValues extracts the group columns from row into a map keyed by
// column name; the map carries no column order.
func GroupValues(cq *catalog.CQ, row microbatch.Row) map[string]any {
	out := make(map[string]any, len(cq.GroupColumns))
	for _, c := range cq.GroupColumns {
		out[c] = row[c]
	}
	return out
}

// WorkerPlan is the stored execution tree rooted at an aggregate node whose
// result-mode is "emit transition state" (spec.md §4.3 "Plan handling").
// Stream-scan leaves read directly from the current micro-batch; they never
// touch storage.
type WorkerPlan struct {
	CQ        *catalog.CQ
	AggKind   sketch.Kind
	AggParams []int
	// TargetColumn is the input attribute folded into the aggregate state;
	// empty for count(*).
	TargetColumn string
}

// PartialRow is one output row of a worker or combine plan: a group key,
// its group column values, and the transition state accumulated so far.
type PartialRow struct {
	GroupKey     string
	GroupValues  map[string]any
	State        sketch.State
	CTID         string
	AlreadyAdded bool
}

// Apply projects one micro-batch row into a PartialRow, folding the row's
// target attribute into a fresh transition state. Missing attributes are
// tolerated (spec.md §4.3's "missing attributes become null"); count(*)
// folds the row unconditionally.
func (p *WorkerPlan) Apply(row microbatch.Row) (PartialRow, error) {
	state, err := sketch.New(p.AggKind, p.AggParams...)
	if err != nil {
		return PartialRow{}, fmt.Errorf("plan: worker plan init: %w", err)
	}
	var input any
	if p.TargetColumn != "" {
		input = row[p.TargetColumn]
	}
	if err := state.Add(input); err != nil {
		return PartialRow{}, fmt.Errorf("plan: worker plan add: %w", err)
	}
	return PartialRow{
		GroupKey:    GroupKey(p.CQ, row),
		GroupValues: GroupValues(p.CQ, row),
		State:       state,
	}, nil
}

// ApplyBatch runs Apply over every row in a micro-batch, returning one
// PartialRow per input row (pre-combine — the caller folds same-group rows
// together via CombinePlan).
func (p *WorkerPlan) ApplyBatch(rows []microbatch.Row) ([]PartialRow, error) {
	out := make([]PartialRow, 0, len(rows))
	for _, r := range rows {
		pr, err := p.Apply(r)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}
