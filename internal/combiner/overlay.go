package combiner

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/pipelinedb/cqengine/internal/catalog"
	"github.com/pipelinedb/cqengine/internal/matrelstore"
	"github.com/pipelinedb/cqengine/internal/plan"
)

// overlayEntry is the last emitted overlay row for a group, with the tick
// at which it was last confirmed live — spec.md §4.4.4's overlay_groups
// hash table.
type overlayEntry struct {
	row         map[string]any
	stateBytes  []byte
	touchedTick uint64
}

// overlayState is the sliding-window engine's per-CQ mutable state:
// step_groups (here, per-group per-step-bucket partials) and
// overlay_groups (last emitted result per group).
type overlayState struct {
	cq      *catalog.CQ
	synced  bool
	steps   map[string]map[int64]plan.PartialRow // groupKey -> stepBucket -> row
	overlay map[string]overlayEntry
	tick    uint64
}

func newOverlayState(cq *catalog.CQ) *overlayState {
	return &overlayState{
		cq:      cq,
		steps:   make(map[string]map[int64]plan.PartialRow),
		overlay: make(map[string]overlayEntry),
	}
}

func stepBucket(ts time.Time, stepSeconds int) int64 {
	if stepSeconds <= 0 {
		stepSeconds = 1
	}
	return ts.Unix() / int64(stepSeconds)
}

// lazySync populates step_groups from the matrel by one scan restricted to
// arrival_ts >= now-interval, filtered to this combiner's shard — performed
// at most once per combiner lifetime, per spec.md §4.4.4.
func (o *overlayState) lazySync(ctx context.Context, store matrelstore.Store, shardIndex, numCombiners int, now time.Time) error {
	if o.synced {
		return nil
	}
	o.synced = true

	since := now.Add(-time.Duration(o.cq.SW.IntervalSeconds) * time.Second)
	rows, err := store.ScanWindow(ctx, o.cq.ID, since)
	if err != nil {
		return fmt.Errorf("overlay: lazy sync scan: %w", err)
	}
	for _, r := range rows {
		if plan.CombinerIndex(r.GroupKey, numCombiners) != shardIndex {
			continue
		}
		bucket := stepBucket(r.ArrivalTS, o.cq.SW.StepSeconds())
		if o.steps[r.GroupKey] == nil {
			o.steps[r.GroupKey] = make(map[int64]plan.PartialRow)
		}
		o.steps[r.GroupKey][bucket] = plan.PartialRow{
			GroupKey:    r.GroupKey,
			GroupValues: r.GroupValues,
			State:       r.State,
		}
	}
	return nil
}

// ingest stores one newly-combined row as its step bucket's row, replacing
// any row the bucket already held, called after sync-to-matrel for an SW
// CQ's combine result.
func (o *overlayState) ingest(pr plan.PartialRow, arrivalTS time.Time) {
	bucket := stepBucket(arrivalTS, o.cq.SW.StepSeconds())
	if o.steps[pr.GroupKey] == nil {
		o.steps[pr.GroupKey] = make(map[int64]plan.PartialRow)
	}
	o.steps[pr.GroupKey][bucket] = pr
}

// Tick runs one overlay-engine pass: drop expired step rows, recompute the
// instantaneous window value per live group via the overlay plan (a
// combine-then-finalize over that group's live step buckets), and diff
// against the last emitted overlay row.
func (o *overlayState) Tick(ctx context.Context, store matrelstore.Store, shardIndex, numCombiners int, now time.Time) ([]Delta, error) {
	if err := o.lazySync(ctx, store, shardIndex, numCombiners, now); err != nil {
		return nil, err
	}
	o.tick++

	windowStart := stepBucket(now.Add(-time.Duration(o.cq.SW.IntervalSeconds)*time.Second), o.cq.SW.StepSeconds())

	var deltas []Delta
	touched := make(map[string]bool)

	for groupKey, buckets := range o.steps {
		for b := range buckets {
			if b < windowStart {
				delete(buckets, b)
			}
		}
		if len(buckets) == 0 {
			delete(o.steps, groupKey)
			if prev, ok := o.overlay[groupKey]; ok {
				deltas = append(deltas, Delta{CQID: o.cq.ID, Old: prev.row, New: nil})
				delete(o.overlay, groupKey)
			}
			continue
		}

		rows := make([]plan.PartialRow, 0, len(buckets))
		for _, r := range buckets {
			rows = append(rows, r)
		}
		combined, err := (plan.CombinePlan{}).Execute(rows)
		if err != nil {
			return nil, fmt.Errorf("overlay: combine window for group %q: %w", groupKey, err)
		}
		merged := combined[groupKey]
		if merged == nil {
			continue
		}

		newBytes, err := merged.State.Serialize()
		if err != nil {
			return nil, fmt.Errorf("overlay: serialize window state: %w", err)
		}

		prev, hadPrev := o.overlay[groupKey]
		if hadPrev && bytes.Equal(newBytes, prev.stateBytes) {
			prev.touchedTick = o.tick
			o.overlay[groupKey] = prev
			touched[groupKey] = true
			continue
		}

		val, err := merged.State.Finalize()
		if err != nil {
			return nil, fmt.Errorf("overlay: finalize: %w", err)
		}
		newRow := copyValues(merged.GroupValues)
		newRow["$value"] = val

		var oldRow map[string]any
		if hadPrev {
			oldRow = prev.row
		}
		deltas = append(deltas, Delta{CQID: o.cq.ID, Old: oldRow, New: newRow})
		o.overlay[groupKey] = overlayEntry{row: newRow, stateBytes: newBytes, touchedTick: o.tick}
		touched[groupKey] = true
	}

	// Two-pass delete: snapshot expired keys before mutating the map, per
	// SPEC_FULL.md's fix for the flagged same-table-mutation bug.
	var expiredKeys []string
	for groupKey, entry := range o.overlay {
		if !touched[groupKey] && entry.touchedTick != o.tick {
			expiredKeys = append(expiredKeys, groupKey)
		}
	}
	for _, groupKey := range expiredKeys {
		prev := o.overlay[groupKey]
		deltas = append(deltas, Delta{CQID: o.cq.ID, Old: prev.row, New: nil})
		delete(o.overlay, groupKey)
	}

	return deltas, nil
}

// TickPeriod returns the SW step size driving this CQ's overlay poll.
func (o *overlayState) TickPeriod() time.Duration {
	return time.Duration(o.cq.SW.StepSeconds()) * time.Second
}

// MinTickPeriod returns the minimum tick period across every SW CQ this
// combiner owns, driving the poll loop per spec.md §4.4.4.
func (c *Combiner) MinTickPeriod(defaultPeriod time.Duration) time.Duration {
	min := defaultPeriod
	for _, st := range c.cqs {
		if st.overlay == nil {
			continue
		}
		if p := st.overlay.TickPeriod(); p < min {
			min = p
		}
	}
	return min
}

// RunOverlayTicks runs one overlay tick for every SW CQ this combiner owns.
func (c *Combiner) RunOverlayTicks(ctx context.Context, now time.Time) (map[int32][]Delta, error) {
	out := make(map[int32][]Delta)
	for cqID, st := range c.cqs {
		if st.overlay == nil {
			continue
		}
		deltas, err := st.overlay.Tick(ctx, c.store, c.shardIndex, c.numCombiners, now)
		if err != nil {
			c.log.Warn().Err(err).Int32("cq_id", cqID).Msg("combiner: overlay tick failed")
			c.errCounter(cqID)
			continue
		}
		if len(deltas) > 0 {
			out[cqID] = deltas
		}
	}
	return out, nil
}
