// Package combiner implements spec.md §4.4, the most intricate component:
// one combiner instance owns an exclusive subset of CQs and, within each
// CQ, an exclusive subset of groups partitioned by group_hash mod
// N_combiners. It reconciles incoming partials against on-disk state,
// merges them, writes the result back, and (for sliding-window CQs) runs
// the overlay engine.
package combiner

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipelinedb/cqengine/internal/ack"
	"github.com/pipelinedb/cqengine/internal/catalog"
	"github.com/pipelinedb/cqengine/internal/ipc"
	"github.com/pipelinedb/cqengine/internal/matrelstore"
	"github.com/pipelinedb/cqengine/internal/microbatch"
	"github.com/pipelinedb/cqengine/internal/plan"
	"github.com/pipelinedb/cqengine/internal/sketch"
	"github.com/pipelinedb/cqengine/internal/stats"
	"github.com/pipelinedb/cqengine/internal/streaminsert"
)

// Delta is the (old, new, delta) tuple spec.md §4.4.3 describes: it is
// enqueued onto the CQ's output stream via the stream-insert re-entrant
// path when the CQ has readers.
type Delta struct {
	CQID               int32
	Old, New, DeltaRow map[string]any
}

// cqState is the per-CQ mutable cache spec.md §9's design note describes:
// a single owned object held by the combiner loop, invalidated wholesale
// on a catalog-change observation.
type cqState struct {
	cq            *catalog.CQ
	aggKind       sketch.Kind
	aggParams     []int
	lastSeqBySrc  map[uint64]uint64
	overlay       *overlayState
	unflushed     int
	firstUnflushedAt time.Time
}

// Combiner owns a shard of CQs and groups.
type Combiner struct {
	id           uint64
	shardIndex   int
	numCombiners int
	transport    *ipc.Transport
	endpoint     *ipc.Endpoint
	store        matrelstore.Store
	inserter     *streaminsert.Inserter
	stats        *stats.Registry
	pid          int
	log          zerolog.Logger

	commitInterval time.Duration
	pkSeq          func(cqID int32) string

	cqs            map[int32]*cqState
	pendingCommits []*microbatch.Batch
}

func New(id uint64, shardIndex, numCombiners int, t *ipc.Transport, store matrelstore.Store, inserter *streaminsert.Inserter, st *stats.Registry, pid int, commitInterval time.Duration, pkSeq func(cqID int32) string, log zerolog.Logger) *Combiner {
	return &Combiner{
		id:             id,
		shardIndex:     shardIndex,
		numCombiners:   numCombiners,
		transport:      t,
		endpoint:       t.Bind(id),
		store:          store,
		inserter:       inserter,
		stats:          st,
		pid:            pid,
		commitInterval: commitInterval,
		pkSeq:          pkSeq,
		cqs:            make(map[int32]*cqState),
		log:            log.With().Uint64("combiner_id", id).Int("shard", shardIndex).Logger(),
	}
}

func (c *Combiner) Close() { c.transport.Unbind(c.id) }

// RegisterCQ installs (or replaces) the cache for cq, called once at
// startup and again whenever a catalog-change observation invalidates the
// previous owned object.
func (c *Combiner) RegisterCQ(cq *catalog.CQ, aggKind sketch.Kind, aggParams ...int) {
	st := &cqState{
		cq:           cq,
		aggKind:      aggKind,
		aggParams:    aggParams,
		lastSeqBySrc: make(map[uint64]uint64),
	}
	if cq.SW != nil {
		st.overlay = newOverlayState(cq)
	}
	c.cqs[cq.ID] = st
}

// PurgeCQ drops a CQ's cached state, per spec.md §4.4.6's failure-recovery
// policy: "purge the per-CQ in-memory state... a failed plan is
// re-initialized on next invocation."
func (c *Combiner) PurgeCQ(cqID int32) { delete(c.cqs, cqID) }

func (c *Combiner) errCounter(cqID int32) {
	c.stats.Process(stats.ProcessKey{Kind: stats.KindCombiner, PID: c.pid, CQID: cqID}).Errors.Add(1)
}

// rowToPartial reconstructs a plan.PartialRow from a worker-shipped
// microbatch row, which carries the pre-sharded group key, state, and cq id
// under reserved keys (see internal/worker).
func rowToPartial(row microbatch.Row) (cqID int32, pr plan.PartialRow, err error) {
	gk, _ := row["__group_key"].(string)
	state, ok := row["__state"].(sketch.State)
	if !ok {
		return 0, plan.PartialRow{}, fmt.Errorf("combiner: row missing transition state")
	}
	id, _ := row["__cq_id"].(int32)

	values := make(map[string]any, len(row))
	for k, v := range row {
		if k == "__group_key" || k == "__state" || k == "__cq_id" {
			continue
		}
		values[k] = v
	}
	return id, plan.PartialRow{GroupKey: gk, GroupValues: values, State: state}, nil
}

// HandleBatch runs group reconciliation (spec.md §4.4.1), combine plan
// execution (§4.4.2), and sync-to-matrel (§4.4.3) for one incoming
// micro-batch. It returns the deltas produced, for the caller to forward to
// any output-stream readers.
func (c *Combiner) HandleBatch(ctx context.Context, b *microbatch.Batch) ([]Delta, error) {
	byCQ := make(map[int32][]plan.PartialRow)
	for _, row := range b.Rows {
		cqID, pr, err := rowToPartial(row)
		if err != nil {
			c.log.Warn().Err(err).Msg("combiner: malformed row, discarding")
			continue
		}
		byCQ[cqID] = append(byCQ[cqID], pr)
	}

	var deltas []Delta
	for cqID, partials := range byCQ {
		st, ok := c.cqs[cqID]
		if !ok {
			c.log.Warn().Int32("cq_id", cqID).Msg("combiner: unknown CQ, discarding batch rows")
			continue
		}

		// Shard isolation invariant (spec.md §8 invariant 7).
		kept := partials[:0]
		for _, pr := range partials {
			if plan.CombinerIndex(pr.GroupKey, c.numCombiners) != c.shardIndex {
				c.log.Error().Str("group", pr.GroupKey).Msg("combiner: shard isolation violated, discarding row")
				continue
			}
			kept = append(kept, pr)
		}
		partials = kept

		// Sequence-numbered dedup (SPEC_FULL.md §12): discard a replayed
		// batch from a source endpoint we've already applied.
		if last, ok := st.lastSeqBySrc[b.SourceEndpoint]; ok && b.SeqNo <= last {
			c.log.Debug().Uint64("seq", b.SeqNo).Uint64("last", last).Msg("combiner: discarding replayed batch")
			continue
		}

		var inputBytes int64
		for _, pr := range partials {
			inputBytes += int64(microbatch.RowSize(microbatch.Row(pr.GroupValues)))
		}
		pc := c.stats.Process(stats.ProcessKey{Kind: stats.KindCombiner, PID: c.pid, CQID: cqID})

		execStart := time.Now()
		cqDeltas, err := c.reconcileAndSync(ctx, st, partials)
		pc.Executions.Add(1)
		pc.InputRows.Add(int64(len(partials)))
		pc.InputBytes.Add(inputBytes)
		pc.ExecMS.Add(time.Since(execStart).Milliseconds())
		if err != nil {
			c.log.Warn().Err(err).Int32("cq_id", cqID).Msg("combiner: combine step failed, purging CQ state")
			c.errCounter(cqID)
			c.PurgeCQ(cqID)
			continue
		}
		st.lastSeqBySrc[b.SourceEndpoint] = b.SeqNo
		deltas = append(deltas, cqDeltas...)

		// Commit policy bookkeeping (spec.md §4.4.5): track how long rows
		// have sat unflushed so ShouldFlush can gate the ack-committed
		// signal on commit_interval, not just this poll's pending depth.
		if st.unflushed == 0 {
			st.firstUnflushedAt = time.Now()
		}
		st.unflushed += len(partials)
	}

	b.MarkCombinerReceived()
	return deltas, nil
}

// reconcileAndSync implements §4.4.1 (group reconciliation), §4.4.2
// (combine plan execution), and §4.4.3 (sync to matrel) for one CQ's
// partials.
func (c *Combiner) reconcileAndSync(ctx context.Context, st *cqState, partials []plan.PartialRow) ([]Delta, error) {
	groupKeys := make([]string, 0, len(partials))
	seen := make(map[string]bool, len(partials))
	for _, p := range partials {
		if !seen[p.GroupKey] {
			seen[p.GroupKey] = true
			groupKeys = append(groupKeys, p.GroupKey)
		}
	}

	existing, err := c.store.LookupGroups(ctx, st.cq.ID, groupKeys)
	if err != nil {
		return nil, fmt.Errorf("combiner: group lookup: %w", err)
	}

	rowsForCombine := make([]plan.PartialRow, 0, len(partials)+len(existing))
	rowsForCombine = append(rowsForCombine, partials...)
	for _, e := range existing {
		rowsForCombine = append(rowsForCombine, plan.PartialRow{
			GroupKey:     e.GroupKey,
			GroupValues:  e.GroupValues,
			State:        e.State,
			CTID:         e.CTID,
			AlreadyAdded: true,
		})
	}

	combined, err := (plan.CombinePlan{}).Execute(rowsForCombine)
	if err != nil {
		return nil, fmt.Errorf("combine: %w", err)
	}

	var deltas []Delta
	for key, pr := range combined {
		prior, hadExisting := existing[key]

		if hadExisting && !st.cq.DistinctOnly {
			newBytes, err := pr.State.Serialize()
			if err == nil && bytes.Equal(newBytes, prior.RawState) {
				continue // invariant 2: no-op update suppression
			}
		}

		_, inserted, err := c.store.UpsertRow(ctx, st.cq.ID, st.aggKind, *pr, func() string { return c.pkSeq(st.cq.ID) })
		if err != nil {
			return nil, fmt.Errorf("sync to matrel: %w", err)
		}
		rowBytes := int64(microbatch.RowSize(microbatch.Row(pr.GroupValues)))
		pc := c.stats.Process(stats.ProcessKey{Kind: stats.KindCombiner, PID: c.pid, CQID: st.cq.ID})
		if inserted {
			pc.InsertedRows.Add(1)
			pc.InsertedBytes.Add(rowBytes)
		} else {
			pc.UpdatedRows.Add(1)
			pc.UpdatedBytes.Add(rowBytes)
		}

		if st.overlay != nil {
			// Worker-side combine folds per-row arrival timestamps away, so
			// the overlay engine buckets by processing time rather than the
			// original row's arrival_timestamp.
			st.overlay.ingest(*pr, time.Now())
		}

		if st.cq.OutputStreamID != 0 {
			newVal, _ := pr.State.Finalize()
			var oldVal any
			if hadExisting {
				oldVal, _ = prior.State.Finalize()
			}
			newRow := copyValues(pr.GroupValues)
			newRow["$value"] = newVal
			var oldRow map[string]any
			if hadExisting {
				oldRow = copyValues(prior.GroupValues)
				oldRow["$value"] = oldVal
			}
			deltas = append(deltas, Delta{CQID: st.cq.ID, Old: oldRow, New: newRow, DeltaRow: copyValues(pr.GroupValues)})
		}
	}
	return deltas, nil
}

func copyValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EmitDeltas forwards deltas to a CQ's output stream via the re-entrant
// stream-insert path, reusing the inbound batch's ack so the write cannot
// ack-deadlock against further downstream CQs (spec.md §4.6).
func (c *Combiner) EmitDeltas(cq *catalog.CQ, deltas []Delta, callerAck *ack.Ack) error {
	if cq.OutputStreamID == 0 || len(deltas) == 0 {
		return nil
	}
	rows := make([]microbatch.Row, 0, len(deltas))
	for _, d := range deltas {
		rows = append(rows, microbatch.Row{"old": d.Old, "new": d.New, "delta": d.DeltaRow})
	}
	return c.inserter.ReentrantInsert(cq.OutputStreamID, rows, callerAck, ack.Async)
}

// Run drives the combiner's poll loop until ctx is canceled: receive the
// next inbound batch (or time out and run an overlay tick instead), handle
// it, commit the attached acks, and forward any deltas to output streams.
func (c *Combiner) Run(ctx context.Context, overlayPeriod time.Duration) error {
	c.log.Info().Uint64("combiner_id", c.id).Msg("combiner starting")
	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("combiner stopping")
			return ctx.Err()
		default:
		}

		f, err := c.endpoint.Recv(c.MinTickPeriod(overlayPeriod))
		if err != nil {
			return fmt.Errorf("combiner: recv: %w", err)
		}
		if f == nil {
			if time.Since(lastTick) >= c.MinTickPeriod(overlayPeriod) {
				c.runOverlayTicksAndEmit(ctx)
				lastTick = time.Now()
			}
			continue
		}

		b, ok := f.Payload.(*microbatch.Batch)
		if !ok {
			continue
		}
		deltas, err := c.HandleBatch(ctx, b)
		if err != nil {
			c.log.Warn().Err(err).Msg("combiner: handle batch failed")
			continue
		}
		c.pendingCommits = append(c.pendingCommits, b)
		if c.shouldFlushNow(b) {
			c.flush()
		}
		c.emitByDestination(deltas, b)
	}
}

// shouldFlushNow implements the commit policy of spec.md §4.4.5: flush when
// there is no more work waiting in this poll, the just-handled batch
// requires synchronous commit, or commit_interval has elapsed since the
// first unflushed row of any owned CQ.
func (c *Combiner) shouldFlushNow(b *microbatch.Batch) bool {
	if c.endpoint.Len() == 0 {
		return true
	}
	if b.RequiresSyncCommit() {
		return true
	}
	now := time.Now()
	for _, st := range c.cqs {
		if st.unflushed > 0 && st.ShouldFlush(false, c.commitInterval, now) {
			return true
		}
	}
	return false
}

// flush marks every buffered batch's ack as committed and resets the
// per-CQ unflushed bookkeeping, per spec.md §4.4.5: "on commit, the ack
// committed-counter is incremented by the number of stream tuples reflected
// in the batch." Writes themselves are already durable per-row (matrelstore
// autocommits each UpsertRow); this gates only when the commit signal is
// allowed to advance.
func (c *Combiner) flush() {
	for _, b := range c.pendingCommits {
		b.MarkCommitted()
	}
	c.pendingCommits = c.pendingCommits[:0]
	for _, st := range c.cqs {
		st.unflushed = 0
		st.firstUnflushedAt = time.Time{}
	}
}

// runOverlayTicksAndEmit runs one overlay pass per owned SW CQ and forwards
// any resulting deltas to their output streams, async.
func (c *Combiner) runOverlayTicksAndEmit(ctx context.Context) {
	out, err := c.RunOverlayTicks(ctx, time.Now())
	if err != nil {
		c.log.Warn().Err(err).Msg("combiner: overlay tick failed")
		return
	}
	for cqID, deltas := range out {
		st, ok := c.cqs[cqID]
		if !ok {
			continue
		}
		if err := c.EmitDeltas(st.cq, deltas, nil); err != nil {
			c.log.Warn().Err(err).Int32("cq_id", cqID).Msg("combiner: emit overlay deltas failed")
		}
	}
}

// emitByDestination groups deltas by their CQID and forwards them via
// EmitDeltas, reusing the batch's first attached ack (of any level, if any)
// so the re-entrant insert cannot ack-deadlock.
func (c *Combiner) emitByDestination(deltas []Delta, b *microbatch.Batch) {
	if len(deltas) == 0 {
		return
	}
	var callerAck *ack.Ack
	for _, ar := range b.Acks {
		callerAck = ar.Ack
		break
	}
	byCQ := make(map[int32][]Delta)
	for _, d := range deltas {
		byCQ[d.CQID] = append(byCQ[d.CQID], d)
	}
	for cqID, ds := range byCQ {
		st, ok := c.cqs[cqID]
		if !ok || st.cq.OutputStreamID == 0 {
			continue
		}
		if err := c.EmitDeltas(st.cq, ds, callerAck); err != nil {
			c.log.Warn().Err(err).Int32("cq_id", cqID).Msg("combiner: emit deltas failed")
		}
	}
}

// ShouldFlush implements the commit policy of spec.md §4.4.5: flush when
// pending rows are zero this poll, any ack requires sync-commit, or
// commit_interval has elapsed since the first unflushed row.
func (st *cqState) ShouldFlush(requiresSyncCommit bool, commitInterval time.Duration, now time.Time) bool {
	if st.unflushed == 0 {
		return true
	}
	if requiresSyncCommit {
		return true
	}
	return !st.firstUnflushedAt.IsZero() && now.Sub(st.firstUnflushedAt) >= commitInterval
}
