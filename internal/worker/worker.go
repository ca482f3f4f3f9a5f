// Package worker implements spec.md §4.3: for each continuous query reading
// a stream, apply the stored worker plan to the current micro-batch,
// project rows into partial transition states, and hash-shard the result to
// the owning combiner (via the queue process when the direct send would
// block).
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipelinedb/cqengine/internal/ack"
	"github.com/pipelinedb/cqengine/internal/catalog"
	"github.com/pipelinedb/cqengine/internal/ipc"
	"github.com/pipelinedb/cqengine/internal/microbatch"
	"github.com/pipelinedb/cqengine/internal/plan"
	"github.com/pipelinedb/cqengine/internal/stats"
)

// Route binds a CQ's worker plan to the pool of combiner endpoints it can
// shard to, plus the queue endpoint to fall back on when a direct send to a
// combiner would block.
type Route struct {
	Plan            *plan.WorkerPlan
	CombinerEndpoints []uint64
	QueueEndpoint   uint64
}

// Worker pulls stream frames from its inbox, applies every CQ route's
// worker plan, and forwards sharded outbound batches to combiners.
type Worker struct {
	id        uint64
	transport *ipc.Transport
	endpoint  *ipc.Endpoint
	routes    []Route
	maxWait   time.Duration
	byteBudget, rowBudget int
	stats     *stats.Registry
	pid       int
	log       zerolog.Logger

	descriptor        []string
	combinerEndpoints []uint64
}

func New(id uint64, t *ipc.Transport, routes []Route, maxWait time.Duration, byteBudget, rowBudget int, st *stats.Registry, pid int, log zerolog.Logger) *Worker {
	if byteBudget <= 0 {
		byteBudget = microbatch.DefaultByteBudget
	}
	if rowBudget <= 0 {
		rowBudget = microbatch.DefaultRowBudget
	}
	return &Worker{
		id:                id,
		transport:         t,
		endpoint:          t.Bind(id),
		routes:            routes,
		maxWait:           maxWait,
		byteBudget:        byteBudget,
		rowBudget:         rowBudget,
		stats:             st,
		pid:               pid,
		combinerEndpoints: unionCombinerEndpoints(routes),
		log:               log.With().Uint64("worker_id", id).Logger(),
	}
}

// unionCombinerEndpoints dedups the combiner endpoints across every route
// this worker serves, for the §4.3 sync-flush handshake, which must reach
// every downstream shard regardless of which route the triggering batch
// matched.
func unionCombinerEndpoints(routes []Route) []uint64 {
	seen := make(map[uint64]struct{})
	var out []uint64
	for _, r := range routes {
		for _, e := range r.CombinerEndpoints {
			if _, ok := seen[e]; !ok {
				seen[e] = struct{}{}
				out = append(out, e)
			}
		}
	}
	return out
}

func (w *Worker) Close() { w.transport.Unbind(w.id) }

// inboundBatch is what a stream producer or the stream-insert path enqueues
// onto a worker's inbox.
type inboundBatch struct {
	Rows      []microbatch.Row
	Ack       *ack.Ack
	AckLevel  ack.Level
	SyncFlush bool
}

// rebuildDescriptor rebuilds the per-descriptor input-attribute map when the
// source tuple descriptor changes, per spec.md §4.3 "Projection". Since
// microbatch.Row is a schemaless map, the "map" degenerates to the set of
// attribute names last seen; callers coerce missing attributes to nil and
// stamp arrival_timestamp if absent.
func (w *Worker) rebuildDescriptor(rows []microbatch.Row) {
	if len(rows) == 0 {
		return
	}
	seen := make(map[string]struct{})
	cols := make([]string, 0, len(rows[0]))
	for _, r := range rows {
		for k := range r {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				cols = append(cols, k)
			}
		}
	}
	w.descriptor = cols
}

// stampArrivalTimestamp fills the one guaranteed stream column when absent.
func stampArrivalTimestamp(r microbatch.Row, now time.Time) microbatch.Row {
	if _, ok := r[catalog.ArrivalTimestampColumn]; !ok {
		r[catalog.ArrivalTimestampColumn] = now
	}
	return r
}

// outbound accumulates per-combiner micro-batches for one route across a
// worker poll cycle.
type outbound struct {
	byDest map[uint64]*microbatch.Batch
}

func newOutbound() *outbound { return &outbound{byDest: make(map[uint64]*microbatch.Batch)} }

func (o *outbound) batchFor(dest uint64, source uint64, byteBudget, rowBudget int) *microbatch.Batch {
	b, ok := o.byDest[dest]
	if !ok {
		b = microbatch.New(dest, source, byteBudget, rowBudget)
		o.byDest[dest] = b
	}
	return b
}

// ProcessBatch applies every route's worker plan to rows, per spec.md §4.3's
// "per-batch try/catch": a route whose plan execution fails is skipped and
// attaches no ack to outbound batches. ProcessBatch then advances the ack's
// WorkerReceived by every row of the inbound batch, whether or not any
// route succeeded (§4.1's ack semantics operate at the batch, not
// per-route, level).
func (w *Worker) ProcessBatch(in inboundBatch, errCounter func(cqID int32)) map[uint64]*microbatch.Batch {
	w.rebuildDescriptor(in.Rows)
	now := time.Now()
	for i := range in.Rows {
		in.Rows[i] = stampArrivalTimestamp(in.Rows[i], now)
	}

	out := newOutbound()
	for _, route := range w.routes {
		partials, err := route.Plan.ApplyBatch(in.Rows)
		if err != nil {
			w.log.Warn().Err(err).Int32("cq_id", route.Plan.CQ.ID).Msg("worker: plan execution failed, discarding batch for this CQ")
			if errCounter != nil {
				errCounter(route.Plan.CQ.ID)
			}
			continue
		}
		execStart := time.Now()
		merged, err := (plan.CombinePlan{}).Execute(partials)
		if err != nil {
			w.log.Warn().Err(err).Int32("cq_id", route.Plan.CQ.ID).Msg("worker: combine-before-ship failed, discarding batch for this CQ")
			if errCounter != nil {
				errCounter(route.Plan.CQ.ID)
			}
			continue
		}

		if w.stats != nil {
			var inputBytes int64
			for _, r := range in.Rows {
				inputBytes += int64(microbatch.RowSize(r))
			}
			pc := w.stats.Process(stats.ProcessKey{Kind: stats.KindWorker, PID: w.pid, CQID: route.Plan.CQ.ID})
			pc.InputRows.Add(int64(len(in.Rows)))
			pc.InputBytes.Add(inputBytes)
			pc.Executions.Add(1)
			pc.ExecMS.Add(time.Since(execStart).Milliseconds())
		}

		numCombiners := len(route.CombinerEndpoints)
		for _, pr := range merged {
			idx := plan.CombinerIndex(pr.GroupKey, numCombiners)
			dest := route.CombinerEndpoints[idx]
			row := microbatch.Row{"__group_key": pr.GroupKey, "__state": pr.State, "__cq_id": route.Plan.CQ.ID}
			for k, v := range pr.GroupValues {
				row[k] = v
			}
			b := out.batchFor(dest, w.id, w.byteBudget, w.rowBudget)
			if !b.Append(row) {
				w.flushOne(dest, b, route.QueueEndpoint)
				b = microbatch.New(dest, w.id, w.byteBudget, w.rowBudget)
				b.Append(row)
				out.byDest[dest] = b
			}
			if in.Ack != nil {
				b.AddAck(in.Ack, in.AckLevel)
			}
		}
	}

	if in.Ack != nil {
		in.Ack.AddWorkerReceived(int64(len(in.Rows)))
	}
	return out.byDest
}

// flushOne sends a closed outbound batch, falling back to the queue
// endpoint (with the real destination prepended, simulated here by Frame's
// Dst field already carrying the combiner id and the queue forwarding by
// payload header) when the direct non-blocking send would block.
func (w *Worker) flushOne(dest uint64, b *microbatch.Batch, queueEndpoint uint64) {
	if b.Empty() {
		return
	}
	ok, err := w.transport.Send(dest, b, false)
	if err != nil || !ok {
		if _, qerr := w.transport.Send(queueEndpoint, ipc.Frame{Dst: dest, Payload: b}, true); qerr != nil {
			w.log.Error().Err(qerr).Uint64("dest", dest).Msg("worker: queue fallback failed, dropping batch")
		}
	}
}

// Flush closes and sends every non-empty outbound batch, per spec.md §4.3's
// batch lifecycle.
func (w *Worker) Flush(out map[uint64]*microbatch.Batch, queueEndpoint uint64) {
	for dest, b := range out {
		w.flushOne(dest, b, queueEndpoint)
	}
}

// SyncFlushHandshake emits N_combiners empty "flush" batches carrying ack,
// per spec.md §4.3: this guarantees the ack cannot be satisfied until all
// downstream shards have drained prior work for this batch.
func (w *Worker) SyncFlushHandshake(a *ack.Ack, level ack.Level, combinerEndpoints []uint64, queueEndpoint uint64) {
	for _, dest := range combinerEndpoints {
		b := microbatch.New(dest, w.id, w.byteBudget, w.rowBudget)
		b.AddAck(a, level)
		w.flushOne(dest, b, queueEndpoint)
	}
}

// Run drains the inbox until max-wait elapses, sigterm is pending (ctx
// cancellation), or a synchronous-receive ack forces an immediate flush —
// spec.md §4.3's batch lifecycle.
func (w *Worker) Run(ctx context.Context, queueEndpoint uint64, errCounter func(cqID int32)) error {
	deadline := time.Now().Add(w.maxWait)
	pending := make(map[uint64]*microbatch.Batch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			w.Flush(pending, queueEndpoint)
			return nil
		}

		frame, err := w.endpoint.Recv(remaining)
		if err != nil {
			return err
		}
		if frame == nil {
			w.Flush(pending, queueEndpoint)
			return nil
		}

		in, ok := frame.Payload.(inboundBatch)
		if !ok {
			continue
		}
		batches := w.ProcessBatch(in, errCounter)
		for dest, b := range batches {
			pending[dest] = b
		}
		isSync := in.Ack != nil && (in.AckLevel == ack.SyncReceive || in.AckLevel == ack.SyncCommit)
		if in.SyncFlush || isSync {
			w.Flush(pending, queueEndpoint)
			pending = make(map[uint64]*microbatch.Batch)
			if in.Ack != nil {
				w.SyncFlushHandshake(in.Ack, in.AckLevel, w.combinerEndpoints, queueEndpoint)
			}
		}
	}
}
