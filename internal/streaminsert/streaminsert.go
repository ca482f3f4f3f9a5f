// Package streaminsert implements spec.md §4.6's insert_into_stream fast
// path: the entry point transforms, user triggers, and combiners use to
// deliver rows onto a stream's subscriber set.
package streaminsert

import (
	"context"
	"errors"
	"fmt"

	"github.com/pipelinedb/cqengine/internal/ack"
	"github.com/pipelinedb/cqengine/internal/catalog"
	"github.com/pipelinedb/cqengine/internal/ipc"
	"github.com/pipelinedb/cqengine/internal/microbatch"
	"github.com/pipelinedb/cqengine/internal/stats"
)

// ErrSchemaMismatch is raised at the call site when rows don't match the
// target stream's schema (ignoring arrival_timestamp), per spec.md §7.
var ErrSchemaMismatch = errors.New("streaminsert: row does not match target stream schema")

// Router resolves a stream's reader bitmap to the worker endpoints that
// must receive its rows — the scheduler's per-DB routing table, injected so
// this package does not depend on the scheduler.
type Router interface {
	ReaderWorkerEndpoints(streamID int32) []uint64
}

// Inserter drives the stream-insert fast path over a transport.
type Inserter struct {
	transport  *ipc.Transport
	router     Router
	byteBudget int
	rowBudget  int
	generation *ack.Generation
	stats      *stats.Registry
}

func New(t *ipc.Transport, router Router, byteBudget, rowBudget int, gen *ack.Generation, st *stats.Registry) *Inserter {
	if byteBudget <= 0 {
		byteBudget = microbatch.DefaultByteBudget
	}
	if rowBudget <= 0 {
		rowBudget = microbatch.DefaultRowBudget
	}
	return &Inserter{transport: t, router: router, byteBudget: byteBudget, rowBudget: rowBudget, generation: gen, stats: st}
}

// recordStreamStats populates the per-stream observability view (spec.md
// §6 / SPEC_FULL.md §12's input_rows/input_batches/input_bytes), called
// once per Insert/ReentrantInsert call with the logical row count and the
// number of physical micro-batches the call produced.
func (ins *Inserter) recordStreamStats(streamID int32, rows []microbatch.Row, numBatches int) {
	if ins.stats == nil {
		return
	}
	sc := ins.stats.Stream(streamID)
	sc.InputRows.Add(int64(len(rows)))
	sc.InputBatches.Add(int64(numBatches))
	var bytes int64
	for _, r := range rows {
		bytes += int64(microbatch.RowSize(r))
	}
	sc.InputBytes.Add(bytes)
}

// validateSchema checks every row's keys against expected (excluding
// arrival_timestamp), per spec.md §7's schema-mismatch error kind.
func validateSchema(rows []microbatch.Row, expected map[string]struct{}) error {
	if expected == nil {
		return nil
	}
	for _, r := range rows {
		for k := range r {
			if k == catalog.ArrivalTimestampColumn {
				continue
			}
			if _, ok := expected[k]; !ok {
				return fmt.Errorf("%w: unexpected column %q", ErrSchemaMismatch, k)
			}
		}
	}
	return nil
}

// Insert implements the fast path: open the stream, read its reader
// bitmap, no-op (but still consume the rows) if empty, else accumulate
// into per-call micro-batches, flush on overflow, and, for a non-async
// level, wait for the ack or a generation advance.
func (ins *Inserter) Insert(ctx context.Context, streamID int32, rows []microbatch.Row, level ack.Level, schema map[string]struct{}) (lost bool, err error) {
	if err := validateSchema(rows, schema); err != nil {
		return false, err
	}

	endpoints := ins.router.ReaderWorkerEndpoints(streamID)
	if len(endpoints) == 0 {
		ins.recordStreamStats(streamID, rows, 0)
		return false, nil
	}

	genAtCreate := ins.generation.Load()
	a := ack.New(int64(len(rows)), ins.generation)
	_ = genAtCreate

	batches := ins.buildBatches(streamID, endpoints, rows, a, level)
	ins.recordStreamStats(streamID, rows, len(batches))
	for _, b := range batches {
		if _, err := ins.transport.Send(b.Dest, b, true); err != nil {
			return false, fmt.Errorf("streaminsert: send: %w", err)
		}
	}

	if level == ack.Async {
		return false, nil
	}
	return a.Wait(ctx, level)
}

// ReentrantInsert is the variant combiners use when writing to an osrel:
// it reuses the caller's ack and never waits on it itself, preventing
// ack-deadlock when a write triggers further downstream CQs (spec.md §4.6).
func (ins *Inserter) ReentrantInsert(streamID int32, rows []microbatch.Row, callerAck *ack.Ack, level ack.Level) error {
	endpoints := ins.router.ReaderWorkerEndpoints(streamID)
	if len(endpoints) == 0 {
		ins.recordStreamStats(streamID, rows, 0)
		return nil
	}
	batches := ins.buildBatches(streamID, endpoints, rows, callerAck, level)
	ins.recordStreamStats(streamID, rows, len(batches))
	for _, b := range batches {
		if _, err := ins.transport.Send(b.Dest, b, true); err != nil {
			return fmt.Errorf("streaminsert: reentrant send: %w", err)
		}
	}
	return nil
}

// buildBatches fans rows out to every reader endpoint, splitting on
// overflow of either budget.
func (ins *Inserter) buildBatches(streamID int32, endpoints []uint64, rows []microbatch.Row, a *ack.Ack, level ack.Level) []*microbatch.Batch {
	var out []*microbatch.Batch
	for _, dest := range endpoints {
		b := microbatch.New(dest, uint64(streamID), ins.byteBudget, ins.rowBudget)
		b.AddAck(a, level)
		for _, r := range rows {
			if !b.Append(r) {
				out = append(out, b)
				b = microbatch.New(dest, uint64(streamID), ins.byteBudget, ins.rowBudget)
				b.AddAck(a, level)
				b.Append(r)
			}
		}
		if !b.Empty() {
			out = append(out, b)
		}
	}
	return out
}
