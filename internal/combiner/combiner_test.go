package combiner

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

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

type nilRouter struct{}

func (nilRouter) ReaderWorkerEndpoints(streamID int32) []uint64 { return nil }

func newTestCombiner(t *testing.T) (*Combiner, matrelstore.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := matrelstore.NewSQLite(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	tr := ipc.NewTransport(16)
	t.Cleanup(func() { tr.Unbind(1) })

	gen := &ack.Generation{}
	reg := stats.NewRegistry(nil)
	ins := streaminsert.New(tr, nilRouter{}, 0, 0, gen, reg)

	seq := 0
	pkSeq := func(int32) string { seq++; return fmt.Sprintf("pk-%d", seq) }

	c := New(1, 0, 1, tr, store, ins, reg, 1234, 50*time.Millisecond, pkSeq, zerolog.Nop())
	return c, store
}

func partialRowToWireRow(cqID int32, pr plan.PartialRow) microbatch.Row {
	row := microbatch.Row{"__group_key": pr.GroupKey, "__state": pr.State, "__cq_id": cqID}
	for k, v := range pr.GroupValues {
		row[k] = v
	}
	return row
}

func TestHandleBatchInsertsNewGroup(t *testing.T) {
	c, store := newTestCombiner(t)
	cq := &catalog.CQ{ID: 1, Name: "count_by_x", GroupColumns: []string{"x"}}
	c.RegisterCQ(cq, sketch.KindCount)

	wp := &plan.WorkerPlan{CQ: cq, AggKind: sketch.KindCount}
	pr, err := wp.Apply(microbatch.Row{"x": 1})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	b := microbatch.New(1, 2, 0, 0)
	b.Append(partialRowToWireRow(1, pr))

	if _, err := c.HandleBatch(context.Background(), b); err != nil {
		t.Fatalf("handle batch: %v", err)
	}

	found, err := store.LookupGroups(context.Background(), 1, []string{pr.GroupKey})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, ok := found[pr.GroupKey]; !ok {
		t.Fatalf("expected group %q to be written", pr.GroupKey)
	}
}

func TestHandleBatchSuppressesNoOpUpdate(t *testing.T) {
	c, store := newTestCombiner(t)
	cq := &catalog.CQ{ID: 1, Name: "max_by_x", GroupColumns: []string{"x"}}
	c.RegisterCQ(cq, sketch.KindMax)

	wp := &plan.WorkerPlan{CQ: cq, AggKind: sketch.KindMax, TargetColumn: "v"}
	pr, _ := wp.Apply(microbatch.Row{"x": 1, "v": 10.0})

	b1 := microbatch.New(1, 2, 0, 0)
	b1.Append(partialRowToWireRow(1, pr))
	if _, err := c.HandleBatch(context.Background(), b1); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	before, _ := store.LookupGroups(context.Background(), 1, []string{pr.GroupKey})
	beforePK := before[pr.GroupKey].PK

	// A smaller value folded into max() leaves the max unchanged: no-op.
	pr2, _ := wp.Apply(microbatch.Row{"x": 1, "v": 3.0})
	b2 := microbatch.New(1, 2, 0, 0)
	b2.Append(partialRowToWireRow(1, pr2))
	if _, err := c.HandleBatch(context.Background(), b2); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	after, _ := store.LookupGroups(context.Background(), 1, []string{pr.GroupKey})
	if after[pr.GroupKey].PK != beforePK {
		t.Fatalf("expected pk stable across no-op update, got %q != %q", after[pr.GroupKey].PK, beforePK)
	}
	v, _ := after[pr.GroupKey].State.Finalize()
	if v.(float64) != 10.0 {
		t.Fatalf("expected max to remain 10.0, got %v", v)
	}
}

func TestHandleBatchDiscardsReplayedSequence(t *testing.T) {
	c, store := newTestCombiner(t)
	cq := &catalog.CQ{ID: 1, Name: "count_by_x", GroupColumns: []string{"x"}}
	c.RegisterCQ(cq, sketch.KindCount)

	wp := &plan.WorkerPlan{CQ: cq, AggKind: sketch.KindCount}
	pr, _ := wp.Apply(microbatch.Row{"x": 1})

	b := microbatch.New(1, 2, 0, 0)
	b.Append(partialRowToWireRow(1, pr))
	if _, err := c.HandleBatch(context.Background(), b); err != nil {
		t.Fatalf("first handle: %v", err)
	}

	found, _ := store.LookupGroups(context.Background(), 1, []string{pr.GroupKey})
	n1, _ := found[pr.GroupKey].State.Finalize()

	// Replay the exact same batch (same SeqNo, same source endpoint).
	if _, err := c.HandleBatch(context.Background(), b); err != nil {
		t.Fatalf("replay handle: %v", err)
	}
	found2, _ := store.LookupGroups(context.Background(), 1, []string{pr.GroupKey})
	n2, _ := found2[pr.GroupKey].State.Finalize()

	if n1.(int64) != n2.(int64) {
		t.Fatalf("expected replayed batch to be discarded, counts %v != %v", n1, n2)
	}
}

func TestShouldFlushNowDefersUntilMailboxDrainsOrIntervalElapses(t *testing.T) {
	c, _ := newTestCombiner(t)
	cq := &catalog.CQ{ID: 1, Name: "count_by_x", GroupColumns: []string{"x"}}
	c.RegisterCQ(cq, sketch.KindCount)
	st := c.cqs[1]
	st.unflushed = 5
	st.firstUnflushedAt = time.Now()

	b := microbatch.New(1, 2, 0, 0)

	// Simulate more work still queued behind the batch just handled.
	if _, err := c.transport.Send(c.id, "placeholder", true); err != nil {
		t.Fatalf("seed mailbox: %v", err)
	}
	defer c.endpoint.Recv(0)

	if c.shouldFlushNow(b) {
		t.Fatalf("expected flush deferred: mailbox non-empty and commit_interval not elapsed")
	}

	st.firstUnflushedAt = time.Now().Add(-time.Hour)
	if !c.shouldFlushNow(b) {
		t.Fatalf("expected flush once commit_interval elapsed")
	}
}

func TestShouldFlushNowOnSyncCommit(t *testing.T) {
	c, _ := newTestCombiner(t)
	cq := &catalog.CQ{ID: 1, Name: "count_by_x", GroupColumns: []string{"x"}}
	c.RegisterCQ(cq, sketch.KindCount)
	st := c.cqs[1]
	st.unflushed = 1
	st.firstUnflushedAt = time.Now()

	if _, err := c.transport.Send(c.id, "placeholder", true); err != nil {
		t.Fatalf("seed mailbox: %v", err)
	}
	defer c.endpoint.Recv(0)

	b := microbatch.New(1, 2, 0, 0)
	b.AddAck(ack.New(1, &ack.Generation{}), ack.SyncCommit)

	if !c.shouldFlushNow(b) {
		t.Fatalf("expected immediate flush for a sync-commit batch regardless of pending mailbox depth")
	}
}

func TestRunDefersCommitUntilFlushThenMarksAllBufferedBatches(t *testing.T) {
	c, _ := newTestCombiner(t)
	cq := &catalog.CQ{ID: 1, Name: "count_by_x", GroupColumns: []string{"x"}}
	c.RegisterCQ(cq, sketch.KindCount)
	wp := &plan.WorkerPlan{CQ: cq, AggKind: sketch.KindCount}

	gen := &ack.Generation{}
	a := ack.New(2, gen)

	pr1, _ := wp.Apply(microbatch.Row{"x": 1})
	b1 := microbatch.New(1, 2, 0, 0)
	b1.Append(partialRowToWireRow(1, pr1))
	b1.AddAck(a, ack.Async)

	pr2, _ := wp.Apply(microbatch.Row{"x": 2})
	b2 := microbatch.New(1, 2, 0, 0)
	b2.Append(partialRowToWireRow(1, pr2))
	b2.AddAck(a, ack.Async)

	if _, err := c.transport.Send(c.id, b1, true); err != nil {
		t.Fatalf("send b1: %v", err)
	}
	if _, err := c.transport.Send(c.id, b2, true); err != nil {
		t.Fatalf("send b2: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 20*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for a.CombinerComitted.Load() < 2 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("timed out waiting for committed count to reach 2, got %d", a.CombinerComitted.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("combiner.Run did not return after cancel")
	}
}

func TestHandleBatchDiscardsRowsForUnknownCQ(t *testing.T) {
	c, _ := newTestCombiner(t)
	// No RegisterCQ call: CQ 99 is unknown.
	cq := &catalog.CQ{ID: 99, Name: "ghost"}
	wp := &plan.WorkerPlan{CQ: cq, AggKind: sketch.KindCount}
	pr, _ := wp.Apply(microbatch.Row{})

	b := microbatch.New(1, 2, 0, 0)
	b.Append(partialRowToWireRow(99, pr))

	deltas, err := c.HandleBatch(context.Background(), b)
	if err != nil {
		t.Fatalf("handle batch: %v", err)
	}
	if len(deltas) != 0 {
		t.Fatalf("expected no deltas for unknown CQ, got %d", len(deltas))
	}
}
