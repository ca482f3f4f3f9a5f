package reaper

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pipelinedb/cqengine/internal/catalog"
	"github.com/pipelinedb/cqengine/internal/matrelstore"
	"github.com/pipelinedb/cqengine/internal/plan"
	"github.com/pipelinedb/cqengine/internal/sketch"
	"github.com/pipelinedb/cqengine/internal/stats"
)

func newTestStoreAndReaper(t *testing.T, batchSize int) (matrelstore.Store, *Reaper) {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := matrelstore.NewSQLite(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	reg := stats.NewRegistry(nil)
	r := New(1, store, reg, 100, batchSize, zerolog.Nop())
	return store, r
}

func insertRow(t *testing.T, store matrelstore.Store, cqID int32, groupKey string, age time.Duration) {
	t.Helper()
	state, _ := sketch.New(sketch.KindCount)
	_ = state.Add(nil)
	pr := plan.PartialRow{GroupKey: groupKey, GroupValues: map[string]any{"k": groupKey}, State: state}
	if _, _, err := store.UpsertRow(context.Background(), cqID, sketch.KindCount, pr, func() string { return groupKey }); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Back-date the row's arrival timestamp by re-upserting isn't possible
	// through this interface, so age is only meaningful via DeleteExpired's
	// cutoff when the row was written age ago. Tests instead sleep or use
	// cutoffs in the future relative to "now" writes.
	_ = age
}

func TestRunCycleDeletesRowsOlderThanTTL(t *testing.T) {
	store, r := newTestStoreAndReaper(t, 100)
	cq := &catalog.CQ{ID: 1, Name: "ttl_cq", TTL: &catalog.TTL{Column: "ts", Seconds: 1}}
	r.RegisterCQ(cq)

	insertRow(t, store, 1, "g1", 0)
	time.Sleep(1100 * time.Millisecond)

	n, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row deleted, got %d", n)
	}

	found, _ := store.LookupGroups(context.Background(), 1, []string{"g1"})
	if _, ok := found["g1"]; ok {
		t.Fatalf("expected row g1 to be expired")
	}
}

func TestRunCycleLeavesFreshRows(t *testing.T) {
	store, r := newTestStoreAndReaper(t, 100)
	cq := &catalog.CQ{ID: 1, Name: "ttl_cq", TTL: &catalog.TTL{Column: "ts", Seconds: 3600}}
	r.RegisterCQ(cq)

	insertRow(t, store, 1, "g1", 0)

	n, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 rows deleted for fresh TTL, got %d", n)
	}

	found, _ := store.LookupGroups(context.Background(), 1, []string{"g1"})
	if _, ok := found["g1"]; !ok {
		t.Fatalf("expected fresh row g1 to survive")
	}
}

func TestSleepIntervalFollowsShortestTTL(t *testing.T) {
	_, r := newTestStoreAndReaper(t, 100)
	r.RegisterCQ(&catalog.CQ{ID: 1, Name: "a", TTL: &catalog.TTL{Column: "ts", Seconds: 30}})
	r.RegisterCQ(&catalog.CQ{ID: 2, Name: "b", TTL: &catalog.TTL{Column: "ts", Seconds: 5}})

	if got := r.SleepInterval(); got != 5*time.Second {
		t.Fatalf("expected 5s sleep interval (shortest TTL), got %v", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	_, r := newTestStoreAndReaper(t, 100)
	r.RegisterCQ(&catalog.CQ{ID: 1, Name: "a", TTL: &catalog.TTL{Column: "ts", Seconds: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reaper did not stop after context cancel")
	}
}
