package catalogstore

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/pipelinedb/cqengine/internal/catalog"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLite(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestInsertThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	cq := &catalog.CQ{
		ID:             1,
		Name:           "count_by_x",
		Kind:           catalog.KindView,
		SourceStreamID: 10,
		GroupColumns:   []string{"x"},
		SW:             &catalog.SW{IntervalSeconds: 60, StepFactorPct: 20},
		FillFactor:     50,
		Active:         true,
	}
	if err := s.Insert(context.Background(), cq); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Name != "count_by_x" || got.SW == nil || got.SW.IntervalSeconds != 60 {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestSetActiveTogglesFlag(t *testing.T) {
	s := newTestStore(t)
	cq := &catalog.CQ{ID: 1, Name: "c", Kind: catalog.KindView, SourceStreamID: 1, Active: true}
	if err := s.Insert(context.Background(), cq); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetActive(context.Background(), 1, false); err != nil {
		t.Fatalf("set active: %v", err)
	}
	got, _ := s.Get(context.Background(), 1)
	if got.Active {
		t.Fatalf("expected cq deactivated")
	}
}

func TestDeleteRemovesCQ(t *testing.T) {
	s := newTestStore(t)
	cq := &catalog.CQ{ID: 1, Name: "c", Kind: catalog.KindView, SourceStreamID: 1}
	if err := s.Insert(context.Background(), cq); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Delete(context.Background(), 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := s.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestListReturnsAllCQsOrderedByID(t *testing.T) {
	s := newTestStore(t)
	for i, name := range []string{"b", "a"} {
		cq := &catalog.CQ{ID: int32(i + 1), Name: name, Kind: catalog.KindView, SourceStreamID: 1, GroupColumns: []string{"x"}}
		if err := s.Insert(context.Background(), cq); err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
	}
	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 2 {
		t.Fatalf("unexpected list order: %+v", list)
	}
}
