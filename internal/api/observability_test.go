package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pipelinedb/cqengine/internal/catalog"
	"github.com/pipelinedb/cqengine/internal/catalogstore"
	"github.com/pipelinedb/cqengine/internal/scheduler"
	"github.com/pipelinedb/cqengine/internal/stats"
)

func newTestHandler(t *testing.T) *ObservabilityHandler {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	cat := catalogstore.NewSQLite(db)
	if err := cat.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	cq := &catalog.CQ{ID: 1, Name: "count_all", Kind: catalog.KindView, SourceStreamID: 1, FillFactor: 50, Active: true}
	if err := cat.Insert(context.Background(), cq); err != nil {
		t.Fatalf("insert cq: %v", err)
	}

	st := stats.NewRegistry(nil)
	st.Process(stats.ProcessKey{Kind: stats.KindCombiner, PID: 0, CQID: 1}).InsertedRows.Add(5)

	sched := scheduler.New(zerolog.Nop())
	sched.Spawn(0, scheduler.RoleWorker, 0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	t.Cleanup(func() { sched.DropDatabase(0) })

	return NewObservabilityHandler(st, sched, cat)
}

func TestListProcessStatsReturnsAsOfAndRows(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/stats/processes", nil)
	w := httptest.NewRecorder()
	h.ListProcessStats(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		AsOf string `json:"as_of"`
		Rows []any  `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.AsOf)
	require.Len(t, body.Rows, 1)
}

func TestListSchedulerStatusesReportsSpawnedProcess(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/scheduler/processes", nil)
	w := httptest.NewRecorder()
	h.ListSchedulerStatuses(w, req)

	var rows []scheduler.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	require.Equal(t, scheduler.RoleWorker, rows[0].Role)
}

func TestGetCQRoundTripsThroughRouter(t *testing.T) {
	h := newTestHandler(t)
	router := mux.NewRouter()
	router.HandleFunc("/api/cqs/{id}", h.GetCQ).Methods("GET")

	req := httptest.NewRequest(http.MethodGet, "/api/cqs/1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cq catalog.CQ
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cq))
	require.Equal(t, "count_all", cq.Name)
}

func TestGetCQReturns404ForUnknownID(t *testing.T) {
	h := newTestHandler(t)
	router := mux.NewRouter()
	router.HandleFunc("/api/cqs/{id}", h.GetCQ).Methods("GET")

	req := httptest.NewRequest(http.MethodGet, "/api/cqs/999", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}
