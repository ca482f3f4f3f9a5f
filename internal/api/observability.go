package api

import (
	"net/http"
	"strconv"

	"github.com/go-openapi/strfmt"
	"github.com/gorilla/mux"

	"github.com/pipelinedb/cqengine/internal/api/respond"
	"github.com/pipelinedb/cqengine/internal/catalogstore"
	"github.com/pipelinedb/cqengine/internal/scheduler"
	"github.com/pipelinedb/cqengine/internal/stats"
)

// statsView wraps a counter scan with the wall-clock time it was taken,
// serialized per RFC3339 via strfmt.DateTime so clients never need to guess
// the daemon's local clock format.
type statsView struct {
	AsOf strfmt.DateTime `json:"as_of"`
	Rows any             `json:"rows"`
}

// ObservabilityHandler serves spec.md §6's per-process, per-stream, and
// per-CQ views over the running daemon's in-memory state.
type ObservabilityHandler struct {
	Stats     *stats.Registry
	Scheduler *scheduler.Scheduler
	Catalog   catalogstore.Store
}

func NewObservabilityHandler(st *stats.Registry, sched *scheduler.Scheduler, cat catalogstore.Store) *ObservabilityHandler {
	return &ObservabilityHandler{Stats: st, Scheduler: sched, Catalog: cat}
}

// ListProcessStats serves GET /api/stats/processes: the per-(kind,pid,cqid)
// view of spec.md §6, purging stale pids as a side effect of the scan.
func (h *ObservabilityHandler) ListProcessStats(w http.ResponseWriter, r *http.Request) {
	rows := h.Stats.Scan()
	respond.WriteJSON(w, http.StatusOK, statsView{AsOf: strfmt.DateTime(h.Stats.LastScan()), Rows: rows})
}

// ListStreamStats serves GET /api/stats/streams: the per-stream view.
func (h *ObservabilityHandler) ListStreamStats(w http.ResponseWriter, r *http.Request) {
	rows := h.Stats.ScanStreams()
	respond.WriteJSON(w, http.StatusOK, statsView{AsOf: strfmt.DateTime(h.Stats.LastScan()), Rows: rows})
}

// ListSchedulerStatuses serves GET /api/scheduler/processes: one row per
// supervised worker/combiner/queue/reaper, with its restart count.
func (h *ObservabilityHandler) ListSchedulerStatuses(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusOK, h.Scheduler.Statuses())
}

// ListCQs serves GET /api/cqs: every CQ definition in the catalog.
func (h *ObservabilityHandler) ListCQs(w http.ResponseWriter, r *http.Request) {
	cqs, err := h.Catalog.List(r.Context())
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, cqs)
}

// GetCQ serves GET /api/cqs/{id}.
func (h *ObservabilityHandler) GetCQ(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil {
		respond.WriteBadRequest(w, "invalid cq id")
		return
	}
	cq, err := h.Catalog.Get(r.Context(), int32(id))
	if err != nil {
		respond.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cq == nil {
		respond.WriteError(w, http.StatusNotFound, "cq not found")
		return
	}
	respond.WriteJSON(w, http.StatusOK, cq)
}
