// Package api implements spec.md §6's HTTP observability surface: a health
// endpoint plus read views over the per-process stats registry, the
// scheduler's process table, and the CQ catalog.
package api

import (
	"github.com/gorilla/mux"

	"github.com/pipelinedb/cqengine/internal/api/recovery"
)

// Deps carries the composition root's long-lived dependencies the router
// needs to serve observability views.
type Deps struct {
	Observability *ObservabilityHandler
}

// NewRouter creates the HTTP router: health plus the observability views.
func NewRouter(deps Deps) *mux.Router {
	router := mux.NewRouter()
	router.Use(recovery.Middleware)

	healthHandler := NewHealthHandler()
	router.HandleFunc("/api/health", healthHandler.CheckHealth).Methods("GET")

	if deps.Observability != nil {
		router.HandleFunc("/api/stats/processes", deps.Observability.ListProcessStats).Methods("GET")
		router.HandleFunc("/api/stats/streams", deps.Observability.ListStreamStats).Methods("GET")
		router.HandleFunc("/api/scheduler/processes", deps.Observability.ListSchedulerStatuses).Methods("GET")
		router.HandleFunc("/api/cqs", deps.Observability.ListCQs).Methods("GET")
		router.HandleFunc("/api/cqs/{id}", deps.Observability.GetCQ).Methods("GET")
	}

	return router
}
