// Package daemon wires one database's worker/combiner/queue/reaper process
// set onto the in-process scheduler and drives it until shutdown, the
// single-process analogue of spec.md §2's bgworker fleet. It is the
// composition root: every other package is orchestration-free and testable
// in isolation; this package is where they meet.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/pipelinedb/cqengine/internal/ack"
	"github.com/pipelinedb/cqengine/internal/catalog"
	"github.com/pipelinedb/cqengine/internal/catalogstore"
	"github.com/pipelinedb/cqengine/internal/combiner"
	"github.com/pipelinedb/cqengine/internal/config"
	"github.com/pipelinedb/cqengine/internal/ipc"
	"github.com/pipelinedb/cqengine/internal/matrelstore"
	"github.com/pipelinedb/cqengine/internal/plan"
	"github.com/pipelinedb/cqengine/internal/queue"
	"github.com/pipelinedb/cqengine/internal/reaper"
	"github.com/pipelinedb/cqengine/internal/scheduler"
	"github.com/pipelinedb/cqengine/internal/sketch"
	"github.com/pipelinedb/cqengine/internal/stats"
	"github.com/pipelinedb/cqengine/internal/streaminsert"
	"github.com/pipelinedb/cqengine/internal/worker"
)

// Endpoint id ranges, disjoint so every process has a stable, unique
// mailbox id within the shared transport.
const (
	workerBase   = 1
	combinerBase = 1000
	queueBase    = 2000
)

// streamRouter is the Router the stream-insert path uses to find which
// workers read a given stream. Every worker in this daemon shares the same
// route set (every active CQ), so the router's answer doesn't vary by
// stream id; a real per-stream subscription table is a documented
// simplification (see DESIGN.md).
type streamRouter struct {
	workerEndpoints []uint64
}

func (r streamRouter) ReaderWorkerEndpoints(streamID int32) []uint64 {
	return r.workerEndpoints
}

// Daemon owns every long-lived dependency for one database.
type Daemon struct {
	cfg       *config.Config
	log       zerolog.Logger
	db        *sql.DB
	matrels   matrelstore.Store
	catalogDB catalogstore.Store
	stats     *stats.Registry
	transport *ipc.Transport
	sched     *scheduler.Scheduler
	gen       *ack.Generation
	inserter  *streaminsert.Inserter

	matrelPKSeq atomic.Int64
	dbID        int32
}

// New opens storage, loads the catalog, and wires every background process
// onto the scheduler, but does not start the scheduler's tick loop —
// callers call Run to do that.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Daemon, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	var matrels matrelstore.Store
	var catalogDB catalogstore.Store
	if cfg.DBDriver == "sqlite" {
		matrels = matrelstore.NewSQLite(db)
		catalogDB = catalogstore.NewSQLite(db)
	} else {
		matrels = matrelstore.NewPostgres(db)
		catalogDB = catalogstore.NewPostgres(db)
	}
	if err := matrels.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("daemon: ensure matrel schema: %w", err)
	}
	if err := catalogDB.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("daemon: ensure catalog schema: %w", err)
	}

	cqs, err := catalogDB.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("daemon: list catalog: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		log:       log,
		db:        db,
		matrels:   matrels,
		catalogDB: catalogDB,
		stats:     stats.NewRegistry(nil),
		transport: ipc.NewTransport(cfg.IPCHighWaterMark),
		sched:     scheduler.New(log),
		dbID:      0,
	}
	d.gen = d.sched.Generation(d.dbID)

	workerEndpoints := make([]uint64, 0, cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		workerEndpoints = append(workerEndpoints, workerBase+uint64(i))
	}
	d.inserter = streaminsert.New(d.transport, streamRouter{workerEndpoints: workerEndpoints}, cfg.BatchMemKiB*1024, cfg.BatchSize, d.gen, d.stats)

	if err := d.wireProcesses(cqs, workerEndpoints); err != nil {
		return nil, err
	}
	return d, nil
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	switch cfg.DBDriver {
	case "sqlite":
		path := cfg.SQLitePath
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
		if path == ":memory:" {
			// A bare :memory: DSN gives every pooled connection its own
			// database; cache=shared keeps them talking to the same one.
			dsn = "file::memory:?cache=shared&_pragma=foreign_keys(ON)"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("daemon: open sqlite: %w", err)
		}
		if path == ":memory:" {
			db.SetMaxOpenConns(1)
		}
		return db, nil
	default:
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("daemon: open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("daemon: ping postgres: %w", err)
		}
		return db, nil
	}
}

// nextMatrelPK allocates a synthetic matrel row key, process-wide unique
// for the lifetime of this daemon.
func (d *Daemon) nextMatrelPK(cqID int32) string {
	n := d.matrelPKSeq.Add(1)
	return fmt.Sprintf("%d-%d", cqID, n)
}

// wireProcesses builds the worker/combiner/queue/reaper fleet for the
// active CQs and spawns every one onto the scheduler.
func (d *Daemon) wireProcesses(cqs []*catalog.CQ, workerEndpoints []uint64) error {
	cfg := d.cfg

	combinerEndpoints := make([]uint64, 0, cfg.NumCombiners)
	for i := 0; i < cfg.NumCombiners; i++ {
		combinerEndpoints = append(combinerEndpoints, combinerBase+uint64(i))
	}
	queueEndpoint := uint64(queueBase)

	commitInterval := time.Duration(cfg.CommitIntervalMS) * time.Millisecond
	maxWait := time.Duration(cfg.MaxWaitMS) * time.Millisecond

	combiners := make([]*combiner.Combiner, cfg.NumCombiners)
	for i := 0; i < cfg.NumCombiners; i++ {
		combiners[i] = combiner.New(
			combinerEndpoints[i], i, cfg.NumCombiners,
			d.transport, d.matrels, d.inserter, d.stats, i,
			commitInterval, d.nextMatrelPK,
			d.log,
		)
	}

	var routes []worker.Route
	for _, cq := range cqs {
		if !cq.Active {
			continue
		}
		kind, params := aggKindForCQ(cq)
		for _, c := range combiners {
			c.RegisterCQ(cq, kind, params...)
		}
		routes = append(routes, worker.Route{
			Plan:              &plan.WorkerPlan{CQ: cq, AggKind: kind, AggParams: params, TargetColumn: targetColumn(cq)},
			CombinerEndpoints: combinerEndpoints,
			QueueEndpoint:     queueEndpoint,
		})
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		id := workerEndpoints[i]
		workerIndex := i
		w := worker.New(id, d.transport, routes, maxWait, cfg.BatchMemKiB*1024, cfg.BatchSize, d.stats, workerIndex, d.log)
		d.sched.Spawn(d.dbID, scheduler.RoleWorker, workerIndex, func(ctx context.Context) error {
			for {
				if err := w.Run(ctx, queueEndpoint, func(cqID int32) {
					d.stats.Process(stats.ProcessKey{Kind: stats.KindWorker, PID: workerIndex, CQID: cqID}).Errors.Add(1)
				}); err != nil {
					return err
				}
			}
		})
	}

	overlayPeriod := commitInterval
	for i, c := range combiners {
		c := c
		d.sched.Spawn(d.dbID, scheduler.RoleCombiner, i, func(ctx context.Context) error {
			return c.Run(ctx, overlayPeriod)
		})
	}

	q := queue.New(queueEndpoint, d.transport, cfg.QueueMemKiB, d.log)
	d.sched.Spawn(d.dbID, scheduler.RoleQueue, 0, q.Run)

	r := reaper.New(1, d.matrels, d.stats, 0, cfg.TTLExpirationBatchSize, d.log)
	for _, cq := range cqs {
		if cq.Active && cq.TTL != nil {
			r.RegisterCQ(cq)
		}
	}
	d.sched.Spawn(d.dbID, scheduler.RoleReaper, 0, r.Run)

	return nil
}

// Run starts the scheduler's 1-second reap/respawn tick loop and blocks
// until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	return d.sched.Run(ctx)
}

// Close releases the database connection. Scheduler shutdown is the
// caller's responsibility via context cancellation.
func (d *Daemon) Close() error { return d.db.Close() }

// Ping checks the underlying database connection, for the HTTP health view.
func (d *Daemon) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Stats exposes the observability registry for the HTTP API.
func (d *Daemon) Stats() *stats.Registry { return d.stats }

// Catalog exposes the catalog store for CLI/HTTP CQ management.
func (d *Daemon) Catalog() catalogstore.Store { return d.catalogDB }

// Scheduler exposes the process table for the observability surface.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.sched }

// aggKindForCQ resolves the aggregate state kind a CQ uses. A real
// deployment parses this out of the CQ's DefinitionJSON query tree; this
// wiring layer defaults to Count, documented as an Open Question resolution
// in DESIGN.md.
func aggKindForCQ(cq *catalog.CQ) (sketch.Kind, []int) {
	return sketch.KindCount, nil
}

func targetColumn(cq *catalog.CQ) string { return "" }
