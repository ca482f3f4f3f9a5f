// Package scheduler implements spec.md §4.2's per-database process
// supervision as an in-process goroutine table, replacing the original
// background-worker-slot model: one entry per (database, role, index)
// tracks a cancelable goroutine, and a 1-second tick loop reaps dead
// entries and respawns them, bumping the owning database's ack generation
// counter on both reap and respawn so any in-flight ack wait observes the
// restart as a possible lost ack (spec.md §4.7).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipelinedb/cqengine/internal/ack"
)

// Role names a supervised process's function, mirroring spec.md §4's
// four background-worker kinds.
type Role string

const (
	RoleWorker   Role = "worker"
	RoleCombiner Role = "combiner"
	RoleQueue    Role = "queue"
	RoleReaper   Role = "reaper"
)

// RunFunc is the body of a supervised process: it must return promptly
// when ctx is canceled.
type RunFunc func(ctx context.Context) error

// key identifies one process-table slot.
type key struct {
	dbID  int32
	role  Role
	index int
}

// entry is one process-table row: spec.md §4.2's "process array" slot,
// holding the run function, its cancel func and exit channel, a terminate
// flag, and a restart count. The generation counter lives on dbState.
type entry struct {
	run        RunFunc
	cancel     context.CancelFunc
	done       chan error
	terminate  bool
	restarts   int
}

// dbState is the per-database slice of spec.md §4.2: its own process
// table rows and its own ack generation counter.
type dbState struct {
	gen     *ack.Generation
	entries map[key]*entry
	dropped bool
}

// Scheduler supervises every database's background processes.
type Scheduler struct {
	mu  sync.Mutex
	dbs map[int32]*dbState
	log zerolog.Logger

	tickPeriod time.Duration
	dropWait   time.Duration
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		dbs:        make(map[int32]*dbState),
		log:        log,
		tickPeriod: time.Second,
		dropWait:   5 * time.Second,
	}
}

// Capacity reports whether numDatabases databases, each running
// workersPerDB+combinersPerDB+queuesPerDB+reapersPerDB processes plus a
// fixed 2-slot supervisor overhead, fit within hostSlots — spec.md §4.2's
// capacity check: "N_databases * (N_workers+N_combiners+N_queues+N_reapers)
// + 2 <= host_bgworker_slots".
func Capacity(numDatabases, workersPerDB, combinersPerDB, queuesPerDB, reapersPerDB, hostSlots int) bool {
	perDB := workersPerDB + combinersPerDB + queuesPerDB + reapersPerDB
	return numDatabases*perDB+2 <= hostSlots
}

// Generation returns (creating if absent) dbID's ack generation counter, for
// wiring into acks created by that database's workers and combiners.
func (s *Scheduler) Generation(dbID int32) *ack.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dbStateLocked(dbID).gen
}

func (s *Scheduler) dbStateLocked(dbID int32) *dbState {
	d, ok := s.dbs[dbID]
	if !ok {
		d = &dbState{gen: &ack.Generation{}, entries: make(map[key]*entry)}
		s.dbs[dbID] = d
	}
	return d
}

// Spawn installs and starts a supervised process at (dbID, role, index),
// bumping dbID's generation counter once for the new process coming up.
func (s *Scheduler) Spawn(dbID int32, role Role, index int, run RunFunc) {
	s.mu.Lock()
	d := s.dbStateLocked(dbID)
	k := key{dbID: dbID, role: role, index: index}
	if _, exists := d.entries[k]; exists {
		s.mu.Unlock()
		return
	}
	e := &entry{run: run, done: make(chan error, 1)}
	d.entries[k] = e
	s.mu.Unlock()

	s.start(d, k, e)
	d.gen.Bump()
}

func (s *Scheduler) start(d *dbState, k key, e *entry) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() {
		err := e.run(ctx)
		e.done <- err
	}()
	s.log.Info().Int32("db", k.dbID).Str("role", string(k.role)).Int("index", k.index).Msg("scheduler: process started")
}

// Terminate marks (dbID, role, index) so the tick loop will not respawn it
// after it next exits, and cancels its context.
func (s *Scheduler) Terminate(dbID int32, role Role, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dbs[dbID]
	if !ok {
		return
	}
	if e, ok := d.entries[key{dbID: dbID, role: role, index: index}]; ok {
		e.terminate = true
		e.cancel()
	}
}

// DropDatabase terminates every process owned by dbID, waits up to the
// scheduler's drop-wait bound for a clean exit, and removes the database's
// process table, per spec.md §4.2's drop-db handling.
func (s *Scheduler) DropDatabase(dbID int32) {
	s.mu.Lock()
	d, ok := s.dbs[dbID]
	if !ok {
		s.mu.Unlock()
		return
	}
	d.dropped = true
	var waits []chan error
	for _, e := range d.entries {
		e.terminate = true
		e.cancel()
		waits = append(waits, e.done)
	}
	s.mu.Unlock()

	deadline := time.After(s.dropWait)
	for _, w := range waits {
		select {
		case <-w:
		case <-deadline:
			s.log.Warn().Int32("db", dbID).Msg("scheduler: drop-db exceeded wait bound, proceeding")
		}
	}

	s.mu.Lock()
	delete(s.dbs, dbID)
	s.mu.Unlock()
}

// reapDead scans every database's process table for entries whose run
// function has returned, bumps the owning generation counter (the exit
// bump; Spawn supplied the start bump), and respawns unless the entry was
// terminated deliberately.
func (s *Scheduler) reapDead() {
	s.mu.Lock()
	type respawn struct {
		d *dbState
		k key
		e *entry
	}
	var toRespawn []respawn
	for _, d := range s.dbs {
		if d.dropped {
			continue
		}
		for k, e := range d.entries {
			select {
			case err := <-e.done:
				d.gen.Bump()
				if e.terminate {
					delete(d.entries, k)
					continue
				}
				e.restarts++
				e.done = make(chan error, 1)
				if err != nil {
					s.log.Warn().Err(err).Int32("db", k.dbID).Str("role", string(k.role)).Int("index", k.index).Msg("scheduler: process exited, respawning")
				}
				toRespawn = append(toRespawn, respawn{d: d, k: k, e: e})
			default:
			}
		}
	}
	s.mu.Unlock()

	for _, r := range toRespawn {
		s.start(r.d, r.k, r.e)
		// Second bump: the exit above advanced the generation once; the
		// respawn advances it again, matching Spawn's one-bump-per-process
		// so a producer that observed either edge treats the ack as lost.
		r.d.gen.Bump()
	}
}

// Run drives the 1-second reap/respawn tick loop until ctx is canceled, at
// which point it cancels every supervised process across every database so
// a daemon shutdown tears the whole fleet down rather than leaking it.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.cancelAll()
			return ctx.Err()
		case <-ticker.C:
			s.reapDead()
		}
	}
}

// cancelAll cancels every process in every database's table without
// waiting for exit, used on scheduler shutdown.
func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dbs {
		for _, e := range d.entries {
			e.terminate = true
			e.cancel()
		}
	}
}

// Rescan re-evaluates every database's process table immediately, for use
// from a SIGINT/SIGHUP handler that wants an out-of-band sweep rather than
// waiting for the next tick (spec.md §4.2's "sigint rescan").
func (s *Scheduler) Rescan() { s.reapDead() }

// Status reports a snapshot of every process-table entry, for the
// observability surface.
type Status struct {
	DBID     int32
	Role     Role
	Index    int
	Restarts int
}

func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Status
	for _, d := range s.dbs {
		for kk, e := range d.entries {
			out = append(out, Status{DBID: kk.dbID, Role: kk.role, Index: kk.index, Restarts: e.restarts})
		}
	}
	return out
}
