// Package ack implements the shared ack object of spec.md §3 "Ack": a
// reference-counted set of atomic counters that tracks a micro-batch from
// worker receipt through combiner commit, plus the per-database generation
// tag that invalidates outstanding waits when the process set restarts.
package ack

import (
	"context"
	"sync/atomic"
	"time"
)

// Level is the flush level a producer requests for a stream insert, per
// spec.md §3.
type Level int

const (
	Async Level = iota
	SyncReceive
	SyncCommit
)

// Generation is a per-database counter. The scheduler bumps it once when it
// spawns a process, and twice when it reaps an exited process and respawns
// it (once on exit, once on respawn); a producer observing a change treats
// pending acks as possibly lost, per spec.md §4.7.
type Generation struct {
	v atomic.Uint64
}

func (g *Generation) Load() uint64 { return g.v.Load() }
func (g *Generation) Bump()        { g.v.Add(1) }

// Ack is the shared-memory-analogue reference described in spec.md §3: three
// atomic counters (worker-received, combiner-received, combiner-committed)
// plus the generation value observed when the ack was created. Expected is
// the number of tuples the originating batch carried.
type Ack struct {
	Expected         int64
	WorkerReceived   atomic.Int64
	CombinerReceived atomic.Int64
	CombinerComitted atomic.Int64
	gen              *Generation
	genAtCreate      uint64
}

// New creates an ack bound to expected tuples and the database's current
// generation.
func New(expected int64, gen *Generation) *Ack {
	return &Ack{Expected: expected, gen: gen, genAtCreate: gen.Load()}
}

// AddWorkerReceived advances the worker-received counter. It is a
// monotonically non-decreasing add, satisfying invariant 5 of spec.md §8.
func (a *Ack) AddWorkerReceived(n int64) { a.WorkerReceived.Add(n) }

// AddCombinerReceived advances the combiner-received counter.
func (a *Ack) AddCombinerReceived(n int64) { a.CombinerReceived.Add(n) }

// AddCommitted advances the committed counter; called once per flushed
// transaction with the number of stream tuples reflected in the batch.
func (a *Ack) AddCommitted(n int64) { a.CombinerComitted.Add(n) }

// generationAdvanced reports whether the owning database has bumped its
// generation counter since this ack was created, meaning the worker/combiner
// set may have restarted and the batch may be lost.
func (a *Ack) generationAdvanced() bool {
	return a.gen.Load() != a.genAtCreate
}

// Wait blocks until the counter selected by level reaches Expected, or until
// the generation advances, or until ctx is canceled. It returns (lost,
// error): lost is true when the wait ended via a generation bump (spec.md §7
// "Lost-ack": return success with a warning, never an error).
func (a *Ack) Wait(ctx context.Context, level Level) (lost bool, err error) {
	if level == Async {
		return false, nil
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if a.satisfied(level) {
			return false, nil
		}
		if a.generationAdvanced() {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Ack) satisfied(level Level) bool {
	switch level {
	case SyncReceive:
		return a.WorkerReceived.Load() >= a.Expected
	case SyncCommit:
		return a.CombinerComitted.Load() >= a.Expected
	default:
		return true
	}
}

// Monotonic reports invariant 5 of spec.md §8: committed <= combiner_received
// <= worker_received <= expected. Used by tests.
func (a *Ack) Monotonic() bool {
	c := a.CombinerComitted.Load()
	cr := a.CombinerReceived.Load()
	wr := a.WorkerReceived.Load()
	return c <= cr && cr <= wr && wr <= a.Expected
}
