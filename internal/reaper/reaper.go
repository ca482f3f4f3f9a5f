// Package reaper implements spec.md §4.5's TTL retention process: one
// delete cycle per TTL-bearing CQ, run on an adaptive cadence derived from
// the shortest TTL this reaper owns, grounded on the outbox worker's
// lease-batch-and-backoff poll loop (internal/outbox/worker.go).
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipelinedb/cqengine/internal/catalog"
	"github.com/pipelinedb/cqengine/internal/config"
	"github.com/pipelinedb/cqengine/internal/matrelstore"
	"github.com/pipelinedb/cqengine/internal/stats"
)

// DefaultBatchSize bounds a single delete statement's row count, per
// spec.md §4.5's note that unbounded deletes risk long lock hold times.
const DefaultBatchSize = 10000

// cqTTL is the reaper's per-CQ tracked state.
type cqTTL struct {
	cq          *catalog.CQ
	lastDeleted int
	lastExpired time.Time
}

// Reaper owns a set of TTL CQs and runs their delete cycles.
type Reaper struct {
	id        uint64
	store     matrelstore.Store
	stats     *stats.Registry
	pid       int
	batchSize int
	log       zerolog.Logger

	cqs map[int32]*cqTTL
}

func New(id uint64, store matrelstore.Store, st *stats.Registry, pid int, batchSize int, log zerolog.Logger) *Reaper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reaper{
		id:        id,
		store:     store,
		stats:     st,
		pid:       pid,
		batchSize: batchSize,
		cqs:       make(map[int32]*cqTTL),
		log:       log.With().Uint64("reaper_id", id).Logger(),
	}
}

// RegisterCQ installs a TTL CQ for this reaper to expire rows for. cq.TTL
// must be non-nil; callers filter the catalog before registering.
func (r *Reaper) RegisterCQ(cq *catalog.CQ) {
	if cq.TTL == nil {
		return
	}
	r.cqs[cq.ID] = &cqTTL{cq: cq}
}

// PurgeCQ drops a dropped or deactivated CQ from this reaper's set.
func (r *Reaper) PurgeCQ(cqID int32) { delete(r.cqs, cqID) }

// minTTLSeconds returns the shortest TTL across every CQ this reaper owns,
// used to pace the sleep cadence per SPEC_FULL.md §12's supplemented
// "reaper sleep cadence" behavior: sleep max(1, min_ttl) seconds between
// cycles so a CQ with a 1-second TTL doesn't starve a 1-day one of timely
// expiration, while a reaper with only long-TTL CQs doesn't spin. A reaper
// that owns no TTL CQs sleeps config.DefaultTTLReaperSleepSeconds.
func (r *Reaper) minTTLSeconds() int {
	if len(r.cqs) == 0 {
		return config.DefaultTTLReaperSleepSeconds
	}
	min := 0
	for _, st := range r.cqs {
		s := st.cq.TTL.Seconds
		if min == 0 || s < min {
			min = s
		}
	}
	if min < 1 {
		min = 1
	}
	return min
}

// SleepInterval is the adaptive cadence between delete cycles.
func (r *Reaper) SleepInterval() time.Duration {
	return time.Duration(r.minTTLSeconds()) * time.Second
}

// RunCycle runs one delete cycle for every registered CQ: each CQ's expired
// rows are deleted in batches of batchSize until a batch returns fewer than
// batchSize rows, per spec.md §4.5. It returns the total rows deleted.
func (r *Reaper) RunCycle(ctx context.Context) (int, error) {
	total := 0
	for cqID, st := range r.cqs {
		n, err := r.expireCQ(ctx, cqID, st)
		if err != nil {
			r.stats.Process(stats.ProcessKey{Kind: stats.KindReaper, PID: r.pid, CQID: cqID}).Errors.Add(1)
			r.log.Warn().Err(err).Int32("cq_id", cqID).Msg("reaper: delete cycle failed")
			continue
		}
		total += n
	}
	return total, nil
}

func (r *Reaper) expireCQ(ctx context.Context, cqID int32, st *cqTTL) (int, error) {
	cutoff := time.Now().Add(-time.Duration(st.cq.TTL.Seconds) * time.Second)

	total := 0
	for {
		n, err := r.store.DeleteExpired(ctx, cqID, cutoff, r.batchSize)
		if err != nil {
			return total, err
		}
		total += n
		r.stats.Process(stats.ProcessKey{Kind: stats.KindReaper, PID: r.pid, CQID: cqID}).UpdatedRows.Add(int64(n))
		if n < r.batchSize {
			break
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}

	st.lastDeleted = total
	if total > 0 {
		st.lastExpired = time.Now()
	}
	return total, nil
}

// Run drives the reaper's poll loop until ctx is canceled, sleeping
// SleepInterval between delete cycles.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info().Int("cqs", len(r.cqs)).Msg("reaper starting")
	for {
		if _, err := r.RunCycle(ctx); err != nil && ctx.Err() != nil {
			r.log.Info().Msg("reaper stopping")
			return ctx.Err()
		}

		interval := r.SleepInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Info().Msg("reaper stopping")
			return ctx.Err()
		case <-timer.C:
		}
	}
}
