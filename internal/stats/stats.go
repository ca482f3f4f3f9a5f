// Package stats implements spec.md §6's observability counters: per-(kind,
// pid, cqid) process statistics and per-stream statistics, held as atomic
// 64-bit counters in process-shared memory (spec.md §5's "Shared counters":
// "use atomic 64-bit fetch-add for stats").
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind tags which process role reported a counter set.
type Kind string

const (
	KindWorker   Kind = "worker"
	KindCombiner Kind = "combiner"
	KindQueue    Kind = "queue"
	KindReaper   Kind = "reaper"
)

// ProcessKey identifies one row of the per-(kind,pid,cqid) observability
// view.
type ProcessKey struct {
	Kind Kind
	PID  int
	CQID int32
}

// ProcessCounters is one process/CQ pair's accumulated counters.
type ProcessCounters struct {
	InputRows     atomic.Int64
	InsertedRows  atomic.Int64
	UpdatedRows   atomic.Int64
	InputBytes    atomic.Int64
	InsertedBytes atomic.Int64
	UpdatedBytes  atomic.Int64
	Executions    atomic.Int64
	Errors        atomic.Int64
	ExecMS        atomic.Int64
}

// StreamKey identifies one row of the per-stream observability view.
type StreamKey struct {
	StreamID int32
}

// StreamCounters is one stream's accumulated counters.
type StreamCounters struct {
	InputRows    atomic.Int64
	InputBatches atomic.Int64
	InputBytes   atomic.Int64
}

// IsAlivePID reports whether pid still refers to a live process; injected
// so purge-on-scan (spec.md §12 / SPEC_FULL.md) is testable without
// depending on the real OS process table.
type IsAlivePID func(pid int) bool

// Registry is the process-wide stats table, purged of stale pids whenever
// Scan runs, per SPEC_FULL.md §12's supplemented "stats purge-on-scan"
// feature.
type Registry struct {
	mu       sync.RWMutex
	process  map[ProcessKey]*ProcessCounters
	stream   map[StreamKey]*StreamCounters
	isAlive  IsAlivePID
	lastScan time.Time
}

func NewRegistry(isAlive IsAlivePID) *Registry {
	if isAlive == nil {
		isAlive = func(int) bool { return true }
	}
	return &Registry{
		process: make(map[ProcessKey]*ProcessCounters),
		stream:  make(map[StreamKey]*StreamCounters),
		isAlive: isAlive,
	}
}

// Process returns (creating if absent) the counters for key.
func (r *Registry) Process(key ProcessKey) *ProcessCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.process[key]
	if !ok {
		c = &ProcessCounters{}
		r.process[key] = c
	}
	return c
}

// Stream returns (creating if absent) the counters for a stream.
func (r *Registry) Stream(streamID int32) *StreamCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := StreamKey{StreamID: streamID}
	c, ok := r.stream[key]
	if !ok {
		c = &StreamCounters{}
		r.stream[key] = c
	}
	return c
}

// ProcessSnapshot is an immutable read of one process row, returned by Scan.
type ProcessSnapshot struct {
	Key           ProcessKey
	InputRows     int64
	InsertedRows  int64
	UpdatedRows   int64
	InputBytes    int64
	InsertedBytes int64
	UpdatedBytes  int64
	Executions    int64
	Errors        int64
	ExecMS        int64
}

// Scan returns a snapshot of every live process row, purging entries whose
// pid no longer exists — "stale entries are purged on scan when the
// referenced pid no longer exists" (spec.md §6).
func (r *Registry) Scan() []ProcessSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastScan = time.Now()

	out := make([]ProcessSnapshot, 0, len(r.process))
	for key, c := range r.process {
		if !r.isAlive(key.PID) {
			delete(r.process, key)
			continue
		}
		out = append(out, ProcessSnapshot{
			Key:           key,
			InputRows:     c.InputRows.Load(),
			InsertedRows:  c.InsertedRows.Load(),
			UpdatedRows:   c.UpdatedRows.Load(),
			InputBytes:    c.InputBytes.Load(),
			InsertedBytes: c.InsertedBytes.Load(),
			UpdatedBytes:  c.UpdatedBytes.Load(),
			Executions:    c.Executions.Load(),
			Errors:        c.Errors.Load(),
			ExecMS:        c.ExecMS.Load(),
		})
	}
	return out
}

// StreamSnapshot is an immutable read of one stream row.
type StreamSnapshot struct {
	StreamID     int32
	InputRows    int64
	InputBatches int64
	InputBytes   int64
}

// ScanStreams returns a snapshot of every tracked stream's counters.
func (r *Registry) ScanStreams() []StreamSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StreamSnapshot, 0, len(r.stream))
	for key, c := range r.stream {
		out = append(out, StreamSnapshot{
			StreamID:     key.StreamID,
			InputRows:    c.InputRows.Load(),
			InputBatches: c.InputBatches.Load(),
			InputBytes:   c.InputBytes.Load(),
		})
	}
	return out
}

// LastScan returns the wall-clock time of the most recent Process-row Scan,
// for the HTTP observability view's "as of" timestamp.
func (r *Registry) LastScan() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastScan
}
