// Package microbatch implements the in-transit unit of spec.md §3
// "Micro-batch": a destination endpoint id, a reader bitmap, a shared tuple
// descriptor, a sequence of row payloads, and a list of ack references.
package microbatch

import (
	"sync/atomic"

	"github.com/pipelinedb/cqengine/internal/ack"
)

// Row is one stream tuple. Values are keyed by attribute name; the worker's
// projection (spec.md §4.3) rebuilds this map whenever the source tuple
// descriptor changes.
type Row map[string]any

// AckRef pairs an ack with the flush level its producer requested.
type AckRef struct {
	Ack   *ack.Ack
	Level ack.Level
}

var seqCounter atomic.Uint64

// NextSeqNo returns a process-wide monotonically increasing sequence number.
// Batches carry this per (source, destination) pair so a combiner can
// idempotently discard a resend after a lost-ack generation bump, per the
// hardened-design addition of spec.md §12 / SPEC_FULL.md.
func NextSeqNo() uint64 { return seqCounter.Add(1) }

// Batch is a micro-batch in flight between two endpoints.
type Batch struct {
	Dest           uint64
	SourceEndpoint uint64
	SeqNo          uint64
	ReaderBitmap   []int32
	Descriptor     []string
	Rows           []Row
	Acks           []AckRef

	byteBudget int
	rowBudget  int
	bytes      int
}

// Default budgets from spec.md §3: 256 KiB / 10,000 tuples.
const (
	DefaultByteBudget = 256 * 1024
	DefaultRowBudget  = 10000
)

// New creates an empty batch bound for dst, budgeted per config.
func New(dest, source uint64, byteBudget, rowBudget int) *Batch {
	if byteBudget <= 0 {
		byteBudget = DefaultByteBudget
	}
	if rowBudget <= 0 {
		rowBudget = DefaultRowBudget
	}
	return &Batch{
		Dest:           dest,
		SourceEndpoint: source,
		SeqNo:          NextSeqNo(),
		byteBudget:     byteBudget,
		rowBudget:      rowBudget,
	}
}

// RowSize is an approximate in-memory footprint, used to decide when to
// close the batch and shared with the worker/combiner stats counters
// (internal/stats) as the InputBytes estimate; it need not be exact.
func RowSize(r Row) int {
	n := 0
	for k, v := range r {
		n += len(k) + 16
		if s, ok := v.(string); ok {
			n += len(s)
		} else {
			n += 8
		}
	}
	return n
}

// Append adds a row to the batch. It returns false if appending would
// overflow either budget; the caller must close this batch and open a new
// one before appending, per spec.md §3: "filling either closes the batch and
// opens the next."
func (b *Batch) Append(r Row) bool {
	size := RowSize(r)
	if len(b.Rows) > 0 && (b.bytes+size > b.byteBudget || len(b.Rows)+1 > b.rowBudget) {
		return false
	}
	b.Rows = append(b.Rows, r)
	b.bytes += size
	return true
}

// Full reports whether the batch has reached either budget exactly, used to
// verify the "exactly-full batch triggers flush; no truncated frames"
// boundary case of spec.md §8.
func (b *Batch) Full() bool {
	return b.bytes >= b.byteBudget || len(b.Rows) >= b.rowBudget
}

// Empty reports whether the batch carries no rows.
func (b *Batch) Empty() bool { return len(b.Rows) == 0 }

// AddAck attaches an ack reference at the given level. It does not touch the
// ack's counters; MarkWorkerReceived, MarkCombinerReceived and MarkCommitted
// advance them.
func (b *Batch) AddAck(a *ack.Ack, level ack.Level) {
	b.Acks = append(b.Acks, AckRef{Ack: a, Level: level})
}

// MarkWorkerReceived advances every attached ack's worker-received counter
// by the row count of this batch.
func (b *Batch) MarkWorkerReceived() {
	n := int64(len(b.Rows))
	for _, ar := range b.Acks {
		ar.Ack.AddWorkerReceived(n)
	}
}

// MarkCombinerReceived advances every attached ack's combiner-received
// counter.
func (b *Batch) MarkCombinerReceived() {
	n := int64(len(b.Rows))
	for _, ar := range b.Acks {
		ar.Ack.AddCombinerReceived(n)
	}
}

// MarkCommitted advances every attached ack's committed counter, called once
// per flushed transaction (spec.md §4.4.5).
func (b *Batch) MarkCommitted() {
	n := int64(len(b.Rows))
	for _, ar := range b.Acks {
		ar.Ack.AddCommitted(n)
	}
}

// RequiresSyncCommit reports whether any attached ack requires the
// synchronous-commit flush level, used by the combiner's commit policy
// (spec.md §4.4.5) and the worker's sync-flush handshake (spec.md §4.3).
func (b *Batch) RequiresSyncCommit() bool {
	for _, ar := range b.Acks {
		if ar.Level == ack.SyncCommit {
			return true
		}
	}
	return false
}

// RequiresSyncReceive reports whether any attached ack requires at least the
// synchronous-receive flush level.
func (b *Batch) RequiresSyncReceive() bool {
	for _, ar := range b.Acks {
		if ar.Level == ack.SyncReceive || ar.Level == ack.SyncCommit {
			return true
		}
	}
	return false
}
