// Package queue implements the queue process of spec.md §4.2: a spill path
// that decouples a stalled worker or combiner from the producer that fed
// it, by re-trying a non-blocking send and, on repeated failure, holding the
// frame in a bounded pending set instead of blocking the caller.
package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipelinedb/cqengine/internal/ipc"
)

const (
	// DefaultMemLimitKiB is queue_mem's default (256 MiB, expressed in KiB
	// to match the config field's unit).
	DefaultMemLimitKiB = 256 * 1024
	// maxDrainPasses bounds the "keep retrying without reading new input"
	// loop spec.md §4.2 describes, so a combiner stall never livelocks the
	// queue process.
	maxDrainPasses = 10
	pollTimeout    = 2 * time.Second
)

// pending is one frame the queue could not deliver yet. The frame's real
// destination is carried in Frame.Dst; Queue's own endpoint id is only the
// inbox it reads from.
type pendingEntry struct {
	seq   uint64
	frame ipc.Frame
}

// Queue consumes from its own endpoint, where the frame payload already
// carries the real destination, and retries non-blocking sends to that
// destination until they succeed.
type Queue struct {
	id          uint64
	transport   *ipc.Transport
	endpoint    *ipc.Endpoint
	memLimitKiB int
	log         zerolog.Logger

	nextSeq uint64
	pending []pendingEntry
	bytes   int
}

func New(id uint64, t *ipc.Transport, memLimitKiB int, log zerolog.Logger) *Queue {
	if memLimitKiB <= 0 {
		memLimitKiB = DefaultMemLimitKiB
	}
	return &Queue{
		id:          id,
		transport:   t,
		endpoint:    t.Bind(id),
		memLimitKiB: memLimitKiB,
		log:         log.With().Uint64("queue_id", id).Logger(),
	}
}

func (q *Queue) Close() { q.transport.Unbind(q.id) }

// pendingBytes approximates a frame's footprint for the queue_mem ceiling.
func pendingBytes(f ipc.Frame) int {
	if b, ok := f.Payload.([]byte); ok {
		return len(b) + 16
	}
	return 256 // conservative estimate for structured payloads
}

// retryOne attempts one non-blocking send of a pending entry's frame to its
// real destination. Returns true if it was delivered and should be removed.
func (q *Queue) retryOne(e pendingEntry) bool {
	ok, err := q.transport.Send(e.frame.Dst, e.frame.Payload, false)
	if err != nil {
		q.log.Warn().Err(err).Uint64("dst", e.frame.Dst).Msg("queue: retry send failed, destination gone")
		return true // drop: no live endpoint to retry against
	}
	return ok
}

// drainOnce walks the pending set once, retrying each entry and compacting
// away the ones that succeeded. Returns the number remaining.
func (q *Queue) drainOnce() int {
	if len(q.pending) == 0 {
		return 0
	}
	kept := q.pending[:0]
	for _, e := range q.pending {
		if q.retryOne(e) {
			q.bytes -= pendingBytes(e.frame)
			continue
		}
		kept = append(kept, e)
	}
	q.pending = kept
	return len(q.pending)
}

// memLimitBytes returns the configured ceiling in bytes.
func (q *Queue) memLimitBytes() int { return q.memLimitKiB * 1024 }

// enqueue adds a newly-received frame to the pending set after its first
// non-blocking send attempt failed.
func (q *Queue) enqueue(f ipc.Frame) {
	q.nextSeq++
	q.pending = append(q.pending, pendingEntry{seq: q.nextSeq, frame: f})
	q.bytes += pendingBytes(f)
}

// RunOnce executes one outer iteration of the retry loop described in
// spec.md §4.2: retry pending entries, keep retrying (bounded) while over
// the mem ceiling, then poll the inbox once.
func (q *Queue) RunOnce(ctx context.Context) error {
	q.drainOnce()

	passes := 0
	for q.bytes >= q.memLimitBytes() && passes < maxDrainPasses {
		if q.drainOnce() == 0 {
			break
		}
		passes++
	}

	timeout := pollTimeout
	if len(q.pending) > 0 {
		timeout = 0
	}
	frame, err := q.endpoint.Recv(timeout)
	if err != nil {
		return err
	}
	if frame == nil {
		return nil
	}

	// The transport addressed the outer frame to this queue; the producer's
	// payload is the inner Frame naming the real destination.
	fwd := *frame
	if inner, ok := frame.Payload.(ipc.Frame); ok {
		fwd = inner
	}
	ok, err := q.transport.Send(fwd.Dst, fwd.Payload, false)
	if err != nil {
		q.log.Warn().Err(err).Uint64("dst", fwd.Dst).Msg("queue: destination endpoint gone, dropping frame")
		return nil
	}
	if !ok {
		q.enqueue(fwd)
	}
	return nil
}

// Run loops RunOnce until ctx is cancelled, mirroring the "each loop checks
// sigterm on every iteration" cancellation policy of spec.md §5.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := q.RunOnce(ctx); err != nil {
			return err
		}
	}
}

// PendingCount reports the current pending-entry count, used by tests and
// observability.
func (q *Queue) PendingCount() int { return len(q.pending) }
