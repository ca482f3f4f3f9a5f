package catalog

import "sync"

// ArrivalTimestampColumn is the reserved column every stream carries, per
// spec.md §3 "Stream": "the union of all reader projections plus a reserved
// arrival_timestamp column".
const ArrivalTimestampColumn = "arrival_timestamp"

// Stream is the append-only relation of spec.md §3. Its schema is not fixed:
// it is the union of all current reader projections, discovered lazily.
type Stream struct {
	ID   int32
	Name string
}

// ReaderBitmap is the compact set of CQ ids currently consuming a stream,
// maintained transactionally and consulted on every insert (spec.md §3
// "Reader bitmap"). A plain map is the Go-native analogue of the original's
// packed bitset; at MaxCQs=1024 the memory difference is immaterial and a
// map keeps membership tests and intersection trivial to read.
type ReaderBitmap struct {
	mu  sync.RWMutex
	ids map[int32]struct{}
}

// NewReaderBitmap creates an empty bitmap.
func NewReaderBitmap() *ReaderBitmap {
	return &ReaderBitmap{ids: make(map[int32]struct{})}
}

// Add registers cqID as a reader. Called when a CQ is created or activated.
func (b *ReaderBitmap) Add(cqID int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids[cqID] = struct{}{}
}

// Remove unregisters cqID. Called when a CQ is dropped or deactivated.
func (b *ReaderBitmap) Remove(cqID int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ids, cqID)
}

// Readers returns a snapshot slice of current reader CQ ids.
func (b *ReaderBitmap) Readers() []int32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]int32, 0, len(b.ids))
	for id := range b.ids {
		out = append(out, id)
	}
	return out
}

// Empty reports whether the stream currently has no readers, the fast path
// no-op condition of spec.md §4.6 step 2.
func (b *ReaderBitmap) Empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ids) == 0
}

// IntersectTargets restricts this bitmap to the caller-specified target CQ
// names (session config stream_targets, spec.md §6), returning the ids that
// are both current readers and requested targets. targetIDs is nil when the
// caller did not restrict targets, in which case all readers are returned.
func (b *ReaderBitmap) IntersectTargets(targetIDs map[int32]bool) []int32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if targetIDs == nil {
		out := make([]int32, 0, len(b.ids))
		for id := range b.ids {
			out = append(out, id)
		}
		return out
	}
	out := make([]int32, 0)
	for id := range b.ids {
		if targetIDs[id] {
			out = append(out, id)
		}
	}
	return out
}
