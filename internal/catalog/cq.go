// Package catalog implements the continuous-query metadata of spec.md §3:
// the CQ's immutable definition, the id pool it's drawn from, the stream
// reader bitmap, and the matrel/osrel naming convention used to reconstruct
// dependencies on restore (spec.md §6 "CQ definition surface").
package catalog

import (
	"fmt"
	"sync"
)

// Kind is a CQ's execution mode, per spec.md §3.
type Kind string

const (
	KindView      Kind = "view"
	KindTransform Kind = "transform"
)

// MaxCQs bounds the sparse, combiner-balanced id pool (spec.md §3).
const MaxCQs = 1024

// SW describes a sliding-window CQ's window and step.
type SW struct {
	IntervalSeconds int
	StepFactorPct   int // step size = W * step_factor%
}

// StepSeconds returns the SW step quantum, at least 1 second per spec.md §3
// invariant (d).
func (s SW) StepSeconds() int {
	step := s.IntervalSeconds * s.StepFactorPct / 100
	if step < 1 {
		step = 1
	}
	return step
}

// TTL describes a time-to-live CQ's retention column and duration.
type TTL struct {
	Column  string
	Seconds int
}

// CQ is the immutable metadata record of spec.md §3 "Continuous query".
type CQ struct {
	ID             int32
	Name           string
	Kind           Kind
	SourceStreamID int32
	MatrelID       int32
	OutputStreamID int32 // osrel
	PKIndexID      int32
	LookupIndexID  int32
	SeqRelID       int32 // optional synthetic-pk sequence; 0 if unused
	GroupColumns   []string
	TTL            *TTL // mutually exclusive with SW, invariant (c)
	SW             *SW
	PKColumn       string // optional user-designated pk column; "" if synthetic
	FillFactor     int
	Active         bool
	DistinctOnly   bool // aggregates with an explicit DISTINCT (spec.md §4.4.3)

	// DefinitionJSON holds the CQ's parsed query tree (defrel contents),
	// retrievable independently of the overlay view per spec.md §3.
	DefinitionJSON []byte

	// Relation names reconstructed on restore (spec.md §6).
	StreamName string
	MatrelName string
	OverlayName string
	OsrelName   string
	SeqRelName  string
	PKIndexName string
	LookupIndexName string
}

// Validate checks the CQ invariants of spec.md §3.
func (c *CQ) Validate() error {
	if c.SourceStreamID == 0 {
		return fmt.Errorf("cq %s: exactly one source stream is required", c.Name)
	}
	if c.TTL != nil && c.SW != nil {
		return fmt.Errorf("cq %s: ttl and sw are mutually exclusive", c.Name)
	}
	if c.SW != nil && c.SW.StepSeconds() < 1 {
		return fmt.Errorf("cq %s: sw step must be >= 1 second", c.Name)
	}
	return nil
}

// Grouped reports whether this CQ aggregates per group key rather than
// producing a single ungrouped row.
func (c *CQ) Grouped() bool { return len(c.GroupColumns) > 0 }

// IDPool allocates small integer CQ ids from a sparse pool bounded by
// MaxCQs, balanced across combiners the way spec.md §3 describes: "a sparse,
// combiner-balanced pool bounded by MAX_CQS=1024".
type IDPool struct {
	mu       sync.Mutex
	inUse    map[int32]bool
	numCombs int32
	nextBase int32
}

// NewIDPool creates a pool that balances allocations round-robin across
// numCombiners shard classes, so CQ ids spread evenly across combiners
// when reduced mod N_combiners downstream.
func NewIDPool(numCombiners int32) *IDPool {
	if numCombiners <= 0 {
		numCombiners = 1
	}
	return &IDPool{inUse: make(map[int32]bool), numCombs: numCombiners}
}

// Allocate returns the next free id, preferring the combiner shard class
// with the fewest currently-allocated ids so that hash(group) mod
// N_combiners work stays balanced even as CQs are created and dropped.
func (p *IDPool) Allocate() (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make([]int, p.numCombs)
	for id := range p.inUse {
		counts[id%p.numCombs]++
	}
	best := int32(0)
	bestCount := int(^uint(0) >> 1)
	for shard := int32(0); shard < p.numCombs; shard++ {
		if counts[shard] < bestCount {
			bestCount = counts[shard]
			best = shard
		}
	}
	for id := int32(1); id <= MaxCQs; id++ {
		if id%p.numCombs == best && !p.inUse[id] {
			p.inUse[id] = true
			return id, nil
		}
	}
	return 0, fmt.Errorf("catalog: id pool exhausted (MAX_CQS=%d)", MaxCQs)
}

// Release returns an id to the pool, called when a CQ is dropped.
func (p *IDPool) Release(id int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, id)
}
