// Package sketch implements the tagged transition-state variants of
// spec.md §9 "Dynamic dispatch over aggregate transition types": the host
// database's polymorphic "opaque" transition value is replaced here with one
// Go type per supported aggregate, each implementing the {init, add,
// combine, serialize, deserialize, finalize} contract as a State.
//
// Every State is a worker-side *partial* (pre-finalize) value: the worker
// produces States via Add, the combiner merges them via Combine, and the
// combiner (for output-stream deltas and the sliding-window overlay) calls
// Finalize to obtain the user-visible aggregate result (spec.md §3
// "Partial", §4.4.2 "Combine").
package sketch

// State is the common contract every transition-state representation
// implements. Combine must be associative and commutative over partial
// states — spec.md §5 "Ordering guarantees" relies on this to allow
// unordered merge across shards/workers.
type State interface {
	// Add folds one input value into the state.
	Add(value any) error
	// Combine merges another state of the same concrete type into this one.
	Combine(other State) error
	// Serialize produces a byte-stable encoding for Deserialize and for
	// matrel column storage.
	Serialize() ([]byte, error)
	// Finalize computes the user-visible aggregate result.
	Finalize() (any, error)
}

// Kind tags the concrete State implementation, used by the matrel store
// (internal/matrelstore) to pick a deserializer without reflection.
type Kind string

const (
	KindCount     Kind = "count"
	KindSum       Kind = "sum"
	KindAvg       Kind = "avg"
	KindMin       Kind = "min"
	KindMax       Kind = "max"
	KindHLL       Kind = "hll"
	KindCMS       Kind = "cms"
	KindBloom     Kind = "bloom"
	KindTDigest   Kind = "tdigest"
	KindTopK      Kind = "topk"
	KindBucketAgg Kind = "bucket_agg"
	KindRowsBytes Kind = "rows_bytes"
)

// New constructs a fresh (init'd) state for kind with the given parameters.
// params is kind-specific: HLL takes precision bits, CMS takes
// width/depth, Bloom takes bits/hash-count, TopK takes k, BucketAgg takes
// the bucket count.
func New(kind Kind, params ...int) (State, error) {
	switch kind {
	case KindCount:
		return NewCount(), nil
	case KindSum:
		return NewSum(), nil
	case KindAvg:
		return NewAvg(), nil
	case KindMin:
		return NewMinMax(true), nil
	case KindMax:
		return NewMinMax(false), nil
	case KindHLL:
		precision := 14
		if len(params) > 0 {
			precision = params[0]
		}
		return NewHLL(precision), nil
	case KindCMS:
		width, depth := 2048, 4
		if len(params) > 0 {
			width = params[0]
		}
		if len(params) > 1 {
			depth = params[1]
		}
		return NewCMS(width, depth), nil
	case KindBloom:
		bits, hashes := 1 << 16, 4
		if len(params) > 0 {
			bits = params[0]
		}
		if len(params) > 1 {
			hashes = params[1]
		}
		return NewBloom(bits, hashes), nil
	case KindTDigest:
		compression := 100
		if len(params) > 0 {
			compression = params[0]
		}
		return NewTDigest(compression), nil
	case KindTopK:
		k := 10
		if len(params) > 0 {
			k = params[0]
		}
		return NewTopK(k), nil
	case KindBucketAgg:
		n := 24
		if len(params) > 0 {
			n = params[0]
		}
		return NewBucketAgg(n), nil
	case KindRowsBytes:
		return NewRowsBytes(), nil
	default:
		return nil, errUnknownKind(kind)
	}
}

type errUnknownKind Kind

func (e errUnknownKind) Error() string { return "sketch: unknown kind " + string(e) }

// Deserialize reconstructs a State of kind from bytes produced by
// State.Serialize, implementing the "deserialize" half of spec.md §9's
// {init, add, combine, serialize, deserialize, finalize} contract.
func Deserialize(kind Kind, b []byte) (State, error) {
	switch kind {
	case KindCount:
		s := NewCount()
		return s, s.Deserialize(b)
	case KindSum:
		s := NewSum()
		return s, s.Deserialize(b)
	case KindAvg:
		s := NewAvg()
		return s, s.Deserialize(b)
	case KindMin:
		s := NewMinMax(true)
		return s, s.Deserialize(b)
	case KindMax:
		s := NewMinMax(false)
		return s, s.Deserialize(b)
	case KindHLL:
		s := NewHLL(14)
		return s, s.Deserialize(b)
	case KindCMS:
		s := NewCMS(2048, 4)
		return s, s.Deserialize(b)
	case KindBloom:
		s := NewBloom(1<<16, 4)
		return s, s.Deserialize(b)
	case KindTDigest:
		s := NewTDigest(100)
		return s, s.Deserialize(b)
	case KindTopK:
		s := NewTopK(10)
		return s, s.Deserialize(b)
	case KindBucketAgg:
		s := NewBucketAgg(24)
		return s, s.Deserialize(b)
	case KindRowsBytes:
		s := NewRowsBytes()
		return s, s.Deserialize(b)
	default:
		return nil, errUnknownKind(kind)
	}
}
