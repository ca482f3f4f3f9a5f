package sketch

import (
	"encoding/json"
	"fmt"
)

// BucketPoint is the value shape BucketAgg.Add expects: a pre-assigned
// bucket index (e.g. a sliding-window step bucket from internal/combiner's
// overlay engine) paired with the numeric value to fold into it.
type BucketPoint struct {
	Bucket int
	Value  float64
}

// BucketAgg is a fixed-width array of per-bucket sums and counts, the
// transition state backing sliding-window step aggregates: one bucket per
// step, reconciled by the overlay engine's step/overlay group tick.
// Combine is elementwise sum over buckets, associative and commutative.
type BucketAgg struct {
	NumBuckets int
	Sums       []float64
	Counts     []int64
}

func NewBucketAgg(numBuckets int) *BucketAgg {
	if numBuckets <= 0 {
		numBuckets = 24
	}
	return &BucketAgg{
		NumBuckets: numBuckets,
		Sums:       make([]float64, numBuckets),
		Counts:     make([]int64, numBuckets),
	}
}

func (b *BucketAgg) Add(value any) error {
	p, ok := value.(BucketPoint)
	if !ok {
		return fmt.Errorf("sketch: BucketAgg.Add expects BucketPoint, got %T", value)
	}
	if p.Bucket < 0 || p.Bucket >= b.NumBuckets {
		return fmt.Errorf("sketch: BucketAgg.Add bucket %d out of range [0,%d)", p.Bucket, b.NumBuckets)
	}
	b.Sums[p.Bucket] += p.Value
	b.Counts[p.Bucket]++
	return nil
}

func (b *BucketAgg) Combine(other State) error {
	o, ok := other.(*BucketAgg)
	if !ok {
		return fmt.Errorf("sketch: BucketAgg.Combine type mismatch %T", other)
	}
	if o.NumBuckets != b.NumBuckets {
		return fmt.Errorf("sketch: BucketAgg.Combine bucket count mismatch")
	}
	for i := 0; i < b.NumBuckets; i++ {
		b.Sums[i] += o.Sums[i]
		b.Counts[i] += o.Counts[i]
	}
	return nil
}

// DropBucket zeroes a bucket's accumulated state, used when the sliding
// window's step boundary advances past it and the overlay engine expires it.
func (b *BucketAgg) DropBucket(i int) {
	if i < 0 || i >= b.NumBuckets {
		return
	}
	b.Sums[i] = 0
	b.Counts[i] = 0
}

func (b *BucketAgg) Serialize() ([]byte, error) { return json.Marshal(b) }
func (b *BucketAgg) Deserialize(bz []byte) error { return json.Unmarshal(bz, b) }

// Finalize sums all live buckets into a single window total.
func (b *BucketAgg) Finalize() (any, error) {
	var total float64
	for _, s := range b.Sums {
		total += s
	}
	return total, nil
}
