package sketch

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// Bloom is a Bloom filter, the transition state behind a probabilistic
// set-membership aggregate (e.g. "has this group ever seen value x").
// Combine is bitwise OR, associative and commutative over filters of equal
// size and hash-function count.
type Bloom struct {
	Bits   []bool
	K      int
	Inserted int64
}

func NewBloom(numBits, numHashes int) *Bloom {
	if numBits <= 0 {
		numBits = 1 << 16
	}
	if numHashes <= 0 {
		numHashes = 4
	}
	return &Bloom{Bits: make([]bool, numBits), K: numHashes}
}

func (b *Bloom) hashes(value any) []int {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", value)
	base := h.Sum64()
	h2 := fnv.New64a()
	fmt.Fprintf(h2, "salt:%v", value)
	step := h2.Sum64()

	out := make([]int, b.K)
	n := uint64(len(b.Bits))
	for i := 0; i < b.K; i++ {
		out[i] = int((base + uint64(i)*step) % n)
	}
	return out
}

func (b *Bloom) Add(value any) error {
	for _, idx := range b.hashes(value) {
		b.Bits[idx] = true
	}
	b.Inserted++
	return nil
}

// Test reports whether value was possibly added (may false-positive, never
// false-negative).
func (b *Bloom) Test(value any) bool {
	for _, idx := range b.hashes(value) {
		if !b.Bits[idx] {
			return false
		}
	}
	return true
}

func (b *Bloom) Combine(other State) error {
	o, ok := other.(*Bloom)
	if !ok {
		return fmt.Errorf("sketch: Bloom.Combine type mismatch %T", other)
	}
	if len(o.Bits) != len(b.Bits) || o.K != b.K {
		return fmt.Errorf("sketch: Bloom.Combine dimension mismatch")
	}
	for i, v := range o.Bits {
		if v {
			b.Bits[i] = true
		}
	}
	b.Inserted += o.Inserted
	return nil
}

func (b *Bloom) Serialize() ([]byte, error) { return json.Marshal(b) }
func (b *Bloom) Deserialize(bz []byte) error { return json.Unmarshal(bz, b) }
func (b *Bloom) Finalize() (any, error)      { return b.Inserted, nil }
