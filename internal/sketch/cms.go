package sketch

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// CMS is a Count-Min Sketch, the transition state behind freq(x)-style
// approximate frequency aggregates. Combine is elementwise sum, which is
// associative and commutative.
type CMS struct {
	Width    int
	Depth    int
	Counters [][]int64
	Total    int64
}

func NewCMS(width, depth int) *CMS {
	if width <= 0 {
		width = 2048
	}
	if depth <= 0 {
		depth = 4
	}
	counters := make([][]int64, depth)
	for i := range counters {
		counters[i] = make([]int64, width)
	}
	return &CMS{Width: width, Depth: depth, Counters: counters}
}

func (c *CMS) hashRow(row int, value any) int {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%v", row, value)
	return int(h.Sum64() % uint64(c.Width))
}

func (c *CMS) Add(value any) error {
	for d := 0; d < c.Depth; d++ {
		idx := c.hashRow(d, value)
		c.Counters[d][idx]++
	}
	c.Total++
	return nil
}

// Estimate returns the approximate frequency of value: the minimum counter
// across all hash rows, the classic CMS point query.
func (c *CMS) Estimate(value any) int64 {
	min := int64(-1)
	for d := 0; d < c.Depth; d++ {
		idx := c.hashRow(d, value)
		v := c.Counters[d][idx]
		if min == -1 || v < min {
			min = v
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

func (c *CMS) Combine(other State) error {
	o, ok := other.(*CMS)
	if !ok {
		return fmt.Errorf("sketch: CMS.Combine type mismatch %T", other)
	}
	if o.Width != c.Width || o.Depth != c.Depth {
		return fmt.Errorf("sketch: CMS.Combine dimension mismatch")
	}
	for d := 0; d < c.Depth; d++ {
		for w := 0; w < c.Width; w++ {
			c.Counters[d][w] += o.Counters[d][w]
		}
	}
	c.Total += o.Total
	return nil
}

func (c *CMS) Serialize() ([]byte, error) { return json.Marshal(c) }
func (c *CMS) Deserialize(b []byte) error { return json.Unmarshal(b, c) }
func (c *CMS) Finalize() (any, error)     { return c.Total, nil }
