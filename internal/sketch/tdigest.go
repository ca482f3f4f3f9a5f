package sketch

import (
	"encoding/json"
	"fmt"
	"sort"
)

// centroid is one weighted mean in a t-digest.
type centroid struct {
	Mean   float64
	Weight float64
}

// TDigest is a simplified mergeable quantile sketch, the transition state
// behind percentile_cont/percentile_disc-style aggregates. Combine
// concatenates centroid lists and recompresses, which is associative and
// commutative up to compression-driven approximation error — acceptable for
// a sketch whose whole purpose is a bounded-error summary.
type TDigest struct {
	Compression int
	Centroids   []centroid
}

func NewTDigest(compression int) *TDigest {
	if compression <= 0 {
		compression = 100
	}
	return &TDigest{Compression: compression}
}

func (t *TDigest) Add(value any) error {
	f, err := toFloat(value)
	if err != nil {
		return err
	}
	t.Centroids = append(t.Centroids, centroid{Mean: f, Weight: 1})
	if len(t.Centroids) > t.Compression*10 {
		t.compress()
	}
	return nil
}

// compress sorts centroids by mean and greedily merges neighbors until the
// digest holds at most Compression*2 centroids, bounding memory the way the
// real t-digest bounds it by a size-limiting function.
func (t *TDigest) compress() {
	sort.Slice(t.Centroids, func(i, j int) bool { return t.Centroids[i].Mean < t.Centroids[j].Mean })
	target := t.Compression * 2
	if len(t.Centroids) <= target {
		return
	}
	merged := make([]centroid, 0, target)
	groupSize := (len(t.Centroids) + target - 1) / target
	for i := 0; i < len(t.Centroids); i += groupSize {
		end := i + groupSize
		if end > len(t.Centroids) {
			end = len(t.Centroids)
		}
		var wsum, msum float64
		for _, c := range t.Centroids[i:end] {
			wsum += c.Weight
			msum += c.Mean * c.Weight
		}
		merged = append(merged, centroid{Mean: msum / wsum, Weight: wsum})
	}
	t.Centroids = merged
}

func (t *TDigest) Combine(other State) error {
	o, ok := other.(*TDigest)
	if !ok {
		return fmt.Errorf("sketch: TDigest.Combine type mismatch %T", other)
	}
	t.Centroids = append(t.Centroids, o.Centroids...)
	t.compress()
	return nil
}

func (t *TDigest) Serialize() ([]byte, error) { return json.Marshal(t) }
func (t *TDigest) Deserialize(b []byte) error { return json.Unmarshal(b, t) }

// Quantile returns the approximate value at quantile q in [0,1], by linear
// interpolation over the cumulative weight of sorted centroids.
func (t *TDigest) Quantile(q float64) float64 {
	if len(t.Centroids) == 0 {
		return 0
	}
	sorted := make([]centroid, len(t.Centroids))
	copy(sorted, t.Centroids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Mean < sorted[j].Mean })

	var total float64
	for _, c := range sorted {
		total += c.Weight
	}
	target := q * total
	var cum float64
	for _, c := range sorted {
		cum += c.Weight
		if cum >= target {
			return c.Mean
		}
	}
	return sorted[len(sorted)-1].Mean
}

// Finalize returns the median (p50) as the default point estimate; callers
// needing other quantiles use Quantile directly.
func (t *TDigest) Finalize() (any, error) { return t.Quantile(0.5), nil }
