package sketch

import (
	"encoding/json"
	"fmt"
)

// Count implements count(*): the worker's partial is the count of rows it
// has seen for a group; combine sums partials.
type Count struct{ N int64 }

func NewCount() *Count { return &Count{} }

func (c *Count) Add(value any) error { c.N++; return nil }

func (c *Count) Combine(other State) error {
	o, ok := other.(*Count)
	if !ok {
		return fmt.Errorf("sketch: Count.Combine type mismatch %T", other)
	}
	c.N += o.N
	return nil
}

func (c *Count) Serialize() ([]byte, error) { return json.Marshal(c) }

func (c *Count) Deserialize(b []byte) error { return json.Unmarshal(b, c) }

func (c *Count) Finalize() (any, error) { return c.N, nil }

// Sum implements sum(x).
type Sum struct{ Total float64 }

func NewSum() *Sum { return &Sum{} }

func (s *Sum) Add(value any) error {
	f, err := toFloat(value)
	if err != nil {
		return err
	}
	s.Total += f
	return nil
}

func (s *Sum) Combine(other State) error {
	o, ok := other.(*Sum)
	if !ok {
		return fmt.Errorf("sketch: Sum.Combine type mismatch %T", other)
	}
	s.Total += o.Total
	return nil
}

func (s *Sum) Serialize() ([]byte, error)  { return json.Marshal(s) }
func (s *Sum) Deserialize(b []byte) error  { return json.Unmarshal(b, s) }
func (s *Sum) Finalize() (any, error)      { return s.Total, nil }

// Avg implements avg(x) as a (sum, count) pair, combined elementwise and
// finalized by division — the textbook example of an aggregate whose
// transition state is not its finalized type.
type Avg struct {
	Total float64
	Count int64
}

func NewAvg() *Avg { return &Avg{} }

func (a *Avg) Add(value any) error {
	f, err := toFloat(value)
	if err != nil {
		return err
	}
	a.Total += f
	a.Count++
	return nil
}

func (a *Avg) Combine(other State) error {
	o, ok := other.(*Avg)
	if !ok {
		return fmt.Errorf("sketch: Avg.Combine type mismatch %T", other)
	}
	a.Total += o.Total
	a.Count += o.Count
	return nil
}

func (a *Avg) Serialize() ([]byte, error) { return json.Marshal(a) }
func (a *Avg) Deserialize(b []byte) error { return json.Unmarshal(b, a) }

func (a *Avg) Finalize() (any, error) {
	if a.Count == 0 {
		return nil, nil
	}
	return a.Total / float64(a.Count), nil
}

// MinMax implements min(x)/max(x) depending on the isMin flag.
type MinMax struct {
	IsMin bool
	Value float64
	Set   bool
}

func NewMinMax(isMin bool) *MinMax { return &MinMax{IsMin: isMin} }

func (m *MinMax) Add(value any) error {
	f, err := toFloat(value)
	if err != nil {
		return err
	}
	if !m.Set {
		m.Value, m.Set = f, true
		return nil
	}
	if m.IsMin && f < m.Value {
		m.Value = f
	}
	if !m.IsMin && f > m.Value {
		m.Value = f
	}
	return nil
}

func (m *MinMax) Combine(other State) error {
	o, ok := other.(*MinMax)
	if !ok {
		return fmt.Errorf("sketch: MinMax.Combine type mismatch %T", other)
	}
	if !o.Set {
		return nil
	}
	return m.Add(o.Value)
}

func (m *MinMax) Serialize() ([]byte, error) { return json.Marshal(m) }
func (m *MinMax) Deserialize(b []byte) error { return json.Unmarshal(b, m) }

func (m *MinMax) Finalize() (any, error) {
	if !m.Set {
		return nil, nil
	}
	return m.Value, nil
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("sketch: cannot coerce %T to numeric", v)
	}
}

// RowsBytes is the generic "rows-as-bytes" variant of spec.md §9, used for
// any user-defined aggregate not covered by a specialized sketch: it simply
// accumulates the raw row payloads it has seen, mirroring the host
// database's opaque bytea transition state.
type RowsBytes struct {
	Rows []json.RawMessage
}

func NewRowsBytes() *RowsBytes { return &RowsBytes{} }

func (r *RowsBytes) Add(value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	r.Rows = append(r.Rows, b)
	return nil
}

func (r *RowsBytes) Combine(other State) error {
	o, ok := other.(*RowsBytes)
	if !ok {
		return fmt.Errorf("sketch: RowsBytes.Combine type mismatch %T", other)
	}
	r.Rows = append(r.Rows, o.Rows...)
	return nil
}

func (r *RowsBytes) Serialize() ([]byte, error) { return json.Marshal(r) }
func (r *RowsBytes) Deserialize(b []byte) error { return json.Unmarshal(b, r) }
func (r *RowsBytes) Finalize() (any, error)     { return r.Rows, nil }
