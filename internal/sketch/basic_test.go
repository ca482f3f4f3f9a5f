package sketch

import "testing"

func TestCountCombineSums(t *testing.T) {
	a, b := NewCount(), NewCount()
	for i := 0; i < 4; i++ {
		_ = a.Add(nil)
	}
	for i := 0; i < 7; i++ {
		_ = b.Add(nil)
	}
	if err := a.Combine(b); err != nil {
		t.Fatalf("combine: %v", err)
	}
	n, _ := a.Finalize()
	if n.(int64) != 11 {
		t.Fatalf("expected 11, got %v", n)
	}
}

func TestSumSerializeRoundTrip(t *testing.T) {
	s := NewSum()
	_ = s.Add(1.5)
	_ = s.Add(2.5)
	b, err := s.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	s2 := NewSum()
	if err := s2.Deserialize(b); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	v, _ := s2.Finalize()
	if v.(float64) != 4.0 {
		t.Fatalf("expected 4.0, got %v", v)
	}
}

func TestAvgFinalizeDividesByCount(t *testing.T) {
	a := NewAvg()
	_ = a.Add(10.0)
	_ = a.Add(20.0)
	_ = a.Add(30.0)
	v, err := a.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if v.(float64) != 20.0 {
		t.Fatalf("expected avg 20.0, got %v", v)
	}
}

func TestAvgFinalizeNilOnEmpty(t *testing.T) {
	a := NewAvg()
	v, err := a.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil for empty avg, got %v", v)
	}
}

func TestAvgCombineMergesSumAndCount(t *testing.T) {
	a, b := NewAvg(), NewAvg()
	_ = a.Add(10.0)
	_ = a.Add(20.0)
	_ = b.Add(30.0)
	_ = b.Add(40.0)
	if err := a.Combine(b); err != nil {
		t.Fatalf("combine: %v", err)
	}
	v, _ := a.Finalize()
	if v.(float64) != 25.0 {
		t.Fatalf("expected combined avg 25.0, got %v", v)
	}
}

func TestMinMaxTracksExtremum(t *testing.T) {
	min := NewMinMax(true)
	for _, v := range []float64{5, 1, 9, -3} {
		_ = min.Add(v)
	}
	got, _ := min.Finalize()
	if got.(float64) != -3 {
		t.Fatalf("expected min -3, got %v", got)
	}

	max := NewMinMax(false)
	for _, v := range []float64{5, 1, 9, -3} {
		_ = max.Add(v)
	}
	got, _ = max.Finalize()
	if got.(float64) != 9 {
		t.Fatalf("expected max 9, got %v", got)
	}
}

func TestMinMaxCombineIgnoresUnsetOther(t *testing.T) {
	a := NewMinMax(true)
	_ = a.Add(5.0)
	b := NewMinMax(true)
	if err := a.Combine(b); err != nil {
		t.Fatalf("combine: %v", err)
	}
	v, _ := a.Finalize()
	if v.(float64) != 5.0 {
		t.Fatalf("expected 5.0 unchanged, got %v", v)
	}
}

func TestRowsBytesCombineConcatenates(t *testing.T) {
	a, b := NewRowsBytes(), NewRowsBytes()
	_ = a.Add(map[string]any{"id": 1})
	_ = b.Add(map[string]any{"id": 2})
	if err := a.Combine(b); err != nil {
		t.Fatalf("combine: %v", err)
	}
	if len(a.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(a.Rows))
	}
}
