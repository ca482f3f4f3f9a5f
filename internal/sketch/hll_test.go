package sketch

import (
	"math"
	"testing"
)

func TestHLLSerializeRoundTrip(t *testing.T) {
	h := NewHLL(10)
	for i := 0; i < 500; i++ {
		_ = h.Add(i)
	}
	b, err := h.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	h2 := NewHLL(10)
	if err := h2.Deserialize(b); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	for i := range h.Registers {
		if h.Registers[i] != h2.Registers[i] {
			t.Fatalf("register %d mismatch: %d != %d", i, h.Registers[i], h2.Registers[i])
		}
	}
}

func TestHLLCombineMatchesMerge(t *testing.T) {
	a := NewHLL(10)
	b := NewHLL(10)
	for i := 0; i < 300; i++ {
		_ = a.Add(i)
	}
	for i := 200; i < 500; i++ {
		_ = b.Add(i)
	}

	merged := NewHLL(10)
	for i := 0; i < 500; i++ {
		_ = merged.Add(i)
	}

	if err := a.Combine(b); err != nil {
		t.Fatalf("combine: %v", err)
	}

	est, _ := a.Finalize()
	mergedEst, _ := merged.Finalize()
	ratio := est.(float64) / mergedEst.(float64)
	if math.Abs(ratio-1) > 0.25 {
		t.Fatalf("combined estimate %v too far from direct merge %v", est, mergedEst)
	}
}

func TestHLLFinalizeApproximatesCardinality(t *testing.T) {
	h := NewHLL(12)
	const n = 5000
	for i := 0; i < n; i++ {
		_ = h.Add(i)
	}
	est, err := h.Finalize()
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	ratio := est.(float64) / float64(n)
	if ratio < 0.9 || ratio > 1.1 {
		t.Fatalf("estimate %v too far from %d", est, n)
	}
}
