package sketch

import "testing"

func TestBucketAggSerializeRoundTrip(t *testing.T) {
	ba := NewBucketAgg(4)
	_ = ba.Add(BucketPoint{Bucket: 0, Value: 1.5})
	_ = ba.Add(BucketPoint{Bucket: 2, Value: 3.0})

	b, err := ba.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	ba2 := NewBucketAgg(4)
	if err := ba2.Deserialize(b); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	for i := range ba.Sums {
		if ba.Sums[i] != ba2.Sums[i] || ba.Counts[i] != ba2.Counts[i] {
			t.Fatalf("bucket %d mismatch after round trip", i)
		}
	}
}

func TestBucketAggAddRejectsOutOfRange(t *testing.T) {
	ba := NewBucketAgg(4)
	if err := ba.Add(BucketPoint{Bucket: 10, Value: 1}); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestBucketAggCombineSumsBuckets(t *testing.T) {
	a := NewBucketAgg(3)
	b := NewBucketAgg(3)
	_ = a.Add(BucketPoint{Bucket: 0, Value: 10})
	_ = b.Add(BucketPoint{Bucket: 0, Value: 5})
	_ = b.Add(BucketPoint{Bucket: 1, Value: 2})

	if err := a.Combine(b); err != nil {
		t.Fatalf("combine: %v", err)
	}
	if a.Sums[0] != 15 {
		t.Fatalf("expected bucket 0 sum 15, got %v", a.Sums[0])
	}
	if a.Sums[1] != 2 {
		t.Fatalf("expected bucket 1 sum 2, got %v", a.Sums[1])
	}
	total, _ := a.Finalize()
	if total.(float64) != 17 {
		t.Fatalf("expected total 17, got %v", total)
	}
}

func TestBucketAggDropBucketZeroesState(t *testing.T) {
	ba := NewBucketAgg(2)
	_ = ba.Add(BucketPoint{Bucket: 0, Value: 9})
	ba.DropBucket(0)
	if ba.Sums[0] != 0 || ba.Counts[0] != 0 {
		t.Fatalf("expected bucket 0 cleared, got sums=%v counts=%v", ba.Sums, ba.Counts)
	}
}
