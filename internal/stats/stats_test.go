package stats

import "testing"

func TestProcessCreatesAndAccumulates(t *testing.T) {
	r := NewRegistry(nil)
	c := r.Process(ProcessKey{Kind: KindWorker, PID: 100, CQID: 1})
	c.InputRows.Add(5)
	c.Errors.Add(1)

	again := r.Process(ProcessKey{Kind: KindWorker, PID: 100, CQID: 1})
	if again.InputRows.Load() != 5 {
		t.Fatalf("expected same counters object reused, got %d", again.InputRows.Load())
	}
}

func TestScanPurgesDeadPIDs(t *testing.T) {
	alive := map[int]bool{100: true}
	r := NewRegistry(func(pid int) bool { return alive[pid] })

	r.Process(ProcessKey{Kind: KindWorker, PID: 100, CQID: 1}).InputRows.Add(1)
	r.Process(ProcessKey{Kind: KindWorker, PID: 200, CQID: 1}).InputRows.Add(2)

	snaps := r.Scan()
	if len(snaps) != 1 || snaps[0].Key.PID != 100 {
		t.Fatalf("expected only pid 100 to survive scan, got %+v", snaps)
	}

	// A second scan should now see no trace of pid 200 at all.
	snaps2 := r.Scan()
	if len(snaps2) != 1 {
		t.Fatalf("expected 1 surviving entry after purge, got %d", len(snaps2))
	}
}

func TestStreamCountersAccumulate(t *testing.T) {
	r := NewRegistry(nil)
	s := r.Stream(42)
	s.InputRows.Add(10)
	s.InputBatches.Add(1)
	s.InputBytes.Add(1024)

	snaps := r.ScanStreams()
	if len(snaps) != 1 || snaps[0].StreamID != 42 || snaps[0].InputRows != 10 {
		t.Fatalf("unexpected stream snapshot: %+v", snaps)
	}
}
