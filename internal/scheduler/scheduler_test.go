package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestScheduler() *Scheduler {
	s := New(zerolog.Nop())
	s.tickPeriod = 5 * time.Millisecond
	s.dropWait = 200 * time.Millisecond
	return s
}

func TestCapacityCheck(t *testing.T) {
	if !Capacity(2, 3, 1, 1, 1, 14) {
		t.Fatalf("expected 2*(3+1+1+1)+2=14 to fit in 14 slots")
	}
	if Capacity(2, 3, 1, 1, 1, 13) {
		t.Fatalf("expected 2*(3+1+1+1)+2=14 to NOT fit in 13 slots")
	}
}

func TestSpawnBumpsGenerationOnce(t *testing.T) {
	s := newTestScheduler()
	gen := s.Generation(1)
	before := gen.Load()

	s.Spawn(1, RoleWorker, 0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if gen.Load() != before+1 {
		t.Fatalf("expected generation bumped by 1 on spawn, got %d -> %d", before, gen.Load())
	}
	s.DropDatabase(1)
}

func TestDeadProcessIsRespawned(t *testing.T) {
	s := newTestScheduler()
	var starts atomic.Int32

	s.Spawn(1, RoleWorker, 0, func(ctx context.Context) error {
		starts.Add(1)
		return nil // exits immediately every time
	})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	deadline := time.After(2 * time.Second)
	for starts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 respawns, got %d", starts.Load())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestTerminatedProcessIsNotRespawned(t *testing.T) {
	s := newTestScheduler()
	var starts atomic.Int32

	s.Spawn(1, RoleQueue, 0, func(ctx context.Context) error {
		starts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	s.Terminate(1, RoleQueue, 0)
	time.Sleep(20 * time.Millisecond)
	s.Rescan()
	time.Sleep(20 * time.Millisecond)

	if got := starts.Load(); got != 1 {
		t.Fatalf("expected exactly 1 start for a terminated process, got %d", got)
	}
	if statuses := s.Statuses(); len(statuses) != 0 {
		t.Fatalf("expected terminated entry removed from process table, got %+v", statuses)
	}
}

func TestDropDatabaseCancelsAndWaits(t *testing.T) {
	s := newTestScheduler()
	exited := make(chan struct{})

	s.Spawn(1, RoleCombiner, 0, func(ctx context.Context) error {
		<-ctx.Done()
		close(exited)
		return ctx.Err()
	})

	s.DropDatabase(1)

	select {
	case <-exited:
	default:
		t.Fatalf("expected process to have exited by the time DropDatabase returns")
	}
	if statuses := s.Statuses(); len(statuses) != 0 {
		t.Fatalf("expected empty process table after drop, got %+v", statuses)
	}
}
