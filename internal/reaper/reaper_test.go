package reaper

import (
	"context"
	"testing"
	"time"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/semaphore"
	"pkt.systems/batchd/internal/storage/memory"
)

func newTestReaper(t *testing.T) (*Reaper, *semaphore.Manager) {
	t.Helper()
	backend := memory.New()
	t.Cleanup(func() { backend.Close() })
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	sem, err := semaphore.New(backend, nil, clk, semaphore.Config{
		LockName:     "semaphore",
		Limit:        3,
		WaitInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("semaphore.New: %v", err)
	}
	r, err := New(sem, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, sem
}

func TestReapReleasesOrphanedPermit(t *testing.T) {
	t.Parallel()
	r, sem := newTestReaper(t)
	ctx := context.Background()

	if err := sem.Acquire(ctx, "exec-crashed"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	released, err := r.Reap(ctx, "exec-crashed")
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if !released {
		t.Fatal("expected reap to release")
	}
	record, _ := sem.Snapshot(ctx)
	if record.CurrentCount != 0 || len(record.Owners) != 0 {
		t.Fatalf("permit still present after reap: %+v", record)
	}
}

func TestReapUnknownExecutionIsNoop(t *testing.T) {
	t.Parallel()
	r, sem := newTestReaper(t)
	ctx := context.Background()

	if err := sem.Acquire(ctx, "exec-healthy"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	released, err := r.Reap(ctx, "exec-finished-cleanly")
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if released {
		t.Fatal("reap released a permit it should not have touched")
	}
	record, _ := sem.Snapshot(ctx)
	if record.CurrentCount != 1 {
		t.Fatalf("healthy holder disturbed: %+v", record)
	}
}

func TestReapMissingLockRecordIsNoop(t *testing.T) {
	t.Parallel()
	r, _ := newTestReaper(t)
	released, err := r.Reap(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if released {
		t.Fatal("reap released against a missing record")
	}
}

func TestReapOnlyTargetsGivenExecution(t *testing.T) {
	t.Parallel()
	r, sem := newTestReaper(t)
	ctx := context.Background()

	for _, owner := range []string{"exec-a", "exec-b", "exec-c"} {
		if err := sem.Acquire(ctx, owner); err != nil {
			t.Fatalf("acquire %s: %v", owner, err)
		}
	}
	released, err := r.Reap(ctx, "exec-b")
	if err != nil || !released {
		t.Fatalf("Reap exec-b: released=%v err=%v", released, err)
	}
	record, _ := sem.Snapshot(ctx)
	if record.CurrentCount != 2 {
		t.Fatalf("count = %d, want 2", record.CurrentCount)
	}
	for _, owner := range []string{"exec-a", "exec-c"} {
		if _, held := record.Owners[owner]; !held {
			t.Fatalf("%s lost its permit: %+v", owner, record)
		}
	}
}
