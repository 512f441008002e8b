package drain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pkt.systems/batchd/internal/blocks"
	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/pages"
	"pkt.systems/batchd/internal/semaphore"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/storage/memory"
)

type fixture struct {
	backend storage.Backend
	clock   *clock.Manual
	sem     *semaphore.Manager
	units   *blocks.Store
	pages   *pages.Tracker
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()
	backend := memory.New()
	t.Cleanup(func() { backend.Close() })
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	sem, err := semaphore.New(backend, nil, clk, semaphore.Config{
		LockName:     "semaphore",
		Limit:        limit,
		WaitInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("semaphore.New: %v", err)
	}
	return &fixture{
		backend: backend,
		clock:   clk,
		sem:     sem,
		units:   blocks.NewStore(backend),
		pages:   pages.NewTracker(backend),
	}
}

func (f *fixture) runner(t *testing.T, proc Processor, cfg Config) *Runner {
	t.Helper()
	r, err := NewRunner(f.sem, f.units, f.pages, proc, nil, f.clock, nil, cfg)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func (f *fixture) seed(t *testing.T, batchID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := f.units.Put(context.Background(), blocks.WorkUnit{
			BatchID:   batchID,
			Index:     i,
			Fragments: []blocks.Fragment{{Seq: 0, Body: fmt.Sprintf("fragment-%d", i)}},
		})
		if err != nil {
			t.Fatalf("seed unit %d: %v", i, err)
		}
	}
}

func TestRunProcessesEveryUnitOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	const n = 7
	f.seed(t, "page-1", n)

	var seen []int
	proc := ProcessorFunc(func(_ context.Context, unit *blocks.WorkUnit) (*Outcome, error) {
		seen = append(seen, unit.Index)
		return &Outcome{Result: "Success", ResultTime: 1000 + int64(unit.Index)}, nil
	})

	summary, err := f.runner(t, proc, Config{}).Run(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != StatusDrained || summary.Processed != n {
		t.Fatalf("summary = %+v, want %d drained", summary, n)
	}
	for i, idx := range seen {
		if idx != i {
			t.Fatalf("invocation order %v, want ascending", seen)
		}
	}

	remaining, _ := f.units.Remaining(context.Background(), "page-1")
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
	status, err := f.pages.Get(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("Get status: %v", err)
	}
	if status.Status != "Success" || status.StatusTime != 1000+int64(n-1) {
		t.Fatalf("final status = %+v", status)
	}

	record, _ := f.sem.Snapshot(context.Background())
	if record.CurrentCount != 0 {
		t.Fatalf("permit not released: %+v", record)
	}
}

func TestRunAbortsOnProcessingFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.seed(t, "page-1", 5)
	ctx := context.Background()

	invocations := 0
	proc := ProcessorFunc(func(_ context.Context, unit *blocks.WorkUnit) (*Outcome, error) {
		invocations++
		if unit.Index == 2 {
			return nil, errors.New("page service rejected the fragment")
		}
		return &Outcome{Result: "Success", ResultTime: int64(unit.Index)}, nil
	})

	summary, err := f.runner(t, proc, Config{}).Run(ctx, "page-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != StatusAborted {
		t.Fatalf("status = %s, want ABORTED", summary.Status)
	}
	if invocations != 3 {
		t.Fatalf("invocations = %d, want 3 (stop at failing unit)", invocations)
	}

	status, err := f.pages.Get(ctx, "page-1")
	if err != nil {
		t.Fatalf("Get status: %v", err)
	}
	if status.Status != pages.StatusAborted {
		t.Fatalf("status = %+v, want ABORTED", status)
	}
	if status.StatusTime != f.clock.Now().Unix() {
		t.Fatalf("abort time = %d, want clock time %d", status.StatusTime, f.clock.Now().Unix())
	}

	// Units 3 and 4 stay untouched; the failing unit 2 is not consumed.
	remaining, _ := f.units.Remaining(ctx, "page-1")
	if remaining != 3 {
		t.Fatalf("remaining = %d, want 3", remaining)
	}

	record, _ := f.sem.Snapshot(ctx)
	if record.CurrentCount != 0 {
		t.Fatalf("permit not released after abort: %+v", record)
	}
}

func TestRunEmptyBatchLeavesStatusUntouched(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	proc := ProcessorFunc(func(context.Context, *blocks.WorkUnit) (*Outcome, error) {
		t.Error("processor invoked for empty batch")
		return nil, nil
	})
	summary, err := f.runner(t, proc, Config{}).Run(ctx, "page-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != StatusDrained || summary.Processed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, err := f.pages.Get(ctx, "page-1"); !errors.Is(err, pages.ErrStatusMissing) {
		t.Fatalf("expected no status, got %v", err)
	}
}

func TestRunNilOutcomeSkipsStatusWrite(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.seed(t, "page-1", 2)
	ctx := context.Background()

	proc := ProcessorFunc(func(context.Context, *blocks.WorkUnit) (*Outcome, error) {
		return nil, nil
	})
	summary, err := f.runner(t, proc, Config{}).Run(ctx, "page-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != StatusDrained || summary.Processed != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, err := f.pages.Get(ctx, "page-1"); !errors.Is(err, pages.ErrStatusMissing) {
		t.Fatalf("expected no status writes, got %v", err)
	}
}

func TestRunBoundedSlicesKeepPermitUntilDrained(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.seed(t, "page-1", 5)
	ctx := context.Background()

	proc := ProcessorFunc(func(_ context.Context, unit *blocks.WorkUnit) (*Outcome, error) {
		return &Outcome{Result: "Success", ResultTime: int64(unit.Index)}, nil
	})
	runner := f.runner(t, proc, Config{MaxUnitsPerRun: 2})

	executionID := NewExecutionID()
	summary, err := runner.RunAs(ctx, "page-1", executionID)
	if err != nil {
		t.Fatalf("first slice: %v", err)
	}
	if summary.Status != StatusExhausted || summary.Processed != 2 {
		t.Fatalf("first slice summary = %+v", summary)
	}

	// Permit stays held between slices.
	held, err := f.sem.IsHeldBy(ctx, executionID)
	if err != nil || !held {
		t.Fatalf("permit between slices: held=%v err=%v", held, err)
	}

	// Resume re-enters the held permit without blocking.
	summary, err = runner.RunAs(ctx, "page-1", executionID)
	if err != nil {
		t.Fatalf("second slice: %v", err)
	}
	if summary.Status != StatusExhausted || summary.Processed != 2 {
		t.Fatalf("second slice summary = %+v", summary)
	}

	summary, err = runner.RunAs(ctx, "page-1", executionID)
	if err != nil {
		t.Fatalf("final slice: %v", err)
	}
	if summary.Status != StatusDrained || summary.Processed != 1 {
		t.Fatalf("final slice summary = %+v", summary)
	}

	record, _ := f.sem.Snapshot(ctx)
	if record.CurrentCount != 0 {
		t.Fatalf("permit not released after drain: %+v", record)
	}
}

func TestRunAggregatesAcrossSlices(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.seed(t, "page-1", 5)

	proc := ProcessorFunc(func(_ context.Context, unit *blocks.WorkUnit) (*Outcome, error) {
		return &Outcome{Result: "Success", ResultTime: int64(unit.Index)}, nil
	})
	summary, err := f.runner(t, proc, Config{MaxUnitsPerRun: 2}).Run(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != StatusDrained || summary.Processed != 5 {
		t.Fatalf("summary = %+v, want 5 drained", summary)
	}
}

func TestRunToleratesReleaseRace(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.seed(t, "page-1", 1)
	ctx := context.Background()

	var executionID string
	proc := ProcessorFunc(func(_ context.Context, unit *blocks.WorkUnit) (*Outcome, error) {
		// A reaper reclaiming the permit mid-drain must not fail the run.
		if err := f.sem.Release(ctx, executionID); err != nil {
			return nil, err
		}
		return &Outcome{Result: "Success", ResultTime: 1}, nil
	})
	runner := f.runner(t, proc, Config{})

	executionID = NewExecutionID()
	summary, err := runner.RunAs(ctx, "page-1", executionID)
	if err != nil {
		t.Fatalf("RunAs: %v", err)
	}
	if summary.Status != StatusDrained {
		t.Fatalf("summary = %+v", summary)
	}
}
