// Package drain orchestrates one batch's import: hold a semaphore permit,
// consume work units in order, hand each to the external processor, and
// record the page outcome. The permit spans the whole drain, not one unit,
// so a run interrupted partway can resume under the same execution id.
package drain

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/batchd/internal/blocks"
	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/correlation"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/metrics"
	"pkt.systems/batchd/internal/pages"
	"pkt.systems/batchd/internal/semaphore"

	"github.com/rs/xid"
	"pkt.systems/pslog"
)

// Outcome is the processor's report for one work unit.
type Outcome struct {
	Result     string
	ResultTime int64
}

// Processor is the external collaborator that imports one work unit into
// the page service. A nil Outcome with a nil error means the processor had
// nothing to report for this unit.
type Processor interface {
	Process(ctx context.Context, unit *blocks.WorkUnit) (*Outcome, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, unit *blocks.WorkUnit) (*Outcome, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, unit *blocks.WorkUnit) (*Outcome, error) {
	return f(ctx, unit)
}

// Terminal statuses for a drain run.
const (
	StatusDrained   = "DRAINED"
	StatusAborted   = "ABORTED"
	StatusExhausted = "EXHAUSTED"
)

// Summary describes how a drain run ended.
type Summary struct {
	ExecutionID string
	BatchID     string
	Processed   int
	Status      string
}

// Config parameterizes a Runner.
type Config struct {
	// MaxUnitsPerRun bounds how many units one Run consumes before exiting
	// with StatusExhausted, leaving the permit released and the remainder
	// for a resumed run. Zero means unbounded.
	MaxUnitsPerRun int
}

// Runner executes drain runs against one semaphore.
type Runner struct {
	sem     *semaphore.Manager
	units   *blocks.Store
	pages   *pages.Tracker
	proc    Processor
	clock   clock.Clock
	logger  pslog.Logger
	metrics *metrics.Set
	cfg     Config
}

// NewRunner wires a Runner. metrics may be nil.
func NewRunner(sem *semaphore.Manager, units *blocks.Store, tracker *pages.Tracker, proc Processor, logger pslog.Logger, clk clock.Clock, m *metrics.Set, cfg Config) (*Runner, error) {
	if sem == nil {
		return nil, errors.New("drain: semaphore manager is required")
	}
	if units == nil {
		return nil, errors.New("drain: work-unit store is required")
	}
	if tracker == nil {
		return nil, errors.New("drain: page tracker is required")
	}
	if proc == nil {
		return nil, errors.New("drain: processor is required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Runner{
		sem:     sem,
		units:   units,
		pages:   tracker,
		proc:    proc,
		clock:   clk,
		logger:  loggingutil.EnsureLogger(logger),
		metrics: m,
		cfg:     cfg,
	}, nil
}

// NewExecutionID returns a fresh globally unique execution id.
func NewExecutionID() string {
	return xid.New().String()
}

// Run drains batchID to completion under a freshly generated execution id,
// repeating bounded slices until the batch is empty or aborts.
func (r *Runner) Run(ctx context.Context, batchID string) (Summary, error) {
	executionID := NewExecutionID()
	total := 0
	for {
		summary, err := r.RunAs(ctx, batchID, executionID)
		total += summary.Processed
		summary.Processed = total
		if err != nil || summary.Status != StatusExhausted {
			return summary, err
		}
	}
}

// RunAs drains batchID as executionID. Passing the execution id of an
// earlier interrupted run resumes it: acquisition is re-entrant, so the
// still-held permit is reused instead of deadlocking on ourselves.
func (r *Runner) RunAs(ctx context.Context, batchID, executionID string) (Summary, error) {
	if batchID == "" {
		return Summary{}, errors.New("drain: batch id is required")
	}
	if executionID == "" {
		return Summary{}, errors.New("drain: execution id is required")
	}
	summary := Summary{ExecutionID: executionID, BatchID: batchID}
	if !correlation.Has(ctx) {
		ctx = correlation.Set(ctx, correlation.Generate())
	}
	logger := r.logger.With("batch", batchID, "execution", executionID, "correlation", correlation.ID(ctx))

	logger.Info("drain.begin", "lock", r.sem.LockName())
	if err := r.sem.Acquire(ctx, executionID); err != nil {
		return summary, fmt.Errorf("drain: acquire permit: %w", err)
	}
	r.metrics.SemaphoreAcquired()

	status, processed, runErr := r.consume(ctx, logger, batchID)
	summary.Processed = processed
	summary.Status = status

	// An exhausted run keeps its permit: the batch is not finished and the
	// same execution id re-enters on the next slice. Every other exit path
	// releases; abrupt termination is the reaper's problem.
	if status != StatusExhausted {
		if err := r.release(ctx, logger, executionID); err != nil && runErr == nil {
			runErr = err
		}
	}
	r.metrics.DrainFinished(status)
	logger.Info("drain.finished", "status", status, "processed", processed)
	return summary, runErr
}

// consume runs the fetch/process/delete loop. It never returns without the
// caller proceeding to release.
func (r *Runner) consume(ctx context.Context, logger pslog.Logger, batchID string) (string, int, error) {
	processed := 0
	for {
		if r.cfg.MaxUnitsPerRun > 0 && processed >= r.cfg.MaxUnitsPerRun {
			logger.Info("drain.exhausted", "processed", processed, "max_units", r.cfg.MaxUnitsPerRun)
			return StatusExhausted, processed, nil
		}
		if err := ctx.Err(); err != nil {
			return StatusAborted, processed, err
		}
		unit, err := r.units.NextUnit(ctx, batchID)
		if errors.Is(err, blocks.ErrNoUnits) {
			return StatusDrained, processed, nil
		}
		if err != nil {
			return StatusAborted, processed, err
		}

		outcome, procErr := r.proc.Process(ctx, &unit)
		if procErr != nil {
			logger.Warn("drain.unit.failed", "unit", unit.Index, "error", procErr)
			r.metrics.BlockProcessed("failure")
			if recErr := r.pages.Record(ctx, pages.PageStatus{
				BatchID:    batchID,
				Status:     pages.StatusAborted,
				StatusTime: r.clock.Now().Unix(),
			}); recErr != nil {
				logger.Error("drain.status.record_failed", "error", recErr)
			}
			return StatusAborted, processed, nil
		}
		processed++
		r.metrics.BlockProcessed("success")
		if outcome != nil {
			if err := r.pages.Record(ctx, pages.PageStatus{
				BatchID:    batchID,
				Status:     outcome.Result,
				StatusTime: outcome.ResultTime,
			}); err != nil {
				return StatusAborted, processed, err
			}
		}
		if err := r.units.Delete(ctx, batchID, unit.Index); err != nil {
			return StatusAborted, processed, err
		}
		logger.Debug("drain.unit.done", "unit", unit.Index, "processed", processed)
	}
}

func (r *Runner) release(ctx context.Context, logger pslog.Logger, executionID string) error {
	err := r.sem.Release(ctx, executionID)
	if errors.Is(err, semaphore.ErrOwnerNotPresent) {
		// Already reclaimed, most likely by the reaper racing us.
		return nil
	}
	if err != nil {
		logger.Error("drain.release_failed", "error", err)
		return fmt.Errorf("drain: release permit: %w", err)
	}
	r.metrics.SemaphoreReleased()
	return nil
}
