// Package reaper reclaims semaphore permits left behind by executions that
// terminated without releasing. It runs off completion notifications: one
// check per finished execution id, releasing only when that id still holds
// a permit.
package reaper

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/batchd/internal/correlation"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/metrics"
	"pkt.systems/batchd/internal/semaphore"

	"pkt.systems/pslog"
)

// Reaper checks finished executions against one semaphore.
type Reaper struct {
	sem     *semaphore.Manager
	logger  pslog.Logger
	metrics *metrics.Set
}

// New wires a Reaper. metrics may be nil.
func New(sem *semaphore.Manager, logger pslog.Logger, m *metrics.Set) (*Reaper, error) {
	if sem == nil {
		return nil, errors.New("reaper: semaphore manager is required")
	}
	return &Reaper{
		sem:     sem,
		logger:  loggingutil.EnsureLogger(logger),
		metrics: m,
	}, nil
}

// Reap releases executionID's permit if it is still held. It reports whether
// a release happened. A permit released concurrently between the check and
// the release is a benign race, not an error. An orphaned permit is an
// expected state here, so nothing is alarmed beyond an info line.
func (r *Reaper) Reap(ctx context.Context, executionID string) (bool, error) {
	if executionID == "" {
		return false, errors.New("reaper: execution id is required")
	}
	if !correlation.Has(ctx) {
		ctx = correlation.Set(ctx, correlation.Generate())
	}
	held, err := r.sem.IsHeldBy(ctx, executionID)
	if err != nil {
		return false, fmt.Errorf("reaper: check ownership: %w", err)
	}
	if !held {
		r.logger.Debug("reaper.clean", "lock", r.sem.LockName(), "execution", executionID)
		return false, nil
	}
	err = r.sem.Release(ctx, executionID)
	if errors.Is(err, semaphore.ErrOwnerNotPresent) {
		r.logger.Debug("reaper.already_released", "lock", r.sem.LockName(), "execution", executionID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reaper: release orphaned permit: %w", err)
	}
	r.metrics.SemaphoreReaped()
	r.logger.Info("reaper.reclaimed",
		"lock", r.sem.LockName(),
		"execution", executionID,
		"correlation", correlation.ID(ctx),
	)
	return true, nil
}
