// Package batchd assembles the batch importer: a distributed counting
// semaphore over a conditional record store, a work-unit drain loop, a
// page-status tracker and an orphan reaper, fed in daemon mode by a spool
// directory.
package batchd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pkt.systems/batchd/internal/blocks"
	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/drain"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/metrics"
	"pkt.systems/batchd/internal/pages"
	"pkt.systems/batchd/internal/pagewriter"
	"pkt.systems/batchd/internal/reaper"
	"pkt.systems/batchd/internal/semaphore"
	"pkt.systems/batchd/internal/spool"
	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/storage/retry"

	"pkt.systems/pslog"
)

// Option customizes Service construction.
type Option func(*options)

type options struct {
	logger    pslog.Logger
	clock     clock.Clock
	processor drain.Processor
	metrics   *metrics.Set
	backend   storage.Backend
}

// WithLogger sets the service logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithProcessor injects the external processor that imports one work unit.
func WithProcessor(proc drain.Processor) Option {
	return func(o *options) { o.processor = proc }
}

// WithMetrics attaches a metrics set.
func WithMetrics(m *metrics.Set) Option {
	return func(o *options) { o.metrics = m }
}

// WithBackend bypasses the store URL and uses the given backend directly.
// The retry decorator is still applied on top.
func WithBackend(backend storage.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// Service owns one lock name's importer stack.
type Service struct {
	cfg     Config
	logger  pslog.Logger
	backend storage.Backend
	sem     *semaphore.Manager
	units   *blocks.Store
	pages   *pages.Tracker
	runner  *drain.Runner
	reaper  *reaper.Reaper
	metrics *metrics.Set

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg, opens the backend and wires all components.
func New(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := loggingutil.EnsureLogger(o.logger)
	clk := o.clock
	if clk == nil {
		clk = clock.Real{}
	}
	proc := o.processor
	if proc == nil && cfg.OutputDir != "" {
		var err error
		proc, err = pagewriter.New(cfg.OutputDir, logger, clk)
		if err != nil {
			return nil, err
		}
	}
	if proc == nil {
		proc = noopProcessor(logger, clk)
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = openBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	backend = retry.Wrap(backend, logger, clk, retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Multiplier:  cfg.RetryMultiplier,
	})

	sem, err := semaphore.New(backend, logger, clk, semaphore.Config{
		LockName:       cfg.LockName,
		Limit:          cfg.Limit,
		WaitInterval:   cfg.WaitInterval,
		AcquireTimeout: cfg.AcquireTimeout,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	units := blocks.NewStore(backend)
	tracker := pages.NewTracker(backend)
	runner, err := drain.NewRunner(sem, units, tracker, proc, logger, clk, o.metrics, drain.Config{
		MaxUnitsPerRun: cfg.MaxUnitsPerRun,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	rpr, err := reaper.New(sem, logger, o.metrics)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		sem:     sem,
		units:   units,
		pages:   tracker,
		runner:  runner,
		reaper:  rpr,
		metrics: o.metrics,
	}, nil
}

// noopProcessor stands in when no external processor is wired: it accepts
// every unit and reports a Success outcome, which keeps the coordination
// protocol fully exercisable without the page service.
func noopProcessor(logger pslog.Logger, clk clock.Clock) drain.Processor {
	return drain.ProcessorFunc(func(_ context.Context, unit *blocks.WorkUnit) (*drain.Outcome, error) {
		logger.Info("processor.noop", "batch", unit.BatchID, "unit", unit.Index, "fragments", len(unit.Fragments))
		return &drain.Outcome{Result: "Success", ResultTime: clk.Now().Unix()}, nil
	})
}

// Drain runs one batch to completion and returns its summary.
func (s *Service) Drain(ctx context.Context, batchID string) (drain.Summary, error) {
	return s.runner.Run(ctx, batchID)
}

// DrainAs resumes or starts a drain under a caller-supplied execution id.
func (s *Service) DrainAs(ctx context.Context, batchID, executionID string) (drain.Summary, error) {
	return s.runner.RunAs(ctx, batchID, executionID)
}

// Reap releases the permit held by a finished execution, if any.
func (s *Service) Reap(ctx context.Context, executionID string) (bool, error) {
	return s.reaper.Reap(ctx, executionID)
}

// Enqueue stores work units for later draining.
func (s *Service) Enqueue(ctx context.Context, units []blocks.WorkUnit) error {
	return s.units.PutAll(ctx, units)
}

// PageStatus returns the recorded outcome for batchID.
func (s *Service) PageStatus(ctx context.Context, batchID string) (pages.PageStatus, error) {
	return s.pages.Get(ctx, batchID)
}

// RemainingUnits reports how many work units batchID still has.
func (s *Service) RemainingUnits(ctx context.Context, batchID string) (int, error) {
	return s.units.Remaining(ctx, batchID)
}

// LockSnapshot returns the semaphore's current record.
func (s *Service) LockSnapshot(ctx context.Context) (semaphore.LockRecord, error) {
	return s.sem.Snapshot(ctx)
}

// Serve runs the daemon: the spool watcher feeding drains and reaps, plus
// the optional metrics listener. It blocks until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	if s.cfg.SpoolDir == "" {
		return errors.New("batchd: spool directory is required for serve")
	}
	handler := &spoolHandler{service: s}
	watcher, err := spool.New(spool.Config{
		Dir:           s.cfg.SpoolDir,
		PollInterval:  s.cfg.SpoolPollInterval,
		DisableNotify: s.cfg.SpoolDisableNotify,
	}, handler, s.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	if s.cfg.MetricsListen != "" && s.metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.metrics.Serve(ctx, s.cfg.MetricsListen); err != nil {
				errCh <- fmt.Errorf("batchd: metrics listener: %w", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := watcher.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	s.logger.Info("batchd.serving",
		"spool", s.cfg.SpoolDir,
		"lock", s.cfg.LockName,
		"limit", s.cfg.Limit,
		"store", s.cfg.Store,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}
	wg.Wait()
	handler.wait()
	return runErr
}

// Close releases the backend.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.backend.Close()
	})
	return s.closeErr
}

// spoolHandler connects spool events to drains and reaps. Each trigger runs
// in its own goroutine so one contended drain does not starve the feed; when
// a drain goroutine finishes, its own completion is reaped to mirror the
// completion notifications external terminations deliver through the spool.
type spoolHandler struct {
	service *Service
	wg      sync.WaitGroup
}

func (h *spoolHandler) HandleTrigger(ctx context.Context, batchID string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		executionID := drain.NewExecutionID()
		summary, err := h.service.DrainAs(ctx, batchID, executionID)
		for err == nil && summary.Status == drain.StatusExhausted {
			summary, err = h.service.DrainAs(ctx, batchID, executionID)
		}
		if err != nil {
			h.service.logger.Error("batchd.drain_failed", "batch", batchID, "error", err)
		}
		// Self-notification: every finished execution gets reaped, exactly
		// like completions arriving through the spool.
		if _, reapErr := h.service.Reap(context.WithoutCancel(ctx), executionID); reapErr != nil {
			h.service.logger.Error("batchd.reap_failed", "execution", executionID, "error", reapErr)
		}
	}()
}

func (h *spoolHandler) HandleCompletion(ctx context.Context, executionID string) {
	if _, err := h.service.Reap(ctx, executionID); err != nil {
		h.service.logger.Error("batchd.reap_failed", "execution", executionID, "error", err)
	}
}

func (h *spoolHandler) wait() {
	h.wg.Wait()
}
