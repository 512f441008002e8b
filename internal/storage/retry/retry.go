// Package retry decorates a storage.Backend with bounded exponential backoff
// for transient faults. Condition failures (CAS mismatch, not found) are the
// protocol's normal vocabulary and pass through on the first attempt.
package retry

import (
	"context"
	"time"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"

	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) LoadRecord(ctx context.Context, table, key string) (storage.RecordResult, error) {
	var result storage.RecordResult
	err := b.withRetry(ctx, "load_record", table, key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.LoadRecord(ctx, table, key)
		return err
	})
	return result, err
}

func (b *backend) StoreRecord(ctx context.Context, table, key string, data []byte, expectedETag string) (string, error) {
	var newETag string
	err := b.withRetry(ctx, "store_record", table, key, func(ctx context.Context) error {
		var err error
		newETag, err = b.inner.StoreRecord(ctx, table, key, data, expectedETag)
		return err
	})
	return newETag, err
}

func (b *backend) DeleteRecord(ctx context.Context, table, key string, expectedETag string) error {
	return b.withRetry(ctx, "delete_record", table, key, func(ctx context.Context) error {
		return b.inner.DeleteRecord(ctx, table, key, expectedETag)
	})
}

func (b *backend) ListKeys(ctx context.Context, table, prefix string) ([]string, error) {
	var keys []string
	err := b.withRetry(ctx, "list_keys", table, prefix, func(ctx context.Context) error {
		var err error
		keys, err = b.inner.ListKeys(ctx, table, prefix)
		return err
	})
	return keys, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, table, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"table", table,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
