package batchd

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultStore points at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultLockName is the semaphore partition used when none is configured.
	DefaultLockName = "semaphore"
	// DefaultLimit is the concurrent-drain ceiling per lock name.
	DefaultLimit = int64(1)
	// DefaultWaitInterval is the fixed delay between contended acquire attempts.
	DefaultWaitInterval = 2 * time.Second
	// DefaultAcquireTimeout leaves contention waits unbounded.
	DefaultAcquireTimeout = time.Duration(0)
	// DefaultRetryMaxAttempts bounds retries of transient storage faults.
	DefaultRetryMaxAttempts = 6
	// DefaultRetryBaseDelay seeds the exponential backoff schedule.
	DefaultRetryBaseDelay = 100 * time.Millisecond
	// DefaultRetryMaxDelay caps a single backoff sleep.
	DefaultRetryMaxDelay = 5 * time.Second
	// DefaultRetryMultiplier grows the backoff delay between attempts.
	DefaultRetryMultiplier = 2.0
	// DefaultMaxUnitsPerRun bounds how many work units one drain slice consumes.
	DefaultMaxUnitsPerRun = 200
	// DefaultSpoolPollInterval is the spool watcher's fallback scan cadence.
	DefaultSpoolPollInterval = 3 * time.Second
	// DefaultMetricsListen is the Prometheus scrape endpoint. Empty disables it.
	DefaultMetricsListen = ""
)

// Config carries everything needed to assemble a Service.
type Config struct {
	// Store selects the backend: mem://, disk:///path, s3://host/bucket[/prefix]
	// or aws://bucket[/prefix].
	Store string

	// LockName partitions semaphore contention domains.
	LockName string
	// Limit is the maximum number of concurrent drain executions per lock name.
	Limit int64
	// WaitInterval paces contended acquisition attempts.
	WaitInterval time.Duration
	// AcquireTimeout optionally bounds the total contention wait. Zero waits
	// forever.
	AcquireTimeout time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMultiplier  float64

	// MaxUnitsPerRun caps one drain slice. Zero means a slice runs until the
	// batch is empty.
	MaxUnitsPerRun int

	// SpoolDir is the daemon's trigger/completion feed. Required for serve.
	SpoolDir string
	// SpoolPollInterval is the watcher's polling fallback cadence.
	SpoolPollInterval time.Duration
	// SpoolDisableNotify forces pure polling of the spool.
	SpoolDisableNotify bool

	// MetricsListen serves Prometheus metrics when non-empty.
	MetricsListen string

	// OutputDir enables the built-in page writer: drained fragments land in
	// per-batch directories under it. Empty leaves the no-op processor in
	// place unless a caller injects one.
	OutputDir string

	// AWSRegion is required for aws:// stores unless the URL carries region=.
	AWSRegion string
	// S3AccessKeyID / S3SecretAccessKey / S3SessionToken override the
	// credential chain for s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Store:             DefaultStore,
		LockName:          DefaultLockName,
		Limit:             DefaultLimit,
		WaitInterval:      DefaultWaitInterval,
		AcquireTimeout:    DefaultAcquireTimeout,
		RetryMaxAttempts:  DefaultRetryMaxAttempts,
		RetryBaseDelay:    DefaultRetryBaseDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		RetryMultiplier:   DefaultRetryMultiplier,
		MaxUnitsPerRun:    DefaultMaxUnitsPerRun,
		SpoolPollInterval: DefaultSpoolPollInterval,
		MetricsListen:     DefaultMetricsListen,
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Store) == "" {
		return fmt.Errorf("config: store is required")
	}
	if strings.TrimSpace(c.LockName) == "" {
		return fmt.Errorf("config: lock name is required")
	}
	if c.Limit < 1 {
		return fmt.Errorf("config: limit must be >= 1, got %d", c.Limit)
	}
	if c.WaitInterval <= 0 {
		return fmt.Errorf("config: wait interval must be positive, got %s", c.WaitInterval)
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("config: acquire timeout must not be negative, got %s", c.AcquireTimeout)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: retry max attempts must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("config: retry base delay must be positive, got %s", c.RetryBaseDelay)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay %s is below base delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("config: retry multiplier must be >= 1, got %g", c.RetryMultiplier)
	}
	if c.MaxUnitsPerRun < 0 {
		return fmt.Errorf("config: max units per run must not be negative, got %d", c.MaxUnitsPerRun)
	}
	if c.SpoolPollInterval <= 0 {
		return fmt.Errorf("config: spool poll interval must be positive, got %s", c.SpoolPollInterval)
	}
	return nil
}
