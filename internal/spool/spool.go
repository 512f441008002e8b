// Package spool turns a spool directory into the daemon's event feed. A
// file dropped under triggers/ starts a drain for the batch id named by the
// file; a file under completions/ notifies the reaper about a finished
// execution id. Files are claimed by removal, so each file fires exactly
// once even when inotify and the polling fallback both observe it.
package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/batchd/internal/loggingutil"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

const (
	triggersDir    = "triggers"
	completionsDir = "completions"
)

// Handler receives claimed spool events. Implementations that need to do
// long work should hand it off and return promptly; the watcher dispatches
// sequentially.
type Handler interface {
	HandleTrigger(ctx context.Context, batchID string)
	HandleCompletion(ctx context.Context, executionID string)
}

// Config parameterizes a Watcher.
type Config struct {
	Dir string
	// PollInterval is the fallback scan cadence covering missed filesystem
	// notifications.
	PollInterval time.Duration
	// DisableNotify forces pure polling. Used on filesystems where inotify
	// is unreliable, and in tests.
	DisableNotify bool
}

// Watcher scans the spool directory and dispatches events to a Handler.
type Watcher struct {
	cfg     Config
	handler Handler
	logger  pslog.Logger
}

// New validates the spool layout and creates the subdirectories.
func New(cfg Config, handler Handler, logger pslog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("spool: directory is required")
	}
	if handler == nil {
		return nil, errors.New("spool: handler is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	for _, sub := range []string{triggersDir, completionsDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("spool: prepare %s directory: %w", sub, err)
		}
	}
	return &Watcher{
		cfg:     cfg,
		handler: handler,
		logger:  loggingutil.EnsureLogger(logger),
	}, nil
}

// TriggerPath returns the file that would start a drain for batchID.
func TriggerPath(dir, batchID string) string {
	return filepath.Join(dir, triggersDir, batchID)
}

// CompletionPath returns the file that would announce a finished execution.
func CompletionPath(dir, executionID string) string {
	return filepath.Join(dir, completionsDir, executionID)
}

// Run watches the spool until ctx is cancelled. Filesystem notifications
// only wake the scan loop; the scan itself is the source of truth, and the
// poll ticker recovers anything inotify missed.
func (w *Watcher) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	if !w.cfg.DisableNotify {
		notifier, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("spool.notify_unavailable", "error", err)
		} else {
			defer notifier.Close()
			for _, sub := range []string{triggersDir, completionsDir} {
				if err := notifier.Add(filepath.Join(w.cfg.Dir, sub)); err != nil {
					w.logger.Warn("spool.watch_failed", "dir", sub, "error", err)
				}
			}
			go forwardNotifications(ctx, notifier, wake)
		}
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
			w.scan(ctx)
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func forwardNotifications(ctx context.Context, notifier *fsnotify.Watcher, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notifier.Events:
			if !ok {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case _, ok := <-notifier.Errors:
			if !ok {
				return
			}
		}
	}
}

// scan claims and dispatches every file currently in the spool.
func (w *Watcher) scan(ctx context.Context) {
	for _, entry := range w.claim(triggersDir) {
		w.logger.Info("spool.trigger", "batch", entry)
		w.handler.HandleTrigger(ctx, entry)
	}
	for _, entry := range w.claim(completionsDir) {
		w.logger.Info("spool.completion", "execution", entry)
		w.handler.HandleCompletion(ctx, entry)
	}
}

// claim lists sub and removes each regular file, returning the names that
// this watcher removed. Losing a removal race means another claimant owns
// the event.
func (w *Watcher) claim(sub string) []string {
	dir := filepath.Join(w.cfg.Dir, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Warn("spool.scan_failed", "dir", sub, "error", err)
		return nil
	}
	var claimed []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			if !os.IsNotExist(err) {
				w.logger.Warn("spool.claim_failed", "file", name, "error", err)
			}
			continue
		}
		claimed = append(claimed, name)
	}
	return claimed
}
