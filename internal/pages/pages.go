// Package pages records the outcome of the most recent processing attempt
// per batch id. Writes are last-write-wins; the drain loop is the only
// writer.
package pages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/batchd/internal/storage"
)

// StatusAborted marks a batch whose drain stopped on a processing failure.
const StatusAborted = "ABORTED"

// ErrStatusMissing indicates no status has been recorded for the batch.
var ErrStatusMissing = errors.New("pages: no status recorded")

// PageStatus is the persisted outcome of the latest processing attempt.
// StatusTime is the reported time as a unix timestamp, stored as received.
type PageStatus struct {
	BatchID    string `json:"batch_id"`
	Status     string `json:"status"`
	StatusTime int64  `json:"status_time"`
}

// Tracker reads and writes PageStatus records.
type Tracker struct {
	backend storage.Backend
}

// NewTracker wraps a backend.
func NewTracker(backend storage.Backend) *Tracker {
	return &Tracker{backend: backend}
}

// Record overwrites the status for batchID. Creation is implicit; concurrent
// writers are resolved last-write-wins, so the swap retries on a stale ETag
// rather than surfacing the conflict.
func (t *Tracker) Record(ctx context.Context, status PageStatus) error {
	if status.BatchID == "" {
		return errors.New("pages: batch id is required")
	}
	if status.Status == "" {
		return errors.New("pages: status is required")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("pages: encode status for %s: %w", status.BatchID, err)
	}
	for {
		current, err := t.backend.LoadRecord(ctx, storage.TablePages, status.BatchID)
		etag := ""
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return fmt.Errorf("pages: load status for %s: %w", status.BatchID, err)
		default:
			etag = current.ETag
		}
		_, err = t.backend.StoreRecord(ctx, storage.TablePages, status.BatchID, data, etag)
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("pages: store status for %s: %w", status.BatchID, err)
		}
		return nil
	}
}

// Get returns the recorded status for batchID, or ErrStatusMissing.
func (t *Tracker) Get(ctx context.Context, batchID string) (PageStatus, error) {
	if batchID == "" {
		return PageStatus{}, errors.New("pages: batch id is required")
	}
	result, err := t.backend.LoadRecord(ctx, storage.TablePages, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		return PageStatus{}, ErrStatusMissing
	}
	if err != nil {
		return PageStatus{}, fmt.Errorf("pages: load status for %s: %w", batchID, err)
	}
	var status PageStatus
	if err := json.Unmarshal(result.Data, &status); err != nil {
		return PageStatus{}, fmt.Errorf("pages: decode status for %s: %w", batchID, err)
	}
	return status, nil
}
