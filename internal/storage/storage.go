// Package storage defines the keyed durable record store the semaphore and
// the work-unit pipeline are built on. The only correctness property the
// backends must provide is an atomic conditional write: StoreRecord succeeds
// iff the record's current ETag matches the caller's expectation (or the
// record does not exist yet, for creates). Everything above this layer leans
// on that guarantee.
package storage

import (
	"context"
	"errors"
)

// Table names used by the components built on top of the record store. Each
// table is an independent keyspace; no cross-table atomicity is offered or
// needed.
const (
	TableLocks  = "locks"
	TableBlocks = "blocks"
	TablePages  = "pages"
)

// ContentTypeJSON is the content type recorded for record payloads by
// backends that persist one.
const ContentTypeJSON = "application/json"

var (
	// ErrNotFound indicates the requested key is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a concurrent
	// update, or a create-only write found the key already present.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

// RecordResult pairs a record payload with the opaque ETag identifying the
// version that was read.
type RecordResult struct {
	Data []byte
	ETag string
}

// Backend is the storage contract expected by the semaphore manager, the
// work-unit store, and the page-status tracker.
type Backend interface {
	// LoadRecord returns the current payload for key and its opaque ETag.
	LoadRecord(ctx context.Context, table, key string) (RecordResult, error)
	// StoreRecord atomically writes data if the existing ETag matches
	// expectedETag. An empty expectedETag creates the record and fails with
	// ErrCASMismatch when the key already exists.
	StoreRecord(ctx context.Context, table, key string, data []byte, expectedETag string) (newETag string, err error)
	// DeleteRecord removes the record, enforcing CAS when expectedETag is
	// non-empty.
	DeleteRecord(ctx context.Context, table, key string, expectedETag string) error
	// ListKeys enumerates keys under prefix in ascending lexical order.
	ListKeys(ctx context.Context, table, prefix string) ([]string, error)
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable. Conditional-write failures and
// missing keys are never transient; only backend availability faults are.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
