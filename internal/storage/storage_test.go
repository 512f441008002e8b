package storage_test

import (
	"errors"
	"fmt"
	"testing"

	"pkt.systems/batchd/internal/storage"
)

func TestTransientErrorMarking(t *testing.T) {
	t.Parallel()

	base := errors.New("connection reset")
	marked := storage.NewTransientError(base)
	if !storage.IsTransient(marked) {
		t.Fatal("expected marked error to be transient")
	}
	if !errors.Is(marked, base) {
		t.Fatal("expected transient wrapper to unwrap to the base error")
	}
	wrapped := fmt.Errorf("load record: %w", marked)
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected transient marker to survive wrapping")
	}
}

func TestTransientErrorNil(t *testing.T) {
	t.Parallel()

	if storage.NewTransientError(nil) != nil {
		t.Fatal("expected nil for nil input")
	}
	if storage.IsTransient(storage.ErrCASMismatch) {
		t.Fatal("cas mismatch must never be transient")
	}
	if storage.IsTransient(storage.ErrNotFound) {
		t.Fatal("not found must never be transient")
	}
}
