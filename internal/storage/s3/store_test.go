package s3

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/batchd/internal/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "batchd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	return server, Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
	}
}

func TestS3RecordLifecycle(t *testing.T) {
	_, cfg := setupFakeS3(t)

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	etag, err := store.StoreRecord(ctx, "locks", "semaphore", []byte(`{"current_count":0,"owners":{}}`), "")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	got, err := store.LoadRecord(ctx, "locks", "semaphore")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if got.ETag != etag {
		t.Fatalf("etag mismatch: %q != %q", got.ETag, etag)
	}
	newETag, err := store.StoreRecord(ctx, "locks", "semaphore", []byte(`{"current_count":1}`), etag)
	if err != nil {
		t.Fatalf("update record: %v", err)
	}
	if err := store.DeleteRecord(ctx, "locks", "semaphore", newETag); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	if _, err := store.LoadRecord(ctx, "locks", "semaphore"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestS3ConditionalWrites(t *testing.T) {
	_, cfg := setupFakeS3(t)

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	etag, err := store.StoreRecord(ctx, "locks", "semaphore", []byte(`{"current_count":0,"owners":{}}`), "")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if _, err := store.StoreRecord(ctx, "locks", "semaphore", []byte(`{}`), ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("create-only write over existing key: got %v, expected ErrCASMismatch", err)
	}
	stale := "00000000000000000000000000000000"
	if stale == etag {
		stale = "11111111111111111111111111111111"
	}
	if _, err := store.StoreRecord(ctx, "locks", "semaphore", []byte(`{}`), stale); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale-etag write: got %v, expected ErrCASMismatch", err)
	}
	if err := store.DeleteRecord(ctx, "locks", "semaphore", stale); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale-etag delete: got %v, expected ErrCASMismatch", err)
	}
	got, err := store.LoadRecord(ctx, "locks", "semaphore")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if got.ETag != etag {
		t.Fatalf("record changed despite rejected writes: %q != %q", got.ETag, etag)
	}
	if err := store.DeleteRecord(ctx, "locks", "semaphore", etag); err != nil {
		t.Fatalf("delete with matching etag: %v", err)
	}
}

func TestS3ListKeysRoundTripsEscapedKeys(t *testing.T) {
	_, cfg := setupFakeS3(t)

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"batch-1/000000000000", "batch-1/000000000001", "batch-2/000000000000"} {
		if _, err := store.StoreRecord(ctx, "blocks", key, []byte(`{}`), ""); err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
	}
	keys, err := store.ListKeys(ctx, "blocks", "batch-1/")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, "batch-1/") {
			t.Fatalf("unexpected key %q", key)
		}
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "plain error", err: errors.New("boom"), expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("isRetryable(%v) = %v, expected %v", tc.err, got, tc.expected)
			}
		})
	}
}
