// Package disk implements storage.Backend on the local filesystem. Records
// are JSON envelopes written with a temp-file rename so readers never observe
// a partial write; conditional semantics are enforced under a per-key mutex,
// which is sufficient because a disk store is single-process by definition.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/uuidv7"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root  string
	locks sync.Map // encoded path -> *sync.Mutex
}

type recordEnvelope struct {
	ETag string          `json:"etag"`
	Data json.RawMessage `json:"data"`
}

// New prepares the directory layout and returns a ready store.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("disk: root directory required")
	}
	for _, table := range []string{storage.TableLocks, storage.TableBlocks, storage.TablePages} {
		if err := os.MkdirAll(filepath.Join(root, table), 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare %s: %w", table, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare tmp: %w", err)
	}
	return &Store{root: root}, nil
}

// Close satisfies storage.Backend; the disk store holds no open handles.
func (s *Store) Close() error { return nil }

func (s *Store) keyLock(path string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func encodeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("disk: key required")
	}
	return url.PathEscape(key), nil
}

func (s *Store) recordPath(table, encoded string) string {
	return filepath.Join(s.root, table, encoded+".json")
}

// LoadRecord reads the record envelope for key.
func (s *Store) LoadRecord(_ context.Context, table, key string) (storage.RecordResult, error) {
	encoded, err := encodeKey(key)
	if err != nil {
		return storage.RecordResult{}, err
	}
	env, err := s.readEnvelope(s.recordPath(table, encoded))
	if err != nil {
		return storage.RecordResult{}, err
	}
	return storage.RecordResult{
		Data: append([]byte(nil), env.Data...),
		ETag: env.ETag,
	}, nil
}

// StoreRecord persists the payload with conditional semantics.
func (s *Store) StoreRecord(_ context.Context, table, key string, data []byte, expectedETag string) (string, error) {
	encoded, err := encodeKey(key)
	if err != nil {
		return "", err
	}
	path := s.recordPath(table, encoded)

	mu := s.keyLock(path)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.readEnvelope(path)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if expectedETag != "" {
		if !exists {
			return "", storage.ErrNotFound
		}
		if current.ETag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		return "", storage.ErrCASMismatch
	}

	env := recordEnvelope{
		ETag: uuidv7.NewString(),
		Data: json.RawMessage(append([]byte(nil), data...)),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("disk: encode record: %w", err)
	}
	if err := s.writeAtomic(path, payload); err != nil {
		return "", err
	}
	return env.ETag, nil
}

// DeleteRecord removes the record, honouring an expected ETag when supplied.
func (s *Store) DeleteRecord(_ context.Context, table, key string, expectedETag string) error {
	encoded, err := encodeKey(key)
	if err != nil {
		return err
	}
	path := s.recordPath(table, encoded)

	mu := s.keyLock(path)
	mu.Lock()
	defer mu.Unlock()

	if expectedETag != "" {
		current, err := s.readEnvelope(path)
		if err != nil {
			return err
		}
		if current.ETag != expectedETag {
			return storage.ErrCASMismatch
		}
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		return storage.NewTransientError(fmt.Errorf("disk: remove record: %w", err))
	}
	return nil
}

// ListKeys scans the table directory and returns keys under prefix in
// ascending order.
func (s *Store) ListKeys(_ context.Context, table, prefix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, table))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, storage.NewTransientError(fmt.Errorf("disk: list %s: %w", table, err))
	}
	var keys []string
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) readEnvelope(path string) (*recordEnvelope, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.NewTransientError(fmt.Errorf("disk: read record: %w", err))
	}
	var env recordEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("disk: decode record %s: %w", filepath.Base(path), err)
	}
	return &env, nil
}

func (s *Store) writeAtomic(path string, payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "record-*")
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("disk: create temp: %w", err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: write temp: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: sync temp: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: close temp: %w", err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: rename record: %w", err))
	}
	return nil
}
