// Package memory implements storage.Backend in process memory; intended for
// tests and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"pkt.systems/batchd/internal/storage"
	"pkt.systems/batchd/internal/uuidv7"
)

// Store implements storage.Backend with per-table maps guarded by a single
// RWMutex, which trivially provides the conditional-write atomicity the
// contract requires.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]*entry
}

type entry struct {
	data []byte
	etag string
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{tables: make(map[string]map[string]*entry)}
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error { return nil }

// LoadRecord returns a copy of the payload stored for key.
func (s *Store) LoadRecord(_ context.Context, table, key string) (storage.RecordResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tables[table][key]
	if !ok {
		return storage.RecordResult{}, storage.ErrNotFound
	}
	return storage.RecordResult{
		Data: append([]byte(nil), e.data...),
		ETag: e.etag,
	}, nil
}

// StoreRecord writes the payload for key, enforcing CAS when expectedETag is
// provided and create-only semantics when it is empty.
func (s *Store) StoreRecord(_ context.Context, table, key string, data []byte, expectedETag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	if rows == nil {
		rows = make(map[string]*entry)
		s.tables[table] = rows
	}
	current, exists := rows[key]
	if expectedETag != "" {
		if !exists {
			return "", storage.ErrNotFound
		}
		if current.etag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		return "", storage.ErrCASMismatch
	}
	etag := uuidv7.NewString()
	rows[key] = &entry{
		data: append([]byte(nil), data...),
		etag: etag,
	}
	return etag, nil
}

// DeleteRecord removes the record for key, respecting the expected ETag when
// present.
func (s *Store) DeleteRecord(_ context.Context, table, key string, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	current, exists := rows[key]
	if !exists {
		return storage.ErrNotFound
	}
	if expectedETag != "" && current.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(rows, key)
	return nil
}

// ListKeys enumerates keys under prefix in ascending order.
func (s *Store) ListKeys(_ context.Context, table, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.tables[table] {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
