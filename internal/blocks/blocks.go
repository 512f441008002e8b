// Package blocks stores ordered groups of content fragments keyed by batch
// id. Units are produced once, ahead of draining, and are consumed
// destructively one at a time in index order.
package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pkt.systems/batchd/internal/storage"
)

// ErrNoUnits indicates the batch has no remaining work units.
var ErrNoUnits = errors.New("blocks: no work units remain")

// Fragment is one piece of page content. Body is opaque to this package;
// the external processor interprets it.
type Fragment struct {
	Seq    int    `json:"seq"`
	Body   string `json:"body"`
	Source string `json:"source,omitempty"`
}

// WorkUnit is an ordered group of fragments belonging to one batch.
type WorkUnit struct {
	BatchID   string     `json:"batch_id"`
	Index     int        `json:"index"`
	Fragments []Fragment `json:"fragments"`
}

// SplitDocument cuts a document body into paragraph fragments. Paragraphs
// are separated by blank lines; empty paragraphs are dropped. Every
// fragment carries source as its origin marker.
func SplitDocument(body, source string) []Fragment {
	var fragments []Fragment
	for _, para := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		fragments = append(fragments, Fragment{
			Seq:    len(fragments),
			Body:   para,
			Source: source,
		})
	}
	return fragments
}

// Store persists and drains work units on a record backend.
type Store struct {
	backend storage.Backend
}

// NewStore wraps a backend.
func NewStore(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// unitKey layout keeps lexicographic ordering aligned with index ordering so
// list-based scans return units in consumption order.
func unitKey(batchID string, index int) string {
	return fmt.Sprintf("%s/%012d", batchID, index)
}

// Put writes one work unit. Existing units are overwritten; producers own
// the batch until draining begins, so no conditional write is needed here.
func (s *Store) Put(ctx context.Context, unit WorkUnit) error {
	if unit.BatchID == "" {
		return errors.New("blocks: batch id is required")
	}
	if unit.Index < 0 {
		return fmt.Errorf("blocks: negative unit index %d", unit.Index)
	}
	data, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("blocks: encode unit %s/%d: %w", unit.BatchID, unit.Index, err)
	}
	key := unitKey(unit.BatchID, unit.Index)
	current, err := s.backend.LoadRecord(ctx, storage.TableBlocks, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if _, err := s.backend.StoreRecord(ctx, storage.TableBlocks, key, data, ""); err != nil {
			return fmt.Errorf("blocks: store unit %s: %w", key, err)
		}
	case err != nil:
		return fmt.Errorf("blocks: load unit %s: %w", key, err)
	default:
		if _, err := s.backend.StoreRecord(ctx, storage.TableBlocks, key, data, current.ETag); err != nil {
			return fmt.Errorf("blocks: overwrite unit %s: %w", key, err)
		}
	}
	return nil
}

// PutAll writes an entire batch of units.
func (s *Store) PutAll(ctx context.Context, units []WorkUnit) error {
	for _, unit := range units {
		if err := s.Put(ctx, unit); err != nil {
			return err
		}
	}
	return nil
}

// NextUnit fetches the lowest-index remaining unit for batchID without
// removing it. Returns ErrNoUnits when the batch is drained.
func (s *Store) NextUnit(ctx context.Context, batchID string) (WorkUnit, error) {
	if batchID == "" {
		return WorkUnit{}, errors.New("blocks: batch id is required")
	}
	keys, err := s.backend.ListKeys(ctx, storage.TableBlocks, batchID+"/")
	if err != nil {
		return WorkUnit{}, fmt.Errorf("blocks: list units for %s: %w", batchID, err)
	}
	if len(keys) == 0 {
		return WorkUnit{}, ErrNoUnits
	}
	sort.Strings(keys)
	result, err := s.backend.LoadRecord(ctx, storage.TableBlocks, keys[0])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Unit vanished between list and load; treat as drained and let
			// the caller re-poll.
			return WorkUnit{}, ErrNoUnits
		}
		return WorkUnit{}, fmt.Errorf("blocks: load unit %s: %w", keys[0], err)
	}
	var unit WorkUnit
	if err := json.Unmarshal(result.Data, &unit); err != nil {
		return WorkUnit{}, fmt.Errorf("blocks: decode unit %s: %w", keys[0], err)
	}
	return unit, nil
}

// Delete removes a consumed unit.
func (s *Store) Delete(ctx context.Context, batchID string, index int) error {
	key := unitKey(batchID, index)
	err := s.backend.DeleteRecord(ctx, storage.TableBlocks, key, "")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("blocks: delete unit %s: %w", key, err)
	}
	return nil
}

// Remaining reports how many units are left for batchID.
func (s *Store) Remaining(ctx context.Context, batchID string) (int, error) {
	keys, err := s.backend.ListKeys(ctx, storage.TableBlocks, batchID+"/")
	if err != nil {
		return 0, fmt.Errorf("blocks: list units for %s: %w", batchID, err)
	}
	return len(keys), nil
}
