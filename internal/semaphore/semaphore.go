// Package semaphore implements a distributed counting semaphore on top of a
// conditional record store. A LockRecord per lock name carries the permit
// count and the owner set; every mutation is a compare-and-swap against the
// record's ETag, so counter and ownership always change together.
package semaphore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/batchd/internal/clock"
	"pkt.systems/batchd/internal/loggingutil"
	"pkt.systems/batchd/internal/storage"

	"pkt.systems/pslog"
)

var (
	// ErrLockMissing indicates no LockRecord exists yet for the lock name.
	ErrLockMissing = errors.New("semaphore: lock record missing")
	// ErrLockUnavailable indicates the permit limit is reached or the owner
	// already holds a permit. The condition itself does not distinguish the
	// two causes; callers resolve ambiguity via IsHeldBy.
	ErrLockUnavailable = errors.New("semaphore: limit reached or already owned")
	// ErrOwnerNotPresent indicates a release for an owner that holds nothing.
	ErrOwnerNotPresent = errors.New("semaphore: owner not present")
	// ErrLockExists indicates an initialize raced with another creator.
	ErrLockExists = errors.New("semaphore: lock record already exists")
)

// LockRecord is the persisted state of one counting semaphore.
type LockRecord struct {
	CurrentCount int64            `json:"current_count"`
	Owners       map[string]int64 `json:"owners"`
}

// Config parameterizes a Manager.
type Config struct {
	LockName string
	// Limit is the maximum number of distinct simultaneous owners.
	Limit int64
	// WaitInterval is the fixed delay between acquisition attempts while the
	// semaphore is contended.
	WaitInterval time.Duration
	// AcquireTimeout bounds the total contention wait in Acquire. Zero means
	// wait forever.
	AcquireTimeout time.Duration
}

// Manager performs acquire/release/initialize operations for one lock name.
type Manager struct {
	store  storage.Backend
	clock  clock.Clock
	logger pslog.Logger
	cfg    Config
}

// New constructs a Manager. The backend is expected to already carry any
// transient-fault retry decoration; the Manager itself only handles condition
// outcomes and contention waits.
func New(store storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("semaphore: store is required")
	}
	if cfg.LockName == "" {
		return nil, errors.New("semaphore: lock name is required")
	}
	if cfg.Limit < 1 {
		return nil, fmt.Errorf("semaphore: limit must be >= 1, got %d", cfg.Limit)
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		store:  store,
		clock:  clk,
		logger: loggingutil.EnsureLogger(logger),
		cfg:    cfg,
	}, nil
}

// LockName returns the lock name this manager is bound to.
func (m *Manager) LockName() string {
	return m.cfg.LockName
}

// Limit returns the configured permit limit.
func (m *Manager) Limit() int64 {
	return m.cfg.Limit
}

// InitializeIfAbsent creates the LockRecord with a zero count if no record
// exists. Losing a creation race returns ErrLockExists, which callers treat
// as success.
func (m *Manager) InitializeIfAbsent(ctx context.Context) error {
	record := LockRecord{CurrentCount: 0, Owners: map[string]int64{}}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("semaphore: encode lock record: %w", err)
	}
	_, err = m.store.StoreRecord(ctx, storage.TableLocks, m.cfg.LockName, data, "")
	if errors.Is(err, storage.ErrCASMismatch) {
		return ErrLockExists
	}
	if err != nil {
		return fmt.Errorf("semaphore: initialize lock %q: %w", m.cfg.LockName, err)
	}
	m.logger.Debug("semaphore.initialize", "lock", m.cfg.LockName, "limit", m.cfg.Limit)
	return nil
}

// TryAcquire attempts a single conditional acquisition for ownerID. It
// succeeds only when the count is below the limit and ownerID holds no
// permit. ErrLockMissing and ErrLockUnavailable are the protocol's normal
// branch outcomes, not faults.
func (m *Manager) TryAcquire(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return errors.New("semaphore: owner id is required")
	}
	for {
		record, etag, err := m.load(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrLockMissing
		}
		if err != nil {
			return err
		}
		if _, held := record.Owners[ownerID]; held {
			return ErrLockUnavailable
		}
		if record.CurrentCount >= m.cfg.Limit {
			return ErrLockUnavailable
		}
		record.CurrentCount++
		if record.Owners == nil {
			record.Owners = map[string]int64{}
		}
		record.Owners[ownerID] = m.clock.Now().Unix()
		err = m.storeAt(ctx, record, etag)
		if errors.Is(err, storage.ErrCASMismatch) {
			// Lost the swap to a concurrent writer; reload and reevaluate
			// the condition against fresh state.
			continue
		}
		if err != nil {
			return err
		}
		m.logger.Debug("semaphore.acquired",
			"lock", m.cfg.LockName,
			"owner", ownerID,
			"count", record.CurrentCount,
			"limit", m.cfg.Limit,
		)
		return nil
	}
}

// Release returns ownerID's permit. Releasing a permit that is not held
// returns ErrOwnerNotPresent; callers treat that as an idempotent no-op.
func (m *Manager) Release(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return errors.New("semaphore: owner id is required")
	}
	for {
		record, etag, err := m.load(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrOwnerNotPresent
		}
		if err != nil {
			return err
		}
		if _, held := record.Owners[ownerID]; !held {
			return ErrOwnerNotPresent
		}
		delete(record.Owners, ownerID)
		record.CurrentCount--
		if record.CurrentCount < 0 {
			record.CurrentCount = 0
		}
		err = m.storeAt(ctx, record, etag)
		if errors.Is(err, storage.ErrCASMismatch) {
			continue
		}
		if err != nil {
			return err
		}
		m.logger.Debug("semaphore.released",
			"lock", m.cfg.LockName,
			"owner", ownerID,
			"count", record.CurrentCount,
		)
		return nil
	}
}

// IsHeldBy reports whether ownerID currently holds a permit. A missing
// LockRecord means nothing is held.
func (m *Manager) IsHeldBy(ctx context.Context, ownerID string) (bool, error) {
	record, _, err := m.load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, held := record.Owners[ownerID]
	return held, nil
}

// Acquire runs the full acquisition protocol for ownerID: try, lazily create
// the record on first use, treat an already-held permit as idempotent
// success, and otherwise poll at a fixed interval until a permit frees up.
// Contention waits are unbounded unless AcquireTimeout is set.
func (m *Manager) Acquire(ctx context.Context, ownerID string) error {
	var deadline time.Time
	if m.cfg.AcquireTimeout > 0 {
		deadline = m.clock.Now().Add(m.cfg.AcquireTimeout)
	}
	waited := false
	for {
		err := m.TryAcquire(ctx, ownerID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrLockMissing):
			if initErr := m.InitializeIfAbsent(ctx); initErr != nil && !errors.Is(initErr, ErrLockExists) {
				return initErr
			}
			continue
		case errors.Is(err, ErrLockUnavailable):
			held, checkErr := m.IsHeldBy(ctx, ownerID)
			if checkErr != nil {
				return checkErr
			}
			if held {
				m.logger.Debug("semaphore.reentrant",
					"lock", m.cfg.LockName,
					"owner", ownerID,
				)
				return nil
			}
			if !deadline.IsZero() && !m.clock.Now().Before(deadline) {
				return fmt.Errorf("semaphore: acquire %q for %q: wait exceeded %s: %w",
					m.cfg.LockName, ownerID, m.cfg.AcquireTimeout, ErrLockUnavailable)
			}
			if !waited {
				m.logger.Info("semaphore.contended",
					"lock", m.cfg.LockName,
					"owner", ownerID,
					"wait_interval", m.cfg.WaitInterval,
				)
				waited = true
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.clock.After(m.cfg.WaitInterval):
			}
		default:
			return err
		}
	}
}

// Snapshot returns the current LockRecord, or a zero-count record when none
// exists yet.
func (m *Manager) Snapshot(ctx context.Context) (LockRecord, error) {
	record, _, err := m.load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return LockRecord{Owners: map[string]int64{}}, nil
	}
	if err != nil {
		return LockRecord{}, err
	}
	return record, nil
}

func (m *Manager) load(ctx context.Context) (LockRecord, string, error) {
	result, err := m.store.LoadRecord(ctx, storage.TableLocks, m.cfg.LockName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return LockRecord{}, "", err
		}
		return LockRecord{}, "", fmt.Errorf("semaphore: load lock %q: %w", m.cfg.LockName, err)
	}
	var record LockRecord
	if err := json.Unmarshal(result.Data, &record); err != nil {
		return LockRecord{}, "", fmt.Errorf("semaphore: decode lock %q: %w", m.cfg.LockName, err)
	}
	if record.Owners == nil {
		record.Owners = map[string]int64{}
	}
	return record, result.ETag, nil
}

func (m *Manager) storeAt(ctx context.Context, record LockRecord, etag string) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("semaphore: encode lock record: %w", err)
	}
	if _, err := m.store.StoreRecord(ctx, storage.TableLocks, m.cfg.LockName, data, etag); err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return err
		}
		return fmt.Errorf("semaphore: store lock %q: %w", m.cfg.LockName, err)
	}
	return nil
}
