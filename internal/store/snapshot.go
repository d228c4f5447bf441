package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"tunedive/internal/core"
)

// SnapshotFilePermission is the permission for snapshot files
const SnapshotFilePermission = 0600

// MemoryStore keeps the latest snapshot in process memory. It is the fastest
// tier and the first consulted on restore.
type MemoryStore struct {
	mu       sync.RWMutex
	snapshot *core.PersistedSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(snap *core.PersistedSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *snap
	s.snapshot = &copied
	return nil
}

func (s *MemoryStore) LoadFreshestWithin(maxAge time.Duration) (*core.PersistedSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snapshot == nil {
		return nil, nil
	}
	if time.Since(s.snapshot.Timestamp) > maxAge {
		return nil, nil
	}

	copied := *s.snapshot
	return &copied, nil
}

func (s *MemoryStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = nil
	return nil
}

// FileStore persists snapshots as a JSON file, surviving process restarts.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(snap *core.PersistedSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := os.WriteFile(s.path, data, SnapshotFilePermission); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	return nil
}

func (s *FileStore) LoadFreshestWithin(maxAge time.Duration) (*core.PersistedSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snap core.PersistedSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt file is treated as absent rather than fatal.
		return nil, nil
	}

	if time.Since(snap.Timestamp) > maxAge {
		return nil, nil
	}
	return &snap, nil
}

func (s *FileStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot file: %w", err)
	}
	return nil
}

// MultiStore fans writes out to every configured tier and restores from the
// freshest snapshot any tier still holds. A single surviving tier is enough
// for continuity; per-tier failures are logged and tolerated as long as at
// least one tier accepts the write.
type MultiStore struct {
	tiers  []core.SnapshotStore
	logger *zap.Logger
}

func NewMultiStore(logger *zap.Logger, tiers ...core.SnapshotStore) *MultiStore {
	return &MultiStore{
		tiers:  tiers,
		logger: logger,
	}
}

func (s *MultiStore) Save(snap *core.PersistedSnapshot) error {
	var lastErr error
	saved := 0
	for _, tier := range s.tiers {
		if err := tier.Save(snap); err != nil {
			s.logger.Debug("Snapshot tier save failed", zap.Error(err))
			lastErr = err
			continue
		}
		saved++
	}

	if saved == 0 && lastErr != nil {
		return fmt.Errorf("all snapshot tiers failed: %w", lastErr)
	}
	return nil
}

func (s *MultiStore) LoadFreshestWithin(maxAge time.Duration) (*core.PersistedSnapshot, error) {
	var freshest *core.PersistedSnapshot
	for _, tier := range s.tiers {
		snap, err := tier.LoadFreshestWithin(maxAge)
		if err != nil {
			s.logger.Debug("Snapshot tier load failed", zap.Error(err))
			continue
		}
		if snap == nil {
			continue
		}
		if freshest == nil || snap.Timestamp.After(freshest.Timestamp) {
			freshest = snap
		}
	}
	return freshest, nil
}

func (s *MultiStore) ClearAll() error {
	var lastErr error
	for _, tier := range s.tiers {
		if err := tier.ClearAll(); err != nil {
			s.logger.Debug("Snapshot tier clear failed", zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}
