package state

import (
	"context"
	"sync"

	"github.com/JakeFAU/commentary-coordinator/internal/commentary"
)

// MemoryStore keeps coordinator state in memory. It backs tests and
// throwaway local runs where persistence across restarts does not matter.
type MemoryStore struct {
	mu        sync.Mutex
	cursor    int64
	hasCursor bool
	statuses  map[string]commentary.AccountStatus
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: map[string]commentary.AccountStatus{}}
}

// LoadCursor returns the saved cursor or ErrNotFound before the first save.
func (s *MemoryStore) LoadCursor(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCursor {
		return 0, ErrNotFound
	}
	return s.cursor, nil
}

// SaveCursor records the next resource id.
func (s *MemoryStore) SaveCursor(_ context.Context, next int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = next
	s.hasCursor = true
	return nil
}

// LoadStatuses returns a copy of the saved ban table.
func (s *MemoryStore) LoadStatuses(_ context.Context) (map[string]commentary.AccountStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]commentary.AccountStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out, nil
}

// SaveStatuses replaces the saved ban table.
func (s *MemoryStore) SaveStatuses(_ context.Context, statuses map[string]commentary.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = make(map[string]commentary.AccountStatus, len(statuses))
	for k, v := range statuses {
		s.statuses[k] = v
	}
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() {}
