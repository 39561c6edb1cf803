package memory

import (
	"context"
	"sync"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
)

// MemoryCacheStore keeps one edge node's cached entries in process memory.
type MemoryCacheStore struct {
	entries map[string]*domain.CacheEntry
	mu      sync.RWMutex
}

func NewMemoryCacheStore() ports.CacheStore {
	return &MemoryCacheStore{
		entries: make(map[string]*domain.CacheEntry),
	}
}

func (s *MemoryCacheStore) Put(ctx context.Context, entry *domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.Key] = entry
	return nil
}

func (s *MemoryCacheStore) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.entries[key]
	if !exists {
		return nil, domain.ErrCacheEntryMissing
	}

	return entry, nil
}

func (s *MemoryCacheStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryCacheStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}

	return keys, nil
}

func (s *MemoryCacheStore) BytesUsed(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var used int64
	for _, entry := range s.entries {
		used += int64(len(entry.Data))
	}

	return used, nil
}
