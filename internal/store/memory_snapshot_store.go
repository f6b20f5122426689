package store

import (
	"context"
	"sync"
)

type MemorySnapshotBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemorySnapshotBackend() *MemorySnapshotBackend {
	return &MemorySnapshotBackend{entries: map[string][]byte{}}
}

func (s *MemorySnapshotBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (s *MemorySnapshotBackend) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemorySnapshotBackend) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemorySnapshotBackend) Backend() string {
	return SnapshotBackendMemory
}

func (s *MemorySnapshotBackend) Close() error {
	return nil
}
