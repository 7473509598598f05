package memory

import (
	"context"
	"sync"

	"ringline/internal/core/domain"
	"ringline/internal/core/ports"
)

type MemoryDeviceStore struct {
	values map[string]string
	mu     sync.RWMutex
}

func NewMemoryDeviceStore() ports.DeviceStore {
	return &MemoryDeviceStore{
		values: make(map[string]string),
	}
}

func (s *MemoryDeviceStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.values[key]
	if !exists {
		return "", domain.ErrDeviceIDNotFound
	}
	return value, nil
}

func (s *MemoryDeviceStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}
