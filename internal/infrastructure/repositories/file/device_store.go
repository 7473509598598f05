package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"

	"ringline/internal/core/domain"
)

// YAMLDeviceStore persists small key-value pairs in a YAML file, one per
// installation. Writes replace the file atomically.
type YAMLDeviceStore struct {
	path string
	mu   sync.Mutex
}

func NewYAMLDeviceStore(path string) *YAMLDeviceStore {
	return &YAMLDeviceStore{path: path}
}

func (s *YAMLDeviceStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read device store: %w", err)
	}

	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse device store %s: %w", s.path, err)
	}
	return values, nil
}

func (s *YAMLDeviceStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", domain.ErrDeviceIDNotFound
	}
	return value, nil
}

func (s *YAMLDeviceStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value

	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode device store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create device store dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".device-*.yaml")
	if err != nil {
		return fmt.Errorf("write device store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write device store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write device store: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}
