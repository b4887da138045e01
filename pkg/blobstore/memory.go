package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/afoxnyc3/invoice-agent/internal/errors"
)

// MemoryStore is an in-memory Store for tests, enforcing the same
// write-once invariant the S3-backed implementation does.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[key]; exists {
		return nil // write-once: a second Put for the same key is a no-op, not an overwrite
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, appErrors.Newf(appErrors.ErrorTypeNotFound, "blob %s not found", key)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	_, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return "", appErrors.Newf(appErrors.ErrorTypeNotFound, "blob %s not found", key)
	}
	return fmt.Sprintf("memory://%s?expires=%s", key, ttl), nil
}
