package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used by tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[string]string
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]string)}
}

func (s *MemoryStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.data[namespace][key]
	return v, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, namespace, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string]string)
		s.data[namespace] = ns
	}
	ns[key] = value
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data[namespace], key)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(s.data[namespace]))
	for k := range s.data[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
