package memory

import (
	"context"
	"sync"

	"github.com/lattix-ai/lattix/pkg/common"
)

// KVStore is an in-process byte cache.
type KVStore struct {
	mu      sync.RWMutex
	path    string
	maxKeys int
	data    map[string][]byte
}

// KVParams configures a KVStore. Path enables JSON persistence; MaxKeys caps
// capacity (zero means unlimited).
type KVParams struct {
	Path    string
	MaxKeys int
}

// NewKVStore creates an empty in-memory KV store.
func NewKVStore(params KVParams) *KVStore {
	return &KVStore{
		path:    params.Path,
		maxKeys: params.MaxKeys,
		data:    make(map[string][]byte),
	}
}

// Get returns the value stored under key, if present.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores value under key, replacing any previous value.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok && s.maxKeys > 0 && len(s.data) >= s.maxKeys {
		return &common.CapacityExceededError{Store: "memory-kv", Limit: s.maxKeys}
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Has reports whether key is present.
func (s *KVStore) Has(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// Delete removes key. Missing keys are ignored.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Persist writes the store to its configured file.
func (s *KVStore) Persist(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return saveJSON(s.path, s.data)
}

// Load replaces the store contents from its configured file.
func (s *KVStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := make(map[string][]byte)
	if err := loadJSON(s.path, &loaded); err != nil {
		return err
	}
	if len(loaded) > 0 {
		s.data = loaded
	}
	return nil
}
