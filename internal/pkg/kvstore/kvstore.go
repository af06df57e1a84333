package kvstore

import (
	"sync"
)

// KVStore is a map guarded by a read-write mutex.
type KVStore[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

// New creates new KVStore instance.
func New[K comparable, V any]() *KVStore[K, V] {
	return &KVStore[K, V]{data: make(map[K]V)}
}

// Get returns value by key.
func (s *KVStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.data[key]
	return item, ok
}

// Has reports whether key is present.
func (s *KVStore[K, V]) Has(key K) bool {
	_, ok := s.Get(key)
	return ok
}

// Set stores value in storage making it accessible by key.
func (s *KVStore[K, V]) Set(key K, data V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
}

// SetIfAbsent stores value only when key is not present yet.
// Returns false if the key was already taken.
func (s *KVStore[K, V]) SetIfAbsent(key K, data V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return false
	}
	s.data[key] = data
	return true
}

// Remove entry by key.
func (s *KVStore[K, V]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

// Len returns the number of stored entries.
func (s *KVStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
