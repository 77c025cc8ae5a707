package kv

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Key][]byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[Key][]byte),
	}
}

func (s *MemoryStore) Get(_ context.Context, key Key) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	// Return a copy to avoid external mutation.
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Iterate walks records in ascending key order. Map iteration order is
// random, so keys are collected and sorted first; chain state loading
// depends on a deterministic walk.
func (s *MemoryStore) Iterate(_ context.Context, collection, owner string, fn IterFunc) error {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.data))
	for k := range s.data {
		if k.Collection != collection {
			continue
		}
		if owner != "" && k.Owner != owner {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	// Snapshot values under the same lock so fn runs without holding it.
	values := make([][]byte, len(keys))
	for i, k := range keys {
		v := s.data[k]
		values[i] = make([]byte, len(v))
		copy(values[i], v)
	}
	s.mu.RUnlock()

	for i, k := range keys {
		stop, err := fn(k, values[i])
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for k := range s.data {
		if k.Collection == collection {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Write(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range batch.ops {
		if op.delete {
			delete(s.data, op.key)
			continue
		}
		s.put(op.key, op.value)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// put stores a copy of value under key. Caller holds the write lock.
func (s *MemoryStore) put(key Key, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
}
