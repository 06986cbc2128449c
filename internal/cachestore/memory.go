package cachestore

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]map[string]Entry
	closed      bool
}

// NewMemory returns a process-local store. Generations disappear with the process.
func NewMemory() Store {
	return &memoryStore{generations: make(map[string]map[string]Entry)}
}

func (s *memoryStore) Open(_ context.Context, generation string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.generations[generation]; !ok {
		s.generations[generation] = make(map[string]Entry)
	}
	return &memoryHandle{store: s, generation: generation}, nil
}

func (s *memoryStore) DeleteGeneration(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.generations[name]
	delete(s.generations, name)
	return ok, nil
}

func (s *memoryStore) ListGenerations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.generations = nil
	return nil
}

type memoryHandle struct {
	store      *memoryStore
	generation string
}

func (h *memoryHandle) Generation() string { return h.generation }

func (h *memoryHandle) Match(_ context.Context, key Key) (Entry, bool, error) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	if h.store.closed {
		return Entry{}, false, ErrClosed
	}
	// A deleted generation behaves as empty rather than being recreated.
	entries, ok := h.store.generations[h.generation]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := entries[key.String()]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (h *memoryHandle) Put(_ context.Context, key Key, entry Entry) error {
	if err := validatePut(key, entry); err != nil {
		return err
	}
	stored := prepareEntry(entry)
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.store.closed {
		return ErrClosed
	}
	entries, ok := h.store.generations[h.generation]
	if !ok {
		return ErrGenerationGone
	}
	entries[key.String()] = stored
	return nil
}

func (h *memoryHandle) Size(_ context.Context) (int64, error) {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	if h.store.closed {
		return 0, ErrClosed
	}
	return int64(len(h.store.generations[h.generation])), nil
}
