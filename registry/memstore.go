package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type memoryItem struct {
	value    []byte
	deadline time.Time
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.deadline.IsZero() && now.After(i.deadline)
}

// MemoryStore implements Store in process memory with deadline-based
// leases. It is the single-process default and the unit-test double.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	sets  map[string]map[string]struct{}
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		sets:  make(map[string]map[string]struct{}),
		now:   time.Now,
	}
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.deadline = s.now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok || item.expired(s.now()) {
		return nil, errors.Wrapf(ErrKeyNotFound, "key %s", key)
	}
	return append([]byte(nil), item.value...), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	return ok && !item.expired(s.now()), nil
}

func (s *MemoryStore) SetAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) SetRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	return nil
}
