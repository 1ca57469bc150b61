package cache

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how often SetNX scans the whole map for expired keys.
const sweepEvery = time.Minute

type memItem struct {
	v       []byte
	expires time.Time
	noexp   bool
}

func (it memItem) expired(now time.Time) bool {
	return !it.noexp && !it.expires.IsZero() && now.After(it.expires)
}

// MemoryStore is the single-process Store. Expired keys are dropped on the
// next SetNX after sweepEvery has passed, since resolved orders never touch
// their claim again.
type MemoryStore struct {
	mu        sync.Mutex
	items     map[string]memItem
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memItem{}, now: time.Now}
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	if it, ok := s.items[key]; ok && !it.expired(now) {
		return false, nil
	}
	s.items[key] = newItem(value, ttl, now)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len reports how many keys are held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepEvery {
		return
	}
	s.lastSweep = now
	for k, it := range s.items {
		if it.expired(now) {
			delete(s.items, k)
		}
	}
}

func newItem(value []byte, ttl time.Duration, now time.Time) memItem {
	it := memItem{}
	if len(value) > 0 {
		it.v = make([]byte, len(value))
		copy(it.v, value)
	}
	if ttl <= 0 {
		it.noexp = true
	} else {
		it.expires = now.Add(ttl)
	}
	return it
}
