package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bluele/gcache"

	"bus-tracker/internal/route"
)

// MemoryStore keeps encoded entries in a process-local LRU. It backs tests and
// single-instance deployments without NATS.
type MemoryStore struct {
	c   gcache.Cache
	ttl time.Duration

	mu sync.Mutex // serializes writes so PutIfAbsent's check and set are one step
}

func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 4096
	}
	return &MemoryStore{c: gcache.New(size).LRU().Build(), ttl: ttl}
}

func (s *MemoryStore) Put(_ context.Context, key route.Key, g route.Geometry) error {
	b, err := encode(g)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(key, b)
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, key route.Key, g route.Geometry) (bool, error) {
	b, err := encode(g)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c.Has(KeyFor(key)) {
		return false, nil
	}
	if err := s.set(key, b); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) set(key route.Key, b []byte) error {
	if s.ttl > 0 {
		return s.c.SetWithExpire(KeyFor(key), b, s.ttl)
	}
	return s.c.Set(KeyFor(key), b)
}

func (s *MemoryStore) GetRaw(_ context.Context, key route.Key) ([]byte, error) {
	v, err := s.c.Get(KeyFor(key))
	if err != nil {
		if errors.Is(err, gcache.KeyNotFoundError) {
			return nil, ErrMiss
		}
		return nil, err
	}
	b, _ := v.([]byte)
	// entries are immutable once stored; hand out a copy anyway
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Get(ctx context.Context, key route.Key) (route.Geometry, error) {
	b, err := s.GetRaw(ctx, key)
	if err != nil {
		return route.Geometry{}, err
	}
	return decode(b)
}

func (s *MemoryStore) Delete(_ context.Context, key route.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Remove(KeyFor(key))
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]route.Key, error) {
	raw := s.c.Keys(true)
	keys := make([]route.Key, 0, len(raw))
	for _, k := range raw {
		str, ok := k.(string)
		if !ok {
			continue
		}
		rk, err := ParseKey(str)
		if err != nil {
			continue
		}
		keys = append(keys, rk)
	}
	return keys, nil
}
