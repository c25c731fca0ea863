package cache

import (
	"context"
	"sync"
	"time"
)

type memKey struct {
	provider Provider
	key      string
}

// MemoryStore keeps rows in a map. It is process-local and intended for
// tests and single-instance tools.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[memKey]*Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[memKey]*Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, provider Provider, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rows[memKey{provider, key}]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (s *MemoryStore) Meta(ctx context.Context, provider Provider, key string) (*Entry, error) {
	e, err := s.Get(ctx, provider, key)
	if err != nil {
		return nil, err
	}
	e.Payload = nil
	return e, nil
}

func (s *MemoryStore) GetMany(ctx context.Context, provider Provider, keys []string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := s.rows[memKey{provider, k}]; ok {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, entries ...*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.rows[memKey{e.Provider, e.Key}] = cloneEntry(e)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, provider Provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, memKey{provider, key})
	return nil
}

func (s *MemoryStore) DeleteProvider(ctx context.Context, provider Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.rows {
		if k.provider == provider {
			delete(s.rows, k)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[memKey]*Entry)
	return nil
}

func (s *MemoryStore) MarkStale(ctx context.Context, provider Provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.rows[memKey{provider, key}]; ok {
		e.IsStale = true
	}
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context, provider Provider, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.rows[memKey{provider, key}]; ok && e.ID == id {
		e.IsStale = true
	}
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.rows {
		if e.ExpiresAt().Before(now) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := StoreStats{Providers: map[Provider]int{}}
	for _, e := range s.rows {
		stats.Add(e)
	}
	return stats, nil
}

func (s *MemoryStore) Close() error { return nil }

// Add folds one row into the aggregates.
func (s *StoreStats) Add(e *Entry) {
	if s.Providers == nil {
		s.Providers = map[Provider]int{}
	}
	s.TotalEntries++
	s.TotalSize += int64(e.ResponseSizeBytes)
	if e.IsStale {
		s.StaleEntries++
		return
	}
	s.Providers[e.Provider]++
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
