package cache_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/briangreenhill/propertydata/cache"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errStoreDown = errors.New("store unavailable")

// brokenStore fails every call
type brokenStore struct{}

func (brokenStore) Get(context.Context, cache.Provider, string) (*cache.Entry, error) {
	return nil, errStoreDown
}
func (brokenStore) Meta(context.Context, cache.Provider, string) (*cache.Entry, error) {
	return nil, errStoreDown
}
func (brokenStore) GetMany(context.Context, cache.Provider, []string) ([]*cache.Entry, error) {
	return nil, errStoreDown
}
func (brokenStore) Upsert(context.Context, ...*cache.Entry) error {
	return errStoreDown
}
func (brokenStore) Delete(context.Context, cache.Provider, string) error {
	return errStoreDown
}
func (brokenStore) DeleteProvider(context.Context, cache.Provider) error {
	return errStoreDown
}
func (brokenStore) DeleteAll(context.Context) error {
	return errStoreDown
}
func (brokenStore) MarkStale(context.Context, cache.Provider, string) error {
	return errStoreDown
}
func (brokenStore) Expire(context.Context, cache.Provider, string, string) error {
	return errStoreDown
}
func (brokenStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, errStoreDown
}
func (brokenStore) Stats(context.Context) (cache.StoreStats, error) {
	return cache.StoreStats{}, errStoreDown
}
func (brokenStore) Close() error {
	return nil
}

// countingStore records how many calls reach the wrapped store
type countingStore struct {
	cache.Store
	mu      sync.Mutex
	getMany int
	upserts int
}

func (s *countingStore) GetMany(ctx context.Context, p cache.Provider, keys []string) ([]*cache.Entry, error) {
	s.mu.Lock()
	s.getMany++
	s.mu.Unlock()
	return s.Store.GetMany(ctx, p, keys)
}

func (s *countingStore) Upsert(ctx context.Context, entries ...*cache.Entry) error {
	s.mu.Lock()
	s.upserts++
	s.mu.Unlock()
	return s.Store.Upsert(ctx, entries...)
}

// interleavingStore runs afterGet once, right after the first Get has read
// its row, to simulate a write from another instance landing in between
type interleavingStore struct {
	cache.Store
	once     sync.Once
	afterGet func()
}

func (s *interleavingStore) Get(ctx context.Context, p cache.Provider, key string) (*cache.Entry, error) {
	e, err := s.Store.Get(ctx, p, key)
	s.once.Do(s.afterGet)
	return e, err
}

func newTestManager(opts ...cache.Option) (*cache.Manager, *cache.MemoryStore, *fakeClock) {
	store := cache.NewMemoryStore()
	clock := newFakeClock()
	opts = append([]cache.Option{cache.WithClock(clock.Now)}, opts...)
	return cache.NewManager(store, opts...), store, clock
}
