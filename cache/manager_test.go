package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/propertydata/cache"
)

type epcResult struct {
	Rating string `json:"rating"`
}

func TestManager_EPCLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	ok, err := m.Set(ctx, cache.ProviderEPC, "SW1A1AA", epcResult{Rating: "C"}, cache.TTL(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	got, ok := cache.Get[epcResult](ctx, m, cache.ProviderEPC, "SW1A1AA")
	require.True(t, ok)
	assert.Equal(t, "C", got.Rating)

	info, ok := m.GetInfo(ctx, cache.ProviderEPC, "SW1A1AA")
	require.True(t, ok)
	assert.True(t, info.Cached)
	assert.Equal(t, time.Hour, info.TTL)
	assert.Equal(t, "SW1A1AA", info.CacheKey)

	assert.True(t, m.Invalidate(ctx, cache.ProviderEPC, "SW1A1AA"))
	_, ok = m.Get(ctx, cache.ProviderEPC, "SW1A1AA")
	assert.False(t, ok)
}

func TestManager_Validity(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newTestManager()

	_, err := m.Set(ctx, cache.ProviderFlood, "K", map[string]string{"risk": "low"}, cache.TTL(time.Second))
	require.NoError(t, err)

	raw, ok := m.Get(ctx, cache.ProviderFlood, "K")
	require.True(t, ok)
	assert.JSONEq(t, `{"risk":"low"}`, string(raw))

	// still valid exactly at fetched_at + ttl
	clock.Advance(time.Second)
	_, ok = m.Get(ctx, cache.ProviderFlood, "K")
	assert.True(t, ok)

	clock.Advance(time.Millisecond)
	_, ok = m.Get(ctx, cache.ProviderFlood, "K")
	assert.False(t, ok)

	row, err := store.Get(ctx, cache.ProviderFlood, "K")
	require.NoError(t, err)
	assert.True(t, row.IsStale, "expired rows are marked stale when read")
}

func TestManager_SetReplaces(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	_, _ = m.Set(ctx, cache.ProviderEPC, "K", "A")
	_, _ = m.Set(ctx, cache.ProviderEPC, "K", "B")

	got, ok := cache.Get[string](ctx, m, cache.ProviderEPC, "K")
	require.True(t, ok)
	assert.Equal(t, "B", got)
	assert.Equal(t, 1, m.Stats(ctx).TotalEntries)
}

func TestManager_InvalidateMissing(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	assert.True(t, m.Invalidate(ctx, cache.ProviderCrime, "never"))
	_, ok := m.Get(ctx, cache.ProviderCrime, "never")
	assert.False(t, ok)
}

func TestManager_MarkStaleIsSticky(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	_, _ = m.Set(ctx, cache.ProviderEPC, "K", 1, cache.TTL(time.Hour))
	require.True(t, m.MarkStale(ctx, cache.ProviderEPC, "K"))

	for i := 0; i < 2; i++ {
		_, ok := m.Get(ctx, cache.ProviderEPC, "K")
		assert.False(t, ok)
	}
	assert.False(t, m.Exists(ctx, cache.ProviderEPC, "K"))

	info, ok := m.GetInfo(ctx, cache.ProviderEPC, "K")
	require.True(t, ok)
	assert.True(t, info.Stale)
	assert.False(t, info.Cached)

	_, _ = m.Set(ctx, cache.ProviderEPC, "K", 2)
	got, ok := cache.Get[int](ctx, m, cache.ProviderEPC, "K")
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestManager_LazyExpirySparesConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	clock := newFakeClock()
	writer := cache.NewManager(store, cache.WithClock(clock.Now))

	_, _ = writer.Set(ctx, cache.ProviderEPC, "K", "old", cache.TTL(time.Minute))
	clock.Advance(2 * time.Minute)

	racing := &interleavingStore{Store: store, afterGet: func() {
		_, _ = writer.Set(ctx, cache.ProviderEPC, "K", "fresh", cache.TTL(time.Hour))
	}}
	reader := cache.NewManager(racing, cache.WithClock(clock.Now))

	_, ok := reader.Get(ctx, cache.ProviderEPC, "K")
	require.False(t, ok, "the row read was expired")

	got, ok := cache.Get[string](ctx, reader, cache.ProviderEPC, "K")
	require.True(t, ok, "the row written after the read stays valid")
	assert.Equal(t, "fresh", got)
}

func TestManager_StaleSurvivesClockSkew(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager()

	_, _ = m.Set(ctx, cache.ProviderEPC, "K", 1, cache.TTL(time.Minute))
	clock.Advance(2 * time.Minute)
	_, ok := m.Get(ctx, cache.ProviderEPC, "K")
	require.False(t, ok)

	clock.Advance(-5 * time.Minute)
	_, ok = m.Get(ctx, cache.ProviderEPC, "K")
	assert.False(t, ok)
}

func TestManager_ExistsDoesNotMarkStale(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newTestManager()

	_, _ = m.Set(ctx, cache.ProviderEPC, "K", 1, cache.TTL(time.Minute))
	assert.True(t, m.Exists(ctx, cache.ProviderEPC, "K"))

	clock.Advance(2 * time.Minute)
	assert.False(t, m.Exists(ctx, cache.ProviderEPC, "K"))

	row, err := store.Get(ctx, cache.ProviderEPC, "K")
	require.NoError(t, err)
	assert.False(t, row.IsStale)
	assert.False(t, m.Exists(ctx, cache.ProviderEPC, "missing"))
}

func TestManager_GetInfo(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager()

	_, ok := m.GetInfo(ctx, cache.ProviderEPC, "K")
	assert.False(t, ok)

	start := clock.Now()
	_, _ = m.Set(ctx, cache.ProviderEPC, "K", 1, cache.TTL(90*time.Second), cache.ETag(`"v1"`))

	info, ok := m.GetInfo(ctx, cache.ProviderEPC, "K")
	require.True(t, ok)
	assert.Equal(t, start, info.FetchedAt)
	assert.Equal(t, start.Add(90*time.Second), info.ExpiresAt)
	assert.Equal(t, 90*time.Second, info.TTL)
	assert.Equal(t, `"v1"`, info.ETag)

	clock.Advance(2 * time.Minute)
	info, ok = m.GetInfo(ctx, cache.ProviderEPC, "K")
	require.True(t, ok)
	assert.False(t, info.Cached)
	assert.False(t, info.Stale, "GetInfo is read-only")
}

func TestManager_TTLResolution(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(
		cache.WithDefaultTTL(10*time.Minute),
		cache.WithProviderTTL(cache.ProviderPlanning, 24*time.Hour),
	)

	tests := []struct {
		name     string
		provider cache.Provider
		opts     []cache.SetOption
		want     time.Duration
	}{
		{"default", cache.ProviderEPC, nil, 10 * time.Minute},
		{"provider", cache.ProviderPlanning, nil, 24 * time.Hour},
		{"explicit wins", cache.ProviderPlanning, []cache.SetOption{cache.TTL(time.Minute)}, time.Minute},
		{"non-positive ignored", cache.ProviderEPC, []cache.SetOption{cache.TTL(-time.Second)}, 10 * time.Minute},
		{"sub-second rounds up", cache.ProviderEPC, []cache.SetOption{cache.TTL(1500 * time.Millisecond)}, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Set(ctx, tt.provider, tt.name, true, tt.opts...)
			require.NoError(t, err)
			info, ok := m.GetInfo(ctx, tt.provider, tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.want, info.TTL)
		})
	}
}

func TestManager_MaxSize(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(cache.WithMaxSize(8))

	ok, err := m.Set(ctx, cache.ProviderEPC, "small", "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Set(ctx, cache.ProviderEPC, "big", "this string is far too long")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, m.Exists(ctx, cache.ProviderEPC, "big"))
}

func TestManager_NotSerializable(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	ok, err := m.Set(ctx, cache.ProviderEPC, "K", make(chan int))
	assert.False(t, ok)
	assert.True(t, errors.Is(err, cache.ErrNotSerializable), "got %v", err)
}

func TestManager_FailsOpen(t *testing.T) {
	ctx := context.Background()
	m := cache.NewManager(brokenStore{})

	_, ok := m.Get(ctx, cache.ProviderEPC, "K")
	assert.False(t, ok)

	ok, err := m.Set(ctx, cache.ProviderEPC, "K", 1)
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.False(t, m.Exists(ctx, cache.ProviderEPC, "K"))
	_, ok = m.GetInfo(ctx, cache.ProviderEPC, "K")
	assert.False(t, ok)
	assert.False(t, m.Invalidate(ctx, cache.ProviderEPC, "K"))
	assert.False(t, m.MarkStale(ctx, cache.ProviderEPC, "K"))
	assert.False(t, m.ClearProvider(ctx, cache.ProviderEPC))
	assert.False(t, m.ClearAll(ctx))
	assert.Equal(t, 0, m.Cleanup(ctx))

	stats := m.Stats(ctx)
	assert.Equal(t, 0, stats.TotalEntries)
	assert.EqualValues(t, 10, stats.Errors)
	assert.EqualValues(t, 1, stats.Misses)

	got := m.BatchGet(ctx, cache.ProviderEPC, []string{"a", "b"})
	assert.Equal(t, map[string][]byte{"a": nil, "b": nil}, toBytes(got))
}

func TestManager_ClearProviderAndAll(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	_, _ = m.Set(ctx, cache.ProviderEPC, "A", 1)
	_, _ = m.Set(ctx, cache.ProviderFlood, "A", 1)

	require.True(t, m.ClearProvider(ctx, cache.ProviderEPC))
	assert.False(t, m.Exists(ctx, cache.ProviderEPC, "A"))
	assert.True(t, m.Exists(ctx, cache.ProviderFlood, "A"))

	require.True(t, m.ClearAll(ctx))
	assert.Equal(t, 0, m.Stats(ctx).TotalEntries)
}

func TestManager_Cleanup(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestManager()

	_, _ = m.Set(ctx, cache.ProviderEPC, "a", 1, cache.TTL(time.Second))
	_, _ = m.Set(ctx, cache.ProviderEPC, "b", 1, cache.TTL(time.Second))
	_, _ = m.Set(ctx, cache.ProviderEPC, "keep", 1, cache.TTL(time.Hour))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, m.Cleanup(ctx))

	stats := m.Stats(ctx)
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 0, m.Cleanup(ctx))
}

func TestManager_Stats(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager()

	_, _ = m.Set(ctx, cache.ProviderEPC, "a", "xx")
	_, _ = m.Set(ctx, cache.ProviderEPC, "b", "yy")
	_, _ = m.Set(ctx, cache.ProviderCrime, "a", 1)
	m.MarkStale(ctx, cache.ProviderEPC, "b")

	m.Get(ctx, cache.ProviderEPC, "a")
	m.Get(ctx, cache.ProviderEPC, "b")
	m.Get(ctx, cache.ProviderEPC, "c")

	stats := m.Stats(ctx)
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 1, stats.StaleEntries)
	assert.EqualValues(t, len(`"xx"`)+len(`"yy"`)+len(`1`), stats.TotalSize)
	assert.Equal(t, map[cache.Provider]int{cache.ProviderEPC: 1, cache.ProviderCrime: 1}, stats.Providers)
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 2, stats.Misses)
	assert.EqualValues(t, 0, stats.Errors)
}

func TestManager_Options(t *testing.T) {
	m := cache.NewManager(cache.NewMemoryStore(), cache.WithOptions(cache.Options{}))
	opts := m.Options()
	assert.Equal(t, time.Hour, opts.DefaultTTL)
	assert.Equal(t, time.Hour, opts.CleanupInterval)
	assert.NotNil(t, opts.ProviderTTL)

	opts.ProviderTTL[cache.ProviderEPC] = time.Second
	_, overridden := m.Options().ProviderTTL[cache.ProviderEPC]
	assert.False(t, overridden, "Options returns a copy")
}

func toBytes[T ~[]byte](in map[string]T) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = []byte(v)
	}
	return out
}
