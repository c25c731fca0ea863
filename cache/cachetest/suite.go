// Package cachetest holds the conformance suite every cache.Store
// implementation runs in its own tests.
package cachetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/propertydata/cache"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) cache.Store

// base is a fixed instant with millisecond precision, the coarsest any
// store keeps
var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// NewEntry builds a row as the manager would.
func NewEntry(p cache.Provider, key, payload string, fetchedAt time.Time, ttl time.Duration) *cache.Entry {
	raw := json.RawMessage(payload)
	return &cache.Entry{
		ID:                uuid.NewString(),
		Provider:          p,
		Key:               key,
		Payload:           raw,
		FetchedAt:         fetchedAt,
		TTLSeconds:        int(ttl / time.Second),
		RequestHash:       cache.RequestHash(p, key, raw),
		ResponseSizeBytes: len(raw),
	}
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s cache.Store)
	}{
		{"GetMissing", testGetMissing},
		{"UpsertAndGet", testUpsertAndGet},
		{"UpsertReplaces", testUpsertReplaces},
		{"PayloadBytesPreserved", testPayloadBytesPreserved},
		{"MetaOmitsPayload", testMetaOmitsPayload},
		{"GetMany", testGetMany},
		{"UpsertMany", testUpsertMany},
		{"DeleteIsIdempotent", testDeleteIsIdempotent},
		{"MarkStaleIsSticky", testMarkStaleIsSticky},
		{"MarkStaleMissing", testMarkStaleMissing},
		{"ExpireChecksID", testExpireChecksID},
		{"DeleteProvider", testDeleteProvider},
		{"DeleteAll", testDeleteAll},
		{"DeleteExpired", testDeleteExpired},
		{"Stats", testStats},
		{"AwkwardKeys", testAwkwardKeys},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func testGetMissing(t *testing.T, s cache.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, cache.ProviderEPC, "NOPE")
	require.True(t, errors.Is(err, cache.ErrNotFound), "got %v", err)

	_, err = s.Meta(ctx, cache.ProviderEPC, "NOPE")
	require.True(t, errors.Is(err, cache.ErrNotFound), "got %v", err)
}

func testUpsertAndGet(t *testing.T, s cache.Store) {
	ctx := context.Background()
	want := NewEntry(cache.ProviderEPC, "SW1A1AA", `{"rating":"C"}`, base, time.Hour)
	want.ETag = `W/"abc"`

	require.NoError(t, s.Upsert(ctx, want))

	got, err := s.Get(ctx, cache.ProviderEPC, "SW1A1AA")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, cache.ProviderEPC, got.Provider)
	assert.Equal(t, "SW1A1AA", got.Key)
	assert.JSONEq(t, `{"rating":"C"}`, string(got.Payload))
	assert.True(t, base.Equal(got.FetchedAt), "fetched_at %v, want %v", got.FetchedAt, base)
	assert.Equal(t, 3600, got.TTLSeconds)
	assert.Equal(t, `W/"abc"`, got.ETag)
	assert.Equal(t, want.RequestHash, got.RequestHash)
	assert.Equal(t, want.ResponseSizeBytes, got.ResponseSizeBytes)
	assert.False(t, got.IsStale)
}

func testUpsertReplaces(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, NewEntry(cache.ProviderEPC, "K", `"A"`, base, time.Hour)))
	require.NoError(t, s.Upsert(ctx, NewEntry(cache.ProviderEPC, "K", `"B"`, base.Add(time.Minute), time.Hour)))

	got, err := s.Get(ctx, cache.ProviderEPC, "K")
	require.NoError(t, err)
	assert.JSONEq(t, `"B"`, string(got.Payload))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntries)
}

// The hash and size recorded at write time must describe the bytes Get returns.
func testPayloadBytesPreserved(t *testing.T, s cache.Store) {
	ctx := context.Background()
	e := NewEntry(cache.ProviderPricePaid, "K", `{"price":250000,"date":"2024-01-02","tenure":"F"}`, base, time.Hour)
	require.NoError(t, s.Upsert(ctx, e))

	got, err := s.Get(ctx, cache.ProviderPricePaid, "K")
	require.NoError(t, err)
	assert.Equal(t, string(e.Payload), string(got.Payload))
	assert.Equal(t, len(got.Payload), got.ResponseSizeBytes)
	assert.Equal(t, cache.RequestHash(cache.ProviderPricePaid, "K", got.Payload), got.RequestHash)
}

func testMetaOmitsPayload(t *testing.T, s cache.Store) {
	ctx := context.Background()
	e := NewEntry(cache.ProviderFlood, "K", `{"risk":"low"}`, base, 2*time.Hour)
	e.ETag = `"v1"`
	require.NoError(t, s.Upsert(ctx, e))

	got, err := s.Meta(ctx, cache.ProviderFlood, "K")
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
	assert.Equal(t, "K", got.Key)
	assert.Equal(t, 7200, got.TTLSeconds)
	assert.Equal(t, `"v1"`, got.ETag)
	assert.True(t, base.Equal(got.FetchedAt))
}

func testGetMany(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx,
		NewEntry(cache.ProviderPostcodes, "K1", `1`, base, time.Hour),
		NewEntry(cache.ProviderPostcodes, "K3", `3`, base, time.Hour),
		NewEntry(cache.ProviderEPC, "K2", `2`, base, time.Hour),
	))

	got, err := s.GetMany(ctx, cache.ProviderPostcodes, []string{"K1", "K2", "K3", "K4"})
	require.NoError(t, err)

	keys := map[string]string{}
	for _, e := range got {
		assert.Equal(t, cache.ProviderPostcodes, e.Provider)
		keys[e.Key] = string(e.Payload)
	}
	assert.Equal(t, map[string]string{"K1": "1", "K3": "3"}, keys)

	none, err := s.GetMany(ctx, cache.ProviderPostcodes, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUpsertMany(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx,
		NewEntry(cache.ProviderCrime, "A", `"a"`, base, time.Hour),
		NewEntry(cache.ProviderCrime, "B", `"b"`, base, time.Hour),
	))
	require.NoError(t, s.Upsert(ctx,
		NewEntry(cache.ProviderCrime, "B", `"b2"`, base, time.Hour),
		NewEntry(cache.ProviderCrime, "C", `"c"`, base, time.Hour),
	))

	got, err := s.GetMany(ctx, cache.ProviderCrime, []string{"A", "B", "C"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, e := range got {
		if e.Key == "B" {
			assert.JSONEq(t, `"b2"`, string(e.Payload))
		}
	}
}

func testDeleteIsIdempotent(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Delete(ctx, cache.ProviderEPC, "never-stored"))

	require.NoError(t, s.Upsert(ctx, NewEntry(cache.ProviderEPC, "K", `1`, base, time.Hour)))
	require.NoError(t, s.Delete(ctx, cache.ProviderEPC, "K"))
	require.NoError(t, s.Delete(ctx, cache.ProviderEPC, "K"))

	_, err := s.Get(ctx, cache.ProviderEPC, "K")
	require.True(t, errors.Is(err, cache.ErrNotFound))
}

func testMarkStaleIsSticky(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, NewEntry(cache.ProviderEPC, "K", `1`, base, time.Hour)))
	require.NoError(t, s.MarkStale(ctx, cache.ProviderEPC, "K"))

	got, err := s.Get(ctx, cache.ProviderEPC, "K")
	require.NoError(t, err)
	assert.True(t, got.IsStale)
	assert.JSONEq(t, `1`, string(got.Payload), "stale rows keep their payload")

	// marking twice changes nothing
	require.NoError(t, s.MarkStale(ctx, cache.ProviderEPC, "K"))
	got, err = s.Get(ctx, cache.ProviderEPC, "K")
	require.NoError(t, err)
	assert.True(t, got.IsStale)

	require.NoError(t, s.Upsert(ctx, NewEntry(cache.ProviderEPC, "K", `2`, base, time.Hour)))
	got, err = s.Get(ctx, cache.ProviderEPC, "K")
	require.NoError(t, err)
	assert.False(t, got.IsStale)
	assert.JSONEq(t, `2`, string(got.Payload))
}

func testMarkStaleMissing(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.MarkStale(ctx, cache.ProviderEPC, "missing"))

	_, err := s.Get(ctx, cache.ProviderEPC, "missing")
	require.True(t, errors.Is(err, cache.ErrNotFound), "mark stale must not create rows")
}

func testExpireChecksID(t *testing.T, s cache.Store) {
	ctx := context.Background()
	old := NewEntry(cache.ProviderEPC, "K", `1`, base, time.Second)
	require.NoError(t, s.Upsert(ctx, old))
	fresh := NewEntry(cache.ProviderEPC, "K", `2`, base.Add(time.Minute), time.Hour)
	require.NoError(t, s.Upsert(ctx, fresh))

	// the row read earlier has been replaced, so it must not be flagged
	require.NoError(t, s.Expire(ctx, cache.ProviderEPC, "K", old.ID))
	got, err := s.Get(ctx, cache.ProviderEPC, "K")
	require.NoError(t, err)
	assert.False(t, got.IsStale)
	assert.JSONEq(t, `2`, string(got.Payload))

	require.NoError(t, s.Expire(ctx, cache.ProviderEPC, "K", fresh.ID))
	got, err = s.Get(ctx, cache.ProviderEPC, "K")
	require.NoError(t, err)
	assert.True(t, got.IsStale)

	require.NoError(t, s.Expire(ctx, cache.ProviderEPC, "missing", uuid.NewString()))
	_, err = s.Get(ctx, cache.ProviderEPC, "missing")
	require.True(t, errors.Is(err, cache.ErrNotFound), "expire must not create rows")
}

func testDeleteProvider(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx,
		NewEntry(cache.ProviderEPC, "A", `1`, base, time.Hour),
		NewEntry(cache.ProviderEPC, "B", `1`, base, time.Hour),
		NewEntry(cache.ProviderFlood, "A", `1`, base, time.Hour),
	))
	require.NoError(t, s.DeleteProvider(ctx, cache.ProviderEPC))

	_, err := s.Get(ctx, cache.ProviderEPC, "A")
	assert.True(t, errors.Is(err, cache.ErrNotFound))
	_, err = s.Get(ctx, cache.ProviderFlood, "A")
	assert.NoError(t, err)

	require.NoError(t, s.DeleteProvider(ctx, cache.ProviderPlanning))
}

func testDeleteAll(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx,
		NewEntry(cache.ProviderEPC, "A", `1`, base, time.Hour),
		NewEntry(cache.ProviderFlood, "A", `1`, base, time.Hour),
	))
	require.NoError(t, s.DeleteAll(ctx))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEntries)

	// the store stays usable
	require.NoError(t, s.Upsert(ctx, NewEntry(cache.ProviderEPC, "A", `1`, base, time.Hour)))
	_, err = s.Get(ctx, cache.ProviderEPC, "A")
	assert.NoError(t, err)
}

func testDeleteExpired(t *testing.T, s cache.Store) {
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx,
		NewEntry(cache.ProviderEPC, "old-1", `1`, base, time.Second),
		NewEntry(cache.ProviderEPC, "old-2", `1`, base, time.Second),
		NewEntry(cache.ProviderFlood, "fresh", `1`, base, time.Hour),
	))
	// expiry and staleness are independent: a stale but unexpired row stays
	require.NoError(t, s.Upsert(ctx, NewEntry(cache.ProviderCrime, "stale", `1`, base, time.Hour)))
	require.NoError(t, s.MarkStale(ctx, cache.ProviderCrime, "stale"))

	n, err := s.DeleteExpired(ctx, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)

	// exactly at the boundary the row is still inside its window
	require.NoError(t, s.Upsert(ctx, NewEntry(cache.ProviderEPC, "edge", `1`, base, time.Minute)))
	n, err = s.DeleteExpired(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func testStats(t *testing.T, s cache.Store) {
	ctx := context.Background()
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEntries)

	require.NoError(t, s.Upsert(ctx,
		NewEntry(cache.ProviderEPC, "A", `"aaaa"`, base, time.Hour),
		NewEntry(cache.ProviderEPC, "B", `"bb"`, base, time.Hour),
		NewEntry(cache.ProviderFlood, "A", `1`, base, time.Hour),
	))
	require.NoError(t, s.MarkStale(ctx, cache.ProviderEPC, "B"))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 1, stats.StaleEntries)
	assert.EqualValues(t, len(`"aaaa"`)+len(`"bb"`)+len(`1`), stats.TotalSize)
	assert.Equal(t, map[cache.Provider]int{cache.ProviderEPC: 1, cache.ProviderFlood: 1}, stats.Providers)
}

func testAwkwardKeys(t *testing.T, s cache.Store) {
	ctx := context.Background()
	keys := []string{
		"SW1A 1AA",
		"a:b",
		"a_b",
		"path/with/slashes?and=query&x=1",
		"ünïcødé",
	}
	for i, k := range keys {
		require.NoError(t, s.Upsert(ctx, NewEntry(cache.ProviderPlanning, k, `{"i":`+string(rune('0'+i))+`}`, base, time.Hour)))
	}
	for i, k := range keys {
		got, err := s.Get(ctx, cache.ProviderPlanning, k)
		require.NoError(t, err, k)
		assert.Equal(t, k, got.Key)
		assert.JSONEq(t, `{"i":`+string(rune('0'+i))+`}`, string(got.Payload), k)
	}
}
