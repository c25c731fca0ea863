package cache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/cache/cachetest"
)

func TestMemoryStore(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Store {
		return cache.NewMemoryStore()
	})
}

func TestFileStore(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Store {
		s, err := cache.NewFileStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := cache.NewMemoryStore()
	e := cachetest.NewEntry(cache.ProviderEPC, "K", `"v"`, time.Now(), time.Hour)
	require.NoError(t, s.Upsert(ctx, e))

	e.IsStale = true
	got, err := s.Get(ctx, cache.ProviderEPC, "K")
	require.NoError(t, err)
	assert.False(t, got.IsStale)

	got.Payload[0] = 'x'
	again, _ := s.Get(ctx, cache.ProviderEPC, "K")
	assert.Equal(t, `"v"`, string(again.Payload))
}

func TestFileStore_Layout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := cache.NewFileStore(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	require.NoError(t, s.Upsert(ctx, cachetest.NewEntry(cache.ProviderEPC, "K", `1`, time.Now(), time.Hour)))

	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return err
	})
	require.NoError(t, err)
	require.Len(t, files, 1, "temporary files are renamed into place")
	assert.Equal(t, ".json", filepath.Ext(files[0]))
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := cache.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, cachetest.NewEntry(cache.ProviderFlood, "K", `{"risk":"high"}`, time.Now(), time.Hour)))
	require.NoError(t, s.Close())

	reopened, err := cache.NewFileStore(dir)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, cache.ProviderFlood, "K")
	require.NoError(t, err)
	assert.JSONEq(t, `{"risk":"high"}`, string(got.Payload))
}

func TestFileStore_SkipsCorruptRows(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := cache.NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, cachetest.NewEntry(cache.ProviderEPC, "ok", `1`, time.Now(), time.Hour)))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "junk"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk", "bad.json"), []byte("{"), 0o600))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntries)
}
