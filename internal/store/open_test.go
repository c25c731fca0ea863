package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/internal/config"
	"github.com/briangreenhill/propertydata/internal/store/redisstore"
	"github.com/briangreenhill/propertydata/internal/store/sqlitestore"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.Config
		want cache.Store
	}{
		{"memory", config.Config{Store: config.StoreMemory}, &cache.MemoryStore{}},
		{"file", config.Config{Store: config.StoreFile, FileCacheDir: filepath.Join(dir, "files")}, &cache.FileStore{}},
		{"sqlite", config.Config{Store: config.StoreSQLite, SQLitePath: filepath.Join(dir, "cache.db")}, &sqlitestore.Store{}},
		{"redis", config.Config{Store: config.StoreRedis, RedisAddr: mr.Addr(), RedisPrefix: "t:"}, &redisstore.Store{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, &tt.cfg)
			require.NoError(t, err)
			defer s.Close()
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{Store: "mongo"})
	assert.Error(t, err)
}
