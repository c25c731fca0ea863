// Package store opens the cache.Store selected by configuration.
package store

import (
	"context"
	"fmt"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/internal/config"
	"github.com/briangreenhill/propertydata/internal/store/pgstore"
	"github.com/briangreenhill/propertydata/internal/store/redisstore"
	"github.com/briangreenhill/propertydata/internal/store/sqlitestore"
)

// Open connects to the backend named by cfg.Store.
func Open(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	var (
		s   cache.Store
		err error
	)
	switch cfg.Store {
	case config.StorePostgres:
		s, err = openAs(pgstore.New(ctx, cfg.DatabaseURL))
	case config.StoreSQLite:
		s, err = openAs(sqlitestore.Open(cfg.SQLitePath))
	case config.StoreRedis:
		s, err = openAs(redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPrefix))
	case config.StoreFile:
		s, err = openAs(cache.NewFileStore(cfg.FileCacheDir))
	case config.StoreMemory:
		s = cache.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	return s, nil
}

// openAs keeps a failed constructor's typed nil out of the interface
func openAs[S cache.Store](s S, err error) (cache.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
