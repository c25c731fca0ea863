// Package pgstore implements cache.Store on the api_cache table in Postgres.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briangreenhill/propertydata/cache"
)

//go:embed schema.sql
var schema string

const columns = `id::text, provider, cache_key, payload, fetched_at, ttl_seconds, etag, request_hash, response_size_bytes, is_stale`

const metaColumns = `id::text, provider, cache_key, NULL::json, fetched_at, ttl_seconds, etag, request_hash, response_size_bytes, is_stale`

const upsertSQL = `
INSERT INTO api_cache (id, provider, cache_key, payload, fetched_at, ttl_seconds, etag, request_hash, response_size_bytes, is_stale)
VALUES ($1::uuid, $2, $3, $4::json, $5, $6, $7, $8, $9, $10)
ON CONFLICT (provider, cache_key) DO UPDATE SET
    id = excluded.id,
    payload = excluded.payload,
    fetched_at = excluded.fetched_at,
    ttl_seconds = excluded.ttl_seconds,
    etag = excluded.etag,
    request_hash = excluded.request_hash,
    response_size_bytes = excluded.response_size_bytes,
    is_stale = excluded.is_stale`

// Store is a pgx-backed cache table.
type Store struct {
	pool *pgxpool.Pool
	// owned pools are closed by Close
	owned bool
}

// New connects to databaseURL and ensures the schema exists.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, owned: true}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps a pool owned by the caller.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the cache table and its indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate api_cache: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Get(ctx context.Context, provider cache.Provider, key string) (*cache.Entry, error) {
	return s.one(ctx, columns, provider, key)
}

func (s *Store) Meta(ctx context.Context, provider cache.Provider, key string) (*cache.Entry, error) {
	return s.one(ctx, metaColumns, provider, key)
}

func (s *Store) one(ctx context.Context, cols string, provider cache.Provider, key string) (*cache.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cols+` FROM api_cache WHERE provider = $1 AND cache_key = $2`,
		string(provider), key)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return e, nil
}

func (s *Store) GetMany(ctx context.Context, provider cache.Provider, keys []string) ([]*cache.Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+columns+` FROM api_cache WHERE provider = $1 AND cache_key = ANY($2)`,
		string(provider), keys)
	if err != nil {
		return nil, fmt.Errorf("get cache entries: %w", err)
	}
	defer rows.Close()

	var out []*cache.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return out, nil
}

// Upsert sends every row as one batch inside a transaction.
func (s *Store) Upsert(ctx context.Context, entries ...*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, e := range entries {
			b.Queue(upsertSQL,
				e.ID,
				string(e.Provider),
				e.Key,
				string(e.Payload),
				e.FetchedAt,
				e.TTLSeconds,
				e.ETag,
				e.RequestHash,
				e.ResponseSizeBytes,
				e.IsStale,
			)
		}
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return fmt.Errorf("upsert %d cache entries: %w", len(entries), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, provider cache.Provider, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM api_cache WHERE provider = $1 AND cache_key = $2`, string(provider), key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteProvider(ctx context.Context, provider cache.Provider) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM api_cache WHERE provider = $1`, string(provider)); err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM api_cache`); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

func (s *Store) MarkStale(ctx context.Context, provider cache.Provider, key string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE api_cache SET is_stale = true WHERE provider = $1 AND cache_key = $2`, string(provider), key); err != nil {
		return fmt.Errorf("mark stale: %w", err)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, provider cache.Provider, key, id string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE api_cache SET is_stale = true WHERE provider = $1 AND cache_key = $2 AND id::text = $3`,
		string(provider), key, id); err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM api_cache WHERE fetched_at + ttl_seconds * interval '1 second' < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Stats(ctx context.Context) (cache.StoreStats, error) {
	stats := cache.StoreStats{Providers: map[cache.Provider]int{}}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_stale),
		       COALESCE(SUM(response_size_bytes), 0)::bigint
		FROM api_cache`,
	).Scan(&stats.TotalEntries, &stats.StaleEntries, &stats.TotalSize)
	if err != nil {
		return cache.StoreStats{}, fmt.Errorf("stats: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT provider, COUNT(*) FROM api_cache WHERE NOT is_stale GROUP BY provider`)
	if err != nil {
		return cache.StoreStats{}, fmt.Errorf("provider stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return cache.StoreStats{}, fmt.Errorf("provider stats: %w", err)
		}
		stats.Providers[cache.Provider(p)] = n
	}
	if err := rows.Err(); err != nil {
		return cache.StoreStats{}, fmt.Errorf("provider stats: %w", err)
	}
	return stats, nil
}

func scanEntry(row pgx.Row) (*cache.Entry, error) {
	var e cache.Entry
	var provider string
	var payload []byte
	if err := row.Scan(
		&e.ID,
		&provider,
		&e.Key,
		&payload,
		&e.FetchedAt,
		&e.TTLSeconds,
		&e.ETag,
		&e.RequestHash,
		&e.ResponseSizeBytes,
		&e.IsStale,
	); err != nil {
		return nil, err
	}
	e.Provider = cache.Provider(provider)
	if len(payload) > 0 {
		e.Payload = payload
	}
	e.FetchedAt = e.FetchedAt.UTC()
	return &e, nil
}

var _ cache.Store = (*Store)(nil)
