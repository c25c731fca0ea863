// Package sqlitestore implements cache.Store on a single SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/briangreenhill/propertydata/cache"
)

//go:embed schema.sql
var schema string

const columns = `id, provider, cache_key, payload, fetched_at, ttl_seconds, etag, request_hash, response_size_bytes, is_stale`

const metaColumns = `id, provider, cache_key, NULL, fetched_at, ttl_seconds, etag, request_hash, response_size_bytes, is_stale`

// Store provides SQLite-backed persistence for cached API responses.
type Store struct {
	sqlDB *sql.DB
}

// Open opens and migrates the cache database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, provider cache.Provider, key string) (*cache.Entry, error) {
	return s.one(ctx, columns, provider, key)
}

func (s *Store) Meta(ctx context.Context, provider cache.Provider, key string) (*cache.Entry, error) {
	return s.one(ctx, metaColumns, provider, key)
}

func (s *Store) one(ctx context.Context, cols string, provider cache.Provider, key string) (*cache.Entry, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+cols+` FROM api_cache WHERE provider = ? AND cache_key = ?`,
		string(provider), key,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
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

	args := make([]any, 0, len(keys)+1)
	args = append(args, string(provider))
	for _, k := range keys {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+columns+` FROM api_cache WHERE provider = ? AND cache_key IN (`+placeholders+`)`,
		args...,
	)
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

// Upsert writes every row in one transaction.
func (s *Store) Upsert(ctx context.Context, entries ...*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO api_cache (`+columns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, cache_key) DO UPDATE SET
		    id = excluded.id,
		    payload = excluded.payload,
		    fetched_at = excluded.fetched_at,
		    ttl_seconds = excluded.ttl_seconds,
		    etag = excluded.etag,
		    request_hash = excluded.request_hash,
		    response_size_bytes = excluded.response_size_bytes,
		    is_stale = excluded.is_stale`,
	)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID,
			string(e.Provider),
			e.Key,
			[]byte(e.Payload),
			timeToUnixMillis(e.FetchedAt),
			e.TTLSeconds,
			e.ETag,
			e.RequestHash,
			e.ResponseSizeBytes,
			boolToInt(e.IsStale),
		); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", e.Provider, e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, provider cache.Provider, key string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM api_cache WHERE provider = ? AND cache_key = ?`, string(provider), key)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteProvider(ctx context.Context, provider cache.Provider) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM api_cache WHERE provider = ?`, string(provider)); err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM api_cache`); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

func (s *Store) MarkStale(ctx context.Context, provider cache.Provider, key string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`UPDATE api_cache SET is_stale = 1 WHERE provider = ? AND cache_key = ?`, string(provider), key)
	if err != nil {
		return fmt.Errorf("mark stale: %w", err)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, provider cache.Provider, key, id string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`UPDATE api_cache SET is_stale = 1 WHERE provider = ? AND cache_key = ? AND id = ?`, string(provider), key, id)
	if err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM api_cache WHERE fetched_at + ttl_seconds * 1000 < ?`, timeToUnixMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (cache.StoreStats, error) {
	stats := cache.StoreStats{Providers: map[cache.Provider]int{}}

	var stale sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(is_stale), COALESCE(SUM(response_size_bytes), 0) FROM api_cache`,
	).Scan(&stats.TotalEntries, &stale, &stats.TotalSize)
	if err != nil {
		return cache.StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	stats.StaleEntries = int(stale.Int64)

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT provider, COUNT(*) FROM api_cache WHERE is_stale = 0 GROUP BY provider`)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*cache.Entry, error) {
	var e cache.Entry
	var provider string
	var payload []byte
	var fetchedAt int64
	var staleInt int64
	if err := row.Scan(
		&e.ID,
		&provider,
		&e.Key,
		&payload,
		&fetchedAt,
		&e.TTLSeconds,
		&e.ETag,
		&e.RequestHash,
		&e.ResponseSizeBytes,
		&staleInt,
	); err != nil {
		return nil, err
	}
	e.Provider = cache.Provider(provider)
	if len(payload) > 0 {
		e.Payload = payload
	}
	e.FetchedAt = unixMillisToTime(fetchedAt)
	e.IsStale = staleInt != 0
	return &e, nil
}

func timeToUnixMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func unixMillisToTime(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ cache.Store = (*Store)(nil)
