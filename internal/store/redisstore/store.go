// Package redisstore implements cache.Store on Redis hashes.
//
// Each row lives in the hash {prefix}entry:{provider}:{key}. The set
// {prefix}keys:{provider} indexes the keys of a provider and
// {prefix}providers lists providers that have rows, so provider-wide
// operations never need SCAN.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/briangreenhill/propertydata/cache"
)

const (
	fieldID        = "id"
	fieldPayload   = "payload"
	fieldFetchedAt = "fetched_at"
	fieldTTL       = "ttl_seconds"
	fieldETag      = "etag"
	fieldHash      = "request_hash"
	fieldSize      = "response_size_bytes"
	fieldStale     = "is_stale"
)

var metaFields = []string{fieldID, fieldFetchedAt, fieldTTL, fieldETag, fieldHash, fieldSize, fieldStale}

// markStale only touches rows that exist so a racing delete is not undone
var markStale = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'is_stale', '1')
	return 1
end
return 0
`)

// expireRow is markStale guarded by the row ID read by the caller
var expireRow = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'is_stale', '1')
	return 1
end
return 0
`)

// deleteIfExpired re-checks expiry against the stored fields and removes the
// row and its index entry in one step. A row whose hash is gone only loses
// its index entry. Returns the number of rows deleted.
var deleteIfExpired = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'fetched_at', 'ttl_seconds')
if not f[1] then
	redis.call('SREM', KEYS[2], ARGV[1])
	return 0
end
local fetched, ttl = tonumber(f[1]), tonumber(f[2])
if not fetched or not ttl then
	return 0
end
if fetched + ttl * 1000 < tonumber(ARGV[2]) then
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// Store is a Redis-backed cache table.
type Store struct {
	client    *redis.Client
	keyPrefix string
	owned     bool
}

// New wraps a client managed by the caller.
func New(client *redis.Client, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Open dials addr and verifies the connection.
func Open(ctx context.Context, addr, keyPrefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &Store{client: client, keyPrefix: keyPrefix, owned: true}, nil
}

func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Store) entryKey(provider cache.Provider, key string) string {
	return s.keyPrefix + "entry:" + string(provider) + ":" + key
}

func (s *Store) indexKey(provider cache.Provider) string {
	return s.keyPrefix + "keys:" + string(provider)
}

func (s *Store) providersKey() string {
	return s.keyPrefix + "providers"
}

func (s *Store) Get(ctx context.Context, provider cache.Provider, key string) (*cache.Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(provider, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, cache.ErrNotFound
	}
	return decodeEntry(provider, key, fields)
}

func (s *Store) Meta(ctx context.Context, provider cache.Provider, key string) (*cache.Entry, error) {
	vals, err := s.client.HMGet(ctx, s.entryKey(provider, key), metaFields...).Result()
	if err != nil {
		return nil, fmt.Errorf("get cache meta: %w", err)
	}
	fields := make(map[string]string, len(metaFields))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			fields[metaFields[i]] = str
		}
	}
	if len(fields) == 0 {
		return nil, cache.ErrNotFound
	}
	return decodeEntry(provider, key, fields)
}

func (s *Store) GetMany(ctx context.Context, provider cache.Provider, keys []string) ([]*cache.Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, s.entryKey(provider, k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get cache entries: %w", err)
	}

	out := make([]*cache.Entry, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := decodeEntry(provider, keys[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Upsert writes every row in one MULTI/EXEC block.
func (s *Store) Upsert(ctx context.Context, entries ...*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.HSet(ctx, s.entryKey(e.Provider, e.Key), encodeEntry(e))
			pipe.SAdd(ctx, s.indexKey(e.Provider), e.Key)
			pipe.SAdd(ctx, s.providersKey(), string(e.Provider))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert %d cache entries: %w", len(entries), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, provider cache.Provider, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(provider, key))
		pipe.SRem(ctx, s.indexKey(provider), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteProvider(ctx context.Context, provider cache.Provider) error {
	keys, err := s.client.SMembers(ctx, s.indexKey(provider)).Result()
	if err != nil {
		return fmt.Errorf("list provider keys: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Del(ctx, s.entryKey(provider, k))
		}
		pipe.Del(ctx, s.indexKey(provider))
		pipe.SRem(ctx, s.providersKey(), string(provider))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	providers, err := s.client.SMembers(ctx, s.providersKey()).Result()
	if err != nil {
		return fmt.Errorf("list providers: %w", err)
	}
	for _, p := range providers {
		if err := s.DeleteProvider(ctx, cache.Provider(p)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) MarkStale(ctx context.Context, provider cache.Provider, key string) error {
	if err := markStale.Run(ctx, s.client, []string{s.entryKey(provider, key)}).Err(); err != nil {
		return fmt.Errorf("mark stale: %w", err)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, provider cache.Provider, key, id string) error {
	if err := expireRow.Run(ctx, s.client, []string{s.entryKey(provider, key)}, id).Err(); err != nil {
		return fmt.Errorf("expire: %w", err)
	}
	return nil
}

// DeleteExpired uses the index snapshot only to find candidates. The
// delete itself re-checks expiry, so a row rewritten mid-sweep survives.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := s.eachRow(ctx, func(provider cache.Provider, key string, e *cache.Entry) error {
		if e != nil && !e.ExpiresAt().Before(now) {
			return nil
		}
		n, err := s.deleteIfExpired(ctx, provider, key, now)
		deleted += n
		return err
	})
	if err != nil {
		return deleted, fmt.Errorf("delete expired: %w", err)
	}
	return deleted, nil
}

func (s *Store) deleteIfExpired(ctx context.Context, provider cache.Provider, key string, now time.Time) (int64, error) {
	return deleteIfExpired.Run(ctx, s.client,
		[]string{s.entryKey(provider, key), s.indexKey(provider)},
		key, now.UTC().UnixMilli()).Int64()
}

func (s *Store) Stats(ctx context.Context) (cache.StoreStats, error) {
	stats := cache.StoreStats{Providers: map[cache.Provider]int{}}
	err := s.eachRow(ctx, func(_ cache.Provider, _ string, e *cache.Entry) error {
		if e != nil {
			stats.Add(e)
		}
		return nil
	})
	if err != nil {
		return cache.StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// eachRow visits the metadata of every indexed row. e is nil when the index
// names a row whose hash is gone.
func (s *Store) eachRow(ctx context.Context, fn func(provider cache.Provider, key string, e *cache.Entry) error) error {
	providers, err := s.client.SMembers(ctx, s.providersKey()).Result()
	if err != nil {
		return err
	}

	for _, name := range providers {
		provider := cache.Provider(name)
		keys, err := s.client.SMembers(ctx, s.indexKey(provider)).Result()
		if err != nil {
			return err
		}

		cmds := make([]*redis.SliceCmd, len(keys))
		_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, k := range keys {
				cmds[i] = pipe.HMGet(ctx, s.entryKey(provider, k), metaFields...)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for i, cmd := range cmds {
			fields := map[string]string{}
			for j, v := range cmd.Val() {
				if str, ok := v.(string); ok {
					fields[metaFields[j]] = str
				}
			}
			var e *cache.Entry
			if len(fields) > 0 {
				if e, err = decodeEntry(provider, keys[i], fields); err != nil {
					return err
				}
			}
			if err := fn(provider, keys[i], e); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeEntry(e *cache.Entry) map[string]any {
	stale := "0"
	if e.IsStale {
		stale = "1"
	}
	return map[string]any{
		fieldID:        e.ID,
		fieldPayload:   string(e.Payload),
		fieldFetchedAt: strconv.FormatInt(e.FetchedAt.UTC().UnixMilli(), 10),
		fieldTTL:       strconv.Itoa(e.TTLSeconds),
		fieldETag:      e.ETag,
		fieldHash:      e.RequestHash,
		fieldSize:      strconv.Itoa(e.ResponseSizeBytes),
		fieldStale:     stale,
	}
}

var errCorruptRow = errors.New("corrupt cache row")

func decodeEntry(provider cache.Provider, key string, fields map[string]string) (*cache.Entry, error) {
	e := &cache.Entry{
		ID:          fields[fieldID],
		Provider:    provider,
		Key:         key,
		ETag:        fields[fieldETag],
		RequestHash: fields[fieldHash],
		IsStale:     fields[fieldStale] == "1",
	}
	if p, ok := fields[fieldPayload]; ok && p != "" {
		e.Payload = []byte(p)
	}

	millis, err := strconv.ParseInt(fields[fieldFetchedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w %s/%s: fetched_at: %v", errCorruptRow, provider, key, err)
	}
	e.FetchedAt = time.UnixMilli(millis).UTC()

	if e.TTLSeconds, err = strconv.Atoi(fields[fieldTTL]); err != nil {
		return nil, fmt.Errorf("%w %s/%s: ttl_seconds: %v", errCorruptRow, provider, key, err)
	}
	if size, ok := fields[fieldSize]; ok {
		if e.ResponseSizeBytes, err = strconv.Atoi(size); err != nil {
			return nil, fmt.Errorf("%w %s/%s: response_size_bytes: %v", errCorruptRow, provider, key, err)
		}
	}
	return e, nil
}

var _ cache.Store = (*Store)(nil)
