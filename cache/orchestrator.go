package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FetchFunc loads a value from the source of truth on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Fetched is the result of a conditional upstream fetch.
type Fetched[T any] struct {
	Data T
	// ETag is the validator returned by the upstream, if any
	ETag string
	// NotModified means the upstream confirmed the stored payload is current
	NotModified bool
}

// ETagFetchFunc loads a value, given the validator of the stored copy.
// etag is empty when nothing is stored.
type ETagFetchFunc[T any] func(ctx context.Context, etag string) (Fetched[T], error)

// GetOrSet implements cache-aside: a valid entry is returned without
// calling fetch; otherwise fetch runs and its result is cached on a best
// effort basis. Errors from fetch are returned unmodified.
//
// Concurrent misses for the same key within this process share one fetch
// unless single-flight is disabled.
func GetOrSet[T any](ctx context.Context, m *Manager, provider Provider, key string, fetch FetchFunc[T], opts ...SetOption) (T, error) {
	if v, ok := Get[T](ctx, m, provider, key); ok {
		return v, nil
	}
	if !m.opts.SingleFlight {
		return fetchAndStore(ctx, m, provider, key, fetch, opts)
	}

	res, err, _ := m.sf.Do(flightKey(provider, key), func() (any, error) {
		// a flight that finished while we were missing may have filled it
		if e, ok := m.lookup(ctx, provider, key, false); ok {
			if v, err := decode[T](e.Payload); err == nil {
				return v, nil
			}
		}
		return fetchAndStore(ctx, m, provider, key, fetch, opts)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if v, ok := res.(T); ok {
		return v, nil
	}
	// the flight was led by a caller expecting a different type
	return fetchAndStore(ctx, m, provider, key, fetch, opts)
}

// GetOrSetWithETag is GetOrSet with conditional refresh. The ETag of any
// stored row, valid or not, is handed to fetch; when fetch reports
// NotModified the stored payload is re-stamped and returned.
func GetOrSetWithETag[T any](ctx context.Context, m *Manager, provider Provider, key string, fetch ETagFetchFunc[T], opts ...SetOption) (T, error) {
	prev, ok := m.lookup(ctx, provider, key, true)
	if ok {
		if v, err := decode[T](prev.Payload); err == nil {
			return v, nil
		}
	}
	if !m.opts.SingleFlight {
		return revalidate(ctx, m, provider, key, prev, fetch, opts)
	}

	res, err, _ := m.sf.Do(flightKey(provider, key), func() (any, error) {
		prev, ok := m.lookup(ctx, provider, key, false)
		if ok {
			if v, err := decode[T](prev.Payload); err == nil {
				return v, nil
			}
		}
		return revalidate(ctx, m, provider, key, prev, fetch, opts)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if v, ok := res.(T); ok {
		return v, nil
	}
	return revalidate(ctx, m, provider, key, prev, fetch, opts)
}

// WithCache wraps fn so its results are cached under keyFn(arg).
func WithCache[A, T any](m *Manager, provider Provider, keyFn func(A) string, ttl time.Duration, fn func(context.Context, A) (T, error)) func(context.Context, A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		return GetOrSet(ctx, m, provider, keyFn(arg), func(ctx context.Context) (T, error) {
			return fn(ctx, arg)
		}, TTL(ttl))
	}
}

func fetchAndStore[T any](ctx context.Context, m *Manager, provider Provider, key string, fetch FetchFunc[T], opts []SetOption) (T, error) {
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if _, err := m.Set(ctx, provider, key, v, opts...); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

func revalidate[T any](ctx context.Context, m *Manager, provider Provider, key string, prev *Entry, fetch ETagFetchFunc[T], opts []SetOption) (T, error) {
	var zero T
	var etag string
	if prev != nil {
		etag = prev.ETag
	}

	res, err := fetch(ctx, etag)
	if err != nil {
		return zero, err
	}

	if res.NotModified {
		if prev == nil || len(prev.Payload) == 0 {
			return zero, fmt.Errorf("%s/%s: %w", provider, key, ErrNotModifiedWithoutEntry)
		}
		v, err := decode[T](prev.Payload)
		if err == nil {
			if res.ETag != "" {
				etag = res.ETag
			}
			_, _ = m.Set(ctx, provider, key, prev.Payload, withETag(opts, etag)...)
			return v, nil
		}
		if etag == "" {
			return zero, fmt.Errorf("decode cached %s/%s: %w", provider, key, err)
		}
		// the stored copy is unusable, so ask for the full body
		m.log.Warn().Err(err).Str("provider", string(provider)).Str("key", key).Msg("cached payload undecodable, refetching")
		if res, err = fetch(ctx, ""); err != nil {
			return zero, err
		}
		if res.NotModified {
			return zero, fmt.Errorf("%s/%s: %w", provider, key, ErrNotModifiedWithoutEntry)
		}
	}

	if _, err := m.Set(ctx, provider, key, res.Data, withETag(opts, res.ETag)...); err != nil {
		return zero, err
	}
	return res.Data, nil
}

func withETag(opts []SetOption, etag string) []SetOption {
	out := make([]SetOption, 0, len(opts)+1)
	out = append(out, opts...)
	return append(out, ETag(etag))
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
