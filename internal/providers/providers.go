// Package providers contains the upstream property data sources and the
// cache-aside lookup that fronts them.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/briangreenhill/propertydata/cache"
)

var (
	// ErrUnknownProvider is returned for a provider name with no registered source
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrEmptyKey is returned when a lookup key normalises to nothing
	ErrEmptyKey = errors.New("lookup key is empty")
)

// Response is one upstream answer.
type Response struct {
	Body json.RawMessage
	ETag string
	// NotModified is set when the upstream answered 304 to If-None-Match
	NotModified bool
}

// Source defines the interface that all upstream data sources must implement
type Source interface {
	// Name is the cache namespace of the source
	Name() cache.Provider

	// TTL is how long a response stays valid
	TTL() time.Duration

	// CacheKey canonicalises a caller supplied key
	CacheKey(raw string) string

	// Fetch retrieves key. etag, when set, is sent as If-None-Match
	Fetch(ctx context.Context, key, etag string) (Response, error)
}

// Registry manages available sources
type Registry struct {
	sources map[cache.Provider]Source
}

// NewRegistry creates a new source registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[cache.Provider]Source),
	}
}

// Register adds a source to the registry, replacing any with the same name
func (r *Registry) Register(src Source) {
	r.sources[src.Name()] = src
}

// Get retrieves a source by name
func (r *Registry) Get(name cache.Provider) (Source, bool) {
	src, exists := r.sources[name]
	return src, exists
}

// List returns all registered source names in sorted order
func (r *Registry) List() []cache.Provider {
	names := make([]cache.Provider, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Lookup returns the response for rawKey from the cache, going upstream
// when there is no valid entry. hit reports whether the upstream was skipped.
func Lookup(ctx context.Context, m *cache.Manager, src Source, rawKey string) (body json.RawMessage, hit bool, err error) {
	key := src.CacheKey(rawKey)
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	fetched := false
	body, err = cache.GetOrSetWithETag(ctx, m, src.Name(), key,
		func(ctx context.Context, etag string) (cache.Fetched[json.RawMessage], error) {
			fetched = true
			res, err := src.Fetch(ctx, key, etag)
			if err != nil {
				return cache.Fetched[json.RawMessage]{}, err
			}
			return cache.Fetched[json.RawMessage]{
				Data:        res.Body,
				ETag:        res.ETag,
				NotModified: res.NotModified,
			}, nil
		},
		cache.TTL(src.TTL()),
	)
	if err != nil {
		return nil, false, err
	}
	return body, !fetched, nil
}

// Lookup resolves the named source in r and calls Lookup.
func (r *Registry) Lookup(ctx context.Context, m *cache.Manager, name cache.Provider, rawKey string) (json.RawMessage, bool, error) {
	src, ok := r.Get(name)
	if !ok {
		return nil, false, ErrUnknownProvider
	}
	return Lookup(ctx, m, src, rawKey)
}
