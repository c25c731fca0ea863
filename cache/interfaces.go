// Package cache provides a provider-keyed, TTL-based cache for responses of
// expensive upstream lookups, with staleness marking, ETag revalidation and
// batch access on top of a pluggable persistent Store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Store when no row exists for a key
	ErrNotFound = errors.New("cache entry not found")

	// ErrNotSerializable is returned when a value cannot be encoded as JSON
	ErrNotSerializable = errors.New("cache value is not JSON serializable")

	// ErrNotModifiedWithoutEntry is returned when an upstream answers
	// "not modified" but there is no stored payload to fall back on
	ErrNotModifiedWithoutEntry = errors.New("not modified but no cached payload")
)

// Provider namespaces cache keys by the upstream data source.
type Provider string

const (
	ProviderEPC       Provider = "epc"
	ProviderFlood     Provider = "flood"
	ProviderPlanning  Provider = "planning"
	ProviderPostcodes Provider = "postcodes"
	ProviderPricePaid Provider = "price_paid"
	ProviderCrime     Provider = "crime"
)

// Providers lists every provider known to this build.
var Providers = []Provider{
	ProviderEPC,
	ProviderFlood,
	ProviderPlanning,
	ProviderPostcodes,
	ProviderPricePaid,
	ProviderCrime,
}

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

func (p Provider) String() string { return string(p) }

// Entry is one cached upstream response.
type Entry struct {
	ID                string          `json:"id"`
	Provider          Provider        `json:"provider"`
	Key               string          `json:"cache_key"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	FetchedAt         time.Time       `json:"fetched_at"`
	TTLSeconds        int             `json:"ttl_seconds"`
	ETag              string          `json:"etag,omitempty"`
	RequestHash       string          `json:"request_hash"`
	ResponseSizeBytes int             `json:"response_size_bytes"`
	IsStale           bool            `json:"is_stale"`
}

// ExpiresAt is the instant after which the entry is no longer valid.
func (e *Entry) ExpiresAt() time.Time {
	return e.FetchedAt.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// ExpiredAt reports whether the TTL window has elapsed at now.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// ValidAt is the single definition of a servable entry: not stale and
// now <= FetchedAt + TTL.
func (e *Entry) ValidAt(now time.Time) bool {
	return e != nil && !e.IsStale && !e.ExpiredAt(now)
}

// StoreStats aggregates over all rows of a Store.
type StoreStats struct {
	TotalEntries int
	StaleEntries int
	TotalSize    int64
	// Providers counts non-stale rows per provider
	Providers map[Provider]int
}

// Store is the persistent backing table keyed by (provider, key).
//
// Implementations must enforce uniqueness of (provider, key) themselves and
// replace rows atomically so readers never observe a partial write.
type Store interface {
	// Get returns the full row, or ErrNotFound
	Get(ctx context.Context, provider Provider, key string) (*Entry, error)

	// Meta returns the row without its payload, or ErrNotFound
	Meta(ctx context.Context, provider Provider, key string) (*Entry, error)

	// GetMany returns the rows that exist for keys in one round trip
	GetMany(ctx context.Context, provider Provider, keys []string) ([]*Entry, error)

	// Upsert inserts or replaces rows in one round trip
	Upsert(ctx context.Context, entries ...*Entry) error

	// Delete removes a row. Deleting a missing row is not an error
	Delete(ctx context.Context, provider Provider, key string) error

	// DeleteProvider removes every row of a provider
	DeleteProvider(ctx context.Context, provider Provider) error

	// DeleteAll removes every row
	DeleteAll(ctx context.Context) error

	// MarkStale flags a row as stale. Missing rows are not an error
	MarkStale(ctx context.Context, provider Provider, key string) error

	// Expire flags a row as stale only while its ID is still id, so a row
	// rewritten since it was read is left alone. Missing rows are not an error
	Expire(ctx context.Context, provider Provider, key, id string) error

	// DeleteExpired removes rows whose FetchedAt+TTL is before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Stats aggregates over all rows
	Stats(ctx context.Context) (StoreStats, error)

	// Close releases the store's resources
	Close() error
}
