package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Options holds the tunables read once at startup.
type Options struct {
	// DefaultTTL applies when neither the call nor the provider sets one
	DefaultTTL time.Duration
	// MaxSize is the largest serialized payload, in bytes, that will be
	// cached. Zero disables the limit.
	MaxSize int
	// CleanupInterval is the period of the background sweeper
	CleanupInterval time.Duration
	// ProviderTTL overrides DefaultTTL per provider
	ProviderTTL map[Provider]time.Duration
	// SingleFlight collapses concurrent in-process misses for one key
	SingleFlight bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		DefaultTTL:      time.Hour,
		MaxSize:         5 << 20,
		CleanupInterval: time.Hour,
		ProviderTTL:     map[Provider]time.Duration{},
		SingleFlight:    true,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithOptions replaces the manager's options wholesale.
func WithOptions(o Options) Option {
	return func(m *Manager) {
		if o.ProviderTTL == nil {
			o.ProviderTTL = map[Provider]time.Duration{}
		}
		m.opts = o
	}
}

// WithLogger sets the logger used for store failures and sweeps.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithDefaultTTL(d time.Duration) Option {
	return func(m *Manager) { m.opts.DefaultTTL = d }
}

func WithProviderTTL(p Provider, d time.Duration) Option {
	return func(m *Manager) { m.opts.ProviderTTL[p] = d }
}

func WithMaxSize(bytes int) Option {
	return func(m *Manager) { m.opts.MaxSize = bytes }
}

func WithCleanupInterval(d time.Duration) Option {
	return func(m *Manager) { m.opts.CleanupInterval = d }
}

func WithSingleFlight(enabled bool) Option {
	return func(m *Manager) { m.opts.SingleFlight = enabled }
}

// Manager is the only component that reads, writes and retires entries.
// Every store failure is logged and collapsed to a safe default so that a
// cache outage degrades to "always fetch fresh".
type Manager struct {
	store Store
	opts  Options
	log   zerolog.Logger
	now   func() time.Time
	sf    singleflight.Group

	mu        sync.Mutex
	scheduler gocron.Scheduler

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewManager wraps store. Construct one per process and pass it to every
// handler that needs caching.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		opts:  DefaultOptions(),
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.opts.DefaultTTL <= 0 {
		m.opts.DefaultTTL = time.Hour
	}
	if m.opts.CleanupInterval <= 0 {
		m.opts.CleanupInterval = time.Hour
	}
	return m
}

// Options returns a copy of the effective options.
func (m *Manager) Options() Options {
	o := m.opts
	o.ProviderTTL = make(map[Provider]time.Duration, len(m.opts.ProviderTTL))
	for p, d := range m.opts.ProviderTTL {
		o.ProviderTTL[p] = d
	}
	return o
}

// Info describes an entry without its payload.
type Info struct {
	Cached    bool          `json:"cached"`
	CacheKey  string        `json:"cache_key"`
	FetchedAt time.Time     `json:"fetched_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	TTL       time.Duration `json:"ttl"`
	ETag      string        `json:"etag,omitempty"`
	Stale     bool          `json:"stale"`
}

// Stats combines store aggregates with this process's counters.
type Stats struct {
	TotalEntries int              `json:"total_entries"`
	StaleEntries int              `json:"stale_entries"`
	TotalSize    int64            `json:"total_size"`
	Providers    map[Provider]int `json:"providers"`
	Hits         int64            `json:"hits"`
	Misses       int64            `json:"misses"`
	Errors       int64            `json:"errors"`
}

// SetOption adjusts a single write.
type SetOption func(*setOptions)

type setOptions struct {
	ttl  time.Duration
	etag string
}

// TTL overrides the TTL of one write. Non-positive values are ignored.
func TTL(d time.Duration) SetOption {
	return func(o *setOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// ETag stores an upstream validator alongside the payload.
func ETag(etag string) SetOption {
	return func(o *setOptions) { o.etag = etag }
}

// Get returns the payload of a valid entry. An expired row is marked stale
// before the miss is reported.
func (m *Manager) Get(ctx context.Context, provider Provider, key string) (json.RawMessage, bool) {
	e, ok := m.lookup(ctx, provider, key, true)
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// Set serializes value and upserts it with FetchedAt = now and the stale
// flag cleared. A false result means the value was not cached; an error
// means value could not be serialized at all.
func (m *Manager) Set(ctx context.Context, provider Provider, key string, value any, opts ...SetOption) (bool, error) {
	payload, err := encode(value)
	if err != nil {
		return false, fmt.Errorf("set %s/%s: %w", provider, key, err)
	}

	var so setOptions
	for _, o := range opts {
		o(&so)
	}
	if m.oversized(provider, key, payload) {
		return false, nil
	}

	e := m.newEntry(provider, key, payload, m.resolveTTL(provider, so.ttl), so.etag)
	if err := m.store.Upsert(ctx, e); err != nil {
		m.fail(err, "set", provider, key)
		return false, nil
	}
	return true, nil
}

// Exists reports whether a valid entry exists. Unlike Get it never marks
// expired rows stale.
func (m *Manager) Exists(ctx context.Context, provider Provider, key string) bool {
	e, err := m.store.Meta(ctx, provider, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.fail(err, "exists", provider, key)
		}
		return false
	}
	return e.ValidAt(m.now())
}

// GetInfo returns expiry metadata without loading the payload.
func (m *Manager) GetInfo(ctx context.Context, provider Provider, key string) (*Info, bool) {
	e, err := m.store.Meta(ctx, provider, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.fail(err, "info", provider, key)
		}
		return nil, false
	}
	return &Info{
		Cached:    e.ValidAt(m.now()),
		CacheKey:  e.Key,
		FetchedAt: e.FetchedAt,
		ExpiresAt: e.ExpiresAt(),
		TTL:       time.Duration(e.TTLSeconds) * time.Second,
		ETag:      e.ETag,
		Stale:     e.IsStale,
	}, true
}

// Invalidate deletes the row. Missing rows count as success.
func (m *Manager) Invalidate(ctx context.Context, provider Provider, key string) bool {
	if err := m.store.Delete(ctx, provider, key); err != nil {
		m.fail(err, "invalidate", provider, key)
		return false
	}
	return true
}

// MarkStale keeps the row but makes it unservable until the next Set.
func (m *Manager) MarkStale(ctx context.Context, provider Provider, key string) bool {
	if err := m.store.MarkStale(ctx, provider, key); err != nil {
		m.fail(err, "mark_stale", provider, key)
		return false
	}
	return true
}

func (m *Manager) ClearProvider(ctx context.Context, provider Provider) bool {
	if err := m.store.DeleteProvider(ctx, provider); err != nil {
		m.fail(err, "clear_provider", provider, "")
		return false
	}
	return true
}

func (m *Manager) ClearAll(ctx context.Context) bool {
	if err := m.store.DeleteAll(ctx); err != nil {
		m.fail(err, "clear_all", "", "")
		return false
	}
	return true
}

// Cleanup deletes every row whose TTL window has elapsed, stale or not,
// and returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context) int {
	n, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		m.fail(err, "cleanup", "", "")
		return 0
	}
	return int(n)
}

// Stats aggregates over every row. On store failure the row aggregates are
// zero but the counters are still reported.
func (m *Manager) Stats(ctx context.Context) Stats {
	s := Stats{
		Providers: map[Provider]int{},
	}
	ss, err := m.store.Stats(ctx)
	if err != nil {
		m.fail(err, "stats", "", "")
	} else {
		s.TotalEntries = ss.TotalEntries
		s.StaleEntries = ss.StaleEntries
		s.TotalSize = ss.TotalSize
		for p, n := range ss.Providers {
			s.Providers[p] = n
		}
	}
	s.Hits = m.hits.Load()
	s.Misses = m.misses.Load()
	s.Errors = m.errors.Load()
	return s
}

// Close stops the sweeper and closes the store.
func (m *Manager) Close() error {
	if err := m.StopCleanup(); err != nil {
		m.log.Warn().Err(err).Msg("stop cache cleanup")
	}
	return m.store.Close()
}

// lookup loads a row, applies lazy expiry and reports whether it is valid.
// The row is returned even when invalid so callers can reuse its ETag.
func (m *Manager) lookup(ctx context.Context, provider Provider, key string, count bool) (*Entry, bool) {
	e, err := m.store.Get(ctx, provider, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.fail(err, "get", provider, key)
		}
		if count {
			m.misses.Add(1)
		}
		return nil, false
	}

	now := m.now()
	m.expireLazily(ctx, e, now)
	valid := e.ValidAt(now)
	if count {
		if valid {
			m.hits.Add(1)
		} else {
			m.misses.Add(1)
		}
	}
	return e, valid
}

// expireLazily flags a row stale once its TTL has elapsed so it is never
// served again, even if a later clock reading would say otherwise.
func (m *Manager) expireLazily(ctx context.Context, e *Entry, now time.Time) {
	if e.IsStale || !e.ExpiredAt(now) {
		return
	}
	m.log.Debug().
		Str("provider", string(e.Provider)).
		Str("key", e.Key).
		Time("expired_at", e.ExpiresAt()).
		Msg("cache entry expired")
	if err := m.store.Expire(ctx, e.Provider, e.Key, e.ID); err != nil {
		m.fail(err, "expire", e.Provider, e.Key)
	}
	e.IsStale = true
}

func (m *Manager) newEntry(provider Provider, key string, payload []byte, ttl time.Duration, etag string) *Entry {
	return &Entry{
		ID:                uuid.NewString(),
		Provider:          provider,
		Key:               key,
		Payload:           payload,
		FetchedAt:         m.now().UTC(),
		TTLSeconds:        ttlSeconds(ttl),
		ETag:              etag,
		RequestHash:       RequestHash(provider, key, payload),
		ResponseSizeBytes: len(payload),
	}
}

func (m *Manager) resolveTTL(provider Provider, explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}
	if d, ok := m.opts.ProviderTTL[provider]; ok && d > 0 {
		return d
	}
	return m.opts.DefaultTTL
}

func (m *Manager) oversized(provider Provider, key string, payload []byte) bool {
	if m.opts.MaxSize <= 0 || len(payload) <= m.opts.MaxSize {
		return false
	}
	m.log.Warn().
		Str("provider", string(provider)).
		Str("key", key).
		Int("size", len(payload)).
		Int("max_size", m.opts.MaxSize).
		Msg("payload too large to cache")
	return true
}

func (m *Manager) fail(err error, op string, provider Provider, key string) {
	m.errors.Add(1)
	ev := m.log.Error().Err(err).Str("op", op)
	if provider != "" {
		ev = ev.Str("provider", string(provider))
	}
	if key != "" {
		ev = ev.Str("key", key)
	}
	ev.Msg("cache store operation failed")
}

func encode(value any) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	return b, nil
}

// ttlSeconds rounds up to whole seconds with a floor of one
func ttlSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
