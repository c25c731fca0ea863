// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/propertydata/cache"
)

// Store backends selectable with STORE.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StoreFile     = "file"
	StoreMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Store        string `env:"STORE" envDefault:"postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"propertydata-cache.db"`
	RedisAddr    string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix  string `env:"REDIS_PREFIX" envDefault:"propertydata:cache:"`
	FileCacheDir string `env:"FILE_CACHE_DIR"`

	// AdminSecret signs admin bearer tokens. Empty disables the admin API.
	AdminSecret string `env:"ADMIN_SECRET"`

	Cache     CacheConfig
	Providers ProvidersConfig
}

// CacheConfig holds the cache tunables
type CacheConfig struct {
	DefaultTTL      time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"1h"`
	MaxSize         int           `env:"CACHE_MAX_SIZE" envDefault:"5242880"`
	CleanupInterval time.Duration `env:"CACHE_CLEANUP_INTERVAL" envDefault:"1h"`
	CleanupCron     string        `env:"CACHE_CLEANUP_CRON" envDefault:"@hourly"`
	SingleFlight    bool          `env:"CACHE_SINGLE_FLIGHT" envDefault:"true"`
}

// ProvidersConfig holds upstream endpoints, credentials and TTLs
type ProvidersConfig struct {
	Postcodes PostcodesConfig
	EPC       EPCConfig
	Flood     FloodConfig
	Planning  PlanningConfig
	PricePaid PricePaidConfig
	Crime     CrimeConfig
}

type PostcodesConfig struct {
	BaseURL string        `env:"POSTCODES_BASE_URL" envDefault:"https://api.postcodes.io"`
	TTL     time.Duration `env:"POSTCODES_TTL" envDefault:"720h"`
}

// EPCConfig holds Energy Performance Certificate API configuration
type EPCConfig struct {
	BaseURL string        `env:"EPC_BASE_URL" envDefault:"https://epc.opendatacommunities.org/api/v1"`
	Email   string        `env:"EPC_EMAIL"`
	APIKey  string        `env:"EPC_API_KEY"`
	TTL     time.Duration `env:"EPC_TTL" envDefault:"168h"`
}

type FloodConfig struct {
	BaseURL string        `env:"FLOOD_BASE_URL" envDefault:"https://environment.data.gov.uk/flood-monitoring"`
	TTL     time.Duration `env:"FLOOD_TTL" envDefault:"1h"`
}

// PlanningConfig uses OAuth2 client credentials when ClientID is set
type PlanningConfig struct {
	BaseURL      string        `env:"PLANNING_BASE_URL" envDefault:"https://www.planning.data.gov.uk"`
	ClientID     string        `env:"PLANNING_CLIENT_ID"`
	ClientSecret string        `env:"PLANNING_CLIENT_SECRET"`
	TokenURL     string        `env:"PLANNING_TOKEN_URL"`
	TTL          time.Duration `env:"PLANNING_TTL" envDefault:"24h"`
}

type PricePaidConfig struct {
	BaseURL string        `env:"PRICE_PAID_BASE_URL" envDefault:"https://landregistry.data.gov.uk"`
	TTL     time.Duration `env:"PRICE_PAID_TTL" envDefault:"168h"`
}

type CrimeConfig struct {
	BaseURL string        `env:"CRIME_BASE_URL" envDefault:"https://data.police.uk/api"`
	TTL     time.Duration `env:"CRIME_TTL" envDefault:"24h"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the selected store has what it needs to connect
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required),
		validation.Field(&c.LogLevel, validation.By(validLogLevel)),
		validation.Field(&c.Store, validation.Required,
			validation.In(StorePostgres, StoreSQLite, StoreRedis, StoreFile, StoreMemory)),
		validation.Field(&c.DatabaseURL, validation.When(c.Store == StorePostgres, validation.Required)),
		validation.Field(&c.SQLitePath, validation.When(c.Store == StoreSQLite, validation.Required)),
		validation.Field(&c.RedisAddr, validation.When(c.Store == StoreRedis, validation.Required)),
		validation.Field(&c.Cache),
		validation.Field(&c.Providers),
	)
}

func (c CacheConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DefaultTTL, validation.Min(time.Second)),
		validation.Field(&c.MaxSize, validation.Min(0)),
		validation.Field(&c.CleanupInterval, validation.Min(time.Second)),
		validation.Field(&c.CleanupCron, validation.Required),
	)
}

func (p ProvidersConfig) Validate() error {
	return validation.Errors{
		"POSTCODES_BASE_URL":  validation.Validate(p.Postcodes.BaseURL, validation.Required),
		"EPC_BASE_URL":        validation.Validate(p.EPC.BaseURL, validation.Required),
		"FLOOD_BASE_URL":      validation.Validate(p.Flood.BaseURL, validation.Required),
		"PLANNING_BASE_URL":   validation.Validate(p.Planning.BaseURL, validation.Required),
		"PLANNING_TOKEN_URL":  validation.Validate(p.Planning.TokenURL, validation.When(p.Planning.ClientID != "", validation.Required)),
		"PRICE_PAID_BASE_URL": validation.Validate(p.PricePaid.BaseURL, validation.Required),
		"CRIME_BASE_URL":      validation.Validate(p.Crime.BaseURL, validation.Required),
	}.Filter()
}

func validLogLevel(value any) error {
	s, _ := value.(string)
	if _, err := zerolog.ParseLevel(s); err != nil {
		return fmt.Errorf("unknown log level %q", s)
	}
	return nil
}

// Addr is the listen address for the API server
func (c *Config) Addr() string {
	return ":" + c.Port
}

// HasEPC returns true if EPC credentials are set
func (c *Config) HasEPC() bool {
	return c.Providers.EPC.Email != "" && c.Providers.EPC.APIKey != ""
}

// HasAdmin returns true if the admin API can be enabled
func (c *Config) HasAdmin() bool {
	return c.AdminSecret != ""
}

// ProviderTTLs maps each provider to its configured TTL
func (c *Config) ProviderTTLs() map[cache.Provider]time.Duration {
	p := c.Providers
	return map[cache.Provider]time.Duration{
		cache.ProviderPostcodes: p.Postcodes.TTL,
		cache.ProviderEPC:       p.EPC.TTL,
		cache.ProviderFlood:     p.Flood.TTL,
		cache.ProviderPlanning:  p.Planning.TTL,
		cache.ProviderPricePaid: p.PricePaid.TTL,
		cache.ProviderCrime:     p.Crime.TTL,
	}
}

// CacheOptions converts the cache settings into manager options
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		DefaultTTL:      c.Cache.DefaultTTL,
		MaxSize:         c.Cache.MaxSize,
		CleanupInterval: c.Cache.CleanupInterval,
		ProviderTTL:     c.ProviderTTLs(),
		SingleFlight:    c.Cache.SingleFlight,
	}
}
