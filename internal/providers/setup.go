package providers

import (
	"net/http"
	"strings"
	"time"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/internal/config"
)

// Setup creates a registry with all configured sources
func Setup(cfg *config.Config) (*Registry, error) {
	registry := NewRegistry()
	httpClient := &http.Client{Timeout: 20 * time.Second}
	p := cfg.Providers

	build := func(name cache.Provider, baseURL string, opts ...Option) error {
		opts = append([]Option{WithHTTPClient(httpClient)}, opts...)
		src, err := NewHTTPSource(name, baseURL, opts...)
		if err != nil {
			return err
		}
		registry.Register(src)
		return nil
	}

	if err := build(cache.ProviderPostcodes, p.Postcodes.BaseURL,
		WithPath("/postcodes/{key}"),
		WithKeyNormalizer(cache.NormalizeKey),
		WithTTL(p.Postcodes.TTL),
	); err != nil {
		return nil, err
	}

	// EPC open data requires an account
	if cfg.HasEPC() {
		if err := build(cache.ProviderEPC, p.EPC.BaseURL,
			WithPath("/domestic/search"),
			WithKeyQuery("postcode"),
			WithKeyNormalizer(cache.NormalizeKey),
			WithKeyFormat(FormatPostcode),
			WithBasicAuth(p.EPC.Email, p.EPC.APIKey),
			WithTTL(p.EPC.TTL),
		); err != nil {
			return nil, err
		}
	}

	if err := build(cache.ProviderFlood, p.Flood.BaseURL,
		WithPath("/id/floodAreas"),
		WithKeyQuery("county"),
		WithTTL(p.Flood.TTL),
	); err != nil {
		return nil, err
	}

	planning := []Option{
		WithPath("/entity.json"),
		WithKeyQuery("reference"),
		WithQuery("dataset", "planning-application"),
		WithTTL(p.Planning.TTL),
	}
	if p.Planning.ClientID != "" {
		planning = append(planning,
			WithClientCredentials(p.Planning.ClientID, p.Planning.ClientSecret, p.Planning.TokenURL))
	}
	if err := build(cache.ProviderPlanning, p.Planning.BaseURL, planning...); err != nil {
		return nil, err
	}

	if err := build(cache.ProviderPricePaid, p.PricePaid.BaseURL,
		WithPath("/data/ppi/transaction-record.json"),
		WithKeyQuery("propertyAddress.postcode"),
		WithKeyNormalizer(cache.NormalizeKey),
		WithKeyFormat(FormatPostcode),
		WithQuery("_pageSize", "50"),
		WithTTL(p.PricePaid.TTL),
	); err != nil {
		return nil, err
	}

	if err := build(cache.ProviderCrime, p.Crime.BaseURL,
		WithPath("/crimes-at-location"),
		WithKeyQuery("location_id"),
		WithTTL(p.Crime.TTL),
	); err != nil {
		return nil, err
	}

	return registry, nil
}

// FormatPostcode re-inserts the space before the inward code of a
// normalised UK postcode: "SW1A1AA" becomes "SW1A 1AA".
func FormatPostcode(key string) string {
	key = cache.NormalizeKey(key)
	if len(key) < 5 || strings.Contains(key, " ") {
		return key
	}
	return key[:len(key)-3] + " " + key[len(key)-3:]
}
