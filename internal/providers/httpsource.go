package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/briangreenhill/propertydata/cache"
)

// maxBodySize caps how much of an upstream response is read
const maxBodySize = 32 << 20

const userAgent = "propertydata/1.0"

var (
	// ErrInvalidBody is returned when a 2xx response is not JSON
	ErrInvalidBody = errors.New("upstream returned a non-JSON body")

	// ErrInvalidKey is returned for keys that would name a different
	// upstream path, such as "." or ".."
	ErrInvalidKey = errors.New("key is not a valid path segment")
)

// StatusError is returned for non-2xx, non-304 upstream responses.
type StatusError struct {
	Provider   cache.Provider
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying later may succeed
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPSource fetches JSON documents from a REST endpoint.
type HTTPSource struct {
	name    cache.Provider
	http    *http.Client
	baseURL *url.URL
	// path may contain {key}
	path     string
	keyQuery string
	query    url.Values
	headers  http.Header
	user     string
	pass     string
	oauth    *clientcredentials.Config
	ttl      time.Duration

	normalize func(string) string
	format    func(string) string
}

type Option func(*HTTPSource)

func WithHTTPClient(h *http.Client) Option {
	return func(s *HTTPSource) { s.http = h }
}

// WithPath sets the request path; {key} is replaced by the formatted key
func WithPath(p string) Option {
	return func(s *HTTPSource) { s.path = p }
}

// WithKeyQuery sends the key as the named query parameter
func WithKeyQuery(param string) Option {
	return func(s *HTTPSource) { s.keyQuery = param }
}

// WithQuery adds a fixed query parameter to every request
func WithQuery(k, v string) Option {
	return func(s *HTTPSource) { s.query.Set(k, v) }
}

func WithHeader(k, v string) Option {
	return func(s *HTTPSource) { s.headers.Set(k, v) }
}

func WithBasicAuth(user, pass string) Option {
	return func(s *HTTPSource) { s.user, s.pass = user, pass }
}

// WithClientCredentials authenticates with an OAuth2 client credentials
// grant. Tokens are fetched lazily and refreshed on expiry.
func WithClientCredentials(clientID, clientSecret, tokenURL string, scopes ...string) Option {
	return func(s *HTTPSource) {
		s.oauth = &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(s *HTTPSource) { s.ttl = d }
}

// WithKeyNormalizer canonicalises keys before they hit the cache
func WithKeyNormalizer(fn func(string) string) Option {
	return func(s *HTTPSource) { s.normalize = fn }
}

// WithKeyFormat maps a cache key to the form the upstream expects
func WithKeyFormat(fn func(string) string) Option {
	return func(s *HTTPSource) { s.format = fn }
}

// NewHTTPSource creates a source for provider rooted at baseURL.
func NewHTTPSource(name cache.Provider, baseURL string, opts ...Option) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: parse base url: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s: base url %q must be absolute", name, baseURL)
	}

	s := &HTTPSource{
		name:      name,
		http:      &http.Client{Timeout: 20 * time.Second},
		baseURL:   u,
		path:      "/{key}",
		query:     url.Values{},
		headers:   http.Header{},
		ttl:       time.Hour,
		normalize: strings.TrimSpace,
		format:    func(k string) string { return k },
	}
	for _, o := range opts {
		o(s)
	}

	if s.oauth != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, s.http)
		s.http = s.oauth.Client(ctx)
	}
	return s, nil
}

func (s *HTTPSource) Name() cache.Provider { return s.name }

func (s *HTTPSource) TTL() time.Duration { return s.ttl }

func (s *HTTPSource) CacheKey(raw string) string { return s.normalize(raw) }

func (s *HTTPSource) newReq(ctx context.Context, key string) (*http.Request, error) {
	upstreamKey := s.format(key)

	u := *s.baseURL
	tmpl := path.Join(u.Path, s.path)
	if strings.Contains(tmpl, "{key}") {
		if upstreamKey == "." || upstreamKey == ".." {
			return nil, fmt.Errorf("%q: %w", upstreamKey, ErrInvalidKey)
		}
		// the key fills exactly one segment: "/" and the like stay escaped
		parts := strings.Split(tmpl, "{key}")
		escaped := make([]string, len(parts))
		for i, part := range parts {
			escaped[i] = (&url.URL{Path: part}).EscapedPath()
		}
		u.Path = strings.Join(parts, upstreamKey)
		u.RawPath = strings.Join(escaped, url.PathEscape(upstreamKey))
	} else {
		u.Path = tmpl
		u.RawPath = ""
	}
	qq := u.Query()
	for k, vs := range s.query {
		for _, v := range vs {
			qq.Add(k, v)
		}
	}
	if s.keyQuery != "" {
		qq.Set(s.keyQuery, upstreamKey)
	}
	u.RawQuery = qq.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	if s.user != "" || s.pass != "" {
		req.SetBasicAuth(s.user, s.pass)
	}
	return req, nil
}

// Fetch performs a conditional GET for key.
func (s *HTTPSource) Fetch(ctx context.Context, key, etag string) (Response, error) {
	req, err := s.newReq(ctx, key)
	if err != nil {
		return Response{}, fmt.Errorf("%s: build request: %w", s.name, err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", s.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return Response{NotModified: true, ETag: resp.Header.Get("ETag")}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return Response{}, fmt.Errorf("%s: read body: %w", s.name, err)
		}
		if !json.Valid(body) {
			return Response{}, fmt.Errorf("%s: %w", s.name, ErrInvalidBody)
		}
		return Response{Body: body, ETag: resp.Header.Get("ETag")}, nil
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Response{}, &StatusError{Provider: s.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
}

var _ Source = (*HTTPSource)(nil)
