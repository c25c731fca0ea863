package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/internal/auth"
	"github.com/briangreenhill/propertydata/internal/jobs"
	"github.com/briangreenhill/propertydata/internal/providers"
)

type fakeSource struct {
	name  cache.Provider
	calls int
	resp  providers.Response
	err   error
}

func (f *fakeSource) Name() cache.Provider       { return f.name }
func (f *fakeSource) TTL() time.Duration         { return time.Hour }
func (f *fakeSource) CacheKey(raw string) string { return cache.NormalizeKey(raw) }

func (f *fakeSource) Fetch(context.Context, string, string) (providers.Response, error) {
	f.calls++
	return f.resp, f.err
}

type fakeQueue struct {
	tasks []*asynq.Task
}

func (q *fakeQueue) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

type fixture struct {
	srv   *Server
	cache *cache.Manager
	epc   *fakeSource
	queue *fakeQueue
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := cache.NewManager(cache.NewMemoryStore())
	reg := providers.NewRegistry()
	epc := &fakeSource{name: cache.ProviderEPC, resp: providers.Response{Body: json.RawMessage(`{"rating":"C"}`)}}
	reg.Register(epc)
	reg.Register(&fakeSource{name: cache.ProviderFlood, err: &providers.StatusError{Provider: cache.ProviderFlood, StatusCode: 500}})
	reg.Register(&fakeSource{name: cache.ProviderCrime, err: &providers.StatusError{Provider: cache.ProviderCrime, StatusCode: 404}})
	reg.Register(&fakeSource{name: cache.ProviderPricePaid, err: fmt.Errorf("build request: %w", providers.ErrInvalidKey)})

	authz := auth.AdminToken{Secret: []byte("s3cret")}
	queue := &fakeQueue{}
	srv := New(ServerOptions{
		Cache:   m,
		Sources: reg,
		Authz:   authz,
		Tasks:   queue,
		Log:     zerolog.Nop(),
	})
	return &fixture{srv: srv, cache: m, epc: epc, queue: queue, token: authz.Issue("ops", time.Hour)}
}

func (f *fixture) do(t *testing.T, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestLookup(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/v1/epc/sw1a%201aa", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"rating":"C"}`, rec.Body.String())

	rec = f.do(t, "GET", "/v1/epc/SW1A1AA", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, 1, f.epc.calls)
}

func TestLookup_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path string
		want int
	}{
		{"/v1/nope/K", http.StatusNotFound},
		{"/v1/planning/K", http.StatusNotFound},
		{"/v1/flood/K", http.StatusBadGateway},
		{"/v1/crime/K", http.StatusNotFound},
		{"/v1/epc/%20", http.StatusBadRequest},
		{"/v1/price_paid/K", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := f.do(t, "GET", tt.path, "", false)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/admin/cache/stats", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_Disabled(t *testing.T) {
	srv := New(ServerOptions{
		Cache:   cache.NewManager(cache.NewMemoryStore()),
		Sources: providers.NewRegistry(),
		Log:     zerolog.Nop(),
	})
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/cache/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_EntryLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.cache.Set(ctx, cache.ProviderEPC, "SW1A1AA", map[string]string{"rating": "C"}, cache.TTL(time.Hour))
	require.NoError(t, err)

	rec := f.do(t, "GET", "/admin/cache/epc/SW1A1AA", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var info cache.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.True(t, info.Cached)
	assert.Equal(t, time.Hour, info.TTL)

	rec = f.do(t, "POST", "/admin/cache/epc/SW1A1AA/stale", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.cache.Exists(ctx, cache.ProviderEPC, "SW1A1AA"))

	rec = f.do(t, "DELETE", "/admin/cache/epc/SW1A1AA", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "GET", "/admin/cache/epc/SW1A1AA", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "DELETE", "/admin/cache/epc/never-cached", "", true)
	assert.Equal(t, http.StatusOK, rec.Code, "invalidating a missing key succeeds")

	rec = f.do(t, "GET", "/admin/cache/bogus/K", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_StatsClearCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.cache.Set(ctx, cache.ProviderEPC, "A", 1)
	_, _ = f.cache.Set(ctx, cache.ProviderFlood, "A", 1)

	rec := f.do(t, "GET", "/admin/cache/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalEntries)

	rec = f.do(t, "DELETE", "/admin/cache/epc", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.cache.Stats(ctx).TotalEntries)

	rec = f.do(t, "POST", "/admin/cache/cleanup", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":0}`, rec.Body.String())

	rec = f.do(t, "DELETE", "/admin/cache", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.cache.Stats(ctx).TotalEntries)
}

func TestAdmin_Warm(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/admin/cache/postcodes/warm", `{"keys":["SW1A1AA","EC1A1BB"]}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"task_id":"task-1"}`, rec.Body.String())
	require.Len(t, f.queue.tasks, 1)
	assert.Equal(t, jobs.TaskWarmCache, f.queue.tasks[0].Type())

	var p jobs.WarmCachePayload
	require.NoError(t, json.Unmarshal(f.queue.tasks[0].Payload(), &p))
	assert.Equal(t, cache.ProviderPostcodes, p.Provider)
	assert.Equal(t, []string{"SW1A1AA", "EC1A1BB"}, p.Keys)

	rec = f.do(t, "POST", "/admin/cache/postcodes/warm", `{"keys":[]}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
