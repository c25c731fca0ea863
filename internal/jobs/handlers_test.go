package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/internal/providers"
)

type stubSource struct {
	name  cache.Provider
	calls map[string]int
	errs  map[string]error
}

func (s *stubSource) Name() cache.Provider       { return s.name }
func (s *stubSource) TTL() time.Duration         { return time.Hour }
func (s *stubSource) CacheKey(raw string) string { return cache.NormalizeKey(raw) }

func (s *stubSource) Fetch(_ context.Context, key, _ string) (providers.Response, error) {
	s.calls[key]++
	if err := s.errs[key]; err != nil {
		return providers.Response{}, err
	}
	return providers.Response{Body: json.RawMessage(`{"key":"` + key + `"}`)}, nil
}

func newHandlers(src *stubSource) (*Handlers, *cache.Manager) {
	m := cache.NewManager(cache.NewMemoryStore())
	reg := providers.NewRegistry()
	reg.Register(src)
	return &Handlers{Manager: m, Sources: reg}, m
}

func TestHandleWarm(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{name: cache.ProviderPostcodes, calls: map[string]int{}}
	h, m := newHandlers(src)

	task, err := NewWarmTask(cache.ProviderPostcodes, []string{"sw1a 1aa", "EC1A1BB"})
	require.NoError(t, err)
	require.NoError(t, h.HandleWarm(ctx, task))

	assert.True(t, m.Exists(ctx, cache.ProviderPostcodes, "SW1A1AA"))
	assert.True(t, m.Exists(ctx, cache.ProviderPostcodes, "EC1A1BB"))

	// warming again is served from cache
	require.NoError(t, h.HandleWarm(ctx, task))
	assert.Equal(t, map[string]int{"SW1A1AA": 1, "EC1A1BB": 1}, src.calls)
}

func TestHandleWarm_Errors(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{
		name:  cache.ProviderCrime,
		calls: map[string]int{},
		errs: map[string]error{
			"GONE": &providers.StatusError{Provider: cache.ProviderCrime, StatusCode: 404},
			"BUSY": &providers.StatusError{Provider: cache.ProviderCrime, StatusCode: 503},
		},
	}
	h, m := newHandlers(src)

	task, _ := NewWarmTask(cache.ProviderCrime, []string{"GONE", "OK"})
	assert.NoError(t, h.HandleWarm(ctx, task), "permanent failures are skipped")
	assert.True(t, m.Exists(ctx, cache.ProviderCrime, "OK"))

	task, _ = NewWarmTask(cache.ProviderCrime, []string{"BUSY", "OK"})
	assert.Error(t, h.HandleWarm(ctx, task), "temporary failures retry the task")

	task, _ = NewWarmTask(cache.ProviderEPC, []string{"K"})
	err := h.HandleWarm(ctx, task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, providers.ErrUnknownProvider)

	err = h.HandleWarm(ctx, asynq.NewTask(TaskWarmCache, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleCleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	m := cache.NewManager(cache.NewMemoryStore(), cache.WithClock(clock))
	h := &Handlers{Manager: m, Sources: providers.NewRegistry()}

	_, _ = m.Set(ctx, cache.ProviderFlood, "old", 1, cache.TTL(time.Second))
	_, _ = m.Set(ctx, cache.ProviderFlood, "new", 1, cache.TTL(time.Hour))
	now = now.Add(time.Minute)

	require.NoError(t, h.HandleCleanup(ctx, NewCleanupTask()))
	assert.Equal(t, 1, m.Stats(ctx).TotalEntries)
}

func TestRegister(t *testing.T) {
	mux := asynq.NewServeMux()
	h := &Handlers{Manager: cache.NewManager(cache.NewMemoryStore()), Sources: providers.NewRegistry()}
	h.Register(mux)

	for _, typ := range []string{TaskCleanupCache, TaskWarmCache} {
		_, pattern := mux.Handler(asynq.NewTask(typ, nil))
		assert.Equal(t, typ, pattern)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &providers.StatusError{StatusCode: 429}, true},
		{"server error", fmt.Errorf("wrapped: %w", &providers.StatusError{StatusCode: 502}), true},
		{"not found", &providers.StatusError{StatusCode: 404}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"timeout text", errors.New("i/o timeout"), true},
		{"bad json", providers.ErrInvalidBody, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestNewWarmTask(t *testing.T) {
	task, err := NewWarmTask(cache.ProviderEPC, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, TaskWarmCache, task.Type())

	var p WarmCachePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, cache.ProviderEPC, p.Provider)
	assert.Equal(t, []string{"A", "B"}, p.Keys)
}
