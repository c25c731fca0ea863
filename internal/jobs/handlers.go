package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/propertydata/cache"
	"github.com/briangreenhill/propertydata/internal/providers"
)

// Handlers runs cache tasks against one manager.
type Handlers struct {
	Manager *cache.Manager
	Sources *providers.Registry
	Log     zerolog.Logger
}

// Register wires every task type into mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskCleanupCache, h.HandleCleanup)
	mux.HandleFunc(TaskWarmCache, h.HandleWarm)
}

func (h *Handlers) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	n := h.Manager.Cleanup(ctx)
	h.Log.Info().Str("task", t.Type()).Int("deleted", n).Msg("cache cleanup done")
	return nil
}

// HandleWarm looks up every key so that missing or expired entries are
// fetched. Retryable upstream failures fail the task; anything else is
// logged and skipped.
func (h *Handlers) HandleWarm(ctx context.Context, t *asynq.Task) error {
	var p WarmCachePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Log.Error().Err(err).Str("task", t.Type()).Msg("bad payload")
		return fmt.Errorf("decode warm payload: %v: %w", err, asynq.SkipRetry)
	}

	src, ok := h.Sources.Get(p.Provider)
	if !ok {
		h.Log.Error().Str("provider", string(p.Provider)).Msg("warm: unknown provider")
		return fmt.Errorf("warm %s: %w: %w", p.Provider, providers.ErrUnknownProvider, asynq.SkipRetry)
	}

	var fetched, hits, failed int
	var retry error
	for _, key := range p.Keys {
		_, hit, err := providers.Lookup(ctx, h.Manager, src, key)
		switch {
		case err == nil && hit:
			hits++
		case err == nil:
			fetched++
		case IsRetryable(err):
			failed++
			retry = errors.Join(retry, err)
			h.Log.Warn().Err(err).Str("provider", string(p.Provider)).Str("key", key).Msg("warm: retryable error")
		default:
			failed++
			h.Log.Warn().Err(err).Str("provider", string(p.Provider)).Str("key", key).Msg("warm: permanent error, skipping key")
		}
	}

	h.Log.Info().
		Str("provider", string(p.Provider)).
		Int("keys", len(p.Keys)).
		Int("fetched", fetched).
		Int("hits", hits).
		Int("failed", failed).
		Msg("cache warm done")
	return retry
}

// IsRetryable determines if an error should trigger a task retry
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var se *providers.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Network/connectivity issues reported as plain strings
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset")
}
