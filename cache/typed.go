package cache

import (
	"context"
)

// Get is the typed form of Manager.Get. A payload that no longer decodes
// into T is reported as a miss.
func Get[T any](ctx context.Context, m *Manager, provider Provider, key string) (T, bool) {
	var zero T
	raw, ok := m.Get(ctx, provider, key)
	if !ok {
		return zero, false
	}
	v, err := decode[T](raw)
	if err != nil {
		m.log.Warn().Err(err).
			Str("provider", string(provider)).
			Str("key", key).
			Msg("cached payload does not decode")
		return zero, false
	}
	return v, true
}

// BatchGetAs is the typed form of Manager.BatchGet. Every requested key is
// present in the result; misses map to nil.
func BatchGetAs[T any](ctx context.Context, m *Manager, provider Provider, keys []string) map[string]*T {
	raw := m.BatchGet(ctx, provider, keys)
	out := make(map[string]*T, len(raw))
	for k, payload := range raw {
		if payload == nil {
			out[k] = nil
			continue
		}
		v, err := decode[T](payload)
		if err != nil {
			m.log.Warn().Err(err).
				Str("provider", string(provider)).
				Str("key", k).
				Msg("cached payload does not decode")
			out[k] = nil
			continue
		}
		out[k] = &v
	}
	return out
}
