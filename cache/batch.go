package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// BatchItem is one value for BatchSet.
type BatchItem struct {
	Key   string
	Value any
	// TTL overrides the provider default when positive
	TTL time.Duration
}

// BatchGet reads many keys of one provider in a single store round trip.
// The result has an entry for every requested key: the payload when valid,
// nil otherwise. Expired rows are marked stale, as with Get.
func (m *Manager) BatchGet(ctx context.Context, provider Provider, keys []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(keys))
	unique := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, seen := out[k]; seen {
			continue
		}
		out[k] = nil
		unique = append(unique, k)
	}
	if len(unique) == 0 {
		return out
	}

	rows, err := m.store.GetMany(ctx, provider, unique)
	if err != nil {
		m.fail(err, "batch_get", provider, "")
		m.misses.Add(int64(len(unique)))
		return out
	}

	now := m.now()
	hits := 0
	for _, e := range rows {
		if _, requested := out[e.Key]; !requested {
			continue
		}
		m.expireLazily(ctx, e, now)
		if e.ValidAt(now) {
			out[e.Key] = e.Payload
			hits++
		}
	}
	m.hits.Add(int64(hits))
	m.misses.Add(int64(len(unique) - hits))
	return out
}

// BatchSet writes many values of one provider with a single multi-row
// upsert. Every value is serialized before anything is written. It returns
// false when the write fails or when any item was too large to cache;
// whether a failed write left some rows applied depends on the store.
// When a key appears more than once the last item wins.
func (m *Manager) BatchSet(ctx context.Context, provider Provider, items []BatchItem) (bool, error) {
	entries := make([]*Entry, 0, len(items))
	index := make(map[string]int, len(items))
	complete := true

	for _, it := range items {
		payload, err := encode(it.Value)
		if err != nil {
			return false, fmt.Errorf("batch set %s/%s: %w", provider, it.Key, err)
		}
		if m.oversized(provider, it.Key, payload) {
			complete = false
			continue
		}
		e := m.newEntry(provider, it.Key, payload, m.resolveTTL(provider, it.TTL), "")
		if i, dup := index[it.Key]; dup {
			entries[i] = e
			continue
		}
		index[it.Key] = len(entries)
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return complete, nil
	}

	if err := m.store.Upsert(ctx, entries...); err != nil {
		m.fail(err, "batch_set", provider, "")
		return false, nil
	}
	return complete, nil
}
