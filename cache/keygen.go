package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// maxKeyLength bounds keys stored in the cache table; longer keys are hashed
const maxKeyLength = 200

// KeyFor builds a stable cache key from a base and a set of options.
// Options are sorted so the same set always produces the same key.
//
//	KeyFor("SW1A1AA", map[string]string{"size": "10"}) // "SW1A1AA__size=10"
func KeyFor(base string, params map[string]string) string {
	var parts []string
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)

	key := base
	if len(parts) > 0 {
		key = fmt.Sprintf("%s__%s", base, strings.Join(parts, "__"))
	}
	return shortenKey(key)
}

// NormalizeKey canonicalises a caller-supplied key: trims, drops inner
// whitespace and upper-cases it, so "sw1a 1aa" and "SW1A1AA" collide.
func NormalizeKey(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), ""))
}

func shortenKey(key string) string {
	if len(key) <= maxKeyLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "hash_" + hex.EncodeToString(sum[:])
}

// RequestHash is a content hash over (provider, key, payload). It changes
// whenever the stored payload changes and is used for change detection.
func RequestHash(provider Provider, key string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// flightKey identifies one (provider, key) pair for single-flight grouping
func flightKey(provider Provider, key string) string {
	return string(provider) + "\x00" + key
}
