// Package reading implements the idempotent reading store (C5):
// payload-hash based dedup on insert, backed by Postgres.
package reading

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// PayloadHash canonicalizes payload by recursively sorting map keys
// and serializing with fixed separators, then returns the hex sha-256
// digest. This must match byte-for-byte across re-implementations of
// this service (spec.md §9) so dedup survives re-encoding.
func PayloadHash(payload map[string]any) string {
	canon := canonicalize(payload)
	// json.Marshal on map[string]any sorts keys itself (encoding/json
	// sorts map keys since Go 1.12), and uses fixed separators with no
	// extra whitespace, which matches the "fixed separators" rule.
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalize recursively normalizes nested maps and slices so that
// equal payloads produce byte-identical JSON regardless of original
// key order. Go's json.Marshal already sorts map[string]any keys, but
// we walk explicitly so slices of maps (and any float/int formatting
// quirks) are handled the same way at every nesting level.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = canonicalize(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return v
	}
}
