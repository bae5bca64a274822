// Package cachekey derives the canonical CacheKey fingerprint described in
// spec §3: a byte-equality opaque string built from the request path and,
// if enabled, a normalised query string.
package cachekey

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
)

// hasherPool amortises xxh3 hasher allocation, mirroring the pool used for
// key hashing in the go-ash-cache reference implementation.
var hasherPool = sync.Pool{New: func() any { return xxh3.New() }}

// Key is the opaque fingerprint. Equality is byte equality (two Keys for
// the same logical resource compare equal as strings).
type Key string

// Derive builds the fingerprint for a GET request's path, optionally
// folding in a canonicalised query string. Query keys are sorted so that
// "?b=2&a=1" and "?a=1&b=2" derive the same Key.
func Derive(path string, rawQuery string, includeQuery bool) Key {
	canonical := path
	if includeQuery && rawQuery != "" {
		if q := canonicalizeQuery(rawQuery); q != "" {
			canonical = path + "?" + q
		}
	}
	return Key("ck:" + hash(canonical))
}

// canonicalizeQuery sorts query parameters by key (and, within a key, by
// value) so the derived Key is independent of parameter order.
func canonicalizeQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for j, v := range vs {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func hash(s string) string {
	h := hasherPool.Get().(*xxh3.Hasher)
	h.Reset()
	_, _ = h.WriteString(s)
	sum := h.Sum128()
	hasherPool.Put(h)
	// Hi/Lo give a 128-bit fingerprint; formatted as zero-padded hex it is
	// a stable, collision-resistant opaque string (spec §3: "equality is
	// byte equality").
	return pad16(sum.Hi) + pad16(sum.Lo)
}

func pad16(v uint64) string {
	s := strconv.FormatUint(v, 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// StaleKey returns the companion stale key for K (spec §3, "key family").
func StaleKey(k Key) Key { return Key("stale:" + string(k)) }

// LockKey returns the coalescing lock key for K.
func LockKey(k Key) Key { return Key("lock:" + string(k)) }

// RefreshKey returns the refresh-pending marker key for K.
func RefreshKey(k Key) Key { return Key("refresh:" + string(k)) }
