// Package ttlpolicy implements the TTL decision used to decide how long a
// freshly fetched origin response should be cached, per spec §4.1.
package ttlpolicy

import (
	"path"
	"strings"

	"github.com/bibash-dev/cachewarp/internal/config"
)

// Policy evaluates the ordered path/status/content-type rules against a
// fixed configuration. It holds no mutable state and is safe for concurrent
// use.
type Policy struct {
	pathPatterns []config.PathPatternTTL
	byStatus     map[int]int
	byContent    map[string]int
	defaultTTL   int
}

// New builds a Policy from the given config.
func New(cfg config.Config) *Policy {
	byContent := make(map[string]int, len(cfg.TTLByContentType))
	for k, v := range cfg.TTLByContentType {
		byContent[strings.ToLower(k)] = v
	}
	return &Policy{
		pathPatterns: cfg.TTLByPathPattern,
		byStatus:     cfg.TTLByStatusCode,
		byContent:    byContent,
		defaultTTL:   cfg.CacheDefaultTTL,
	}
}

// TTL returns the number of seconds a response for path, with the given
// status and content type, should be cached. Precedence, highest first:
// path pattern, status code, content type, default. The result is always
// >= 0; a returned 0 means "do not cache" (spec §4.1).
func (p *Policy) TTL(reqPath string, status int, contentType string) int {
	for _, rule := range p.pathPatterns {
		if matchGlob(rule.Glob, reqPath) {
			return clamp(rule.TTL)
		}
	}
	if ttl, ok := p.byStatus[status]; ok {
		return clamp(ttl)
	}
	if ct := stripParams(contentType); ct != "" {
		if ttl, ok := p.byContent[strings.ToLower(ct)]; ok {
			return clamp(ttl)
		}
	}
	return clamp(p.defaultTTL)
}

func clamp(ttl int) int {
	if ttl < 0 {
		return 0
	}
	return ttl
}

// matchGlob mirrors the original TTL calculator's matching: a pattern
// ending in "/*" matches by prefix (so "/static/*" matches "/static/x/y"),
// anything else is matched with the standard shell-glob semantics of
// path.Match.
func matchGlob(pattern, reqPath string) bool {
	if strings.HasSuffix(pattern, "/*") {
		base := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(reqPath, base)
	}
	ok, err := path.Match(pattern, reqPath)
	return err == nil && ok
}

// stripParams removes any "; charset=..." style parameters from a media
// type, e.g. "application/json; charset=utf-8" -> "application/json".
func stripParams(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType)
}
