// Package cachecontrol parses the request-side Cache-Control directives
// the pipeline needs, per spec §4.6. It recognises no-store, no-cache and
// max-age; everything else is ignored.
package cachecontrol

import (
	"net/http"
	"strconv"
	"strings"
)

// Directives holds the parsed, normalised request directives.
type Directives struct {
	NoStore bool
	NoCache bool
	// MaxAge is set only when a well-formed max-age=<int> directive was
	// present; HasMaxAge reports whether it applies.
	MaxAge    int
	HasMaxAge bool
}

// Parse reads the Cache-Control request header (possibly repeated, and
// possibly a single comma-separated value) and extracts the directives the
// pipeline acts on. Unknown tokens are ignored; a malformed max-age value
// is treated as if the directive were absent, matching spec §4.6.
func Parse(h http.Header) Directives {
	var d Directives
	for _, line := range h.Values("Cache-Control") {
		for _, tok := range strings.Split(line, ",") {
			name, arg, hasArg := splitDirective(tok)
			switch name {
			case "no-store":
				d.NoStore = true
			case "no-cache":
				d.NoCache = true
			case "max-age":
				if !hasArg {
					continue
				}
				if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
					d.MaxAge = n
					d.HasMaxAge = true
				}
				// a malformed value leaves HasMaxAge false, i.e. absent.
			}
		}
	}
	return d
}

// splitDirective normalises one comma-separated token into a
// case-insensitive directive name and its optional argument, tolerating
// whitespace around "=" and quoted-string arguments.
func splitDirective(tok string) (name, arg string, hasArg bool) {
	tok = strings.TrimSpace(tok)
	parts := strings.SplitN(tok, "=", 2)
	name = strings.ToLower(strings.TrimSpace(parts[0]))
	if len(parts) == 2 {
		arg = strings.Trim(strings.TrimSpace(parts[1]), `"`)
		hasArg = true
	}
	return name, arg, hasArg
}
