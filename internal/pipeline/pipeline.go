// Package pipeline implements the request pipeline described in spec
// §4.5: it decides, for every inbound request, whether to bypass the
// cache entirely, serve a fresh or stale hit, or run the coalescing
// protocol on a miss, and emits the X-Cache status the client sees.
package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bibash-dev/cachewarp/internal/cachecontrol"
	"github.com/bibash-dev/cachewarp/internal/cachekey"
	"github.com/bibash-dev/cachewarp/internal/coalescer"
	"github.com/bibash-dev/cachewarp/internal/config"
	"github.com/bibash-dev/cachewarp/internal/originclient"
	"github.com/bibash-dev/cachewarp/internal/scheduler"
	"github.com/bibash-dev/cachewarp/internal/store"
	"github.com/bibash-dev/cachewarp/internal/telemetry"
	"github.com/bibash-dev/cachewarp/internal/ttlpolicy"
)

// cacheStatusHeader is the response header spec §4.5 step 8 and §6 call
// for: HIT | STALE | MISS | BYPASS.
const cacheStatusHeader = "X-Cache"

const refreshMarkTTLSeconds = 5

// Pipeline wires the cache engine (C1-C4, C6-C7) into an http.Handler.
type Pipeline struct {
	origin       *originclient.Client
	store        *store.Store
	coalescer    *coalescer.Coalescer
	policy       *ttlpolicy.Policy
	scheduler    *scheduler.Scheduler
	metrics      *telemetry.Metrics
	reverse      *httputil.ReverseProxy
	skipPaths    map[string]struct{}
	lockLease    time.Duration
	fetchTimeout time.Duration
	log          zerolog.Logger
}

// New builds a Pipeline from its collaborators and the resolved
// configuration.
func New(
	cfg config.Config,
	origin *originclient.Client,
	st *store.Store,
	co *coalescer.Coalescer,
	pol *ttlpolicy.Policy,
	sch *scheduler.Scheduler,
	metrics *telemetry.Metrics,
	fetchTimeout time.Duration,
	log zerolog.Logger,
) (*Pipeline, error) {
	originURL, err := url.Parse(cfg.OriginURL)
	if err != nil {
		return nil, err
	}

	skip := make(map[string]struct{}, len(cfg.CacheSkipPaths))
	for _, p := range cfg.CacheSkipPaths {
		skip[p] = struct{}{}
	}

	p := &Pipeline{
		origin:       origin,
		store:        st,
		coalescer:    co,
		policy:       pol,
		scheduler:    sch,
		metrics:      metrics,
		skipPaths:    skip,
		lockLease:    time.Duration(cfg.LockLeaseSeconds) * time.Second,
		fetchTimeout: fetchTimeout,
		log:          log.With().Str("component", "pipeline").Logger(),
	}

	p.reverse = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = originURL.Scheme
			req.URL.Host = originURL.Host
		},
	}

	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.RequestsTotal.Inc()
	}

	status, tw := p.route(w, r)

	if p.metrics != nil {
		p.metrics.RequestLatency.Observe(time.Since(start).Seconds())
	}
	if tw != nil {
		p.logBypass(r, tw)
	} else {
		p.logRequest(r, status, time.Since(start))
	}
}

// route implements the decision order of spec §4.5 and returns the cache
// status it ultimately assigned, for logging. For the bypass path it also
// returns the teeWriter that observed the proxied response, so the caller
// can log the real status code and byte count instead of just "BYPASS".
func (p *Pipeline) route(w http.ResponseWriter, r *http.Request) (string, *teeWriter) {
	if r.Method != http.MethodGet {
		return "BYPASS", p.bypass(w, r)
	}
	if _, skip := p.skipPaths[r.URL.Path]; skip {
		return "BYPASS", p.bypass(w, r)
	}

	directives := cachecontrol.Parse(r.Header)
	if directives.NoStore {
		return "BYPASS", p.bypass(w, r)
	}

	ctx := r.Context()
	k := cachekey.Derive(r.URL.Path, r.URL.RawQuery, false)
	staleK := cachekey.StaleKey(k)
	lockK := cachekey.LockKey(k)
	refreshK := cachekey.RefreshKey(k)
	now := nowUnix()

	res, entry := p.lookup(ctx, string(k), string(staleK), directives, now)

	switch res {
	case store.HitFresh:
		// A fresh hit may have been served by the far tier and just
		// repopulated into the near tier (spec §4.3), but it's always
		// attributed to the near tier here: by the time any later request
		// observes it, the near tier is what will actually answer.
		p.recordHit(telemetry.TierNear)
		p.serveEntry(w, entry, "HIT")
		return "HIT", nil
	case store.HitStale:
		// Stale entries never repopulate the near tier (spec §4.3), so a
		// stale hit always came from the far tier.
		p.recordHit(telemetry.TierFar)
		p.serveEntry(w, entry, "STALE")
		p.maybeScheduleRefresh(string(k), string(staleK), string(lockK), string(refreshK), r.URL.Path, r.URL.RequestURI(), directives, now)
		return "STALE", nil
	default:
		p.recordMiss()
		return p.handleMiss(w, r, string(k), string(staleK), string(lockK), directives, now), nil
	}
}

// lookup applies the request Cache-Control directives (spec §4.5 step 3)
// on top of a raw Store.Get: no-cache forces a miss regardless of what is
// stored, and a present max-age clamps how old a fresh entry may be. Both
// the pipeline's own lookup and the coalescer's double-checked recheck
// (spec §4.4 step 3) go through this, so a no-cache request can never be
// quietly served by another request's concurrently-fetched value.
func (p *Pipeline) lookup(ctx context.Context, k, staleK string, directives cachecontrol.Directives, now int64) (store.Result, store.Entry) {
	if directives.NoCache {
		return store.Miss, store.Entry{}
	}
	res, entry := p.store.Get(ctx, k, staleK, now)
	if res == store.HitFresh && directives.HasMaxAge && entry.Age(now) > int64(directives.MaxAge) {
		return store.Miss, store.Entry{}
	}
	return res, entry
}

func (p *Pipeline) recordHit(tier string) {
	if p.metrics != nil {
		p.metrics.RecordCacheHit(tier)
	}
}

func (p *Pipeline) recordMiss() {
	if p.metrics != nil {
		p.metrics.RecordCacheMiss(telemetry.TierFar)
	}
}

// bypass forwards the request unchanged via the reverse proxy, per spec
// §4.5 steps 1-3 ("forward to origin unchanged, do not consult or update
// the cache"). The X-Cache header is set on the real ResponseWriter before
// the proxy runs so it survives the proxy's additive header copy. The
// returned teeWriter carries the status code and byte count the caller
// needs for the bypass log line, since the real response never passes
// through serveEntry/writePassthrough.
func (p *Pipeline) bypass(w http.ResponseWriter, r *http.Request) *teeWriter {
	w.Header().Set(cacheStatusHeader, "BYPASS")
	tw := newTeeWriter(w)
	p.reverse.ServeHTTP(tw, r)
	return tw
}

// serveEntry writes a cached Entry as the HTTP response (spec §4.5 steps
// 5-6 and step 8): re-encoded JSON body, the entry's own status and
// content type, and the cache status header.
func (p *Pipeline) serveEntry(w http.ResponseWriter, entry store.Entry, status string) {
	body, err := json.Marshal(entry.Body)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to re-encode cached body")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set(cacheStatusHeader, status)
	w.WriteHeader(entry.Status)
	if _, err := w.Write(body); err != nil {
		p.log.Error().Err(err).Msg("failed to write response body to client")
	}
}

// writePassthrough writes an origin response verbatim, for responses the
// pipeline decided not to cache (non-JSON content type or decode
// failure), per spec §4.5 step 7 and the MISS disposition in §7.
func (p *Pipeline) writePassthrough(w http.ResponseWriter, resp originclient.Response, status string) {
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set(cacheStatusHeader, status)
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.RawBody); err != nil {
		p.log.Error().Err(err).Msg("failed to write response body to client")
	}
}

// maybeScheduleRefresh implements spec §4.5 step 6's refresh-pending mark
// and spec §4.7's refresh task body. routePath is used for TTL policy
// matching; requestURI (which carries the query string) is what's
// actually re-fetched from the origin.
func (p *Pipeline) maybeScheduleRefresh(k, staleK, lockK, refreshK, routePath, requestURI string, directives cachecontrol.Directives, now int64) {
	if !p.store.MarkRefreshPending(refreshK, refreshMarkTTLSeconds, now) {
		return
	}
	p.scheduler.Schedule(func(ctx context.Context) {
		defer p.store.ClearRefreshPending(refreshK)

		ownerToken := refreshOwnerToken()
		if !p.store.AcquireLock(ctx, lockK, ownerToken, p.lockLease) {
			return
		}
		defer p.store.ReleaseLock(ctx, lockK, ownerToken)

		resp, err := p.origin.Fetch(ctx, requestURI)
		if err != nil {
			p.logOriginError(err)
			return
		}
		if !originclient.IsJSONContentType(resp.ContentType) {
			return
		}
		ttl := p.effectiveTTL(routePath, resp.Status, resp.ContentType, directives)
		if ttl <= 0 {
			return
		}
		entry := store.Entry{Status: resp.Status, ContentType: resp.ContentType, Body: resp.Body}
		p.store.Set(ctx, k, staleK, entry, ttl, nowUnix())
	})
}

// handleMiss runs the Coalescer protocol (spec §4.4) and writes whichever
// response it settles on.
func (p *Pipeline) handleMiss(w http.ResponseWriter, r *http.Request, k, staleK, lockK string, directives cachecontrol.Directives, now int64) string {
	ctx := r.Context()
	path := r.URL.RequestURI()

	recheck := func(ctx context.Context) (store.Result, store.Entry) {
		return p.lookup(ctx, k, staleK, directives, nowUnix())
	}
	fetchAndStore := func(ctx context.Context) (store.Entry, error) {
		return p.fetchAndMaybeStore(ctx, r.URL.Path, path, k, staleK, directives, true)
	}
	fetchNoStore := func(ctx context.Context) (store.Entry, error) {
		return p.fetchAndMaybeStore(ctx, r.URL.Path, path, k, staleK, directives, false)
	}

	entry, err := p.coalescer.Run(ctx, k, lockK, p.fetchTimeout, recheck, fetchAndStore, fetchNoStore)
	if err != nil {
		p.logOriginError(err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return "MISS"
	}

	if entry.RawBody != nil {
		p.writePassthrough(w, originclient.Response{Status: entry.Status, ContentType: entry.ContentType, RawBody: entry.RawBody}, "MISS")
		return "MISS"
	}

	p.serveEntry(w, entry, "MISS")
	return "MISS"
}

// fetchAndMaybeStore performs the origin fetch and, when write is true and
// the response qualifies, writes it to the Store, per spec §4.5 step 7 and
// §4.4's winner/loser distinction (losers pass write=false so they never
// double-write, per §4.4 step 4).
func (p *Pipeline) fetchAndMaybeStore(ctx context.Context, routePath, requestURI, k, staleK string, directives cachecontrol.Directives, write bool) (store.Entry, error) {
	resp, err := p.origin.Fetch(ctx, requestURI)
	if err != nil {
		var oerr *originclient.OriginError
		if ok := asOriginError(err, &oerr); ok && oerr.Kind == originclient.KindDecode {
			// Decode failures still carry a usable raw response; surface
			// it as an uncached pass-through rather than a hard error.
			return passthroughEntry(resp), nil
		}
		return store.Entry{}, err
	}

	if !originclient.IsJSONContentType(resp.ContentType) {
		return passthroughEntry(resp), nil
	}

	entry := store.Entry{Status: resp.Status, ContentType: resp.ContentType, Body: resp.Body}
	if !write {
		return entry, nil
	}

	ttl := p.effectiveTTL(routePath, resp.Status, resp.ContentType, directives)
	if ttl > 0 {
		p.store.Set(ctx, k, staleK, entry, ttl, nowUnix())
	}
	return entry, nil
}

func (p *Pipeline) effectiveTTL(path string, status int, contentType string, directives cachecontrol.Directives) int {
	ttl := p.policy.TTL(path, status, contentType)
	if directives.HasMaxAge && directives.MaxAge < ttl {
		ttl = directives.MaxAge
	}
	return ttl
}

func (p *Pipeline) logOriginError(err error) {
	var oerr *originclient.OriginError
	kind := "unknown"
	if asOriginError(err, &oerr) {
		kind = string(oerr.Kind)
	}
	if p.metrics != nil {
		p.metrics.RecordOriginError(kind)
	}
	p.log.Error().Err(err).Str("kind", kind).Msg("origin fetch failed")
}

func (p *Pipeline) logRequest(r *http.Request, status string, elapsed time.Duration) {
	p.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("source_ip", sourceIP(r)).
		Str("cache_status", status).
		Dur("latency", elapsed).
		Msg("request handled")
}

// logBypass logs a bypassed request using the teeWriter's observed status
// code and byte count, rather than just the fixed "BYPASS" disposition.
func (p *Pipeline) logBypass(r *http.Request, tw *teeWriter) {
	p.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("source_ip", sourceIP(r)).
		Str("cache_status", "BYPASS").
		Int("status_code", tw.StatusCode()).
		Int64("bytes_out", tw.BytesOut()).
		Dur("latency", tw.Elapsed()).
		Msg("request handled")
}

func sourceIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}

func asOriginError(err error, target **originclient.OriginError) bool {
	oerr, ok := err.(*originclient.OriginError)
	if ok {
		*target = oerr
	}
	return ok
}

func passthroughEntry(resp originclient.Response) store.Entry {
	return store.Entry{Status: resp.Status, ContentType: resp.ContentType, RawBody: resp.RawBody}
}

func nowUnix() int64 { return time.Now().Unix() }

// refreshOwnerToken generates the opaque per-attempt lock owner token a
// background refresh task uses to acquire and release lock:K (spec §4.4
// step 1 / §4.7 step 1).
func refreshOwnerToken() string {
	return uuid.NewString()
}
