package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bibash-dev/cachewarp/internal/coalescer"
	"github.com/bibash-dev/cachewarp/internal/config"
	"github.com/bibash-dev/cachewarp/internal/originclient"
	"github.com/bibash-dev/cachewarp/internal/scheduler"
	"github.com/bibash-dev/cachewarp/internal/store"
	"github.com/bibash-dev/cachewarp/internal/ttlpolicy"
)

type fakeFar struct {
	entries map[string]store.Entry
	locks   map[string]string
}

func newFakeFar() *fakeFar { return &fakeFar{entries: map[string]store.Entry{}, locks: map[string]string{}} }

func (f *fakeFar) Get(_ context.Context, key string) (store.Entry, error) {
	e, ok := f.entries[key]
	if !ok {
		return store.Entry{}, store.ErrNotFound
	}
	return e, nil
}
func (f *fakeFar) Set(_ context.Context, key string, entry store.Entry, _ time.Duration) error {
	f.entries[key] = entry
	return nil
}
func (f *fakeFar) Delete(_ context.Context, key string) error { delete(f.entries, key); return nil }
func (f *fakeFar) SetNX(_ context.Context, key, owner string, _ time.Duration) (bool, error) {
	if _, held := f.locks[key]; held {
		return false, nil
	}
	f.locks[key] = owner
	return true, nil
}
func (f *fakeFar) CompareDelete(_ context.Context, key, owner string) (bool, error) {
	if f.locks[key] != owner {
		return false, nil
	}
	delete(f.locks, key)
	return true, nil
}
func (f *fakeFar) Ping(context.Context) error { return nil }

// newTestPipeline wires a Pipeline against originSrv with the given
// config overrides applied to defaults.
func newTestPipeline(t *testing.T, originSrv *httptest.Server, mutate func(*config.Config)) (*Pipeline, *fakeFar) {
	t.Helper()
	cfg := config.Default()
	cfg.OriginURL = originSrv.URL
	cfg.CacheDefaultTTL = 30
	if mutate != nil {
		mutate(&cfg)
	}

	far := newFakeFar()
	st := store.New(far, cfg.L1CacheMaxSize, time.Duration(cfg.StaleTTLOffset)*time.Second, time.Second, nil, zerolog.Nop())
	co := coalescer.New(st, 50*time.Millisecond, 10*time.Millisecond, time.Duration(cfg.LoserMaxWaitMS)*time.Millisecond)
	pol := ttlpolicy.New(cfg)
	sch := scheduler.New(10, 2, 1000, zerolog.Nop())
	origin := originclient.New(cfg.OriginURL, time.Second)

	p, err := New(cfg, origin, st, co, pol, sch, nil, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, far
}

func jsonOriginServer(counter *int32, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(counter, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func TestColdMissThenHit(t *testing.T) {
	var hits int32
	origin := jsonOriginServer(&hits, `{"n":1}`)
	defer origin.Close()

	p, _ := newTestPipeline(t, origin, nil)

	req1 := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)
	if got := rec1.Header().Get(cacheStatusHeader); got != "MISS" {
		t.Fatalf("got %q, want MISS", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)
	if got := rec2.Header().Get(cacheStatusHeader); got != "HIT" {
		t.Fatalf("got %q, want HIT", got)
	}
	if rec1.Body.String() != rec2.Body.String() {
		t.Fatalf("bodies differ: %q vs %q", rec1.Body.String(), rec2.Body.String())
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("origin hit %d times, want 1", hits)
	}
}

func TestStaleWhileRevalidate(t *testing.T) {
	var hits int32
	origin := jsonOriginServer(&hits, `{"n":1}`)
	defer origin.Close()

	p, _ := newTestPipeline(t, origin, func(c *config.Config) {
		c.CacheDefaultTTL = 1
		c.StaleTTLOffset = 10
		// Clear the status/path/content-type rules so the default TTL above
		// actually governs: the origin in this test always answers 200 with
		// application/json, which would otherwise win on the status-code or
		// content-type precedence tier.
		c.TTLByStatusCode = nil
		c.TTLByPathPattern = nil
		c.TTLByContentType = nil
	})

	req1 := httptest.NewRequest(http.MethodGet, "/b", nil)
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)
	if got := rec1.Header().Get(cacheStatusHeader); got != "MISS" {
		t.Fatalf("got %q, want MISS", got)
	}

	time.Sleep(1200 * time.Millisecond)

	req2 := httptest.NewRequest(http.MethodGet, "/b", nil)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)
	if got := rec2.Header().Get(cacheStatusHeader); got != "STALE" {
		t.Fatalf("got %q, want STALE", got)
	}
	if rec2.Body.String() != rec1.Body.String() {
		t.Fatalf("stale body %q should match the original %q", rec2.Body.String(), rec1.Body.String())
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&hits) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("origin hit %d times within 1s of the stale hit, want 2 (cold fetch + background refresh)", got)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/b", nil)
	rec3 := httptest.NewRecorder()
	p.ServeHTTP(rec3, req3)
	if got := rec3.Header().Get(cacheStatusHeader); got != "HIT" {
		t.Fatalf("got %q, want HIT after the background refresh completed", got)
	}
}

func TestNoStoreBypassesCache(t *testing.T) {
	var hits int32
	origin := jsonOriginServer(&hits, `{"n":1}`)
	defer origin.Close()

	p, far := newTestPipeline(t, origin, nil)

	req := httptest.NewRequest(http.MethodGet, "/d", nil)
	req.Header.Set("Cache-Control", "no-store")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if got := rec.Header().Get(cacheStatusHeader); got != "BYPASS" {
		t.Fatalf("got %q, want BYPASS", got)
	}
	if len(far.entries) != 0 {
		t.Fatal("expected no-store to write nothing to the far tier")
	}
}

func TestNonGETBypassesCache(t *testing.T) {
	var hits int32
	origin := jsonOriginServer(&hits, `{"n":1}`)
	defer origin.Close()

	p, _ := newTestPipeline(t, origin, nil)

	req := httptest.NewRequest(http.MethodPost, "/e", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if got := rec.Header().Get(cacheStatusHeader); got != "BYPASS" {
		t.Fatalf("got %q, want BYPASS", got)
	}
}

func TestSkipListPathBypasses(t *testing.T) {
	var hits int32
	origin := jsonOriginServer(&hits, `{"ok":true}`)
	defer origin.Close()

	p, _ := newTestPipeline(t, origin, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if got := rec.Header().Get(cacheStatusHeader); got != "BYPASS" {
		t.Fatalf("got %q, want BYPASS", got)
	}
}

func TestNonJSONContentTypeIsNotCached(t *testing.T) {
	var hits int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("binarydata"))
	}))
	defer origin.Close()

	p, far := newTestPipeline(t, origin, nil)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/static/img.png", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		if got := rec.Header().Get(cacheStatusHeader); got != "MISS" {
			t.Fatalf("iteration %d: got %q, want MISS", i, got)
		}
		if rec.Body.String() != "binarydata" {
			t.Fatalf("got body %q, want passthrough bytes", rec.Body.String())
		}
	}
	if len(far.entries) != 0 {
		t.Fatal("expected non-JSON content type to never be cached")
	}
}

func TestNoCacheForcesRevalidationButStillWrites(t *testing.T) {
	var hits int32
	origin := jsonOriginServer(&hits, `{"n":1}`)
	defer origin.Close()

	p, _ := newTestPipeline(t, origin, nil)

	req1 := httptest.NewRequest(http.MethodGet, "/a", nil)
	p.ServeHTTP(httptest.NewRecorder(), req1)

	req2 := httptest.NewRequest(http.MethodGet, "/a", nil)
	req2.Header.Set("Cache-Control", "no-cache")
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)
	if got := rec2.Header().Get(cacheStatusHeader); got != "MISS" {
		t.Fatalf("got %q, want MISS on no-cache", got)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec3 := httptest.NewRecorder()
	p.ServeHTTP(rec3, req3)
	if got := rec3.Header().Get(cacheStatusHeader); got != "HIT" {
		t.Fatalf("got %q, want HIT after no-cache re-populated the cache", got)
	}

	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("origin hit %d times, want 2 (cold miss + no-cache revalidation)", hits)
	}
}

func TestCoalescingCollapsesConcurrentMisses(t *testing.T) {
	var hits int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"n":1}`))
	}))
	defer origin.Close()

	p, _ := newTestPipeline(t, origin, nil)

	const n = 20
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/c", nil)
			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, req)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("origin fetched %d times, want exactly 1", got)
	}
}
