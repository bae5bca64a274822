// Package coalescer implements the single-flight protocol of spec §4.4:
// on a cache miss, at most one request per cache key actually fetches the
// origin; every other concurrent request for that key either rides the
// winner's result or, after a bounded wait, falls back to a direct fetch
// of its own.
package coalescer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/bibash-dev/cachewarp/internal/store"
)

// Fetch performs an origin fetch (and, for the winner, a Store.set) and
// returns the entry to serve.
type Fetch func(ctx context.Context) (store.Entry, error)

// Recheck re-consults the Store for the double-checked lookups the
// protocol requires of both the winner and backing-off losers.
type Recheck func(ctx context.Context) (store.Result, store.Entry)

// Coalescer holds the far-tier lock handle and the loser back-off budget.
// One Coalescer is shared by the whole pipeline; its singleflight.Group
// collapses concurrent in-process callers before any of them touches the
// distributed lock at all, per spec §4.4's "per process-wide key K, at
// most one request holds the lock at a time" guarantee.
type Coalescer struct {
	store        *store.Store
	sf           singleflight.Group
	leaseEpsilon time.Duration
	loserBackoff time.Duration
	loserMaxWait time.Duration
}

// New builds a Coalescer. leaseEpsilon is added to the caller's fetch
// timeout to form the lock lease (spec §4.4 step 2: "lease = fetch_timeout
// + ε"). loserBackoff is the fixed per-iteration sleep of a loser;
// loserMaxWait is its total wait budget (spec §6's loser_max_wait_ms).
func New(st *store.Store, leaseEpsilon, loserBackoff, loserMaxWait time.Duration) *Coalescer {
	return &Coalescer{
		store:        st,
		leaseEpsilon: leaseEpsilon,
		loserBackoff: loserBackoff,
		loserMaxWait: loserMaxWait,
	}
}

// Run executes the coalescing protocol for cache key k / lock key lockKey.
// recheck is the double-checked Store lookup both winner and losers use;
// fetchAndStore runs only for the winner and is expected to write the
// result to the Store; fetchNoStore is the bounded-loser fallback and
// must NOT write to the Store (spec §4.4 step 4: "to avoid double-writes").
func (c *Coalescer) Run(ctx context.Context, k, lockKey string, fetchTimeout time.Duration, recheck Recheck, fetchAndStore, fetchNoStore Fetch) (store.Entry, error) {
	v, err, _ := c.sf.Do(k, func() (interface{}, error) {
		return c.runLocked(ctx, lockKey, fetchTimeout, recheck, fetchAndStore, fetchNoStore)
	})
	if err != nil {
		return store.Entry{}, err
	}
	return v.(store.Entry), nil
}

func (c *Coalescer) runLocked(ctx context.Context, lockKey string, fetchTimeout time.Duration, recheck Recheck, fetchAndStore, fetchNoStore Fetch) (store.Entry, error) {
	ownerToken := uuid.NewString()
	lease := fetchTimeout + c.leaseEpsilon

	if c.store.AcquireLock(ctx, lockKey, ownerToken, lease) {
		defer c.store.ReleaseLock(ctx, lockKey, ownerToken)

		if res, entry := recheck(ctx); res != store.Miss {
			return entry, nil
		}
		return fetchAndStore(ctx)
	}

	return c.runLoser(ctx, recheck, fetchNoStore)
}

func (c *Coalescer) runLoser(ctx context.Context, recheck Recheck, fetchNoStore Fetch) (store.Entry, error) {
	deadline := time.Now().Add(c.loserMaxWait)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return store.Entry{}, ctx.Err()
		case <-time.After(c.loserBackoff):
		}

		if res, entry := recheck(ctx); res != store.Miss {
			return entry, nil
		}
	}

	return fetchNoStore(ctx)
}
