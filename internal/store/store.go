package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bibash-dev/cachewarp/internal/telemetry"
)

// Store is the two-tier cache: a process-local near tier in front of a
// shared far tier, implementing the Get/Set/lock contract of spec §4.3.
type Store struct {
	near           *nearTier
	far            FarTier
	staleTTLOffset time.Duration
	farTimeout     time.Duration
	metrics        *telemetry.Metrics
	log            zerolog.Logger
}

// New builds a Store. staleTTLOffset and farTimeout correspond to spec §6's
// stale_ttl_offset (seconds) and the far-tier call deadline (§5). metrics
// may be nil, in which case far-tier degrade events are logged but not
// counted (mirroring the Pipeline's own nil-safe metrics handling).
func New(far FarTier, l1MaxSize int, staleTTLOffset, farTimeout time.Duration, metrics *telemetry.Metrics, log zerolog.Logger) *Store {
	return &Store{
		near:           newNearTier(l1MaxSize),
		far:            far,
		staleTTLOffset: staleTTLOffset,
		farTimeout:     farTimeout,
		metrics:        metrics,
		log:            log.With().Str("component", "store").Logger(),
	}
}

// recordFarTierError records a degrade point on the far-tier error counter
// (SPEC_FULL.md SUPPLEMENTED FEATURES §1), labelled by the operation that
// degraded.
func (s *Store) recordFarTierError(kind string) {
	if s.metrics != nil {
		s.metrics.RecordFarTierError(kind)
	}
}

// Get implements the lookup in spec §4.3: near tier first, then far tier
// fresh key K, then far tier stale key. A far-tier read error ends the
// lookup as a Miss.
func (s *Store) Get(ctx context.Context, k, staleK string, now int64) (Result, Entry) {
	if entry, ok := s.near.get(k, now); ok {
		return HitFresh, entry
	}

	farEntry, ok, err := s.farGet(ctx, k)
	if err != nil {
		return Miss, Entry{}
	}
	if ok {
		remaining := farEntry.ExpiresAt() - now
		if remaining > 0 {
			s.near.set(k, farEntry, int(remaining), now)
			return HitFresh, farEntry
		}
	}

	staleEntry, ok, _ := s.farGet(ctx, staleK)
	if ok {
		// Do not repopulate the near tier with a stale entry: the pipeline
		// will kick off a refresh, and we don't want the near tier to
		// shadow that refresh's eventual fresh write (spec §4.3).
		return HitStale, staleEntry
	}

	return Miss, Entry{}
}

// farGet performs a bounded far-tier read. It reports whether key was
// found; any other error (timeout, connection failure) is logged, counted
// and returned so Get can degrade to a Miss, per the Failure Policy in
// spec §4.3.
func (s *Store) farGet(ctx context.Context, key string) (Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.farTimeout)
	defer cancel()

	entry, err := s.far.Get(ctx, key)
	if err == ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("far tier read degraded to miss")
		s.recordFarTierError("get")
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Set writes entry to the near tier, the far tier at k, and the stale
// companion at staleK, per the atomic-per-key contract in spec §4.3.
// ttl must be > 0; callers are expected to have already checked this
// (spec §3 invariant 1: writes with non-positive TTL are rejected).
func (s *Store) Set(ctx context.Context, k, staleK string, entry Entry, ttl int, now int64) {
	if ttl <= 0 {
		return
	}
	entry.StoredAt = now
	entry.TTL = ttl

	s.near.set(k, entry, ttl, now)

	ctx, cancel := context.WithTimeout(ctx, s.farTimeout)
	defer cancel()

	if err := s.far.Set(ctx, k, entry, time.Duration(ttl)*time.Second); err != nil {
		s.log.Error().Err(err).Str("key", k).Msg("far tier write failed, fresh key not shared")
		s.recordFarTierError("set")
	}
	staleTTL := time.Duration(ttl)*time.Second + s.staleTTLOffset
	if err := s.far.Set(ctx, staleK, entry, staleTTL); err != nil {
		s.log.Error().Err(err).Str("key", staleK).Msg("far tier stale write failed")
		s.recordFarTierError("set")
	}
}

// Invalidate removes k from the near tier and both k and staleK from the
// far tier. The lock:K and refresh:K keys are left untouched.
func (s *Store) Invalidate(ctx context.Context, k, staleK string) {
	s.near.delete(k)
	ctx, cancel := context.WithTimeout(ctx, s.farTimeout)
	defer cancel()
	if err := s.far.Delete(ctx, k); err != nil {
		s.log.Error().Err(err).Str("key", k).Msg("far tier invalidate failed")
		s.recordFarTierError("invalidate")
	}
	if err := s.far.Delete(ctx, staleK); err != nil {
		s.log.Error().Err(err).Str("key", staleK).Msg("far tier invalidate failed")
		s.recordFarTierError("invalidate")
	}
}

// AcquireLock attempts the far-tier SETNX-based coalescing lock (spec
// §4.3/§4.4). A far-tier error degrades to "not acquired" — the loser path.
func (s *Store) AcquireLock(ctx context.Context, lockKey, ownerToken string, lease time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, s.farTimeout)
	defer cancel()

	ok, err := s.far.SetNX(ctx, lockKey, ownerToken, lease)
	if err != nil {
		s.log.Error().Err(err).Str("key", lockKey).Msg("lock acquire degraded to not-acquired")
		s.recordFarTierError("lock_acquire")
		return false
	}
	return ok
}

// ReleaseLock performs the compare-and-delete release (spec §4.3).
func (s *Store) ReleaseLock(ctx context.Context, lockKey, ownerToken string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.farTimeout)
	defer cancel()

	ok, err := s.far.CompareDelete(ctx, lockKey, ownerToken)
	if err != nil {
		s.log.Error().Err(err).Str("key", lockKey).Msg("lock release failed")
		s.recordFarTierError("lock_release")
		return false
	}
	return ok
}

// MarkRefreshPending attempts the near-tier set-if-absent on refreshKey
// described in spec §4.5 step 6. It reports whether this call is the one
// that set the mark; a caller that loses the race must not schedule a
// refresh of its own.
func (s *Store) MarkRefreshPending(refreshKey string, ttlSeconds int, now int64) bool {
	return s.near.setIfAbsent(refreshKey, Entry{}, ttlSeconds, now)
}

// ClearRefreshPending unconditionally clears refreshKey, per spec §4.7
// step 4 ("Unconditionally clear the refresh:K mark on exit").
func (s *Store) ClearRefreshPending(refreshKey string) {
	s.near.delete(refreshKey)
}

// FarTierStatus reports the far tier's health for the /health endpoint
// (spec §6): "ok" if reachable, "down" otherwise.
func (s *Store) FarTierStatus(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, s.farTimeout)
	defer cancel()
	if err := s.far.Ping(ctx); err != nil {
		return "down"
	}
	return "ok"
}
