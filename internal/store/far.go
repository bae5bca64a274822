package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by FarTier.Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// FarTier is the shared, out-of-process tier described in spec §3/§4.3.
// The Store holds only a client handle; FarTier owns the actual storage.
type FarTier interface {
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SetNX sets key to owner if absent, with the given lease. It
	// implements the coalescing lock acquire in spec §4.3.
	SetNX(ctx context.Context, key, owner string, lease time.Duration) (bool, error)
	// CompareDelete deletes key only if its current value equals owner,
	// via a server-side script (spec §4.3: "compare-and-delete script").
	CompareDelete(ctx context.Context, key, owner string) (bool, error)
	Ping(ctx context.Context) error
}

// RedisFarTier is the production FarTier, backed by
// github.com/redis/go-redis/v9.
type RedisFarTier struct {
	rdb *redis.Client
}

// NewRedisFarTier dials (lazily, per go-redis convention) the far tier at
// url, e.g. "redis://localhost:6379".
func NewRedisFarTier(url string) (*RedisFarTier, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisFarTier{rdb: redis.NewClient(opt)}, nil
}

// Close releases the underlying connection pool.
func (f *RedisFarTier) Close() error { return f.rdb.Close() }

func (f *RedisFarTier) Get(ctx context.Context, key string) (Entry, error) {
	raw, err := f.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return decodeEntry(raw)
}

func (f *RedisFarTier) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return f.rdb.Set(ctx, key, raw, ttl).Err()
}

func (f *RedisFarTier) Delete(ctx context.Context, key string) error {
	return f.rdb.Del(ctx, key).Err()
}

func (f *RedisFarTier) SetNX(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	return f.rdb.SetNX(ctx, key, owner, lease).Result()
}

// compareDeleteScript is the CAS release used by acquire_lock/release_lock
// (spec §4.3): delete the key only if its value still matches the owner
// token that set it, so a lease that outlived its holder can't be
// released out from under a new holder.
var compareDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (f *RedisFarTier) CompareDelete(ctx context.Context, key, owner string) (bool, error) {
	res, err := compareDeleteScript.Run(ctx, f.rdb, []string{key}, owner).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (f *RedisFarTier) Ping(ctx context.Context) error {
	return f.rdb.Ping(ctx).Err()
}

// encodeEntry/decodeEntry implement the length-prefixed JSON wire format
// spec §4.3 calls for: a 4-byte big-endian length followed by the JSON
// payload, so a truncated read is detectable rather than silently
// producing a malformed JSON decode.
func encodeEntry(e Entry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

func decodeEntry(raw []byte) (Entry, error) {
	if len(raw) < 4 {
		return Entry{}, errors.New("store: truncated entry")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if int(n) != len(raw)-4 {
		return Entry{}, errors.New("store: entry length mismatch")
	}
	var e Entry
	if err := json.Unmarshal(raw[4:], &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}
