package store

import (
	"container/list"
	"sync"
)

// nearTier is the in-process L1 cache: a bounded, mutex-guarded LRU with
// per-key TTL checked on read. It is a simplified, single-lock rendition of
// the sharded LRU in the go-ash-cache reference (internal/cache/db/lru.go
// and shard.go) — this cache does not need shard-level parallelism at the
// scale spec §4.3 describes, so one mutex protecting a map plus a
// container/list is enough.
type nearTier struct {
	mu       sync.Mutex
	maxSize  int
	items    map[cachekeyType]*list.Element
	order    *list.List // front = most recently used
}

type nearItem struct {
	key     cachekeyType
	entry   Entry
	expires int64 // unix seconds
}

// cachekeyType is a local alias to avoid importing internal/cachekey from
// this lower-level package; Store passes plain strings in.
type cachekeyType = string

func newNearTier(maxSize int) *nearTier {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &nearTier{
		maxSize: maxSize,
		items:   make(map[cachekeyType]*list.Element),
		order:   list.New(),
	}
}

// get returns the entry for key if present and unexpired at now. An
// expired entry is evicted as a side effect (spec §4.3: "If present and
// not fresh, delete the near entry and fall through").
func (n *nearTier) get(key string, now int64) (Entry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	el, ok := n.items[key]
	if !ok {
		return Entry{}, false
	}
	it := el.Value.(*nearItem)
	if now >= it.expires {
		n.removeLocked(el)
		return Entry{}, false
	}
	n.order.MoveToFront(el)
	return it.entry, true
}

// set inserts or replaces key with entry, expiring at now+ttlSeconds.
// Eviction of the least-recently-used entry happens when the tier is full
// and a brand-new key is being inserted.
func (n *nearTier) set(key string, entry Entry, ttlSeconds int, now int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	expires := now + int64(ttlSeconds)
	if el, ok := n.items[key]; ok {
		it := el.Value.(*nearItem)
		it.entry = entry
		it.expires = expires
		n.order.MoveToFront(el)
		return
	}

	if n.order.Len() >= n.maxSize {
		n.evictOldestLocked()
	}

	it := &nearItem{key: key, entry: entry, expires: expires}
	el := n.order.PushFront(it)
	n.items[key] = el
}

// setIfAbsent inserts key only if it is not already present and unexpired,
// returning whether this call was the one that set it. Used for the
// refresh-pending mark (spec §4.5 step 6: "a near-tier set-if-absent on
// key refresh:K"), where exactly one concurrent caller must win the right
// to schedule a refresh.
func (n *nearTier) setIfAbsent(key string, entry Entry, ttlSeconds int, now int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if el, ok := n.items[key]; ok {
		it := el.Value.(*nearItem)
		if now < it.expires {
			return false
		}
		n.removeLocked(el)
	}

	if n.order.Len() >= n.maxSize {
		n.evictOldestLocked()
	}
	it := &nearItem{key: key, entry: entry, expires: now + int64(ttlSeconds)}
	el := n.order.PushFront(it)
	n.items[key] = el
	return true
}

// delete removes key unconditionally.
func (n *nearTier) delete(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if el, ok := n.items[key]; ok {
		n.removeLocked(el)
	}
}

func (n *nearTier) evictOldestLocked() {
	el := n.order.Back()
	if el != nil {
		n.removeLocked(el)
	}
}

func (n *nearTier) removeLocked(el *list.Element) {
	it := el.Value.(*nearItem)
	delete(n.items, it.key)
	n.order.Remove(el)
}
