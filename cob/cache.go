package cob

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"radicle-node/git"
)

// CacheKey identifies one evaluated object state: a repository, an
// object, and the exact set of tips it was evaluated against (spec §4.4:
// "memoised keyed by (rid, object-id, set-of-tips)... invalidation is
// automatic because new tips change the key").
type CacheKey struct {
	RID      string
	ObjectID git.Oid
	Tips     string // digest of the sorted tip set
}

// TipsDigest produces CacheKey.Tips from an unordered tip set.
func TipsDigest(tips []git.Oid) string {
	sorted := make([]string, len(tips))
	for i, t := range tips {
		sorted[i] = t.String()
	}
	sort.Strings(sorted)

	h := sha256.New()
	for _, s := range sorted {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is a bounded, read-mostly evaluation cache keyed by CacheKey
// (spec §5: "COB cache is a read-mostly lock-free map... invalidation is
// by dropping entries whose key prefix matches an updated rid"). The
// underlying hashicorp/golang-lru/v2 store is internally synchronised,
// giving the same read-mostly-safe-for-concurrent-use property without a
// hand-rolled lock-free structure.
type Cache struct {
	lru *lru.Cache[CacheKey, any]
}

// NewCache returns a cache holding at most size evaluated object states.
func NewCache(size int) (*Cache, error) {
	l, err := lru.New[CacheKey, any](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// Get returns the cached state for key, if present.
func (c *Cache) Get(key CacheKey) (any, bool) {
	return c.lru.Get(key)
}

// Put stores state under key.
func (c *Cache) Put(key CacheKey, state any) {
	c.lru.Add(key, state)
}

// InvalidateRID drops every cached entry for rid, used when a repository
// is removed or its identity changes in a way that invalidates all of its
// objects.
func (c *Cache) InvalidateRID(rid string) {
	for _, key := range c.lru.Keys() {
		if key.RID == rid {
			c.lru.Remove(key)
		}
	}
}
