package cob

import (
	"fmt"

	"radicle-node/git"
)

// Reader combines the two git query surfaces the object engine needs:
// reading individual change entries, and merge-base/ancestor queries over
// them. storage.Repository implements both.
type Reader interface {
	EntryReader
	CommitGraph
}

// LoadObject loads, verifies and evaluates the collaborative object whose
// current tips are given, consulting cache first and populating it on a
// miss (spec §4.4).
func LoadObject(rid string, objectID git.Oid, tips []git.Oid, reader Reader, cache *Cache, newCob func() Cob) (Cob, error) {
	key := CacheKey{RID: rid, ObjectID: objectID, Tips: TipsDigest(tips)}
	if cache != nil {
		if state, ok := cache.Get(key); ok {
			if c, ok := state.(Cob); ok {
				return c, nil
			}
		}
	}

	dag, err := Load(tips, reader)
	if err != nil {
		return nil, fmt.Errorf("cob: load object %s: %w", objectID, err)
	}
	if dag.IsEmpty() {
		return nil, fmt.Errorf("cob: object %s has no entries", objectID)
	}

	c := newCob()
	if err := Evaluate(dag, objectID, c, reader); err != nil {
		return nil, err
	}

	if cache != nil {
		cache.Put(key, c)
	}
	return c, nil
}
