package cob

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"radicle-node/crypto"
	"radicle-node/git"
)

// EntryReader reads a single change entry by its commit Oid. storage
// adapts its Repository to this interface (spec §4.4: "loading is an
// arena-style BFS keyed by Oid").
type EntryReader interface {
	ReadEntry(oid git.Oid) (*Entry, error)
}

// ErrUnsigned is returned by Load when an entry's signature does not
// verify against its claimed author (spec §3: every ancestor must
// signature-verify before its actions are applied).
type ErrUnsigned struct{ Oid git.Oid }

func (e *ErrUnsigned) Error() string {
	return fmt.Sprintf("cob: entry %s failed signature verification", e.Oid)
}

// Load builds the in-memory Dag reachable from tips, verifying every
// entry's signature as it is read (spec §4.4). Entries are fetched
// breadth-first, but edges are only recorded once every entry they touch
// has been fetched, so processing order never affects the resulting
// roots/tips bookkeeping.
func Load(tips []git.Oid, reader EntryReader) (*Dag, error) {
	entries := make(map[git.Oid]*Entry)
	seen := make(map[git.Oid]bool)

	var queue []git.Oid
	queue = append(queue, tips...)

	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if seen[oid] {
			continue
		}
		seen[oid] = true

		entry, err := reader.ReadEntry(oid)
		if err != nil {
			return nil, fmt.Errorf("cob: load entry %s: %w", oid, err)
		}
		if !verifyEntry(entry) {
			return nil, &ErrUnsigned{Oid: oid}
		}
		entries[oid] = entry
		for _, parent := range entry.Parents {
			if !seen[parent] {
				queue = append(queue, parent)
			}
		}
	}

	dag := NewDag()
	for oid, entry := range entries {
		dag.Add(oid, entry)
	}
	for oid, entry := range entries {
		for _, parent := range entry.Parents {
			dag.Dependency(oid, parent)
		}
	}
	return dag, nil
}

func verifyEntry(e *Entry) bool {
	payload, err := SignedPayload(e.Manifest, e.Change)
	if err != nil {
		return false
	}
	return crypto.Verify(e.Author, payload, e.Signature)
}

// concurrentTo returns the entries in dag that are neither ancestors nor
// descendants of entry, per merge-base queries against graph (spec §4.4:
// "do not attempt to maintain reverse-parent pointers").
func concurrentTo(dag *Dag, entry git.Oid, graph CommitGraph) ([]*Entry, error) {
	var out []*Entry
	for oid, n := range dag.nodes {
		if oid == entry {
			continue
		}
		isAncestor, err := graph.IsAncestor(oid, entry)
		if err != nil {
			return nil, err
		}
		if isAncestor {
			continue
		}
		isDescendant, err := graph.IsAncestor(entry, oid)
		if err != nil {
			return nil, err
		}
		if isDescendant {
			continue
		}
		out = append(out, n.value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// Evaluate folds every entry in dag into a fresh Cob instance, in
// topological order (root first), computing each entry's concurrency set
// via graph (spec §4.4). The RNG used to break ties in the topological
// sort is seeded from the root Oid, so repeated evaluation of the same
// DAG is deterministic.
func Evaluate(dag *Dag, root git.Oid, cob Cob, graph CommitGraph) error {
	seed := rootSeed(root)
	rng := rand.New(rand.NewPCG(seed, seed))
	order := dag.Sorted(rng)

	if len(order) == 0 {
		return fmt.Errorf("cob: cannot evaluate empty dag")
	}

	rootEntry, ok := dag.Get(order[0])
	if !ok {
		return fmt.Errorf("cob: root entry %s missing from dag", order[0])
	}
	if err := cob.Init(rootEntry, graph); err != nil {
		return fmt.Errorf("cob: init: %w", err)
	}

	for _, oid := range order[1:] {
		entry, _ := dag.Get(oid)
		concurrent, err := concurrentTo(dag, oid, graph)
		if err != nil {
			return fmt.Errorf("cob: concurrency set for %s: %w", oid, err)
		}
		if err := cob.Apply(entry, concurrent, graph); err != nil {
			return fmt.Errorf("cob: apply %s: %w", oid, err)
		}
	}
	return nil
}

// rootSeed derives a deterministic seed from an object's root Oid.
func rootSeed(root git.Oid) uint64 {
	var seed uint64
	for i := 0; i < 8 && i < len(root); i++ {
		seed = seed<<8 | uint64(root[i])
	}
	return seed
}
