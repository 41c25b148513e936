package cob

import (
	"bytes"
	"math/rand/v2"
	"sort"

	"radicle-node/git"
)

// node is one entry in a change DAG, keyed by its commit Oid (spec §4.4:
// "do not build cyclic in-memory references" — dependencies/dependents are
// plain key sets, mirroring the arena style of
// original_source/radicle-dag/src/lib.rs).
type node struct {
	value        *Entry
	dependencies map[git.Oid]struct{} // entries this one follows (its parents)
	dependents   map[git.Oid]struct{} // entries that follow this one
}

// Dag is a directed acyclic graph of change entries, keyed by Oid. It is
// the in-memory shape of one collaborative object's history.
type Dag struct {
	nodes map[git.Oid]*node
	tips  map[git.Oid]struct{}
	roots map[git.Oid]struct{}
}

// NewDag returns an empty DAG.
func NewDag() *Dag {
	return &Dag{
		nodes: make(map[git.Oid]*node),
		tips:  make(map[git.Oid]struct{}),
		roots: make(map[git.Oid]struct{}),
	}
}

// Add inserts an entry as both a root and a tip; Dependency calls then
// narrow that down as edges are recorded.
func (d *Dag) Add(oid git.Oid, e *Entry) {
	d.tips[oid] = struct{}{}
	d.roots[oid] = struct{}{}
	d.nodes[oid] = &node{
		value:        e,
		dependencies: make(map[git.Oid]struct{}),
		dependents:   make(map[git.Oid]struct{}),
	}
}

// Dependency records that `from` depends on (follows) `to`, i.e. `to` is
// one of `from`'s parents in the change graph.
func (d *Dag) Dependency(from, to git.Oid) {
	if n, ok := d.nodes[from]; ok {
		n.dependencies[to] = struct{}{}
		delete(d.roots, from)
	}
	if n, ok := d.nodes[to]; ok {
		n.dependents[from] = struct{}{}
		delete(d.tips, to)
	}
}

// Len returns the number of entries in the graph.
func (d *Dag) Len() int { return len(d.nodes) }

// IsEmpty reports whether the graph has no entries.
func (d *Dag) IsEmpty() bool { return len(d.nodes) == 0 }

// Get returns the entry stored at oid, if any.
func (d *Dag) Get(oid git.Oid) (*Entry, bool) {
	n, ok := d.nodes[oid]
	if !ok {
		return nil, false
	}
	return n.value, true
}

// HasDependency reports whether `from` depends directly on `to`.
func (d *Dag) HasDependency(from, to git.Oid) bool {
	n, ok := d.nodes[from]
	if !ok {
		return false
	}
	_, ok = n.dependencies[to]
	return ok
}

// Roots returns the oids of entries with no recorded dependencies (the
// object's root entries).
func (d *Dag) Roots() []git.Oid {
	out := make([]git.Oid, 0, len(d.roots))
	for oid := range d.roots {
		out = append(out, oid)
	}
	return out
}

// Tips returns the oids of entries nothing else depends on — the DAG's
// current heads.
func (d *Dag) Tips() []git.Oid {
	out := make([]git.Oid, 0, len(d.tips))
	for oid := range d.tips {
		out = append(out, oid)
	}
	return out
}

// Merge folds other into d; entries present in both keep other's value.
func (d *Dag) Merge(other *Dag) {
	for oid := range other.tips {
		d.tips[oid] = struct{}{}
	}
	for oid := range other.roots {
		d.roots[oid] = struct{}{}
	}
	for oid, n := range other.nodes {
		d.nodes[oid] = n
	}
}

// Sorted returns a topological ordering of the graph's entries (parents
// before children), shuffled under rng so that, across calls with
// different seeds, every valid ordering is eventually produced, while the
// same graph and seed always give the same order (spec §4.4:
// "topologically sort with deterministic tie-breaking").
func (d *Dag) Sorted(rng *rand.Rand) []git.Oid {
	order := make([]git.Oid, 0, len(d.nodes))
	visited := make(map[git.Oid]struct{}, len(d.nodes))

	keys := make([]git.Oid, 0, len(d.nodes))
	for oid := range d.nodes {
		keys = append(keys, oid)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	var visit func(oid git.Oid)
	visit = func(oid git.Oid) {
		if _, ok := visited[oid]; ok {
			return
		}
		visited[oid] = struct{}{}
		n := d.nodes[oid]
		deps := make([]git.Oid, 0, len(n.dependencies))
		for dep := range n.dependencies {
			deps = append(deps, dep)
		}
		sort.Slice(deps, func(i, j int) bool { return bytes.Compare(deps[i][:], deps[j][:]) < 0 })
		for _, dep := range deps {
			visit(dep)
		}
		order = append(order, oid)
	}
	for _, oid := range keys {
		visit(oid)
	}
	return order
}
