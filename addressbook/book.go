// Package addressbook implements the node/address directory (spec §4.5):
// a NodeId-keyed map of known peers and their advertised addresses, with a
// random-sample-with-predicate API used to pick outbound connection and
// gossip-relay candidates.
package addressbook

import (
	"bytes"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"time"

	"radicle-node/crypto"
	"radicle-node/wire"
)

// Source records where a KnownAddress was learned from (spec §4.5).
type Source int

const (
	SourcePeer Source = iota
	SourceBootstrap
	SourceImported
)

// KnownAddress is one address a node has been reached at or told about.
type KnownAddress struct {
	Addr        wire.Address
	Source      Source
	LastSuccess time.Time
	LastAttempt time.Time
	Banned      bool
}

// Node is an address-book entry for one NodeId (spec §4.5).
type Node struct {
	ID              crypto.PublicKey
	Alias           string
	Features        uint64
	UserAgent       string
	LastAnnounced   time.Time
	Penalty         int
	Banned          bool
	Addresses       []KnownAddress
}

// Book is the address book: map NodeId -> Node, safe for concurrent use
// from the Service goroutine (spec §5: "the Service exclusively mutates
// routing DB, address book, and session map" — Book's own lock exists so
// read-only callers, e.g. diagnostics over the control socket, don't have
// to be routed through the Service).
type Book struct {
	mu    sync.RWMutex
	nodes map[crypto.PublicKey]*Node
	rng   *rand.Rand
}

// New returns an empty address book. seed makes the random-sample order
// deterministic across runs with the same seed, as spec §4.5 requires for
// tests.
func New(seed uint64) *Book {
	return &Book{
		nodes: make(map[crypto.PublicKey]*Node),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// isRoutable reports whether ip is eligible to be persisted to the
// address book (spec §4.5: "Non-routable source IPs... are never
// persisted").
func isRoutable(ip net.IP) bool {
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		// RFC 1918 private ranges.
		switch {
		case v4[0] == 10:
			return false
		case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
			return false
		case v4[0] == 192 && v4[1] == 168:
			return false
		}
	}
	return true
}

// Upsert records or updates a Node entry, merging in any routable
// addresses. Non-routable addresses are silently dropped.
func (b *Book) Upsert(id crypto.PublicKey, alias string, features uint64, agent string, addrs []wire.Address, source Source, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.nodes[id]
	if !ok {
		n = &Node{ID: id}
		b.nodes[id] = n
	}
	if ts.After(n.LastAnnounced) {
		n.Alias = alias
		n.Features = features
		n.UserAgent = agent
		n.LastAnnounced = ts
	}

	existing := make(map[string]int, len(n.Addresses))
	for i, ka := range n.Addresses {
		existing[ka.Addr.String()] = i
	}
	for _, a := range addrs {
		if !isRoutable(a.IP) {
			continue
		}
		key := a.String()
		if i, ok := existing[key]; ok {
			n.Addresses[i].Source = source
			continue
		}
		n.Addresses = append(n.Addresses, KnownAddress{Addr: a, Source: source})
		existing[key] = len(n.Addresses) - 1
	}
}

// Get returns the Node for id, if known.
func (b *Book) Get(id crypto.PublicKey) (*Node, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.nodes[id]
	return n, ok
}

// Ban marks id as banned, excluding it from future Sample results.
func (b *Book) Ban(id crypto.PublicKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[id]; ok {
		n.Banned = true
	}
}

// Penalize increments id's misbehavior penalty score.
func (b *Book) Penalize(id crypto.PublicKey, amount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[id]; ok {
		n.Penalty += amount
	}
}

// RecordAttempt updates LastAttempt (and, on success, LastSuccess) for the
// address a node was dialed at.
func (b *Book) RecordAttempt(id crypto.PublicKey, addr wire.Address, success bool, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	if !ok {
		return
	}
	for i := range n.Addresses {
		if n.Addresses[i].Addr.String() == addr.String() {
			n.Addresses[i].LastAttempt = at
			if success {
				n.Addresses[i].LastSuccess = at
			}
			return
		}
	}
}

// Predicate filters candidate nodes for Sample.
type Predicate func(*Node) bool

// NotBanned excludes banned nodes.
func NotBanned(n *Node) bool { return !n.Banned }

// HasFeature excludes nodes that don't advertise every bit in mask.
func HasFeature(mask uint64) Predicate {
	return func(n *Node) bool { return n.Features&mask == mask }
}

// Sample picks up to count nodes uniformly at random among those
// satisfying every predicate in preds (spec §4.5). The book's seeded RNG
// makes repeated calls with the same book state and seed deterministic.
func (b *Book) Sample(count int, preds ...Predicate) []*Node {
	b.mu.Lock()
	defer b.mu.Unlock()

	var candidates []*Node
outer:
	for _, n := range b.nodes {
		for _, p := range preds {
			if !p(n) {
				continue outer
			}
		}
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return bytes.Compare(candidates[i].ID[:], candidates[j].ID[:]) < 0
	})

	b.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if count > len(candidates) {
		count = len(candidates)
	}
	return candidates[:count]
}

// Len returns the number of nodes in the book.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}
