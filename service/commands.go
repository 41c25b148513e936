package service

import (
	"bytes"
	"time"

	"radicle-node/addressbook"
	"radicle-node/crypto"
	"radicle-node/git"
	"radicle-node/session"
	"radicle-node/wire"
)

// command is run on the Service goroutine from Run's select loop, so every
// command implementation may touch sessions/book/routes without locking
// (spec §4.8: "the Service exclusively mutates routing DB, address book,
// and session map").
type command interface {
	run(s *Service)
}

func (s *Service) submit(c command) { s.cmds <- c }

// TrackScope mirrors the repo-tracking policy named in spec §4.8's command
// surface ("TrackRepo(rid, scope)").
type TrackScope int

const (
	// ScopeFollowed fetches only from explicitly tracked seeds.
	ScopeFollowed TrackScope = iota
	// ScopeAll fetches from any advertising seed.
	ScopeAll
)

// SessionInfo is a snapshot of one session's NodeId, state and protocol,
// as returned by Sessions for the control surface (spec §6 "sessions"
// command).
type SessionInfo struct {
	NodeID   crypto.PublicKey
	State    session.State
	Protocol session.Protocol
}

// --- Connect -----------------------------------------------------------

type connectCmd struct {
	nid    crypto.PublicKey
	addr   wire.Address
	result chan error
}

// Connect registers a persistent session for nid with the reactor and
// records addr in the address book. It does not dial: no connection to
// nid is opened by this call.
func (s *Service) Connect(nid crypto.PublicKey, addr wire.Address) error {
	result := make(chan error, 1)
	s.submit(&connectCmd{nid: nid, addr: addr, result: result})
	return <-result
}

func (c *connectCmd) run(s *Service) {
	if _, ok := s.sessions[c.nid]; ok {
		c.result <- nil
		return
	}
	sess := session.New(c.nid, true)
	s.sessions[c.nid] = sess
	s.reactor.AddPeer(c.nid, sess)
	s.book.Upsert(c.nid, "", 0, "", []wire.Address{c.addr}, addressbook.SourcePeer, time.Now())
	c.result <- nil
}

// --- Seeds ---------------------------------------------------------------

type seedsCmd struct {
	rid    git.RepoId
	result chan []crypto.PublicKey
}

// Seeds returns the known seeders of rid from the routing table.
func (s *Service) Seeds(rid git.RepoId) ([]crypto.PublicKey, error) {
	result := make(chan []crypto.PublicKey, 1)
	s.submit(&seedsCmd{rid: rid, result: result})
	return <-result, nil
}

func (c *seedsCmd) run(s *Service) {
	seeders, err := s.routes.GetSeeders(c.rid)
	if err != nil {
		s.log.WithError(err).Warn("service: Seeds query failed")
		c.result <- nil
		return
	}
	c.result <- seeders
}

// --- Fetch -----------------------------------------------------------

type fetchCmd struct {
	rid    git.RepoId
	from   []crypto.PublicKey
	result chan error
}

// Fetch requests an on-demand fetch of rid from the given seeds, or any
// known seeder if from is empty (spec §4.8 "Fetch(rid, from)").
func (s *Service) Fetch(rid git.RepoId, from []crypto.PublicKey) error {
	result := make(chan error, 1)
	s.submit(&fetchCmd{rid: rid, from: from, result: result})
	return <-result
}

func (c *fetchCmd) run(s *Service) {
	seeds := c.from
	if len(seeds) == 0 {
		var err error
		seeds, err = s.routes.GetSeeders(c.rid)
		if err != nil {
			c.result <- err
			return
		}
	}
	if len(seeds) == 0 {
		c.result <- errNoSeeds
		return
	}
	if s.fetchers == nil {
		c.result <- errNoFetcher
		return
	}
	c.result <- s.fetchers.Enqueue(c.rid, seeds)
}

// --- TrackNode / TrackRepo ---------------------------------------------

type trackNodeCmd struct {
	nid    crypto.PublicKey
	result chan error
}

// TrackNode marks nid as trusted for relay purposes (spec §4.8
// "TrackNode").
func (s *Service) TrackNode(nid crypto.PublicKey) error {
	result := make(chan error, 1)
	s.submit(&trackNodeCmd{nid: nid, result: result})
	return <-result
}

func (c *trackNodeCmd) run(s *Service) {
	if s.cfg.Trusted == nil {
		s.cfg.Trusted = make(map[crypto.PublicKey]bool)
	}
	s.cfg.Trusted[c.nid] = true
	c.result <- nil
}

type trackRepoCmd struct {
	rid    git.RepoId
	scope  TrackScope
	result chan error
}

// TrackRepo accepts a request to track rid under the given scope (spec
// §4.8 "TrackRepo(rid, scope)") and logs it. No tracked-repo set is
// stored, and scope does not affect which seeds are fetched from.
func (s *Service) TrackRepo(rid git.RepoId, scope TrackScope) error {
	result := make(chan error, 1)
	s.submit(&trackRepoCmd{rid: rid, scope: scope, result: result})
	return <-result
}

func (c *trackRepoCmd) run(s *Service) {
	s.log.WithField("rid", c.rid).WithField("scope", c.scope).Info("service: repo tracked")
	c.result <- nil
}

// --- AnnounceRefs / AnnounceInventory / SyncInventory -------------------

type announceRefsCmd struct {
	rid    git.RepoId
	refs   []wire.RefsAt
	result chan error
}

// AnnounceRefs signs and broadcasts a RefsAnnouncement for rid (spec
// §4.8).
func (s *Service) AnnounceRefs(rid git.RepoId, refs []wire.RefsAt) error {
	result := make(chan error, 1)
	s.submit(&announceRefsCmd{rid: rid, refs: refs, result: result})
	return <-result
}

func (c *announceRefsCmd) run(s *Service) {
	m := &wire.RefsAnnouncement{
		NodeID:    s.cfg.NodeID,
		RepoID:    c.rid,
		Refs:      c.refs,
		Timestamp: wire.Timestamp(time.Now().Unix()),
	}
	m.Signature = s.cfg.Signer.Sign(m.SignedBytes())
	peers := make([]crypto.PublicKey, 0, len(s.sessions))
	for nid := range s.sessions {
		peers = append(peers, nid)
	}
	s.reactor.Broadcast(peers, s.cfg.Magic, m)
	c.result <- nil
}

type announceInventoryCmd struct {
	inventory []git.RepoId
	result    chan error
}

// AnnounceInventory signs and broadcasts our current repo inventory (spec
// §4.8).
func (s *Service) AnnounceInventory(inventory []git.RepoId) error {
	result := make(chan error, 1)
	s.submit(&announceInventoryCmd{inventory: inventory, result: result})
	return <-result
}

func (c *announceInventoryCmd) run(s *Service) {
	m := &wire.InventoryAnnouncement{
		NodeID:    s.cfg.NodeID,
		Inventory: c.inventory,
		Timestamp: wire.Timestamp(time.Now().Unix()),
	}
	m.Signature = s.cfg.Signer.Sign(m.SignedBytes())
	peers := make([]crypto.PublicKey, 0, len(s.sessions))
	for nid := range s.sessions {
		peers = append(peers, nid)
	}
	s.reactor.Broadcast(peers, s.cfg.Magic, m)

	var buf bytes.Buffer
	env := wire.Envelope{Magic: s.cfg.Magic, Message: m}
	env.Encode(wire.NewEncoder(&buf))
	if err := s.reactor.PublishInventory(buf.Bytes()); err != nil {
		s.log.WithError(err).Warn("service: inventory pubsub fan-out failed")
	}
	c.result <- nil
}

type syncInventoryCmd struct {
	peer      crypto.PublicKey
	filter    *wire.BloomFilter
	inventory []git.RepoId
	result    chan error
}

// SyncInventory sends our Subscribe filter and inventory to a single peer,
// used right after a handshake completes (spec §4.8).
func (s *Service) SyncInventory(peer crypto.PublicKey, filter *wire.BloomFilter, inventory []git.RepoId) error {
	result := make(chan error, 1)
	s.submit(&syncInventoryCmd{peer: peer, filter: filter, inventory: inventory, result: result})
	return <-result
}

func (c *syncInventoryCmd) run(s *Service) {
	sub := &wire.Subscribe{Filter: c.filter}
	_ = s.reactor.Send(c.peer, wire.Envelope{Magic: s.cfg.Magic, Message: sub})

	inv := &wire.InventoryAnnouncement{
		NodeID:    s.cfg.NodeID,
		Inventory: c.inventory,
		Timestamp: wire.Timestamp(time.Now().Unix()),
	}
	inv.Signature = s.cfg.Signer.Sign(inv.SignedBytes())
	_ = s.reactor.Send(c.peer, wire.Envelope{Magic: s.cfg.Magic, Message: inv})
	c.result <- nil
}

// --- Sessions / Shutdown -------------------------------------------------

type sessionsCmd struct {
	result chan []SessionInfo
}

// Sessions returns a snapshot of every current peer session.
func (s *Service) Sessions() []SessionInfo {
	result := make(chan []SessionInfo, 1)
	s.submit(&sessionsCmd{result: result})
	return <-result
}

func (c *sessionsCmd) run(s *Service) {
	out := make([]SessionInfo, 0, len(s.sessions))
	for nid, sess := range s.sessions {
		proto, _ := sess.Protocol()
		out = append(out, SessionInfo{NodeID: nid, State: sess.State(), Protocol: proto})
	}
	c.result <- out
}

type shutdownCmd struct {
	result chan struct{}
}

// Shutdown marks every current session Disconnected. Run keeps running
// until its context is canceled.
func (s *Service) Shutdown() {
	result := make(chan struct{}, 1)
	s.submit(&shutdownCmd{result: result})
	<-result
}

func (c *shutdownCmd) run(s *Service) {
	for nid := range s.sessions {
		s.sessions[nid].Disconnect(time.Now())
	}
	close(c.result)
}
