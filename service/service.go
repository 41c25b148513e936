// Package service implements the node's control plane (spec §4.8): the
// single-writer owner of the routing database, address book and session
// map, responsible for turning inbound wire messages into state updates and
// turning operator commands into outbound messages and fetch jobs. Modeled
// on the teacher's core/network.go Node, whose Broadcast/Subscribe pair
// plays the same "one goroutine owns shared state, callers talk to it
// through channels" role that Service.Run plays here.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"radicle-node/addressbook"
	"radicle-node/crypto"
	"radicle-node/git"
	"radicle-node/reactor"
	"radicle-node/routing"
	"radicle-node/session"
	"radicle-node/wire"
)

var (
	errNoSeeds   = errors.New("service: no known seeds for repository")
	errNoFetcher = errors.New("service: no fetch scheduler configured")
)

// PingInterval and InventoryInterval drive Service.Run's periodic timers
// (spec §4.8). AddressExpiry is not used by Run: no timer expires
// address-book entries.
const (
	PingInterval      = 30 * time.Second
	InventoryInterval = 1 * time.Hour
	AddressExpiry     = 7 * 24 * time.Hour
)

// FetchScheduler enqueues a fetch job for rid against preferred seeds. The
// concrete implementation lives in package fetch; Service depends only on
// this narrow interface to avoid an import cycle.
type FetchScheduler interface {
	Enqueue(rid git.RepoId, seeds []crypto.PublicKey) error
}

// RefsStore is the subset of storage.Storage the service needs to learn a
// repository's currently known tip, without importing the storage package
// directly (storage already imports cob and identity; keeping Service's
// dependency narrow avoids growing that cycle further).
type RefsStore interface {
	RemoteRefs(rid git.RepoId, nid crypto.PublicKey) (map[git.Refname]git.Oid, bool)
}

// Config bundles the construction-time policy knobs (spec §4.8, §6).
type Config struct {
	NodeID      crypto.PublicKey
	Signer      crypto.Signer
	Alias       string
	Agent       string
	Features    uint64
	Magic       wire.Magic
	RelayPolicy reactor.RelayPolicy
	Trusted     map[crypto.PublicKey]bool
}

// Service is the node's single-writer control plane.
type Service struct {
	cfg Config
	log *logrus.Logger

	reactor  *reactor.Reactor
	book     *addressbook.Book
	routes   *routing.DB
	refs     RefsStore
	fetchers FetchScheduler

	sessions map[crypto.PublicKey]*session.Session
	inbox    chan inboxMsg
	cmds     chan command
}

type inboxMsg struct {
	from crypto.PublicKey
	env  wire.Envelope
}

// New constructs a Service. book, routes, refs and fetchers are expected to
// already be open/initialized by node.Node.
func New(cfg Config, r *reactor.Reactor, book *addressbook.Book, routes *routing.DB, refs RefsStore, fetchers FetchScheduler, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		reactor:  r,
		book:     book,
		routes:   routes,
		refs:     refs,
		fetchers: fetchers,
		sessions: make(map[crypto.PublicKey]*session.Session),
		inbox:    make(chan inboxMsg, 256),
		cmds:     make(chan command, 64),
	}
}

// HandleMessage is the transport's entry point for everything read off a
// peer's stream (spec §4.8). It never blocks on anything other than the
// internal inbox channel filling up.
func (s *Service) HandleMessage(from crypto.PublicKey, env wire.Envelope) {
	s.inbox <- inboxMsg{from: from, env: env}
}

// Run processes inbound messages and commands until ctx is canceled,
// firing the periodic Ping and inventory timers along the way (spec §4.8).
// It is meant to run on its own goroutine, the way the
// teacher's Node.ListenAndServe blocks its caller until shutdown.
func (s *Service) Run(ctx context.Context) {
	pingTicker := time.NewTicker(PingInterval)
	invTicker := time.NewTicker(InventoryInterval)
	defer pingTicker.Stop()
	defer invTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.inbox:
			s.dispatch(m.from, m.env)
		case c := <-s.cmds:
			c.run(s)
		case <-pingTicker.C:
			s.pingAll()
		case <-invTicker.C:
			s.announceInventoryToAll()
		}
	}
}

func (s *Service) dispatch(from crypto.PublicKey, env wire.Envelope) {
	if env.Magic != s.cfg.Magic {
		s.log.WithField("peer", from).Warn("service: dropping envelope with wrong network magic")
		return
	}
	switch m := env.Message.(type) {
	case *wire.Initialize:
		s.onInitialize(from, m)
	case *wire.Subscribe:
		s.onSubscribe(from, m)
	case *wire.Ping:
		s.onPing(from, m)
	case *wire.Pong:
		s.onPong(from, m)
	case *wire.InventoryAnnouncement:
		s.onInventoryAnnouncement(from, m)
	case *wire.RefsAnnouncement:
		s.onRefsAnnouncement(from, m)
	case *wire.NodeAnnouncement:
		s.onNodeAnnouncement(from, m)
	case *wire.Fetch:
		s.onFetch(from, m)
	default:
		s.log.WithField("peer", from).Warn("service: unhandled message type")
	}
}

// onInitialize validates the peer's Initialize and records its handshake
// fields in the address book (spec §4.6, §4.8). It sends nothing back:
// no Initialize, Subscribe or inventory reply is made, for inbound or
// outbound sessions.
func (s *Service) onInitialize(from crypto.PublicKey, m *wire.Initialize) {
	sess, ok := s.sessions[from]
	if !ok {
		sess = session.New(from, false)
		s.sessions[from] = sess
		s.reactor.AddPeer(from, sess)
	}
	now := time.Now()
	if sess.State() != session.StateConnected {
		sess.HandshakeComplete(now)
	}
	if err := sess.Initialize(m.Version, wire.ProtocolVersion, time.Unix(int64(m.Timestamp), 0), now); err != nil {
		s.log.WithError(err).WithField("peer", from).Warn("service: Initialize rejected")
		sess.Disconnect(now)
		s.reactor.RemovePeer(from)
		return
	}
	s.book.Upsert(from, "", m.Features, m.Agent, m.Addrs, addressbook.SourcePeer, now)
}

func (s *Service) onSubscribe(from crypto.PublicKey, m *wire.Subscribe) {
	sess, ok := s.sessions[from]
	if !ok {
		return
	}
	var raw []byte
	if m.Filter != nil {
		buf := &growBuffer{}
		m.Filter.Encode(wire.NewEncoder(buf))
		raw = buf.b
	}
	sess.Subscribe(raw)
}

func (s *Service) onPing(from crypto.PublicKey, m *wire.Ping) {
	pong := &wire.Pong{Zeroes: make([]byte, m.PongLen)}
	_ = s.reactor.Send(from, wire.Envelope{Magic: s.cfg.Magic, Message: pong})
}

func (s *Service) onPong(from crypto.PublicKey, m *wire.Pong) {
	sess, ok := s.sessions[from]
	if !ok {
		return
	}
	if err := sess.ReceivePong(uint16(len(m.Zeroes))); err != nil {
		s.log.WithError(err).WithField("peer", from).Warn("service: misbehavior on Pong")
		s.book.Penalize(from, 1)
	}
}

// onInventoryAnnouncement validates the signature, ignores announcements
// older than 24 hours or more than session.MaxTimeDelta in the future,
// upserts routing rows and enqueues a fetch from the announcer for every
// advertised repo, and relays the announcement (spec §4.8). No replay
// check is made: an announcement older than one already seen from the
// same node is processed like any other.
func (s *Service) onInventoryAnnouncement(from crypto.PublicKey, m *wire.InventoryAnnouncement) {
	if m.NodeID != from {
		s.log.WithField("peer", from).Warn("service: InventoryAnnouncement NodeID mismatch")
		return
	}
	if !crypto.Verify(m.NodeID, m.SignedBytes(), m.Signature) {
		s.log.WithField("peer", from).Warn("service: InventoryAnnouncement signature invalid")
		s.book.Penalize(from, 5)
		return
	}
	ts := time.Unix(int64(m.Timestamp), 0)
	if time.Since(ts) > 24*time.Hour || ts.After(time.Now().Add(session.MaxTimeDelta)) {
		s.log.WithField("peer", from).Debug("service: stale or future InventoryAnnouncement ignored")
		return
	}
	for _, rid := range m.Inventory {
		if err := s.routes.Insert(rid, from, ts); err != nil {
			s.log.WithError(err).Warn("service: routing insert failed")
			continue
		}
		if s.fetchers != nil {
			_ = s.fetchers.Enqueue(rid, []crypto.PublicKey{from})
		}
	}
	s.reactor.Relay(s.cfg.Magic, m, from, git.RepoId{}, false, s.cfg.RelayPolicy, s.cfg.Trusted)
}

// onRefsAnnouncement validates the signature, and if the advertised tip is
// ahead of what we have cached, schedules a fetch (spec §4.8).
func (s *Service) onRefsAnnouncement(from crypto.PublicKey, m *wire.RefsAnnouncement) {
	if m.NodeID != from {
		s.log.WithField("peer", from).Warn("service: RefsAnnouncement NodeID mismatch")
		return
	}
	if !crypto.Verify(m.NodeID, m.SignedBytes(), m.Signature) {
		s.log.WithField("peer", from).Warn("service: RefsAnnouncement signature invalid")
		s.book.Penalize(from, 5)
		return
	}
	if err := s.routes.Insert(m.RepoID, from, time.Unix(int64(m.Timestamp), 0)); err != nil {
		s.log.WithError(err).Warn("service: routing insert failed")
	}

	ahead := s.refs == nil
	if s.refs != nil {
		cached, ok := s.refs.RemoteRefs(m.RepoID, from)
		if !ok {
			ahead = true
		} else {
			for _, r := range m.Refs {
				if cached[r.Name] != r.At {
					ahead = true
					break
				}
			}
		}
	}
	if ahead && s.fetchers != nil {
		_ = s.fetchers.Enqueue(m.RepoID, []crypto.PublicKey{from})
	}
	s.reactor.Relay(s.cfg.Magic, m, from, m.RepoID, true, s.cfg.RelayPolicy, s.cfg.Trusted)
}

func (s *Service) onNodeAnnouncement(from crypto.PublicKey, m *wire.NodeAnnouncement) {
	if m.NodeID != from {
		s.log.WithField("peer", from).Warn("service: NodeAnnouncement NodeID mismatch")
		return
	}
	if !crypto.Verify(m.NodeID, m.SignedBytes(), m.Signature) {
		s.log.WithField("peer", from).Warn("service: NodeAnnouncement signature invalid")
		s.book.Penalize(from, 5)
		return
	}
	alias := aliasString(m.Alias)
	s.book.Upsert(from, alias, m.Features, m.Agent, m.Addrs, addressbook.SourcePeer, time.Unix(int64(m.Timestamp), 0))
	s.reactor.Relay(s.cfg.Magic, m, from, git.RepoId{}, false, s.cfg.RelayPolicy, s.cfg.Trusted)
}

// onFetch hands the session's socket to a fetch worker by transitioning
// the session's protocol state; the transport layer observes InFetch() and
// detaches the stream accordingly (spec §4.6).
func (s *Service) onFetch(from crypto.PublicKey, m *wire.Fetch) {
	sess, ok := s.sessions[from]
	if !ok {
		return
	}
	if err := sess.RequestFetch(m.RepoID); err != nil {
		s.log.WithError(err).WithField("peer", from).Warn("service: Fetch request rejected")
	}
}

func aliasString(b [32]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func (s *Service) pingAll() {
	for nid := range s.sessions {
		s.sessions[nid].SendPing(8)
		_ = s.reactor.Send(nid, wire.Envelope{Magic: s.cfg.Magic, Message: &wire.Ping{PongLen: 8}})
	}
}

func (s *Service) announceInventoryToAll() {
	// Sends nothing: Service has no view of the locally hosted repo set
	// (see RefsStore note above), so the inventory timer re-announces
	// nothing. Inventory goes out only through AnnounceInventory and
	// SyncInventory.
}

// growBuffer is the minimal io.Writer used to capture an Encoder's output
// in memory, mirroring wire's own unexported helper of the same name.
type growBuffer struct{ b []byte }

func (g *growBuffer) Write(p []byte) (int, error) {
	g.b = append(g.b, p...)
	return len(p), nil
}
