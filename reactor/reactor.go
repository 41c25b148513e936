// Package reactor owns per-peer outbound message queuing, broadcast and
// relay fan-out, and the bounded subscriber-event bus (spec §4.7). It sits
// between the Service (which decides what to send) and the transport
// (which actually writes bytes to a peer's stream), the way the teacher's
// core/network.go Node separates topic publish from the libp2p pubsub
// transport underneath it.
package reactor

import (
	"bytes"
	"sync"

	"github.com/sirupsen/logrus"

	"radicle-node/crypto"
	"radicle-node/fetch"
	"radicle-node/git"
	"radicle-node/session"
	"radicle-node/wire"
)

// MaxPendingEvents bounds each event subscriber's channel (spec §4.7).
const MaxPendingEvents = 8192

// Sender writes one envelope to a peer's stream. The reactor calls this
// directly for non-queued sends and again when draining a queue; its
// concrete implementation is the transport layer wired in by node.Node.
type Sender interface {
	Send(nid crypto.PublicKey, env wire.Envelope) error
}

// Event is anything the reactor or service layer publishes to control-socket
// and diagnostic subscribers (spec §4.7, §6 "event subscription stream").
type Event interface {
	eventMarker()
}

// FetchResultEvent wraps a completed fetch.Scheduler job as a reactor
// Event (spec §4.10: "a RefsFetched event is emitted"). It lives here
// rather than in package fetch because Event's marker method is
// unexported — only types defined in this package can implement it —
// and fetch must not import reactor (fetch is a leaf package consumed by
// reactor and node).
type FetchResultEvent struct {
	fetch.Result
}

func (FetchResultEvent) eventMarker() {}

// EmitFetchResult publishes a completed fetch job to every subscriber.
// node.reactorSink adapts it to fetch.EventSink.
func (r *Reactor) EmitFetchResult(result fetch.Result) {
	r.Emit(FetchResultEvent{Result: result})
}

type peerQueue struct {
	mu       sync.Mutex
	queuing  bool
	pending  []wire.Envelope
}

// Reactor multiplexes outbound sends across peer sessions, applying the
// fetch-exclusivity queuing rule and fanning broadcasts/relays/events out
// to all current peers and subscribers.
type Reactor struct {
	log *logrus.Logger

	sender Sender
	invPub InventoryPublisher

	mu       sync.RWMutex
	sessions map[crypto.PublicKey]*session.Session
	queues   map[crypto.PublicKey]*peerQueue

	subMu sync.Mutex
	subs  []chan Event
}

// New returns a Reactor that writes through sender.
func New(sender Sender, log *logrus.Logger) *Reactor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reactor{
		sender:   sender,
		log:      log,
		sessions: make(map[crypto.PublicKey]*session.Session),
		queues:   make(map[crypto.PublicKey]*peerQueue),
	}
}

// SetSender attaches (or replaces) the transport Send is delegated to.
// Node wiring constructs the Reactor before the transport Host exists
// (the Host needs a Dispatcher, which is the Service, which needs the
// Reactor) and closes the cycle here once both sides are ready.
func (r *Reactor) SetSender(sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = sender
}

// AddPeer registers a session the reactor may send to, gossip-relay to, or
// queue for.
func (r *Reactor) AddPeer(nid crypto.PublicKey, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[nid] = s
	r.queues[nid] = &peerQueue{}
}

// RemovePeer drops a peer's session and any still-queued messages.
func (r *Reactor) RemovePeer(nid crypto.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, nid)
	delete(r.queues, nid)
}

// Peers returns the NodeIds of every currently registered peer.
func (r *Reactor) Peers() []crypto.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crypto.PublicKey, 0, len(r.sessions))
	for nid := range r.sessions {
		out = append(out, nid)
	}
	return out
}

func (r *Reactor) peerQueue(nid crypto.PublicKey) (*session.Session, *peerQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[nid]
	if !ok {
		return nil, nil, false
	}
	return s, r.queues[nid], true
}

// Send writes env to nid, or queues it if the peer's session currently owns
// its socket for a fetch (spec §4.7: "all outbound messages for that peer
// are queued, not written, to preserve stream exclusivity").
func (r *Reactor) Send(nid crypto.PublicKey, env wire.Envelope) error {
	s, q, ok := r.peerQueue(nid)
	if !ok {
		return nil
	}
	if s.InFetch() {
		q.mu.Lock()
		q.queuing = true
		q.pending = append(q.pending, env)
		q.mu.Unlock()
		return nil
	}
	return r.getSender().Send(nid, env)
}

// DrainPeer writes out, in original order, every message queued while nid
// was in the Fetch protocol state (spec §4.7: "on fetch completion the
// queue is drained... in their original order"). Call this after
// session.Session.FetchComplete.
func (r *Reactor) DrainPeer(nid crypto.PublicKey) error {
	_, q, ok := r.peerQueue(nid)
	if !ok {
		return nil
	}
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.queuing = false
	q.mu.Unlock()

	sender := r.getSender()
	for _, env := range pending {
		if err := sender.Send(nid, env); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reactor) getSender() Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sender
}

// InventoryPublisher fans an encoded InventoryAnnouncement out over a
// pubsub topic, in addition to the direct per-peer sends Broadcast already
// performs (spec §4.8 "AnnounceInventory"; the pubsub fan-out itself is an
// optimization for peers not yet in a direct session, not a replacement for
// the point-to-point protocol).
type InventoryPublisher interface {
	PublishInventory(data []byte) error
}

// SetInventoryPublisher attaches (or replaces, or clears with nil) the
// pubsub fan-out target. Optional: AnnounceInventory works with direct
// sends alone if this is never set.
func (r *Reactor) SetInventoryPublisher(p InventoryPublisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invPub = p
}

// PublishInventory fans data out over the attached InventoryPublisher, or
// does nothing if none is set.
func (r *Reactor) PublishInventory(data []byte) error {
	r.mu.RLock()
	p := r.invPub
	r.mu.RUnlock()
	if p == nil {
		return nil
	}
	return p.PublishInventory(data)
}

// Broadcast sends msg to every peer in nids (spec §4.7 "broadcast helper").
func (r *Reactor) Broadcast(nids []crypto.PublicKey, magic wire.Magic, msg wire.Message) {
	env := wire.Envelope{Magic: magic, Message: msg}
	for _, nid := range nids {
		if err := r.Send(nid, env); err != nil {
			r.log.WithError(err).WithField("peer", nid).Warn("reactor: broadcast send failed")
		}
	}
}

// RelayPolicy controls which peers an announcement is forwarded to (spec
// §4.7, §4.8).
type RelayPolicy int

const (
	// RelayAlways forwards to every peer subject only to the filter check.
	RelayAlways RelayPolicy = iota
	// RelayTrustedOnly additionally requires the peer to be in a trust set.
	RelayTrustedOnly
)

// Relay forwards an announcement to every currently registered peer whose
// subscription filter may contain rid (for Refs announcements) or
// unconditionally (for Inventory/Node announcements), subject to policy
// and excluding the originating peer (spec §4.7: "relay helper").
//
// rid is the zero value for announcement kinds that carry no single repo
// (Inventory, Node); non-Refs callers should pass an empty git.RepoId and
// filterApplies=false.
func (r *Reactor) Relay(magic wire.Magic, msg wire.Message, from crypto.PublicKey, rid git.RepoId, filterApplies bool, policy RelayPolicy, trusted map[crypto.PublicKey]bool) {
	r.mu.RLock()
	type target struct {
		nid crypto.PublicKey
		s   *session.Session
	}
	targets := make([]target, 0, len(r.sessions))
	for nid, s := range r.sessions {
		if nid == from {
			continue
		}
		targets = append(targets, target{nid, s})
	}
	r.mu.RUnlock()

	env := wire.Envelope{Magic: magic, Message: msg}
	for _, t := range targets {
		if policy == RelayTrustedOnly && !trusted[t.nid] {
			continue
		}
		if filterApplies {
			filter := t.s.SubscribeFilter()
			if len(filter) == 0 {
				continue
			}
			bf := &wire.BloomFilter{}
			// SubscribeFilter stores the encoded bloom bytes as produced by
			// wire.Subscribe; a corrupt filter is treated as "no match"
			// rather than panicking the reactor loop.
			var ridBytes [32]byte
			copy(ridBytes[:], rid.Bytes())
			if !decodeBloom(bf, filter) || !bf.MayContain(ridBytes) {
				continue
			}
		}
		if err := r.Send(t.nid, env); err != nil {
			r.log.WithError(err).WithField("peer", t.nid).Warn("reactor: relay send failed")
		}
	}
}

func decodeBloom(bf *wire.BloomFilter, raw []byte) bool {
	d := wire.NewDecoder(bytes.NewReader(raw))
	return bf.Decode(d) == nil
}

// Subscribe returns a bounded channel of reactor/service events (spec
// §4.7: "subscribers receive cloneable events via bounded channels").
func (r *Reactor) Subscribe() <-chan Event {
	ch := make(chan Event, MaxPendingEvents)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

// Emit publishes ev to every subscriber. A subscriber whose channel is
// currently full is dropped: it does not receive ev, its channel is closed
// and it receives no later events (spec §4.7: "subscribers whose channels
// are full are dropped on the next emit").
func (r *Reactor) Emit(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	kept := r.subs[:0]
	for _, ch := range r.subs {
		select {
		case ch <- ev:
			kept = append(kept, ch)
		default:
			r.log.Warn("reactor: dropping slow subscriber")
			close(ch)
		}
	}
	r.subs = kept
}
