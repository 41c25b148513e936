// Package node wires every subsystem into one running daemon, mirroring
// the teacher's core/bootstrap_node.go BootstrapNode: a struct embedding
// the lower layers, a context/cancel pair, and a NewX constructor that
// fails closed if any dependency fails to start.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"radicle-node/addressbook"
	"radicle-node/cob"
	"radicle-node/control"
	"radicle-node/crypto"
	"radicle-node/fetch"
	"radicle-node/git"
	"radicle-node/profile"
	"radicle-node/ratelimit"
	"radicle-node/reactor"
	"radicle-node/routing"
	"radicle-node/service"
	"radicle-node/storage"
	"radicle-node/transport"
	"radicle-node/wire"
)

// Config bundles the knobs node.New needs beyond what's already recorded
// in the profile (spec §6.5 ties most configuration to config.json, but
// the network magic, listen addresses and worker pool size are
// deployment-time choices rather than identity state).
type Config struct {
	Magic        wire.Magic
	ListenAddrs  []string
	FetchWorkers int
	RelayPolicy  reactor.RelayPolicy
}

// CobCacheSize bounds the number of evaluated collaborative-object states
// kept in memory at once (spec §4.4, §6.5's cobs/cobs.db).
const CobCacheSize = 1024

// Node is the fully wired daemon: storage, routing, address book, a
// libp2p-backed transport, reactor, service, fetch scheduler, rate
// limiter and control socket.
type Node struct {
	Profile   *profile.Profile
	Storage   *storage.Storage
	Routes    *routing.DB
	Book      *addressbook.Book
	Transport *transport.Host
	Reactor   *reactor.Reactor
	Service   *service.Service
	Fetch     *fetch.Scheduler
	Limiter   *ratelimit.Limiter
	Control   *control.Server
	Cobs      *cob.Cache

	log *logrus.Logger

	cancel context.CancelFunc
}

// New opens the profile's home directory and wires every subsystem
// together, but does not start accepting connections — call Run for that.
func New(home string, cfg Config, log *logrus.Logger) (*Node, error) {
	p, err := profile.Open(home)
	if err != nil {
		return nil, fmt.Errorf("node: open profile: %w", err)
	}
	if log == nil {
		log, err = p.Logger()
		if err != nil {
			return nil, err
		}
	}

	st, err := storage.New(p.StorageDir(), log)
	if err != nil {
		return nil, fmt.Errorf("node: open storage: %w", err)
	}
	routes, err := routing.Open(p.NodeDB())
	if err != nil {
		return nil, fmt.Errorf("node: open routing db: %w", err)
	}
	book := addressbook.New(uint64(time.Now().UnixNano()))

	privBytes, err := p.PrivateKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("node: load identity key: %w", err)
	}

	svcCfg := service.Config{
		NodeID:      p.NodeID,
		Signer:      p.Signer(),
		Alias:       p.Config.Alias,
		Magic:       cfg.Magic,
		RelayPolicy: cfg.RelayPolicy,
		Trusted:     make(map[crypto.PublicKey]bool),
	}

	rx := reactor.New(nil, log) // sender attached below, once the Host exists
	scheduler := fetch.NewScheduler(cfg.FetchWorkers, nil, reactorSink{rx}, log)
	svc := service.New(svcCfg, rx, book, routes, storageRefsAdapter{st}, scheduler, log)

	host, err := transport.NewHost(privBytes, cfg.ListenAddrs, cfg.Magic, svc, log)
	if err != nil {
		return nil, fmt.Errorf("node: start transport: %w", err)
	}
	rx.SetSender(host)
	rx.SetInventoryPublisher(host)

	ft := transport.NewFetchTransport(host, storageOpener{st}, log)
	host.SetFetchHandler(ft.HandleFetchStream)
	scheduler.SetTransport(ft)

	cobs, err := cob.NewCache(CobCacheSize)
	if err != nil {
		return nil, fmt.Errorf("node: create cob cache: %w", err)
	}
	// n is wired up front so it can be handed to control.Listen as the
	// CobReader: ReadCOB only ever touches n.Storage and n.Cobs, both
	// already final at this point in construction.
	n := &Node{Storage: st, Cobs: cobs}

	ctrl, err := control.Listen(p.ControlSocket(), svc, rx, n, log)
	if err != nil {
		return nil, fmt.Errorf("node: listen control socket: %w", err)
	}

	n.Profile = p
	n.Routes = routes
	n.Book = book
	n.Transport = host
	n.Reactor = rx
	n.Service = svc
	n.Fetch = scheduler
	n.Control = ctrl
	n.log = log
	n.Limiter = ratelimit.New(
		ratelimit.Config{Capacity: p.Config.Rate.InboundCapacity, Refill: p.Config.Rate.InboundRefill},
		ratelimit.Config{Capacity: p.Config.Rate.OutboundCapacity, Refill: p.Config.Rate.OutboundRefill},
	)

	return n, nil
}

// Run starts the service loop and the control socket, blocking until ctx
// is canceled (spec §5: the service "never blocks on I/O" itself, but
// Run's caller is expected to own the process lifetime the way the
// teacher's Node.ListenAndServe blocks on its context).
func (n *Node) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	go n.Service.Run(ctx)
	n.Control.Serve(ctx)
}

// ReadCOB evaluates a collaborative object's current state, consulting
// the node's shared evaluation cache before re-walking the change DAG
// (spec §4.4: "memoised keyed by (rid, object-id, set-of-tips)").
func (n *Node) ReadCOB(rid git.RepoId, typeName string, objectID git.Oid, newCob func() cob.Cob) (cob.Cob, error) {
	repo, err := n.Storage.Repository(rid)
	if err != nil {
		return nil, err
	}
	tips, err := repo.CobTips(typeName, objectID)
	if err != nil {
		return nil, err
	}
	return cob.LoadObject(rid.String(), objectID, tips, repo, n.Cobs, newCob)
}

// Shutdown drains the command queue, stops fetch workers and closes every
// handle (spec §5's cancellation sequence).
func (n *Node) Shutdown() {
	n.Service.Shutdown()
	n.Fetch.Stop(5 * time.Second)
	if n.cancel != nil {
		n.cancel()
	}
	_ = n.Close()
}

// Close releases the control socket, transport and routing handles.
// Storage holds no handle to release.
func (n *Node) Close() error {
	var err error
	if n.Control != nil {
		err = n.Control.Close()
	}
	if n.Transport != nil {
		if terr := n.Transport.Close(); terr != nil && err == nil {
			err = terr
		}
	}
	if n.Routes != nil {
		if cerr := n.Routes.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// storageRefsAdapter satisfies service.RefsStore over storage.Storage,
// keeping service's own dependency surface narrow (see service.RefsStore's
// doc comment).
type storageRefsAdapter struct{ st *storage.Storage }

func (a storageRefsAdapter) RemoteRefs(rid git.RepoId, nid crypto.PublicKey) (map[git.Refname]git.Oid, bool) {
	repo, err := a.st.Repository(rid)
	if err != nil {
		return nil, false
	}
	sr, err := repo.Remote(nid)
	if err != nil || sr == nil {
		return nil, false
	}
	out := make(map[git.Refname]git.Oid, len(sr.Refs))
	for _, tip := range sr.Refs {
		out[tip.Name] = tip.Oid
	}
	return out, true
}

// storageOpener adapts storage.Storage to transport.RepoOpener: Go
// requires an exact method signature match for interface satisfaction, so
// *storage.Repository implementing transport.Repo isn't enough on its
// own — Repository's return type (*storage.Repository) still needs
// wrapping as the transport.Repo interface value this adapter returns.
type storageOpener struct{ st *storage.Storage }

func (a storageOpener) Repository(rid git.RepoId) (transport.Repo, error) {
	return a.st.Repository(rid)
}

// reactorSink adapts reactor.Reactor's distinctly-named EmitFetchResult
// method to fetch.EventSink's Emit method — Reactor can't implement
// fetch.EventSink directly because it already has its own Emit(Event)
// method with a different signature.
type reactorSink struct{ rx *reactor.Reactor }

func (s reactorSink) Emit(r fetch.Result) { s.rx.EmitFetchResult(r) }
