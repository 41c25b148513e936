package node

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"radicle-node/cob"
	"radicle-node/git"
	"radicle-node/profile"
	"radicle-node/wire"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	home := t.TempDir()
	if _, err := profile.Init(home); err != nil {
		t.Fatalf("profile.Init: %v", err)
	}
	n, err := New(home, Config{
		Magic:        wire.MagicTestnet,
		ListenAddrs:  []string{"/ip4/127.0.0.1/tcp/0"},
		FetchWorkers: 2,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNewWiresEverySubsystem(t *testing.T) {
	n := newTestNode(t)

	for name, v := range map[string]interface{}{
		"Profile":   n.Profile,
		"Storage":   n.Storage,
		"Routes":    n.Routes,
		"Book":      n.Book,
		"Transport": n.Transport,
		"Reactor":   n.Reactor,
		"Service":   n.Service,
		"Fetch":     n.Fetch,
		"Limiter":   n.Limiter,
		"Control":   n.Control,
		"Cobs":      n.Cobs,
	} {
		if v == nil {
			t.Fatalf("expected %s to be wired, got nil", name)
		}
	}

	if len(n.Transport.LocalAddrs()) == 0 {
		t.Fatal("expected the transport host to be listening on at least one address")
	}
}

type counterCob struct{ n int }

func (c *counterCob) Init(root *cob.Entry, graph cob.CommitGraph) error {
	c.n = 1
	return nil
}

func (c *counterCob) Apply(entry *cob.Entry, concurrent []*cob.Entry, graph cob.CommitGraph) error {
	c.n++
	return nil
}

func TestReadCOBConsultsSharedCache(t *testing.T) {
	n := newTestNode(t)

	var h [32]byte
	h[0] = 9
	rid := git.NewRepoId(sha256.Sum256(h[:]))
	repo, err := n.Storage.Create(rid)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	signer := n.Profile.Signer()
	manifest := cob.Manifest{TypeName: "xyz.radicle.issue", Version: 1}
	resource := git.HashObject("blob", []byte("resource"))
	rootOid, err := repo.CreateEntry(manifest, []byte("open"), resource, signer, nil)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	cobRef := git.CobRef(manifest.TypeName, rootOid).Namespaced(n.Profile.NodeID)
	if err := repo.WriteRef(cobRef, rootOid); err != nil {
		t.Fatalf("WriteRef: %v", err)
	}

	calls := 0
	newCob := func() cob.Cob {
		calls++
		return &counterCob{}
	}

	c1, err := n.ReadCOB(rid, manifest.TypeName, rootOid, newCob)
	if err != nil {
		t.Fatalf("ReadCOB: %v", err)
	}
	if c1.(*counterCob).n != 1 {
		t.Fatalf("expected counter 1, got %d", c1.(*counterCob).n)
	}

	if _, err := n.ReadCOB(rid, manifest.TypeName, rootOid, newCob); err != nil {
		t.Fatalf("ReadCOB (cached): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected newCob invoked once (cache hit second time), got %d", calls)
	}
}

func TestRunAndShutdownStopsCleanly(t *testing.T) {
	n := newTestNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	// Give the service and control-socket goroutines a moment to start
	// before exercising shutdown (spec §5's cancellation sequence).
	time.Sleep(20 * time.Millisecond)

	n.Shutdown()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after Shutdown")
	}
}
