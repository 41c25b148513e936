package addressbook

import (
	"net"
	"testing"
	"time"

	"radicle-node/crypto"
	"radicle-node/wire"
)

func genID(t *testing.T) crypto.PublicKey {
	t.Helper()
	pk, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return pk
}

func TestUpsertDropsNonRoutableAddresses(t *testing.T) {
	b := New(1)
	id := genID(t)
	addrs := []wire.Address{
		{IP: net.ParseIP("10.0.0.1"), Port: 8000},
		{IP: net.ParseIP("203.0.113.5"), Port: 8000},
		{IP: net.ParseIP("127.0.0.1"), Port: 8000},
	}
	b.Upsert(id, "alice", 1, "radicle/1.0", addrs, SourcePeer, time.Now())

	n, ok := b.Get(id)
	if !ok {
		t.Fatal("expected node to be present")
	}
	if len(n.Addresses) != 1 {
		t.Fatalf("expected 1 routable address, got %d", len(n.Addresses))
	}
	if n.Addresses[0].Addr.IP.String() != "203.0.113.5" {
		t.Fatalf("unexpected surviving address %v", n.Addresses[0].Addr)
	}
}

func TestSampleExcludesBanned(t *testing.T) {
	b := New(7)
	good := genID(t)
	bad := genID(t)
	b.Upsert(good, "", 0, "", nil, SourcePeer, time.Now())
	b.Upsert(bad, "", 0, "", nil, SourcePeer, time.Now())
	b.Ban(bad)

	sample := b.Sample(10, NotBanned)
	for _, n := range sample {
		if n.ID == bad {
			t.Fatal("banned node should not appear in sample")
		}
	}
	if len(sample) != 1 {
		t.Fatalf("expected exactly 1 unbanned node, got %d", len(sample))
	}
}

func TestSampleHasFeature(t *testing.T) {
	b := New(3)
	a := genID(t)
	c := genID(t)
	b.Upsert(a, "", 0b01, "", nil, SourcePeer, time.Now())
	b.Upsert(c, "", 0b11, "", nil, SourcePeer, time.Now())

	sample := b.Sample(10, HasFeature(0b10))
	if len(sample) != 1 || sample[0].ID != c {
		t.Fatalf("expected only node with feature bit 1 set, got %v", sample)
	}
}

func TestUpsertIgnoresOlderAnnouncement(t *testing.T) {
	b := New(2)
	id := genID(t)
	now := time.Now()
	b.Upsert(id, "new-alias", 0, "", nil, SourcePeer, now)
	b.Upsert(id, "stale-alias", 0, "", nil, SourcePeer, now.Add(-time.Hour))

	n, _ := b.Get(id)
	if n.Alias != "new-alias" {
		t.Fatalf("expected alias to remain %q, got %q", "new-alias", n.Alias)
	}
}
