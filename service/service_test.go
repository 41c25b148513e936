package service

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"radicle-node/addressbook"
	"radicle-node/crypto"
	"radicle-node/git"
	"radicle-node/reactor"
	"radicle-node/routing"
	"radicle-node/wire"
)

type nullSender struct{}

func (nullSender) Send(crypto.PublicKey, wire.Envelope) error { return nil }

type nullFetcher struct {
	got []git.RepoId
}

func (f *nullFetcher) Enqueue(rid git.RepoId, seeds []crypto.PublicKey) error {
	f.got = append(f.got, rid)
	return nil
}

type nullRefs struct{}

func (nullRefs) RemoteRefs(git.RepoId, crypto.PublicKey) (map[git.Refname]git.Oid, bool) {
	return nil, false
}

func genID(t *testing.T) crypto.PublicKey {
	t.Helper()
	pk, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return pk
}

func testRID(b byte) git.RepoId {
	var h [32]byte
	h[0] = b
	return git.NewRepoId(sha256.Sum256(h[:]))
}

func newTestService(t *testing.T) (*Service, *nullFetcher) {
	t.Helper()
	pk, sk, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	signer, err := crypto.NewMemorySigner(sk)
	if err != nil {
		t.Fatalf("NewMemorySigner: %v", err)
	}
	r := reactor.New(nullSender{}, nil)
	book := addressbook.New(1)
	db, err := routing.Open(":memory:")
	if err != nil {
		t.Fatalf("routing.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fetcher := &nullFetcher{}
	cfg := Config{NodeID: pk, Signer: signer, Magic: wire.MagicTestnet, Trusted: map[crypto.PublicKey]bool{}}
	svc := New(cfg, r, book, db, nullRefs{}, fetcher, nil)
	return svc, fetcher
}

func TestInventoryAnnouncementUpsertsRoutingAndEnqueuesFetch(t *testing.T) {
	svc, fetcher := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	peerPK, peerSK, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	peerSigner, err := crypto.NewMemorySigner(peerSK)
	if err != nil {
		t.Fatal(err)
	}
	rid := testRID(1)
	m := &wire.InventoryAnnouncement{NodeID: peerPK, Inventory: []git.RepoId{rid}, Timestamp: wire.Timestamp(time.Now().Unix())}
	m.Signature = peerSigner.Sign(m.SignedBytes())

	svc.HandleMessage(peerPK, wire.Envelope{Magic: wire.MagicTestnet, Message: m})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count, err := svc.routes.Count(rid)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if count == 1 {
			if len(fetcher.got) == 1 && fetcher.got[0] == rid {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for routing insert and fetch enqueue")
}

func TestInventoryAnnouncementRejectsBadSignature(t *testing.T) {
	svc, fetcher := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	peerPK := genID(t)
	rid := testRID(2)
	m := &wire.InventoryAnnouncement{NodeID: peerPK, Inventory: []git.RepoId{rid}, Timestamp: wire.Timestamp(time.Now().Unix())}
	// Signature left zero-valued: must fail verification.
	svc.HandleMessage(peerPK, wire.Envelope{Magic: wire.MagicTestnet, Message: m})

	time.Sleep(50 * time.Millisecond)
	if len(fetcher.got) != 0 {
		t.Fatal("expected no fetch to be enqueued for an unverifiable announcement")
	}
}

func TestSessionsCommandReturnsSnapshot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	nid := genID(t)
	if err := svc.Connect(nid, wire.Address{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sessions := svc.Sessions()
	if len(sessions) != 1 || sessions[0].NodeID != nid {
		t.Fatalf("expected one session for %v, got %v", nid, sessions)
	}
}

func TestFetchCommandFailsWithoutSeeds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	rid := testRID(3)
	if err := svc.Fetch(rid, nil); err != errNoSeeds {
		t.Fatalf("expected errNoSeeds, got %v", err)
	}
}
