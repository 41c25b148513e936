package reactor

import (
	"sync"
	"testing"
	"time"

	"radicle-node/crypto"
	"radicle-node/git"
	"radicle-node/session"
	"radicle-node/wire"
)

type recordingSender struct {
	mu  sync.Mutex
	got []wire.Envelope
}

func (s *recordingSender) Send(nid crypto.PublicKey, env wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, env)
	return nil
}

func (s *recordingSender) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func genID(t *testing.T) crypto.PublicKey {
	t.Helper()
	pk, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return pk
}

func TestSendWritesImmediatelyOutsideFetch(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender, nil)
	nid := genID(t)
	s := session.New(nid, false)
	s.HandshakeComplete(time.Now())
	r.AddPeer(nid, s)

	env := wire.Envelope{Magic: wire.MagicTestnet, Message: &wire.Ping{}}
	if err := r.Send(nid, env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sender.len() != 1 {
		t.Fatalf("expected 1 write, got %d", sender.len())
	}
}

func TestSendQueuesDuringFetchAndDrainsInOrder(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender, nil)
	nid := genID(t)
	s := session.New(nid, false)
	s.HandshakeComplete(time.Now())
	r.AddPeer(nid, s)

	var rid [32]byte
	rid[0] = 1
	grid := git.NewRepoId(rid)
	if err := s.RequestFetch(grid); err != nil {
		t.Fatalf("RequestFetch: %v", err)
	}

	first := wire.Envelope{Magic: wire.MagicTestnet, Message: &wire.Ping{PongLen: 1}}
	second := wire.Envelope{Magic: wire.MagicTestnet, Message: &wire.Ping{PongLen: 2}}
	if err := r.Send(nid, first); err != nil {
		t.Fatal(err)
	}
	if err := r.Send(nid, second); err != nil {
		t.Fatal(err)
	}
	if sender.len() != 0 {
		t.Fatalf("expected sends to be queued during fetch, got %d writes", sender.len())
	}

	s.FetchComplete()
	if err := r.DrainPeer(nid); err != nil {
		t.Fatalf("DrainPeer: %v", err)
	}
	if sender.len() != 2 {
		t.Fatalf("expected 2 drained writes, got %d", sender.len())
	}
	if sender.got[0].Message.(*wire.Ping).PongLen != 1 || sender.got[1].Message.(*wire.Ping).PongLen != 2 {
		t.Fatal("expected drained messages to preserve original order")
	}
}

func TestBroadcastSendsToEveryPeer(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender, nil)
	for i := 0; i < 3; i++ {
		nid := genID(t)
		s := session.New(nid, false)
		s.HandshakeComplete(time.Now())
		r.AddPeer(nid, s)
	}
	r.Broadcast(r.Peers(), wire.MagicTestnet, &wire.Ping{})
	if sender.len() != 3 {
		t.Fatalf("expected 3 broadcast writes, got %d", sender.len())
	}
}

func TestEmitDropsForFullSubscriber(t *testing.T) {
	sender := &recordingSender{}
	r := New(sender, nil)
	ch := r.Subscribe()

	for i := 0; i < MaxPendingEvents+10; i++ {
		r.Emit(fakeEvent{})
	}
	if len(ch) != MaxPendingEvents {
		t.Fatalf("expected subscriber channel to fill to capacity %d, got %d", MaxPendingEvents, len(ch))
	}
}

type fakeEvent struct{}

func (fakeEvent) eventMarker() {}
