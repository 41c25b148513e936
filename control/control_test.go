package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"radicle-node/addressbook"
	"radicle-node/crypto"
	"radicle-node/git"
	"radicle-node/reactor"
	"radicle-node/routing"
	"radicle-node/service"
	"radicle-node/wire"
)

type nullSender struct{}

func (nullSender) Send(crypto.PublicKey, wire.Envelope) error { return nil }

type nullFetcher struct{}

func (nullFetcher) Enqueue(git.RepoId, []crypto.PublicKey) error { return nil }

type nullRefs struct{}

func (nullRefs) RemoteRefs(git.RepoId, crypto.PublicKey) (map[git.Refname]git.Oid, bool) {
	return nil, false
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	pk, sk, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := crypto.NewMemorySigner(sk)
	if err != nil {
		t.Fatal(err)
	}
	rx := reactor.New(nullSender{}, nil)
	book := addressbook.New(1)
	db, err := routing.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	cfg := service.Config{NodeID: pk, Signer: signer, Magic: wire.MagicTestnet, Trusted: map[crypto.PublicKey]bool{}}
	svc := service.New(cfg, rx, book, db, nullRefs{}, nullFetcher{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)

	path := filepath.Join(t.TempDir(), "control.sock")
	srv, err := Listen(path, svc, rx, nil, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ctx)
	t.Cleanup(func() { srv.Close() })
	return srv, path
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	var conn net.Conn
	var err error
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", path)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial: %v", err)
	return nil
}

func TestSessionsRoundTrip(t *testing.T) {
	_, path := newTestServer(t)
	conn := dial(t, path)
	defer conn.Close()

	req, _ := json.Marshal(Request{Type: "sessions"})
	if _, err := conn.Write(append(req, '\n')); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected OK response, got %+v", resp)
	}
}

func TestReadCobWithoutReaderConfiguredReturnsError(t *testing.T) {
	_, path := newTestServer(t)
	conn := dial(t, path)
	defer conn.Close()

	req, _ := json.Marshal(Request{Type: "readCob"})
	conn.Write(append(req, '\n'))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp Response
	json.Unmarshal(line, &resp)
	if resp.OK {
		t.Fatal("expected error response when no cob reader is configured")
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	_, path := newTestServer(t)
	conn := dial(t, path)
	defer conn.Close()

	req, _ := json.Marshal(Request{Type: "bogus"})
	conn.Write(append(req, '\n'))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp Response
	json.Unmarshal(line, &resp)
	if resp.OK {
		t.Fatal("expected error response for unknown command")
	}
}

func TestShutdownSentinelClosesServer(t *testing.T) {
	srv, path := newTestServer(t)
	conn := dial(t, path)
	defer conn.Close()

	if _, err := conn.Write([]byte{shutdownSentinel, '\n'}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-srv.shutdown:
			return
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatal("expected shutdown channel to close after sentinel")
}
