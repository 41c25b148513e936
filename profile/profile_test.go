package profile

import (
	"os"
	"path/filepath"
	"testing"

	"radicle-node/crypto"
)

func TestInitCreatesLayoutAndKeys(t *testing.T) {
	home := t.TempDir()
	p, err := Init(home)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, path := range []string{p.StorageDir(), p.KeysDir(), p.NodeDir(), filepath.Dir(p.CobsDB())} {
		if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
			t.Fatalf("expected directory %s to exist", path)
		}
	}
	if p.NodeID == (crypto.PublicKey{}) {
		t.Fatal("expected a non-zero node id")
	}
}

func TestInitRefusesToClobberExistingProfile(t *testing.T) {
	home := t.TempDir()
	if _, err := Init(home); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if _, err := Init(home); err == nil {
		t.Fatal("expected second Init to fail")
	}
}

func TestOpenRoundTripsNodeID(t *testing.T) {
	home := t.TempDir()
	created, err := Init(home)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	opened, err := Open(home)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened.NodeID != created.NodeID {
		t.Fatal("expected Open to recover the same node id as Init produced")
	}
}
