package crypto

import (
	"testing"

	"radicle-node/git"
)

func TestNodeIDRoundTrip(t *testing.T) {
	pub, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	did := pub.String()
	got, err := ParseNodeID(did)
	if err != nil {
		t.Fatalf("parse node id: %v", err)
	}
	if got != pub {
		t.Fatalf("round trip mismatch: got %x want %x", got, pub)
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	signer, err := NewMemorySigner(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	msg := []byte("hello radicle")
	sig := signer.Sign(msg)
	if !Verify(pub, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(pub, []byte("tampered"), sig) {
		t.Fatal("expected signature over different message to fail")
	}
}

func TestSignedRefsSaveIdempotence(t *testing.T) {
	// Mirrors spec ยง8 scenario 5: signing unchanged refs yields the same
	// canonical bytes (and thus the caller would compute the same tree
	// oid), while changing a ref changes the canonical bytes.
	_, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	signer, err := NewMemorySigner(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	oidA, _ := git.ParseHexOid("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	oidB, _ := git.ParseHexOid("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	refs := []RefTip{{Name: "refs/heads/main", Oid: oidA}}

	sr1 := Sign(signer, refs)
	sr2 := Sign(signer, refs)
	if !bytesEqual(Canonical(sr1.Refs), Canonical(sr2.Refs)) {
		t.Fatal("expected identical canonical bytes for unchanged refs")
	}

	changed := []RefTip{{Name: "refs/heads/main", Oid: oidB}}
	sr3 := Sign(signer, changed)
	if bytesEqual(Canonical(sr1.Refs), Canonical(sr3.Refs)) {
		t.Fatal("expected different canonical bytes after changing a ref")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
