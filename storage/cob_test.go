package storage

import (
	"testing"

	"radicle-node/cob"
	"radicle-node/crypto"
	radgit "radicle-node/git"
)

type counterCob struct{ n int }

func (c *counterCob) Init(root *cob.Entry, graph cob.CommitGraph) error {
	c.n = 1
	return nil
}

func (c *counterCob) Apply(entry *cob.Entry, concurrent []*cob.Entry, graph cob.CommitGraph) error {
	c.n++
	return nil
}

func TestCobTipsAndLoadObjectAcrossNamespaces(t *testing.T) {
	s := newTestStorage(t)
	rid := testRID(7)
	repo, err := s.Create(rid)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, sk, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	signer, err := crypto.NewMemorySigner(sk)
	if err != nil {
		t.Fatalf("NewMemorySigner: %v", err)
	}

	manifest := cob.Manifest{TypeName: "xyz.radicle.issue", Version: 1}
	resource := radgit.HashObject("blob", []byte("resource"))

	rootOid, err := repo.CreateEntry(manifest, []byte("open"), resource, signer, nil)
	if err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	objectID := rootOid
	cobRef := radgit.CobRef(manifest.TypeName, objectID).Namespaced(signer.PublicKey())
	if err := repo.WriteRef(cobRef, rootOid); err != nil {
		t.Fatalf("WriteRef: %v", err)
	}

	tips, err := repo.CobTips(manifest.TypeName, objectID)
	if err != nil {
		t.Fatalf("CobTips: %v", err)
	}
	if len(tips) != 1 || tips[0] != rootOid {
		t.Fatalf("expected tips [%s], got %v", rootOid, tips)
	}

	cache, err := cob.NewCache(8)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	calls := 0
	newCob := func() cob.Cob {
		calls++
		return &counterCob{}
	}

	c1, err := cob.LoadObject(rid.String(), objectID, tips, repo, cache, newCob)
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	if c1.(*counterCob).n != 1 {
		t.Fatalf("expected counter 1, got %d", c1.(*counterCob).n)
	}

	if _, err := cob.LoadObject(rid.String(), objectID, tips, repo, cache, newCob); err != nil {
		t.Fatalf("LoadObject (cached): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected newCob invoked once (cache hit second time), got %d", calls)
	}
}

func TestCobTipsReportsNoneFound(t *testing.T) {
	s := newTestStorage(t)
	rid := testRID(8)
	repo, err := s.Create(rid)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := repo.CobTips("xyz.radicle.issue", radgit.HashObject("blob", []byte("nope"))); err == nil {
		t.Fatal("expected error when no namespace carries a tip for the object")
	}
}
