package cob

import (
	"testing"

	"radicle-node/crypto"
	"radicle-node/git"
)

// fakeRepo is an in-memory EntryReader + CommitGraph backing a linear
// change history: entry i's sole parent is entry i-1.
type fakeRepo struct {
	entries map[git.Oid]*Entry
	parent  map[git.Oid]git.Oid
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: make(map[git.Oid]*Entry), parent: make(map[git.Oid]git.Oid)}
}

func (f *fakeRepo) ReadEntry(o git.Oid) (*Entry, error) { return f.entries[o], nil }

func (f *fakeRepo) ancestors(o git.Oid) map[git.Oid]bool {
	out := map[git.Oid]bool{o: true}
	for {
		p, ok := f.parent[o]
		if !ok {
			break
		}
		out[p] = true
		o = p
	}
	return out
}

func (f *fakeRepo) MergeBase(a, b git.Oid) (git.Oid, error) {
	aa := f.ancestors(a)
	for o := b; ; {
		if aa[o] {
			return o, nil
		}
		p, ok := f.parent[o]
		if !ok {
			return git.Oid{}, nil
		}
		o = p
	}
}

func (f *fakeRepo) IsAncestor(a, b git.Oid) (bool, error) {
	if a == b {
		return true, nil
	}
	return f.ancestors(b)[a], nil
}

func signedEntry(t *testing.T, signer crypto.Signer, id git.Oid, change []byte, parents []git.Oid) *Entry {
	t.Helper()
	manifest := Manifest{TypeName: "test.counter", Version: 1}
	payload, err := SignedPayload(manifest, change)
	if err != nil {
		t.Fatalf("SignedPayload: %v", err)
	}
	return &Entry{
		ID:        id,
		Manifest:  manifest,
		Change:    change,
		Author:    signer.PublicKey(),
		Resource:  oid(99),
		Signature: signer.Sign(payload),
		Parents:   parents,
	}
}

// counter is a trivial Cob: state is the number of entries folded in.
type counter struct {
	n int
}

func (c *counter) Init(root *Entry, repo CommitGraph) error {
	c.n = 1
	return nil
}

func (c *counter) Apply(entry *Entry, concurrent []*Entry, repo CommitGraph) error {
	c.n++
	return nil
}

func TestLoadVerifiesAndBuildsDag(t *testing.T) {
	_, sk, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	signer, err := crypto.NewMemorySigner(sk)
	if err != nil {
		t.Fatalf("NewMemorySigner: %v", err)
	}

	repo := newFakeRepo()
	root := signedEntry(t, signer, oid(1), []byte("init"), nil)
	child := signedEntry(t, signer, oid(2), []byte("update"), []git.Oid{oid(1)})
	repo.entries[oid(1)] = root
	repo.entries[oid(2)] = child
	repo.parent[oid(2)] = oid(1)

	dag, err := Load([]git.Oid{oid(2)}, repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if dag.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", dag.Len())
	}
	if !dag.HasDependency(oid(2), oid(1)) {
		t.Fatal("expected child to depend on root")
	}
}

func TestLoadRejectsTamperedSignature(t *testing.T) {
	_, sk, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	signer, err := crypto.NewMemorySigner(sk)
	if err != nil {
		t.Fatalf("NewMemorySigner: %v", err)
	}

	repo := newFakeRepo()
	root := signedEntry(t, signer, oid(1), []byte("init"), nil)
	root.Change = []byte("tampered")
	repo.entries[oid(1)] = root

	if _, err := Load([]git.Oid{oid(1)}, repo); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestEvaluateCountsEveryEntry(t *testing.T) {
	_, sk, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	signer, err := crypto.NewMemorySigner(sk)
	if err != nil {
		t.Fatalf("NewMemorySigner: %v", err)
	}

	repo := newFakeRepo()
	root := signedEntry(t, signer, oid(1), []byte("init"), nil)
	child := signedEntry(t, signer, oid(2), []byte("update"), []git.Oid{oid(1)})
	repo.entries[oid(1)] = root
	repo.entries[oid(2)] = child
	repo.parent[oid(2)] = oid(1)

	dag, err := Load([]git.Oid{oid(2)}, repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	c := &counter{}
	if err := Evaluate(dag, oid(1), c, repo); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if c.n != 2 {
		t.Fatalf("expected counter 2, got %d", c.n)
	}
}

func TestLoadObjectUsesCache(t *testing.T) {
	_, sk, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	signer, err := crypto.NewMemorySigner(sk)
	if err != nil {
		t.Fatalf("NewMemorySigner: %v", err)
	}

	repo := newFakeRepo()
	root := signedEntry(t, signer, oid(1), []byte("init"), nil)
	repo.entries[oid(1)] = root

	cache, err := NewCache(8)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	calls := 0
	newCounter := func() Cob {
		calls++
		return &counter{}
	}

	if _, err := LoadObject("rid1", oid(1), []git.Oid{oid(1)}, repo, cache, newCounter); err != nil {
		t.Fatalf("LoadObject: %v", err)
	}
	if _, err := LoadObject("rid1", oid(1), []git.Oid{oid(1)}, repo, cache, newCounter); err != nil {
		t.Fatalf("LoadObject (cached): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected newCob invoked once (cache hit second time), got %d", calls)
	}
}
