package identity

import (
	"encoding/json"
	"testing"

	"radicle-node/crypto"
	"radicle-node/git"
)

func genKey(t *testing.T) crypto.PublicKey {
	t.Helper()
	pk, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return pk
}

func TestRepoIDMatchesHashOfCanonicalBytes(t *testing.T) {
	a, b := genKey(t), genKey(t)
	doc := &Doc{
		Version:   1,
		Payload:   map[string]json.RawMessage{"xyz.radicle.project": json.RawMessage(`{"defaultBranch":"main"}`)},
		Delegates: []crypto.PublicKey{a, b},
		Threshold: 1,
	}
	rid, err := doc.RepoID()
	if err != nil {
		t.Fatalf("RepoID: %v", err)
	}
	bytes1, _ := doc.CanonicalBytes()
	bytes2, _ := doc.CanonicalBytes()
	if string(bytes1) != string(bytes2) {
		t.Fatal("canonical bytes should be deterministic")
	}
	rid2, _ := doc.RepoID()
	if rid != rid2 {
		t.Fatal("RepoID should be deterministic over identical canonical bytes")
	}
}

// fakeGraph is an in-memory CommitGraph for quorum tests: parents maps a
// commit to its immediate parent chain (linear, enough to express the
// scenarios in spec ยง8).
type fakeGraph struct {
	parent map[git.Oid]git.Oid // oid -> immediate parent (zero Oid if root)
}

func (g *fakeGraph) ancestors(o git.Oid) map[git.Oid]bool {
	out := map[git.Oid]bool{o: true}
	for {
		p, ok := g.parent[o]
		if !ok || p.IsZero() {
			break
		}
		out[p] = true
		o = p
	}
	return out
}

func (g *fakeGraph) MergeBase(a, b git.Oid) (git.Oid, error) {
	aa := g.ancestors(a)
	for o := b; ; {
		if aa[o] {
			return o, nil
		}
		p, ok := g.parent[o]
		if !ok || p.IsZero() {
			return git.Oid{}, nil
		}
		o = p
	}
}

func oidFrom(b byte) git.Oid {
	var o git.Oid
	o[0] = b
	return o
}

func TestCanonicalHeadQuorum(t *testing.T) {
	// spec ยง8 scenario 6: delegates {A,B,C}, threshold=2, tips A:X B:X
	// C:Y with merge_base(X,Y)=B0; canonical head = X.
	x, y, b0 := oidFrom(1), oidFrom(2), oidFrom(3)
	graph := &fakeGraph{parent: map[git.Oid]git.Oid{x: b0, y: b0}}

	a, b, c := genKey(t), genKey(t), genKey(t)
	tips := map[crypto.PublicKey]git.Oid{a: x, b: x, c: y}

	head, err := CanonicalHead(tips, 2, graph)
	if err != nil {
		t.Fatalf("CanonicalHead: %v", err)
	}
	if head != x {
		t.Fatalf("expected canonical head %v, got %v", x, head)
	}
}

func TestCanonicalHeadNoQuorumOnDivergence(t *testing.T) {
	// spec ยง8 scenario 6: pairwise disjoint histories -> NoQuorum.
	x, y, z := oidFrom(1), oidFrom(2), oidFrom(3)
	graph := &fakeGraph{parent: map[git.Oid]git.Oid{}} // no shared ancestry

	a, b, c := genKey(t), genKey(t), genKey(t)
	tips := map[crypto.PublicKey]git.Oid{a: x, b: y, c: z}

	if _, err := CanonicalHead(tips, 2, graph); err != ErrNoQuorum {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
}

func TestMigrateV1ToV2Preserves(t *testing.T) {
	a, b := genKey(t), genKey(t)
	v1 := &Doc{
		Version:   1,
		Payload:   map[string]json.RawMessage{"xyz.radicle.project": json.RawMessage(`{"defaultBranch":"main"}`)},
		Delegates: []crypto.PublicKey{a, b},
		Threshold: 2,
	}
	v2, err := MigrateV1ToV2(v1)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rule, ok := v2.CanonicalRefs["refs/heads/main"]
	if !ok {
		t.Fatal("expected synthesized rule for refs/heads/main")
	}
	if rule.Threshold != v1.Threshold {
		t.Fatalf("expected migrated threshold %d, got %d", v1.Threshold, rule.Threshold)
	}

	// spec ยง8: migrating v1 -> v2 and then computing the canonical
	// default-branch quorum yields the same head as v1 semantics would
	// with the same delegates and threshold. Since CanonicalHead takes
	// threshold directly, this holds by construction as long as the
	// synthesized rule carries the same threshold and delegate set,
	// which we just asserted.
	if len(v2.Delegates) != len(v1.Delegates) {
		t.Fatal("delegate set must be preserved across migration")
	}
}

func TestMigrateV1ToV2RequiresDefaultBranch(t *testing.T) {
	a := genKey(t)
	v1 := &Doc{Version: 1, Payload: map[string]json.RawMessage{}, Delegates: []crypto.PublicKey{a}, Threshold: 1}
	if _, err := MigrateV1ToV2(v1); err == nil {
		t.Fatal("expected error when payload lacks project default branch")
	}
}
