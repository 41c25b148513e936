package storage

import (
	"crypto/sha256"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sirupsen/logrus"

	"radicle-node/crypto"
	radgit "radicle-node/git"
	"radicle-node/identity"
	"radicle-node/internal/testutil"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	s, err := New(filepath.Join(t.TempDir(), "storage"), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func testRID(b byte) radgit.RepoId {
	var h [32]byte
	h[0] = b
	return radgit.NewRepoId(sha256.Sum256(h[:]))
}

func TestCreateAndReopenRepository(t *testing.T) {
	s := newTestStorage(t)
	rid := testRID(1)

	repo, err := s.Create(rid)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if repo.RID() != rid {
		t.Fatal("created repo has wrong rid")
	}

	if _, err := s.Create(rid); err == nil {
		t.Fatal("expected error creating duplicate repository")
	}

	reopened, err := s.Repository(rid)
	if err != nil {
		t.Fatalf("Repository: %v", err)
	}
	if reopened != repo {
		t.Fatal("expected cached repository instance to be reused")
	}
}

func TestRepositoryNotFound(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.Repository(testRID(2)); err == nil {
		t.Fatal("expected error opening nonexistent repository")
	}
}

func TestSignedRefsRoundTripAndUnchangedDetection(t *testing.T) {
	s := newTestStorage(t)
	rid := testRID(3)
	repo, err := s.Create(rid)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	pk, sk, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	signer, err := crypto.NewMemorySigner(sk)
	if err != nil {
		t.Fatalf("NewMemorySigner: %v", err)
	}

	name, err := radgit.ParseRefname("refs/heads/main")
	if err != nil {
		t.Fatalf("ParseRefname: %v", err)
	}
	tip := radgit.HashObject("blob", []byte("hello"))
	sr := crypto.Sign(signer, []crypto.RefTip{{Name: name, Oid: tip}})

	res1, err := repo.SaveSignedRefs(pk, sr)
	if err != nil {
		t.Fatalf("SaveSignedRefs: %v", err)
	}
	if !res1.Updated {
		t.Fatal("expected first save to be Updated")
	}

	got, err := repo.Remote(pk)
	if err != nil {
		t.Fatalf("Remote: %v", err)
	}
	if !got.Verify(pk) {
		t.Fatal("round-tripped signed refs should verify")
	}
	gotOid, ok := got.Lookup(name)
	if !ok || gotOid != tip {
		t.Fatalf("expected %s -> %s, got ok=%v oid=%s", name, tip, ok, gotOid)
	}

	res2, err := repo.SaveSignedRefs(pk, sr)
	if err != nil {
		t.Fatalf("SaveSignedRefs (idempotent): %v", err)
	}
	if res2.Updated {
		t.Fatal("expected second identical save to be Unchanged")
	}
}

func TestFetchLockExcludesConcurrentHolders(t *testing.T) {
	s := newTestStorage(t)
	rid := testRID(4)
	repo, err := s.Create(rid)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	unlock, err := repo.Lock(0)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := repo.Lock(50_000_000); err == nil {
		t.Fatal("expected second Lock to time out while first is held")
	}
	unlock()

	unlock2, err := repo.Lock(0)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	unlock2()
}

func TestIdentityDocRoundTripAndVisibility(t *testing.T) {
	s := newTestStorage(t)
	rid := testRID(5)
	repo, err := s.Create(rid)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	doc := &identity.Doc{
		Version:   1,
		Payload:   map[string]json.RawMessage{"xyz.radicle.project": json.RawMessage(`{"defaultBranch":"main"}`)},
		Delegates: []crypto.PublicKey{a},
		Threshold: 1,
		Visibility: identity.Visibility{Private: true, Allow: []crypto.PublicKey{a}},
	}

	if _, err := repo.SaveIdentityDoc(doc, nil); err != nil {
		t.Fatalf("SaveIdentityDoc: %v", err)
	}

	private, err := repo.IsPrivate()
	if err != nil {
		t.Fatalf("IsPrivate: %v", err)
	}
	if !private {
		t.Fatal("expected repository to report private")
	}

	got, err := repo.IdentityDoc()
	if err != nil {
		t.Fatalf("IdentityDoc: %v", err)
	}
	if len(got.Delegates) != 1 || got.Delegates[0] != a {
		t.Fatal("round-tripped document lost its delegate")
	}
}

// newSandboxStorage opens a Storage under a testutil.Sandbox rather than
// t.TempDir, exercising the object-database seam transport.FetchTransport
// is built against from outside a *testing.T-owned directory.
func newSandboxStorage(t *testing.T) (*Storage, *testutil.Sandbox) {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	s, err := New(sb.Path("storage"), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, sb
}

func TestObjectRoundTrip(t *testing.T) {
	s, _ := newSandboxStorage(t)
	rid := testRID(6)
	repo, err := s.Create(rid)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	content := []byte("hello, radicle")
	oid, err := repo.PutObject(plumbing.BlobObject, content)
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if !repo.HasObject(oid) {
		t.Fatal("expected HasObject to report the object just written")
	}

	unknown := radgit.HashObject("blob", []byte("never written"))
	if repo.HasObject(unknown) {
		t.Fatal("expected HasObject to report false for an unwritten oid")
	}

	kind, got, err := repo.ObjectContent(oid)
	if err != nil {
		t.Fatalf("ObjectContent: %v", err)
	}
	if kind != plumbing.BlobObject {
		t.Fatalf("expected blob object, got %v", kind)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}
