package fetch

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"radicle-node/crypto"
	"radicle-node/git"
)

func testOid(b byte) git.Oid {
	sum := sha256.Sum256([]byte{b})
	var oid git.Oid
	copy(oid[:], sum[:20])
	return oid
}

func testRID(b byte) git.RepoId {
	var h [32]byte
	h[0] = b
	return git.NewRepoId(sha256.Sum256(h[:]))
}

type fakeODB struct {
	refs    map[git.Refname]git.Oid
	objects map[git.Oid]bool
}

func (f *fakeODB) LocalRef(name git.Refname) (git.Oid, bool) {
	o, ok := f.refs[name]
	return o, ok
}

func (f *fakeODB) HasObject(oid git.Oid) bool { return f.objects[oid] }

func TestComputeWantsHavesKnownRefDivergent(t *testing.T) {
	have := testOid(1)
	tip := testOid(2)
	odb := &fakeODB{refs: map[git.Refname]git.Oid{"refs/heads/main": have}, objects: map[git.Oid]bool{}}
	ads := []RefAd{{Name: "refs/heads/main", Tip: tip}}

	wh := ComputeWantsHaves(ads, odb)
	if len(wh.Wants) != 1 || wh.Wants[0] != tip {
		t.Fatalf("expected tip to be wanted, got %v", wh.Wants)
	}
	if len(wh.Haves) != 1 || wh.Haves[0] != have {
		t.Fatalf("expected have to be recorded, got %v", wh.Haves)
	}
}

func TestComputeWantsHavesKnownRefAlreadyCurrent(t *testing.T) {
	same := testOid(3)
	odb := &fakeODB{refs: map[git.Refname]git.Oid{"refs/heads/main": same}, objects: map[git.Oid]bool{}}
	ads := []RefAd{{Name: "refs/heads/main", Tip: same}}

	wh := ComputeWantsHaves(ads, odb)
	if len(wh.Wants) != 0 {
		t.Fatalf("expected no want for a tip equal to our have, got %v", wh.Wants)
	}
}

func TestComputeWantsHavesUnknownRefAlreadyInODB(t *testing.T) {
	tip := testOid(4)
	odb := &fakeODB{refs: map[git.Refname]git.Oid{}, objects: map[git.Oid]bool{tip: true}}
	ads := []RefAd{{Name: "refs/heads/feature", Tip: tip}}

	wh := ComputeWantsHaves(ads, odb)
	if len(wh.Wants) != 0 {
		t.Fatalf("expected no want for an object already present, got %v", wh.Wants)
	}
}

func TestComputeWantsHavesUnknownRefMissing(t *testing.T) {
	tip := testOid(5)
	odb := &fakeODB{refs: map[git.Refname]git.Oid{}, objects: map[git.Oid]bool{}}
	ads := []RefAd{{Name: "refs/heads/feature", Tip: tip}}

	wh := ComputeWantsHaves(ads, odb)
	if len(wh.Wants) != 1 || wh.Wants[0] != tip {
		t.Fatalf("expected tip to be wanted, got %v", wh.Wants)
	}
}

type fakeTransport struct {
	mu     sync.Mutex
	locked map[git.RepoId]bool
	fail   error
}

func (f *fakeTransport) Advertise(ctx context.Context, job Job) ([]RefAd, error) {
	return []RefAd{{Name: "refs/heads/main", Tip: testOid(9)}}, nil
}

func (f *fakeTransport) FetchPack(ctx context.Context, job Job, wh WantsHaves) ([]RefUpdate, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return []RefUpdate{{Name: "refs/heads/main", Old: git.ZeroOid, New: testOid(9)}}, nil
}

func (f *fakeTransport) ObjectDB(job Job) (ObjectDB, error) {
	return &fakeODB{refs: map[git.Refname]git.Oid{}, objects: map[git.Oid]bool{}}, nil
}

func (f *fakeTransport) Lock(job Job) (func(), error) {
	f.mu.Lock()
	if f.locked == nil {
		f.locked = make(map[git.RepoId]bool)
	}
	f.locked[job.RepoID] = true
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.locked, job.RepoID)
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) Verify(job Job, updates []RefUpdate) error { return nil }

type recordingSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *recordingSink) Emit(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func genID(t *testing.T) crypto.PublicKey {
	t.Helper()
	pk, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return pk
}

func TestSchedulerRunsJobAndReportsResult(t *testing.T) {
	transport := &fakeTransport{}
	sink := &recordingSink{}
	s := NewScheduler(2, transport, sink, nil)
	defer s.Stop(time.Second)

	remote := genID(t)
	if err := s.Enqueue(testRID(1), []crypto.PublicKey{remote}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.len() == 1 {
			if sink.results[0].Err != nil {
				t.Fatalf("unexpected error: %v", sink.results[0].Err)
			}
			if len(sink.results[0].Updates) != 1 {
				t.Fatalf("expected 1 ref update, got %v", sink.results[0].Updates)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for job result")
}

func TestSchedulerRejectsEmptySeeds(t *testing.T) {
	s := NewScheduler(1, &fakeTransport{}, &recordingSink{}, nil)
	defer s.Stop(time.Second)
	err := s.Enqueue(testRID(2), nil)
	fetchErr, ok := err.(*Error)
	if !ok || fetchErr.Kind != ErrKindNoSeeds {
		t.Fatalf("expected ErrKindNoSeeds, got %v", err)
	}
}
