// Package fetch implements the fetch job scheduler and worker pool (spec
// §4.10): a bounded pool of goroutines, each leasing one peer stream at a
// time to run a simulated smart-v2 ls-refs/fetch exchange, validate the
// resulting pack, and report completion back to the service over a result
// channel. Modeled on the teacher's core/fault_tolerance.go HealthChecker:
// an injected interface (Transport here, Pinger there) decouples the
// scheduling loop from the actual I/O, and a ticker-driven goroutine pool
// fans work out with a sync.WaitGroup.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"radicle-node/crypto"
	"radicle-node/git"
)

// DefaultTimeout is the default per-fetch deadline (spec §4.10: "Timeout
// (default 9s)").
const DefaultTimeout = 9 * time.Second

// RefPrefixes are the namespaces requested by ls-refs (spec §4.10 step 2).
var RefPrefixes = []string{"refs/rad/", "refs/cobs/", "refs/heads/", "refs/tags/", "refs/namespaces/"}

// ErrorKind tags which FetchError variant occurred (spec §4.10).
type ErrorKind int

const (
	ErrKindValidation ErrorKind = iota
	ErrKindTransport
	ErrKindTimeout
	ErrKindNoSeeds
)

// Error is the FetchError taxonomy (spec §4.10).
type Error struct {
	Kind    ErrorKind
	Reasons []string
	Cause   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrKindValidation:
		return fmt.Sprintf("fetch: validation failed: %v", e.Reasons)
	case ErrKindTimeout:
		return "fetch: timed out"
	case ErrKindNoSeeds:
		return "fetch: no seeds available"
	default:
		return fmt.Sprintf("fetch: transport error: %v", e.Cause)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// RefAd is one advertised (name, tip) pair returned by a responder's
// ls-refs (spec §4.10 step 2).
type RefAd struct {
	Name git.Refname
	Tip  git.Oid
}

// WantsHaves is the result of comparing an ls-refs advertisement against
// local state (spec §4.10 step 3).
type WantsHaves struct {
	Wants []git.Oid
	Haves []git.Oid
}

// ObjectDB is the narrow view of local object storage WantsHaves needs:
// whether a ref is known locally and what it points to, and whether an Oid
// is already present in the object database.
type ObjectDB interface {
	LocalRef(name git.Refname) (git.Oid, bool)
	HasObject(oid git.Oid) bool
}

// ComputeWantsHaves implements spec §4.10 step 3 exactly: for each
// advertised (name, tip), if we have `name` locally with Oid `have`, `have`
// is marked as a have and `tip` is marked want iff `tip != have` and `tip`
// is not already in our ODB; if `name` is unknown, `tip` is want iff not in
// our ODB.
func ComputeWantsHaves(ads []RefAd, odb ObjectDB) WantsHaves {
	var wh WantsHaves
	seenWant := make(map[git.Oid]bool)
	seenHave := make(map[git.Oid]bool)
	for _, ad := range ads {
		have, known := odb.LocalRef(ad.Name)
		if known {
			if !seenHave[have] {
				wh.Haves = append(wh.Haves, have)
				seenHave[have] = true
			}
			if ad.Tip != have && !odb.HasObject(ad.Tip) && !seenWant[ad.Tip] {
				wh.Wants = append(wh.Wants, ad.Tip)
				seenWant[ad.Tip] = true
			}
			continue
		}
		if !odb.HasObject(ad.Tip) && !seenWant[ad.Tip] {
			wh.Wants = append(wh.Wants, ad.Tip)
			seenWant[ad.Tip] = true
		}
	}
	return wh
}

// RefUpdate describes one ref's movement after a fetch (spec §4.10:
// "RefsFetched event... listing RefUpdate{name, old, new} deltas").
type RefUpdate struct {
	Name git.Refname
	Old  git.Oid
	New  git.Oid
}

// Result is delivered on a Job's result channel on completion (spec §5:
// "completion is reported to the service via a result channel").
type Result struct {
	RepoID  git.RepoId
	Remote  crypto.PublicKey
	Updates []RefUpdate
	Err     error
}

// Direction records which side of the exchange a worker plays (spec
// §4.10).
type Direction int

const (
	DirectionInitiator Direction = iota
	DirectionResponder
)

// Job is one unit of fetch work: transfer objects for (RepoID, Remote)
// over a leased peer stream (spec glossary: "Fetch job").
type Job struct {
	RepoID    git.RepoId
	Remote    crypto.PublicKey
	Direction Direction
}

// Transport performs the ls-refs/fetch exchange for one job; its
// concrete implementation is transport.FetchTransport, since it needs the
// real peer stream and storage.Repository access that this package must
// not import directly (storage already
// depends on cob and identity; fetch stays a leaf so node can wire
// everything together without a cycle).
type Transport interface {
	// Advertise performs the handshake + ls-refs leg and returns the
	// responder's advertised refs.
	Advertise(ctx context.Context, job Job) ([]RefAd, error)
	// FetchPack sends `fetch` for wh and writes the resulting pack into the
	// repository's object database, returning the ref deltas observed.
	FetchPack(ctx context.Context, job Job, wh WantsHaves) ([]RefUpdate, error)
	// ObjectDB returns the local object view used to compute WantsHaves for
	// job's repository.
	ObjectDB(job Job) (ObjectDB, error)
	// Lock acquires job's repository's advisory fetch lock for the
	// duration of the fetch (spec §5: "concurrent fetches on the same rid
	// are queued").
	Lock(job Job) (unlock func(), err error)
	// Verify re-verifies signed-refs, identity head and canonical head
	// after a successful fetch (spec §4.10: "signed-refs... re-verified;
	// identity head is recomputed; canonical head is recomputed").
	Verify(job Job, updates []RefUpdate) error
}

// EventSink receives RefsFetched-equivalent notifications; node wiring
// satisfies it with node.reactorSink, which hands each Result to
// reactor.Reactor.EmitFetchResult as a concrete reactor.Event.
type EventSink interface {
	Emit(result Result)
}

// Scheduler is a bounded pool of fetch workers (spec §5: "a pool of worker
// threads each handle one fetch at a time").
type Scheduler struct {
	transport Transport
	sink      EventSink
	log       *logrus.Logger
	timeout   time.Duration

	jobs chan Job

	wg sync.WaitGroup
}

// NewScheduler starts workers goroutines pulling from an internal job
// queue.
func NewScheduler(workers int, transport Transport, sink EventSink, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		transport: transport,
		sink:      sink,
		log:       log,
		timeout:   DefaultTimeout,
		jobs:      make(chan Job, 256),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
	return s
}

// SetTransport attaches (or replaces) the Transport workers pull jobs
// through. Node wiring constructs the Scheduler before the transport
// Host exists (the Host's fetch handler needs storage, which is wired up
// alongside the Scheduler) and closes the cycle here once both are
// ready; safe only before any job has been enqueued.
func (s *Scheduler) SetTransport(t Transport) {
	s.transport = t
}

// Enqueue implements service.FetchScheduler: queue one fetch job of rid
// per entry in seeds (spec §4.10 treats one job as one (rid, remote)
// pair). A job that finds the queue full is dropped with a warning.
func (s *Scheduler) Enqueue(rid git.RepoId, seeds []crypto.PublicKey) error {
	if len(seeds) == 0 {
		return &Error{Kind: ErrKindNoSeeds}
	}
	for _, remote := range seeds {
		select {
		case s.jobs <- Job{RepoID: rid, Remote: remote, Direction: DirectionInitiator}:
		default:
			s.log.WithField("rid", rid).Warn("fetch: job queue full, dropping request")
		}
	}
	return nil
}

// Stop closes the job queue and waits for in-flight workers to drain,
// mirroring spec §5's shutdown sequence ("joins worker threads with a
// bounded timeout").
func (s *Scheduler) Stop(timeout time.Duration) {
	close(s.jobs)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("fetch: worker shutdown timed out, abandoning stragglers")
	}
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for job := range s.jobs {
		s.run(job)
	}
}

func (s *Scheduler) run(job Job) {
	result := Result{RepoID: job.RepoID, Remote: job.Remote}

	unlock, err := s.transport.Lock(job)
	if err != nil {
		result.Err = &Error{Kind: ErrKindTransport, Cause: err}
		s.report(result)
		return
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	ads, err := s.transport.Advertise(ctx, job)
	if err != nil {
		result.Err = classify(ctx, err)
		s.report(result)
		return
	}

	odb, err := s.transport.ObjectDB(job)
	if err != nil {
		result.Err = &Error{Kind: ErrKindTransport, Cause: err}
		s.report(result)
		return
	}
	wh := ComputeWantsHaves(ads, odb)

	updates, err := s.transport.FetchPack(ctx, job, wh)
	if err != nil {
		result.Err = classify(ctx, err)
		s.report(result)
		return
	}

	if err := s.transport.Verify(job, updates); err != nil {
		result.Err = &Error{Kind: ErrKindValidation, Reasons: []string{err.Error()}}
		s.report(result)
		return
	}

	result.Updates = updates
	s.report(result)
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: ErrKindTimeout, Cause: err}
	}
	return &Error{Kind: ErrKindTransport, Cause: err}
}

func (s *Scheduler) report(r Result) {
	if r.Err != nil {
		s.log.WithError(r.Err).WithField("rid", r.RepoID).WithField("remote", r.Remote).Warn("fetch: job failed")
	}
	if s.sink != nil {
		s.sink.Emit(r)
	}
}
