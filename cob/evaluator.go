package cob

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"

	"radicle-node/git"
)

// CommitGraph is the minimal git query surface entry concurrency
// computation needs. storage.Repository implements it; cob depends only
// on the interface, matching identity's CommitGraph seam.
type CommitGraph interface {
	MergeBase(a, b git.Oid) (git.Oid, error)
	IsAncestor(a, b git.Oid) (bool, error)
}

// Cob is the evaluation contract every collaborative-object type
// implements (spec §4.4): built-in types satisfy it directly in Go;
// ExternalEvaluator adapts an out-of-process helper to the same
// interface.
type Cob interface {
	// Init seeds state from the object's root entry.
	Init(root *Entry, repo CommitGraph) error
	// Apply folds entry into state, given the entries concurrent to it
	// (neither ancestor nor descendant of entry, per the DAG).
	Apply(entry *Entry, concurrent []*Entry, repo CommitGraph) error
}

// ExternalEvaluator adapts a subprocess helper to the Cob interface using
// the JSON-Lines protocol from spec §4.4: for each operation the node
// writes `{value, op, concurrent}` and reads back the new `value`. The
// helper is invoked once per Init/Apply call (spec: "Helpers are invoked
// per object application"), the way the teacher shells out to `wat2wasm`
// per compile in core/contracts.go rather than keeping a long-lived
// process.
type ExternalEvaluator struct {
	// Path is the helper executable. Args are passed verbatim; the
	// operation payload always arrives on stdin.
	Path string
	Args []string

	value json.RawMessage
}

type helperOp struct {
	Op         string            `json:"op"` // "init" or "apply"
	Value      json.RawMessage   `json:"value"`
	Entry      json.RawMessage   `json:"entry,omitempty"`
	Concurrent []json.RawMessage `json:"concurrent,omitempty"`
}

type helperResult struct {
	Value json.RawMessage `json:"value"`
}

func entryToJSON(e *Entry) json.RawMessage {
	b, _ := json.Marshal(struct {
		ID       string `json:"id"`
		Manifest Manifest
		Change   []byte `json:"change"`
		Author   string `json:"author"`
		Resource string `json:"resource"`
	}{
		ID:       e.ID.String(),
		Manifest: e.Manifest,
		Change:   e.Change,
		Author:   e.Author.String(),
		Resource: e.Resource.String(),
	})
	return b
}

func (e *ExternalEvaluator) invoke(op helperOp) (json.RawMessage, error) {
	cmd := exec.Command(e.Path, e.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("cob: external evaluator stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cob: external evaluator stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cob: start external evaluator %s: %w", e.Path, err)
	}

	enc := json.NewEncoder(stdin)
	if err := enc.Encode(op); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("cob: write evaluator request: %w", err)
	}
	stdin.Close()

	reader := bufio.NewReader(stdout)
	line, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("cob: read evaluator response: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("cob: external evaluator %s: %w", e.Path, err)
	}

	var res helperResult
	if err := json.Unmarshal(line, &res); err != nil {
		return nil, fmt.Errorf("cob: decode evaluator response: %w", err)
	}
	return res.Value, nil
}

// Init implements Cob.
func (e *ExternalEvaluator) Init(root *Entry, _ CommitGraph) error {
	value, err := e.invoke(helperOp{Op: "init", Entry: entryToJSON(root)})
	if err != nil {
		return err
	}
	e.value = value
	return nil
}

// Apply implements Cob.
func (e *ExternalEvaluator) Apply(entry *Entry, concurrent []*Entry, _ CommitGraph) error {
	concurrentJSON := make([]json.RawMessage, len(concurrent))
	for i, c := range concurrent {
		concurrentJSON[i] = entryToJSON(c)
	}
	value, err := e.invoke(helperOp{
		Op:         "apply",
		Value:      e.value,
		Entry:      entryToJSON(entry),
		Concurrent: concurrentJSON,
	})
	if err != nil {
		return err
	}
	e.value = value
	return nil
}

// Value returns the helper's latest JSON-encoded state.
func (e *ExternalEvaluator) Value() json.RawMessage { return e.value }
