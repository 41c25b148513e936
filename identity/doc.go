// Package identity implements the versioned identity document (spec ยง3,
// ยง6.3): delegate set, threshold/quorum rules, visibility, and the
// canonical-ref rules used to compute a repository's canonical default
// branch and other protected refs.
package identity

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"radicle-node/crypto"
	"radicle-node/git"
)

// MaxDelegates bounds the delegate list (spec ยง3: "delegate list (1..=MAX_DELEGATES)").
const MaxDelegates = 255

// Visibility is either public or private with an explicit allow-set.
type Visibility struct {
	Private bool
	Allow   []crypto.PublicKey // only meaningful when Private
}

// CanonicalRefRule selects a refname pattern's allowed signer subset and
// quorum threshold (spec ยง4.3, v2 documents only).
type CanonicalRefRule struct {
	Allowed   string // currently only "delegates" per spec ยง4.3
	Threshold int
}

// Doc is a versioned identity document. Version 1 documents carry a
// single implicit rule over the project default branch; version 2
// documents carry an explicit CanonicalRefs.Rules map (spec ยง3).
type Doc struct {
	Version      int
	Payload      map[string]json.RawMessage
	Delegates    []crypto.PublicKey
	Threshold    int // v1 only; v2 documents must have an empty/zero value here
	CanonicalRefs map[string]CanonicalRefRule // v2 only; nil for v1
	Visibility   Visibility
}

// ErrInvalidDoc is returned by Validate when a document violates one of
// the structural invariants in spec ยง3.
type ErrInvalidDoc struct{ Reason string }

func (e *ErrInvalidDoc) Error() string { return "identity: invalid document: " + e.Reason }

// Validate checks the structural invariants spec ยง3 places on every
// document: 1..=MAX_DELEGATES delegates, threshold in 1..=len(delegates).
func (d *Doc) Validate() error {
	if len(d.Delegates) < 1 || len(d.Delegates) > MaxDelegates {
		return &ErrInvalidDoc{Reason: fmt.Sprintf("delegate count %d out of range [1,%d]", len(d.Delegates), MaxDelegates)}
	}
	switch d.Version {
	case 1:
		if d.Threshold < 1 || d.Threshold > len(d.Delegates) {
			return &ErrInvalidDoc{Reason: fmt.Sprintf("threshold %d out of range [1,%d]", d.Threshold, len(d.Delegates))}
		}
	case 2:
		if len(d.CanonicalRefs) == 0 {
			return &ErrInvalidDoc{Reason: "v2 document has no canonicalRefs rules"}
		}
		for pattern, rule := range d.CanonicalRefs {
			if rule.Threshold < 1 || rule.Threshold > len(d.Delegates) {
				return &ErrInvalidDoc{Reason: fmt.Sprintf("rule %q threshold %d out of range", pattern, rule.Threshold)}
			}
			if rule.Allowed != "delegates" {
				return &ErrInvalidDoc{Reason: fmt.Sprintf("rule %q has unsupported allowed set %q", pattern, rule.Allowed)}
			}
		}
	default:
		return &ErrInvalidDoc{Reason: fmt.Sprintf("unsupported document version %d", d.Version)}
	}
	return nil
}

// canonicalMap builds the sorted-key, whitespace-free JSON tree described
// in spec ยง6.3. encoding/json already sorts map[string]any keys
// alphabetically when marshaling and never inserts insignificant
// whitespace, so building the document as nested maps and calling
// json.Marshal is sufficient to get CJSON-equivalent output.
func (d *Doc) canonicalMap() map[string]any {
	delegates := make([]string, len(d.Delegates))
	for i, pk := range d.Delegates {
		delegates[i] = pk.String()
	}
	sort.Strings(delegates)

	out := map[string]any{
		"version":   d.Version,
		"payload":   d.Payload,
		"delegates": delegates,
	}

	if d.Version == 1 {
		out["threshold"] = d.Threshold
	} else {
		rules := make(map[string]any, len(d.CanonicalRefs))
		for pattern, rule := range d.CanonicalRefs {
			rules[pattern] = map[string]any{
				"allowed":   rule.Allowed,
				"threshold": rule.Threshold,
			}
		}
		out["canonicalRefs"] = map[string]any{"rules": rules}
	}

	if d.Visibility.Private {
		allow := make([]string, len(d.Visibility.Allow))
		for i, pk := range d.Visibility.Allow {
			allow[i] = pk.String()
		}
		sort.Strings(allow)
		out["visibility"] = map[string]any{"type": "private", "allow": allow}
	} else {
		out["visibility"] = "public"
	}
	return out
}

// CanonicalBytes returns the CJSON encoding of the document: sorted
// keys, no insignificant whitespace (spec ยง6.3).
func (d *Doc) CanonicalBytes() ([]byte, error) {
	b, err := json.Marshal(d.canonicalMap())
	if err != nil {
		return nil, fmt.Errorf("identity: canonicalize: %w", err)
	}
	return b, nil
}

// RepoID computes `RepoId = multibase(hash(canonical_bytes(root_doc)))`
// (spec ยง3, ยง6.3). Only meaningful for the document that was a
// repository's very first revision — RepoId is stable across subsequent
// revisions, which are tracked by Oid, not recomputed.
func (d *Doc) RepoID() (git.RepoId, error) {
	b, err := d.CanonicalBytes()
	if err != nil {
		return git.RepoId{}, err
	}
	return git.NewRepoId(sha256.Sum256(b)), nil
}

// docWire mirrors canonicalMap's shape for decoding: encoding/json cannot
// unmarshal directly into canonicalMap's `any`-typed tree in a way that
// recovers typed delegates and rules, so ParseDoc uses this intermediate
// representation instead.
type docWire struct {
	Version       int                        `json:"version"`
	Payload       map[string]json.RawMessage `json:"payload"`
	Delegates     []string                   `json:"delegates"`
	Threshold     int                        `json:"threshold"`
	CanonicalRefs *struct {
		Rules map[string]CanonicalRefRule `json:"rules"`
	} `json:"canonicalRefs"`
	Visibility json.RawMessage `json:"visibility"`
}

// ParseDoc decodes the CJSON produced by CanonicalBytes back into a Doc.
func ParseDoc(b []byte) (*Doc, error) {
	var w docWire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("identity: parse document: %w", err)
	}

	delegates := make([]crypto.PublicKey, len(w.Delegates))
	for i, s := range w.Delegates {
		pk, err := crypto.ParseNodeID(s)
		if err != nil {
			return nil, fmt.Errorf("identity: parse delegate %q: %w", s, err)
		}
		delegates[i] = pk
	}

	d := &Doc{
		Version:   w.Version,
		Payload:   w.Payload,
		Delegates: delegates,
		Threshold: w.Threshold,
	}
	if w.CanonicalRefs != nil {
		d.CanonicalRefs = w.CanonicalRefs.Rules
	}

	var vis string
	if err := json.Unmarshal(w.Visibility, &vis); err == nil && vis == "public" {
		d.Visibility = Visibility{Private: false}
	} else {
		var priv struct {
			Type  string   `json:"type"`
			Allow []string `json:"allow"`
		}
		if err := json.Unmarshal(w.Visibility, &priv); err != nil {
			return nil, fmt.Errorf("identity: parse visibility: %w", err)
		}
		allow := make([]crypto.PublicKey, len(priv.Allow))
		for i, s := range priv.Allow {
			pk, err := crypto.ParseNodeID(s)
			if err != nil {
				return nil, fmt.Errorf("identity: parse visibility allow entry %q: %w", s, err)
			}
			allow[i] = pk
		}
		d.Visibility = Visibility{Private: true, Allow: allow}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// HasDelegate reports whether pk is one of the document's delegates.
func (d *Doc) HasDelegate(pk crypto.PublicKey) bool {
	for _, dk := range d.Delegates {
		if dk == pk {
			return true
		}
	}
	return false
}
