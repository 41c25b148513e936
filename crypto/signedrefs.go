package crypto

import (
	"bytes"
	"fmt"
	"sort"

	"radicle-node/git"
)

// RefTip pairs a refname with the object id it currently points at.
type RefTip struct {
	Name git.Refname
	Oid  git.Oid
}

// SignedRefs is a cryptographic snapshot of a namespace's refs (spec ยง3,
// ยง6.2): a `{refname -> Oid}` mapping plus a signature over its canonical
// serialisation. The signature ref itself (refs/namespaces/<nid>/radicle
// /signature) is always excluded from the map, since signing it would be
// self-referential.
type SignedRefs struct {
	Refs      []RefTip
	Signature Signature
}

// Canonical returns the line-sorted `<hex oid> <refname>\n` serialisation
// that is actually signed (spec ยง6.2). Sorting by refname makes the
// encoding deterministic regardless of map iteration order, which is
// required for signatures to be reproducible and comparable across peers.
func Canonical(refs []RefTip) []byte {
	sorted := make([]RefTip, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	for _, r := range sorted {
		fmt.Fprintf(&buf, "%s %s\n", r.Oid, r.Name)
	}
	return buf.Bytes()
}

// Sign produces a SignedRefs for refs, signed by signer.
func Sign(signer Signer, refs []RefTip) SignedRefs {
	canonical := Canonical(refs)
	return SignedRefs{
		Refs:      refs,
		Signature: signer.Sign(canonical),
	}
}

// Verify checks that sr.Signature verifies against nid over sr's
// canonical serialisation. Per spec ยง3 this check is mandatory at every
// load: a SignedRefs value must never be trusted unverified.
func (sr SignedRefs) Verify(nid PublicKey) bool {
	return Verify(nid, Canonical(sr.Refs), sr.Signature)
}

// Lookup returns the Oid for name, if present.
func (sr SignedRefs) Lookup(name git.Refname) (git.Oid, bool) {
	for _, r := range sr.Refs {
		if r.Name == name {
			return r.Oid, true
		}
	}
	return git.Oid{}, false
}
