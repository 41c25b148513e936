package git

import (
	"fmt"
	"strings"
)

// Refname is a qualified git reference name: three-or-more components
// under "refs/", optionally namespaced by a node id (spec ยง3).
type Refname string

// ErrInvalidRefname is returned by ParseRefname when a refname has fewer
// than three slash-separated components or does not start with "refs/".
var ErrInvalidRefname = fmt.Errorf("git: refname must have at least 3 components under refs/")

// ParseRefname validates a refname against spec ยง3's qualified-refname
// rule. It does not attempt full git refname validation (control
// characters, ".." traversal, etc.) — that is delegated to the storage
// backend at write time.
func ParseRefname(s string) (Refname, error) {
	if !strings.HasPrefix(s, "refs/") {
		return "", ErrInvalidRefname
	}
	if len(strings.Split(s, "/")) < 3 {
		return "", ErrInvalidRefname
	}
	return Refname(s), nil
}

// Namespaced returns "refs/namespaces/<nid>/<r>", stripping a leading
// "refs/" from r since the namespace prefix re-adds it.
func (r Refname) Namespaced(nid PublicKeyStringer) Refname {
	suffix := strings.TrimPrefix(string(r), "refs/")
	return Refname(fmt.Sprintf("refs/namespaces/%s/%s", nid.String(), suffix))
}

// PublicKeyStringer is satisfied by crypto.PublicKey; declared here
// (rather than importing package crypto) to keep git dependency-free, per
// the package's role as the lowest layer in the module.
type PublicKeyStringer interface {
	String() string
}

// String returns the refname as a plain string.
func (r Refname) String() string { return string(r) }

// IsNamespaced reports whether r begins with "refs/namespaces/".
func (r Refname) IsNamespaced() bool {
	return strings.HasPrefix(string(r), "refs/namespaces/")
}

// SignatureRef is the well-known ref under which a namespace's SignedRefs
// tree is stored (spec ยง3, ยง6.2).
func SignatureRef(nid PublicKeyStringer) Refname {
	return Refname(fmt.Sprintf("refs/namespaces/%s/radicle/signature", nid.String()))
}

// CobRef is the well-known ref for a collaborative object of the given
// type and id, within a contributor's namespace (spec ยง4.4).
func CobRef(typeName string, objectID Oid) Refname {
	return Refname(fmt.Sprintf("refs/cobs/%s/%s", typeName, objectID))
}
