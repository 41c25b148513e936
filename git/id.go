// Package git defines the minimal git-level value types — object ids,
// repository ids and qualified refnames — shared by every other package.
// It intentionally does not implement a git object database: per spec
// ยง1 ("Git plumbing beyond the contracts this spec relies on") that is
// treated as an external contract. storage.Repository is the seam where a
// real implementation (go-git) is plugged in.
package git

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
)

// OidSize is the length in bytes of a SHA-1 git object id. The wire codec
// length-prefixes every Oid (spec ยง3) so the hash width can grow later
// without a protocol version bump.
const OidSize = sha1.Size

// Oid is a git object id.
type Oid [OidSize]byte

// ZeroOid is the all-zero object id, used to represent "ref does not exist".
var ZeroOid Oid

// ParseOid decodes a raw byte slice into an Oid.
func ParseOid(b []byte) (Oid, error) {
	var oid Oid
	if len(b) != OidSize {
		return oid, fmt.Errorf("git: invalid oid length %d", len(b))
	}
	copy(oid[:], b)
	return oid, nil
}

// ParseHexOid decodes a hex-encoded Oid, as found in signed-refs blobs.
func ParseHexOid(s string) (Oid, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Oid{}, fmt.Errorf("git: invalid hex oid %q: %w", s, err)
	}
	return ParseOid(b)
}

// String renders the Oid as lowercase hex.
func (o Oid) String() string { return hex.EncodeToString(o[:]) }

// IsZero reports whether o is the zero Oid.
func (o Oid) IsZero() bool { return o == ZeroOid }

// HashObject computes the Oid of a git object of the given kind (e.g.
// "blob") and content, using the canonical "<kind> <len>\0<content>"
// framing so values are content addressed the same way git itself
// addresses them.
func HashObject(kind string, content []byte) Oid {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(content))
	h.Write(content)
	var oid Oid
	copy(oid[:], h.Sum(nil))
	return oid
}

// RepoId is the content hash of a repository's initial identity document
// (spec ยง3), rendered as a multibase string. Unlike Oid it is not a git
// object id — it is computed once at repo creation and never changes.
type RepoId struct {
	hash [32]byte // sha256 over the canonical initial document bytes
}

// NewRepoId wraps a 32-byte content hash.
func NewRepoId(hash [32]byte) RepoId { return RepoId{hash: hash} }

// Bytes returns the raw 32-byte hash.
func (r RepoId) Bytes() []byte { return r.hash[:] }

// String renders the RepoId as "rad:" + multibase base58btc, following
// the did:key rendering convention used for node ids (spec ยง6.3).
func (r RepoId) String() string {
	enc, err := multibase.Encode(multibase.Base58BTC, r.hash[:])
	if err != nil {
		return "rad:" + hex.EncodeToString(r.hash[:])
	}
	return "rad:" + enc
}

// ParseRepoId parses the "rad:<multibase>" form back into a RepoId.
func ParseRepoId(s string) (RepoId, error) {
	const prefix = "rad:"
	if !strings.HasPrefix(s, prefix) {
		return RepoId{}, fmt.Errorf("git: not a repo id: %q", s)
	}
	_, data, err := multibase.Decode(s[len(prefix):])
	if err != nil {
		return RepoId{}, fmt.Errorf("git: multibase decode: %w", err)
	}
	if len(data) != 32 {
		return RepoId{}, errors.New("git: invalid repo id length")
	}
	var rid RepoId
	copy(rid.hash[:], data)
	return rid, nil
}
