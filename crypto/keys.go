// Package crypto provides the Ed25519 signing and verification primitives
// shared by every other package: node identities, signed refs, identity
// document revisions and collaborative-object entries are all signed the
// same way.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/multiformats/go-multibase"
)

// PublicKeySize and SignatureSize mirror the Ed25519 constants; kept as
// named constants because the wire codec encodes them as fixed-size
// fields (spec ยง6.1: nid [u8;32], signature [u8;64]).
const (
	PublicKeySize  = ed25519.PublicKeySize
	SignatureSize  = ed25519.SignatureSize
	PrivateKeySize = ed25519.PrivateKeySize
)

// multicodecEd25519Pub is the varint-encoded multicodec tag for an
// Ed25519 public key (0xed, registered as "ed25519-pub"), used to build
// did:key identifiers per https://w3c-ccg.github.io/did-method-key/.
var multicodecEd25519Pub = []byte{0xed, 0x01}

// ErrInvalidKey is returned when decoding a key of the wrong size.
var ErrInvalidKey = errors.New("crypto: invalid key length")

// ErrInvalidSignature is returned when decoding a signature of the wrong size.
var ErrInvalidSignature = errors.New("crypto: invalid signature length")

// PublicKey is a node's Ed25519 verification key — its NodeId.
type PublicKey [PublicKeySize]byte

// NodeID is an alias for PublicKey: every participant is identified by
// its Ed25519 public key (spec ยง3).
type NodeID = PublicKey

// ParsePublicKey validates and wraps a raw 32-byte Ed25519 key.
func ParsePublicKey(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, ErrInvalidKey
	}
	copy(pk[:], b)
	return pk, nil
}

// Bytes returns the raw key bytes.
func (pk PublicKey) Bytes() []byte { return pk[:] }

// String renders the key as a did:key identifier (multibase base58btc
// over the multicodec-tagged public key), per spec ยง3.
func (pk PublicKey) String() string {
	payload := append(append([]byte{}, multicodecEd25519Pub...), pk[:]...)
	enc, err := multibase.Encode(multibase.Base58BTC, payload)
	if err != nil {
		// multibase.Encode only fails for unknown encodings; Base58BTC
		// is always valid, so this is unreachable in practice.
		return "did:key:" + hex.EncodeToString(pk[:])
	}
	return "did:key:" + enc
}

// ParseNodeID parses a did:key string back into a PublicKey.
func ParseNodeID(did string) (PublicKey, error) {
	const prefix = "did:key:"
	var pk PublicKey
	if len(did) <= len(prefix) || did[:len(prefix)] != prefix {
		return pk, fmt.Errorf("crypto: not a did:key identifier: %q", did)
	}
	_, data, err := multibase.Decode(did[len(prefix):])
	if err != nil {
		return pk, fmt.Errorf("crypto: multibase decode: %w", err)
	}
	if len(data) != len(multicodecEd25519Pub)+PublicKeySize {
		return pk, ErrInvalidKey
	}
	for i, b := range multicodecEd25519Pub {
		if data[i] != b {
			return pk, fmt.Errorf("crypto: unsupported multicodec tag")
		}
	}
	copy(pk[:], data[len(multicodecEd25519Pub):])
	return pk, nil
}

// Signature is a detached 64-byte Ed25519 signature.
type Signature [SignatureSize]byte

// ParseSignature validates and wraps a raw 64-byte signature.
func ParseSignature(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureSize {
		return sig, ErrInvalidSignature
	}
	copy(sig[:], b)
	return sig, nil
}

// Bytes returns the raw signature bytes.
func (s Signature) Bytes() []byte { return s[:] }

// Verify checks sig over msg against pk.
func Verify(pk PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(pk[:], msg, sig[:])
}

// GenerateKeypair produces a fresh Ed25519 keypair, used by tests and by
// `radicle-node profile init`.
func GenerateKeypair() (PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, nil, fmt.Errorf("crypto: generate keypair: %w", err)
	}
	pk, err := ParsePublicKey(pub)
	if err != nil {
		return PublicKey{}, nil, err
	}
	return pk, priv, nil
}
