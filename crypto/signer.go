package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// Signer decouples the act of signing from where the private key material
// actually lives. The default implementation below holds a raw Ed25519 key
// in memory; an SSH-agent-backed implementation (spec ยง1: "SSH-agent
// credential handling; treated as an opaque signer") can satisfy the same
// interface without any caller changing, mirroring the separation
// original_source/crates/radicle-crypto/src/ssh.rs draws between the
// `Signer` trait and its agent-backed implementation.
type Signer interface {
	PublicKey() PublicKey
	Sign(msg []byte) Signature
}

// MemorySigner is a Signer backed by an in-process Ed25519 private key.
type MemorySigner struct {
	pub  PublicKey
	priv ed25519.PrivateKey
}

// NewMemorySigner wraps an existing Ed25519 private key.
func NewMemorySigner(priv ed25519.PrivateKey) (*MemorySigner, error) {
	if len(priv) != PrivateKeySize {
		return nil, fmt.Errorf("crypto: invalid private key length %d", len(priv))
	}
	pub, err := ParsePublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &MemorySigner{pub: pub, priv: priv}, nil
}

// PublicKey implements Signer.
func (s *MemorySigner) PublicKey() PublicKey { return s.pub }

// Sign implements Signer.
func (s *MemorySigner) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(s.priv, msg))
	return sig
}
