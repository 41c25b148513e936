package wire

import (
	"fmt"

	"radicle-node/crypto"
	"radicle-node/git"
)

// Magic distinguishes mainnet from testnet streams (spec ยง4.1, ยง6.1).
type Magic uint32

const (
	// MagicMainnet is the production network magic.
	MagicMainnet Magic = 0x5241_4431 // "RAD1"
	// MagicTestnet is used by in-process and integration tests.
	MagicTestnet Magic = 0x5241_4454 // "RADT"
)

// ErrWrongMagic is returned when an envelope's magic does not match the
// expected network.
var ErrWrongMagic = fmt.Errorf("wire: wrong magic")

// Timestamp is a Unix-epoch second count, as carried by every
// timestamped message (spec ยง6.1).
type Timestamp uint64

// MessageType tags which concrete Message an envelope carries.
type MessageType uint8

const (
	MessageTypeInitialize MessageType = iota + 1
	MessageTypeSubscribe
	MessageTypePing
	MessageTypePong
	MessageTypeInventoryAnnouncement
	MessageTypeRefsAnnouncement
	MessageTypeNodeAnnouncement
	MessageTypeFetch
)

// Message is implemented by every payload that can ride inside an
// Envelope.
type Message interface {
	Encodable
	Type() MessageType
}

// Envelope is the outermost framing of every message on the stream:
// `{magic: u32, message: Message}` (spec ยง6.1). Messages are
// self-delimiting because every field inside them is fixed-width or
// length-prefixed, so no separate length prefix wraps the whole envelope.
type Envelope struct {
	Magic   Magic
	Message Message
}

// Encode writes the envelope: magic, then a one-byte type tag, then the
// message body.
func (env Envelope) Encode(e *Encoder) {
	e.PutU32(uint32(env.Magic))
	e.PutU8(uint8(env.Message.Type()))
	env.Message.Encode(e)
}

// DecodeEnvelope reads one envelope and dispatches to the right concrete
// message type, rejecting a magic mismatch immediately (spec ยง4.1).
func DecodeEnvelope(d *Decoder, expected Magic) (Envelope, error) {
	m, err := d.U32()
	if err != nil {
		return Envelope{}, newDecodeErr(DecodeErrIO, err)
	}
	if Magic(m) != expected {
		return Envelope{}, ErrWrongMagic
	}
	tag, err := d.U8()
	if err != nil {
		return Envelope{}, newDecodeErr(DecodeErrIO, err)
	}
	msg, err := decodeMessage(MessageType(tag), d)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Magic: Magic(m), Message: msg}, nil
}

func decodeMessage(t MessageType, d *Decoder) (Message, error) {
	switch t {
	case MessageTypeInitialize:
		var m Initialize
		return &m, m.decode(d)
	case MessageTypeSubscribe:
		var m Subscribe
		return &m, m.decode(d)
	case MessageTypePing:
		var m Ping
		return &m, m.decode(d)
	case MessageTypePong:
		var m Pong
		return &m, m.decode(d)
	case MessageTypeInventoryAnnouncement:
		var m InventoryAnnouncement
		return &m, m.decode(d)
	case MessageTypeRefsAnnouncement:
		var m RefsAnnouncement
		return &m, m.decode(d)
	case MessageTypeNodeAnnouncement:
		var m NodeAnnouncement
		return &m, m.decode(d)
	case MessageTypeFetch:
		var m Fetch
		return &m, m.decode(d)
	default:
		return nil, newDecodeErr(DecodeErrUnknownMessage, fmt.Errorf("tag %d", t))
	}
}

// putRepoId writes a RepoId as a fixed 32-byte field.
func putRepoId(e *Encoder, rid git.RepoId) { e.PutFixed(rid.Bytes()) }

func readRepoId(d *Decoder) (git.RepoId, error) {
	b, err := d.Fixed(32)
	if err != nil {
		return git.RepoId{}, newDecodeErr(DecodeErrIO, err)
	}
	var arr [32]byte
	copy(arr[:], b)
	return git.NewRepoId(arr), nil
}

// putOid writes an Oid as a length-prefixed byte string, so the hash
// width can grow later without a wire format break (spec ยง3).
func putOid(e *Encoder, oid git.Oid) { e.PutBytes(oid[:]) }

func readOid(d *Decoder) (git.Oid, error) {
	b, err := d.Bytes()
	if err != nil {
		return git.Oid{}, newDecodeErr(DecodeErrIO, err)
	}
	oid, err := git.ParseOid(b)
	if err != nil {
		return git.Oid{}, newDecodeErr(DecodeErrInvalidSize, err)
	}
	return oid, nil
}

func putPublicKey(e *Encoder, pk crypto.PublicKey) { e.PutFixed(pk.Bytes()) }

func readPublicKey(d *Decoder) (crypto.PublicKey, error) {
	b, err := d.Fixed(crypto.PublicKeySize)
	if err != nil {
		return crypto.PublicKey{}, newDecodeErr(DecodeErrIO, err)
	}
	pk, err := crypto.ParsePublicKey(b)
	if err != nil {
		return crypto.PublicKey{}, newDecodeErr(DecodeErrInvalidSize, err)
	}
	return pk, nil
}

func putSignature(e *Encoder, sig crypto.Signature) { e.PutFixed(sig.Bytes()) }

func readSignature(d *Decoder) (crypto.Signature, error) {
	b, err := d.Fixed(crypto.SignatureSize)
	if err != nil {
		return crypto.Signature{}, newDecodeErr(DecodeErrIO, err)
	}
	sig, err := crypto.ParseSignature(b)
	if err != nil {
		return crypto.Signature{}, newDecodeErr(DecodeErrInvalidSize, err)
	}
	return sig, nil
}

func putRefname(e *Encoder, r git.Refname) { e.PutString(string(r)) }

func readRefname(d *Decoder) (git.Refname, error) {
	s, err := d.String()
	if err != nil {
		return "", newDecodeErr(DecodeErrUTF8, err)
	}
	r, err := git.ParseRefname(s)
	if err != nil {
		return "", newDecodeErr(DecodeErrInvalidRefName, err)
	}
	return r, nil
}
