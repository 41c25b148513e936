package wire

import (
	"radicle-node/crypto"
	"radicle-node/git"
)

// ProtocolVersion is this implementation's wire protocol version;
// Initialize messages whose Version differs trigger WrongVersion (spec
// ยง4.6).
const ProtocolVersion uint32 = 1

// Initialize is the required first message in both directions of every
// session (spec ยง4.6, ยง6.1).
type Initialize struct {
	Version   uint32
	NodeID    crypto.PublicKey
	Addrs     []Address
	Agent     string
	Features  uint64
	Timestamp Timestamp
}

func (m *Initialize) Type() MessageType { return MessageTypeInitialize }

func (m *Initialize) Encode(e *Encoder) {
	e.PutU32(m.Version)
	putPublicKey(e, m.NodeID)
	encodeAddresses(e, m.Addrs)
	e.PutString(m.Agent)
	e.PutU64(m.Features)
	e.PutU64(uint64(m.Timestamp))
}

func (m *Initialize) decode(d *Decoder) error {
	var err error
	if m.Version, err = d.U32(); err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	if m.NodeID, err = readPublicKey(d); err != nil {
		return err
	}
	if m.Addrs, err = decodeAddresses(d); err != nil {
		return err
	}
	if m.Agent, err = d.String(); err != nil {
		return newDecodeErr(DecodeErrUTF8, err)
	}
	if m.Features, err = d.U64(); err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	ts, err := d.U64()
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	m.Timestamp = Timestamp(ts)
	return nil
}

// Subscribe carries a compact bloom filter over repo ids, remembered by
// the peer and used to filter relay (spec ยง4.6, ยง4.7).
type Subscribe struct {
	Filter *BloomFilter
	Since  Timestamp
	Until  Timestamp
}

func (m *Subscribe) Type() MessageType { return MessageTypeSubscribe }

func (m *Subscribe) Encode(e *Encoder) {
	m.Filter.Encode(e)
	e.PutU64(uint64(m.Since))
	e.PutU64(uint64(m.Until))
}

func (m *Subscribe) decode(d *Decoder) error {
	m.Filter = &BloomFilter{}
	if err := m.Filter.Decode(d); err != nil {
		return err
	}
	since, err := d.U64()
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	until, err := d.U64()
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	m.Since, m.Until = Timestamp(since), Timestamp(until)
	return nil
}

// MaxPingPayload bounds Ping.Payload / Pong's implied zero-fill, per the
// bounded-collections defence (spec ยง4.6: "Ping{ponglen}... Pong of
// exactly ponglen bytes").
const MaxPingPayload = 512

// Ping requests a Pong of exactly PongLen zero bytes.
type Ping struct {
	PongLen uint16
	Payload []byte
}

func (m *Ping) Type() MessageType { return MessageTypePing }

func (m *Ping) Encode(e *Encoder) {
	e.PutU16(m.PongLen)
	e.PutBytes(m.Payload)
}

func (m *Ping) decode(d *Decoder) error {
	var err error
	if m.PongLen, err = d.U16(); err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	if m.Payload, err = d.Bytes(); err != nil {
		return err
	}
	if len(m.Payload) > MaxPingPayload {
		return newDecodeErr(DecodeErrInvalidSize, ErrTooLarge)
	}
	return nil
}

// Pong answers a Ping with exactly PongLen zero bytes; an unsolicited
// Pong or one of the wrong length is a Misbehavior (spec ยง4.6).
type Pong struct {
	Zeroes []byte
}

func (m *Pong) Type() MessageType { return MessageTypePong }

func (m *Pong) Encode(e *Encoder) { e.PutBytes(m.Zeroes) }

func (m *Pong) decode(d *Decoder) error {
	b, err := d.Bytes()
	if err != nil {
		return err
	}
	if len(b) > MaxPingPayload {
		return newDecodeErr(DecodeErrInvalidSize, ErrTooLarge)
	}
	m.Zeroes = b
	return nil
}

// MaxInventory bounds InventoryAnnouncement.Inventory.
const MaxInventory = 1 << 16

// InventoryAnnouncement advertises the set of RepoIds a node hosts (spec
// ยง3, ยง6.1).
type InventoryAnnouncement struct {
	NodeID    crypto.PublicKey
	Inventory []git.RepoId
	Timestamp Timestamp
	Signature crypto.Signature
}

func (m *InventoryAnnouncement) Type() MessageType { return MessageTypeInventoryAnnouncement }

// SignedBytes returns the canonical bytes the Signature covers: the
// announcement without the signature field (spec ยง6.1).
func (m *InventoryAnnouncement) SignedBytes() []byte {
	buf := &growBuffer{}
	e := NewEncoder(buf)
	putPublicKey(e, m.NodeID)
	e.PutU32(uint32(len(m.Inventory)))
	for _, rid := range m.Inventory {
		putRepoId(e, rid)
	}
	e.PutU64(uint64(m.Timestamp))
	return buf.b
}

func (m *InventoryAnnouncement) Encode(e *Encoder) {
	putPublicKey(e, m.NodeID)
	e.PutU32(uint32(len(m.Inventory)))
	for _, rid := range m.Inventory {
		putRepoId(e, rid)
	}
	e.PutU64(uint64(m.Timestamp))
	putSignature(e, m.Signature)
}

func (m *InventoryAnnouncement) decode(d *Decoder) error {
	var err error
	if m.NodeID, err = readPublicKey(d); err != nil {
		return err
	}
	n, err := BoundedLen(d, MaxInventory)
	if err != nil {
		return err
	}
	m.Inventory = make([]git.RepoId, 0, n)
	for i := 0; i < n; i++ {
		rid, err := readRepoId(d)
		if err != nil {
			return err
		}
		m.Inventory = append(m.Inventory, rid)
	}
	ts, err := d.U64()
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	m.Timestamp = Timestamp(ts)
	if m.Signature, err = readSignature(d); err != nil {
		return err
	}
	return nil
}

// RefsAt pairs a refname with the Oid it points to at the moment of
// announcement.
type RefsAt struct {
	Name git.Refname
	At   git.Oid
}

// MaxRefsPerAnnouncement bounds RefsAnnouncement.Refs.
const MaxRefsPerAnnouncement = 1 << 14

// RefsAnnouncement advertises a namespace's signed ref tips for one
// repository (spec ยง4.8, ยง6.1).
type RefsAnnouncement struct {
	NodeID    crypto.PublicKey
	RepoID    git.RepoId
	Refs      []RefsAt
	Timestamp Timestamp
	Signature crypto.Signature
}

func (m *RefsAnnouncement) Type() MessageType { return MessageTypeRefsAnnouncement }

func (m *RefsAnnouncement) SignedBytes() []byte {
	buf := &growBuffer{}
	e := NewEncoder(buf)
	putPublicKey(e, m.NodeID)
	putRepoId(e, m.RepoID)
	e.PutU32(uint32(len(m.Refs)))
	for _, r := range m.Refs {
		putRefname(e, r.Name)
		putOid(e, r.At)
	}
	e.PutU64(uint64(m.Timestamp))
	return buf.b
}

func (m *RefsAnnouncement) Encode(e *Encoder) {
	putPublicKey(e, m.NodeID)
	putRepoId(e, m.RepoID)
	e.PutU32(uint32(len(m.Refs)))
	for _, r := range m.Refs {
		putRefname(e, r.Name)
		putOid(e, r.At)
	}
	e.PutU64(uint64(m.Timestamp))
	putSignature(e, m.Signature)
}

func (m *RefsAnnouncement) decode(d *Decoder) error {
	var err error
	if m.NodeID, err = readPublicKey(d); err != nil {
		return err
	}
	if m.RepoID, err = readRepoId(d); err != nil {
		return err
	}
	n, err := BoundedLen(d, MaxRefsPerAnnouncement)
	if err != nil {
		return err
	}
	m.Refs = make([]RefsAt, 0, n)
	for i := 0; i < n; i++ {
		name, err := readRefname(d)
		if err != nil {
			return err
		}
		at, err := readOid(d)
		if err != nil {
			return err
		}
		m.Refs = append(m.Refs, RefsAt{Name: name, At: at})
	}
	ts, err := d.U64()
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	m.Timestamp = Timestamp(ts)
	if m.Signature, err = readSignature(d); err != nil {
		return err
	}
	return nil
}

// NodeAnnouncement advertises a node's alias, features, and addresses
// (spec ยง4.8, ยง6.1).
type NodeAnnouncement struct {
	NodeID    crypto.PublicKey
	Alias     [32]byte
	Features  uint64
	Addrs     []Address
	Timestamp Timestamp
	Agent     string
	Signature crypto.Signature
}

func (m *NodeAnnouncement) Type() MessageType { return MessageTypeNodeAnnouncement }

func (m *NodeAnnouncement) SignedBytes() []byte {
	buf := &growBuffer{}
	e := NewEncoder(buf)
	putPublicKey(e, m.NodeID)
	e.PutFixed(m.Alias[:])
	e.PutU64(m.Features)
	encodeAddresses(e, m.Addrs)
	e.PutU64(uint64(m.Timestamp))
	e.PutString(m.Agent)
	return buf.b
}

func (m *NodeAnnouncement) Encode(e *Encoder) {
	putPublicKey(e, m.NodeID)
	e.PutFixed(m.Alias[:])
	e.PutU64(m.Features)
	encodeAddresses(e, m.Addrs)
	e.PutU64(uint64(m.Timestamp))
	e.PutString(m.Agent)
	putSignature(e, m.Signature)
}

func (m *NodeAnnouncement) decode(d *Decoder) error {
	var err error
	if m.NodeID, err = readPublicKey(d); err != nil {
		return err
	}
	alias, err := d.Fixed(32)
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	copy(m.Alias[:], alias)
	if m.Features, err = d.U64(); err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	if m.Addrs, err = decodeAddresses(d); err != nil {
		return err
	}
	ts, err := d.U64()
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	m.Timestamp = Timestamp(ts)
	if m.Agent, err = d.String(); err != nil {
		return newDecodeErr(DecodeErrUTF8, err)
	}
	if m.Signature, err = readSignature(d); err != nil {
		return err
	}
	return nil
}

// Fetch requests that the session hand off to a fetch worker for RepoID
// (spec ยง4.6, ยง6.1).
type Fetch struct {
	RepoID git.RepoId
}

func (m *Fetch) Type() MessageType { return MessageTypeFetch }

func (m *Fetch) Encode(e *Encoder) { putRepoId(e, m.RepoID) }

func (m *Fetch) decode(d *Decoder) error {
	var err error
	m.RepoID, err = readRepoId(d)
	return err
}
