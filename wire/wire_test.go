package wire

import (
	"bytes"
	"testing"

	"radicle-node/crypto"
	"radicle-node/git"
)

func TestVarIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 10, 37, 63, 64, 16383, 16384, 1073741823, 1073741824, MaxVarInt}
	for _, v := range cases {
		var buf bytes.Buffer
		if _, err := PutVarInt(&buf, v); err != nil {
			t.Fatalf("encode %d: %v", v, err)
		}
		got, err := ReadVarInt(&buf)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip mismatch: got %d want %d", got, v)
		}
	}
}

func TestVarIntKnownEncodings(t *testing.T) {
	// These vectors mirror RFC 9000 ยง A.1 examples, carried over from
	// original_source/radicle-node/src/wire/varint.rs's own test vectors.
	cases := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x0}},
		{37, []byte{0x25}},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		if _, err := PutVarInt(&buf, c.v); err != nil {
			t.Fatalf("encode: %v", err)
		}
		if !bytes.Equal(buf.Bytes(), c.want) {
			t.Fatalf("encode %d: got %x want %x", c.v, buf.Bytes(), c.want)
		}
	}
}

func TestVarIntOverflow(t *testing.T) {
	var buf bytes.Buffer
	if _, err := PutVarInt(&buf, MaxVarInt+1); err != ErrVarIntOverflow {
		t.Fatalf("expected ErrVarIntOverflow, got %v", err)
	}
}

func roundTrip(t *testing.T, magic Magic, msg Message) Message {
	t.Helper()
	buf := &growBuffer{}
	env := Envelope{Magic: magic, Message: msg}
	env.Encode(NewEncoder(buf))

	got, err := DecodeEnvelope(NewDecoder(bytes.NewReader(buf.b)), magic)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got.Message
}

func TestMessageRoundTrips(t *testing.T) {
	pub, _, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	rid := git.NewRepoId([32]byte{1, 2, 3})
	oid, _ := git.ParseHexOid("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	t.Run("Initialize", func(t *testing.T) {
		in := &Initialize{
			Version:   ProtocolVersion,
			NodeID:    pub,
			Addrs:     []Address{{IP: []byte{127, 0, 0, 1}, Port: 8776}},
			Agent:     "radicle-node/go",
			Features:  1,
			Timestamp: 1234,
		}
		out := roundTrip(t, MagicTestnet, in).(*Initialize)
		if out.Version != in.Version || out.NodeID != in.NodeID || out.Agent != in.Agent {
			t.Fatalf("round trip mismatch: %+v vs %+v", in, out)
		}
	})

	t.Run("Fetch", func(t *testing.T) {
		in := &Fetch{RepoID: rid}
		out := roundTrip(t, MagicTestnet, in).(*Fetch)
		if out.RepoID != in.RepoID {
			t.Fatalf("round trip mismatch")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		in := &Ping{PongLen: 4, Payload: []byte("ping")}
		out := roundTrip(t, MagicTestnet, in).(*Ping)
		if out.PongLen != in.PongLen || !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("round trip mismatch")
		}
	})

	t.Run("InventoryAnnouncement", func(t *testing.T) {
		in := &InventoryAnnouncement{
			NodeID:    pub,
			Inventory: []git.RepoId{rid},
			Timestamp: 42,
		}
		out := roundTrip(t, MagicTestnet, in).(*InventoryAnnouncement)
		if len(out.Inventory) != 1 || out.Inventory[0] != rid {
			t.Fatalf("round trip mismatch")
		}
	})

	t.Run("RefsAnnouncement", func(t *testing.T) {
		name, _ := git.ParseRefname("refs/heads/main")
		in := &RefsAnnouncement{
			NodeID: pub,
			RepoID: rid,
			Refs:   []RefsAt{{Name: name, At: oid}},
		}
		out := roundTrip(t, MagicTestnet, in).(*RefsAnnouncement)
		if len(out.Refs) != 1 || out.Refs[0].Name != name || out.Refs[0].At != oid {
			t.Fatalf("round trip mismatch")
		}
	})
}

func TestWrongMagic(t *testing.T) {
	buf := &growBuffer{}
	env := Envelope{Magic: MagicMainnet, Message: &Fetch{}}
	env.Encode(NewEncoder(buf))

	_, err := DecodeEnvelope(NewDecoder(bytes.NewReader(buf.b)), MagicTestnet)
	if err != ErrWrongMagic {
		t.Fatalf("expected ErrWrongMagic, got %v", err)
	}
}

func TestBoundedLenRejectsOversizedClaim(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	e.PutU32(uint32(MaxInventory + 1))
	d := NewDecoder(&buf)
	if _, err := BoundedLen(d, MaxInventory); err == nil {
		t.Fatal("expected error for oversized length claim")
	}
}
