package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Encoder writes the fixed big-endian / length-prefixed primitives that
// every Message implementation composes (spec ยง4.1).
type Encoder struct {
	w io.Writer
	n int
	// err latches the first error so callers can chain Put* calls and
	// check once at the end, the way the teacher chains writes in
	// core/network.go's encode helpers.
	err error
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Err returns the first error encountered, if any.
func (e *Encoder) Err() error { return e.err }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return e.n }

func (e *Encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	n, err := e.w.Write(b)
	e.n += n
	e.err = err
}

// PutU8 writes a single byte.
func (e *Encoder) PutU8(v uint8) { e.write([]byte{v}) }

// PutU16 writes a big-endian u16.
func (e *Encoder) PutU16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	e.write(buf[:])
}

// PutU32 writes a big-endian u32.
func (e *Encoder) PutU32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	e.write(buf[:])
}

// PutU64 writes a big-endian u64.
func (e *Encoder) PutU64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	e.write(buf[:])
}

// PutVarInt writes v using the RFC 9000 varint encoding.
func (e *Encoder) PutVarInt(v uint64) {
	if e.err != nil {
		return
	}
	n, err := PutVarInt(e.w, v)
	e.n += n
	e.err = err
}

// PutBytes writes a u32-length-prefixed byte string.
func (e *Encoder) PutBytes(b []byte) {
	if e.err != nil {
		return
	}
	if uint64(len(b)) > uint64(^uint32(0)) {
		e.err = ErrInvalidInput
		return
	}
	e.PutU32(uint32(len(b)))
	e.write(b)
}

// PutString writes a u32-length-prefixed UTF-8 string.
func (e *Encoder) PutString(s string) { e.PutBytes([]byte(s)) }

// PutFixed writes exactly len(b) raw bytes with no length prefix, used
// for fixed-size key material (32/64-byte keys and signatures, spec
// ยง4.1).
func (e *Encoder) PutFixed(b []byte) { e.write(b) }

// PutIP writes an address tag (4 for IPv4, 6 for IPv6) followed by the
// raw octets.
func (e *Encoder) PutIP(ip net.IP) {
	if v4 := ip.To4(); v4 != nil {
		e.PutU8(4)
		e.write(v4)
		return
	}
	v6 := ip.To16()
	if v6 == nil {
		e.err = fmt.Errorf("wire: invalid IP address %v", ip)
		return
	}
	e.PutU8(6)
	e.write(v6)
}

// Decoder reads the primitives written by Encoder.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: r} }

func (d *Decoder) readN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// U8 reads a single byte.
func (d *Decoder) U8() (uint8, error) {
	b, err := d.readN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16 reads a big-endian u16.
func (d *Decoder) U16() (uint16, error) {
	b, err := d.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// U32 reads a big-endian u32.
func (d *Decoder) U32() (uint32, error) {
	b, err := d.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// U64 reads a big-endian u64.
func (d *Decoder) U64() (uint64, error) {
	b, err := d.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// VarInt reads an RFC 9000 varint.
func (d *Decoder) VarInt() (uint64, error) { return ReadVarInt(d.r) }

// MaxBytesLen caps the size of a single length-prefixed byte string this
// decoder will allocate for, guarding against a peer claiming an
// enormous length and exhausting memory before the real read fails.
const MaxBytesLen = 16 << 20 // 16 MiB

// Bytes reads a u32-length-prefixed byte string.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	if n > MaxBytesLen {
		return nil, fmt.Errorf("%w: length-prefixed field of %d bytes exceeds cap %d", ErrInvalidInput, n, MaxBytesLen)
	}
	return d.readN(int(n))
}

// String reads a u32-length-prefixed UTF-8 string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Fixed reads exactly n raw bytes with no length prefix.
func (d *Decoder) Fixed(n int) ([]byte, error) { return d.readN(n) }

// IP reads an address tag followed by its octets.
func (d *Decoder) IP() (net.IP, error) {
	tag, err := d.U8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 4:
		b, err := d.readN(4)
		if err != nil {
			return nil, err
		}
		return net.IP(b), nil
	case 6:
		b, err := d.readN(16)
		if err != nil {
			return nil, err
		}
		return net.IP(b), nil
	default:
		return nil, fmt.Errorf("wire: unknown address tag %d", tag)
	}
}

// Serialize encodes v into a freshly allocated byte slice via an
// in-memory Encoder.
func Serialize(v Encodable) []byte {
	buf := &growBuffer{}
	enc := NewEncoder(buf)
	v.Encode(enc)
	if enc.Err() != nil {
		// An in-memory writer never errors except on the explicit
		// ErrInvalidInput/ErrVarIntOverflow guards above, which indicate
		// a caller bug (oversized field), not an I/O fault.
		panic(fmt.Sprintf("wire: serialize: %v", enc.Err()))
	}
	return buf.b
}

// growBuffer is a tiny io.Writer over a growable slice, avoiding a
// dependency on bytes.Buffer for this one internal use.
type growBuffer struct{ b []byte }

func (g *growBuffer) Write(p []byte) (int, error) {
	g.b = append(g.b, p...)
	return len(p), nil
}

// Encodable is implemented by every wire message and sub-structure.
type Encodable interface {
	Encode(*Encoder)
}

// Decodable is implemented by every wire message and sub-structure.
type Decodable interface {
	Decode(*Decoder) error
}
