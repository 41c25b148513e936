// Package wire implements the binary codec shared by every message on the
// peer-to-peer stream (spec ยง4.1, ยง6.1): big-endian fixed-width integers,
// length-prefixed byte strings, and RFC 9000 variable-length integers.
// Every field is either fixed-width or length-prefixed, so messages are
// self-delimiting without a separate framing layer beyond the envelope
// magic.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxVarInt is the largest value representable by the two-bit-tag varint
// scheme: 2^62 - 1.
const MaxVarInt = (uint64(1) << 62) - 1

// ErrVarIntOverflow is returned when encoding a value >= 2^62.
var ErrVarIntOverflow = errors.New("wire: varint value exceeds 2^62-1")

// ErrInvalidInput is returned whenever an integer-to-size conversion
// would overflow (spec ยง4.1: "All integer-to-size conversions must fail
// with InvalidInput on overflow").
var ErrInvalidInput = errors.New("wire: invalid input: integer conversion overflow")

// PutVarInt encodes x using the QUIC/RFC-9000 two-bit length-tag scheme:
//
//	tag 00: 1 byte,  6 usable bits  (0..63)
//	tag 01: 2 bytes, 14 usable bits (0..16383)
//	tag 10: 4 bytes, 30 usable bits
//	tag 11: 8 bytes, 62 usable bits
func PutVarInt(w io.Writer, x uint64) (int, error) {
	switch {
	case x < 1<<6:
		return write(w, []byte{byte(x)})
	case x < 1<<14:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(x)|0b01<<14)
		return write(w, buf)
	case x < 1<<30:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(x)|0b10<<30)
		return write(w, buf)
	case x <= MaxVarInt:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, x|0b11<<62)
		return write(w, buf)
	default:
		return 0, ErrVarIntOverflow
	}
}

// ReadVarInt decodes a varint written by PutVarInt.
func ReadVarInt(r io.Reader) (uint64, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, err
	}
	tag := first[0] >> 6
	first[0] &= 0b0011_1111

	switch tag {
	case 0b00:
		return uint64(first[0]), nil
	case 0b01:
		var rest [1]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint16([]byte{first[0], rest[0]})), nil
	case 0b10:
		var rest [3]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint32([]byte{first[0], rest[0], rest[1], rest[2]})), nil
	case 0b11:
		var rest [7]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return 0, err
		}
		buf := []byte{first[0], rest[0], rest[1], rest[2], rest[3], rest[4], rest[5], rest[6]}
		return binary.BigEndian.Uint64(buf), nil
	default:
		panic("wire: unreachable varint tag")
	}
}

func write(w io.Writer, b []byte) (int, error) {
	n, err := w.Write(b)
	return n, err
}
