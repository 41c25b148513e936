package wire

import (
	"fmt"
	"net"
)

// Address is a single network address a node may be reached at, encoded
// as an IP tag + octets + port (spec ยง3 "Address book entry", ยง6.1).
type Address struct {
	IP   net.IP
	Port uint16
}

// Encode implements Encodable.
func (a Address) Encode(e *Encoder) {
	e.PutIP(a.IP)
	e.PutU16(a.Port)
}

// Decode implements Decodable.
func (a *Address) Decode(d *Decoder) error {
	ip, err := d.IP()
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	port, err := d.U16()
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	a.IP = ip
	a.Port = port
	return nil
}

// String renders the address as "host:port".
func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// MaxAddresses bounds Initialize.Addrs and NodeAnnouncement.Addrs against
// a peer advertising an unbounded address list.
const MaxAddresses = 32

func encodeAddresses(e *Encoder, addrs []Address) {
	e.PutU32(uint32(len(addrs)))
	for _, a := range addrs {
		a.Encode(e)
	}
}

func decodeAddresses(d *Decoder) ([]Address, error) {
	n, err := BoundedLen(d, MaxAddresses)
	if err != nil {
		return nil, err
	}
	out := make([]Address, 0, n)
	for i := 0; i < n; i++ {
		var a Address
		if err := a.Decode(d); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
