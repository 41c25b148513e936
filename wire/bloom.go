package wire

import (
	"hash/fnv"
	"math"
)

// BloomFilter is the compact bloom-like set of RepoIds carried by
// Subscribe (spec ยง4.7, ยง6.1), used by peers to avoid relaying
// announcements for repositories no subscriber cares about. It has no
// third-party dependency: no bloom-filter library turned up anywhere in
// the example pack (checked all go.mod manifests), so this is a
// deliberate, documented stdlib-only piece — see DESIGN.md.
type BloomFilter struct {
	bits []byte
	k    uint8
}

// NewBloomFilter sizes a filter for n expected elements at the given
// false-positive rate, using the standard m = -(n ln p) / (ln 2)^2 and
// k = (m/n) ln 2 formulas.
func NewBloomFilter(n int, falsePositiveRate float64) *BloomFilter {
	if n < 1 {
		n = 1
	}
	m := int(math.Ceil(-float64(n) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &BloomFilter{bits: make([]byte, (m+7)/8), k: uint8(k)}
}

func (b *BloomFilter) indices(id [32]byte) []uint32 {
	idx := make([]uint32, b.k)
	h1 := fnv.New64a()
	h1.Write(id[:])
	sum1 := h1.Sum64()
	h2 := fnv.New64()
	h2.Write(id[:])
	sum2 := h2.Sum64()
	nbits := uint64(len(b.bits) * 8)
	for i := range idx {
		// Double hashing (Kirsch-Mitzenmacher): combine two independent
		// hashes instead of paying for k separate hash functions.
		combined := sum1 + uint64(i)*sum2
		idx[i] = uint32(combined % nbits)
	}
	return idx
}

// Add inserts a RepoId's 32-byte hash into the filter.
func (b *BloomFilter) Add(id [32]byte) {
	for _, i := range b.indices(id) {
		b.bits[i/8] |= 1 << (i % 8)
	}
}

// MayContain reports whether id was possibly added (false positives
// possible, false negatives never).
func (b *BloomFilter) MayContain(id [32]byte) bool {
	for _, i := range b.indices(id) {
		if b.bits[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode implements Encodable: k, then the length-prefixed bitset.
func (b *BloomFilter) Encode(e *Encoder) {
	e.PutU8(b.k)
	e.PutBytes(b.bits)
}

// Decode implements Decodable.
func (b *BloomFilter) Decode(d *Decoder) error {
	k, err := d.U8()
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	bits, err := d.Bytes()
	if err != nil {
		return newDecodeErr(DecodeErrIO, err)
	}
	b.k = k
	b.bits = bits
	return nil
}
