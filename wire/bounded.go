package wire

import "fmt"

// ErrTooLarge is returned when a bounded collection would exceed its cap,
// either because a peer claims an oversized count or because the caller
// tried to grow one past its limit (supplemented from
// original_source/radicle-node/src/bounded.rs).
var ErrTooLarge = fmt.Errorf("wire: collection exceeds bound")

// BoundedLen reads a u32 length and rejects it outright if it exceeds
// max, before any allocation happens — the defence bounded.rs's
// `BoundedVec` gives the original implementation against a peer
// advertising a huge element count in `Initialize.addrs` or
// `InventoryAnnouncement.inventory`.
func BoundedLen(d *Decoder, max int) (int, error) {
	n, err := d.U32()
	if err != nil {
		return 0, newDecodeErr(DecodeErrIO, err)
	}
	if int(n) > max {
		return 0, fmt.Errorf("%w: got %d, max %d", ErrTooLarge, n, max)
	}
	return int(n), nil
}
