package heap

// pager manages the heap's backing memory: one contiguous reservation,
// committed and uncommitted in region-sized slices. Reservations are
// inaccessible until committed, so a stray read through a stale pointer into
// an uncommitted region faults instead of returning garbage; the state graph
// is what makes such reads structurally impossible in correct code.
type pager interface {
	// bytes returns the full reservation as a byte slice. Only committed
	// sub-ranges may be touched.
	bytes() []byte
	// commit makes [off, off+n) readable and writable.
	commit(off, n uintptr) error
	// uncommit returns [off, off+n) to the OS.
	uncommit(off, n uintptr) error
	// release unmaps the whole reservation.
	release() error
}
