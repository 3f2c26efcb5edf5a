//go:build !linux && !windows

package heap

// slicePager backs the heap with an ordinary allocation on platforms where
// no reserve/commit syscall surface is wired. Commit and uncommit are
// bookkeeping no-ops; the state graph still gates access.
type slicePager struct {
	mem []byte
}

func reservePages(size uintptr) (pager, error) {
	return &slicePager{mem: make([]byte, size)}, nil
}

func (p *slicePager) bytes() []byte               { return p.mem }
func (p *slicePager) commit(off, n uintptr) error { return nil }

func (p *slicePager) uncommit(off, n uintptr) error {
	// Zero the range so a recycled region starts clean, matching what a
	// fresh commit provides on the mapped platforms.
	seg := p.mem[off : off+n]
	for i := range seg {
		seg[i] = 0
	}
	return nil
}

func (p *slicePager) release() error { return nil }
