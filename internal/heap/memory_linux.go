//go:build linux

package heap

import "golang.org/x/sys/unix"

// mmapPager reserves with PROT_NONE and flips protections per region slice.
type mmapPager struct {
	mem []byte
}

func reservePages(size uintptr) (pager, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, err
	}
	return &mmapPager{mem: mem}, nil
}

func (p *mmapPager) bytes() []byte { return p.mem }

func (p *mmapPager) commit(off, n uintptr) error {
	return unix.Mprotect(p.mem[off:off+n], unix.PROT_READ|unix.PROT_WRITE)
}

func (p *mmapPager) uncommit(off, n uintptr) error {
	seg := p.mem[off : off+n]
	if err := unix.Madvise(seg, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(seg, unix.PROT_NONE)
}

func (p *mmapPager) release() error {
	return unix.Munmap(p.mem)
}
