//go:build windows

package heap

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// virtualPager reserves with VirtualAlloc and commits region slices on
// demand.
type virtualPager struct {
	base uintptr
	size uintptr
}

func reservePages(size uintptr) (pager, error) {
	base, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, err
	}
	return &virtualPager{base: base, size: size}, nil
}

func (p *virtualPager) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p.base)), p.size)
}

func (p *virtualPager) commit(off, n uintptr) error {
	_, err := windows.VirtualAlloc(p.base+off, n, windows.MEM_COMMIT, windows.PAGE_READWRITE)
	return err
}

func (p *virtualPager) uncommit(off, n uintptr) error {
	return windows.VirtualFree(p.base+off, n, windows.MEM_DECOMMIT)
}

func (p *virtualPager) release() error {
	return windows.VirtualFree(p.base, 0, windows.MEM_RELEASE)
}
