package heap

import "fmt"

// The object model itself (layouts, mark bits) is external to this core, but
// two pieces of it must be writable from here: filler objects, which the
// coalesce-and-fill pass and aligned allocation stamp over dead or padded
// ranges, and the one-word size header every object carries, which slice
// iteration and coalescing parse to walk by address.
//
// Header word: size in words shifted left one bit; bit 0 set for fillers.

const (
	headerFillerBit = 0x1
	headerSizeShift = 1
)

func packObjectHeader(words int, filler bool) uint64 {
	h := uint64(words) << headerSizeShift
	if filler {
		h |= headerFillerBit
	}
	return h
}

// WriteObject stamps an object header at addr. Used by the mutator-facing
// layer above this core and by tests to lay out parsable regions.
func (h *Heap) WriteObject(addr Address, words int) {
	if words < 1 {
		panic(fmt.Sprintf("heap: object of %d words at %d", words, addr))
	}
	h.words[addr] = packObjectHeader(words, false)
}

// FillWithFiller stamps a filler object covering words starting at addr.
// A single filler can cover a dead run of any length.
func (h *Heap) FillWithFiller(addr Address, words int) {
	if words < minFillWords {
		panic(fmt.Sprintf("heap: filler of %d words at %d", words, addr))
	}
	h.words[addr] = packObjectHeader(words, true)
}

// ObjectSizeAt parses the size of the object starting at addr.
func (h *Heap) ObjectSizeAt(addr Address) int {
	size := int(h.words[addr] >> headerSizeShift)
	if size < 1 {
		panic(fmt.Sprintf("heap: unparsable object header at %d", addr))
	}
	return size
}

// IsFillerAt reports whether the object starting at addr is a filler.
func (h *Heap) IsFillerAt(addr Address) bool {
	return h.words[addr]&headerFillerBit != 0
}

// BlockIsObject reports whether p points below the region's allocation
// frontier, i.e. into laid-out memory.
func (r *Region) BlockIsObject(p Address) bool {
	return p < r.Top()
}
