package heap

import (
	"fmt"
	"math/bits"

	"github.com/SeleniaProject/regionheap/internal/config"
)

// Address is a word-indexed address within the heap's reserved space.
// Word 0 is the bottom of region 0. All object and frontier arithmetic in
// this package is in words; byte arithmetic goes through the geometry shifts.
type Address uintptr

const (
	// WordSize is the heap word size in bytes.
	WordSize = 8
	// WordShift converts between word counts and byte counts.
	WordShift = 3

	// MinNumRegions is the smallest region count a heap may be carved into.
	MinNumRegions = 10
)

// Geometry holds the per-heap region sizing constants. It is computed once
// by NewGeometry and never mutated afterwards; every subsystem reads it
// without synchronization.
type Geometry struct {
	RegionCount          int     // Number of regions in the heap
	RegionSizeBytes      uintptr // Region size in bytes (power of two)
	RegionSizeWords      uintptr // Region size in words
	RegionSizeBytesShift uint    // log2(RegionSizeBytes)
	RegionSizeWordsShift uint    // log2(RegionSizeWords)
	RegionSizeBytesMask  uintptr // RegionSizeBytes - 1
	RegionSizeWordsMask  uintptr // RegionSizeWords - 1

	HumongousThresholdWords uintptr // Allocations above this spill into humongous regions
	HumongousThresholdBytes uintptr

	MaxTLABSizeBytes uintptr // Largest thread-local allocation buffer
	MaxTLABSizeWords uintptr
}

// NewGeometry derives the region sizing constants from the maximum heap size
// and the tuning options. It returns the geometry and the adjusted heap size,
// rounded down to a whole number of regions.
func NewGeometry(maxHeapBytes uintptr, opts *config.Options) (*Geometry, uintptr, error) {
	if opts == nil {
		opts = config.Default()
	}
	if err := opts.Validate(); err != nil {
		return nil, 0, fmt.Errorf("heap geometry: %w", err)
	}

	minSize := uintptr(opts.MinRegionSizeBytes)
	maxSize := uintptr(opts.MaxRegionSizeBytes)

	regionSize := maxHeapBytes / uintptr(opts.TargetNumRegions)
	if regionSize < minSize {
		regionSize = minSize
	}
	if regionSize > maxSize {
		regionSize = maxSize
	}
	// Round down to a power of two so address-to-index conversion is a shift.
	regionSize = uintptr(1) << (bits.Len(uint(regionSize)) - 1)

	count := int(maxHeapBytes / regionSize)
	if count < MinNumRegions {
		return nil, 0, fmt.Errorf("heap geometry: %d bytes yields %d regions of %d bytes, need at least %d",
			maxHeapBytes, count, regionSize, MinNumRegions)
	}
	adjusted := uintptr(count) * regionSize

	g := &Geometry{
		RegionCount:          count,
		RegionSizeBytes:      regionSize,
		RegionSizeWords:      regionSize / WordSize,
		RegionSizeBytesShift: uint(bits.TrailingZeros(uint(regionSize))),
		RegionSizeBytesMask:  regionSize - 1,
	}
	g.RegionSizeWordsShift = g.RegionSizeBytesShift - WordShift
	g.RegionSizeWordsMask = g.RegionSizeWords - 1

	g.HumongousThresholdWords = g.RegionSizeWords * uintptr(opts.HumongousThresholdPercent) / 100
	g.HumongousThresholdBytes = g.HumongousThresholdWords * WordSize

	g.MaxTLABSizeWords = g.RegionSizeWords
	if g.HumongousThresholdWords < g.MaxTLABSizeWords {
		g.MaxTLABSizeWords = g.HumongousThresholdWords
	}
	g.MaxTLABSizeBytes = g.MaxTLABSizeWords * WordSize

	return g, adjusted, nil
}

// RequiredRegions returns how many regions an allocation of the given byte
// size spans.
func (g *Geometry) RequiredRegions(bytes uintptr) int {
	return int((bytes + g.RegionSizeBytes - 1) >> g.RegionSizeBytesShift)
}

// RequiresHumongous reports whether an allocation of the given word size
// cannot be satisfied inside a single regular region.
func (g *Geometry) RequiresHumongous(words uintptr) bool {
	return words > g.RegionSizeWords
}

// byteSize returns the byte distance between two word addresses.
func byteSize(from, to Address) uintptr {
	return uintptr(to-from) << WordShift
}

// alignUp rounds v up to the next multiple of align. align must be a power
// of two.
func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
