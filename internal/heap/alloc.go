package heap

import (
	"fmt"
	"sync/atomic"
)

// AllocKind identifies the origin of an allocation request. Each kind feeds
// its own per-region tally; the four tallies sum to Used().
type AllocKind int

const (
	AllocShared AllocKind = iota // General (shared) allocation
	AllocTLAB                    // Mutator thread-local allocation buffer
	AllocGCLAB                   // GC worker local allocation buffer
	AllocPLAB                    // Promotion local allocation buffer
)

// String returns the allocation kind name.
func (k AllocKind) String() string {
	switch k {
	case AllocShared:
		return "Shared"
	case AllocTLAB:
		return "TLAB"
	case AllocGCLAB:
		return "GCLAB"
	case AllocPLAB:
		return "PLAB"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// AllocRequest is the descriptor handed down by the allocation-context
// layer: what kind of buffer is being filled, how many words it wants, and
// which generation it is for.
type AllocRequest struct {
	Kind        AllocKind
	Words       int
	Affiliation Affiliation
}

// minFillWords is the smallest gap a filler object can cover: its one-word
// header.
const minFillWords = 1

// Allocate bump-allocates words from the region. It returns ok=false when
// the request does not fit; that is not an error, callers simply try another
// region. Allocation is legal only in states where IsAllocAllowed holds.
func (r *Region) Allocate(words int, req AllocRequest) (Address, bool) {
	if words <= 0 {
		panic(fmt.Sprintf("heap region %d: allocation of %d words", r.index, words))
	}
	if !r.IsAllocAllowed() {
		panic(fmt.Sprintf("heap region %d: allocation in state %q", r.index, r.State()))
	}

	obj := r.Top()
	if byteSize(obj, r.end) < uintptr(words)<<WordShift {
		return 0, false
	}
	r.setTop(obj + Address(words))
	r.adjustAllocMetadata(req.Kind, words)
	return obj, true
}

// AllocateAligned bump-allocates words such that the returned address is a
// multiple of alignmentBytes, inserting a filler object over the pad if the
// current frontier is misaligned. The pad is charged to the request's tally
// (so the tallies still sum to Used) but never to live data. Only old
// regions take aligned allocations; they come from the promotion path.
func (r *Region) AllocateAligned(words int, req AllocRequest, alignmentBytes uintptr) (Address, bool) {
	if alignmentBytes == 0 || alignmentBytes&(alignmentBytes-1) != 0 || alignmentBytes%WordSize != 0 {
		panic(fmt.Sprintf("heap region %d: bad allocation alignment %d", r.index, alignmentBytes))
	}
	if !r.IsOld() {
		panic(fmt.Sprintf("heap region %d: aligned allocation in %s region", r.index, r.Affiliation()))
	}
	if !r.IsAllocAllowed() {
		panic(fmt.Sprintf("heap region %d: allocation in state %q", r.index, r.State()))
	}

	origTop := r.Top()
	byteAddr := uintptr(origTop) << WordShift
	padWords := int((alignUp(byteAddr, alignmentBytes) - byteAddr) >> WordShift)
	if padWords > 0 && padWords < minFillWords {
		padWords += int(alignmentBytes >> WordShift)
	}

	if byteSize(origTop, r.end) < uintptr(words+padWords)<<WordShift {
		return 0, false
	}

	if padWords > 0 {
		r.heap.FillWithFiller(origTop, padWords)
		r.heap.remset.RegisterObject(origTop)
	}
	obj := origTop + Address(padWords)
	r.setTop(obj + Address(words))
	r.adjustAllocMetadata(req.Kind, words+padWords)
	return obj, true
}

func (r *Region) adjustAllocMetadata(kind AllocKind, words int) {
	switch kind {
	case AllocShared:
		atomic.AddUint64(&r.sharedAllocs, uint64(words))
	case AllocTLAB:
		atomic.AddUint64(&r.tlabAllocs, uint64(words))
	case AllocGCLAB:
		atomic.AddUint64(&r.gclabAllocs, uint64(words))
	case AllocPLAB:
		atomic.AddUint64(&r.plabAllocs, uint64(words))
	default:
		panic(fmt.Sprintf("heap region %d: unknown allocation kind %d", r.index, int(kind)))
	}
}

// ResetAllocMetadata zeroes the per-kind tallies. Runs while the region has
// no concurrent allocators (recycling claim or heap lock).
func (r *Region) ResetAllocMetadata() {
	atomic.StoreUint64(&r.sharedAllocs, 0)
	atomic.StoreUint64(&r.tlabAllocs, 0)
	atomic.StoreUint64(&r.gclabAllocs, 0)
	atomic.StoreUint64(&r.plabAllocs, 0)
}

// SharedAllocs returns words allocated for shared requests.
func (r *Region) SharedAllocs() uintptr { return uintptr(atomic.LoadUint64(&r.sharedAllocs)) }

// TLABAllocs returns words allocated into thread-local buffers.
func (r *Region) TLABAllocs() uintptr { return uintptr(atomic.LoadUint64(&r.tlabAllocs)) }

// GCLABAllocs returns words allocated into GC-local buffers.
func (r *Region) GCLABAllocs() uintptr { return uintptr(atomic.LoadUint64(&r.gclabAllocs)) }

// PLABAllocs returns words allocated into promotion-local buffers.
func (r *Region) PLABAllocs() uintptr { return uintptr(atomic.LoadUint64(&r.plabAllocs)) }

// Live data accounting. Adds are lock-free and commutative; multiple marking
// threads update the same region concurrently.

// IncreaseLiveDataAllocWords accounts words of live data for a newly
// allocated object.
func (r *Region) IncreaseLiveDataAllocWords(words uintptr) {
	r.internalIncreaseLiveData(words)
}

// IncreaseLiveDataGCWords accounts words of live data found by a marking
// worker.
func (r *Region) IncreaseLiveDataGCWords(words uintptr) {
	r.internalIncreaseLiveData(words)
}

func (r *Region) internalIncreaseLiveData(words uintptr) {
	live := atomic.AddUint64(&r.liveData, uint64(words))
	if uintptr(live)<<WordShift > r.Capacity() {
		panic(fmt.Sprintf("heap region %d: live data %d words exceeds region capacity", r.index, live))
	}
}

// ClearLiveData resets the live counter at the start of a marking epoch.
// Only legal under the heap lock; never concurrent with an in-flight add.
func (r *Region) ClearLiveData() {
	r.heap.assertHeapLocked("ClearLiveData")
	atomic.StoreUint64(&r.liveData, 0)
}

// SetLiveData overwrites the live counter, for exclusive phases that
// recompute liveness wholesale.
func (r *Region) SetLiveData(words uintptr) {
	r.heap.assertHeapLockedOrExclusive("SetLiveData")
	atomic.StoreUint64(&r.liveData, uint64(words))
}

// HasLive reports whether marking found any live data this epoch.
func (r *Region) HasLive() bool { return atomic.LoadUint64(&r.liveData) != 0 }

// LiveDataWords returns the live words accumulated this epoch.
func (r *Region) LiveDataWords() uintptr { return uintptr(atomic.LoadUint64(&r.liveData)) }

// LiveDataBytes returns the live bytes accumulated this epoch.
func (r *Region) LiveDataBytes() uintptr { return r.LiveDataWords() << WordShift }

// Garbage returns the bytes in use that marking did not find live.
func (r *Region) Garbage() uintptr {
	used := r.Used()
	live := r.LiveDataBytes()
	if live > used {
		panic(fmt.Sprintf("heap region %d: live %d bytes exceeds used %d bytes", r.index, live, used))
	}
	return used - live
}

// Frontier accessors.

// Top returns the current allocation frontier. Concurrent readers get a
// snapshot; the frontier has a single writer per allocation epoch.
func (r *Region) Top() Address {
	return Address(atomic.LoadUintptr(&r.top))
}

// SetTop moves the allocation frontier. The new value must stay within the
// region bounds.
func (r *Region) SetTop(v Address) {
	r.setTop(v)
}

func (r *Region) setTop(v Address) {
	if v < r.bottom || v > r.end {
		panic(fmt.Sprintf("heap region %d: top %d outside [%d, %d]", r.index, v, r.bottom, r.end))
	}
	atomic.StoreUintptr(&r.top, uintptr(v))
}

// NewTop returns the frontier used during evacuation planning. It is
// logically distinct from Top until evacuation commits.
func (r *Region) NewTop() Address { return r.newTop }

// SetNewTop moves the planning frontier.
func (r *Region) SetNewTop(v Address) {
	if v < r.bottom || v > r.end {
		panic(fmt.Sprintf("heap region %d: new top %d outside [%d, %d]", r.index, v, r.bottom, r.end))
	}
	r.newTop = v
}

// Bottom returns the first word of the region.
func (r *Region) Bottom() Address { return r.bottom }

// End returns one past the last word of the region.
func (r *Region) End() Address { return r.end }

// Capacity returns the region size in bytes.
func (r *Region) Capacity() uintptr { return byteSize(r.bottom, r.end) }

// Used returns the bytes below the allocation frontier.
func (r *Region) Used() uintptr { return byteSize(r.bottom, r.Top()) }

// Free returns the bytes available above the allocation frontier.
func (r *Region) Free() uintptr { return byteSize(r.Top(), r.end) }

// Contains reports whether the address falls inside the allocated part of
// the region.
func (r *Region) Contains(p Address) bool {
	return r.bottom <= p && p < r.Top()
}

// Promotion-in-place bookkeeping.

// SaveTopBeforePromote records the frontier before a promotion pass pads the
// region, so mixed young/old accounting can be undone.
func (r *Region) SaveTopBeforePromote() { r.topBeforePromoted = r.Top() }

// TopBeforePromote returns the saved frontier.
func (r *Region) TopBeforePromote() Address { return r.topBeforePromoted }

// RestoreTopBeforePromote rolls the frontier back to the saved value.
func (r *Region) RestoreTopBeforePromote() { r.setTop(r.topBeforePromoted) }

// UsedBeforePromote returns the bytes below the saved frontier.
func (r *Region) UsedBeforePromote() uintptr { return byteSize(r.bottom, r.topBeforePromoted) }

// Update watermark: the high-water mark up to which remembered-set scanning
// has processed the region.

// UpdateWatermark returns the current scan high-water mark.
func (r *Region) UpdateWatermark() Address {
	w := Address(atomic.LoadUintptr(&r.updateWatermark))
	r.checkWatermark(w)
	return w
}

// SetUpdateWatermark advances the scan high-water mark.
func (r *Region) SetUpdateWatermark(w Address) {
	r.checkWatermark(w)
	atomic.StoreUintptr(&r.updateWatermark, uintptr(w))
}

// SetUpdateWatermarkAtSafepoint stores the watermark during an exclusive
// phase, when no scanner can observe a torn value.
func (r *Region) SetUpdateWatermarkAtSafepoint(w Address) {
	r.heap.assertExclusivePhase("SetUpdateWatermarkAtSafepoint")
	r.checkWatermark(w)
	atomic.StoreUintptr(&r.updateWatermark, uintptr(w))
}

func (r *Region) checkWatermark(w Address) {
	if w < r.bottom || w > r.Top() {
		panic(fmt.Sprintf("heap region %d: update watermark %d outside [bottom %d, top %d]",
			r.index, w, r.bottom, r.Top()))
	}
}
