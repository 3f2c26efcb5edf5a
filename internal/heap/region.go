package heap

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Region is a fixed-size contiguous slice of managed heap address space, the
// unit of collection and state tracking. Regions live in a flat array owned
// by the Heap, indexed 0..RegionCount-1, and are never reallocated or moved.
type Region struct {
	heap *Heap // Owning heap, for geometry, pager and collaborators

	// Never updated fields
	index  int     // Ownership key used by every other subsystem
	bottom Address // First word of the region
	end    Address // One past the last word of the region

	// Rarely updated fields
	newTop            Address // Allocation frontier used during evacuation planning
	emptyTime         int64   // When the region last became empty (unix nanos)
	topBeforePromoted Address // Saved frontier for promotion in place

	// Seldom updated fields
	state                   uint32  // RegionState, atomic
	coalesceAndFillBoundary Address // Frontier of the old-gen parsability repair pass

	// Frequently updated fields
	top uintptr // Allocation frontier, atomic; single writer per epoch

	sharedAllocs uint64 // Words allocated for shared (general) requests
	tlabAllocs   uint64 // Words allocated into thread-local buffers
	gclabAllocs  uint64 // Words allocated into GC-local buffers
	plabAllocs   uint64 // Words allocated into promotion-local buffers

	liveData     uint64 // Live words accumulated by marking, atomic
	criticalPins uint64 // Outstanding pin holders, atomic

	updateWatermark uintptr // Address, atomic; remembered-set scan high-water mark

	affiliation uint32 // Affiliation, atomic

	age   uint32 // Evacuation cycles survived, clamped
	youth uint32 // Accumulated rejuvenation (discarded age), census only

	recycling        uint32 // Single-owner claim token for trash->empty, atomic
	needsBitmapReset bool   // Deferred-work marker for the next marking cycle
}

func newRegion(h *Heap, index int, committed bool) *Region {
	bottom := Address(uintptr(index) << h.geom.RegionSizeWordsShift)
	st := EmptyUncommitted
	if committed {
		st = EmptyCommitted
	}
	r := &Region{
		heap:   h,
		index:  index,
		bottom: bottom,
		end:    bottom + Address(h.geom.RegionSizeWords),
		state:  uint32(st),
	}
	r.top = uintptr(bottom)
	r.newTop = bottom
	r.updateWatermark = uintptr(bottom)
	r.coalesceAndFillBoundary = bottom
	return r
}

// Index returns the region's position in the heap's region array.
func (r *Region) Index() int { return r.index }

// State returns the current lifecycle state. The read is lock-free and may
// be performed by any thread at any time.
func (r *Region) State() RegionState {
	return RegionState(atomic.LoadUint32(&r.state))
}

// StateOrdinal returns the stable diagnostic encoding of the current state.
// It must never be used to infer transition legality.
func (r *Region) StateOrdinal() int { return r.State().ordinal() }

// setState stores a new state. Callers must hold the heap lock, the recycle
// claim, or be inside an exclusive phase; the transition operations enforce
// this.
func (r *Region) setState(to RegionState) {
	atomic.StoreUint32(&r.state, uint32(to))
}

func (r *Region) reportIllegalTransition(op string) {
	panic(fmt.Sprintf("heap region %d: illegal transition %s requested from state %q",
		r.index, op, r.State()))
}

// Primitive state predicates.

func (r *Region) IsEmptyUncommitted() bool      { return r.State() == EmptyUncommitted }
func (r *Region) IsEmptyCommitted() bool        { return r.State() == EmptyCommitted }
func (r *Region) IsRegular() bool               { return r.State() == Regular }
func (r *Region) IsHumongousContinuation() bool { return r.State() == HumongousCont }
func (r *Region) IsRegularPinned() bool         { return r.State() == Pinned }
func (r *Region) IsTrash() bool                 { return r.State() == Trash }

// Derived state predicates.

func (r *Region) IsEmpty() bool { return isEmptyState(r.State()) }

func (r *Region) IsActive() bool {
	s := r.State()
	return !isEmptyState(s) && s != Trash
}

func (r *Region) IsHumongousStart() bool { return isHumongousStartState(r.State()) }

func (r *Region) IsHumongous() bool {
	s := r.State()
	return isHumongousStartState(s) || s == HumongousCont
}

func (r *Region) IsCommitted() bool { return !r.IsEmptyUncommitted() }

func (r *Region) IsCset() bool {
	s := r.State()
	return s == Cset || s == PinnedCset
}

func (r *Region) IsPinned() bool {
	s := r.State()
	return s == Pinned || s == PinnedCset || s == PinnedHumongousStart
}

// Macro-properties.

// IsAllocAllowed reports whether bump-pointer allocation may target this
// region in its current state.
func (r *Region) IsAllocAllowed() bool {
	s := r.State()
	return isEmptyState(s) || s == Regular || s == Pinned
}

// IsStwMoveAllowed reports whether a stop-the-world evacuation may relocate
// this region's contents.
func (r *Region) IsStwMoveAllowed() bool {
	s := r.State()
	if s == Regular || s == Cset {
		return true
	}
	return s == HumongousStart && r.heap.humongousMovesEnabled()
}

// Affiliation returns the generational classification.
func (r *Region) Affiliation() Affiliation {
	return Affiliation(atomic.LoadUint32(&r.affiliation))
}

func (r *Region) IsYoung() bool      { return r.Affiliation() == AffiliationYoung }
func (r *Region) IsOld() bool        { return r.Affiliation() == AffiliationOld }
func (r *Region) IsAffiliated() bool { return r.Affiliation() != AffiliationFree }

// SetAffiliation reclassifies the region. Callers must hold the heap lock or
// be inside an exclusive phase.
func (r *Region) SetAffiliation(a Affiliation) {
	r.heap.assertHeapLockedOrExclusive("SetAffiliation")
	r.setAffiliation(a)
}

func (r *Region) setAffiliation(a Affiliation) {
	atomic.StoreUint32(&r.affiliation, uint32(a))
}

// EmptyTime returns when the region last became empty, in unix nanoseconds.
func (r *Region) EmptyTime() int64 { return r.emptyTime }

// NeedsBitmapReset reports the deferred-work marker consumed by the next
// marking cycle.
func (r *Region) NeedsBitmapReset() bool { return r.needsBitmapReset }
func (r *Region) SetNeedsBitmapReset()   { r.needsBitmapReset = true }
func (r *Region) UnsetNeedsBitmapReset() { r.needsBitmapReset = false }

// Transition operations. Each realizes one edge group of the state graph and
// aborts on any other request.

// MakeRegularAllocation moves an empty region into active service for
// regular allocations, committing backing memory first if needed.
func (r *Region) MakeRegularAllocation(a Affiliation) {
	r.heap.assertHeapLocked("MakeRegularAllocation")
	switch r.State() {
	case EmptyUncommitted:
		r.doCommit()
		fallthrough
	case EmptyCommitted:
		r.setAffiliation(a)
		r.setState(Regular)
	case Regular, Pinned:
		// Already in service; another allocator got here first.
	default:
		r.reportIllegalTransition("MakeRegularAllocation")
	}
}

// MakeAffiliatedMaybe classifies an unaffiliated active region as young.
// Used when a region enters service through a path that did not carry an
// affiliation.
func (r *Region) MakeAffiliatedMaybe() {
	r.heap.assertHeapLocked("MakeAffiliatedMaybe")
	switch r.State() {
	case EmptyCommitted, Regular, HumongousStart, HumongousCont:
		if !r.IsAffiliated() {
			r.setAffiliation(AffiliationYoung)
		}
	default:
		r.reportIllegalTransition("MakeAffiliatedMaybe")
	}
}

// MakeRegularBypass forces a region to Regular during an exclusive phase,
// skipping the transition graph. Used by full-heap pauses that rebuild
// region metadata wholesale.
func (r *Region) MakeRegularBypass() {
	r.heap.assertExclusivePhase("MakeRegularBypass")
	switch r.State() {
	case EmptyUncommitted:
		r.doCommit()
		fallthrough
	case EmptyCommitted, Cset, HumongousStart, HumongousCont:
		r.setState(Regular)
		r.ResetAge()
		if !r.IsAffiliated() {
			r.setAffiliation(AffiliationYoung)
		}
	case Regular:
		// Nothing to do.
	default:
		r.reportIllegalTransition("MakeRegularBypass")
	}
}

// MakeHumongousStart marks an empty region as the first region of a
// humongous object.
func (r *Region) MakeHumongousStart() {
	r.heap.assertHeapLocked("MakeHumongousStart")
	switch r.State() {
	case EmptyUncommitted:
		r.doCommit()
		fallthrough
	case EmptyCommitted:
		r.setState(HumongousStart)
	default:
		r.reportIllegalTransition("MakeHumongousStart")
	}
}

// MakeHumongousCont marks an empty region as a continuation of the
// humongous object started in a lower-indexed region.
func (r *Region) MakeHumongousCont() {
	r.heap.assertHeapLocked("MakeHumongousCont")
	switch r.State() {
	case EmptyUncommitted:
		r.doCommit()
		fallthrough
	case EmptyCommitted:
		r.setState(HumongousCont)
	default:
		r.reportIllegalTransition("MakeHumongousCont")
	}
}

// MakeHumongousStartBypass forces a humongous start during an exclusive
// phase, for pauses that re-materialize humongous objects in place.
func (r *Region) MakeHumongousStartBypass(a Affiliation) {
	r.heap.assertExclusivePhase("MakeHumongousStartBypass")
	switch r.State() {
	case EmptyUncommitted:
		r.doCommit()
		fallthrough
	case EmptyCommitted, Regular, Cset, HumongousStart, HumongousCont:
		r.setAffiliation(a)
		r.setState(HumongousStart)
		r.ResetAge()
	default:
		r.reportIllegalTransition("MakeHumongousStartBypass")
	}
}

// MakeHumongousContBypass is the continuation counterpart of
// MakeHumongousStartBypass.
func (r *Region) MakeHumongousContBypass(a Affiliation) {
	r.heap.assertExclusivePhase("MakeHumongousContBypass")
	switch r.State() {
	case EmptyUncommitted:
		r.doCommit()
		fallthrough
	case EmptyCommitted, Regular, Cset, HumongousStart, HumongousCont:
		r.setAffiliation(a)
		r.setState(HumongousCont)
		r.ResetAge()
	default:
		r.reportIllegalTransition("MakeHumongousContBypass")
	}
}

// MakePinned records that the region now has at least one pin holder in its
// state. RecordPin must have been called first.
func (r *Region) MakePinned() {
	r.heap.assertHeapLocked("MakePinned")
	if r.PinCount() == 0 {
		panic(fmt.Sprintf("heap region %d: MakePinned with zero pin count", r.index))
	}
	switch r.State() {
	case Regular:
		r.setState(Pinned)
	case Cset:
		r.setState(PinnedCset)
	case HumongousStart:
		r.setState(PinnedHumongousStart)
	case Pinned, PinnedCset, PinnedHumongousStart:
		// Already pinned.
	default:
		r.reportIllegalTransition("MakePinned")
	}
}

// MakeUnpinned drops the pinned flavor of the current state once the last
// pin holder is gone.
func (r *Region) MakeUnpinned() {
	r.heap.assertHeapLocked("MakeUnpinned")
	if r.PinCount() != 0 {
		panic(fmt.Sprintf("heap region %d: MakeUnpinned with %d outstanding pins", r.index, r.PinCount()))
	}
	switch r.State() {
	case Pinned:
		r.setState(Regular)
	case PinnedCset:
		r.setState(Cset)
	case PinnedHumongousStart:
		r.setState(HumongousStart)
	case Regular, Cset, HumongousStart:
		// Pins were dropped before the state caught up; nothing to undo.
	default:
		r.reportIllegalTransition("MakeUnpinned")
	}
}

// MakeCset places the region into the collection set. Pinned regions are
// rejected; they must be unpinned first so they can never move.
func (r *Region) MakeCset() {
	r.heap.assertHeapLocked("MakeCset")
	switch r.State() {
	case Regular:
		r.setState(Cset)
	case HumongousStart:
		if r.heap.humongousMovesEnabled() {
			r.setState(Cset)
			return
		}
		r.reportIllegalTransition("MakeCset")
	case Cset:
		// Already a member.
	default:
		r.reportIllegalTransition("MakeCset")
	}
}

// MakeTrash reclaims the region. A humongous start may only be trashed after
// every one of its continuations; a formerly pinned cset region only after
// its pins dropped to zero.
func (r *Region) MakeTrash() {
	r.heap.assertHeapLocked("MakeTrash")
	switch r.State() {
	case HumongousStart:
		r.heap.assertHumongousTailTrashed(r)
		r.heap.decreaseHumongousWaste(r)
		r.setState(Trash)
	case HumongousCont:
		r.heap.decreaseHumongousWaste(r)
		r.setState(Trash)
	case Cset, Regular:
		r.setState(Trash)
	case PinnedCset:
		if r.PinCount() != 0 {
			panic(fmt.Sprintf("heap region %d: MakeTrash on pinned cset with %d outstanding pins",
				r.index, r.PinCount()))
		}
		r.setState(Trash)
	default:
		r.reportIllegalTransition("MakeTrash")
	}
}

// MakeTrashImmediate reclaims a region outside the normal cycle, for
// immediately-garbage regions discovered at mark end. For old regions the
// remembered set is told the whole range is one dead block so card scans
// stay parsable.
func (r *Region) MakeTrashImmediate() {
	wasOld := r.IsOld()
	r.MakeTrash()
	if wasOld {
		r.heap.remset.ResetObjectRange(r.bottom, r.end)
	}
}

// MakeEmpty finishes recycling: trash becomes an empty committed region.
// Callable while holding the heap lock or the region's recycle claim.
func (r *Region) MakeEmpty() {
	if !r.recycleClaimHeld() {
		r.heap.assertHeapLocked("MakeEmpty")
	}
	switch r.State() {
	case Trash:
		r.setState(EmptyCommitted)
		r.emptyTime = time.Now().UnixNano()
	default:
		r.reportIllegalTransition("MakeEmpty")
	}
}

// MakeUncommitted releases the backing memory of an empty region.
func (r *Region) MakeUncommitted() {
	r.heap.assertHeapLocked("MakeUncommitted")
	switch r.State() {
	case EmptyCommitted:
		r.doUncommit()
		r.setState(EmptyUncommitted)
	default:
		r.reportIllegalTransition("MakeUncommitted")
	}
}

// MakeCommittedBypass commits backing memory during an exclusive phase.
func (r *Region) MakeCommittedBypass() {
	r.heap.assertExclusivePhase("MakeCommittedBypass")
	switch r.State() {
	case EmptyUncommitted:
		r.doCommit()
		r.setState(EmptyCommitted)
	default:
		// Every other state is already committed.
	}
}

// Pinning.

// RecordPin registers one pin holder. Lock-free; the state transition to a
// pinned flavor happens separately under the heap lock.
func (r *Region) RecordPin() {
	atomic.AddUint64(&r.criticalPins, 1)
}

// RecordUnpin releases one pin holder. Unpinning a region with no
// outstanding pins is a contract violation.
func (r *Region) RecordUnpin() {
	for {
		c := atomic.LoadUint64(&r.criticalPins)
		if c == 0 {
			panic(fmt.Sprintf("heap region %d: RecordUnpin without a matching pin", r.index))
		}
		if atomic.CompareAndSwapUint64(&r.criticalPins, c, c-1) {
			return
		}
	}
}

// PinCount returns the number of outstanding pin holders.
func (r *Region) PinCount() uint64 {
	return atomic.LoadUint64(&r.criticalPins)
}

// Recycling.

// TryRecycle attempts the lock-free trash->empty transition. Exactly one of
// any number of concurrent callers performs the clear; the others lose the
// claim race, do no work, and return false. Losing is not an error.
func (r *Region) TryRecycle() bool {
	if !r.IsTrash() {
		return false
	}
	if !r.claimRecycle() {
		return false
	}
	recycled := false
	// Recheck under the claim: a racing recycler may have finished between
	// the trash check and the claim.
	if r.IsTrash() {
		r.recycleInternal()
		recycled = true
	}
	r.releaseRecycle()
	return recycled
}

// TryRecycleUnderLock is the heap-lock path of recycling, used when the
// caller is already inside a multi-region critical section.
func (r *Region) TryRecycleUnderLock() bool {
	r.heap.assertHeapLocked("TryRecycleUnderLock")
	if !r.IsTrash() {
		return false
	}
	if !r.claimRecycle() {
		return false
	}
	recycled := false
	if r.IsTrash() {
		r.recycleInternal()
		recycled = true
	}
	r.releaseRecycle()
	return recycled
}

func (r *Region) claimRecycle() bool {
	return atomic.CompareAndSwapUint32(&r.recycling, 0, 1)
}

func (r *Region) releaseRecycle() {
	if !atomic.CompareAndSwapUint32(&r.recycling, 1, 0) {
		panic(fmt.Sprintf("heap region %d: recycle claim double-release", r.index))
	}
}

func (r *Region) recycleClaimHeld() bool {
	return atomic.LoadUint32(&r.recycling) == 1
}

// recycleInternal clears the region and its metadata. The caller holds the
// recycle claim, so no other thread observes the intermediate values.
func (r *Region) recycleInternal() {
	if !r.IsTrash() {
		panic(fmt.Sprintf("heap region %d: recycle of non-trash region in state %q", r.index, r.State()))
	}
	r.ResetAllocMetadata()
	atomic.StoreUint64(&r.liveData, 0)
	r.ResetAge()
	r.setAffiliation(AffiliationFree)
	atomic.StoreUintptr(&r.top, uintptr(r.bottom))
	r.newTop = r.bottom
	r.topBeforePromoted = r.bottom
	atomic.StoreUintptr(&r.updateWatermark, uintptr(r.bottom))
	r.coalesceAndFillBoundary = r.bottom
	r.MakeEmpty()
}

// Backing memory.

func (r *Region) doCommit() {
	if err := r.heap.pager.commit(r.byteOffset(), r.heap.geom.RegionSizeBytes); err != nil {
		panic(fmt.Sprintf("heap region %d: commit of backing memory failed: %v", r.index, err))
	}
}

func (r *Region) doUncommit() {
	if err := r.heap.pager.uncommit(r.byteOffset(), r.heap.geom.RegionSizeBytes); err != nil {
		panic(fmt.Sprintf("heap region %d: uncommit of backing memory failed: %v", r.index, err))
	}
}

func (r *Region) byteOffset() uintptr {
	return uintptr(r.index) << r.heap.geom.RegionSizeBytesShift
}
