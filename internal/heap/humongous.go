package heap

import "fmt"

// A humongous object is larger than one region. It occupies a start region
// and zero or more continuation regions, contiguous by index. Navigation is
// pure index arithmetic into the heap's flat region array; regions carry no
// pointers to each other.

// ObjectRangeVisitor receives slices of a humongous object to scan. obj is
// the object's start address; [from, to) is the word window to process.
type ObjectRangeVisitor interface {
	DoRange(obj, from, to Address)
}

// AllocateHumongous claims a contiguous run of empty regions for an object
// of the given word size, transitions them, stamps the object header at the
// start, and returns the start region and object address. ok=false means no
// contiguous run fits; the caller collects or expands.
func (h *Heap) AllocateHumongous(words int, req AllocRequest) (*Region, Address, bool) {
	if !h.geom.RequiresHumongous(uintptr(words)) {
		panic(fmt.Sprintf("heap: humongous allocation of %d words fits a single region", words))
	}
	num := h.geom.RequiredRegions(uintptr(words) << WordShift)

	var start *Region
	var addr Address
	found := false
	h.Locked(func() {
		first := h.findContiguousEmpty(num)
		if first < 0 {
			return
		}
		start = h.regions[first]
		start.MakeHumongousStart()
		start.setAffiliation(req.Affiliation)
		remaining := words
		for i := 0; i < num; i++ {
			r := h.regions[first+i]
			if i > 0 {
				r.MakeHumongousCont()
				r.setAffiliation(req.Affiliation)
			}
			take := int(h.geom.RegionSizeWords)
			if remaining < take {
				take = remaining
			}
			r.setTop(r.bottom + Address(take))
			remaining -= take
		}
		start.adjustAllocMetadata(req.Kind, words)
		last := h.regions[first+num-1]
		h.increaseHumongousWaste(uintptr(last.End()-last.Top()))

		addr = start.Bottom()
		h.WriteObject(addr, words)
		found = true
	})
	if !found {
		return nil, 0, false
	}
	return start, addr, true
}

// findContiguousEmpty returns the first index of a run of num empty regions,
// or -1. Caller holds the heap lock.
func (h *Heap) findContiguousEmpty(num int) int {
	run := 0
	for i, r := range h.regions {
		if r.IsEmpty() {
			run++
			if run == num {
				return i - num + 1
			}
		} else {
			run = 0
		}
	}
	return -1
}

// HumongousStartRegion walks backward by index from any region of a
// humongous object to its start. The walk is bounded by the region count; a
// chain that does not terminate at a start signals heap corruption.
func (h *Heap) HumongousStartRegion(r *Region) *Region {
	if !r.IsHumongous() {
		panic(fmt.Sprintf("heap region %d: humongous start walk from state %q", r.index, r.State()))
	}
	cur := r
	for steps := 0; !cur.IsHumongousStart(); steps++ {
		if steps >= len(h.regions) || cur.index == 0 {
			panic(fmt.Sprintf("heap region %d: broken humongous chain", r.index))
		}
		cur = h.regions[cur.index-1]
		if !cur.IsHumongous() {
			panic(fmt.Sprintf("heap region %d: broken humongous chain at region %d", r.index, cur.index))
		}
	}
	return cur
}

// humongousContinuations returns the continuation regions following start,
// in index order. Caller holds the heap lock.
func (h *Heap) humongousContinuations(start *Region) []*Region {
	var conts []*Region
	for i := start.index + 1; i < len(h.regions); i++ {
		if !h.regions[i].IsHumongousContinuation() {
			break
		}
		conts = append(conts, h.regions[i])
	}
	return conts
}

// assertHumongousTailTrashed verifies every continuation of start is already
// trash, so the object is reclaimed as a whole or not at all.
func (h *Heap) assertHumongousTailTrashed(start *Region) {
	for i := start.index + 1; i < len(h.regions); i++ {
		r := h.regions[i]
		if r.IsHumongousContinuation() {
			panic(fmt.Sprintf("heap region %d: trashing humongous start with live continuation %d",
				start.index, r.index))
		}
		if !r.IsTrash() {
			// Past the trashed tail: any continuation beyond this point
			// belongs to a later object.
			break
		}
	}
}

// TrashHumongous reclaims a whole humongous object in one critical section,
// continuations last-to-first and the start last, so the chain invariant
// holds at every intermediate step.
func (h *Heap) TrashHumongous(start *Region) {
	h.Locked(func() {
		if !start.IsHumongousStart() {
			panic(fmt.Sprintf("heap region %d: TrashHumongous of state %q", start.index, start.State()))
		}
		conts := h.humongousContinuations(start)
		for i := len(conts) - 1; i >= 0; i-- {
			conts[i].MakeTrash()
		}
		start.MakeTrash()
	})
}

// OopIterateHumongousSliceAll visits the window [start, start+words) of the
// humongous object spanning region r, unconditionally. The visit is in terms
// of the logical object, never per continuation region.
func (h *Heap) OopIterateHumongousSliceAll(r *Region, v ObjectRangeVisitor, start Address, words int) {
	obj, from, to := h.clampHumongousSlice(r, start, words)
	if from >= to {
		return
	}
	v.DoRange(obj, from, to)
}

// OopIterateHumongousSliceDirty visits only the parts of the window whose
// cards the remembered set reports dirty, merging adjacent dirty cards into
// one visit. writeTable selects which card table the predicate consults.
func (h *Heap) OopIterateHumongousSliceDirty(r *Region, v ObjectRangeVisitor, start Address, words int, writeTable bool) {
	obj, from, to := h.clampHumongousSlice(r, start, words)
	if from >= to {
		return
	}
	card := Address(h.remset.CardSizeWords())
	if card == 0 {
		panic("heap: remembered set reports zero card size")
	}

	var runStart Address
	inRun := false
	for cur := from - from%card; cur < to; cur += card {
		lo, hi := cur, cur+card
		if lo < from {
			lo = from
		}
		if hi > to {
			hi = to
		}
		if h.remset.IsCardDirty(lo, writeTable) {
			if !inRun {
				runStart = lo
				inRun = true
			}
			continue
		}
		if inRun {
			v.DoRange(obj, runStart, lo)
			inRun = false
		}
	}
	if inRun {
		v.DoRange(obj, runStart, to)
	}
}

// clampHumongousSlice resolves the object start and clips the requested
// window to the object's extent.
func (h *Heap) clampHumongousSlice(r *Region, start Address, words int) (obj, from, to Address) {
	hs := h.HumongousStartRegion(r)
	obj = hs.Bottom()
	objEnd := obj + Address(h.ObjectSizeAt(obj))

	from = start
	if from < obj {
		from = obj
	}
	to = start + Address(words)
	if to > objEnd {
		to = objEnd
	}
	return obj, from, to
}
