package heap

import (
	"fmt"
	"sync/atomic"
)

// Generational age tracking and the old-generation parsability repair pass.
//
// Age counts the evacuation cycles a region's contents survived and feeds
// the promotion heuristics above this core. Coalesce-and-fill walks an old
// region after concurrent marking, merges runs of dead objects into single
// filler blocks and registers live object starts with the remembered set, so
// the region can be parsed by address while the old mark bitmap is not
// reliable.

// Age returns the survival counter.
func (r *Region) Age() uint { return uint(atomic.LoadUint32(&r.age)) }

// Youth returns the accumulated rejuvenation counter: epochs of aging that
// were discarded by resets while census accounting was enabled.
func (r *Region) Youth() uint { return uint(atomic.LoadUint32(&r.youth)) }

// IncrementAge bumps the survival counter, clamped at the configured
// maximum to bound the promotion-decision state space.
func (r *Region) IncrementAge() {
	maxAge := atomic.LoadUint32(&r.heap.maxRegionAge)
	for {
		a := atomic.LoadUint32(&r.age)
		if a >= maxAge {
			atomic.StoreUint32(&r.age, maxAge) // clamp
			return
		}
		if atomic.CompareAndSwapUint32(&r.age, a, a+1) {
			return
		}
	}
}

// ResetAge zeroes the survival counter. With census accounting enabled the
// discarded age folds into the youth counter first.
func (r *Region) ResetAge() {
	if r.heap.ageCensusEnabled() {
		atomic.AddUint32(&r.youth, atomic.LoadUint32(&r.age))
	}
	atomic.StoreUint32(&r.age, 0)
}

// ClearYouth zeroes the rejuvenation counter.
func (r *Region) ClearYouth() { atomic.StoreUint32(&r.youth, 0) }

// BeginPreemptibleCoalesceAndFill arms the repair pass at the region bottom.
func (r *Region) BeginPreemptibleCoalesceAndFill() {
	r.coalesceAndFillBoundary = r.bottom
}

// EndPreemptibleCoalesceAndFill marks the pass complete; the whole region is
// parsable.
func (r *Region) EndPreemptibleCoalesceAndFill() {
	r.coalesceAndFillBoundary = r.end
}

// SuspendCoalesceAndFill parks the pass at its next focus after a
// cancellation, for later resumption.
func (r *Region) SuspendCoalesceAndFill(nextFocus Address) {
	r.coalesceAndFillBoundary = nextFocus
}

// ResumeCoalesceAndFill returns where a suspended pass should continue.
func (r *Region) ResumeCoalesceAndFill() Address {
	return r.coalesceAndFillBoundary
}

// OopCoalesceAndFill advances the repair pass from the saved boundary to the
// allocation frontier. Live objects are registered with the remembered set;
// each dead run is overwritten with one filler and registered likewise.
// When cancellable, the cancellation gate is polled periodically; on cancel
// the boundary is saved at the last fully processed object and the pass
// returns false. Memory before the saved boundary is never reprocessed.
// Returns true when the region is completely coalesced and filled.
func (r *Region) OopCoalesceAndFill(cancellable bool) bool {
	if !r.IsOld() {
		panic(fmt.Sprintf("heap region %d: coalesce-and-fill of %s region", r.index, r.Affiliation()))
	}
	if !r.IsActive() {
		panic(fmt.Sprintf("heap region %d: coalesce-and-fill in state %q", r.index, r.State()))
	}

	h := r.heap
	poll := int(atomic.LoadUint32(&h.cancelPollObjects))
	if poll < 1 {
		poll = 1
	}

	cur := r.ResumeCoalesceAndFill()
	limit := r.Top()
	budget := poll
	for cur < limit {
		if h.marks.IsMarked(cur) {
			h.remset.RegisterObject(cur)
			cur += Address(h.ObjectSizeAt(cur))
		} else {
			next := h.marks.NextMarked(cur, limit)
			h.FillWithFiller(cur, int(next-cur))
			h.remset.RegisterObject(cur)
			cur = next
		}
		budget--
		if budget == 0 {
			budget = poll
			if cancellable && h.cancel.IsCancelRequested() {
				r.SuspendCoalesceAndFill(cur)
				return false
			}
		}
	}
	r.EndPreemptibleCoalesceAndFill()
	return true
}
