package heap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/SeleniaProject/regionheap/internal/config"
)

// RememberedSet is the external cross-region reference tracker. The core
// registers object starts with it and consults its dirty-card predicate when
// scanning humongous slices.
type RememberedSet interface {
	// RegisterObject records an object start so card scans can parse the
	// region from any card boundary.
	RegisterObject(addr Address)
	// IsCardDirty reports whether the card covering addr holds interesting
	// references; writeTable selects the write-in-progress table.
	IsCardDirty(addr Address, writeTable bool) bool
	// CardSizeWords is the card granularity of the dirty predicate.
	CardSizeWords() int
	// ResetObjectRange forgets object starts in [from, end), treating the
	// whole range as one dead block.
	ResetObjectRange(from, to Address)
}

// MarkOracle is the view onto the external mark bitmap that the
// coalesce-and-fill repair pass needs.
type MarkOracle interface {
	// IsMarked reports whether the object starting at addr is live.
	IsMarked(addr Address) bool
	// NextMarked returns the first live object start in [from, limit), or
	// limit when there is none.
	NextMarked(from, limit Address) Address
}

// CancelGate is the pause controller's cancellation signal.
type CancelGate interface {
	IsCancelRequested() bool
}

type nopRememberedSet struct{}

func (nopRememberedSet) RegisterObject(Address)            {}
func (nopRememberedSet) IsCardDirty(Address, bool) bool    { return true }
func (nopRememberedSet) CardSizeWords() int                { return 64 }
func (nopRememberedSet) ResetObjectRange(Address, Address) {}

type nopMarkOracle struct{}

func (nopMarkOracle) IsMarked(Address) bool                  { return false }
func (nopMarkOracle) NextMarked(from, limit Address) Address { return limit }

type nopCancelGate struct{}

func (nopCancelGate) IsCancelRequested() bool { return false }

// Collaborators are the external subsystems this core consumes. Nil fields
// fall back to no-op implementations so the core runs standalone.
type Collaborators struct {
	RememberedSet RememberedSet
	Marks         MarkOracle
	Cancel        CancelGate
}

// heapLock is the heap-wide lock guarding state transitions. It allows a
// caller to change the state of several regions as one critical section.
// The held flag backs the transition preconditions; it tracks whether the
// lock is taken, not which goroutine took it.
type heapLock struct {
	mu   sync.Mutex
	held uint32 // atomic
}

func (l *heapLock) lock() {
	l.mu.Lock()
	atomic.StoreUint32(&l.held, 1)
}

func (l *heapLock) unlock() {
	atomic.StoreUint32(&l.held, 0)
	l.mu.Unlock()
}

func (l *heapLock) isHeld() bool {
	return atomic.LoadUint32(&l.held) == 1
}

// Heap owns the flat region array and the global coordination state: the
// heap lock, the exclusive-phase flag, the backing pager, and the
// collaborator interfaces.
type Heap struct {
	geom    *Geometry
	lockq   heapLock
	pager   pager
	words   []uint64 // Word view over the reservation
	regions []*Region

	remset RememberedSet
	marks  MarkOracle
	cancel CancelGate

	exclusive uint32 // Exclusive (stop-the-world) phase flag, atomic

	humongousWasteWords uint64 // Unused tail words of live humongous objects, atomic

	// Hot-reloadable tunables, atomic.
	humongousMoves    uint32
	maxRegionAge      uint32
	cancelPollObjects uint32
	ageCensus         uint32
	recycleWorkers    uint32
	uncommitEnabled   uint32

	sweeps singleflight.Group
}

// NewHeap reserves address space for maxHeapBytes, carves it into regions
// per the derived geometry, and commits the initial mapping. All regions
// start empty and committed; the uncommit policy trims them later.
func NewHeap(maxHeapBytes uintptr, opts *config.Options, collab Collaborators) (*Heap, error) {
	if opts == nil {
		opts = config.Default()
	}
	geom, adjusted, err := NewGeometry(maxHeapBytes, opts)
	if err != nil {
		return nil, err
	}

	pg, err := reservePages(adjusted)
	if err != nil {
		return nil, fmt.Errorf("heap: reserving %d bytes: %w", adjusted, err)
	}
	if err := pg.commit(0, adjusted); err != nil {
		pg.release()
		return nil, fmt.Errorf("heap: committing initial mapping: %w", err)
	}

	backing := pg.bytes()
	h := &Heap{
		geom:   geom,
		pager:  pg,
		words:  unsafe.Slice((*uint64)(unsafe.Pointer(&backing[0])), len(backing)/WordSize),
		remset: collab.RememberedSet,
		marks:  collab.Marks,
		cancel: collab.Cancel,
	}
	if h.remset == nil {
		h.remset = nopRememberedSet{}
	}
	if h.marks == nil {
		h.marks = nopMarkOracle{}
	}
	if h.cancel == nil {
		h.cancel = nopCancelGate{}
	}
	h.ApplyTunables(opts)

	h.regions = make([]*Region, geom.RegionCount)
	for i := range h.regions {
		h.regions[i] = newRegion(h, i, true)
	}
	return h, nil
}

// Close releases the heap's address-space reservation. Only used at
// teardown; regions are never destructed individually.
func (h *Heap) Close() error {
	return h.pager.release()
}

// ApplyTunables installs the runtime-safe subset of the options. Fed by the
// config watcher for hot reload; sizing knobs are ignored here because
// geometry is fixed at startup.
func (h *Heap) ApplyTunables(opts *config.Options) {
	storeBool := func(dst *uint32, v bool) {
		if v {
			atomic.StoreUint32(dst, 1)
		} else {
			atomic.StoreUint32(dst, 0)
		}
	}
	storeBool(&h.humongousMoves, opts.HumongousMoves)
	storeBool(&h.ageCensus, opts.AgeCensus)
	storeBool(&h.uncommitEnabled, opts.UncommitEnabled)
	atomic.StoreUint32(&h.maxRegionAge, uint32(opts.MaxRegionAge))
	atomic.StoreUint32(&h.cancelPollObjects, uint32(opts.CancellationPollObjects))
	atomic.StoreUint32(&h.recycleWorkers, uint32(opts.RecycleWorkers))
}

func (h *Heap) humongousMovesEnabled() bool { return atomic.LoadUint32(&h.humongousMoves) == 1 }
func (h *Heap) ageCensusEnabled() bool      { return atomic.LoadUint32(&h.ageCensus) == 1 }

// Geometry returns the heap's region sizing constants.
func (h *Heap) Geometry() *Geometry { return h.geom }

// RegionCount returns the number of regions in the heap.
func (h *Heap) RegionCount() int { return len(h.regions) }

// Region returns the region at the given index.
func (h *Heap) Region(i int) *Region {
	return h.regions[i]
}

// RegionAtAddress returns the region containing the word address.
func (h *Heap) RegionAtAddress(addr Address) *Region {
	idx := int(uintptr(addr) >> h.geom.RegionSizeWordsShift)
	if idx < 0 || idx >= len(h.regions) {
		panic(fmt.Sprintf("heap: address %d outside reserved space", addr))
	}
	return h.regions[idx]
}

// ForEachRegion calls fn for every region in index order.
func (h *Heap) ForEachRegion(fn func(*Region)) {
	for _, r := range h.regions {
		fn(r)
	}
}

// Heap lock.

// Lock acquires the heap-wide lock.
func (h *Heap) Lock() { h.lockq.lock() }

// Unlock releases the heap-wide lock.
func (h *Heap) Unlock() { h.lockq.unlock() }

// Locked runs fn while holding the heap lock. The lock is released on every
// exit path, including a panicking transition inside fn.
func (h *Heap) Locked(fn func()) {
	h.lockq.lock()
	defer h.lockq.unlock()
	fn()
}

// HeapLockedSelf reports whether the heap lock is currently taken.
func (h *Heap) HeapLockedSelf() bool { return h.lockq.isHeld() }

func (h *Heap) assertHeapLocked(op string) {
	if !h.lockq.isHeld() {
		panic(fmt.Sprintf("heap: %s requires the heap lock", op))
	}
}

func (h *Heap) assertHeapLockedOrExclusive(op string) {
	if !h.lockq.isHeld() && !h.InExclusivePhase() {
		panic(fmt.Sprintf("heap: %s requires the heap lock or an exclusive phase", op))
	}
}

// Exclusive (stop-the-world) phase. Bypass transitions are only legal while
// the flag is set; this is a checked precondition, not a convention.

// EnterExclusivePhase marks the start of a pause during which a single
// controller thread owns all region metadata.
func (h *Heap) EnterExclusivePhase() {
	if !atomic.CompareAndSwapUint32(&h.exclusive, 0, 1) {
		panic("heap: exclusive phase entered twice")
	}
}

// LeaveExclusivePhase marks the end of the pause.
func (h *Heap) LeaveExclusivePhase() {
	if !atomic.CompareAndSwapUint32(&h.exclusive, 1, 0) {
		panic("heap: exclusive phase left while not in one")
	}
}

// InExclusivePhase reports whether a pause controller owns the heap.
func (h *Heap) InExclusivePhase() bool {
	return atomic.LoadUint32(&h.exclusive) == 1
}

func (h *Heap) assertExclusivePhase(op string) {
	if !h.InExclusivePhase() {
		panic(fmt.Sprintf("heap: %s is a bypass operation, only callable in an exclusive phase", op))
	}
}

// RecycleTrash sweeps every trash region back to empty with a small worker
// pool. Concurrent callers collapse onto one sweep; all of them observe its
// result. Returns the number of regions this sweep recycled.
func (h *Heap) RecycleTrash(ctx context.Context) (int, error) {
	v, err, _ := h.sweeps.Do("recycle-trash", func() (interface{}, error) {
		workers := int(atomic.LoadUint32(&h.recycleWorkers))
		if workers < 1 {
			workers = 1
		}
		if workers > len(h.regions) {
			workers = len(h.regions)
		}

		var recycled int64
		g, ctx := errgroup.WithContext(ctx)
		for w := 0; w < workers; w++ {
			w := w
			g.Go(func() error {
				for i := w; i < len(h.regions); i += workers {
					if err := ctx.Err(); err != nil {
						return err
					}
					if h.regions[i].TryRecycle() {
						atomic.AddInt64(&recycled, 1)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return int(atomic.LoadInt64(&recycled)), err
		}
		return int(atomic.LoadInt64(&recycled)), nil
	})
	return v.(int), err
}

// UncommitEmpty releases backing memory of committed empty regions that have
// been empty since before the deadline. No-op when uncommit is disabled.
// Returns the number of regions uncommitted.
func (h *Heap) UncommitEmpty(before int64) int {
	if atomic.LoadUint32(&h.uncommitEnabled) == 0 {
		return 0
	}
	n := 0
	h.Locked(func() {
		for _, r := range h.regions {
			if r.IsEmptyCommitted() && r.EmptyTime() <= before {
				r.MakeUncommitted()
				n++
			}
		}
	})
	return n
}

func (h *Heap) increaseHumongousWaste(words uintptr) {
	atomic.AddUint64(&h.humongousWasteWords, uint64(words))
}

// decreaseHumongousWaste gives back the unused tail of a humongous region
// when it is trashed. The waste of a humongous region is its free space.
func (h *Heap) decreaseHumongousWaste(r *Region) {
	waste := uint64(byteSize(r.Top(), r.End()) >> WordShift)
	if waste == 0 {
		return
	}
	for {
		cur := atomic.LoadUint64(&h.humongousWasteWords)
		if waste > cur {
			panic(fmt.Sprintf("heap region %d: humongous waste underflow (%d > %d)", r.index, waste, cur))
		}
		if atomic.CompareAndSwapUint64(&h.humongousWasteWords, cur, cur-waste) {
			return
		}
	}
}

// HumongousWasteBytes returns the bytes reserved but unused at the tails of
// live humongous objects.
func (h *Heap) HumongousWasteBytes() uintptr {
	return uintptr(atomic.LoadUint64(&h.humongousWasteWords)) << WordShift
}

// Stats is a point-in-time aggregate over all regions, read by the
// statistics layer.
type Stats struct {
	Regions        int
	Committed      int
	Empty          int
	Active         int
	Trash          int
	UsedBytes      uintptr
	LiveBytes      uintptr
	SharedWords    uintptr
	TLABWords      uintptr
	GCLABWords     uintptr
	PLABWords      uintptr
	HumongousWaste uintptr
	StateHistogram [10]int // Indexed by diagnostic ordinal
}

// CollectStats walks the region array and aggregates. The walk is lock-free;
// counters are snapshots, consistent per region but not across regions.
func (h *Heap) CollectStats() Stats {
	s := Stats{Regions: len(h.regions), HumongousWaste: h.HumongousWasteBytes()}
	for _, r := range h.regions {
		if r.IsCommitted() {
			s.Committed++
		}
		switch {
		case r.IsEmpty():
			s.Empty++
		case r.IsTrash():
			s.Trash++
		default:
			s.Active++
		}
		s.UsedBytes += r.Used()
		s.LiveBytes += r.LiveDataBytes()
		s.SharedWords += r.SharedAllocs()
		s.TLABWords += r.TLABAllocs()
		s.GCLABWords += r.GCLABAllocs()
		s.PLABWords += r.PLABAllocs()
		s.StateHistogram[r.StateOrdinal()]++
	}
	return s
}
