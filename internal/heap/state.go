package heap

import "fmt"

// RegionState describes where a region sits in its lifecycle.
//
// Region state is a state machine. Transitions are guarded by the heap lock,
// which allows changing the state of several regions atomically. States can
// be logically aggregated in groups:
//
//	"Empty":  EmptyUncommitted, EmptyCommitted
//	"Active": Regular, HumongousStart, HumongousCont, PinnedHumongousStart,
//	          Cset, Pinned, PinnedCset
//	"Trash":  Trash
//
// Transition from "Empty" to "Active" is first allocation. Transition from
// "Active" to "Trash" is reclamation; the Trash state allows quick
// reclamation without actual cleanup. Transition from "Trash" to "Empty" is
// recycling, which clears the region and its metadata and can run
// asynchronously and in bulk.
//
// The internal transitions disallow logic bugs:
//
//	a) no region goes Empty unless properly reclaimed and recycled;
//	b) no region goes Uncommitted unless recycled first;
//	c) only Regular regions (and, with humongous moves enabled, a humongous
//	   start) go to Cset;
//	d) Pinned cannot go Trash, so it can never be reclaimed until unpinned;
//	e) Pinned cannot go Cset directly, so it never moves;
//	f) humongous regions cannot take regular allocations;
//	g) a humongous continuation follows its start; it is not independently
//	   pinnable or movable;
//	h) Empty cannot go Trash, avoiding useless reclamation work.
type RegionState uint32

const (
	EmptyUncommitted     RegionState = iota // empty, backing memory uncommitted
	EmptyCommitted                          // empty, backing memory committed
	Regular                                 // takes regular allocations
	HumongousStart                          // first region of a humongous object
	HumongousCont                           // continuation of a humongous object
	PinnedHumongousStart                    // humongous start that is also pinned
	Cset                                    // member of the collection set
	Pinned                                  // pinned regular region
	PinnedCset                              // pinned while in cset (evac failure path)
	Trash                                   // contains only trash

	regionStatesNum // last
)

// RegionStatesNum returns the number of region states, for sizing
// per-state statistics tables.
func RegionStatesNum() int { return int(regionStatesNum) }

// String returns the human-readable state name.
func (s RegionState) String() string {
	switch s {
	case EmptyUncommitted:
		return "Empty Uncommitted"
	case EmptyCommitted:
		return "Empty Committed"
	case Regular:
		return "Regular"
	case HumongousStart:
		return "Humongous Start"
	case HumongousCont:
		return "Humongous Continuation"
	case PinnedHumongousStart:
		return "Humongous Start, Pinned"
	case Cset:
		return "Collection Set"
	case Pinned:
		return "Pinned"
	case PinnedCset:
		return "Collection Set, Pinned"
	case Trash:
		return "Trash"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

// ordinal maps each state to a stable diagnostic number. The mapping is
// deliberately independent of the declared constant order so that reordering
// the enum cannot silently change externally reported statistics. It must
// never be used to decide transition legality.
func (s RegionState) ordinal() int {
	switch s {
	case EmptyUncommitted:
		return 0
	case EmptyCommitted:
		return 1
	case Regular:
		return 2
	case HumongousStart:
		return 3
	case HumongousCont:
		return 4
	case Cset:
		return 5
	case Pinned:
		return 6
	case Trash:
		return 7
	case PinnedCset:
		return 8
	case PinnedHumongousStart:
		return 9
	default:
		panic(fmt.Sprintf("region state ordinal: unknown state %d", uint32(s)))
	}
}

// isEmptyState reports whether s is one of the "Empty" group states.
func isEmptyState(s RegionState) bool {
	return s == EmptyCommitted || s == EmptyUncommitted
}

// isHumongousStartState reports whether s is a humongous start, pinned or not.
func isHumongousStartState(s RegionState) bool {
	return s == HumongousStart || s == PinnedHumongousStart
}

// Affiliation is the generational classification of a region. It is
// meaningful only while the region is active or humongous.
type Affiliation uint32

const (
	AffiliationFree Affiliation = iota
	AffiliationYoung
	AffiliationOld
)

// String returns the affiliation name.
func (a Affiliation) String() string {
	switch a {
	case AffiliationFree:
		return "Free"
	case AffiliationYoung:
		return "Young"
	case AffiliationOld:
		return "Old"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(a))
	}
}
