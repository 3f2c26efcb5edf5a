package heap

import (
	"strings"
	"testing"

	"github.com/SeleniaProject/regionheap/internal/config"
)

func TestStateOrdinals(t *testing.T) {
	// The diagnostic ordinals are a stable external encoding; they must not
	// drift when the enum declaration order changes.
	want := map[RegionState]int{
		EmptyUncommitted:     0,
		EmptyCommitted:       1,
		Regular:              2,
		HumongousStart:       3,
		HumongousCont:        4,
		Cset:                 5,
		Pinned:               6,
		Trash:                7,
		PinnedCset:           8,
		PinnedHumongousStart: 9,
	}
	if len(want) != RegionStatesNum() {
		t.Fatalf("ordinal table covers %d states, enum has %d", len(want), RegionStatesNum())
	}
	seen := make(map[int]RegionState)
	for s, ord := range want {
		if got := s.ordinal(); got != ord {
			t.Errorf("state %q ordinal = %d, want %d", s, got, ord)
		}
		if prev, dup := seen[ord]; dup {
			t.Errorf("ordinal %d shared by %q and %q", ord, prev, s)
		}
		seen[ord] = s
	}
}

func TestStateNames(t *testing.T) {
	for s := RegionState(0); s < RegionState(RegionStatesNum()); s++ {
		if name := s.String(); name == "" || strings.HasPrefix(name, "Unknown") {
			t.Errorf("state %d has no name", int(s))
		}
	}
	if RegionState(200).String() != "Unknown(200)" {
		t.Errorf("out-of-range state name = %q", RegionState(200).String())
	}
}

func TestLegalLifecycle(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)

	// Empty committed <-> empty uncommitted.
	h.Locked(r.MakeUncommitted)
	if !r.IsEmptyUncommitted() || r.IsCommitted() {
		t.Fatalf("state %q after uncommit", r.State())
	}

	// First allocation commits and activates.
	h.Locked(func() { r.MakeRegularAllocation(AffiliationYoung) })
	if !r.IsRegular() || !r.IsYoung() || !r.IsActive() {
		t.Fatalf("state %q affiliation %q after activation", r.State(), r.Affiliation())
	}

	// Regular -> pinned -> regular.
	r.RecordPin()
	h.Locked(r.MakePinned)
	if !r.IsPinned() || !r.IsRegularPinned() {
		t.Fatalf("state %q after pin", r.State())
	}
	r.RecordUnpin()
	h.Locked(r.MakeUnpinned)
	if !r.IsRegular() {
		t.Fatalf("state %q after unpin", r.State())
	}

	// Regular -> cset -> trash -> (recycle) -> empty committed.
	h.Locked(func() {
		r.MakeCset()
		r.MakeTrash()
	})
	if !r.IsTrash() {
		t.Fatalf("state %q after trash", r.State())
	}
	if !r.TryRecycle() {
		t.Fatal("recycle of a trash region failed")
	}
	if !r.IsEmptyCommitted() || r.IsAffiliated() {
		t.Fatalf("state %q affiliation %q after recycle", r.State(), r.Affiliation())
	}
	if r.EmptyTime() == 0 {
		t.Fatal("recycle did not stamp the empty time")
	}
}

func TestPinnedCsetPath(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(1)

	h.Locked(func() { r.MakeRegularAllocation(AffiliationYoung) })
	h.Locked(r.MakeCset)

	// Pin arrives while the region is already condemned: evac failure path.
	r.RecordPin()
	h.Locked(r.MakePinned)
	if r.State() != PinnedCset {
		t.Fatalf("state %q, want pinned cset", r.State())
	}
	if !r.IsPinned() || !r.IsCset() {
		t.Fatal("pinned cset must report both pinned and cset")
	}

	r.RecordUnpin()
	h.Locked(r.MakeUnpinned)
	if r.State() != Cset {
		t.Fatalf("state %q after unpin, want cset", r.State())
	}
}

func TestMakeAffiliatedMaybe(t *testing.T) {
	h := newTestHeap(t)

	r := h.Region(0)
	h.Locked(r.MakeAffiliatedMaybe)
	if !r.IsYoung() {
		t.Fatalf("affiliation %q, want young", r.Affiliation())
	}

	// An already affiliated region keeps its classification.
	r2 := h.Region(1)
	h.Locked(func() { r2.MakeRegularAllocation(AffiliationOld) })
	h.Locked(r2.MakeAffiliatedMaybe)
	if !r2.IsOld() {
		t.Fatalf("affiliation %q after maybe, want old preserved", r2.Affiliation())
	}

	r3 := h.Region(2)
	h.Locked(func() {
		r3.MakeRegularAllocation(AffiliationYoung)
		r3.MakeCset()
	})
	expectPanic(t, "affiliate a cset region", func() {
		h.Locked(r3.MakeAffiliatedMaybe)
	})
}

func TestMakeTrashImmediate(t *testing.T) {
	rs := newRecordingRemset(64)
	h := newTestHeapWith(t, nil, Collaborators{RememberedSet: rs})

	// An old region reclaimed outside the cycle tells the remembered set its
	// whole range is one dead block.
	r := h.Region(0)
	h.Locked(func() {
		r.MakeRegularAllocation(AffiliationOld)
		r.MakeTrashImmediate()
	})
	if !r.IsTrash() {
		t.Fatalf("state %q, want trash", r.State())
	}
	if len(rs.resets) != 1 || rs.resets[0] != [2]Address{r.Bottom(), r.End()} {
		t.Fatalf("object-range resets %v, want the full region", rs.resets)
	}

	// Young regions carry no remembered-set entries to forget.
	r2 := h.Region(1)
	h.Locked(func() {
		r2.MakeRegularAllocation(AffiliationYoung)
		r2.MakeTrashImmediate()
	})
	if len(rs.resets) != 1 {
		t.Fatalf("young immediate trash touched the remembered set: %v", rs.resets)
	}
}

func TestSetLiveData(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)
	h.Locked(func() { r.MakeRegularAllocation(AffiliationYoung) })
	r.SetTop(r.Bottom() + 500)

	expectPanic(t, "wholesale live store without lock or pause", func() {
		r.SetLiveData(200)
	})

	h.EnterExclusivePhase()
	r.SetLiveData(200)
	h.LeaveExclusivePhase()
	if r.LiveDataWords() != 200 {
		t.Fatalf("live data %d words, want 200", r.LiveDataWords())
	}
}

func TestIllegalTransitions(t *testing.T) {
	// Each case drives a fresh region into a state through legal edges and
	// then requests one illegal edge.
	cases := []struct {
		name  string
		setup func(h *Heap, r *Region)
		op    func(h *Heap, r *Region)
	}{
		{
			name:  "EmptyToCset",
			setup: func(h *Heap, r *Region) {},
			op:    func(h *Heap, r *Region) { h.Locked(r.MakeCset) },
		},
		{
			name:  "EmptyToTrash",
			setup: func(h *Heap, r *Region) {},
			op:    func(h *Heap, r *Region) { h.Locked(r.MakeTrash) },
		},
		{
			name:  "EmptyUncommittedToCset",
			setup: func(h *Heap, r *Region) { h.Locked(r.MakeUncommitted) },
			op:    func(h *Heap, r *Region) { h.Locked(r.MakeCset) },
		},
		{
			name: "PinnedToCset",
			setup: func(h *Heap, r *Region) {
				h.Locked(func() { r.MakeRegularAllocation(AffiliationYoung) })
				r.RecordPin()
				h.Locked(r.MakePinned)
			},
			op: func(h *Heap, r *Region) { h.Locked(r.MakeCset) },
		},
		{
			name: "PinnedToTrash",
			setup: func(h *Heap, r *Region) {
				h.Locked(func() { r.MakeRegularAllocation(AffiliationYoung) })
				r.RecordPin()
				h.Locked(r.MakePinned)
			},
			op: func(h *Heap, r *Region) { h.Locked(r.MakeTrash) },
		},
		{
			name: "RegularToHumongousStart",
			setup: func(h *Heap, r *Region) {
				h.Locked(func() { r.MakeRegularAllocation(AffiliationYoung) })
			},
			op: func(h *Heap, r *Region) { h.Locked(r.MakeHumongousStart) },
		},
		{
			name: "CsetToRegularAllocation",
			setup: func(h *Heap, r *Region) {
				h.Locked(func() {
					r.MakeRegularAllocation(AffiliationYoung)
					r.MakeCset()
				})
			},
			op: func(h *Heap, r *Region) {
				h.Locked(func() { r.MakeRegularAllocation(AffiliationYoung) })
			},
		},
		{
			name: "TrashToCset",
			setup: func(h *Heap, r *Region) {
				h.Locked(func() {
					r.MakeRegularAllocation(AffiliationYoung)
					r.MakeCset()
					r.MakeTrash()
				})
			},
			op: func(h *Heap, r *Region) { h.Locked(r.MakeCset) },
		},
		{
			name: "TrashToUncommitted",
			setup: func(h *Heap, r *Region) {
				h.Locked(func() {
					r.MakeRegularAllocation(AffiliationYoung)
					r.MakeCset()
					r.MakeTrash()
				})
			},
			op: func(h *Heap, r *Region) { h.Locked(r.MakeUncommitted) },
		},
		{
			name:  "EmptyToEmpty",
			setup: func(h *Heap, r *Region) {},
			op:    func(h *Heap, r *Region) { h.Locked(r.MakeEmpty) },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHeap(t)
			r := h.Region(0)
			tc.setup(h, r)
			before := r.State()
			expectPanic(t, tc.name, func() { tc.op(h, r) })
			if r.State() != before {
				t.Fatalf("illegal transition mutated state: %q -> %q", before, r.State())
			}
		})
	}
}

func TestHumongousCsetGate(t *testing.T) {
	t.Run("MovesDisabled", func(t *testing.T) {
		h := newTestHeap(t)
		start, _, ok := h.AllocateHumongous(int(h.Geometry().RegionSizeWords)+1,
			AllocRequest{Kind: AllocShared, Affiliation: AffiliationYoung})
		if !ok {
			t.Fatal("humongous allocation failed")
		}
		expectPanic(t, "humongous start into cset with moves disabled", func() {
			h.Locked(start.MakeCset)
		})
	})

	t.Run("MovesEnabled", func(t *testing.T) {
		opts := config.Default()
		opts.HumongousMoves = true
		h := newTestHeapWith(t, opts, Collaborators{})
		start, _, ok := h.AllocateHumongous(int(h.Geometry().RegionSizeWords)+1,
			AllocRequest{Kind: AllocShared, Affiliation: AffiliationYoung})
		if !ok {
			t.Fatal("humongous allocation failed")
		}
		h.Locked(start.MakeCset)
		if !start.IsCset() {
			t.Fatalf("state %q, want cset", start.State())
		}
	})
}

func TestBypassTransitions(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(2)

	h.Locked(func() {
		r.MakeRegularAllocation(AffiliationYoung)
		r.MakeCset()
	})
	r.IncrementAge()
	r.IncrementAge()

	h.EnterExclusivePhase()
	defer h.LeaveExclusivePhase()

	r.MakeRegularBypass()
	if !r.IsRegular() {
		t.Fatalf("state %q after regular bypass", r.State())
	}
	if r.Age() != 0 {
		t.Fatalf("age %d after bypass, want reset", r.Age())
	}

	// Full-pause rebuild of a humongous object in place.
	r.MakeHumongousStartBypass(AffiliationOld)
	if r.State() != HumongousStart || !r.IsOld() {
		t.Fatalf("state %q affiliation %q after humongous start bypass", r.State(), r.Affiliation())
	}
	next := h.Region(3)
	next.MakeHumongousContBypass(AffiliationOld)
	if next.State() != HumongousCont {
		t.Fatalf("state %q after humongous cont bypass", next.State())
	}

	// Committed bypass is a no-op on committed states.
	r2 := h.Region(4)
	r2.MakeCommittedBypass()
	if !r2.IsEmptyCommitted() {
		t.Fatalf("state %q after committed bypass", r2.State())
	}
}
