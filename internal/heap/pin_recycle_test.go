package heap

import (
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestPinBalance(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)
	h.Locked(func() { r.MakeRegularAllocation(AffiliationYoung) })

	r.RecordPin()
	r.RecordPin()
	h.Locked(r.MakePinned)

	// One holder left: the region stays pinned.
	r.RecordUnpin()
	if r.PinCount() != 1 {
		t.Fatalf("pin count %d, want 1", r.PinCount())
	}
	expectPanic(t, "unpin state change with outstanding pins", func() {
		h.Locked(r.MakeUnpinned)
	})

	r.RecordUnpin()
	h.Locked(r.MakeUnpinned)
	if !r.IsRegular() {
		t.Fatalf("state %q after last unpin", r.State())
	}

	expectPanic(t, "unpin without a matching pin", r.RecordUnpin)
}

func TestConcurrentPins(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)
	h.Locked(func() { r.MakeRegularAllocation(AffiliationYoung) })

	const holders = 32
	var g errgroup.Group
	for i := 0; i < holders; i++ {
		g.Go(func() error {
			r.RecordPin()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if r.PinCount() != holders {
		t.Fatalf("pin count %d, want %d", r.PinCount(), holders)
	}

	for i := 0; i < holders; i++ {
		g.Go(func() error {
			r.RecordUnpin()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if r.PinCount() != 0 {
		t.Fatalf("pin count %d after balanced unpins", r.PinCount())
	}
}

func TestConcurrentRecycleClaim(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)
	h.Locked(func() {
		r.MakeRegularAllocation(AffiliationYoung)
		r.MakeCset()
		r.MakeTrash()
	})

	const workers = 16
	var start sync.WaitGroup
	start.Add(1)
	var wins int64
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			start.Wait()
			if r.TryRecycle() {
				atomic.AddInt64(&wins, 1)
			}
			return nil
		})
	}
	start.Done()
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// Exactly one caller performs the clear; losing the race is not an error.
	if wins != 1 {
		t.Fatalf("%d recyclers won the claim, want exactly 1", wins)
	}
	if !r.IsEmptyCommitted() {
		t.Fatalf("state %q after concurrent recycle", r.State())
	}
}

func TestTryRecycleNonTrash(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)

	if r.TryRecycle() {
		t.Fatal("recycle of an empty region reported work done")
	}
	h.Locked(func() { r.MakeRegularAllocation(AffiliationYoung) })
	if r.TryRecycle() {
		t.Fatal("recycle of a regular region reported work done")
	}
}

func TestTryRecycleUnderLock(t *testing.T) {
	h := newTestHeap(t)
	r := h.Region(0)
	h.Locked(func() {
		r.MakeRegularAllocation(AffiliationYoung)
		r.MakeCset()
		r.MakeTrash()
	})

	expectPanic(t, "lock-path recycle without the heap lock", func() {
		r.TryRecycleUnderLock()
	})

	recycled := false
	h.Locked(func() {
		recycled = r.TryRecycleUnderLock()
	})
	if !recycled || !r.IsEmptyCommitted() {
		t.Fatalf("recycled=%v state=%q", recycled, r.State())
	}
}
