package heap

import (
	"testing"

	"github.com/SeleniaProject/regionheap/internal/config"
)

func TestGeometryDerivation(t *testing.T) {
	t.Run("SmallHeapClampsToMinRegion", func(t *testing.T) {
		// 16 MiB / 2048 target regions would be 8 KiB; the minimum wins.
		g, adjusted, err := NewGeometry(16<<20, nil)
		if err != nil {
			t.Fatal(err)
		}
		if g.RegionSizeBytes != 256<<10 {
			t.Fatalf("region size %d, want 256 KiB", g.RegionSizeBytes)
		}
		if g.RegionCount != 64 {
			t.Fatalf("region count %d, want 64", g.RegionCount)
		}
		if adjusted != 16<<20 {
			t.Fatalf("adjusted heap %d, want %d", adjusted, 16<<20)
		}
		if g.RegionSizeBytesShift != 18 || g.RegionSizeWordsShift != 15 {
			t.Fatalf("shifts %d/%d, want 18/15", g.RegionSizeBytesShift, g.RegionSizeWordsShift)
		}
		if g.RegionSizeBytesMask != (256<<10)-1 || g.RegionSizeWordsMask != (32<<10)-1 {
			t.Fatalf("masks %#x/%#x", g.RegionSizeBytesMask, g.RegionSizeWordsMask)
		}
		if g.RegionSizeWords != 32<<10 {
			t.Fatalf("region words %d, want 32768", g.RegionSizeWords)
		}
	})

	t.Run("LargeHeapHitsTarget", func(t *testing.T) {
		// 16 GiB / 2048 is exactly 8 MiB, inside the clamp window.
		g, _, err := NewGeometry(16<<30, nil)
		if err != nil {
			t.Fatal(err)
		}
		if g.RegionSizeBytes != 8<<20 || g.RegionCount != 2048 {
			t.Fatalf("got %d regions of %d bytes, want 2048 of 8 MiB", g.RegionCount, g.RegionSizeBytes)
		}
	})

	t.Run("HugeHeapClampsToMaxRegion", func(t *testing.T) {
		// 128 GiB / 2048 would be 64 MiB; the maximum wins and the region
		// count grows instead.
		g, _, err := NewGeometry(128<<30, nil)
		if err != nil {
			t.Fatal(err)
		}
		if g.RegionSizeBytes != 32<<20 || g.RegionCount != 4096 {
			t.Fatalf("got %d regions of %d bytes, want 4096 of 32 MiB", g.RegionCount, g.RegionSizeBytes)
		}
	})

	t.Run("RoundsDownToPowerOfTwo", func(t *testing.T) {
		// 1.5 GiB / 2048 is 768 KiB; region size rounds down to 512 KiB so
		// address-to-index conversion stays a shift.
		g, adjusted, err := NewGeometry(3<<29, nil)
		if err != nil {
			t.Fatal(err)
		}
		if g.RegionSizeBytes != 512<<10 {
			t.Fatalf("region size %d, want 512 KiB", g.RegionSizeBytes)
		}
		if g.RegionCount != 3072 || adjusted != 3<<29 {
			t.Fatalf("count %d adjusted %d", g.RegionCount, adjusted)
		}
	})

	t.Run("AdjustedDropsPartialRegion", func(t *testing.T) {
		_, adjusted, err := NewGeometry(16<<20+1000, nil)
		if err != nil {
			t.Fatal(err)
		}
		if adjusted != 16<<20 {
			t.Fatalf("adjusted heap %d, want the partial tail region dropped", adjusted)
		}
	})

	t.Run("TooSmall", func(t *testing.T) {
		// 2 MiB yields 8 regions of the minimum size, below the floor.
		if _, _, err := NewGeometry(2<<20, nil); err == nil {
			t.Fatal("expected an error for a heap below the region floor")
		}
	})
}

func TestGeometryHumongousThreshold(t *testing.T) {
	opts := config.Default()
	opts.HumongousThresholdPercent = 50
	g, _, err := NewGeometry(16<<20, opts)
	if err != nil {
		t.Fatal(err)
	}
	if g.HumongousThresholdWords != g.RegionSizeWords/2 {
		t.Fatalf("threshold %d words, want half of %d", g.HumongousThresholdWords, g.RegionSizeWords)
	}
	// TLABs never exceed the humongous threshold.
	if g.MaxTLABSizeWords != g.HumongousThresholdWords {
		t.Fatalf("max tlab %d words, want %d", g.MaxTLABSizeWords, g.HumongousThresholdWords)
	}
}

func TestRequiredRegions(t *testing.T) {
	g, _, err := NewGeometry(16<<20, nil)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		bytes uintptr
		want  int
	}{
		{1, 1},
		{256 << 10, 1},
		{256<<10 + 1, 2},
		{800 << 10, 4},
		{1 << 20, 4},
	}
	for _, tc := range cases {
		if got := g.RequiredRegions(tc.bytes); got != tc.want {
			t.Errorf("RequiredRegions(%d) = %d, want %d", tc.bytes, got, tc.want)
		}
	}
}

func TestRequiresHumongous(t *testing.T) {
	g, _, err := NewGeometry(16<<20, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.RequiresHumongous(g.RegionSizeWords) {
		t.Fatal("exactly one region of words must not be humongous")
	}
	if !g.RequiresHumongous(g.RegionSizeWords + 1) {
		t.Fatal("one word over a region must be humongous")
	}
}
