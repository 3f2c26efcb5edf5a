// Command regionheap-inspect builds a region heap, runs a scripted exercise
// across the region lifecycle, and prints the resulting region table. It is
// a diagnostic aid for eyeballing state-machine and accounting behavior.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/SeleniaProject/regionheap/internal/config"
	"github.com/SeleniaProject/regionheap/internal/heap"
)

type regionRow struct {
	Index       int    `json:"index"`
	State       string `json:"state"`
	Ordinal     int    `json:"ordinal"`
	Affiliation string `json:"affiliation"`
	UsedBytes   uint64 `json:"used_bytes"`
	FreeBytes   uint64 `json:"free_bytes"`
	LiveBytes   uint64 `json:"live_bytes"`
	Age         uint   `json:"age"`
	Pins        uint64 `json:"pins"`
}

type report struct {
	RegionSizeBytes uint64      `json:"region_size_bytes"`
	RegionCount     int         `json:"region_count"`
	UsedBytes       uint64      `json:"used_bytes"`
	LiveBytes       uint64      `json:"live_bytes"`
	HumongousWaste  uint64      `json:"humongous_waste_bytes"`
	Recycled        int         `json:"recycled"`
	Regions         []regionRow `json:"regions"`
}

func main() {
	optionsPath := flag.String("options", "", "path to a heap options file (JSON)")
	heapMB := flag.Uint64("heap-size", 64, "heap size in MiB")
	jsonOut := flag.Bool("json", false, "emit the report as JSON")
	watch := flag.Bool("watch", false, "after the exercise, watch the options file and apply tunables")
	flag.Parse()

	opts := config.Default()
	if *optionsPath != "" {
		var err error
		opts, err = config.Load(*optionsPath)
		if err != nil {
			log.Fatalf("regionheap-inspect: %v", err)
		}
	}

	h, err := heap.NewHeap(uintptr(*heapMB)*1024*1024, opts, heap.Collaborators{})
	if err != nil {
		log.Fatalf("regionheap-inspect: %v", err)
	}
	defer h.Close()

	recycled := exercise(h)

	rep := buildReport(h, recycled)
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			log.Fatalf("regionheap-inspect: %v", err)
		}
	} else {
		printReport(rep)
	}

	if *watch && *optionsPath != "" {
		watchTunables(h, *optionsPath)
	}
}

// exercise walks a few regions through the full lifecycle: regular
// allocation, pinning, collection-set membership, trashing, a humongous
// object, and a recycle sweep.
func exercise(h *heap.Heap) int {
	r0 := h.Region(0)
	req := heap.AllocRequest{Kind: heap.AllocShared, Words: 1000, Affiliation: heap.AffiliationYoung}

	h.Locked(func() {
		r0.MakeRegularAllocation(heap.AffiliationYoung)
	})
	if _, ok := r0.Allocate(req.Words, req); !ok {
		log.Fatalf("regionheap-inspect: allocation of %d words failed unexpectedly", req.Words)
	}
	r0.IncreaseLiveDataAllocWords(uintptr(req.Words))

	r0.RecordPin()
	h.Locked(r0.MakePinned)
	r0.RecordUnpin()
	h.Locked(r0.MakeUnpinned)

	h.Locked(func() {
		r0.MakeCset()
		r0.MakeTrash()
	})

	humongousWords := int(h.Geometry().RegionSizeWords*3 + h.Geometry().RegionSizeWords/2)
	if _, _, ok := h.AllocateHumongous(humongousWords, heap.AllocRequest{
		Kind:        heap.AllocShared,
		Words:       humongousWords,
		Affiliation: heap.AffiliationOld,
	}); !ok {
		log.Fatalf("regionheap-inspect: humongous allocation of %d words failed", humongousWords)
	}

	// Promotion-style aligned allocation into an old region.
	old := h.Region(5)
	h.Locked(func() {
		old.MakeRegularAllocation(heap.AffiliationOld)
	})
	if _, ok := old.Allocate(33, heap.AllocRequest{Kind: heap.AllocPLAB, Words: 33}); !ok {
		log.Fatal("regionheap-inspect: old-region allocation failed unexpectedly")
	}
	if _, ok := old.AllocateAligned(500, heap.AllocRequest{Kind: heap.AllocPLAB, Words: 500}, 512); !ok {
		log.Fatal("regionheap-inspect: aligned allocation failed unexpectedly")
	}

	recycled, err := h.RecycleTrash(context.Background())
	if err != nil {
		log.Fatalf("regionheap-inspect: recycle sweep: %v", err)
	}
	return recycled
}

func buildReport(h *heap.Heap, recycled int) report {
	stats := h.CollectStats()
	rep := report{
		RegionSizeBytes: uint64(h.Geometry().RegionSizeBytes),
		RegionCount:     h.RegionCount(),
		UsedBytes:       uint64(stats.UsedBytes),
		LiveBytes:       uint64(stats.LiveBytes),
		HumongousWaste:  uint64(stats.HumongousWaste),
		Recycled:        recycled,
	}
	h.ForEachRegion(func(r *heap.Region) {
		// Skip never-touched empties to keep the table readable.
		if r.IsEmpty() && r.Used() == 0 && r.EmptyTime() == 0 {
			return
		}
		rep.Regions = append(rep.Regions, regionRow{
			Index:       r.Index(),
			State:       r.State().String(),
			Ordinal:     r.StateOrdinal(),
			Affiliation: r.Affiliation().String(),
			UsedBytes:   uint64(r.Used()),
			FreeBytes:   uint64(r.Free()),
			LiveBytes:   uint64(r.LiveDataBytes()),
			Age:         r.Age(),
			Pins:        r.PinCount(),
		})
	})
	return rep
}

func printReport(rep report) {
	fmt.Printf("region size: %d bytes, %d regions\n", rep.RegionSizeBytes, rep.RegionCount)
	fmt.Printf("used: %d bytes, live: %d bytes, humongous waste: %d bytes, recycled: %d\n",
		rep.UsedBytes, rep.LiveBytes, rep.HumongousWaste, rep.Recycled)
	fmt.Printf("%6s  %-24s %-6s %12s %12s %12s %4s %4s\n",
		"index", "state", "affil", "used", "free", "live", "age", "pins")
	for _, row := range rep.Regions {
		fmt.Printf("%6d  %-24s %-6s %12d %12d %12d %4d %4d\n",
			row.Index, row.State, row.Affiliation, row.UsedBytes, row.FreeBytes,
			row.LiveBytes, row.Age, row.Pins)
	}
}

// watchTunables applies hot-reloadable options until interrupted.
func watchTunables(h *heap.Heap, path string) {
	w, err := config.Watch(path)
	if err != nil {
		log.Fatalf("regionheap-inspect: watch: %v", err)
	}
	defer w.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	log.Printf("watching %s for tunable changes (interrupt to stop)", path)
	for {
		select {
		case o := <-w.Updates():
			h.ApplyTunables(o)
			log.Printf("applied tunables: humongous_moves=%v max_region_age=%d", o.HumongousMoves, o.MaxRegionAge)
		case err := <-w.Errors():
			log.Printf("options reload failed: %v", err)
		case <-sig:
			return
		}
	}
}
