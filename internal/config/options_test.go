package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("stock tuning does not validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heap.json")

	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("PartialFileKeepsDefaults", func(t *testing.T) {
		write(`{"format_version": "1.2.0", "recycle_workers": 8}`)
		o, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if o.RecycleWorkers != 8 {
			t.Fatalf("recycle_workers = %d, want 8", o.RecycleWorkers)
		}
		if o.TargetNumRegions != 2048 || o.MaxRegionAge != 15 {
			t.Fatalf("missing fields lost their defaults: %+v", o)
		}
	})

	t.Run("FutureFormatRejected", func(t *testing.T) {
		write(`{"format_version": "2.0.0"}`)
		if _, err := Load(path); err == nil {
			t.Fatal("options for a later major format loaded without error")
		}
	})

	t.Run("BadVersionString", func(t *testing.T) {
		write(`{"format_version": "latest"}`)
		if _, err := Load(path); err == nil {
			t.Fatal("unparsable format_version loaded without error")
		}
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		write(`{"target_num_regions": `)
		if _, err := Load(path); err == nil {
			t.Fatal("malformed file loaded without error")
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if _, err := Load(filepath.Join(dir, "absent.json")); err == nil {
			t.Fatal("missing file loaded without error")
		}
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"NonPowerOfTwoMin", func(o *Options) { o.MinRegionSizeBytes = 300 * 1024 }},
		{"NonPowerOfTwoMax", func(o *Options) { o.MaxRegionSizeBytes = 33 * 1024 * 1024 }},
		{"MinAboveMax", func(o *Options) {
			o.MinRegionSizeBytes = 64 * 1024 * 1024
		}},
		{"ZeroTargetRegions", func(o *Options) { o.TargetNumRegions = 0 }},
		{"ThresholdTooHigh", func(o *Options) { o.HumongousThresholdPercent = 101 }},
		{"ThresholdZero", func(o *Options) { o.HumongousThresholdPercent = 0 }},
		{"ZeroPollBudget", func(o *Options) { o.CancellationPollObjects = 0 }},
		{"ZeroWorkers", func(o *Options) { o.RecycleWorkers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := Default()
			tc.mutate(o)
			if err := o.Validate(); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heap.json")
	if err := os.WriteFile(path, []byte(`{"format_version": "1.0.0"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := Watch(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// A valid rewrite is delivered.
	if err := os.WriteFile(path, []byte(`{"format_version": "1.0.0", "max_region_age": 7}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case o := <-w.Updates():
		if o.MaxRegionAge != 7 {
			t.Fatalf("max_region_age = %d, want 7", o.MaxRegionAge)
		}
	case err := <-w.Errors():
		t.Fatalf("watcher error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no update delivered")
	}

	// A broken rewrite is reported, not delivered. Editors can emit several
	// write events per save, so a stale copy of the previous good options may
	// still surface; only genuinely new options are a failure.
	if err := os.WriteFile(path, []byte(`{"recycle_workers": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
waitErr:
	for {
		select {
		case o := <-w.Updates():
			if o.MaxRegionAge == 7 {
				continue
			}
			t.Fatalf("invalid options delivered: %+v", o)
		case <-w.Errors():
			// Last good options stay in force.
			break waitErr
		case <-deadline:
			t.Fatal("no error reported")
		}
	}

	// A change to a sibling file is ignored.
	select {
	case <-w.Updates(): // drain any leftover duplicate
	default:
	}
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case o := <-w.Updates():
		t.Fatalf("unrelated file produced an update: %+v", o)
	case <-time.After(200 * time.Millisecond):
	}
}
