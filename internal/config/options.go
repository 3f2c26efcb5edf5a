// Package config holds the heap tuning options: sizing policy consumed once
// at startup and a small set of knobs that are safe to reload while the
// collector runs.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	semver "github.com/Masterminds/semver/v3"
)

// formatConstraint gates the options file format. Files written for a later
// major revision are rejected instead of being half-applied.
const formatConstraint = "^1"

// Options is the tuning surface of the region heap. Zero values are not
// meaningful; start from Default and override.
type Options struct {
	// FormatVersion is the options file schema version, checked against the
	// supported constraint on load.
	FormatVersion string `json:"format_version"`

	// Sizing policy, consumed once when the heap geometry is derived.
	TargetNumRegions          int    `json:"target_num_regions"`
	MinRegionSizeBytes        uint64 `json:"min_region_size_bytes"`
	MaxRegionSizeBytes        uint64 `json:"max_region_size_bytes"`
	HumongousThresholdPercent int    `json:"humongous_threshold_percent"`

	// Behavior knobs; these are hot-reloadable.
	HumongousMoves          bool `json:"humongous_moves"`
	UncommitEnabled         bool `json:"uncommit_enabled"`
	AgeCensus               bool `json:"age_census"`
	MaxRegionAge            uint `json:"max_region_age"`
	CancellationPollObjects int  `json:"cancellation_poll_objects"`
	RecycleWorkers          int  `json:"recycle_workers"`
}

// Default returns the stock tuning.
func Default() *Options {
	return &Options{
		FormatVersion:             "1.0.0",
		TargetNumRegions:          2048,
		MinRegionSizeBytes:        256 * 1024,
		MaxRegionSizeBytes:        32 * 1024 * 1024,
		HumongousThresholdPercent: 100,
		HumongousMoves:            false,
		UncommitEnabled:           true,
		AgeCensus:                 true,
		MaxRegionAge:              15,
		CancellationPollObjects:   64,
		RecycleWorkers:            4,
	}
}

// Load reads an options file. Missing fields keep their defaults.
func Load(path string) (*Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	o := Default()
	if err := json.Unmarshal(b, o); err != nil {
		return nil, fmt.Errorf("options %s: %w", path, err)
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("options %s: %w", path, err)
	}
	return o, nil
}

// Validate checks the format version and the sizing invariants.
func (o *Options) Validate() error {
	v, err := semver.NewVersion(o.FormatVersion)
	if err != nil {
		return fmt.Errorf("format_version %q: %w", o.FormatVersion, err)
	}
	c, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return fmt.Errorf("format constraint: %w", err)
	}
	if !c.Check(v) {
		return fmt.Errorf("format_version %q outside supported range %q", o.FormatVersion, formatConstraint)
	}

	if o.TargetNumRegions < 1 {
		return fmt.Errorf("target_num_regions %d must be positive", o.TargetNumRegions)
	}
	if !isPowerOfTwo(o.MinRegionSizeBytes) || !isPowerOfTwo(o.MaxRegionSizeBytes) {
		return fmt.Errorf("region size bounds must be powers of two (min %d, max %d)",
			o.MinRegionSizeBytes, o.MaxRegionSizeBytes)
	}
	if o.MinRegionSizeBytes > o.MaxRegionSizeBytes {
		return fmt.Errorf("min_region_size_bytes %d exceeds max_region_size_bytes %d",
			o.MinRegionSizeBytes, o.MaxRegionSizeBytes)
	}
	if o.HumongousThresholdPercent < 1 || o.HumongousThresholdPercent > 100 {
		return fmt.Errorf("humongous_threshold_percent %d outside [1, 100]", o.HumongousThresholdPercent)
	}
	if o.CancellationPollObjects < 1 {
		return fmt.Errorf("cancellation_poll_objects %d must be positive", o.CancellationPollObjects)
	}
	if o.RecycleWorkers < 1 {
		return fmt.Errorf("recycle_workers %d must be positive", o.RecycleWorkers)
	}
	return nil
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
