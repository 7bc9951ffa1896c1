package kmain

import (
	"log/slog"

	"chromaos/kernel/mm"

	"github.com/cockroachdb/errors"
)

// Config holds the tunables of the memory subsystem. The virtual memory
// layout is fixed at compile time by the mm package constants.
type Config struct {
	// LowThreshold is the physical address below which frames are served
	// by the low buddy list.
	LowThreshold uintptr `yaml:"low_threshold"`

	// HeapInitialSize is the size of the first kernel heap pool.
	HeapInitialSize uintptr `yaml:"heap_initial_size"`

	// HeapMinGrowth is the minimum size of every pool added when the heap
	// runs out of space.
	HeapMinGrowth uintptr `yaml:"heap_min_growth"`

	LogLevel slog.Level `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when booting real hardware.
func DefaultConfig() Config {
	return Config{
		LowThreshold:    mm.LowerRegion,
		HeapInitialSize: 1 << 20,
		HeapMinGrowth:   256 << 10,
		LogLevel:        slog.LevelInfo,
	}
}

// Validate checks that cfg can be used to boot.
func (cfg Config) Validate() error {
	switch {
	case cfg.LowThreshold == 0 || cfg.LowThreshold&(mm.PageSize-1) != 0:
		return errors.Newf("low threshold 0x%x is not a non-zero multiple of the page size", cfg.LowThreshold)
	case cfg.HeapInitialSize == 0:
		return errors.New("initial heap size must be non-zero")
	case cfg.HeapMinGrowth < mm.PageSize:
		return errors.Newf("minimum heap growth %d is smaller than a page", cfg.HeapMinGrowth)
	}
	return nil
}
