package i915

import (
	"io"
	"log/slog"
	"os"

	"github.com/gogpu/i915/hw"
	"github.com/gogpu/i915/intel"
)

// Option configures a Context during creation.
//
// Example:
//
//	ctx, err := i915.NewContext(dev,
//	    i915.WithChipset(hw.ChipsetI830),
//	    i915.WithDebug(intel.DebugPerf|intel.DebugBatch),
//	    i915.WithDumpWriter(os.Stderr))
type Option func(*intel.Config)

// WithChipset selects the GPU generation. Default: i915.
func WithChipset(c hw.Chipset) Option {
	return func(cfg *intel.Config) {
		cfg.Chipset = c
	}
}

// WithBatchSize sets the command batch size in bytes.
func WithBatchSize(n int) Option {
	return func(cfg *intel.Config) {
		cfg.BatchSize = n
	}
}

// WithMaxGTTMapSize sets the buffer size from which tiled miptrees are
// mapped through a blit to a linear temporary instead of the aperture.
func WithMaxGTTMapSize(n uint64) Option {
	return func(cfg *intel.Config) {
		cfg.MaxGTTMapObjectSize = n
	}
}

// WithDebug adds debug flags.
func WithDebug(f intel.DebugFlags) Option {
	return func(cfg *intel.Config) {
		cfg.Debug |= f
	}
}

// WithDebugFromEnv adds the debug flags named in the INTEL_DEBUG
// environment variable.
func WithDebugFromEnv() Option {
	return WithDebug(intel.ParseDebug(os.Getenv("INTEL_DEBUG")))
}

// WithLogger overrides the package logger for one context.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *intel.Config) {
		cfg.Logger = l
	}
}

// WithoutThrottle disables waiting on the previous frame at the first
// render after a buffer swap.
func WithoutThrottle() Option {
	return func(cfg *intel.Config) {
		cfg.DisableThrottle = true
	}
}

// WithDumpWriter sets where decoded batches go when the batch debug flag is
// set.
func WithDumpWriter(w io.Writer) Option {
	return func(cfg *intel.Config) {
		cfg.DumpWriter = w
	}
}

// WithBufferReuse keeps up to n released linear buffers for reuse by later
// allocations of the same size.
func WithBufferReuse(n int) Option {
	return func(cfg *intel.Config) {
		cfg.ReuseBuffers = n
	}
}
