// Package i915 is the command submission and memory residency core of a
// driver for Intel i830, i915 and i945 graphics.
//
// # Overview
//
// The core turns rendering requests into command batches for the GPU and
// keeps the memory those batches touch resident and consistent. It owns
// four things: buffer objects (package bufmgr), 2D surfaces and texture
// mipmap trees laid out in those objects (packages region and miptree),
// the command batch with its relocations (package batch), and the 2D
// blitter fallbacks plus the dirty-state emitter that feed it (packages
// blit and state). Package intel ties them into one explicit Context, and
// package bufobj builds GL-style buffer objects on top of it.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/i915"
//	    "github.com/gogpu/i915/backend/sim"
//	    "github.com/gogpu/i915/format"
//	    "github.com/gogpu/i915/hw"
//	    "github.com/gogpu/i915/miptree"
//	)
//
//	dev := sim.New(sim.Config{})
//	ctx, err := i915.NewContext(dev, i915.WithChipset(hw.ChipsetI945))
//	if err != nil {
//	    return err
//	}
//	defer ctx.Close()
//
//	tree, err := miptree.Create(ctx, miptree.Target2D, format.ARGB8888,
//	    0, 0, 256, 256, 1, false, miptree.TilingAny)
//
// # Backends
//
// Storage and execution are supplied by a bufmgr.Backend:
//   - backend/sim: a deterministic software GPU that executes MI and 2D
//     blitter commands, for tests and tools
//   - backend/hal: the same execution model with every buffer mirrored on a
//     gogpu/wgpu HAL device
//
// # Debugging
//
// Debug flags follow the INTEL_DEBUG convention; see intel.ParseDebug and
// WithDebugFromEnv. Logging goes through log/slog and is silent until
// SetLogger is called.
package i915

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)
