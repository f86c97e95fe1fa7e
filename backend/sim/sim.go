// Package sim provides a deterministic software backend for the buffer
// manager.
//
// Batches are executed by a command processor that understands MI and 2D
// blitter commands, so blits, fills and color-expansion land in simulated
// memory exactly as the GPU would place them. Tiled buffers are stored
// swizzled; GTT maps present them linearly.
//
//	dev := sim.New(sim.Config{Deferred: true})
//	ctx, err := i915.NewContext(dev)
package sim

import (
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/internal/gpusim"
)

// Config configures a Device. See the field docs for defaults.
type Config = gpusim.Config

// Device is a simulated GPU implementing bufmgr.Backend.
//
// Besides the backend interface it offers controls for tests: Retire runs
// queued batches, FailNextSubmit and LoseDevice inject failures, and Stats
// reports executed commands.
type Device struct {
	*gpusim.Engine
}

var _ bufmgr.Backend = (*Device)(nil)

// New creates a simulated device.
func New(cfg Config) *Device {
	return &Device{Engine: gpusim.New(cfg)}
}
