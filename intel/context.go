// Package intel ties the buffer manager, the batch buffer and the state
// emitter into one rendering context.
//
// A Context is the explicit owner of everything the driver keeps per
// context: configuration, debug flags, the throttle state, and the sticky
// device-lost error. Several contexts can share a process.
package intel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gogpu/i915/batch"
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/hw"
	"github.com/gogpu/i915/state"
)

// ErrClosed is returned by operations on a closed Context.
var ErrClosed = errors.New("intel: context closed")

// Config configures a Context. Zero fields take defaults.
type Config struct {
	// Chipset selects layout rules and limits. Default: hw.ChipsetI915.
	Chipset hw.Chipset

	// BatchSize is the batch capacity in bytes. Default: batch.DefaultSize.
	BatchSize int

	// MaxGTTMapObjectSize is the largest tiled surface mapped directly
	// through the aperture. Larger ones are mapped through a blit.
	// Default: a quarter of the chipset's aperture.
	MaxGTTMapObjectSize uint64

	Debug DebugFlags

	// Logger receives diagnostics. Default: discard.
	Logger *slog.Logger

	// DisableThrottle stops PrepareRender from waiting on the previous
	// frame.
	DisableThrottle bool

	// DumpWriter receives decoded batches when Debug has DebugBatch.
	DumpWriter io.Writer

	// ReuseBuffers is how many released linear buffers are kept for reuse.
	// Zero disables reuse.
	ReuseBuffers int
}

func (c *Config) applyDefaults() {
	if c.Chipset == 0 {
		c.Chipset = hw.ChipsetI915
	}
	if c.BatchSize == 0 {
		c.BatchSize = batch.DefaultSize
	}
	if c.MaxGTTMapObjectSize == 0 {
		c.MaxGTTMapObjectSize = c.Chipset.GTTSize() / 4
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Context is one rendering context.
type Context struct {
	cfg     Config
	logger  *slog.Logger
	mgr     *bufmgr.Manager
	batch   *batch.Buffer
	state   *state.I830
	tracker *state.Tracker

	needThrottle bool
	closed       bool
}

// New creates a Context on backend.
func New(backend bufmgr.Backend, cfg Config) (*Context, error) {
	if backend == nil {
		return nil, errors.New("intel: nil backend")
	}
	cfg.applyDefaults()
	mgr := bufmgr.NewManager(backend, cfg.Logger)
	mgr.EnableReuse(cfg.ReuseBuffers)
	bcfg := batch.Config{
		Size:   cfg.BatchSize,
		Logger: cfg.Logger,
		Sync:   cfg.Debug.Has(DebugSync),
	}
	if cfg.Debug.Has(DebugBatch) {
		bcfg.Dump = cfg.DumpWriter
	}
	b, err := batch.New(mgr, bcfg)
	if err != nil {
		return nil, fmt.Errorf("intel: create batch: %w", err)
	}
	c := &Context{
		cfg:    cfg,
		logger: cfg.Logger,
		mgr:    mgr,
		batch:  b,
	}
	c.state, c.tracker = state.NewI830(b)
	c.state.Activate()
	c.logger.Info("intel: context created",
		"chipset", cfg.Chipset,
		"batch_size", cfg.BatchSize,
		"max_gtt_map", cfg.MaxGTTMapObjectSize,
		"debug", cfg.Debug.String(),
	)
	return c, nil
}

// Config returns the effective configuration.
func (c *Context) Config() Config { return c.cfg }

// Chipset returns the chipset the context targets.
func (c *Context) Chipset() hw.Chipset { return c.cfg.Chipset }

// Manager returns the buffer manager.
func (c *Context) Manager() *bufmgr.Manager { return c.mgr }

// Batch returns the batch buffer.
func (c *Context) Batch() *batch.Buffer { return c.batch }

// State returns the cached hardware state.
func (c *Context) State() *state.I830 { return c.state }

// Tracker returns the dirty-state tracker.
func (c *Context) Tracker() *state.Tracker { return c.tracker }

// Logger returns the context's logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Debug reports whether every flag in f is enabled.
func (c *Context) Debug(f DebugFlags) bool { return c.cfg.Debug.Has(f) }

// MaxGTTMapObjectSize returns the direct-map threshold for tiled surfaces.
func (c *Context) MaxGTTMapObjectSize() uint64 { return c.cfg.MaxGTTMapObjectSize }

// PerfDebug logs a performance warning when DebugPerf is set.
func (c *Context) PerfDebug(msg string, args ...any) {
	if c.cfg.Debug.Has(DebugPerf) {
		c.logger.Warn("intel: perf: "+msg, args...)
	}
}

// Err returns the device-lost error once the device is gone.
func (c *Context) Err() error { return c.batch.Err() }

// Flush submits the current batch.
func (c *Context) Flush() error {
	if c.closed {
		return ErrClosed
	}
	return c.batch.Flush()
}

// Finish submits the current batch and waits for the GPU to go idle on it.
func (c *Context) Finish() error {
	if c.closed {
		return ErrClosed
	}
	return c.batch.Finish()
}

// FlushIfReferenced submits the batch when it uses bo, so CPU access to bo
// sees the queued commands.
func (c *Context) FlushIfReferenced(bo *bufmgr.BO) error {
	if c.batch.References(bo) {
		return c.Flush()
	}
	return nil
}

// SwapBuffers ends a frame. The next PrepareRender throttles against the
// first batch this frame submitted.
func (c *Context) SwapBuffers() error {
	if err := c.Flush(); err != nil {
		return err
	}
	c.needThrottle = true
	return nil
}

// PrepareRender runs before rendering. After a SwapBuffers it waits for the
// first batch of the previous frame, keeping the CPU at most a frame
// ahead of the GPU.
func (c *Context) PrepareRender() error {
	if c.closed {
		return ErrClosed
	}
	if !c.needThrottle {
		return nil
	}
	bo := c.batch.TakeFirstPostSwap()
	if bo == nil {
		return nil
	}
	defer bo.Unreference()
	c.needThrottle = false
	if c.cfg.DisableThrottle {
		return nil
	}
	if bo.Busy() {
		c.PerfDebug("throttling on the previous frame")
	}
	return bo.Wait()
}

// Draw emits the dirty state and an inline primitive carrying vertices.
func (c *Context) Draw(prim uint32, vertices []uint32) error {
	if len(vertices) == 0 || len(vertices) > 0xffff {
		return fmt.Errorf("intel: draw with %d vertex dwords", len(vertices))
	}
	if err := c.PrepareRender(); err != nil {
		return err
	}
	n := 1 + len(vertices)
	res, err := c.tracker.Reserve(n)
	if err != nil {
		return err
	}
	if err := res.Emit(); err != nil {
		return err
	}
	if c.cfg.Debug.Has(DebugState) {
		c.logger.Debug("intel: draw", "prim", prim, "vertices", len(vertices), "state_words", res.Words())
	}
	p, err := c.batch.Begin(n)
	if err != nil {
		return err
	}
	p.Emit(hw.Prim3D(prim, len(vertices)))
	for _, v := range vertices {
		p.Emit(v)
	}
	p.End()
	c.tracker.AssertClean()
	return nil
}

// Close flushes outstanding work and releases the context's buffers. The
// backend stays open.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	err := c.batch.Flush()
	c.closed = true
	c.state.Release()
	if bo := c.batch.TakeFirstPostSwap(); bo != nil {
		bo.Unreference()
	}
	c.batch.Close()
	c.mgr.DrainReuse()
	c.logger.Info("intel: context destroyed", "live_buffers", c.mgr.LiveBOs())
	return err
}
