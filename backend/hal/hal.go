// Package hal provides a buffer manager backend that mirrors every buffer
// object into a buffer of a wgpu HAL device.
//
// Command batches are interpreted by the same command processor as
// backend/sim; after a batch runs, every buffer it wrote is uploaded to its
// HAL mirror with Queue.WriteBuffer and an empty submission marks the
// point on the HAL queue, so the HAL device sees each buffer's contents in
// submission order. This lets the
// driver core run inside an application that already owns a GPU device,
// and lets tests run it against the noop HAL.
//
//	dev, err := hal.New(device, queue, hal.Config{})
//	ctx, err := i915.NewContext(dev)
package hal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	gpuhal "github.com/gogpu/wgpu/hal"

	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/internal/cmdproc"
	"github.com/gogpu/i915/internal/gpusim"
)

// ErrNoHAL is returned by NewFromProvider when the provider does not expose
// a HAL device and queue.
var ErrNoHAL = errors.New("hal: provider does not expose HAL types")

// mirrorUsage is the usage of every mirror buffer.
const mirrorUsage = gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc

// Config configures a Device.
type Config struct {
	// Sim configures the command processor and object storage.
	Sim gpusim.Config

	// WaitTimeout bounds each wait for the HAL queue. Default: 5s.
	WaitTimeout time.Duration

	// Logger receives mirror diagnostics. Default: discard.
	Logger *slog.Logger
}

// Device is a bufmgr.Backend whose buffers are mirrored on a HAL device.
type Device struct {
	engine  *gpusim.Engine
	device  gpuhal.Device
	queue   gpuhal.Queue
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	pending  []mirrorJob
	uploads  int
	mirrored uint64
	index    uint64
	err      error
	live     map[*allocation]struct{}
	closed   bool
}

// mirrorJob records the buffers one submission writes.
type mirrorJob struct {
	seqno  uint64
	writes []*allocation
}

var _ bufmgr.Backend = (*Device)(nil)

// New creates a Device on a HAL device and queue. The caller keeps
// ownership of both.
func New(device gpuhal.Device, queue gpuhal.Queue, cfg Config) (*Device, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("hal: nil device or queue")
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Device{
		engine:  gpusim.New(cfg.Sim),
		device:  device,
		queue:   queue,
		timeout: cfg.WaitTimeout,
		logger:  cfg.Logger,
		live:    make(map[*allocation]struct{}),
	}, nil
}

// NewFromProvider creates a Device on the HAL device of a host
// application's device provider. The provider must implement
// HalDevice() any and HalQueue() any returning hal.Device and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider, cfg Config) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(gpuhal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(gpuhal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	return New(device, queue, cfg)
}

// allocation is a simulated object with its HAL mirror.
type allocation struct {
	*gpusim.Object
	d      *Device
	mirror gpuhal.Buffer
}

// Free implements bufmgr.Allocation.
func (a *allocation) Free() {
	a.d.mu.Lock()
	delete(a.d.live, a)
	if !a.d.closed {
		a.d.device.DestroyBuffer(a.mirror)
	}
	a.mirror = nil
	a.d.mu.Unlock()
	a.Object.Free()
}

func (d *Device) wrap(obj *gpusim.Object) (*allocation, error) {
	buf, err := d.device.CreateBuffer(&gpuhal.BufferDescriptor{
		Label: obj.Label(),
		Size:  obj.Size(),
		Usage: mirrorUsage,
	})
	if err != nil {
		obj.Free()
		return nil, fmt.Errorf("%w: hal mirror of %q: %w", bufmgr.ErrOutOfMemory, obj.Label(), err)
	}
	a := &allocation{Object: obj, d: d, mirror: buf}
	d.mu.Lock()
	d.live[a] = struct{}{}
	d.mu.Unlock()
	return a, nil
}

// Alloc implements bufmgr.Backend.
func (d *Device) Alloc(req bufmgr.AllocRequest) (bufmgr.Allocation, error) {
	obj, err := d.engine.AllocObject(req)
	if err != nil {
		return nil, err
	}
	return d.wrap(obj)
}

// Open implements bufmgr.Backend.
func (d *Device) Open(name uint32) (bufmgr.Allocation, error) {
	a, err := d.engine.Open(name)
	if err != nil {
		return nil, err
	}
	return d.wrap(a.(*gpusim.Object))
}

func unwrap(a bufmgr.Allocation) (*allocation, error) {
	w, ok := a.(*allocation)
	if !ok {
		return nil, fmt.Errorf("%w: allocation not owned by this device", bufmgr.ErrSubmissionFailed)
	}
	return w, nil
}

// Exec implements bufmgr.Backend.
func (d *Device) Exec(eb *bufmgr.Execbuf) (uint64, error) {
	batch, err := unwrap(eb.Batch)
	if err != nil {
		return 0, err
	}
	inner := &bufmgr.Execbuf{Batch: batch.Object, Used: eb.Used, Objects: make([]bufmgr.ExecObject, len(eb.Objects))}
	var writes []*allocation
	for i, obj := range eb.Objects {
		w, err := unwrap(obj.Allocation)
		if err != nil {
			return 0, err
		}
		inner.Objects[i] = bufmgr.ExecObject{Allocation: w.Object, Offset: obj.Offset, Write: obj.Write}
		if obj.Write {
			writes = append(writes, w)
		}
	}
	seqno, err := d.engine.Exec(inner)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.pending = append(d.pending, mirrorJob{seqno: seqno, writes: writes})
	d.mu.Unlock()
	if d.engine.Completed() >= seqno {
		d.mirror(seqno)
	}
	return seqno, nil
}

// mirror uploads the buffers written by every submission up to seqno and
// submits once to the HAL queue behind the uploads.
func (d *Device) mirror(seqno uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var last uint64
	for len(d.pending) > 0 && d.pending[0].seqno <= seqno {
		job := d.pending[0]
		d.pending = d.pending[1:]
		for _, a := range job.writes {
			if a.mirror == nil {
				continue
			}
			if err := d.queue.WriteBuffer(a.mirror, 0, a.Data()); err != nil {
				d.logger.Warn("hal: mirror upload failed", "bo", a.Label(), "seqno", job.seqno, "err", err)
				if d.err == nil {
					d.err = fmt.Errorf("hal: upload %q: %w", a.Label(), err)
				}
				continue
			}
			d.uploads++
		}
		last = job.seqno
	}
	if last == 0 {
		return
	}
	index, err := d.queue.Submit(nil)
	if err != nil {
		d.logger.Warn("hal: mirror submit failed", "seqno", last, "err", err)
		if d.err == nil {
			d.err = fmt.Errorf("hal: submit: %w", err)
		}
		return
	}
	d.mirrored, d.index = last, index
}

// ExportTexture creates a texture described by desc on the HAL device and
// writes one image into its base level. data holds desc.Size.Height rows
// of bytesPerRow bytes. The caller destroys the texture with
// DestroyTexture.
func (d *Device) ExportTexture(desc gputypes.TextureDescriptor, data []byte, bytesPerRow uint32) (gpuhal.Texture, error) {
	if desc.Format == gputypes.TextureFormatUndefined {
		return nil, fmt.Errorf("hal: export %q: undefined format", desc.Label)
	}
	if need := uint64(bytesPerRow) * uint64(desc.Size.Height); uint64(len(data)) < need {
		return nil, fmt.Errorf("hal: export %q: %d bytes of image data, want %d", desc.Label, len(data), need)
	}
	size := gpuhal.Extent3D{
		Width:              desc.Size.Width,
		Height:             desc.Size.Height,
		DepthOrArrayLayers: desc.Size.DepthOrArrayLayers,
	}
	tex, err := d.device.CreateTexture(&gpuhal.TextureDescriptor{
		Label:         desc.Label,
		Size:          size,
		MipLevelCount: desc.MipLevelCount,
		SampleCount:   desc.SampleCount,
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("hal: create texture %q: %w", desc.Label, err)
	}
	err = d.queue.WriteTexture(
		&gpuhal.ImageCopyTexture{Texture: tex, Aspect: gputypes.TextureAspectAll},
		data,
		&gpuhal.ImageDataLayout{BytesPerRow: bytesPerRow, RowsPerImage: desc.Size.Height},
		&gpuhal.Extent3D{Width: size.Width, Height: size.Height, DepthOrArrayLayers: 1})
	if err != nil {
		d.device.DestroyTexture(tex)
		return nil, fmt.Errorf("hal: write texture %q: %w", desc.Label, err)
	}
	d.logger.Debug("hal: exported texture", "label", desc.Label,
		"format", desc.Format, "width", size.Width, "height", size.Height)
	return tex, nil
}

// DestroyTexture destroys a texture made by ExportTexture.
func (d *Device) DestroyTexture(tex gpuhal.Texture) { d.device.DestroyTexture(tex) }

// Completed implements bufmgr.Backend.
func (d *Device) Completed() uint64 { return d.engine.Completed() }

// Wait implements bufmgr.Backend. The simulated result is authoritative:
// a HAL queue that does not catch up in time is logged, not returned.
func (d *Device) Wait(seqno uint64) error {
	if err := d.engine.Wait(seqno); err != nil {
		return err
	}
	d.mirror(seqno)
	d.mu.Lock()
	mirrored, index := d.mirrored, d.index
	d.mu.Unlock()
	if mirrored < seqno || seqno == 0 {
		return nil
	}
	deadline := time.Now().Add(d.timeout)
	for d.queue.PollCompleted() < index {
		if time.Now().After(deadline) {
			d.logger.Warn("hal: mirror submission not completed", "seqno", seqno, "index", index)
			return nil
		}
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}

// Err returns the first mirror upload or submit failure, if any. The
// simulated buffers are unaffected by it.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Retire executes every queued submission and mirrors its results.
func (d *Device) Retire() error {
	err := d.engine.Retire()
	d.mirror(d.engine.Submitted())
	return err
}

// ApertureSize implements bufmgr.Backend.
func (d *Device) ApertureSize() uint64 { return d.engine.ApertureSize() }

// Close implements bufmgr.Backend. Queued work is executed and mirrored,
// then the mirror buffers are destroyed.
func (d *Device) Close() error {
	err := d.Retire()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return err
	}
	d.closed = true
	for a := range d.live {
		d.device.DestroyBuffer(a.mirror)
		a.mirror = nil
	}
	return err
}

// Stats returns the accumulated command statistics.
func (d *Device) Stats() cmdproc.Stats { return d.engine.Stats() }

// FailNextSubmit makes the next Exec return err.
func (d *Device) FailNextSubmit(err error) { d.engine.FailNextSubmit(err) }

// LoseDevice marks the device lost.
func (d *Device) LoseDevice() { d.engine.LoseDevice() }

// Uploads returns the number of mirror uploads issued.
func (d *Device) Uploads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploads
}

// Mirrors returns the number of live mirror buffers.
func (d *Device) Mirrors() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// LastBatch returns the command words of the last submission.
func (d *Device) LastBatch() []uint32 { return d.engine.LastBatch() }
