// Package gpusim is a software model of an i915-family GPU: buffer storage,
// graphics address assignment, global names and an execution queue that
// runs batches through the command processor.
package gpusim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/hw"
	"github.com/gogpu/i915/internal/cmdproc"
)

// Config configures an Engine.
type Config struct {
	// MemoryLimit caps the total size of live allocations.
	// Default: 512 MiB.
	MemoryLimit uint64

	// ApertureSize is the mappable aperture reported to the buffer manager.
	// Default: 256 MiB.
	ApertureSize uint64

	// Deferred keeps submissions queued until they are waited on or
	// retired, so buffers stay busy. Otherwise batches run at submit.
	Deferred bool

	// ShuffleAddresses moves every buffer to a new address for each
	// submission, so presumed offsets are always stale.
	ShuffleAddresses bool

	// FirstOffset is the lowest address handed out. Default: 64 KiB.
	FirstOffset uint64
}

func (c *Config) applyDefaults() {
	if c.MemoryLimit == 0 {
		c.MemoryLimit = 512 << 20
	}
	if c.ApertureSize == 0 {
		c.ApertureSize = 256 << 20
	}
	if c.FirstOffset == 0 {
		c.FirstOffset = 64 << 10
	}
}

const addressLimit = 1 << 32

var errForeignAllocation = errors.New("gpusim: allocation does not belong to this engine")

type submission struct {
	seqno uint64
	words []uint32
	mem   cmdproc.Memory
}

// Engine is a simulated device. It implements bufmgr.Backend.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	allocated uint64
	live      int
	nextAddr  uint64
	names     map[uint32]*storage
	nextName  uint32

	// epoch counts submissions; a binding is valid for one epoch.
	epoch     uint64
	epochAddr uint64

	submitted uint64
	completed uint64
	pending   []*submission
	last      []uint32

	failNext error
	lost     error
	stats    cmdproc.Stats
}

// New creates an Engine.
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		nextAddr:  cfg.FirstOffset,
		epochAddr: cfg.FirstOffset,
		names:     make(map[uint32]*storage),
		nextName:  1,
	}
}

// Alloc implements bufmgr.Backend.
func (e *Engine) Alloc(req bufmgr.AllocRequest) (bufmgr.Allocation, error) {
	return e.AllocObject(req)
}

// AllocObject allocates an Object.
func (e *Engine) AllocObject(req bufmgr.AllocRequest) (*Object, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lost != nil {
		return nil, e.lost
	}
	if req.Tiling != bufmgr.TilingNone {
		tw := uint32(hw.XTileWidth)
		if req.Tiling == bufmgr.TilingY {
			tw = hw.YTileWidth
		}
		if req.Pitch == 0 || req.Pitch%tw != 0 {
			return nil, fmt.Errorf("gpusim: pitch %d invalid for %v tiling", req.Pitch, req.Tiling)
		}
	}
	size := alignUp(req.Size, hw.TileSize)
	if e.allocated+size > e.cfg.MemoryLimit {
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			bufmgr.ErrOutOfMemory, size, e.allocated, e.cfg.MemoryLimit)
	}
	e.allocated += size
	e.live++
	st := &storage{
		data:   make([]byte, size),
		tiling: req.Tiling,
		pitch:  req.Pitch,
		refs:   1,
	}
	st.addr = e.assign(size, req.Alignment)
	st.presumed = st.addr
	return &Object{e: e, st: st, label: req.Name}, nil
}

// assign hands out an address range. Callers hold e.mu.
func (e *Engine) assign(size, align uint64) uint64 {
	if align < hw.TileSize {
		align = hw.TileSize
	}
	next := &e.nextAddr
	if e.cfg.ShuffleAddresses {
		next = &e.epochAddr
	}
	addr := alignUp(*next, align)
	if addr+size >= addressLimit {
		addr = alignUp(e.cfg.FirstOffset, align)
	}
	*next = addr + size
	return addr
}

// Open implements bufmgr.Backend.
func (e *Engine) Open(name uint32) (bufmgr.Allocation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.names[name]
	if !ok {
		return nil, fmt.Errorf("%w: %d", bufmgr.ErrUnknownName, name)
	}
	st.refs++
	return &Object{e: e, st: st, label: fmt.Sprintf("name %d", name)}, nil
}

// Exec implements bufmgr.Backend.
func (e *Engine) Exec(eb *bufmgr.Execbuf) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lost != nil {
		return 0, e.lost
	}
	if err := e.failNext; err != nil {
		e.failNext = nil
		if errors.Is(err, bufmgr.ErrDeviceLost) {
			e.lost = err
		}
		return 0, err
	}
	batch, ok := eb.Batch.(*Object)
	if !ok || batch.e != e {
		return 0, fmt.Errorf("%w: %w", bufmgr.ErrSubmissionFailed, errForeignAllocation)
	}
	if eb.Used <= 0 || eb.Used%4 != 0 || uint64(eb.Used) > uint64(len(batch.st.data)) {
		return 0, fmt.Errorf("%w: batch length %d", bufmgr.ErrSubmissionFailed, eb.Used)
	}

	mem := make(cmdproc.Memory, 0, len(eb.Objects)+1)
	bound := make([]*storage, 0, len(eb.Objects)+1)
	for _, obj := range eb.Objects {
		o, ok := obj.Allocation.(*Object)
		if !ok || o.e != e {
			return 0, fmt.Errorf("%w: %w", bufmgr.ErrSubmissionFailed, errForeignAllocation)
		}
		if o.freed {
			return 0, fmt.Errorf("%w: %w", bufmgr.ErrSubmissionFailed, bufmgr.ErrReleased)
		}
		if addr := o.bindLocked(); addr != obj.Offset {
			return 0, fmt.Errorf("%w: %q relocated against 0x%x, bound at 0x%x",
				bufmgr.ErrSubmissionFailed, o.label, obj.Offset, addr)
		}
		mem = append(mem, cmdproc.Binding{Addr: o.st.addr, Data: o.st.data})
		bound = append(bound, o.st)
	}
	mem = append(mem, cmdproc.Binding{Addr: batch.bindLocked(), Data: batch.st.data})
	bound = append(bound, batch.st)

	words := make([]uint32, eb.Used/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(batch.st.data[i*4:])
	}
	e.last = words
	e.submitted++
	sub := &submission{seqno: e.submitted, words: words, mem: mem}
	for _, st := range bound {
		st.presumed = st.addr
	}
	e.epoch++
	e.epochAddr = e.cfg.FirstOffset + (e.epoch%8)*hw.TileSize*16

	if e.cfg.Deferred {
		e.pending = append(e.pending, sub)
	} else {
		e.run(sub)
	}
	return sub.seqno, nil
}

// run executes one submission. Callers hold e.mu.
func (e *Engine) run(sub *submission) {
	stats, err := cmdproc.Execute(sub.words, sub.mem)
	e.stats.Copies += stats.Copies
	e.stats.Fills += stats.Fills
	e.stats.Texts += stats.Texts
	e.stats.Flushes += stats.Flushes
	e.stats.Skipped3D += stats.Skipped3D
	if err != nil && e.lost == nil {
		e.lost = fmt.Errorf("%w: batch %d: %w", bufmgr.ErrDeviceLost, sub.seqno, err)
	}
	e.completed = sub.seqno
}

func (e *Engine) retireLocked(seqno uint64) {
	for len(e.pending) > 0 && e.pending[0].seqno <= seqno {
		sub := e.pending[0]
		e.pending = e.pending[1:]
		e.run(sub)
	}
	if len(e.pending) == 0 && e.completed < e.submitted {
		e.completed = e.submitted
	}
}

// Completed implements bufmgr.Backend.
func (e *Engine) Completed() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// Wait implements bufmgr.Backend.
func (e *Engine) Wait(seqno uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seqno > e.submitted {
		return fmt.Errorf("gpusim: wait for unsubmitted batch %d (last %d)", seqno, e.submitted)
	}
	e.retireLocked(seqno)
	return e.lost
}

// Retire executes every queued submission.
func (e *Engine) Retire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retireLocked(e.submitted)
	return e.lost
}

// ApertureSize implements bufmgr.Backend.
func (e *Engine) ApertureSize() uint64 { return e.cfg.ApertureSize }

// Close implements bufmgr.Backend. Queued work is executed first.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retireLocked(e.submitted)
	return nil
}

// FailNextSubmit makes the next Exec return err. An error wrapping
// bufmgr.ErrDeviceLost also loses the device.
func (e *Engine) FailNextSubmit(err error) {
	e.mu.Lock()
	e.failNext = err
	e.mu.Unlock()
}

// LoseDevice marks the device lost.
func (e *Engine) LoseDevice() {
	e.mu.Lock()
	if e.lost == nil {
		e.lost = fmt.Errorf("%w: lost on request", bufmgr.ErrDeviceLost)
	}
	e.mu.Unlock()
}

// Stats returns the accumulated command statistics.
func (e *Engine) Stats() cmdproc.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Submitted returns the number of accepted submissions.
func (e *Engine) Submitted() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitted
}

// Pending returns the number of queued submissions.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// LastBatch returns the command words of the last submission.
func (e *Engine) LastBatch() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint32(nil), e.last...)
}

// Allocated returns the bytes held by live allocations.
func (e *Engine) Allocated() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocated
}

// Live returns the number of live storages.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
