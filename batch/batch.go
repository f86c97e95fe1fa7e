// Package batch accumulates GPU commands and submits them.
//
// A Buffer is a fixed-capacity array of command dwords plus the relocations
// that patch buffer addresses into it at submission time. Writers reserve
// space with RequireSpace (or Begin, which returns a checked Packet), emit
// dwords and relocations, and Flush. Flush always leaves a fresh, empty
// buffer behind, even when submission fails.
package batch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/decode"
	"github.com/gogpu/i915/hw"
)

const (
	// DefaultSize is the batch capacity in bytes.
	DefaultSize = 16 << 10

	// ReservedSpace is the number of trailing bytes kept free for the
	// batch terminator and its padding.
	ReservedSpace = 16
)

// Config configures a Buffer.
type Config struct {
	// Size is the capacity in bytes. Default: DefaultSize.
	Size int

	Logger *slog.Logger

	// Dump receives a decoded listing of every submitted batch.
	Dump io.Writer

	// Sync waits for every batch to complete after submission.
	Sync bool
}

// Reloc is a deferred address patch.
type Reloc struct {
	Target *bufmgr.BO
	// Offset is the byte offset of the patched dword within the batch.
	Offset      uint32
	Delta       uint32
	ReadDomains bufmgr.Domain
	WriteDomain bufmgr.Domain
}

// Buffer is a command batch bound to one context.
type Buffer struct {
	mgr    *bufmgr.Manager
	cfg    Config
	logger *slog.Logger

	bo     *bufmgr.BO
	lastBO *bufmgr.BO

	words    []uint32
	used     int
	reserved int

	relocs       []Reloc
	validate     map[*bufmgr.BO]bool
	validateList []*bufmgr.BO
	validateSize uint64

	upload        *Upload
	firstPostSwap *bufmgr.BO
	hooks         []func()
	packet        *Packet
	generation    uint64
	lost          error
}

// New creates a Buffer allocating from mgr.
func New(mgr *bufmgr.Manager, cfg Config) (*Buffer, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Size%8 != 0 || cfg.Size < 2*ReservedSpace {
		return nil, fmt.Errorf("batch: invalid size %d", cfg.Size)
	}
	if cfg.Logger == nil {
		cfg.Logger = mgr.Logger()
	}
	b := &Buffer{
		mgr:      mgr,
		cfg:      cfg,
		logger:   cfg.Logger,
		words:    make([]uint32, cfg.Size/4),
		reserved: ReservedSpace / 4,
		validate: make(map[*bufmgr.BO]bool),
	}
	bo, err := b.allocBO()
	if err != nil {
		return nil, err
	}
	b.bo = bo
	b.upload = &Upload{mgr: mgr}
	return b, nil
}

func (b *Buffer) allocBO() (*bufmgr.BO, error) {
	return b.mgr.Alloc("batchbuffer", uint64(b.cfg.Size), hw.TileSize)
}

// Capacity returns the capacity in dwords.
func (b *Buffer) Capacity() int { return len(b.words) }

// Used returns the number of dwords written.
func (b *Buffer) Used() int { return b.used }

// Reserved returns the number of trailing dwords kept for the terminator.
func (b *Buffer) Reserved() int { return b.reserved }

// Space returns the number of dwords that can be written without a flush.
func (b *Buffer) Space() int { return len(b.words) - b.reserved - b.used }

// Generation counts the batches this Buffer has started. It changes exactly
// when the buffer resets after a flush.
func (b *Buffer) Generation() uint64 { return b.generation }

// Manager returns the buffer manager.
func (b *Buffer) Manager() *bufmgr.Manager { return b.mgr }

// Upload returns the upload buffer that is finished before each submission.
func (b *Buffer) Upload() *Upload { return b.upload }

// Err returns the sticky device-lost error, if any.
func (b *Buffer) Err() error { return b.lost }

// OnNewBatch registers fn to run every time the buffer resets.
func (b *Buffer) OnNewBatch(fn func()) {
	b.hooks = append(b.hooks, fn)
}

// RequireSpace flushes when n more dwords would not fit before the reserved
// tail.
func (b *Buffer) RequireSpace(n int) error {
	if b.packet != nil {
		panic("batch: RequireSpace inside an open packet")
	}
	if n > len(b.words)-b.reserved {
		return fmt.Errorf("batch: %d dwords exceed the %d-dword batch", n, len(b.words)-b.reserved)
	}
	if b.used+n+b.reserved > len(b.words) {
		return b.Flush()
	}
	return nil
}

// EmitDword appends one dword. Space must have been reserved.
func (b *Buffer) EmitDword(v uint32) {
	if b.used+b.reserved >= len(b.words) {
		panic(fmt.Sprintf("batch: emit past reserved space (used %d of %d)", b.used, len(b.words)))
	}
	b.words[b.used] = v
	b.used++
}

// EmitReloc records a relocation for the next dword and emits the presumed
// address of target plus delta as a placeholder. target becomes part of the
// residency set of this batch.
func (b *Buffer) EmitReloc(target *bufmgr.BO, readDomains, writeDomain bufmgr.Domain, delta uint32) {
	if b.used+b.reserved >= len(b.words) {
		panic(fmt.Sprintf("batch: relocation past reserved space (used %d of %d)", b.used, len(b.words)))
	}
	b.relocs = append(b.relocs, Reloc{
		Target:      target.Reference(),
		Offset:      uint32(b.used * 4),
		Delta:       delta,
		ReadDomains: readDomains,
		WriteDomain: writeDomain,
	})
	write := writeDomain != 0
	if w, ok := b.validate[target]; ok {
		b.validate[target] = w || write
	} else {
		b.validate[target] = write
		b.validateList = append(b.validateList, target)
		b.validateSize += target.Size()
	}
	b.EmitDword(uint32(target.Offset()) + delta)
}

// Data reserves space for and appends words.
func (b *Buffer) Data(words []uint32) error {
	if err := b.RequireSpace(len(words)); err != nil {
		return err
	}
	for _, w := range words {
		b.EmitDword(w)
	}
	return nil
}

// EmitFlush appends an MI_FLUSH.
func (b *Buffer) EmitFlush() error {
	p, err := b.Begin(1)
	if err != nil {
		return err
	}
	p.Emit(hw.MIFlush)
	p.End()
	return nil
}

// Relocs returns a copy of the pending relocations.
func (b *Buffer) Relocs() []Reloc {
	return append([]Reloc(nil), b.relocs...)
}

// Words returns the dwords written so far. The slice is only valid until the
// next write.
func (b *Buffer) Words() []uint32 { return b.words[:b.used] }

// References reports whether the unsubmitted batch uses bo.
func (b *Buffer) References(bo *bufmgr.BO) bool {
	if bo == b.bo {
		return true
	}
	_, ok := b.validate[bo]
	return ok
}

// CheckAperture reports whether the batch, its relocation targets and bos
// fit in the usable part of the aperture together.
func (b *Buffer) CheckAperture(bos ...*bufmgr.BO) bool {
	total := uint64(b.cfg.Size) + b.validateSize
	for i, bo := range bos {
		if bo == nil || b.References(bo) || seenBefore(bos[:i], bo) {
			continue
		}
		total += bo.Size()
	}
	return total <= b.mgr.ApertureSize()*3/4
}

func seenBefore(bos []*bufmgr.BO, bo *bufmgr.BO) bool {
	for _, o := range bos {
		if o == bo {
			return true
		}
	}
	return false
}

// LastBO returns the most recently submitted batch BO, or nil.
func (b *Buffer) LastBO() *bufmgr.BO { return b.lastBO }

// TakeFirstPostSwap returns the first batch that rendered since the last
// call and clears it. The caller owns the returned reference.
func (b *Buffer) TakeFirstPostSwap() *bufmgr.BO {
	bo := b.firstPostSwap
	b.firstPostSwap = nil
	return bo
}

// Flush terminates and submits the batch, then resets the buffer. A batch
// with no commands is not submitted.
func (b *Buffer) Flush() error {
	if b.packet != nil {
		panic("batch: flush inside an open packet")
	}
	if b.used == 0 {
		return b.lost
	}
	if b.lost != nil {
		// Nothing reaches a lost device; drop the commands and their
		// references.
		if err := b.upload.Finish(); err != nil {
			b.logger.Debug("batch: dropping uploads on a lost device", "err", err)
		}
		b.reset()
		return b.lost
	}
	b.reserved = 0
	b.EmitDword(hw.MIBatchBufferEnd)
	if b.used&1 != 0 {
		b.EmitDword(hw.MINoop)
	}
	err := b.submit()
	b.reset()
	return err
}

func (b *Buffer) submit() error {
	if err := b.upload.Finish(); err != nil {
		return b.fail(fmt.Errorf("finish uploads: %w", err))
	}
	if b.bo == nil {
		bo, err := b.allocBO()
		if err != nil {
			return err
		}
		b.bo = bo
	}

	validate := make([]bufmgr.Validate, 0, len(b.validateList))
	addrs := make(map[*bufmgr.BO]uint64, len(b.validateList))
	wrote := false
	for _, bo := range b.validateList {
		addr, err := bo.Bind()
		if err != nil {
			return b.fail(err)
		}
		addrs[bo] = addr
		write := b.validate[bo]
		wrote = wrote || write
		validate = append(validate, bufmgr.Validate{BO: bo, Offset: addr, Write: write})
	}
	for _, r := range b.relocs {
		b.words[r.Offset/4] = uint32(addrs[r.Target] + uint64(r.Delta))
	}

	data := make([]byte, b.used*4)
	for i, w := range b.words[:b.used] {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	if err := b.bo.SubData(0, data); err != nil {
		return b.fail(err)
	}
	if b.cfg.Dump != nil {
		if _, err := decode.Dump(b.cfg.Dump, b.words[:b.used], uint32(b.bo.Offset())); err != nil {
			b.logger.Warn("batch: decode failed", "err", err)
		}
	}

	seqno, err := b.mgr.Exec(b.bo, b.used*4, validate)
	if err != nil {
		return b.fail(err)
	}
	b.logger.Debug("batch: flushed",
		"seqno", seqno,
		"words", b.used,
		"relocs", len(b.relocs),
		"buffers", len(validate),
	)
	if wrote && b.firstPostSwap == nil {
		b.firstPostSwap = b.bo.Reference()
	}
	if b.cfg.Sync {
		if err := b.bo.Wait(); err != nil {
			return b.fail(err)
		}
	}
	return nil
}

// fail classifies a submission error. Device loss is sticky.
func (b *Buffer) fail(err error) error {
	switch {
	case errors.Is(err, bufmgr.ErrDeviceLost):
		b.lost = err
		b.logger.Warn("batch: device lost", "err", err)
		return err
	case errors.Is(err, bufmgr.ErrSubmissionFailed):
		return err
	default:
		return fmt.Errorf("%w: %w", bufmgr.ErrSubmissionFailed, err)
	}
}

func (b *Buffer) reset() {
	if b.lastBO != nil {
		b.lastBO.Unreference()
	}
	b.lastBO = b.bo
	b.bo = nil
	if b.lost == nil {
		if bo, err := b.allocBO(); err == nil {
			b.bo = bo
		} else {
			b.logger.Warn("batch: allocating next batch failed", "err", err)
		}
	}

	for _, r := range b.relocs {
		r.Target.Unreference()
	}
	clear(b.relocs)
	b.relocs = b.relocs[:0]
	clear(b.validate)
	clear(b.validateList)
	b.validateList = b.validateList[:0]
	b.validateSize = 0

	b.used = 0
	b.reserved = ReservedSpace / 4
	b.generation++
	for _, fn := range b.hooks {
		fn()
	}
}

// Finish flushes and waits for the GPU to complete the batch.
func (b *Buffer) Finish() error {
	if err := b.Flush(); err != nil {
		return err
	}
	if b.lastBO == nil {
		return nil
	}
	if err := b.lastBO.Wait(); err != nil {
		return b.fail(err)
	}
	return nil
}

// Close drops every buffer the batch holds. Unsubmitted commands are
// discarded.
func (b *Buffer) Close() {
	if err := b.upload.Finish(); err != nil {
		b.logger.Warn("batch: finishing uploads on close", "err", err)
	}
	for _, r := range b.relocs {
		r.Target.Unreference()
	}
	b.relocs = nil
	b.validate = nil
	b.validateList = nil
	for _, bo := range []*bufmgr.BO{b.bo, b.lastBO, b.firstPostSwap} {
		if bo != nil {
			bo.Unreference()
		}
	}
	b.bo, b.lastBO, b.firstPostSwap = nil, nil, nil
	b.used = 0
}
