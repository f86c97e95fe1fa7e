package bufmgr

import (
	"fmt"
	"sync/atomic"
)

// BO is a reference-counted buffer object.
//
// A BO starts with one reference. Unreference drops it; the allocation is
// freed when the count reaches zero. The backend keeps storage of in-flight
// submissions alive, so releasing a busy BO never cancels GPU work.
type BO struct {
	mgr   *Manager
	alloc Allocation
	name  string
	refs  atomic.Int32

	lastSeqno      uint64
	lastWriteSeqno uint64

	mapCount int
	mapGTT   bool
	virtual  []byte

	flink uint32
}

func newBO(mgr *Manager, alloc Allocation, name string) *BO {
	bo := &BO{mgr: mgr, alloc: alloc, name: name}
	bo.refs.Store(1)
	mgr.live.Add(1)
	return bo
}

// Name returns the debug name given at allocation.
func (bo *BO) Name() string { return bo.name }

// Size returns the allocation size in bytes.
func (bo *BO) Size() uint64 { return bo.alloc.Size() }

// Tiling returns the current tiling mode of the allocation.
func (bo *BO) Tiling() Tiling { return bo.alloc.Tiling() }

// Pitch returns the fence pitch of a tiled allocation.
func (bo *BO) Pitch() uint32 { return bo.alloc.Pitch() }

// Offset returns the presumed GPU address: the address the buffer held in
// its last submission.
func (bo *BO) Offset() uint64 { return bo.alloc.Offset() }

// Bind makes the buffer resident for the next submission and returns its
// address there.
func (bo *BO) Bind() (uint64, error) {
	if bo.released() {
		return 0, ErrReleased
	}
	return bo.alloc.Bind()
}

// Refs returns the current reference count.
func (bo *BO) Refs() int { return int(bo.refs.Load()) }

// Reference adds a reference and returns bo.
func (bo *BO) Reference() *BO {
	if bo.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("bufmgr: reference of released BO %q", bo.name))
	}
	return bo
}

// Unreference drops a reference, freeing the allocation on the last one.
func (bo *BO) Unreference() {
	n := bo.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic(fmt.Sprintf("bufmgr: BO %q unreferenced too many times", bo.name))
	}
	if bo.mapCount > 0 {
		if err := bo.alloc.Unmap(); err != nil {
			bo.mgr.logger.Warn("bufmgr: unmap on release failed", "bo", bo.name, "err", err)
		}
		bo.mapCount = 0
		bo.virtual = nil
	}
	bo.mgr.live.Add(-1)
	bo.mgr.recycle(bo)
}

func (bo *BO) released() bool { return bo.refs.Load() <= 0 }

// Busy reports whether a submitted batch that uses the buffer is still
// executing.
func (bo *BO) Busy() bool {
	return bo.lastSeqno > bo.mgr.backend.Completed()
}

// Wait blocks until every submission that used the buffer has retired.
func (bo *BO) Wait() error {
	return bo.waitFor(bo.lastSeqno)
}

func (bo *BO) waitFor(seqno uint64) error {
	if seqno == 0 || seqno <= bo.mgr.backend.Completed() {
		return nil
	}
	if err := bo.mgr.backend.Wait(seqno); err != nil {
		return fmt.Errorf("wait for %q: %w", bo.name, err)
	}
	return nil
}

// Map maps the buffer through the CPU aperture. Reading waits for
// outstanding GPU writes; writing waits for every outstanding GPU access.
func (bo *BO) Map(write bool) ([]byte, error) {
	return bo.mapping(false, write, true)
}

// MapGTT maps the buffer through the graphics aperture, which presents tiled
// buffers in linear order. It synchronizes like a write map.
func (bo *BO) MapGTT() ([]byte, error) {
	return bo.mapping(true, true, true)
}

// MapUnsynchronized maps the buffer through the graphics aperture without
// waiting for the GPU. The caller guarantees it does not touch data in use.
func (bo *BO) MapUnsynchronized() ([]byte, error) {
	return bo.mapping(true, true, false)
}

func (bo *BO) mapping(gtt, write, sync bool) ([]byte, error) {
	if bo.released() {
		return nil, ErrReleased
	}
	if sync {
		seqno := bo.lastWriteSeqno
		if write {
			seqno = bo.lastSeqno
		}
		if err := bo.waitFor(seqno); err != nil {
			return nil, err
		}
	}
	if bo.mapCount > 0 {
		if bo.mapGTT != gtt {
			return nil, ErrMapModeMismatch
		}
		bo.mapCount++
		return bo.virtual, nil
	}
	v, err := bo.alloc.Map(gtt)
	if err != nil {
		return nil, fmt.Errorf("map %q: %w", bo.name, err)
	}
	bo.virtual = v
	bo.mapGTT = gtt
	bo.mapCount = 1
	return v, nil
}

// Virtual returns the current CPU mapping, or nil when unmapped.
func (bo *BO) Virtual() []byte { return bo.virtual }

// Unmap releases one mapping.
func (bo *BO) Unmap() error {
	if bo.mapCount == 0 {
		return ErrNotMapped
	}
	bo.mapCount--
	if bo.mapCount > 0 {
		return nil
	}
	bo.virtual = nil
	return bo.alloc.Unmap()
}

// SubData writes data at offset through a CPU map.
func (bo *BO) SubData(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > bo.Size() {
		return fmt.Errorf("%w: write %d bytes at %d into %q (%d bytes)",
			ErrOutOfBounds, len(data), offset, bo.name, bo.Size())
	}
	if len(data) == 0 {
		return nil
	}
	v, err := bo.Map(true)
	if err != nil {
		return err
	}
	copy(v[offset:], data)
	return bo.Unmap()
}

// GetSubData reads len(dst) bytes at offset through a CPU map.
func (bo *BO) GetSubData(offset uint64, dst []byte) error {
	if offset+uint64(len(dst)) > bo.Size() {
		return fmt.Errorf("%w: read %d bytes at %d from %q (%d bytes)",
			ErrOutOfBounds, len(dst), offset, bo.name, bo.Size())
	}
	if len(dst) == 0 {
		return nil
	}
	v, err := bo.Map(false)
	if err != nil {
		return err
	}
	copy(dst, v[offset:])
	return bo.Unmap()
}

// Flink exports the buffer under a global name other processes can open.
func (bo *BO) Flink() (uint32, error) {
	if bo.flink != 0 {
		return bo.flink, nil
	}
	name, err := bo.alloc.Flink()
	if err != nil {
		return 0, fmt.Errorf("flink %q: %w", bo.name, err)
	}
	bo.flink = name
	return name, nil
}

func (bo *BO) markUsed(seqno uint64, write bool) {
	bo.lastSeqno = seqno
	if write {
		bo.lastWriteSeqno = seqno
	}
}
