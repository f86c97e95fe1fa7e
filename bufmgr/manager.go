package bufmgr

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/i915/internal/cache"
)

// reusePage is the granularity reused allocations are keyed by.
const reusePage = 4096

// Manager allocates buffer objects from a Backend and submits batches that
// reference them.
type Manager struct {
	backend Backend
	logger  *slog.Logger
	live    atomic.Int64
	reuse   *cache.Cache[uint64, idleAllocation]
}

// idleAllocation is a released linear allocation kept for reuse with the
// sequence numbers of its last GPU use.
type idleAllocation struct {
	alloc      Allocation
	seqno      uint64
	writeSeqno uint64
}

// NewManager creates a Manager over backend. A nil logger discards output.
func NewManager(backend Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{backend: backend, logger: logger}
}

// EnableReuse keeps up to limit released linear buffers for reuse by later
// allocations of the same page-rounded size. Render-target allocations may
// reuse a buffer the GPU is still using; others only take idle ones.
// Call it before the first allocation. A limit of zero disables reuse.
func (m *Manager) EnableReuse(limit int) {
	if limit <= 0 {
		m.reuse = nil
		return
	}
	m.reuse = cache.New[uint64, idleAllocation](limit, func(ia idleAllocation) { ia.alloc.Free() })
}

// ReuseStats returns the reuse cache statistics; zero when reuse is off.
func (m *Manager) ReuseStats() cache.Stats {
	if m.reuse == nil {
		return cache.Stats{}
	}
	return m.reuse.Stats()
}

// Backend returns the underlying backend.
func (m *Manager) Backend() Backend { return m.backend }

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger { return m.logger }

// ApertureSize returns the size of the GPU-mappable aperture in bytes.
func (m *Manager) ApertureSize() uint64 { return m.backend.ApertureSize() }

// LiveBOs returns the number of buffer objects with outstanding references.
func (m *Manager) LiveBOs() int { return int(m.live.Load()) }

// Alloc allocates a linear buffer object.
func (m *Manager) Alloc(name string, size, alignment uint64) (*BO, error) {
	return m.AllocRequest(AllocRequest{Name: name, Size: size, Alignment: alignment})
}

// AllocRequest allocates a buffer object described by req.
func (m *Manager) AllocRequest(req AllocRequest) (*BO, error) {
	if req.Size == 0 {
		return nil, fmt.Errorf("alloc %q: zero size", req.Name)
	}
	if bo := m.reused(req); bo != nil {
		return bo, nil
	}
	alloc, err := m.backend.Alloc(req)
	if err != nil {
		return nil, fmt.Errorf("alloc %q (%d bytes): %w", req.Name, req.Size, err)
	}
	m.logger.Debug("bufmgr: allocated",
		"bo", req.Name,
		"size", req.Size,
		"tiling", alloc.Tiling(),
		"pitch", alloc.Pitch(),
	)
	return newBO(m, alloc, req.Name), nil
}

func (m *Manager) reused(req AllocRequest) *BO {
	if m.reuse == nil || req.Tiling != TilingNone || req.Alignment > reusePage {
		return nil
	}
	completed := m.backend.Completed()
	ia, ok := m.reuse.Take(alignUp(req.Size, reusePage), func(ia idleAllocation) bool {
		return req.ForRender || ia.seqno <= completed
	})
	if !ok {
		return nil
	}
	bo := newBO(m, ia.alloc, req.Name)
	bo.lastSeqno = ia.seqno
	bo.lastWriteSeqno = ia.writeSeqno
	m.logger.Debug("bufmgr: reused", "bo", req.Name, "size", ia.alloc.Size())
	return bo
}

// recycle keeps the allocation of a released BO for reuse or frees it.
func (m *Manager) recycle(bo *BO) {
	if m.reuse == nil || bo.alloc.Tiling() != TilingNone || bo.flink != 0 {
		bo.alloc.Free()
		return
	}
	m.reuse.Put(bo.alloc.Size(), idleAllocation{
		alloc:      bo.alloc,
		seqno:      bo.lastSeqno,
		writeSeqno: bo.lastWriteSeqno,
	})
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Open imports a buffer exported by another process under a global name.
func (m *Manager) Open(name string, flink uint32) (*BO, error) {
	alloc, err := m.backend.Open(flink)
	if err != nil {
		return nil, fmt.Errorf("open %q (name %d): %w", name, flink, err)
	}
	bo := newBO(m, alloc, name)
	bo.flink = flink
	return bo, nil
}

// Validate is one buffer of a submission together with the address its
// relocations were resolved against.
type Validate struct {
	BO     *BO
	Offset uint64
	Write  bool
}

// Exec submits the first used bytes of batch. Every buffer in validate is
// marked busy until the returned sequence number retires.
func (m *Manager) Exec(batch *BO, used int, validate []Validate) (uint64, error) {
	eb := &Execbuf{
		Batch:   batch.alloc,
		Used:    used,
		Objects: make([]ExecObject, 0, len(validate)),
	}
	for _, v := range validate {
		eb.Objects = append(eb.Objects, ExecObject{
			Allocation: v.BO.alloc,
			Offset:     v.Offset,
			Write:      v.Write,
		})
	}
	seqno, err := m.backend.Exec(eb)
	if err != nil {
		return 0, err
	}
	for _, v := range validate {
		v.BO.markUsed(seqno, v.Write)
	}
	batch.markUsed(seqno, false)
	return seqno, nil
}

// DrainReuse frees every allocation held for reuse.
func (m *Manager) DrainReuse() {
	if m.reuse != nil {
		m.reuse.Drain()
	}
}

// Close frees the reuse cache and releases the backend.
func (m *Manager) Close() error {
	m.DrainReuse()
	if n := m.live.Load(); n != 0 {
		m.logger.Warn("bufmgr: closing with live buffers", "count", n)
	}
	return m.backend.Close()
}
