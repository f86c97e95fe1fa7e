package gpusim

import (
	"fmt"

	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/internal/tiling"
)

// storage is the memory behind one or more Objects sharing a global name.
type storage struct {
	data   []byte
	tiling bufmgr.Tiling
	pitch  uint32
	refs   int
	flink  uint32

	addr       uint64
	presumed   uint64
	boundEpoch uint64
}

// Object is a handle to simulated device memory. It implements
// bufmgr.Allocation.
type Object struct {
	e     *Engine
	st    *storage
	label string

	gttView []byte
	freed   bool
}

// Size implements bufmgr.Allocation.
func (o *Object) Size() uint64 { return uint64(len(o.st.data)) }

// Tiling implements bufmgr.Allocation.
func (o *Object) Tiling() bufmgr.Tiling { return o.st.tiling }

// Pitch implements bufmgr.Allocation.
func (o *Object) Pitch() uint32 { return o.st.pitch }

// Offset implements bufmgr.Allocation.
func (o *Object) Offset() uint64 {
	o.e.mu.Lock()
	defer o.e.mu.Unlock()
	return o.st.presumed
}

// Bind implements bufmgr.Allocation.
func (o *Object) Bind() (uint64, error) {
	o.e.mu.Lock()
	defer o.e.mu.Unlock()
	if o.e.lost != nil {
		return 0, o.e.lost
	}
	if o.freed {
		return 0, bufmgr.ErrReleased
	}
	return o.bindLocked(), nil
}

// bindLocked places the storage for the next submission. Callers hold e.mu.
func (o *Object) bindLocked() uint64 {
	next := o.e.epoch + 1
	if o.st.boundEpoch == next {
		return o.st.addr
	}
	if o.e.cfg.ShuffleAddresses {
		o.st.addr = o.e.assign(uint64(len(o.st.data)), 0)
	}
	o.st.boundEpoch = next
	return o.st.addr
}

// Map implements bufmgr.Allocation. A GTT map of a tiled object returns a
// linear copy that is swizzled back on Unmap.
func (o *Object) Map(gtt bool) ([]byte, error) {
	if o.freed {
		return nil, bufmgr.ErrReleased
	}
	if gtt && o.st.tiling != bufmgr.TilingNone {
		o.gttView = make([]byte, len(o.st.data))
		tiling.Detile(o.gttView, o.st.data, o.st.tiling, o.st.pitch)
		return o.gttView, nil
	}
	return o.st.data, nil
}

// Unmap implements bufmgr.Allocation.
func (o *Object) Unmap() error {
	if o.gttView != nil {
		tiling.Retile(o.st.data, o.gttView, o.st.tiling, o.st.pitch)
		o.gttView = nil
	}
	return nil
}

// Flink implements bufmgr.Allocation.
func (o *Object) Flink() (uint32, error) {
	o.e.mu.Lock()
	defer o.e.mu.Unlock()
	if o.st.flink == 0 {
		o.st.flink = o.e.nextName
		o.e.nextName++
		o.e.names[o.st.flink] = o.st
	}
	return o.st.flink, nil
}

// Free implements bufmgr.Allocation.
func (o *Object) Free() {
	o.e.mu.Lock()
	defer o.e.mu.Unlock()
	if o.freed {
		panic(fmt.Sprintf("gpusim: double free of %q", o.label))
	}
	o.freed = true
	o.gttView = nil
	o.st.refs--
	if o.st.refs > 0 {
		return
	}
	o.e.allocated -= uint64(len(o.st.data))
	o.e.live--
	if o.st.flink != 0 {
		delete(o.e.names, o.st.flink)
	}
}

// Data returns the raw storage of o for inspection.
func (o *Object) Data() []byte { return o.st.data }

// Label returns the debug label of o.
func (o *Object) Label() string { return o.label }
