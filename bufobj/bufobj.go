// Package bufobj implements GL-style buffer objects on top of buffer
// objects of the buffer manager.
//
// Writes and maps avoid stalling on the GPU where the access pattern allows
// it: a busy buffer is updated through a temporary buffer and a linear blit,
// and maps that discard data either replace the storage or stage through a
// separate range.
package bufobj

import (
	"errors"
	"fmt"

	"github.com/gogpu/i915/blit"
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/intel"
)

// Buffer object errors.
var (
	// ErrMapped is returned when an operation needs the object unmapped.
	ErrMapped = errors.New("bufobj: object is mapped")

	// ErrNotMapped is returned by Unmap and FlushMappedRange on an
	// unmapped object.
	ErrNotMapped = errors.New("bufobj: object is not mapped")

	// ErrRange is returned when a range falls outside the object.
	ErrRange = errors.New("bufobj: range outside the object")
)

// Target is the binding an object's storage is specified for.
type Target uint8

const (
	TargetArray Target = iota + 1
	TargetElementArray
	TargetPixelPack
	TargetPixelUnpack
	TargetCopyRead
	TargetCopyWrite
	TargetUniform
	TargetTexture
)

// String returns the string representation of Target.
func (t Target) String() string {
	switch t {
	case TargetArray:
		return "Array"
	case TargetElementArray:
		return "ElementArray"
	case TargetPixelPack:
		return "PixelPack"
	case TargetPixelUnpack:
		return "PixelUnpack"
	case TargetCopyRead:
		return "CopyRead"
	case TargetCopyWrite:
		return "CopyWrite"
	case TargetUniform:
		return "Uniform"
	case TargetTexture:
		return "Texture"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// systemMemory reports whether storage for target stays in system memory.
// Vertex and index data is fetched by the CPU on this hardware.
func systemMemory(t Target) bool {
	return t == TargetArray || t == TargetElementArray
}

// Access is the set of MapRange flags.
type Access uint8

const (
	MapRead Access = 1 << iota
	MapWrite
	// MapInvalidateRange discards the mapped range.
	MapInvalidateRange
	// MapInvalidateBuffer discards the whole object.
	MapInvalidateBuffer
	// MapFlushExplicit makes writes visible only through FlushMappedRange.
	MapFlushExplicit
	// MapUnsynchronized skips waiting for the GPU.
	MapUnsynchronized
)

const boAlignment = 64

// Object is a buffer object. Its storage is a BO except for targets kept in
// system memory, which move to a BO the first time the GPU needs them.
type Object struct {
	ctx    *intel.Context
	name   string
	target Target
	size   uint64

	bo  *bufmgr.BO
	sys []byte

	mapped    []byte
	mapOffset uint64
	mapAccess Access
	// rangeBO stages an invalidated range of a busy buffer; it is blitted
	// into place at Unmap.
	rangeBO *bufmgr.BO
	// rangeBuf stages an explicitly flushed range.
	rangeBuf []byte
}

// New creates an object with no storage.
func New(ctx *intel.Context, name string) *Object {
	return &Object{ctx: ctx, name: name}
}

// Size returns the size of the object's storage.
func (o *Object) Size() uint64 { return o.size }

// Target returns the target the storage was last specified for.
func (o *Object) Target() Target { return o.target }

// Mapped reports whether the object is mapped.
func (o *Object) Mapped() bool { return o.mapped != nil }

// InSystemMemory reports whether the storage is currently system memory.
func (o *Object) InSystemMemory() bool { return o.sys != nil }

func (o *Object) allocBO() error {
	bo, err := o.ctx.Manager().Alloc(o.name, o.size, boAlignment)
	if err != nil {
		return fmt.Errorf("bufobj: allocate %q: %w", o.name, err)
	}
	o.bo = bo
	return nil
}

func (o *Object) releaseStorage() {
	if o.bo != nil {
		o.bo.Unreference()
		o.bo = nil
	}
	o.sys = nil
}

// busy reports whether writing the buffer now would wait for the GPU.
func (o *Object) busy() bool {
	return o.bo.Busy() || o.ctx.Batch().References(o.bo)
}

// Data replaces the object's storage with size bytes for target. With data
// non-nil its first size bytes initialise the storage.
func (o *Object) Data(target Target, size uint64, data []byte) error {
	if o.mapped != nil {
		return ErrMapped
	}
	if data != nil && uint64(len(data)) < size {
		return fmt.Errorf("%w: %d bytes of data for a %d-byte object", ErrRange, len(data), size)
	}
	o.releaseStorage()
	o.target, o.size = target, size
	if size == 0 {
		return nil
	}
	if systemMemory(target) {
		o.sys = make([]byte, size)
		if data != nil {
			copy(o.sys, data)
		}
		return nil
	}
	if err := o.allocBO(); err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return o.bo.SubData(0, data[:size])
}

func (o *Object) checkRange(offset, n uint64) error {
	if offset > o.size || n > o.size-offset {
		return fmt.Errorf("%w: %d bytes at %d of %d", ErrRange, n, offset, o.size)
	}
	return nil
}

// SubData writes data at offset. A busy buffer is not waited for: a write
// of the whole buffer replaces the storage and a partial write is blitted
// in from a temporary buffer.
func (o *Object) SubData(offset uint64, data []byte) error {
	if err := o.checkRange(offset, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if o.sys != nil {
		copy(o.sys[offset:], data)
		return nil
	}
	if !o.busy() {
		return o.bo.SubData(offset, data)
	}
	if offset == 0 && uint64(len(data)) == o.size {
		o.releaseStorage()
		if err := o.allocBO(); err != nil {
			return err
		}
		return o.bo.SubData(0, data)
	}
	tmp, err := o.ctx.Manager().Alloc("bufobj subdata temp", uint64(len(data)), boAlignment)
	if err != nil {
		return fmt.Errorf("bufobj: subdata temp: %w", err)
	}
	defer tmp.Unreference()
	if err := tmp.SubData(0, data); err != nil {
		return err
	}
	ok, err := blit.CopyLinear(o.ctx.Batch(), tmp, 0, o.bo, uint32(offset), uint32(len(data)))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	o.ctx.PerfDebug("bufobj subdata blit refused, stalling", "object", o.name, "size", len(data))
	return o.bo.SubData(offset, data)
}

// GetSubData reads len(dst) bytes at offset, flushing any batch that writes
// the buffer first.
func (o *Object) GetSubData(offset uint64, dst []byte) error {
	if err := o.checkRange(offset, uint64(len(dst))); err != nil {
		return err
	}
	if o.sys != nil {
		copy(dst, o.sys[offset:])
		return nil
	}
	if len(dst) == 0 {
		return nil
	}
	if err := o.ctx.FlushIfReferenced(o.bo); err != nil {
		return err
	}
	return o.bo.GetSubData(offset, dst)
}

// MapRange maps length bytes at offset.
//
// With MapInvalidateBuffer a busy buffer gets fresh storage. With
// MapInvalidateRange a busy buffer is written through a staging range that
// reaches the buffer at Unmap, or at FlushMappedRange with
// MapFlushExplicit. Otherwise the map waits for the GPU unless
// MapUnsynchronized is set.
func (o *Object) MapRange(offset, length uint64, access Access) ([]byte, error) {
	if o.mapped != nil {
		return nil, ErrMapped
	}
	if err := o.checkRange(offset, length); err != nil {
		return nil, err
	}
	if o.sys != nil {
		o.setMapped(o.sys[offset:offset+length:offset+length], offset, access)
		return o.mapped, nil
	}
	if o.bo == nil {
		return nil, fmt.Errorf("%w: object %q has no storage", ErrRange, o.name)
	}

	if access&MapInvalidateBuffer != 0 && o.busy() {
		o.releaseStorage()
		if err := o.allocBO(); err != nil {
			return nil, err
		}
	}

	if access&MapUnsynchronized != 0 {
		v, err := o.bo.MapUnsynchronized()
		if err != nil {
			return nil, err
		}
		o.setMapped(v[offset:offset+length:offset+length], offset, access)
		return o.mapped, nil
	}

	if access&MapInvalidateRange != 0 && o.busy() {
		if access&MapFlushExplicit != 0 {
			o.rangeBuf = make([]byte, length)
			o.setMapped(o.rangeBuf, offset, access)
			return o.mapped, nil
		}
		rbo, err := o.ctx.Manager().Alloc("bufobj range map", length, boAlignment)
		if err != nil {
			return nil, fmt.Errorf("bufobj: range map: %w", err)
		}
		v, err := rbo.MapGTT()
		if err != nil {
			rbo.Unreference()
			return nil, err
		}
		o.rangeBO = rbo
		o.setMapped(v[:length:length], offset, access)
		return o.mapped, nil
	}

	if err := o.ctx.FlushIfReferenced(o.bo); err != nil {
		return nil, err
	}
	if o.bo.Busy() {
		o.ctx.PerfDebug("bufobj map stalls on a busy buffer", "object", o.name)
	}
	var v []byte
	var err error
	if access&MapRead != 0 {
		v, err = o.bo.Map(access&MapWrite != 0)
	} else {
		v, err = o.bo.MapGTT()
	}
	if err != nil {
		return nil, err
	}
	o.setMapped(v[offset:offset+length:offset+length], offset, access)
	return o.mapped, nil
}

func (o *Object) setMapped(v []byte, offset uint64, access Access) {
	o.mapped, o.mapOffset, o.mapAccess = v, offset, access
}

// FlushMappedRange makes length bytes at offset within the mapped range
// visible to the buffer. It only moves data for maps staged with
// MapInvalidateRange|MapFlushExplicit.
func (o *Object) FlushMappedRange(offset, length uint64) error {
	if o.mapped == nil {
		return ErrNotMapped
	}
	if offset > uint64(len(o.mapped)) || length > uint64(len(o.mapped))-offset {
		return fmt.Errorf("%w: flush of %d bytes at %d in a %d-byte map", ErrRange, length, offset, len(o.mapped))
	}
	if o.rangeBuf == nil || length == 0 {
		return nil
	}
	tmp, err := o.ctx.Manager().Alloc("bufobj flush temp", length, boAlignment)
	if err != nil {
		return fmt.Errorf("bufobj: flush temp: %w", err)
	}
	defer tmp.Unreference()
	if err := tmp.SubData(0, o.rangeBuf[offset:offset+length]); err != nil {
		return err
	}
	ok, err := blit.CopyLinear(o.ctx.Batch(), tmp, 0, o.bo, uint32(o.mapOffset+offset), uint32(length))
	if err != nil || ok {
		return err
	}
	o.ctx.PerfDebug("bufobj flush blit refused, stalling", "object", o.name)
	return o.bo.SubData(o.mapOffset+offset, o.rangeBuf[offset:offset+length])
}

// Unmap ends the map. A staged range BO is blitted into the buffer.
func (o *Object) Unmap() error {
	if o.mapped == nil {
		return ErrNotMapped
	}
	length := uint32(len(o.mapped))
	o.mapped = nil
	switch {
	case o.sys != nil:
		return nil
	case o.rangeBuf != nil:
		o.rangeBuf = nil
		return nil
	case o.rangeBO != nil:
		rbo := o.rangeBO
		o.rangeBO = nil
		defer rbo.Unreference()
		if err := rbo.Unmap(); err != nil {
			return err
		}
		ok, err := blit.CopyLinear(o.ctx.Batch(), rbo, 0, o.bo, uint32(o.mapOffset), length)
		if err != nil || ok {
			return err
		}
		o.ctx.PerfDebug("bufobj range blit refused, stalling", "object", o.name)
		data := make([]byte, length)
		if err := rbo.GetSubData(0, data); err != nil {
			return err
		}
		return o.bo.SubData(o.mapOffset, data)
	default:
		return o.bo.Unmap()
	}
}

// Buffer returns the BO backing the object for GPU use, moving system
// memory storage into a BO first. The object keeps its reference.
func (o *Object) Buffer() (*bufmgr.BO, error) {
	if o.sys != nil {
		if o.mapped != nil {
			return nil, ErrMapped
		}
		sys := o.sys
		o.sys = nil
		if err := o.allocBO(); err != nil {
			o.sys = sys
			return nil, err
		}
		if err := o.bo.SubData(0, sys); err != nil {
			return nil, err
		}
	}
	return o.bo, nil
}

// Release drops the object's storage.
func (o *Object) Release() {
	if o.rangeBO != nil {
		_ = o.rangeBO.Unmap()
		o.rangeBO.Unreference()
		o.rangeBO = nil
	} else if o.mapped != nil && o.sys == nil && o.rangeBuf == nil && o.bo != nil {
		_ = o.bo.Unmap()
	}
	o.mapped, o.rangeBuf = nil, nil
	o.releaseStorage()
	o.size = 0
}

// CopySubData copies size bytes from src at srcOffset to dst at dstOffset.
// Buffer storage is copied with the blitter; system memory storage, or a
// refused blit, is copied on the CPU.
func CopySubData(src *Object, srcOffset uint64, dst *Object, dstOffset, size uint64) error {
	if src.mapped != nil || dst.mapped != nil {
		return ErrMapped
	}
	if err := src.checkRange(srcOffset, size); err != nil {
		return err
	}
	if err := dst.checkRange(dstOffset, size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if src.sys == nil && dst.sys == nil {
		b := dst.ctx.Batch()
		ok, err := blit.CopyLinear(b, src.bo, uint32(srcOffset), dst.bo, uint32(dstOffset), uint32(size))
		if err != nil {
			return err
		}
		if ok {
			// The copy lands in the render cache; later users of dst in
			// this batch read through other caches.
			return b.EmitFlush()
		}
		dst.ctx.PerfDebug("bufobj copy blit refused, copying on the CPU", "src", src.name, "dst", dst.name)
	}
	access := MapRead
	if src == dst {
		access |= MapWrite
	}
	s, err := src.MapRange(0, src.size, access)
	if err != nil {
		return err
	}
	if src == dst {
		copy(s[dstOffset:dstOffset+size], s[srcOffset:srcOffset+size])
		return src.Unmap()
	}
	d, err := dst.MapRange(dstOffset, size, MapWrite)
	if err != nil {
		_ = src.Unmap()
		return err
	}
	copy(d, s[srcOffset:srcOffset+size])
	if err := dst.Unmap(); err != nil {
		_ = src.Unmap()
		return err
	}
	return src.Unmap()
}
