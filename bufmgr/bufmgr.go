// Package bufmgr provides reference-counted GPU buffer objects on top of a
// pluggable allocation and execution backend.
//
// A BO is the unit of residency: it is allocated by a Manager, mapped for CPU
// access, referenced from command batches and retired by the backend once the
// GPU has consumed every submission that used it. The Manager never touches
// hardware itself; the Backend owns storage, address assignment and
// execution.
package bufmgr

import (
	"errors"
	"fmt"
)

// Buffer manager errors.
var (
	// ErrOutOfMemory is returned when the backend cannot satisfy an allocation.
	ErrOutOfMemory = errors.New("bufmgr: out of memory")

	// ErrSubmissionFailed is returned when the backend rejects a batch.
	ErrSubmissionFailed = errors.New("bufmgr: submission failed")

	// ErrDeviceLost is returned when the device can no longer execute work.
	// The owning context must be recreated.
	ErrDeviceLost = errors.New("bufmgr: device lost")

	// ErrNotMapped is returned when unmapping a buffer that is not mapped.
	ErrNotMapped = errors.New("bufmgr: buffer is not mapped")

	// ErrMapModeMismatch is returned when a buffer already mapped through
	// one aperture is mapped again through the other.
	ErrMapModeMismatch = errors.New("bufmgr: buffer is mapped with a different mode")

	// ErrReleased is returned when operating on a buffer whose last
	// reference has been dropped.
	ErrReleased = errors.New("bufmgr: buffer has been released")

	// ErrUnknownName is returned when opening a global name that does not
	// exist.
	ErrUnknownName = errors.New("bufmgr: unknown global name")

	// ErrOutOfBounds is returned when a data transfer exceeds the buffer.
	ErrOutOfBounds = errors.New("bufmgr: range out of bounds")
)

// Tiling is the memory layout of a buffer.
type Tiling uint8

const (
	// TilingNone is a linear layout.
	TilingNone Tiling = iota
	// TilingX uses 4 KiB tiles of 512 bytes by 8 rows.
	TilingX
	// TilingY uses 4 KiB tiles of 128 bytes by 32 rows.
	TilingY
)

// String returns the string representation of Tiling.
func (t Tiling) String() string {
	switch t {
	case TilingNone:
		return "None"
	case TilingX:
		return "X"
	case TilingY:
		return "Y"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Domain is a GPU cache domain used to describe how a batch accesses a
// relocation target.
type Domain uint32

const (
	DomainCPU Domain = 1 << iota
	DomainRender
	DomainSampler
	DomainCommand
	DomainInstruction
	DomainVertex
	DomainGTT
)

// AllocRequest describes a buffer allocation.
type AllocRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
	Tiling    Tiling
	// Pitch is required for tiled allocations.
	Pitch uint32
	// ForRender hints that the GPU will write the buffer soon.
	ForRender bool
}

// Allocation is a backend-owned memory allocation.
//
// Offset reports the address the buffer held in its last submission. Bind
// returns the address it will hold in the next one; backends are free to move
// buffers between submissions.
type Allocation interface {
	Size() uint64
	Tiling() Tiling
	Pitch() uint32
	Offset() uint64
	Bind() (uint64, error)
	// Map returns CPU-visible storage. A GTT map of a tiled allocation
	// presents the contents in linear order; a CPU map exposes the raw
	// tiled bytes.
	Map(gtt bool) ([]byte, error)
	Unmap() error
	Flink() (uint32, error)
	Free()
}

// ExecObject is one entry of a submission's residency set.
type ExecObject struct {
	Allocation Allocation
	// Offset is the address relocations were resolved against.
	Offset uint64
	Write  bool
}

// Execbuf is a command submission.
type Execbuf struct {
	Batch Allocation
	// Used is the number of command bytes at the start of Batch.
	Used    int
	Objects []ExecObject
}

// Backend is the allocation and execution collaborator used by a Manager.
//
// Exec returns a monotonically increasing sequence number. Completed reports
// the highest sequence number the device has retired and Wait blocks until a
// given one has.
type Backend interface {
	Alloc(req AllocRequest) (Allocation, error)
	Open(name uint32) (Allocation, error)
	Exec(eb *Execbuf) (uint64, error)
	Completed() uint64
	Wait(seqno uint64) error
	ApertureSize() uint64
	Close() error
}
