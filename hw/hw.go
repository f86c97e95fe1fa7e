// Package hw holds hardware constants for the i830/i915/i945 family:
// chipset capabilities, tile geometry and command encodings.
package hw

import "fmt"

// Chipset identifies a member of the family.
type Chipset int

const (
	// ChipsetI830 is a gen2 part (i830, i845, i855, i865).
	ChipsetI830 Chipset = iota + 1
	// ChipsetI915 is a gen3 part with the i915 layout rules.
	ChipsetI915
	// ChipsetI945 is a gen3 part with the i945 layout rules (i945, G33, Pineview).
	ChipsetI945
)

// String returns the string representation of Chipset.
func (c Chipset) String() string {
	switch c {
	case ChipsetI830:
		return "i830"
	case ChipsetI915:
		return "i915"
	case ChipsetI945:
		return "i945"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Gen returns the hardware generation.
func (c Chipset) Gen() int {
	if c == ChipsetI830 {
		return 2
	}
	return 3
}

// Is945 reports whether the chipset uses the i945 miptree layout.
func (c Chipset) Is945() bool { return c == ChipsetI945 }

// GTTSize returns the size of the graphics aperture.
func (c Chipset) GTTSize() uint64 {
	if c.Gen() == 2 {
		return 128 << 20
	}
	return 256 << 20
}

// BlitsYTiled reports whether the blitter can address Y-tiled surfaces.
// None of the family can.
func (c Chipset) BlitsYTiled() bool { return false }

// MaxFencePitch is the largest pitch a fence register can describe.
func (c Chipset) MaxFencePitch() uint32 { return 8192 }

// Tile geometry.
const (
	TileSize    = 4096
	XTileWidth  = 512
	XTileHeight = 8
	YTileWidth  = 128
	YTileHeight = 32

	// MaxBlitPitch is the exclusive upper bound of a blit pitch in bytes.
	MaxBlitPitch = 32768
)

// MI commands.
const (
	MINoop           = 0
	MIFlush          = 0x04 << 23
	MIBatchBufferEnd = 0x0a << 23

	// MIFlushInhibitRenderCacheFlush keeps the render cache on MI_FLUSH.
	MIFlushInhibitRenderCacheFlush = 1 << 2
)

// Command types in bits 29-31.
const (
	CmdTypeMI = 0
	CmdType2D = 2
	CmdType3D = 3
)

// CmdType returns the command type of a header dword.
func CmdType(dw uint32) uint32 { return dw >> 29 }

// 2D commands.
const (
	XYSetupBlt          = CmdType2D<<29 | 0x01<<22 | 6
	XYTextImmediateBlit = CmdType2D<<29 | 0x31<<22
	XYColorBlt          = CmdType2D<<29 | 0x50<<22 | 4
	XYSrcCopyBlt        = CmdType2D<<29 | 0x53<<22 | 6

	XYBltWriteAlpha  = 1 << 21
	XYBltWriteRGB    = 1 << 20
	XYTextBytePacked = 1 << 16
	XYSrcTiled       = 1 << 15
	XYDstTiled       = 1 << 11

	// Opcode2DMask selects the 2D opcode of a header dword.
	Opcode2DMask = 0x7f << 22
)

// 2D packet lengths in dwords.
const (
	XYSetupBltLen   = 8
	XYColorBltLen   = 6
	XYSrcCopyBltLen = 8
	XYTextBltLen    = 3
)

// BR13 fields.
const (
	BR13Depth8    = 0 << 24
	BR13Depth565  = 1 << 24
	BR13Depth1555 = 2 << 24
	BR13Depth8888 = 3 << 24

	BR13MonoSourceTransparency = 1 << 29
	BR13ClipEnable             = 1 << 30
)

// BR13DepthForCPP returns the color depth field for a cpp of 1, 2 or 4.
func BR13DepthForCPP(cpp uint32) (uint32, bool) {
	switch cpp {
	case 4:
		return BR13Depth8888, true
	case 2:
		return BR13Depth565, true
	case 1:
		return BR13Depth8, true
	default:
		return 0, false
	}
}

// CPPForBR13 decodes the color depth field of a BR13 dword.
func CPPForBR13(br13 uint32) uint32 {
	switch br13 & (3 << 24) {
	case BR13Depth8:
		return 1
	case BR13Depth8888:
		return 4
	default:
		return 2
	}
}

// PackXY packs a coordinate pair in the (y<<16)|x form used by the blitter.
func PackXY(x, y int) uint32 {
	return uint32(y)<<16 | uint32(x)&0xffff
}

// UnpackXY reverses PackXY.
func UnpackXY(dw uint32) (x, y int) {
	return int(dw & 0xffff), int(dw >> 16)
}

// Raster operations in the BR13 ROP3 field.
const (
	ROPCopy    = 0xcc
	ROPPatCopy = 0xf0
)

// LogicOp is a GL logic operation. The zero value is LogicOpCopy.
type LogicOp uint8

const (
	LogicOpCopy LogicOp = iota
	LogicOpClear
	LogicOpAnd
	LogicOpAndReverse
	LogicOpAndInverted
	LogicOpNoop
	LogicOpXor
	LogicOpOr
	LogicOpNor
	LogicOpEquiv
	LogicOpInvert
	LogicOpOrReverse
	LogicOpCopyInverted
	LogicOpOrInverted
	LogicOpNand
	LogicOpSet
)

var ropTable = [16]uint8{
	0xcc, 0x00, 0x88, 0x44, 0x22, 0xaa, 0x66, 0xee,
	0x11, 0x99, 0x55, 0xdd, 0x33, 0xbb, 0x77, 0xff,
}

// ROP returns the source/destination ROP3 code for op.
func (op LogicOp) ROP() uint32 {
	return uint32(ropTable[op&0xf])
}

// 3D packet headers, decoded only far enough to skip them.
const (
	Opcode3DState1D = 0x1d
	Opcode3DPrim    = 0x1f
)

// State3D1D returns the header of a 3DSTATE packet of length dwords.
func State3D1D(op uint32, length int) uint32 {
	return CmdType3D<<29 | Opcode3DState1D<<24 | (op&0xff)<<16 | uint32(length-2)
}

// Prim3D returns the header of an inline primitive carrying n payload dwords.
func Prim3D(prim uint32, n int) uint32 {
	return CmdType3D<<29 | Opcode3DPrim<<24 | (prim&0x3f)<<18 | uint32(n-1)&0xffff
}

// Length3D returns the total dword length of the 3D packet starting with dw.
func Length3D(dw uint32) int {
	switch (dw >> 24) & 0x1f {
	case Opcode3DState1D:
		return int(dw&0xff) + 2
	case Opcode3DPrim:
		return int(dw&0xffff) + 2
	default:
		return 1
	}
}

// Length2D returns the total dword length of the 2D packet starting with dw.
func Length2D(dw uint32) int { return int(dw&0xff) + 2 }
