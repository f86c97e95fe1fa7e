package state

import (
	"fmt"

	"github.com/gogpu/i915/batch"
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/hw"
	"github.com/gogpu/i915/region"
)

// Packet sizes of the i830 state groups in dwords.
const (
	InvariantWords   = 40
	RasterRulesWords = 1
	CtxWords         = 22
	BuffersWords     = 18
	StippleWords     = 2
	TexWords         = 11
	MaxTexBlendWords = 12
)

// 3D opcodes of the cached packets.
const (
	opInvariant   = 0x9c
	opRasterRules = 0x07
	opCtx         = 0x88
	opBufInfo     = 0x8e
	opDstBufVars  = 0x85
	opDrawRect    = 0x80
	opScissor     = 0x81
	opStipple     = 0x83
	opLoadTex     = 0x04
	opBlendOp     = 0x05
)

// Word positions of relocations within the Buffers and Tex packets.
const (
	colorReloc = 2
	depthReloc = 5
	texReloc   = 1
)

func cmd3D(op uint32) uint32 { return hw.CmdType3D<<29 | op<<24 }

// TexUnit is the cached state of one texture unit.
type TexUnit struct {
	Words  [TexWords]uint32
	Region *region.Region
	Offset uint32
}

// I830 caches the hardware state of an i830-class context and supplies it
// group by group to a Tracker.
type I830 struct {
	t *Tracker

	Invariant   [InvariantWords]uint32
	RasterRules uint32
	Ctx         [CtxWords]uint32
	BufInfo     [BuffersWords]uint32
	Stipple     [StippleWords]uint32
	Tex         [TexUnits]TexUnit
	TexBlend    [TexUnits][]uint32

	color, depth *region.Region
}

var _ Source = (*I830)(nil)

// NewI830 creates the cached state of a context drawing into b and the
// Tracker that emits it. Nothing is active until a setter or MarkChanged
// activates it.
func NewI830(b *batch.Buffer) (*I830, *Tracker) {
	s := &I830{}
	s.Invariant[0] = hw.State3D1D(opInvariant, InvariantWords)
	s.RasterRules = cmd3D(opRasterRules)
	s.Ctx[0] = hw.State3D1D(opCtx, CtxWords)
	s.BufInfo[0] = hw.State3D1D(opBufInfo, 3)
	s.BufInfo[3] = hw.State3D1D(opBufInfo, 3)
	s.BufInfo[6] = hw.State3D1D(opDstBufVars, 2)
	s.BufInfo[8] = hw.State3D1D(opDrawRect, 5)
	s.BufInfo[13] = hw.State3D1D(opScissor, 5)
	s.Stipple[0] = hw.State3D1D(opStipple, StippleWords)
	for i := range s.Tex {
		s.Tex[i].Words[0] = hw.State3D1D(opLoadTex, TexWords)
		s.TexBlend[i] = []uint32{cmd3D(opBlendOp) | uint32(i)<<20}
	}
	s.t = NewTracker(b, s)
	return s, s.t
}

// Activate marks the groups a context always needs.
func (s *I830) Activate() {
	s.t.MarkChanged(GroupInvariant, GroupRasterRules, GroupCtx, GroupStipple, GroupTexBlend0)
}

// SetDrawRegions binds the color and depth buffers. Either may be nil.
func (s *I830) SetDrawRegions(color, depth *region.Region) {
	region.Reference(&s.color, color)
	region.Reference(&s.depth, depth)
	s.BufInfo[1], s.BufInfo[4] = 0, 0
	if color != nil {
		s.BufInfo[1] = bufInfo(color)
		s.BufInfo[9] = 0
		s.BufInfo[10] = uint32(color.Height-1)<<16 | uint32(color.Width-1)
		s.BufInfo[14] = 0
		s.BufInfo[15] = s.BufInfo[10]
	}
	if depth != nil {
		s.BufInfo[4] = bufInfo(depth) | 1<<24
	}
	s.t.MarkChanged(GroupBuffers)
}

func bufInfo(r *region.Region) uint32 {
	v := r.Pitch
	if r.Tiling != bufmgr.TilingNone {
		v |= 1 << 22
		if r.Tiling == bufmgr.TilingY {
			v |= 1 << 21
		}
	}
	return v
}

// SetStipple loads a polygon stipple word.
func (s *I830) SetStipple(pattern uint32) {
	s.Stipple[1] = pattern
	s.t.MarkChanged(GroupStipple)
}

// SetCtx replaces one dword of the context packet payload.
func (s *I830) SetCtx(i int, v uint32) {
	if i <= 0 || i >= CtxWords {
		panic(fmt.Sprintf("state: ctx word %d out of range", i))
	}
	s.Ctx[i] = v
	s.t.MarkChanged(GroupCtx)
}

// SetTexture binds r, offset bytes in, to unit with the given map state.
// A nil region disables the unit.
func (s *I830) SetTexture(unit int, r *region.Region, offset uint32, words [TexWords - 2]uint32) {
	u := &s.Tex[unit]
	region.Reference(&u.Region, r)
	if r == nil {
		s.t.Deactivate(GroupTex(unit))
		return
	}
	u.Offset = offset
	copy(u.Words[2:], words[:])
	s.t.MarkChanged(GroupTex(unit))
}

// SetTexBlend replaces the blend program of unit. It must be made of
// single-dword and 3DSTATE_1D packets, at most MaxTexBlendWords long.
func (s *I830) SetTexBlend(unit int, words []uint32) {
	if len(words) > MaxTexBlendWords {
		panic(fmt.Sprintf("state: %d texblend words, limit %d", len(words), MaxTexBlendWords))
	}
	s.TexBlend[unit] = append(s.TexBlend[unit][:0], words...)
	s.t.MarkChanged(GroupTexBlend(unit))
}

// Release drops the region references held by the cached state.
func (s *I830) Release() {
	region.Release(&s.color)
	region.Release(&s.depth)
	for i := range s.Tex {
		region.Release(&s.Tex[i].Region)
	}
}

// Words implements Source.
func (s *I830) Words(g Group) int {
	switch {
	case g == GroupInvariant:
		return InvariantWords
	case g == GroupRasterRules:
		return RasterRulesWords
	case g == GroupCtx:
		return CtxWords
	case g == GroupBuffers:
		return BuffersWords
	case g == GroupStipple:
		return StippleWords
	case g >= GroupTex0 && g <= GroupTex3:
		return TexWords
	case g >= GroupTexBlend0 && g <= GroupTexBlend3:
		return len(s.TexBlend[g-GroupTexBlend0])
	default:
		return 0
	}
}

// Buffers implements Source.
func (s *I830) Buffers(g Group) []*bufmgr.BO {
	switch {
	case g == GroupBuffers:
		var bos []*bufmgr.BO
		if s.color != nil {
			bos = append(bos, s.color.BO)
		}
		if s.depth != nil {
			bos = append(bos, s.depth.BO)
		}
		return bos
	case g >= GroupTex0 && g <= GroupTex3:
		if r := s.Tex[g-GroupTex0].Region; r != nil {
			return []*bufmgr.BO{r.BO}
		}
	}
	return nil
}

func emitWords(p *batch.Packet, words []uint32) {
	for _, w := range words {
		p.Emit(w)
	}
}

func emitRegion(p *batch.Packet, r *region.Region, read, write bufmgr.Domain, delta uint32) {
	if r == nil {
		p.Emit(0)
		return
	}
	p.Reloc(r.BO, read, write, delta)
}

// Emit implements Source.
func (s *I830) Emit(g Group, p *batch.Packet) {
	switch {
	case g == GroupInvariant:
		emitWords(p, s.Invariant[:])
	case g == GroupRasterRules:
		p.Emit(s.RasterRules)
	case g == GroupCtx:
		emitWords(p, s.Ctx[:])
	case g == GroupBuffers:
		emitWords(p, s.BufInfo[:colorReloc])
		emitRegion(p, s.color, bufmgr.DomainRender, bufmgr.DomainRender, 0)
		emitWords(p, s.BufInfo[colorReloc+1:depthReloc])
		emitRegion(p, s.depth, bufmgr.DomainRender, bufmgr.DomainRender, 0)
		emitWords(p, s.BufInfo[depthReloc+1:])
	case g == GroupStipple:
		emitWords(p, s.Stipple[:])
	case g >= GroupTex0 && g <= GroupTex3:
		u := &s.Tex[g-GroupTex0]
		emitWords(p, u.Words[:texReloc])
		emitRegion(p, u.Region, bufmgr.DomainSampler, 0, u.Offset)
		emitWords(p, u.Words[texReloc+1:])
	case g >= GroupTexBlend0 && g <= GroupTexBlend3:
		emitWords(p, s.TexBlend[g-GroupTexBlend0])
	}
}
