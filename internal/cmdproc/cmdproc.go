// Package cmdproc executes i915 command streams in software.
//
// MI commands and the XY_* blitter commands are interpreted against a memory
// map of bound buffers. 3D packets are skipped by length; the simulated GPU
// has no 3D pipeline.
package cmdproc

import (
	"errors"
	"fmt"

	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/hw"
	"github.com/gogpu/i915/internal/tiling"
)

var (
	// ErrHang is returned when the command stream cannot be parsed.
	ErrHang = errors.New("cmdproc: gpu hang")

	// ErrFault is returned when a command addresses unbound memory.
	ErrFault = errors.New("cmdproc: page fault")
)

// Binding places raw storage at a GPU address.
type Binding struct {
	Addr uint64
	Data []byte
}

// Memory is the set of bindings visible to one submission.
type Memory []Binding

func (m Memory) resolve(addr uint64) ([]byte, int, bool) {
	for _, b := range m {
		if addr >= b.Addr && addr < b.Addr+uint64(len(b.Data)) {
			return b.Data, int(addr - b.Addr), true
		}
	}
	return nil, 0, false
}

// Stats counts executed commands.
type Stats struct {
	Copies    int
	Fills     int
	Texts     int
	Flushes   int
	Skipped3D int
}

type setupState struct {
	valid  bool
	cmd    uint32
	br13   uint32
	clipX1 int
	clipY1 int
	clipX2 int
	clipY2 int
	dst    uint32
	bg, fg uint32
}

type processor struct {
	mem   Memory
	setup setupState
	stats Stats
}

// Execute runs words until MI_BATCH_BUFFER_END.
func Execute(words []uint32, mem Memory) (Stats, error) {
	p := &processor{mem: mem}
	for i := 0; i < len(words); {
		dw := words[i]
		n := 1
		switch hw.CmdType(dw) {
		case hw.CmdTypeMI:
			switch dw & (0x3f << 23) {
			case hw.MINoop:
			case hw.MIFlush:
				p.stats.Flushes++
			case hw.MIBatchBufferEnd:
				return p.stats, nil
			default:
				return p.stats, fmt.Errorf("%w: MI opcode 0x%02x at dword %d", ErrHang, (dw>>23)&0x3f, i)
			}
		case hw.CmdType2D:
			n = hw.Length2D(dw)
			if i+n > len(words) {
				return p.stats, fmt.Errorf("%w: truncated 2D packet at dword %d", ErrHang, i)
			}
			if err := p.exec2D(words[i : i+n]); err != nil {
				return p.stats, fmt.Errorf("dword %d: %w", i, err)
			}
		case hw.CmdType3D:
			n = hw.Length3D(dw)
			p.stats.Skipped3D++
		default:
			return p.stats, fmt.Errorf("%w: command type %d at dword %d", ErrHang, hw.CmdType(dw), i)
		}
		i += n
	}
	return p.stats, fmt.Errorf("%w: batch not terminated", ErrHang)
}

func (p *processor) exec2D(pkt []uint32) error {
	switch pkt[0] & hw.Opcode2DMask {
	case hw.XYSrcCopyBlt & hw.Opcode2DMask:
		if len(pkt) != hw.XYSrcCopyBltLen {
			return fmt.Errorf("%w: XY_SRC_COPY_BLT length %d", ErrHang, len(pkt))
		}
		p.stats.Copies++
		return p.srcCopy(pkt)
	case hw.XYColorBlt & hw.Opcode2DMask:
		if len(pkt) != hw.XYColorBltLen {
			return fmt.Errorf("%w: XY_COLOR_BLT length %d", ErrHang, len(pkt))
		}
		p.stats.Fills++
		return p.colorFill(pkt)
	case hw.XYSetupBlt & hw.Opcode2DMask:
		if len(pkt) != hw.XYSetupBltLen {
			return fmt.Errorf("%w: XY_SETUP_BLT length %d", ErrHang, len(pkt))
		}
		x1, y1 := hw.UnpackXY(pkt[2])
		x2, y2 := hw.UnpackXY(pkt[3])
		p.setup = setupState{
			valid:  true,
			cmd:    pkt[0],
			br13:   pkt[1],
			clipX1: x1,
			clipY1: y1,
			clipX2: x2,
			clipY2: y2,
			dst:    pkt[4],
			bg:     pkt[5],
			fg:     pkt[6],
		}
		return nil
	case hw.XYTextImmediateBlit & hw.Opcode2DMask:
		p.stats.Texts++
		return p.textImmediate(pkt)
	default:
		return fmt.Errorf("%w: 2D opcode 0x%02x", ErrHang, (pkt[0]>>22)&0x7f)
	}
}

// surface is a blitter view of memory.
type surface struct {
	data  []byte
	base  int
	pitch int
	tiled bool
	cpp   int
}

func (p *processor) surface(addr uint32, pitchField uint32, tiled bool, cpp int) (surface, error) {
	data, off, ok := p.mem.resolve(uint64(addr))
	if !ok {
		return surface{}, fmt.Errorf("%w: address 0x%08x", ErrFault, addr)
	}
	pitch := int(int16(pitchField & 0xffff))
	if tiled {
		pitch *= 4
	}
	return surface{data: data, base: off, pitch: pitch, tiled: tiled, cpp: cpp}, nil
}

func (s surface) addr(xBytes, y int) (int, error) {
	var a int
	if s.tiled {
		if s.pitch <= 0 || xBytes < 0 || y < 0 {
			return 0, fmt.Errorf("%w: tiled access (%d, %d) pitch %d", ErrFault, xBytes, y, s.pitch)
		}
		a = s.base + int(tiling.Offset(bufmgr.TilingX, uint32(s.pitch), uint32(xBytes), uint32(y)))
	} else {
		a = s.base + y*s.pitch + xBytes
	}
	if a < 0 || a+s.cpp > len(s.data) {
		return 0, fmt.Errorf("%w: offset %d outside %d-byte buffer", ErrFault, a, len(s.data))
	}
	return a, nil
}

func (s surface) read(x, y int, px []byte) error {
	a, err := s.addr(x*s.cpp, y)
	if err != nil {
		return err
	}
	copy(px, s.data[a:a+s.cpp])
	return nil
}

func (s surface) write(x, y int, src, pat []byte, rop uint8, mask [4]bool) error {
	a, err := s.addr(x*s.cpp, y)
	if err != nil {
		return err
	}
	for b := 0; b < s.cpp; b++ {
		if !mask[b] {
			continue
		}
		var sv, pv byte
		if src != nil {
			sv = src[b]
		}
		if pat != nil {
			pv = pat[b]
		}
		s.data[a+b] = ROP3(rop, pv, sv, s.data[a+b])
	}
	return nil
}

// ROP3 applies a ternary raster operation bitwise to pattern, source and
// destination bytes.
func ROP3(rop uint8, p, s, d byte) byte {
	switch rop {
	case hw.ROPCopy:
		return s
	case hw.ROPPatCopy:
		return p
	case 0xaa:
		return d
	}
	var out byte
	for idx := 0; idx < 8; idx++ {
		if rop&(1<<idx) == 0 {
			continue
		}
		m := byte(0xff)
		if idx&4 != 0 {
			m &= p
		} else {
			m &^= p
		}
		if idx&2 != 0 {
			m &= s
		} else {
			m &^= s
		}
		if idx&1 != 0 {
			m &= d
		} else {
			m &^= d
		}
		out |= m
	}
	return out
}

func writeMask(cmd uint32, cpp int) [4]bool {
	if cpp != 4 {
		return [4]bool{true, true, true, true}
	}
	rgb := cmd&hw.XYBltWriteRGB != 0
	alpha := cmd&hw.XYBltWriteAlpha != 0
	return [4]bool{rgb, rgb, rgb, alpha}
}

func colorBytes(c uint32) []byte {
	return []byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)}
}

func (p *processor) srcCopy(pkt []uint32) error {
	br13 := pkt[1]
	cpp := int(hw.CPPForBR13(br13))
	rop := uint8(br13 >> 16)
	x1, y1 := hw.UnpackXY(pkt[2])
	x2, y2 := hw.UnpackXY(pkt[3])
	sx, sy := hw.UnpackXY(pkt[5])
	w, h := x2-x1, y2-y1
	if w <= 0 || h <= 0 {
		return nil
	}
	dst, err := p.surface(pkt[4], br13, pkt[0]&hw.XYDstTiled != 0, cpp)
	if err != nil {
		return err
	}
	src, err := p.surface(pkt[7], pkt[6], pkt[0]&hw.XYSrcTiled != 0, cpp)
	if err != nil {
		return err
	}
	// Read the whole source rectangle first so overlapping copies behave
	// like memmove.
	tmp := make([]byte, w*h*cpp)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * cpp
			if err := src.read(sx+x, sy+y, tmp[i:i+cpp]); err != nil {
				return err
			}
		}
	}
	mask := writeMask(pkt[0], cpp)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * cpp
			if err := dst.write(x1+x, y1+y, tmp[i:i+cpp], nil, rop, mask); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *processor) colorFill(pkt []uint32) error {
	br13 := pkt[1]
	cpp := int(hw.CPPForBR13(br13))
	rop := uint8(br13 >> 16)
	x1, y1 := hw.UnpackXY(pkt[2])
	x2, y2 := hw.UnpackXY(pkt[3])
	dst, err := p.surface(pkt[4], br13, pkt[0]&hw.XYDstTiled != 0, cpp)
	if err != nil {
		return err
	}
	pat := colorBytes(pkt[5])
	mask := writeMask(pkt[0], cpp)
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			if err := dst.write(x, y, nil, pat, rop, mask); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *processor) textImmediate(pkt []uint32) error {
	if !p.setup.valid {
		return fmt.Errorf("%w: XY_TEXT_IMMEDIATE_BLIT without XY_SETUP_BLT", ErrHang)
	}
	if pkt[0]&hw.XYTextBytePacked == 0 {
		return fmt.Errorf("%w: bit-packed text data is not supported", ErrHang)
	}
	if len(pkt) < hw.XYTextBltLen {
		return fmt.Errorf("%w: XY_TEXT_IMMEDIATE_BLIT length %d", ErrHang, len(pkt))
	}
	st := p.setup
	cpp := int(hw.CPPForBR13(st.br13))
	rop := uint8(st.br13 >> 16)
	x1, y1 := hw.UnpackXY(pkt[1])
	x2, y2 := hw.UnpackXY(pkt[2])
	w, h := x2-x1, y2-y1
	if w <= 0 || h <= 0 {
		return nil
	}
	bits := make([]byte, 0, (len(pkt)-hw.XYTextBltLen)*4)
	for _, dw := range pkt[hw.XYTextBltLen:] {
		bits = append(bits, colorBytes(dw)...)
	}
	stride := (w + 7) / 8
	if stride*h > len(bits) {
		return fmt.Errorf("%w: %d bitmap bytes for a %dx%d rectangle", ErrHang, len(bits), w, h)
	}
	dst, err := p.surface(st.dst, st.br13, st.cmd&hw.XYDstTiled != 0, cpp)
	if err != nil {
		return err
	}
	fg, bg := colorBytes(st.fg), colorBytes(st.bg)
	transparent := st.br13&hw.BR13MonoSourceTransparency != 0
	clip := st.br13&hw.BR13ClipEnable != 0
	mask := writeMask(st.cmd, cpp)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := x1+x, y1+y
			if clip && (dx < st.clipX1 || dx >= st.clipX2 || dy < st.clipY1 || dy >= st.clipY2) {
				continue
			}
			src := fg
			if bits[y*stride+x/8]&(1<<(x%8)) == 0 {
				if transparent {
					continue
				}
				src = bg
			}
			if err := dst.write(dx, dy, src, nil, rop, mask); err != nil {
				return err
			}
		}
	}
	return nil
}
