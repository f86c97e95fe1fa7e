// Package decode prints i915 command streams in a human-readable form.
//
// Every dword is printed on its own line as
//
//	0x<address>: 0x<value>: <description>
//
// with the packet name on the header dword and field breakdowns indented on
// the dwords that follow.
package decode

import (
	"fmt"
	"io"

	"github.com/gogpu/i915/hw"
)

// Options controls output formatting.
type Options struct {
	// Color highlights packet names with ANSI escapes.
	Color bool
}

const (
	colorHeader = "\x1b[1;34m"
	colorError  = "\x1b[1;31m"
	colorReset  = "\x1b[0m"
)

// Dump decodes words, which start at GPU address base, and writes the
// listing to w. It returns the number of dwords it could not decode.
func Dump(w io.Writer, words []uint32, base uint32) (int, error) {
	return DumpWith(w, words, base, Options{})
}

// DumpWith is Dump with explicit options.
func DumpWith(w io.Writer, words []uint32, base uint32, opts Options) (int, error) {
	d := &decoder{w: w, words: words, base: base, opts: opts}
	for i := 0; i < len(words) && d.err == nil; {
		n := d.packet(i)
		if n <= 0 {
			n = 1
		}
		i += n
	}
	return d.failures, d.err
}

type decoder struct {
	w        io.Writer
	words    []uint32
	base     uint32
	opts     Options
	failures int
	err      error
}

func (d *decoder) line(i int, color, format string, args ...any) {
	if d.err != nil {
		return
	}
	text := fmt.Sprintf(format, args...)
	if d.opts.Color && color != "" {
		text = color + text + colorReset
	}
	_, d.err = fmt.Fprintf(d.w, "0x%08x: 0x%08x: %s\n", d.base+uint32(i)*4, d.words[i], text)
}

func (d *decoder) header(i int, format string, args ...any) {
	d.line(i, colorHeader, format, args...)
}

func (d *decoder) field(i int, format string, args ...any) {
	d.line(i, "", "   "+format, args...)
}

func (d *decoder) bad(i int, format string, args ...any) int {
	d.failures++
	d.line(i, colorError, format, args...)
	return 1
}

func (d *decoder) packet(i int) int {
	dw := d.words[i]
	switch hw.CmdType(dw) {
	case hw.CmdTypeMI:
		return d.mi(i)
	case hw.CmdType2D:
		return d.twoD(i)
	case hw.CmdType3D:
		return d.threeD(i)
	default:
		return d.bad(i, "UNKNOWN command type %d", hw.CmdType(dw))
	}
}

func (d *decoder) mi(i int) int {
	dw := d.words[i]
	switch dw & (0x3f << 23) {
	case hw.MINoop:
		d.header(i, "MI_NOOP")
	case hw.MIFlush:
		if dw&hw.MIFlushInhibitRenderCacheFlush != 0 {
			d.header(i, "MI_FLUSH (inhibit render cache flush)")
		} else {
			d.header(i, "MI_FLUSH")
		}
	case hw.MIBatchBufferEnd:
		d.header(i, "MI_BATCH_BUFFER_END")
	default:
		return d.bad(i, "MI UNKNOWN opcode 0x%02x", (dw>>23)&0x3f)
	}
	return 1
}

func (d *decoder) need(i, n int, name string) bool {
	if i+n > len(d.words) {
		d.bad(i, "%s: packet of %d dwords truncated", name, n)
		return false
	}
	return true
}

func br13Format(br13 uint32) string {
	switch br13 & (3 << 24) {
	case hw.BR13Depth8:
		return "8"
	case hw.BR13Depth565:
		return "565"
	case hw.BR13Depth1555:
		return "1555"
	default:
		return "8888"
	}
}

func tiledFlags(dw uint32) string {
	return fmt.Sprintf("rgb %s, alpha %s, src tile %d, dst tile %d",
		enabled(dw&hw.XYBltWriteRGB != 0), enabled(dw&hw.XYBltWriteAlpha != 0),
		b2i(dw&hw.XYSrcTiled != 0), b2i(dw&hw.XYDstTiled != 0))
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (d *decoder) br13(i int) {
	br13 := d.words[i]
	d.field(i, "format %s, pitch %d, rop 0x%02x, clipping %s, mono transparency %s",
		br13Format(br13), int16(br13&0xffff), (br13>>16)&0xff,
		enabled(br13&hw.BR13ClipEnable != 0),
		enabled(br13&hw.BR13MonoSourceTransparency != 0))
}

func (d *decoder) xy(i int, what string) {
	x, y := hw.UnpackXY(d.words[i])
	d.field(i, "%s (%d,%d)", what, x, y)
}

func (d *decoder) twoD(i int) int {
	dw := d.words[i]
	n := hw.Length2D(dw)
	switch dw & hw.Opcode2DMask {
	case hw.XYSrcCopyBlt & hw.Opcode2DMask:
		if n != hw.XYSrcCopyBltLen {
			return d.bad(i, "XY_SRC_COPY_BLT: bad length %d", n)
		}
		if !d.need(i, n, "XY_SRC_COPY_BLT") {
			return n
		}
		d.header(i, "XY_SRC_COPY_BLT (%s)", tiledFlags(dw))
		d.br13(i + 1)
		d.xy(i+2, "dst")
		d.xy(i+3, "dst")
		d.field(i+4, "dst offset 0x%08x", d.words[i+4])
		d.xy(i+5, "src")
		d.field(i+6, "src pitch %d", int16(d.words[i+6]&0xffff))
		d.field(i+7, "src offset 0x%08x", d.words[i+7])
	case hw.XYColorBlt & hw.Opcode2DMask:
		if n != hw.XYColorBltLen {
			return d.bad(i, "XY_COLOR_BLT: bad length %d", n)
		}
		if !d.need(i, n, "XY_COLOR_BLT") {
			return n
		}
		d.header(i, "XY_COLOR_BLT (%s)", tiledFlags(dw))
		d.br13(i + 1)
		d.xy(i+2, "dst")
		d.xy(i+3, "dst")
		d.field(i+4, "offset 0x%08x", d.words[i+4])
		d.field(i+5, "color 0x%08x", d.words[i+5])
	case hw.XYSetupBlt & hw.Opcode2DMask:
		if n != hw.XYSetupBltLen {
			return d.bad(i, "XY_SETUP_BLT: bad length %d", n)
		}
		if !d.need(i, n, "XY_SETUP_BLT") {
			return n
		}
		d.header(i, "XY_SETUP_BLT (%s)", tiledFlags(dw))
		d.br13(i + 1)
		d.xy(i+2, "cliprect")
		d.xy(i+3, "cliprect")
		d.field(i+4, "offset 0x%08x", d.words[i+4])
		d.field(i+5, "bg color 0x%08x", d.words[i+5])
		d.field(i+6, "fg color 0x%08x", d.words[i+6])
		d.field(i+7, "pattern base 0x%08x", d.words[i+7])
	case hw.XYTextImmediateBlit & hw.Opcode2DMask:
		if !d.need(i, n, "XY_TEXT_IMMEDIATE_BLT") {
			return n
		}
		packed := "bit"
		if dw&hw.XYTextBytePacked != 0 {
			packed = "byte"
		}
		d.header(i, "XY_TEXT_IMMEDIATE_BLT (%s packed, %d data dwords)", packed, n-hw.XYTextBltLen)
		d.xy(i+1, "dst")
		d.xy(i+2, "dst")
		for j := i + hw.XYTextBltLen; j < i+n; j++ {
			d.field(j, "data")
		}
	default:
		d.bad(i, "2D UNKNOWN opcode 0x%02x", (dw>>22)&0x7f)
		return n
	}
	return n
}

func (d *decoder) threeD(i int) int {
	dw := d.words[i]
	n := hw.Length3D(dw)
	if !d.need(i, n, "3D") {
		return n
	}
	switch (dw >> 24) & 0x1f {
	case hw.Opcode3DState1D:
		d.header(i, "3DSTATE_1D opcode 0x%02x", (dw>>16)&0xff)
	case hw.Opcode3DPrim:
		d.header(i, "3DPRIMITIVE type 0x%02x", (dw>>18)&0x3f)
	default:
		d.header(i, "3DSTATE opcode 0x%02x", (dw>>24)&0x1f)
	}
	for j := i + 1; j < i+n; j++ {
		d.field(j, "dword %d", j-i)
	}
	return n
}
