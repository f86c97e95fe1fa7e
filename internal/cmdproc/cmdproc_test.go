package cmdproc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/i915/hw"
)

const (
	srcAddr = 0x10000
	dstAddr = 0x20000
	pitch   = 64
)

func pixel(data []byte, x, y int) uint32 {
	return binary.LittleEndian.Uint32(data[y*pitch+x*4:])
}

func setPixel(data []byte, x, y int, v uint32) {
	binary.LittleEndian.PutUint32(data[y*pitch+x*4:], v)
}

func br13(rop uint32) uint32 { return hw.BR13Depth8888 | rop<<16 | pitch }

const writeAll = hw.XYBltWriteRGB | hw.XYBltWriteAlpha

func TestROP3(t *testing.T) {
	tests := []struct {
		rop     uint8
		p, s, d byte
		want    byte
	}{
		{hw.ROPCopy, 0x12, 0x34, 0x56, 0x34},
		{hw.ROPPatCopy, 0x12, 0x34, 0x56, 0x12},
		{0xaa, 0x12, 0x34, 0x56, 0x56},
		{0x66, 0x00, 0xf0, 0xff, 0x0f},
		{0x88, 0x00, 0xf0, 0x3c, 0x30},
		{0x00, 0xff, 0xff, 0xff, 0x00},
		{0xff, 0x00, 0x00, 0x00, 0xff},
		{0x5a, 0xf0, 0x00, 0xcc, 0x3c},
	}
	for _, tt := range tests {
		if got := ROP3(tt.rop, tt.p, tt.s, tt.d); got != tt.want {
			t.Errorf("ROP3(%#x, %#x, %#x, %#x) = %#x, want %#x", tt.rop, tt.p, tt.s, tt.d, got, tt.want)
		}
	}
}

func TestExecuteCopyAndFill(t *testing.T) {
	src := make([]byte, 4096)
	dst := make([]byte, 4096)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			setPixel(src, x, y, uint32(0x1000*y+x))
		}
	}
	mem := Memory{{Addr: srcAddr, Data: src}, {Addr: dstAddr, Data: dst}}
	words := []uint32{
		hw.XYSrcCopyBlt | writeAll, br13(hw.ROPCopy),
		hw.PackXY(2, 1), hw.PackXY(5, 3), dstAddr,
		hw.PackXY(1, 0), pitch, srcAddr,
		hw.MIFlush,
		hw.XYColorBlt | hw.XYBltWriteRGB, br13(hw.ROPPatCopy),
		hw.PackXY(0, 5), hw.PackXY(2, 6), dstAddr, 0xff00ff00,
		hw.MINoop,
		hw.MIBatchBufferEnd,
	}
	stats, err := Execute(words, mem)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stats.Copies != 1 || stats.Fills != 1 || stats.Flushes != 1 {
		t.Errorf("stats = %+v", stats)
	}
	for y := 1; y < 3; y++ {
		for x := 2; x < 5; x++ {
			want := uint32(0x1000*(y-1) + x - 1)
			if got := pixel(dst, x, y); got != want {
				t.Errorf("dst(%d, %d) = %#x, want %#x", x, y, got, want)
			}
		}
	}
	if got := pixel(dst, 1, 1); got != 0 {
		t.Errorf("copy wrote outside its rectangle: %#x", got)
	}
	// The fill writes RGB only: the alpha byte stays zero.
	if got := pixel(dst, 1, 5); got != 0x0000ff00 {
		t.Errorf("filled pixel = %#x, want 0x0000ff00", got)
	}
}

func TestExecuteOverlappingCopy(t *testing.T) {
	buf := make([]byte, 4096)
	for x := 0; x < 8; x++ {
		setPixel(buf, x, 0, uint32(x+1))
	}
	words := []uint32{
		hw.XYSrcCopyBlt | writeAll, br13(hw.ROPCopy),
		hw.PackXY(2, 0), hw.PackXY(8, 1), dstAddr,
		hw.PackXY(0, 0), pitch, dstAddr,
		hw.MIBatchBufferEnd,
	}
	if _, err := Execute(words, Memory{{Addr: dstAddr, Data: buf}}); err != nil {
		t.Fatal(err)
	}
	for x := 2; x < 8; x++ {
		if got := pixel(buf, x, 0); got != uint32(x-1) {
			t.Errorf("pixel %d = %d, want %d", x, got, x-1)
		}
	}
}

func TestExecuteTextImmediate(t *testing.T) {
	dst := make([]byte, 4096)
	const fg, bg = 0xffffffff, 0xff000000
	words := []uint32{
		hw.XYSetupBlt | writeAll, br13(hw.ROPCopy) | hw.BR13MonoSourceTransparency,
		hw.PackXY(0, 0), hw.PackXY(16, 16), dstAddr, bg, fg, 0,
		hw.XYTextImmediateBlit | hw.XYTextBytePacked | 2,
		hw.PackXY(0, 0), hw.PackXY(8, 2),
		0x0000f00f,
		hw.MIBatchBufferEnd,
	}
	stats, err := Execute(words, Memory{{Addr: dstAddr, Data: dst}})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Texts != 1 {
		t.Errorf("%d text blits, want 1", stats.Texts)
	}
	for x := 0; x < 8; x++ {
		want0, want1 := uint32(0), uint32(fg)
		if x < 4 {
			want0, want1 = fg, 0
		}
		if got := pixel(dst, x, 0); got != want0 {
			t.Errorf("row 0 pixel %d = %#x, want %#x", x, got, want0)
		}
		if got := pixel(dst, x, 1); got != want1 {
			t.Errorf("row 1 pixel %d = %#x, want %#x", x, got, want1)
		}
	}
}

func TestExecuteSkips3D(t *testing.T) {
	words := []uint32{
		hw.State3D1D(0x04, 3), 0, 0,
		hw.Prim3D(0, 2), 1, 2,
		hw.MIBatchBufferEnd,
	}
	stats, err := Execute(words, nil)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped3D != 2 {
		t.Errorf("%d 3D packets skipped, want 2", stats.Skipped3D)
	}
}

func TestExecuteErrors(t *testing.T) {
	small := make([]byte, 256)
	tests := []struct {
		name  string
		words []uint32
		want  error
	}{
		{"unterminated", []uint32{hw.MINoop, hw.MIFlush}, ErrHang},
		{"unknown MI opcode", []uint32{0x3f << 23, hw.MIBatchBufferEnd}, ErrHang},
		{"truncated packet", []uint32{hw.XYColorBlt, 0}, ErrHang},
		{"text without setup", []uint32{
			hw.XYTextImmediateBlit | hw.XYTextBytePacked | 2,
			hw.PackXY(0, 0), hw.PackXY(8, 1), 0xff,
			hw.MIBatchBufferEnd,
		}, ErrHang},
		{"unbound address", []uint32{
			hw.XYColorBlt | writeAll, br13(hw.ROPPatCopy),
			hw.PackXY(0, 0), hw.PackXY(1, 1), 0x90000, 0,
			hw.MIBatchBufferEnd,
		}, ErrFault},
		{"rectangle past the end", []uint32{
			hw.XYColorBlt | writeAll, br13(hw.ROPPatCopy),
			hw.PackXY(0, 0), hw.PackXY(16, 8), dstAddr, 0,
			hw.MIBatchBufferEnd,
		}, ErrFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Execute(tt.words, Memory{{Addr: dstAddr, Data: small}})
			if !errors.Is(err, tt.want) {
				t.Errorf("Execute = %v, want %v", err, tt.want)
			}
		})
	}
}
