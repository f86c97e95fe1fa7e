package decode

import (
	"bytes"
	"strings"
	"testing"

	"github.com/gogpu/i915/hw"
)

func TestDumpCopyBlit(t *testing.T) {
	words := []uint32{
		hw.XYSrcCopyBlt | hw.XYBltWriteRGB | hw.XYBltWriteAlpha | hw.XYDstTiled,
		hw.BR13Depth8888 | hw.ROPCopy<<16 | 1024,
		hw.PackXY(0, 0),
		hw.PackXY(64, 32),
		0x00100000,
		hw.PackXY(5, 7),
		4096,
		0x00200000,
		hw.MIFlush,
		hw.MIBatchBufferEnd,
	}
	var buf bytes.Buffer
	bad, err := Dump(&buf, words, 0x10000)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if bad != 0 {
		t.Errorf("failures = %d, want 0", bad)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != len(words) {
		t.Fatalf("got %d lines, want one per dword (%d)", len(lines), len(words))
	}
	for _, want := range []string{
		"0x00010000: 0x",
		"XY_SRC_COPY_BLT (rgb enabled, alpha enabled, src tile 0, dst tile 1)",
		"format 8888, pitch 1024, rop 0xcc",
		"dst (64,32)",
		"src (5,7)",
		"src pitch 4096",
		"0x00010020: 0x02000000: MI_FLUSH",
		"MI_BATCH_BUFFER_END",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDumpSkips3D(t *testing.T) {
	words := []uint32{
		hw.State3D1D(0x85, 3), 1, 2,
		hw.Prim3D(0x07, 2), 10, 11,
		hw.MIBatchBufferEnd,
	}
	var buf bytes.Buffer
	bad, err := Dump(&buf, words, 0)
	if err != nil || bad != 0 {
		t.Fatalf("Dump = %d, %v", bad, err)
	}
	out := buf.String()
	if !strings.Contains(out, "3DSTATE_1D opcode 0x85") || !strings.Contains(out, "3DPRIMITIVE type 0x07") {
		t.Errorf("3D packets not named:\n%s", out)
	}
	if strings.Count(out, "\n") != len(words) {
		t.Errorf("3D payload not consumed by length:\n%s", out)
	}
}

func TestDumpUnknown(t *testing.T) {
	words := []uint32{0x3f << 23, 1 << 29}
	var buf bytes.Buffer
	bad, err := Dump(&buf, words, 0)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if bad != 2 {
		t.Errorf("failures = %d, want 2", bad)
	}
}

func TestDumpColor(t *testing.T) {
	var buf bytes.Buffer
	if _, err := DumpWith(&buf, []uint32{hw.MINoop}, 0, Options{Color: true}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), colorHeader+"MI_NOOP"+colorReset) {
		t.Errorf("header not colored: %q", buf.String())
	}
}
