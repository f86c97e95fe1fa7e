// Command i915sim runs a small blitter workload through the driver core on
// a software backend and writes the result as a BMP.
//
// The workload uploads a gradient into a miptree, copies it into a second
// tree with the blitter, clears a band, and stamps a color-expanded glyph.
// With -decode the last batch is printed in a readable form. On the noop
// backend the result is also exported as a texture of the HAL device.
// -format takes a hardware name (ARGB8888) or a WebGPU one (BGRA8Unorm).
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/gogpu/gputypes"
	gpuhal "github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"golang.org/x/term"

	"github.com/gogpu/i915"
	"github.com/gogpu/i915/backend/hal"
	"github.com/gogpu/i915/backend/sim"
	"github.com/gogpu/i915/blit"
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/decode"
	"github.com/gogpu/i915/format"
	"github.com/gogpu/i915/hw"
	"github.com/gogpu/i915/intel"
	"github.com/gogpu/i915/internal/cmdproc"
	"github.com/gogpu/i915/miptree"
)

// device is what the command needs from a backend beyond bufmgr.Backend.
type device interface {
	bufmgr.Backend
	Stats() cmdproc.Stats
	LastBatch() []uint32
}

// exporter is a backend that can hand images to its host device.
type exporter interface {
	ExportTexture(desc gputypes.TextureDescriptor, data []byte, bytesPerRow uint32) (gpuhal.Texture, error)
	DestroyTexture(tex gpuhal.Texture)
}

var chipsets = map[string]hw.Chipset{
	"i830": hw.ChipsetI830,
	"i915": hw.ChipsetI915,
	"i945": hw.ChipsetI945,
}

func main() {
	var (
		backendName = flag.String("backend", "sim", "backend: sim or noop")
		chipName    = flag.String("chip", "i915", "chipset: i830, i915 or i945")
		formatName  = flag.String("format", "ARGB8888", "surface format")
		size        = flag.Int("size", 128, "surface width and height")
		output      = flag.String("o", "i915sim.bmp", "output file")
		decodeBatch = flag.Bool("decode", false, "print the last batch")
		debug       = flag.String("debug", "", "debug flags, as in INTEL_DEBUG")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	chip, ok := chipsets[*chipName]
	if !ok {
		log.Fatalf("unknown chipset %q", *chipName)
	}
	f, ok := format.Parse(*formatName)
	if !ok {
		f, ok = format.ParseWGPU(*formatName)
	}
	if !ok || f.Compressed() || f.DepthStencil() {
		log.Fatalf("unsupported format %q", *formatName)
	}
	if *size < 16 || *size > 2048 {
		log.Fatalf("size %d out of range [16, 2048]", *size)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	i915.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	dev, cleanup, err := openBackend(*backendName)
	if err != nil {
		log.Fatalf("Failed to open backend: %v", err)
	}
	defer cleanup()

	ctx, err := i915.NewContext(dev,
		i915.WithChipset(chip),
		i915.WithDebug(intel.ParseDebug(*debug)),
		i915.WithDebugFromEnv(),
		i915.WithBufferReuse(16))
	if err != nil {
		log.Fatalf("Failed to create context: %v", err)
	}
	defer func() { _ = ctx.Close() }()

	dst, err := run(ctx, f, uint32(*size))
	if err != nil {
		log.Fatalf("Workload failed: %v", err)
	}
	defer miptree.Release(&dst)

	if *decodeBatch {
		opts := decode.Options{Color: term.IsTerminal(int(os.Stdout.Fd()))}
		if _, err := decode.DumpWith(os.Stdout, dev.LastBatch(), 0, opts); err != nil {
			log.Fatalf("Failed to decode batch: %v", err)
		}
	}

	if ex, ok := dev.(exporter); ok {
		if err := export(ctx, dst, ex); err != nil {
			log.Fatalf("Failed to export texture: %v", err)
		}
	}
	if err := save(ctx, dst, *output); err != nil {
		log.Fatalf("Failed to save: %v", err)
	}
	s := dev.Stats()
	log.Printf("Saved %s (%dx%d %s on %s): %d copies, %d fills, %d text blits, %d flushes\n",
		*output, *size, *size, f, chip, s.Copies, s.Fills, s.Texts, s.Flushes)
}

func openBackend(name string) (device, func(), error) {
	switch name {
	case "sim":
		dev := sim.New(sim.Config{})
		return dev, func() { _ = dev.Close() }, nil
	case "noop":
		instance, err := noop.API{}.CreateInstance(nil)
		if err != nil {
			return nil, nil, err
		}
		adapters := instance.EnumerateAdapters(nil)
		if len(adapters) == 0 {
			instance.Destroy()
			return nil, nil, fmt.Errorf("noop: no adapters")
		}
		open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
		if err != nil {
			instance.Destroy()
			return nil, nil, err
		}
		dev, err := hal.New(open.Device, open.Queue, hal.Config{})
		if err != nil {
			open.Device.Destroy()
			instance.Destroy()
			return nil, nil, err
		}
		return dev, func() {
			_ = dev.Close()
			open.Device.Destroy()
			instance.Destroy()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", name)
	}
}

// run executes the workload and returns the tree holding the result.
func run(ctx *intel.Context, f format.Format, size uint32) (*miptree.Tree, error) {
	src, err := miptree.Create(ctx, miptree.Target2D, f, 0, 0, size, size, 1, true, miptree.TilingAny)
	if err != nil {
		return nil, err
	}
	defer miptree.Release(&src)
	if err := fillGradient(ctx, src, size); err != nil {
		return nil, err
	}

	dst, err := miptree.Create(ctx, miptree.Target2D, f, 0, 0, size, size, 1, true, miptree.TilingAny)
	if err != nil {
		return nil, err
	}
	if err := miptree.CopySlice(ctx, dst, src, 0, 0); err != nil {
		miptree.Release(&dst)
		return nil, err
	}

	surf := blit.RegionSurface(dst.Region, dst.Offset)
	band := int(size / 8)
	if ok, err := blit.ClearRect(ctx.Batch(), surf, dst.CPP, 0, int(size)/2-band/2, int(size), band, 0xff202020, blit.WriteAll); err != nil || !ok {
		ctx.PerfDebug("clear not blitted", "err", err)
	}
	glyph := blit.Bitmap{Bits: diamond(32), FG: 0xffffffff}
	at := int(size)/2 - 16
	if ok, err := blit.ColorExpand(ctx.Batch(), surf, dst.CPP, at, at, 32, 32, glyph, hw.LogicOpCopy); err != nil || !ok {
		ctx.PerfDebug("glyph not blitted", "err", err)
	}

	if err := ctx.Finish(); err != nil {
		miptree.Release(&dst)
		return nil, err
	}
	return dst, nil
}

func fillGradient(ctx *intel.Context, t *miptree.Tree, size uint32) error {
	m, err := t.Map(ctx, 0, 0, 0, 0, size, size, miptree.MapWrite|miptree.MapInvalidateRange)
	if err != nil {
		return err
	}
	cpp := int(t.CPP)
	for y := 0; y < int(size); y++ {
		row := m.Data[y*m.Stride:]
		for x := 0; x < int(size); x++ {
			r := byte(x * 255 / int(size-1))
			g := byte(y * 255 / int(size-1))
			v := uint32(0xff)<<24 | uint32(r)<<16 | uint32(g)<<8 | 0x80
			for i := 0; i < cpp; i++ {
				row[x*cpp+i] = byte(v >> (8 * i))
			}
		}
	}
	return t.Unmap(ctx, 0, 0)
}

// diamond returns an n×n monochrome bitmap of a diamond, LSB first.
func diamond(n int) []byte {
	stride := (n + 7) / 8
	bits := make([]byte, stride*n)
	half := n / 2
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if abs(x-half)+abs(y-half) <= half {
				bits[y*stride+x/8] |= 1 << (x % 8)
			}
		}
	}
	return bits
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// export copies the base image of t into a texture of the host device.
func export(ctx *intel.Context, t *miptree.Tree, ex exporter) error {
	desc, err := t.TextureDescriptor("i915sim result")
	if errors.Is(err, miptree.ErrNoWGPUFormat) {
		log.Printf("Not exporting: %v", err)
		return nil
	}
	if err != nil {
		return err
	}
	l := t.Level(t.FirstLevel)
	m, err := t.Map(ctx, t.FirstLevel, 0, 0, 0, l.Width, l.Height, miptree.MapRead)
	if err != nil {
		return err
	}
	rowBytes := int(l.Width * t.CPP)
	data := make([]byte, rowBytes*int(l.Height))
	for y := 0; y < int(l.Height); y++ {
		copy(data[y*rowBytes:(y+1)*rowBytes], m.Data[y*m.Stride:])
	}
	if err := t.Unmap(ctx, t.FirstLevel, 0); err != nil {
		return err
	}
	tex, err := ex.ExportTexture(desc, data, uint32(rowBytes))
	if err != nil {
		return err
	}
	ex.DestroyTexture(tex)
	log.Printf("Exported %s %s texture", desc.Format, desc.Dimension)
	return nil
}

func save(ctx *intel.Context, t *miptree.Tree, path string) (err error) {
	if path != "-" && !strings.HasSuffix(path, ".bmp") {
		return fmt.Errorf("output %q: only .bmp is supported", path)
	}
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}
	return t.DumpBMP(ctx, w, 0, 0)
}
