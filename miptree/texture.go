package miptree

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// ErrNoWGPUFormat is returned by TextureDescriptor for formats WebGPU
// cannot store unchanged.
var ErrNoWGPUFormat = errors.New("miptree: format has no WebGPU equivalent")

// TextureDescriptor describes a WebGPU texture with the shape and levels
// of t, for handing its images to a host device.
func (t *Tree) TextureDescriptor(label string) (gputypes.TextureDescriptor, error) {
	tf := t.Format.WGPU()
	if tf == gputypes.TextureFormatUndefined {
		return gputypes.TextureDescriptor{}, fmt.Errorf("%w: %v", ErrNoWGPUFormat, t.Format)
	}
	layers := t.Depth0
	if t.Target == TargetCube {
		layers = 6
	}
	return gputypes.TextureDescriptor{
		Label: label,
		Size: gputypes.Extent3D{
			Width:              t.Width0,
			Height:             t.Height0,
			DepthOrArrayLayers: layers,
		},
		MipLevelCount: uint32(t.LastLevel - t.FirstLevel + 1),
		SampleCount:   1,
		Dimension:     t.Target.Dimension(),
		Format:        tf,
		Usage:         gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding,
	}, nil
}
