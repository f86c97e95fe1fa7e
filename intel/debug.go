package intel

import (
	"strings"
)

// DebugFlags selects driver diagnostics, in the INTEL_DEBUG style.
type DebugFlags uint32

const (
	DebugTexture DebugFlags = 1 << iota
	DebugState
	DebugBlit
	DebugMip
	DebugPerf
	DebugBatch
	DebugPixel
	DebugBuffer
	DebugRegion
	DebugFBO
	DebugSync
	DebugDRI
	DebugStats
	DebugAUB
)

var debugNames = []struct {
	name string
	flag DebugFlags
}{
	{"tex", DebugTexture},
	{"state", DebugState},
	{"blit", DebugBlit},
	{"mip", DebugMip},
	{"perf", DebugPerf},
	{"fall", DebugPerf},
	{"bat", DebugBatch},
	{"pix", DebugPixel},
	{"buf", DebugBuffer},
	{"reg", DebugRegion},
	{"fbo", DebugFBO},
	{"sync", DebugSync},
	{"dri", DebugDRI},
	{"stats", DebugStats},
	{"aub", DebugAUB},
}

// ParseDebug parses a comma, colon or space separated flag list such as
// "bat,perf". Unknown names are ignored.
func ParseDebug(s string) DebugFlags {
	var f DebugFlags
	for _, field := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ':' || r == ' '
	}) {
		for _, d := range debugNames {
			if strings.EqualFold(field, d.name) {
				f |= d.flag
			}
		}
	}
	return f
}

// Has reports whether every flag in x is set.
func (f DebugFlags) Has(x DebugFlags) bool { return f&x == x }

func (f DebugFlags) String() string {
	if f == 0 {
		return ""
	}
	var names []string
	var seen DebugFlags
	for _, d := range debugNames {
		if f&d.flag != 0 && seen&d.flag == 0 {
			names = append(names, d.name)
			seen |= d.flag
		}
	}
	return strings.Join(names, ",")
}
