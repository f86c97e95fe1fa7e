package miptree

// Cube face placement for the i915 cube layout, in units of the base face
// size: where each face's base level goes and where each smaller level
// steps to.
var (
	cubeInitial = [6][2]int{{0, 0}, {0, 2}, {1, 0}, {1, 2}, {1, 1}, {1, 3}}
	cubeStep    = [6][2]int{{0, 2}, {0, 2}, {-1, 2}, {-1, 2}, {-1, 1}, {-1, 1}}
)

func minify(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return v >> 1
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}

func layout(t *Tree) {
	switch t.Target {
	case TargetCube:
		if t.Chip.Is945() && t.Width0 >= 4 && !t.Compressed {
			layoutArray(t, 6, layout945_2D)
		} else {
			layout915Cube(t)
		}
	case Target3D:
		if t.Chip.Is945() {
			layout945_3D(t)
		} else {
			layout915_3D(t)
		}
	case Target1DArray, Target2DArray:
		if t.Chip.Is945() {
			layoutArray(t, t.Depth0, layout945_2D)
		} else {
			layoutArray(t, t.Depth0, layout915_2D)
		}
	default:
		if t.Chip.Is945() {
			layout945_2D(t, 1)
		} else {
			layout915_2D(t, 1)
		}
	}
}

// imageRows returns the rows a level of height h occupies, aligned.
func (t *Tree) imageRows(h uint32) uint32 {
	rows := alignUp(h, t.AlignH)
	if t.Compressed {
		rows /= t.AlignH
	}
	return rows
}

// layout915_2D stacks the levels at the left edge, each below the last.
func layout915_2D(t *Tree, depth uint32) {
	w, h := t.Width0, t.Height0
	t.TotalWidth = t.Width0
	if t.Compressed {
		t.TotalWidth = alignUp(t.Width0, t.AlignW)
	}
	t.TotalHeight = 0
	for level := t.FirstLevel; level <= t.LastLevel; level++ {
		t.SetLevelInfo(level, 0, t.TotalHeight, w, h, depth)
		t.TotalHeight += t.imageRows(h)
		w, h = minify(w), minify(h)
	}
}

// layout945_2D places level 1 below the base level and level 2 to the
// right of level 1; the levels after that continue downwards from level 2.
func layout945_2D(t *Tree, depth uint32) {
	w, h := t.Width0, t.Height0
	t.TotalWidth = t.Width0
	if t.Compressed {
		t.TotalWidth = alignUp(t.Width0, t.AlignW)
	}
	if t.FirstLevel != t.LastLevel {
		w1, w2 := minify(t.Width0), minify(minify(t.Width0))
		if t.Compressed {
			w2 = alignUp(w2, t.AlignW)
		}
		if mip1 := alignUp(w1, t.AlignW) + w2; mip1 > t.TotalWidth {
			t.TotalWidth = mip1
		}
	}
	var x, y uint32
	t.TotalHeight = 0
	for level := t.FirstLevel; level <= t.LastLevel; level++ {
		t.SetLevelInfo(level, x, y, w, h, depth)
		rows := t.imageRows(h)
		t.TotalHeight = max(t.TotalHeight, y+rows)
		if level == t.FirstLevel+1 {
			x += alignUp(w, t.AlignW)
		} else {
			y += rows
		}
		w, h = minify(w), minify(h)
	}
}

// layoutArray lays out one slice with layout2D and stacks depth copies of
// it, qpitch rows apart.
func layoutArray(t *Tree, depth uint32, layout2D func(*Tree, uint32)) {
	layout2D(t, depth)
	qpitch := t.TotalHeight
	for level := t.FirstLevel; level <= t.LastLevel; level++ {
		for s := uint32(1); s < depth; s++ {
			t.SetImageOffset(level, int(s), 0, s*qpitch)
		}
	}
	t.TotalHeight = qpitch * depth
}

// layout915Cube packs the six faces into a 2x4 grid of base faces, each
// face's smaller levels stepping through the space its neighbours leave.
func layout915Cube(t *Tree) {
	dim := t.Width0
	t.TotalWidth = dim * 2
	t.TotalHeight = t.imageRows(dim) * 4
	if t.Compressed {
		t.TotalWidth = alignUp(dim, t.AlignW) * 2
	}
	w, h := t.Width0, t.Height0
	for level := t.FirstLevel; level <= t.LastLevel; level++ {
		t.SetLevelInfo(level, 0, 0, w, h, 6)
		w, h = minify(w), minify(h)
	}
	for face := range 6 {
		x := cubeInitial[face][0] * int(dim)
		y := cubeInitial[face][1] * int(dim)
		d := int(dim)
		for level := t.FirstLevel; level <= t.LastLevel; level++ {
			t.SetImageOffset(level, face, uint32(x), t.rows(uint32(y)))
			d >>= 1
			x += cubeStep[face][0] * d
			y += cubeStep[face][1] * d
		}
	}
}

// layout915_3D stacks the levels of one depth slice, then repeats that
// stack for every slice. The stack always has room for nine levels.
func layout915_3D(t *Tree) {
	w, h := t.Width0, t.Height0
	t.TotalWidth = t.Width0
	if t.Compressed {
		t.TotalWidth = alignUp(t.Width0, t.AlignW)
	}
	var stack uint32
	d := t.Depth0
	for level := t.FirstLevel; level <= max(8, t.LastLevel); level++ {
		if level <= t.LastLevel {
			t.SetLevelInfo(level, 0, stack, w, h, d)
		}
		stack += max(2, t.rows(h))
		w, h, d = minify(w), minify(h), minify(d)
	}
	for level := t.FirstLevel; level <= t.LastLevel; level++ {
		for s := uint32(1); s < t.levels[level].Depth; s++ {
			t.SetImageOffset(level, int(s), 0, s*stack)
		}
	}
	t.TotalHeight = stack * t.Depth0
}

// layout945_3D packs the depth slices of each level side by side: one
// slice per row at the base level, twice as many per row at each level
// after, the pack width halving each time.
func layout945_3D(t *Tree) {
	w, h, d := t.Width0, t.Height0, t.Depth0
	t.TotalWidth = t.Width0
	if t.Compressed {
		t.TotalWidth = alignUp(t.Width0, 4)
	}
	packY := max(t.rows(t.Height0), 2)
	packX := t.TotalWidth
	perRow := uint32(1)
	t.TotalHeight = 0
	for level := t.FirstLevel; level <= t.LastLevel; level++ {
		t.SetLevelInfo(level, 0, t.TotalHeight, w, h, d)
		var x, y uint32
		for q := uint32(0); q < d; {
			for j := uint32(0); j < perRow && q < d; j, q = j+1, q+1 {
				if q > 0 {
					t.SetImageOffset(level, int(q), x, y)
				}
				x += packX
			}
			x = 0
			y += packY
		}
		t.TotalHeight += y
		if packX > 4 {
			packX >>= 1
			perRow <<= 1
		}
		if packY > 2 {
			packY = max(packY>>1, 2)
		}
		w, h, d = minify(w), minify(h), minify(d)
	}
}
