package grid

// AppendForwardRegistrationNeighbors appends to dst the coarse nodes one step
// forward from node along each axis, in ascending axis order. Nodes on the
// last slab of an axis have no neighbour along it.
func (g *Grid) AppendForwardRegistrationNeighbors(dst []int, node int) []int {
	return g.appendForward(dst, node, Coarse)
}

// ForwardRegistrationNeighbors returns the forward neighbours of a coarse node.
func (g *Grid) ForwardRegistrationNeighbors(node int) []int {
	return g.appendForward(make([]int, 0, g.dim), node, Coarse)
}

// AppendForwardSegmentationNeighbors is the full-grid counterpart of
// AppendForwardRegistrationNeighbors.
func (g *Grid) AppendForwardSegmentationNeighbors(dst []int, node int) []int {
	return g.appendForward(dst, node, Full)
}

// ForwardSegmentationNeighbors returns the forward neighbours of a full-grid node.
func (g *Grid) ForwardSegmentationNeighbors(node int) []int {
	return g.appendForward(make([]int, 0, g.dim), node, Full)
}

func (g *Grid) appendForward(dst []int, node int, kind Kind) []int {
	size, _ := g.sizes(kind)
	var buf [3]int
	pos := g.FlatToMultiInto(buf[:g.dim], node, kind)
	for d := 0; d < g.dim; d++ {
		if pos[d] < size[d]-1 {
			pos[d]++
			dst = append(dst, g.MultiToFlat(pos, kind))
			pos[d]--
		}
	}
	return dst
}

// ForwardSegRegNeighbors returns the full-grid nodes coupled to a coarse node.
// Each call allocates a window; builders should hold one Window instead.
func (g *Grid) ForwardSegRegNeighbors(coarseNode int) []int {
	w := g.NewWindow()
	return w.AppendNeighbors(nil, coarseNode)
}

// Window enumerates the full-grid samples within the coupling radius of a coarse
// node. It holds scratch buffers only and may be dropped at any time.
type Window struct {
	g      *Grid
	center []int
	pos    []int
	off    []int
}

// NewWindow returns a window over g sized by the coupling radius.
func (g *Grid) NewWindow() Window {
	return Window{
		g:      g,
		center: make([]int, g.dim),
		pos:    make([]int, g.dim),
		off:    make([]int, g.dim),
	}
}

// Size returns the number of positions visited per node, in or out of bounds.
func (w *Window) Size() int {
	n := 1
	for _, r := range w.g.radius {
		n *= 2*r + 1
	}
	return n
}

// AppendNeighbors appends to dst the flat full-grid indices of all in-bounds
// samples in the window centred on the full-grid position of coarseNode.
// Offsets run from -radius to +radius with axis 0 varying fastest.
func (w *Window) AppendNeighbors(dst []int, coarseNode int) []int {
	g := w.g
	g.FlatToMultiInto(w.center, coarseNode, Coarse)
	g.coarseToFullInto(w.center, w.center)
	for d := range w.off {
		w.off[d] = -g.radius[d]
	}
	for {
		inside := true
		for d := 0; d < g.dim; d++ {
			w.pos[d] = w.center[d] + w.off[d]
			if w.pos[d] < 0 || w.pos[d] >= g.imageSize[d] {
				inside = false
			}
		}
		if inside {
			dst = append(dst, g.MultiToFlat(w.pos, Full))
		}
		if !w.advance() {
			return dst
		}
	}
}

// advance steps the offset odometer, reporting false once it wraps.
func (w *Window) advance() bool {
	for d := 0; d < w.g.dim; d++ {
		w.off[d]++
		if w.off[d] <= w.g.radius[d] {
			return true
		}
		w.off[d] = -w.g.radius[d]
	}
	return false
}
