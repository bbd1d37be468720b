package light

import (
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

const Max = 15

// Lookup returns the installed cube at pos, or nil.
type Lookup func(coords.CubePos) *cube.Cube

// Heights is the column height map the sky channel is seeded from.
type Heights interface {
	HeightAt(x, z int) int
	Cubes(key coords.ColumnKey) []int
}

type parkKey struct {
	pos coords.BlockPos
	ch  cube.Channel
}

type Stats struct {
	Queued     int
	DirtyCubes int
	Parked     int
	Processed  uint64
}

// Engine propagates sky and block light incrementally across resident cubes.
// A voxel's level settles at max(source, max over neighbours of their level
// minus the voxel's attenuation), where attenuation is max(1, opacity).
//
// Work is cooperative: nothing happens outside Step.
type Engine struct {
	lookup  Lookup
	heights Heights
	props   cube.Properties

	check [2]queue
	inc   [2]queue
	dec   [2]queue

	pending    map[coords.CubePos]int
	dirty      map[coords.CubePos]struct{}
	dirtyOrder []coords.CubePos
	parked     map[coords.CubePos]map[parkKey]struct{}

	lastPos  coords.CubePos
	lastCube *cube.Cube

	processed uint64
}

func New(lookup Lookup, heights Heights, props cube.Properties) *Engine {
	return &Engine{
		lookup:  lookup,
		heights: heights,
		props:   props,
		pending: map[coords.CubePos]int{},
		dirty:   map[coords.CubePos]struct{}{},
		parked:  map[coords.CubePos]map[parkKey]struct{}{},
	}
}

func (e *Engine) cubeAt(p coords.CubePos) *cube.Cube {
	if e.lastCube != nil && e.lastPos == p {
		return e.lastCube
	}
	c := e.lookup(p)
	if c != nil {
		e.lastPos, e.lastCube = p, c
	}
	return c
}

func (e *Engine) forget() { e.lastCube = nil }

// Notify tells the engine the cube at pos has light-dirty voxels.
func (e *Engine) Notify(pos coords.CubePos) {
	if _, ok := e.dirty[pos]; ok {
		return
	}
	e.dirty[pos] = struct{}{}
	e.dirtyOrder = append(e.dirtyOrder, pos)
}

func (e *Engine) push(q *queue, n node) {
	q.push(n)
	e.pending[n.pos.Cube()]++
}

func (e *Engine) done(p coords.BlockPos) {
	cp := p.Cube()
	if n := e.pending[cp]; n > 1 {
		e.pending[cp] = n - 1
	} else {
		delete(e.pending, cp)
	}
}

func (e *Engine) skySource(p coords.BlockPos) int {
	if p.Y > e.heights.HeightAt(p.X, p.Z) {
		return Max
	}
	return 0
}

func (e *Engine) source(c *cube.Cube, i int, p coords.BlockPos, ch cube.Channel) int {
	if ch == cube.Sky {
		return e.skySource(p)
	}
	return e.props.Emission(c.At(i))
}

func (e *Engine) atten(c *cube.Cube, i int) int {
	return max(1, e.props.Opacity(c.At(i)))
}

// level reads the stored light at p; non-resident voxels read as dark.
func (e *Engine) level(p coords.BlockPos, ch cube.Channel) (int, *cube.Cube, int) {
	c := e.cubeAt(p.Cube())
	if c == nil {
		return 0, nil, 0
	}
	lx, ly, lz := p.Local()
	i := coords.LocalIndex(lx, ly, lz)
	return c.LightAt(ch, i), c, i
}

// OnInstall seeds a newly resident cube: stored light is discarded, sources are
// set directly, and the boundary is queued so light flows both ways across
// the faces shared with resident neighbours. Parked work aimed at the cube is
// re-queued.
func (e *Engine) OnInstall(c *cube.Cube) {
	e.forget()
	pos := c.Pos()
	c.ResetLight()
	for i := 0; i < coords.Volume; i++ {
		lx, ly, lz := coords.FromLocalIndex(i)
		p := pos.Block(lx, ly, lz)
		if s := e.skySource(p); s > 0 {
			c.SetLightAt(cube.Sky, i, s)
		}
		if s := e.props.Emission(c.At(i)); s > 0 {
			c.SetLightAt(cube.Block, i, s)
		}
	}
	for i := 0; i < coords.Volume; i++ {
		lx, ly, lz := coords.FromLocalIndex(i)
		onFace := lx == 0 || ly == 0 || lz == 0 || lx == coords.Edge-1 || ly == coords.Edge-1 || lz == coords.Edge-1
		for ch := cube.Sky; ch <= cube.Block; ch++ {
			l := c.LightAt(ch, i)
			if l <= 1 {
				continue
			}
			if onFace || e.hasDimmerNeighbour(c, lx, ly, lz, ch, l) {
				e.push(&e.inc[ch], node{pos: pos.Block(lx, ly, lz)})
			}
		}
	}
	for _, f := range coords.Faces {
		n := e.cubeAt(pos.Add(f.X, f.Y, f.Z))
		if n == nil {
			continue
		}
		e.queueFace(n, -f.X, -f.Y, -f.Z)
	}
	if parked := e.parked[pos]; parked != nil {
		delete(e.parked, pos)
		for k := range parked {
			if e.cubeAt(k.pos.Cube()) != nil {
				e.push(&e.inc[k.ch], node{pos: k.pos})
			}
		}
	}
	if c.DirtyCount() > 0 {
		e.Notify(pos)
	}
}

func (e *Engine) hasDimmerNeighbour(c *cube.Cube, lx, ly, lz int, ch cube.Channel, l int) bool {
	for _, f := range coords.Faces {
		nx, ny, nz := lx+f.X, ly+f.Y, lz+f.Z
		if !coords.InLocal(nx, ny, nz) {
			continue
		}
		j := coords.LocalIndex(nx, ny, nz)
		if c.LightAt(ch, j) < l-e.atten(c, j) {
			return true
		}
	}
	return false
}

// queueFace queues the lit voxels of c on the face pointing along (fx, fy, fz).
func (e *Engine) queueFace(c *cube.Cube, fx, fy, fz int) {
	pos := c.Pos()
	fixed := func(d int) int {
		if d > 0 {
			return coords.Edge - 1
		}
		return 0
	}
	for a := 0; a < coords.Edge; a++ {
		for b := 0; b < coords.Edge; b++ {
			var lx, ly, lz int
			switch {
			case fx != 0:
				lx, ly, lz = fixed(fx), a, b
			case fy != 0:
				lx, ly, lz = a, fixed(fy), b
			default:
				lx, ly, lz = a, b, fixed(fz)
			}
			i := coords.LocalIndex(lx, ly, lz)
			for ch := cube.Sky; ch <= cube.Block; ch++ {
				if c.LightAt(ch, i) > 1 {
					e.push(&e.inc[ch], node{pos: pos.Block(lx, ly, lz)})
				}
			}
		}
	}
}

// OnUnload drops all work and parked entries originating in the cube.
func (e *Engine) OnUnload(pos coords.CubePos) {
	e.forget()
	in := func(n node) bool { return n.pos.Cube() == pos }
	for ch := 0; ch < 2; ch++ {
		e.check[ch].drop(in)
		e.inc[ch].drop(in)
		e.dec[ch].drop(in)
	}
	delete(e.pending, pos)
	if _, ok := e.dirty[pos]; ok {
		delete(e.dirty, pos)
		for i, p := range e.dirtyOrder {
			if p == pos {
				e.dirtyOrder = append(e.dirtyOrder[:i], e.dirtyOrder[i+1:]...)
				break
			}
		}
	}
	delete(e.parked, pos)
	for _, f := range coords.Faces {
		target := pos.Add(f.X, f.Y, f.Z)
		set := e.parked[target]
		for k := range set {
			if k.pos.Cube() == pos {
				delete(set, k)
			}
		}
		if set != nil && len(set) == 0 {
			delete(e.parked, target)
		}
	}
}

// OnHeightChange re-evaluates sky light for the voxels whose sky-source
// status flipped: y in (min(old,new), max(old,new)] at the given column cell.
func (e *Engine) OnHeightChange(key coords.ColumnKey, lx, lz, oldH, newH int) {
	lo, hi := min(oldH, newH)+1, max(oldH, newH)
	x, z := key.X*coords.Edge+lx, key.Z*coords.Edge+lz
	for _, cy := range e.heights.Cubes(key) {
		y0, y1 := max(lo, cy*coords.Edge), min(hi, cy*coords.Edge+coords.Edge-1)
		for y := y0; y <= y1; y++ {
			e.push(&e.check[cube.Sky], node{pos: coords.BlockPos{X: x, Y: y, Z: z}})
		}
	}
}

// Pending counts outstanding work touching the cube, including its unprocessed dirty marks.
func (e *Engine) Pending(pos coords.CubePos) int {
	n := e.pending[pos]
	if c := e.cubeAt(pos); c != nil {
		n += c.DirtyCount()
	}
	return n
}

// Stable reports whether the cube has no outstanding light work.
func (e *Engine) Stable(pos coords.CubePos) bool {
	return e.Pending(pos) == 0
}

func (e *Engine) Idle() bool {
	if len(e.dirtyOrder) > 0 {
		return false
	}
	for ch := 0; ch < 2; ch++ {
		if e.check[ch].len() > 0 || e.inc[ch].len() > 0 || e.dec[ch].len() > 0 {
			return false
		}
	}
	return true
}

// Light returns the level at a world position. Outside resident cubes block
// light is dark and sky light follows the height map.
func (e *Engine) Light(p coords.BlockPos, ch cube.Channel) int {
	c := e.cubeAt(p.Cube())
	if c == nil {
		if ch == cube.Sky {
			return e.skySource(p)
		}
		return 0
	}
	lx, ly, lz := p.Local()
	return c.LightAt(ch, coords.LocalIndex(lx, ly, lz))
}

func (e *Engine) Stats() Stats {
	s := Stats{DirtyCubes: len(e.dirtyOrder), Processed: e.processed}
	for ch := 0; ch < 2; ch++ {
		s.Queued += e.check[ch].len() + e.inc[ch].len() + e.dec[ch].len()
	}
	for _, set := range e.parked {
		s.Parked += len(set)
	}
	return s
}

// Step processes at most budget units of work and returns how many it used.
// Dirty cubes are expanded first, then decreases, checks and increases.
func (e *Engine) Step(budget int) int {
	used := 0
	for used < budget {
		if len(e.dirtyOrder) > 0 {
			pos := e.dirtyOrder[0]
			e.dirtyOrder = e.dirtyOrder[1:]
			delete(e.dirty, pos)
			if c := e.cubeAt(pos); c != nil {
				for _, p := range c.TakeDirty() {
					e.push(&e.check[cube.Sky], node{pos: p})
					e.push(&e.check[cube.Block], node{pos: p})
				}
			}
			used++
			continue
		}
		if !e.stepOne() {
			break
		}
		used++
	}
	e.processed += uint64(used)
	return used
}

func (e *Engine) stepOne() bool {
	for ch := cube.Sky; ch <= cube.Block; ch++ {
		if n, ok := e.dec[ch].pop(); ok {
			e.done(n.pos)
			e.decrease(n, ch)
			return true
		}
	}
	for ch := cube.Sky; ch <= cube.Block; ch++ {
		if n, ok := e.check[ch].pop(); ok {
			e.done(n.pos)
			e.evaluate(n.pos, ch)
			return true
		}
	}
	for ch := cube.Sky; ch <= cube.Block; ch++ {
		if n, ok := e.inc[ch].pop(); ok {
			e.done(n.pos)
			e.increase(n.pos, ch)
			return true
		}
	}
	return false
}

// evaluate recomputes p from its source and neighbours and starts an
// increase or decrease wave when the stored value disagrees.
func (e *Engine) evaluate(p coords.BlockPos, ch cube.Channel) {
	old, c, i := e.level(p, ch)
	if c == nil {
		return
	}
	src := e.source(c, i, p, ch)
	cand := src
	a := e.atten(c, i)
	for _, f := range coords.Faces {
		nl, _, _ := e.level(p.Add(f.X, f.Y, f.Z), ch)
		cand = max(cand, nl-a)
	}
	switch {
	case cand > old:
		c.SetLightAt(ch, i, cand)
		e.push(&e.inc[ch], node{pos: p})
	case cand < old:
		c.SetLightAt(ch, i, src)
		e.push(&e.dec[ch], node{pos: p, level: uint8(old)})
		if src > 0 {
			e.push(&e.inc[ch], node{pos: p})
		}
	}
}

func (e *Engine) increase(p coords.BlockPos, ch cube.Channel) {
	cur, c, _ := e.level(p, ch)
	if c == nil || cur <= 1 {
		return
	}
	for _, f := range coords.Faces {
		np := p.Add(f.X, f.Y, f.Z)
		nl, nc, j := e.level(np, ch)
		if nc == nil {
			e.park(np.Cube(), parkKey{pos: p, ch: ch})
			continue
		}
		if cand := cur - e.atten(nc, j); cand > nl {
			nc.SetLightAt(ch, j, cand)
			e.push(&e.inc[ch], node{pos: np})
		}
	}
}

func (e *Engine) decrease(n node, ch cube.Channel) {
	old := int(n.level)
	for _, f := range coords.Faces {
		np := n.pos.Add(f.X, f.Y, f.Z)
		nl, nc, j := e.level(np, ch)
		if nc == nil {
			continue
		}
		switch {
		case nl != 0 && nl < old:
			src := e.source(nc, j, np, ch)
			nc.SetLightAt(ch, j, src)
			e.push(&e.dec[ch], node{pos: np, level: uint8(nl)})
			if src > 0 {
				e.push(&e.inc[ch], node{pos: np})
			}
		case nl >= old && nl > 0:
			e.push(&e.inc[ch], node{pos: np})
		}
	}
}

func (e *Engine) park(target coords.CubePos, k parkKey) {
	set := e.parked[target]
	if set == nil {
		set = map[parkKey]struct{}{}
		e.parked[target] = set
	}
	set[k] = struct{}{}
}
