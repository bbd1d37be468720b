package cache

import (
	"fmt"

	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

// Neighbourhood is the read-only input of a stage computation: the cube's own
// previous content and whichever of its 26 neighbours were installed at dispatch.
type Neighbourhood struct {
	Pos    coords.CubePos
	Center *cube.Snapshot
	cubes  [27]*cube.Snapshot
}

func nbIndex(dx, dy, dz int) int { return (dx + 1) + (dz+1)*3 + (dy+1)*9 }

// At returns the snapshot at offset (dx, dy, dz) in [-1, 1], or nil.
func (n *Neighbourhood) At(dx, dy, dz int) *cube.Snapshot {
	if dx < -1 || dx > 1 || dy < -1 || dy > 1 || dz < -1 || dz > 1 {
		return nil
	}
	return n.cubes[nbIndex(dx, dy, dz)]
}

// Voxel reads a world block inside the neighbourhood; ok is false when its cube is absent.
func (n *Neighbourhood) Voxel(p coords.BlockPos) (cube.Voxel, bool) {
	cp := p.Cube()
	s := n.At(cp.X-n.Pos.X, cp.Y-n.Pos.Y, cp.Z-n.Pos.Z)
	if s == nil {
		return cube.Air, false
	}
	lx, ly, lz := p.Local()
	return s.At(lx, ly, lz), true
}

func NewNeighbourhood(pos coords.CubePos, snaps map[coords.CubePos]*cube.Snapshot) *Neighbourhood {
	nb := &Neighbourhood{Pos: pos, Center: snaps[pos]}
	for dy := -1; dy <= 1; dy++ {
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				nb.cubes[nbIndex(dx, dy, dz)] = snaps[pos.Add(dx, dy, dz)]
			}
		}
	}
	return nb
}

func (c *Cache) enqueue(e *entry) {
	if !e.queued {
		e.queued = true
		c.work = append(c.work, e)
	}
}

// raise lifts the entry's target and pulls in the neighbours it depends on.
func (c *Cache) raise(e *entry, target cube.Stage, depth int) {
	if depth < e.depth {
		e.depth = depth
	}
	if target > e.target {
		e.target = target
	}
	if e.done() {
		return
	}
	c.enqueue(e)
	c.expand(e)
}

type frame struct {
	e     *entry
	need  cube.Stage
	depth int
}

// expand walks the dependency tree of e with an explicit stack. Advancing to
// stage s needs every neighbour at s-1, so each level asks for one stage
// less. Neighbours outside the world or past the depth cap are skipped and the
// dependent is marked partial.
func (c *Cache) expand(root *entry) {
	stack := []frame{{e: root, need: root.target, depth: root.depth}}
	visited := map[coords.CubePos]cube.Stage{}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if s, ok := visited[f.e.pos]; ok && s >= f.need {
			continue
		}
		visited[f.e.pos] = f.need
		if f.need == cube.StageEmpty || f.e.faulted {
			continue
		}
		if s, ok := f.e.stage(); ok && s >= f.need {
			continue
		}
		for _, npos := range coords.Neighbours26(f.e.pos) {
			if !c.InBounds(npos) || f.depth+1 > c.cfg.MaxDependencyDepth {
				f.e.partial = true
				continue
			}
			n := f.e.deps[npos]
			if n == nil {
				n = c.acquire(npos)
				if f.e.deps == nil {
					f.e.deps = make(map[coords.CubePos]*entry, 26)
				}
				f.e.deps[npos] = n
			}
			if f.depth+1 < n.depth {
				n.depth = f.depth + 1
			}
			if f.need-1 > n.target {
				n.target = f.need - 1
			}
			if !n.done() {
				c.enqueue(n)
			}
			stack = append(stack, frame{e: n, need: f.need - 1, depth: f.depth + 1})
		}
	}
}

func (c *Cache) releaseDeps(e *entry) {
	for _, n := range e.deps {
		c.unretain(n)
	}
	e.deps = nil
}

// depsReady reports whether every usable neighbour is installed at stage s-1 or later.
func (c *Cache) depsReady(e *entry, s cube.Stage) bool {
	if s == cube.StageEmpty {
		return true
	}
	for _, npos := range coords.Neighbours26(e.pos) {
		if !c.InBounds(npos) {
			e.partial = true
			continue
		}
		n := e.deps[npos]
		if n == nil {
			if e.partial {
				continue
			}
			c.expand(e)
			return false
		}
		if n.faulted {
			e.partial = true
			continue
		}
		ns, ok := n.stage()
		if !ok || ns < s-1 {
			return false
		}
	}
	return true
}

// schedule walks the work list once, dispatching at most MaxGeneratedPerTick
// tasks. Entries nobody retains are dropped before they start.
func (c *Cache) schedule() {
	budget := c.cfg.MaxGeneratedPerTick
	work := c.work
	c.work = nil
	for _, e := range work {
		if !e.queued || c.entries[e.pos] != e {
			e.queued = false
			continue
		}
		if e.done() {
			e.queued = false
			c.releaseDeps(e)
			continue
		}
		if e.retain == 0 && !e.inFlight {
			e.queued = false
			c.releaseDeps(e)
			continue
		}
		c.work = append(c.work, e)
		if e.inFlight || budget <= 0 {
			continue
		}
		if e.cube == nil {
			switch {
			case c.store != nil && !e.loadTried:
				c.dispatchLoad(e)
				budget--
			case c.gen != nil:
				c.dispatchGenerate(e, cube.StageEmpty)
				budget--
			}
			continue
		}
		next := e.cube.Stage() + 1
		if c.gen == nil || !c.depsReady(e, next) {
			continue
		}
		c.dispatchGenerate(e, next)
		budget--
	}
}

func (c *Cache) neighbourhood(e *entry, stage cube.Stage) *Neighbourhood {
	nb := &Neighbourhood{Pos: e.pos}
	if stage == cube.StageEmpty {
		return nb
	}
	for dy := -1; dy <= 1; dy++ {
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				if n := c.entries[e.pos.Add(dx, dy, dz)]; n != nil && n.cube != nil {
					nb.cubes[nbIndex(dx, dy, dz)] = n.cube.Snapshot()
				}
			}
		}
	}
	nb.Center = nb.cubes[nbIndex(0, 0, 0)]
	return nb
}

func (c *Cache) markInFlight(e *entry) {
	e.inFlight = true
	c.inFlight++
	if e.cube != nil {
		e.cube.SetIOInFlight(true)
	}
}

func (c *Cache) clearInFlight(e *entry) {
	if !e.inFlight {
		return
	}
	e.inFlight = false
	c.inFlight--
	if e.cube != nil {
		e.cube.SetIOInFlight(false)
	}
}

func (c *Cache) dispatchGenerate(e *entry, stage cube.Stage) {
	nb := c.neighbourhood(e, stage)
	pos, gen, partial := e.pos, c.gen, e.partial
	var edits uint64
	if e.cube != nil {
		edits = e.cube.Edits()
	}
	c.markInFlight(e)
	c.pool.Submit(func() {
		r := result{kind: resultGenerate, pos: pos, stage: stage, partial: partial, edits: edits}
		defer func() {
			if rec := recover(); rec != nil {
				r.patch = nil
				r.err = &GenerationError{Pos: pos, Stage: stage, Err: fmt.Errorf("panic: %v", rec)}
			}
			c.post(r)
		}()
		patch, err := gen.GenerateStage(pos, stage, nb)
		switch {
		case err != nil:
			r.err = &GenerationError{Pos: pos, Stage: stage, Err: err}
		case patch == nil:
			r.err = &GenerationError{Pos: pos, Stage: stage, Err: fmt.Errorf("generator returned no patch")}
		default:
			r.patch = patch
		}
	})
}

func (c *Cache) dispatchLoad(e *entry) {
	pos, store, ctx := e.pos, c.store, c.ctx
	c.markInFlight(e)
	c.pool.Submit(func() {
		r := result{kind: resultLoad, pos: pos}
		defer func() {
			if rec := recover(); rec != nil {
				r.data, r.ok = nil, false
				r.err = fmt.Errorf("load %v: panic: %v", pos, rec)
			}
			c.post(r)
		}()
		r.data, r.ok, r.err = store.Load(ctx, pos)
	})
}

func (c *Cache) dispatchSave(e *entry) {
	pos, store, ctx := e.pos, c.store, c.ctx
	data, digest := e.cube.Serialize(), e.cube.Digest()
	e.saving = true
	c.markInFlight(e)
	c.pool.Submit(func() {
		r := result{kind: resultSave, pos: pos, digest: digest}
		defer func() {
			if rec := recover(); rec != nil {
				r.err = fmt.Errorf("save %v: panic: %v", pos, rec)
			}
			c.post(r)
		}()
		r.err = store.Save(ctx, pos, data)
	})
}
