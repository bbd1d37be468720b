package column

import (
	"golang.org/x/exp/slices"

	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

// Lookup returns the installed cube at pos, or nil.
type Lookup func(coords.CubePos) *cube.Cube

// HeightListener receives height map changes. lx, lz are local to the column.
type HeightListener func(key coords.ColumnKey, lx, lz, oldHeight, newHeight int)

type Column struct {
	Key     coords.ColumnKey
	ys      []int // sorted resident cube Ys
	heights [coords.Area]int
}

// Index groups resident cubes by (X, Z) and keeps the per-column height map
// of the highest non-air block.
type Index struct {
	minY     int
	lookup   Lookup
	cols     map[coords.ColumnKey]*Column
	listener HeightListener
}

func New(minY int, lookup Lookup) *Index {
	return &Index{minY: minY, lookup: lookup, cols: map[coords.ColumnKey]*Column{}}
}

func (ix *Index) SetListener(fn HeightListener) { ix.listener = fn }

func (ix *Index) MinY() int { return ix.minY }

// Add registers an installed cube and raises heights it covers.
func (ix *Index) Add(c *cube.Cube) {
	pos := c.Pos()
	key := pos.Column()
	col := ix.cols[key]
	if col == nil {
		col = &Column{Key: key}
		for i := range col.heights {
			col.heights[i] = ix.minY
		}
		ix.cols[key] = col
	}
	i, found := slices.BinarySearch(col.ys, pos.Y)
	if !found {
		col.ys = slices.Insert(col.ys, i, pos.Y)
	}
	c.SetHeightIndex(ix)

	base := pos.Y * coords.Edge
	for lz := 0; lz < coords.Edge; lz++ {
		for lx := 0; lx < coords.Edge; lx++ {
			top, ok := highestIn(c, lx, lz, coords.Edge-1)
			if !ok {
				continue
			}
			y := base + top
			hi := lx + lz*coords.Edge
			if old := col.heights[hi]; y > old {
				col.heights[hi] = y
				ix.notify(key, lx, lz, old, y)
			}
		}
	}
}

// Remove unregisters a cube. Heights that came from it fall back to the next
// resident cube below.
func (ix *Index) Remove(c *cube.Cube) {
	pos := c.Pos()
	key := pos.Column()
	col := ix.cols[key]
	if col == nil {
		return
	}
	c.SetHeightIndex(nil)
	i, found := slices.BinarySearch(col.ys, pos.Y)
	if !found {
		return
	}
	col.ys = slices.Delete(col.ys, i, i+1)
	if len(col.ys) == 0 {
		delete(ix.cols, key)
		for lz := 0; lz < coords.Edge; lz++ {
			for lx := 0; lx < coords.Edge; lx++ {
				if old := col.heights[lx+lz*coords.Edge]; old != ix.minY {
					ix.notify(key, lx, lz, old, ix.minY)
				}
			}
		}
		return
	}
	lo, hi := pos.Y*coords.Edge, pos.Y*coords.Edge+coords.Edge-1
	for lz := 0; lz < coords.Edge; lz++ {
		for lx := 0; lx < coords.Edge; lx++ {
			h := lx + lz*coords.Edge
			if old := col.heights[h]; old >= lo && old <= hi {
				col.heights[h] = ix.scanDown(col, key, lx, lz, lo-1)
				ix.notify(key, lx, lz, old, col.heights[h])
			}
		}
	}
}

// OnVoxelChange keeps the height map current as voxels flip air status.
func (ix *Index) OnVoxelChange(pos coords.BlockPos, wasAir, isAir bool) {
	key := pos.Column()
	col := ix.cols[key]
	if col == nil {
		return
	}
	lx, lz := coords.Local(pos.X), coords.Local(pos.Z)
	h := lx + lz*coords.Edge
	old := col.heights[h]
	switch {
	case !isAir && pos.Y > old:
		col.heights[h] = pos.Y
	case isAir && pos.Y == old:
		col.heights[h] = ix.scanDown(col, key, lx, lz, pos.Y-1)
	default:
		return
	}
	ix.notify(key, lx, lz, old, col.heights[h])
}

// scanDown finds the highest non-air block at or below y in resident cubes.
func (ix *Index) scanDown(col *Column, key coords.ColumnKey, lx, lz, y int) int {
	cy := coords.ToCube(y)
	for i := len(col.ys) - 1; i >= 0; i-- {
		ry := col.ys[i]
		if ry > cy {
			continue
		}
		c := ix.lookup(coords.CubePos{X: key.X, Y: ry, Z: key.Z})
		if c == nil {
			continue
		}
		from := coords.Edge - 1
		if ry == cy {
			from = coords.Local(y)
		}
		if top, ok := highestIn(c, lx, lz, from); ok {
			return ry*coords.Edge + top
		}
	}
	return ix.minY
}

func highestIn(c *cube.Cube, lx, lz, from int) (int, bool) {
	for ly := from; ly >= 0; ly-- {
		if c.At(coords.LocalIndex(lx, ly, lz)) != cube.Air {
			return ly, true
		}
	}
	return 0, false
}

func (ix *Index) notify(key coords.ColumnKey, lx, lz, oldH, newH int) {
	if ix.listener != nil && oldH != newH {
		ix.listener(key, lx, lz, oldH, newH)
	}
}

// HeightAt returns the highest non-air block y at world (x, z) over resident
// cubes, or the configured minimum.
func (ix *Index) HeightAt(x, z int) int {
	col := ix.cols[coords.ColumnKey{X: coords.ToCube(x), Z: coords.ToCube(z)}]
	if col == nil {
		return ix.minY
	}
	return col.heights[coords.Local(x)+coords.Local(z)*coords.Edge]
}

// TopCube returns the highest resident cube Y of a column.
func (ix *Index) TopCube(key coords.ColumnKey) (int, bool) {
	col := ix.cols[key]
	if col == nil || len(col.ys) == 0 {
		return 0, false
	}
	return col.ys[len(col.ys)-1], true
}

// Cubes returns the resident cube Ys of a column in ascending order.
func (ix *Index) Cubes(key coords.ColumnKey) []int {
	col := ix.cols[key]
	if col == nil {
		return nil
	}
	return slices.Clone(col.ys)
}

// IsColumnLoaded reports whether any cube of the column holding block (x, z) is resident.
func (ix *Index) IsColumnLoaded(x, z int) bool {
	_, ok := ix.cols[coords.ColumnKey{X: coords.ToCube(x), Z: coords.ToCube(z)}]
	return ok
}

func (ix *Index) Len() int { return len(ix.cols) }
