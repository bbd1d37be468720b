package world

import (
	"fmt"

	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

// Voxel returns the block at p. ok is false when the cube is not resident.
func (w *World) Voxel(p coords.BlockPos) (v cube.Voxel, ok bool) {
	c := w.cache.Lookup(p.Cube())
	if c == nil {
		return cube.Air, false
	}
	lx, ly, lz := p.Local()
	return c.At(coords.LocalIndex(lx, ly, lz)), true
}

// SetVoxel edits a resident cube and records an audit entry. The previous
// block is returned.
func (w *World) SetVoxel(actor string, p coords.BlockPos, v cube.Voxel, reason string) (cube.Voxel, error) {
	cp := p.Cube()
	if !w.cache.InBounds(cp) {
		return cube.Air, fmt.Errorf("set %v: %w", p, cube.ErrOutOfBounds)
	}
	if int(v) >= len(w.reg.Palette) {
		return cube.Air, fmt.Errorf("set %v to %d: %w", p, v, ErrUnknownBlock)
	}
	c := w.cache.Lookup(cp)
	if c == nil {
		return cube.Air, fmt.Errorf("set %v: %w", p, ErrNotLoaded)
	}
	lx, ly, lz := p.Local()
	prev, err := c.SetVoxel(lx, ly, lz, v)
	if err != nil {
		return prev, err
	}
	if prev == v {
		return prev, nil
	}
	w.light.Notify(cp)
	if w.audit != nil {
		err := w.audit.WriteAudit(AuditEntry{
			Tick:   w.tick.Load(),
			Actor:  actor,
			Action: "SET_VOXEL",
			Pos:    [3]int{p.X, p.Y, p.Z},
			From:   prev,
			To:     v,
			Reason: reason,
		})
		if err != nil {
			w.log.Printf("audit: %v", err)
		}
	}
	return prev, nil
}

func (w *World) Light(p coords.BlockPos, ch cube.Channel) int {
	return w.light.Light(p, ch)
}

// HeightAt is the highest non-air block y in the column over resident cubes.
func (w *World) HeightAt(x, z int) int {
	return w.cols.HeightAt(x, z)
}

// EffectiveHeight is the first y above the column's highest non-air block.
// Columns with no resident cubes report MinY.
func (w *World) EffectiveHeight(x, z int) int {
	if !w.cols.IsColumnLoaded(x, z) {
		return w.cfg.MinY
	}
	return w.cols.HeightAt(x, z) + 1
}

func (w *World) IsColumnLoaded(x, z int) bool {
	return w.cols.IsColumnLoaded(x, z)
}

// IsCubeFullyLoaded reports whether the cube is resident at the cache's target
// stage with no outstanding light work.
func (w *World) IsCubeFullyLoaded(pos coords.CubePos) bool {
	c := w.cache.Lookup(pos)
	if c == nil || c.Stage() < w.cache.Config().TargetStage {
		return false
	}
	return w.light.Stable(pos)
}

// TestForCubes reports whether every cube between start and end (inclusive)
// is resident and satisfies pred. A nil pred only checks residency.
func (w *World) TestForCubes(start, end coords.CubePos, pred func(*cube.Cube) bool) bool {
	ok := true
	coords.Box(start, end, func(p coords.CubePos) bool {
		c := w.cache.Lookup(p)
		if c == nil || (pred != nil && !pred(c)) {
			ok = false
		}
		return ok
	})
	return ok
}

// TestForBlocks is TestForCubes over the cubes holding the block box
// [min, max].
func (w *World) TestForBlocks(min, max coords.BlockPos, pred func(*cube.Cube) bool) bool {
	return w.TestForCubes(min.Cube(), max.Cube(), pred)
}

// TestForCubesAround checks every cube holding a block within radius blocks
// of center on each axis.
func (w *World) TestForCubesAround(center coords.BlockPos, radius int, pred func(*cube.Cube) bool) bool {
	min := coords.BlockPos{X: center.X - radius, Y: center.Y - radius, Z: center.Z - radius}
	max := coords.BlockPos{X: center.X + radius, Y: center.Y + radius, Z: center.Z + radius}
	return w.TestForBlocks(min, max, pred)
}

// InstallCube puts a cube received from a server into a client world. The
// world keeps it resident until UnloadCube. Installing over a resident cube
// replaces it.
func (w *World) InstallCube(s *cube.Serialized) error {
	if w.cfg.Side != SideClient {
		return fmt.Errorf("install %v: %w", s.Pos, ErrWrongSide)
	}
	h, err := w.cache.InstallExternal(s)
	if err != nil {
		return fmt.Errorf("install %v: %w", s.Pos, err)
	}
	if old := w.external[s.Pos]; old != nil {
		w.cache.Release(old)
	}
	w.external[s.Pos] = h
	return nil
}

// UnloadCube drops the client's hold on a cube; the cache evicts it on its
// next sweep.
func (w *World) UnloadCube(pos coords.CubePos) {
	if h := w.external[pos]; h != nil {
		w.cache.Release(h)
		delete(w.external, pos)
	}
}

// SpawnCandidates lists cubes that have been sent to some observer and sit
// at least one cube inside that observer's view edge.
func (w *World) SpawnCandidates(radius int) []coords.CubePos {
	if w.tracker == nil {
		return nil
	}
	return w.tracker.SpawnCandidates(radius)
}

// Watching lists the cubes sent to an observer, nearest first.
func (w *World) Watching(id string) []coords.CubePos {
	if w.tracker == nil {
		return nil
	}
	return w.tracker.Watching(id)
}
