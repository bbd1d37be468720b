package gen

import "cubeworld.ai/internal/sim/world/coords"

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

func Hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

type Biome string

const (
	BiomePlains Biome = "PLAINS"
	BiomeForest Biome = "FOREST"
	BiomeDesert Biome = "DESERT"
)

func BiomeFrom(noise uint64) Biome {
	switch noise % 3 {
	case 0:
		return BiomePlains
	case 1:
		return BiomeForest
	default:
		return BiomeDesert
	}
}

func BiomeAt(seed int64, x, z, regionSize int) Biome {
	if regionSize <= 0 {
		regionSize = 1
	}
	rx := coords.FloorDiv(x, regionSize)
	rz := coords.FloorDiv(z, regionSize)
	return BiomeFrom(Hash2(seed, rx, rz))
}

func WithinSpawnClear(x, z, radius int) bool {
	if radius <= 0 {
		return false
	}
	r := int64(radius)
	dx := int64(x)
	dz := int64(z)
	return dx*dx+dz*dz <= r*r
}

func ClampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}

func ScalePermille(base uint64, scalePermille int) uint64 {
	if scalePermille <= 0 {
		scalePermille = 1000
	}
	scaled := (base*uint64(scalePermille) + 500) / 1000
	if scaled > 1000 {
		return 1000
	}
	return scaled
}

// InCluster reports whether (x, z) falls within radius of a cluster centre.
// Each grid cell holds at most one centre, present with probPermille.
func InCluster(seed int64, x, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := coords.FloorDiv(x, grid)
	gz := coords.FloorDiv(z, grid)
	r2 := radius * radius

	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			cgx := gx + dx
			cgz := gz + dz
			h := Hash2(seed, cgx, cgz)
			if h%1000 >= probPermille {
				continue
			}

			ox := int((h >> 10) % uint64(grid))
			oz := int((h >> 20) % uint64(grid))
			cx := cgx*grid + ox
			cz := cgz*grid + oz

			ddx := x - cx
			ddz := z - cz
			if ddx*ddx+ddz*ddz <= r2 {
				return true
			}
		}
	}
	return false
}

// InCluster3 is InCluster over 3D grid cells. grid must exceed 2*radius for
// the 27-cell scan to be exhaustive.
func InCluster3(seed int64, x, y, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := coords.FloorDiv(x, grid)
	gy := coords.FloorDiv(y, grid)
	gz := coords.FloorDiv(z, grid)
	r2 := radius * radius

	for dy := -1; dy <= 1; dy++ {
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				cgx, cgy, cgz := gx+dx, gy+dy, gz+dz
				h := Hash3(seed, cgx, cgy, cgz)
				if h%1000 >= probPermille {
					continue
				}
				cx := cgx*grid + int((h>>10)%uint64(grid))
				cy := cgy*grid + int((h>>20)%uint64(grid))
				cz := cgz*grid + int((h>>30)%uint64(grid))
				ddx, ddy, ddz := x-cx, y-cy, z-cz
				if ddx*ddx+ddy*ddy+ddz*ddz <= r2 {
					return true
				}
			}
		}
	}
	return false
}

// Lattice returns smooth value noise in [0, amplitude] sampled on a grid
// with bilinear interpolation.
func Lattice(seed int64, x, z, grid, amplitude int) int {
	if grid <= 0 || amplitude <= 0 {
		return 0
	}
	gx, fx := coords.FloorDiv(x, grid), coords.Mod(x, grid)
	gz, fz := coords.FloorDiv(z, grid), coords.Mod(z, grid)
	a := uint64(amplitude + 1)
	h00 := int(Hash2(seed, gx, gz) % a)
	h10 := int(Hash2(seed, gx+1, gz) % a)
	h01 := int(Hash2(seed, gx, gz+1) % a)
	h11 := int(Hash2(seed, gx+1, gz+1) % a)
	top := h00*(grid-fx) + h10*fx
	bot := h01*(grid-fx) + h11*fx
	return (top*(grid-fz) + bot*fz) / (grid * grid)
}
