package coords

import "fmt"

const (
	// Edge is the side length of a cube in blocks.
	Edge   = 16
	Volume = Edge * Edge * Edge
	Area   = Edge * Edge
)

// CubePos addresses a cube in cube space. Block coordinate = cube coordinate * Edge.
type CubePos struct {
	X, Y, Z int
}

type BlockPos struct {
	X, Y, Z int
}

type ColumnKey struct {
	X, Z int
}

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func BlockToCube(x, y, z int) CubePos {
	return CubePos{X: FloorDiv(x, Edge), Y: FloorDiv(y, Edge), Z: FloorDiv(z, Edge)}
}

// Local returns the in-cube offset of a block coordinate, always in [0, Edge).
func Local(v int) int {
	return Mod(v, Edge)
}

func ToCube(v int) int {
	return FloorDiv(v, Edge)
}

func (p CubePos) MinBlock() BlockPos {
	return BlockPos{X: p.X * Edge, Y: p.Y * Edge, Z: p.Z * Edge}
}

func (p CubePos) MaxBlock() BlockPos {
	m := p.MinBlock()
	return BlockPos{X: m.X + Edge - 1, Y: m.Y + Edge - 1, Z: m.Z + Edge - 1}
}

func (p CubePos) Add(dx, dy, dz int) CubePos {
	return CubePos{X: p.X + dx, Y: p.Y + dy, Z: p.Z + dz}
}

func (p CubePos) Column() ColumnKey {
	return ColumnKey{X: p.X, Z: p.Z}
}

// Block returns the world position of the local offset (lx, ly, lz) inside the cube.
func (p CubePos) Block(lx, ly, lz int) BlockPos {
	m := p.MinBlock()
	return BlockPos{X: m.X + lx, Y: m.Y + ly, Z: m.Z + lz}
}

func (p CubePos) ContainsBlock(b BlockPos) bool {
	return b.Cube() == p
}

func (p CubePos) DistanceSq(o CubePos) int {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

// Chebyshev returns the largest per-axis distance between p and o.
func (p CubePos) Chebyshev(o CubePos) int {
	return max(absInt(p.X-o.X), absInt(p.Y-o.Y), absInt(p.Z-o.Z))
}

func (p CubePos) String() string {
	return fmt.Sprintf("cube(%d,%d,%d)", p.X, p.Y, p.Z)
}

func (b BlockPos) Cube() CubePos {
	return BlockToCube(b.X, b.Y, b.Z)
}

func (b BlockPos) Local() (lx, ly, lz int) {
	return Local(b.X), Local(b.Y), Local(b.Z)
}

func (b BlockPos) Add(dx, dy, dz int) BlockPos {
	return BlockPos{X: b.X + dx, Y: b.Y + dy, Z: b.Z + dz}
}

func (b BlockPos) Column() ColumnKey {
	return ColumnKey{X: ToCube(b.X), Z: ToCube(b.Z)}
}

func (b BlockPos) String() string {
	return fmt.Sprintf("block(%d,%d,%d)", b.X, b.Y, b.Z)
}

// LocalIndex flattens a local offset. Layout is YZX so a horizontal layer is contiguous.
func LocalIndex(lx, ly, lz int) int {
	return lx + lz*Edge + ly*Area
}

func FromLocalIndex(i int) (lx, ly, lz int) {
	return i % Edge, i / Area, (i / Edge) % Edge
}

func InLocal(lx, ly, lz int) bool {
	return lx >= 0 && lx < Edge && ly >= 0 && ly < Edge && lz >= 0 && lz < Edge
}

// Faces are the six unit offsets of a voxel's face neighbours.
var Faces = [6]BlockPos{
	{X: 1}, {X: -1},
	{Y: 1}, {Y: -1},
	{Z: 1}, {Z: -1},
}

// Neighbours26 returns the positions of the 26 cubes surrounding p.
func Neighbours26(p CubePos) []CubePos {
	out := make([]CubePos, 0, 26)
	for dy := -1; dy <= 1; dy++ {
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				out = append(out, p.Add(dx, dy, dz))
			}
		}
	}
	return out
}

// Box iterates every cube between a and b (inclusive, any corner order).
func Box(a, b CubePos, fn func(CubePos) bool) {
	x0, x1 := min(a.X, b.X), max(a.X, b.X)
	y0, y1 := min(a.Y, b.Y), max(a.Y, b.Y)
	z0, z1 := min(a.Z, b.Z), max(a.Z, b.Z)
	for y := y0; y <= y1; y++ {
		for z := z0; z <= z1; z++ {
			for x := x0; x <= x1; x++ {
				if !fn(CubePos{X: x, Y: y, Z: z}) {
					return
				}
			}
		}
	}
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
