package cube

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"cubeworld.ai/internal/sim/world/coords"
)

// Voxel is a block palette id. 0 is air.
type Voxel = uint16

const Air Voxel = 0

var (
	ErrOutOfBounds       = errors.New("out of bounds")
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// Properties supplies the light-relevant block properties.
type Properties interface {
	Opacity(v uint16) int
	Emission(v uint16) int
}

// HeightIndex is told whenever a voxel flips between air and non-air.
type HeightIndex interface {
	OnVoxelChange(pos coords.BlockPos, wasAir, isAir bool)
}

type Cube struct {
	pos    coords.CubePos
	props  Properties
	height HeightIndex

	voxels [coords.Volume]Voxel
	sky    Nibbles
	block  Nibbles

	stage Stage
	tier  Tier

	dirtyBits  [coords.Volume / 64]uint64
	dirtyList  []uint16
	dirtyOuter map[coords.BlockPos]struct{}

	ioInFlight bool
	modified   bool
	partial    bool
	version    uint64
	edits      uint64
}

func New(pos coords.CubePos, props Properties) *Cube {
	return &Cube{pos: pos, props: props}
}

func (c *Cube) Pos() coords.CubePos { return c.pos }
func (c *Cube) Stage() Stage        { return c.stage }
func (c *Cube) Tier() Tier          { return c.tier }
func (c *Cube) SetTier(t Tier)      { c.tier = t }
func (c *Cube) Version() uint64     { return c.version }

// Edits counts SetVoxel changes. Generated patches and light do not move it.
func (c *Cube) Edits() uint64 { return c.edits }

func (c *Cube) Modified() bool      { return c.modified }
func (c *Cube) ClearModified()      { c.modified = false }
func (c *Cube) Partial() bool       { return c.partial }
func (c *Cube) SetPartial(p bool)   { c.partial = p }
func (c *Cube) IOInFlight() bool    { return c.ioInFlight }
func (c *Cube) SetIOInFlight(v bool) {
	c.ioInFlight = v
}

// SetHeightIndex attaches the owning column. nil detaches.
func (c *Cube) SetHeightIndex(h HeightIndex) { c.height = h }

func (c *Cube) Voxel(lx, ly, lz int) (Voxel, error) {
	if !coords.InLocal(lx, ly, lz) {
		return Air, fmt.Errorf("voxel (%d,%d,%d) in %v: %w", lx, ly, lz, c.pos, ErrOutOfBounds)
	}
	return c.voxels[coords.LocalIndex(lx, ly, lz)], nil
}

// At is Voxel without the bounds error, for callers that iterate local indexes.
func (c *Cube) At(i int) Voxel { return c.voxels[i] }

// SetVoxel stores v and returns the previous voxel. Light and height
// bookkeeping follow the change.
func (c *Cube) SetVoxel(lx, ly, lz int, v Voxel) (Voxel, error) {
	if !coords.InLocal(lx, ly, lz) {
		return Air, fmt.Errorf("voxel (%d,%d,%d) in %v: %w", lx, ly, lz, c.pos, ErrOutOfBounds)
	}
	i := coords.LocalIndex(lx, ly, lz)
	prev := c.voxels[i]
	if prev == v {
		return prev, nil
	}
	c.voxels[i] = v
	c.modified = true
	c.version++
	c.edits++
	c.afterChange(lx, ly, lz, prev, v)
	return prev, nil
}

// Apply replaces the voxel array with a generated one. Only differing voxels
// are touched; the cube is not marked modified. Returns the number changed.
func (c *Cube) Apply(voxels *[coords.Volume]Voxel) int {
	n := 0
	for i := range voxels {
		prev := c.voxels[i]
		if prev == voxels[i] {
			continue
		}
		c.voxels[i] = voxels[i]
		lx, ly, lz := coords.FromLocalIndex(i)
		c.afterChange(lx, ly, lz, prev, voxels[i])
		n++
	}
	if n > 0 {
		c.version++
	}
	return n
}

func (c *Cube) afterChange(lx, ly, lz int, prev, v Voxel) {
	if c.props == nil || c.props.Opacity(prev) != c.props.Opacity(v) || c.props.Emission(prev) != c.props.Emission(v) {
		c.MarkLightDirty(lx, ly, lz)
		for _, f := range coords.Faces {
			nx, ny, nz := lx+f.X, ly+f.Y, lz+f.Z
			if coords.InLocal(nx, ny, nz) {
				c.MarkLightDirty(nx, ny, nz)
				continue
			}
			if c.dirtyOuter == nil {
				c.dirtyOuter = make(map[coords.BlockPos]struct{})
			}
			c.dirtyOuter[c.pos.Block(nx, ny, nz)] = struct{}{}
		}
	}
	if c.height != nil && (prev == Air) != (v == Air) {
		c.height.OnVoxelChange(c.pos.Block(lx, ly, lz), prev == Air, v == Air)
	}
}

// AdvanceStage moves the cube to target, which must be strictly later than the current stage.
func (c *Cube) AdvanceStage(target Stage) error {
	if target <= c.stage || !target.Valid() {
		return fmt.Errorf("%v: %v -> %v: %w", c.pos, c.stage, target, ErrInvalidTransition)
	}
	c.stage = target
	c.version++
	return nil
}

// MarkLightDirty is idempotent. Out-of-range positions are ignored.
func (c *Cube) MarkLightDirty(lx, ly, lz int) {
	if !coords.InLocal(lx, ly, lz) {
		return
	}
	i := coords.LocalIndex(lx, ly, lz)
	w, b := i>>6, uint64(1)<<(i&63)
	if c.dirtyBits[w]&b != 0 {
		return
	}
	c.dirtyBits[w] |= b
	c.dirtyList = append(c.dirtyList, uint16(i))
}

func (c *Cube) IsLightDirty(lx, ly, lz int) bool {
	if !coords.InLocal(lx, ly, lz) {
		return false
	}
	i := coords.LocalIndex(lx, ly, lz)
	return c.dirtyBits[i>>6]&(1<<(i&63)) != 0
}

// DirtyCount includes positions recorded outside the cube.
func (c *Cube) DirtyCount() int {
	return len(c.dirtyList) + len(c.dirtyOuter)
}

// TakeDirty drains the dirty set as world positions, in marking order for
// in-cube positions followed by the out-of-cube ones.
func (c *Cube) TakeDirty() []coords.BlockPos {
	if c.DirtyCount() == 0 {
		return nil
	}
	out := make([]coords.BlockPos, 0, c.DirtyCount())
	for _, i := range c.dirtyList {
		lx, ly, lz := coords.FromLocalIndex(int(i))
		out = append(out, c.pos.Block(lx, ly, lz))
	}
	for p := range c.dirtyOuter {
		out = append(out, p)
	}
	c.dirtyList = c.dirtyList[:0]
	c.dirtyBits = [coords.Volume / 64]uint64{}
	c.dirtyOuter = nil
	return out
}

func (c *Cube) Light(ch Channel, lx, ly, lz int) int {
	if !coords.InLocal(lx, ly, lz) {
		return 0
	}
	return c.LightAt(ch, coords.LocalIndex(lx, ly, lz))
}

func (c *Cube) LightAt(ch Channel, i int) int {
	if ch == Sky {
		return int(c.sky.Get(i))
	}
	return int(c.block.Get(i))
}

// SetLightAt stores a light level and bumps the version when it changed.
func (c *Cube) SetLightAt(ch Channel, i int, level int) {
	if level < 0 {
		level = 0
	}
	if level > 15 {
		level = 15
	}
	arr := &c.block
	if ch == Sky {
		arr = &c.sky
	}
	if int(arr.Get(i)) == level {
		return
	}
	arr.Set(i, uint8(level))
	c.version++
}

func (c *Cube) SetLight(ch Channel, lx, ly, lz, level int) error {
	if !coords.InLocal(lx, ly, lz) {
		return fmt.Errorf("light (%d,%d,%d) in %v: %w", lx, ly, lz, c.pos, ErrOutOfBounds)
	}
	c.SetLightAt(ch, coords.LocalIndex(lx, ly, lz), level)
	return nil
}

func (c *Cube) ResetLight() {
	c.sky = Nibbles{}
	c.block = Nibbles{}
	c.version++
}

// IsEmpty reports whether every voxel is air.
func (c *Cube) IsEmpty() bool {
	for _, v := range c.voxels {
		if v != Air {
			return false
		}
	}
	return true
}

// Digest hashes voxel content and stage. Light is derived data and excluded.
func (c *Cube) Digest() uint64 {
	d := xxhash.New()
	var buf [2 * coords.Area]byte
	for off := 0; off < coords.Volume; off += coords.Area {
		for i := 0; i < coords.Area; i++ {
			binary.LittleEndian.PutUint16(buf[i*2:], c.voxels[off+i])
		}
		_, _ = d.Write(buf[:])
	}
	_, _ = d.Write([]byte{byte(c.stage)})
	return d.Sum64()
}

// Snapshot is an immutable copy handed to workers and streams.
type Snapshot struct {
	Pos     coords.CubePos
	Stage   Stage
	Version uint64
	Voxels  [coords.Volume]Voxel
}

func (s *Snapshot) At(lx, ly, lz int) Voxel {
	return s.Voxels[coords.LocalIndex(lx, ly, lz)]
}

func (c *Cube) Snapshot() *Snapshot {
	return &Snapshot{Pos: c.pos, Stage: c.stage, Version: c.version, Voxels: c.voxels}
}
