package cube

import (
	"fmt"

	"cubeworld.ai/internal/sim/world/coords"
)

// Serialized is the persisted form of a cube.
type Serialized struct {
	Pos    coords.CubePos
	Stage  Stage
	Tier   Tier
	Voxels [coords.Volume]Voxel
	Sky    Nibbles
	Block  Nibbles
}

func (c *Cube) Serialize() *Serialized {
	return &Serialized{
		Pos:    c.pos,
		Stage:  c.stage,
		Tier:   c.tier,
		Voxels: c.voxels,
		Sky:    c.sky,
		Block:  c.block,
	}
}

// FromSerialized rebuilds a cube from its persisted form. The cube starts
// unmodified, with an empty dirty set and TierLoaded.
func FromSerialized(s *Serialized, props Properties) (*Cube, error) {
	if s == nil {
		return nil, fmt.Errorf("nil serialized cube")
	}
	if !s.Stage.Valid() {
		return nil, fmt.Errorf("%v: bad stage %d", s.Pos, s.Stage)
	}
	c := New(s.Pos, props)
	c.stage = s.Stage
	c.tier = TierLoaded
	c.voxels = s.Voxels
	c.sky = s.Sky
	c.block = s.Block
	return c, nil
}
