package gen

import (
	"fmt"

	"cubeworld.ai/internal/sim/blocks"
	"cubeworld.ai/internal/sim/world/cache"
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

type Config struct {
	Seed int64

	BaseHeight      int
	HeightVariation int
	SeaLevel        int
	SnowLine        int
	BedrockY        int
	HasBedrock      bool

	BiomeRegionSize                 int
	SpawnClearRadius                int
	OreClusterProbScalePermille     int
	TerrainClusterProbScalePermille int
	TreePermille                    int
	TallGrassPermille               int
	LavaLevel                       int
}

func (c *Config) applyDefaults() {
	if c.HeightVariation <= 0 {
		c.HeightVariation = 24
	}
	if c.SnowLine == 0 {
		c.SnowLine = c.BaseHeight + c.HeightVariation
	}
	if c.BiomeRegionSize <= 0 {
		c.BiomeRegionSize = 128
	}
	if c.TreePermille == 0 {
		c.TreePermille = 12
	}
	if c.TallGrassPermille == 0 {
		c.TallGrassPermille = 120
	}
	if c.LavaLevel == 0 {
		c.LavaLevel = c.BaseHeight - 48
	}
}

type palette struct {
	air, stone, dirt, grass, sand, gravel, water, log, leaves uint16
	coal, iron, lava, snow, tallGrass, bedrock, glowstone    uint16
}

// Generator is a deterministic stage generator: every stage is a pure
// function of the seed, the cube position and the snapshots it receives.
type Generator struct {
	cfg Config
	ids palette
}

func New(cfg Config, reg *blocks.Registry) (*Generator, error) {
	cfg.applyDefaults()
	g := &Generator{cfg: cfg}
	for _, b := range []struct {
		name string
		dst  *uint16
	}{
		{"AIR", &g.ids.air}, {"STONE", &g.ids.stone}, {"DIRT", &g.ids.dirt},
		{"GRASS", &g.ids.grass}, {"SAND", &g.ids.sand}, {"GRAVEL", &g.ids.gravel},
		{"WATER", &g.ids.water}, {"LOG", &g.ids.log}, {"LEAVES", &g.ids.leaves},
		{"COAL_ORE", &g.ids.coal}, {"IRON_ORE", &g.ids.iron}, {"LAVA", &g.ids.lava},
		{"SNOW", &g.ids.snow}, {"TALL_GRASS", &g.ids.tallGrass}, {"BEDROCK", &g.ids.bedrock},
		{"GLOWSTONE", &g.ids.glowstone},
	} {
		id, ok := reg.Lookup(b.name)
		if !ok {
			return nil, fmt.Errorf("terrain: block %s missing from registry", b.name)
		}
		*b.dst = id
	}
	return g, nil
}

func (g *Generator) Config() Config { return g.cfg }

// SurfaceAt is the y of the topmost terrain block of column (x, z).
func (g *Generator) SurfaceAt(x, z int) int {
	v := g.cfg.HeightVariation
	h := Lattice(g.cfg.Seed, x, z, 64, v) + Lattice(g.cfg.Seed+7, x, z, 16, v/4)
	h = g.cfg.BaseHeight + h - (v+v/4)/2
	if WithinSpawnClear(x, z, g.cfg.SpawnClearRadius) {
		h = max(h, g.cfg.SeaLevel+1)
	}
	return h
}

func (g *Generator) Biome(x, z int) Biome {
	return BiomeAt(g.cfg.Seed, x, z, g.cfg.BiomeRegionSize)
}

func (g *Generator) GenerateStage(pos coords.CubePos, stage cube.Stage, nb *cache.Neighbourhood) (*cache.Patch, error) {
	p := &cache.Patch{}
	if stage == cube.StageEmpty {
		g.base(pos, p)
		return p, nil
	}
	if nb == nil || nb.Center == nil {
		return nil, fmt.Errorf("stage %v of %v without base content", stage, pos)
	}
	p.Voxels = nb.Center.Voxels
	switch stage {
	case cube.StageStructureReferences:
		g.structures(pos, p)
	case cube.StagePopulated:
		g.trees(pos, p)
	case cube.StageDecorated:
		g.decorate(pos, nb, p)
	default:
		return nil, fmt.Errorf("unknown stage %v", stage)
	}
	return p, nil
}

func (g *Generator) base(pos coords.CubePos, p *cache.Patch) {
	o := pos.MinBlock()
	if o.Y > max(g.cfg.BaseHeight+g.cfg.HeightVariation, g.cfg.SeaLevel+1) && !(g.cfg.HasBedrock && o.Y <= g.cfg.BedrockY) {
		return
	}
	for lz := 0; lz < coords.Edge; lz++ {
		for lx := 0; lx < coords.Edge; lx++ {
			x, z := o.X+lx, o.Z+lz
			h := g.SurfaceAt(x, z)
			desert := g.Biome(x, z) == BiomeDesert
			for ly := 0; ly < coords.Edge; ly++ {
				y := o.Y + ly
				b := g.ids.air
				switch {
				case g.cfg.HasBedrock && y <= g.cfg.BedrockY:
					b = g.ids.bedrock
				case y > h:
					if y <= g.cfg.SeaLevel {
						b = g.ids.water
					}
				case y == h:
					switch {
					case desert || h <= g.cfg.SeaLevel:
						b = g.ids.sand
					default:
						b = g.ids.grass
					}
				case y > h-4:
					if desert {
						b = g.ids.sand
					} else {
						b = g.ids.dirt
					}
				default:
					b = g.ids.stone
				}
				p.Voxels[coords.LocalIndex(lx, ly, lz)] = b
			}
		}
	}
}

// structures carves caves and places ore and gravel pockets. Cluster
// centres may sit in neighbouring cubes so features cross cube borders.
func (g *Generator) structures(pos coords.CubePos, p *cache.Patch) {
	o := pos.MinBlock()
	ore := g.cfg.OreClusterProbScalePermille
	ter := g.cfg.TerrainClusterProbScalePermille
	for i := 0; i < coords.Volume; i++ {
		if p.Voxels[i] != g.ids.stone {
			continue
		}
		lx, ly, lz := coords.FromLocalIndex(i)
		x, y, z := o.X+lx, o.Y+ly, o.Z+lz
		switch {
		case y < g.SurfaceAt(x, z)-4 && InCluster3(g.cfg.Seed+601, x, y, z, 24, 4, ScalePermille(300, ter)):
			if y <= g.cfg.LavaLevel {
				p.Voxels[i] = g.ids.lava
			} else {
				p.Voxels[i] = g.ids.air
			}
		case InCluster3(g.cfg.Seed+102, x, y, z, 16, 2, ScalePermille(250, ore)):
			p.Voxels[i] = g.ids.iron
		case InCluster3(g.cfg.Seed+104, x, y, z, 12, 2, ScalePermille(450, ore)):
			p.Voxels[i] = g.ids.coal
		case InCluster3(g.cfg.Seed+204, x, y, z, 20, 3, ScalePermille(180, ter)):
			p.Voxels[i] = g.ids.gravel
		}
	}
}

func (g *Generator) treeAt(x, z int) (base, height int, ok bool) {
	b := g.Biome(x, z)
	if b == BiomeDesert {
		return 0, 0, false
	}
	permille := uint64(ClampPermille(g.cfg.TreePermille))
	if b == BiomeForest {
		permille = uint64(ClampPermille(g.cfg.TreePermille * 6))
	}
	hsh := Hash2(g.cfg.Seed+501, x, z)
	if hsh%1000 >= permille {
		return 0, 0, false
	}
	s := g.SurfaceAt(x, z)
	if s <= g.cfg.SeaLevel || s >= g.cfg.SnowLine {
		return 0, 0, false
	}
	return s + 1, 4 + int((hsh>>12)%3), true
}

// trees plants trunks on grass columns and a leaf ball around each top.
// Trees rooted up to two blocks outside the cube still reach into it.
func (g *Generator) trees(pos coords.CubePos, p *cache.Patch) {
	o, hi := pos.MinBlock(), pos.MaxBlock()
	for tz := o.Z - 2; tz <= hi.Z+2; tz++ {
		for tx := o.X - 2; tx <= hi.X+2; tx++ {
			base, h, ok := g.treeAt(tx, tz)
			if !ok {
				continue
			}
			top := base + h - 1
			if top+2 < o.Y || base > hi.Y {
				continue
			}
			for dy := -2; dy <= 2; dy++ {
				for dz := -2; dz <= 2; dz++ {
					for dx := -2; dx <= 2; dx++ {
						if dx*dx+dy*dy+dz*dz > 5 {
							continue
						}
						g.put(pos, p, coords.BlockPos{X: tx + dx, Y: top + dy, Z: tz + dz}, g.ids.leaves, true)
					}
				}
			}
			for y := base; y <= top; y++ {
				g.put(pos, p, coords.BlockPos{X: tx, Y: y, Z: tz}, g.ids.log, false)
			}
		}
	}
}

func (g *Generator) put(pos coords.CubePos, p *cache.Patch, b coords.BlockPos, v uint16, onlyAir bool) {
	if !pos.ContainsBlock(b) {
		return
	}
	lx, ly, lz := b.Local()
	i := coords.LocalIndex(lx, ly, lz)
	cur := p.Voxels[i]
	if onlyAir && cur != g.ids.air {
		return
	}
	if !onlyAir && cur != g.ids.air && cur != g.ids.leaves {
		return
	}
	p.Voxels[i] = v
}

// decorate puts tall grass on grass and snow above the snow line. The block
// under the cube's bottom layer is read from the neighbour below.
func (g *Generator) decorate(pos coords.CubePos, nb *cache.Neighbourhood, p *cache.Patch) {
	o := pos.MinBlock()
	for i := 0; i < coords.Volume; i++ {
		if p.Voxels[i] != g.ids.air {
			continue
		}
		lx, ly, lz := coords.FromLocalIndex(i)
		var below uint16
		if ly > 0 {
			below = p.Voxels[coords.LocalIndex(lx, ly-1, lz)]
		} else {
			v, ok := nb.Voxel(coords.BlockPos{X: o.X + lx, Y: o.Y - 1, Z: o.Z + lz})
			if !ok {
				continue
			}
			below = v
		}
		x, y, z := o.X+lx, o.Y+ly, o.Z+lz
		switch {
		case y > g.cfg.SnowLine && (below == g.ids.grass || below == g.ids.stone || below == g.ids.leaves):
			p.Voxels[i] = g.ids.snow
		case below == g.ids.grass && Hash3(g.cfg.Seed+801, x, y, z)%1000 < uint64(ClampPermille(g.cfg.TallGrassPermille)):
			p.Voxels[i] = g.ids.tallGrass
		case below == g.ids.lava && Hash3(g.cfg.Seed+802, x, y, z)%1000 < 20:
			p.Voxels[i] = g.ids.glowstone
		}
	}
}
