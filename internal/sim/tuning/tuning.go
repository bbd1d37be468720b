package tuning

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

//go:embed tuning.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("tuning.schema.json", schemaJSON)

type Tuning struct {
	TickRateHz         int `yaml:"tick_rate_hz"`
	AutosaveEveryTicks int `yaml:"autosave_every_ticks"`

	World   World   `yaml:"world"`
	Cache   Cache   `yaml:"cache"`
	Watch   Watch   `yaml:"watch"`
	Light   Light   `yaml:"light"`
	Terrain Terrain `yaml:"terrain"`
}

// World bounds are in blocks; BorderR is in cubes.
type World struct {
	MinY    int    `yaml:"min_y"`
	MaxY    int    `yaml:"max_y"`
	BorderR int    `yaml:"border_r"`
	Side    string `yaml:"side"`
}

type Cache struct {
	Workers             int    `yaml:"workers"`
	MaxGeneratedPerTick int    `yaml:"max_generated_per_tick"`
	MaxDependencyDepth  int    `yaml:"max_dependency_depth"`
	MaxRetries          int    `yaml:"max_retries"`
	GCIntervalTicks     int    `yaml:"gc_interval_ticks"`
	EvictAfterTicks     int    `yaml:"evict_after_ticks"`
	MaxSaveRetries      int    `yaml:"max_save_retries"`
	TargetStage         string `yaml:"target_stage"`
}

type Watch struct {
	HorizontalRadius int     `yaml:"horizontal_radius"`
	VerticalRadius   int     `yaml:"vertical_radius"`
	StreamStage      string  `yaml:"stream_stage"`
	MaxSendsPerTick  int     `yaml:"max_sends_per_tick"`
	SendRate         float64 `yaml:"send_rate"`
	SendBurst        int     `yaml:"send_burst"`
}

type Light struct {
	BudgetPerTick int `yaml:"budget_per_tick"`
}

type Terrain struct {
	Seed                            int64 `yaml:"seed"`
	BaseHeight                      int   `yaml:"base_height"`
	HeightVariation                 int   `yaml:"height_variation"`
	SeaLevel                        int   `yaml:"sea_level"`
	SnowLine                        int   `yaml:"snow_line"`
	BedrockY                        *int  `yaml:"bedrock_y"`
	LavaLevel                       int   `yaml:"lava_level"`
	BiomeRegionSize                 int   `yaml:"biome_region_size"`
	SpawnClearRadius                int   `yaml:"spawn_clear_radius"`
	OreClusterProbScalePermille     int   `yaml:"ore_cluster_prob_scale_permille"`
	TerrainClusterProbScalePermille int   `yaml:"terrain_cluster_prob_scale_permille"`
	TreePermille                    int   `yaml:"tree_permille"`
	TallGrassPermille               int   `yaml:"tall_grass_permille"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:         20,
		AutosaveEveryTicks: 6000,
		World:              World{MinY: -512, MaxY: 511, Side: "server"},
		Cache: Cache{
			Workers:             4,
			MaxGeneratedPerTick: 49 * 16,
			MaxDependencyDepth:  cube.StageCount,
			MaxRetries:          2,
			GCIntervalTicks:     200,
			EvictAfterTicks:     0,
			MaxSaveRetries:      3,
			TargetStage:         "populated",
		},
		Watch: Watch{
			HorizontalRadius: 6,
			VerticalRadius:   8,
			StreamStage:      "populated",
			MaxSendsPerTick:  64,
			SendRate:         256,
			SendBurst:        64,
		},
		Light: Light{BudgetPerTick: 1 << 16},
		Terrain: Terrain{
			Seed:            1337,
			BaseHeight:      64,
			HeightVariation: 24,
			SeaLevel:        60,
			BiomeRegionSize: 128,
			TreePermille:    12,
		},
	}
}

func (t *Tuning) applyDefaults() {
	d := Defaults()
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.World.MaxY < t.World.MinY {
		t.World.MinY, t.World.MaxY = d.World.MinY, d.World.MaxY
	}
	if t.World.Side == "" {
		t.World.Side = d.World.Side
	}
	if t.Cache.TargetStage == "" {
		t.Cache.TargetStage = d.Cache.TargetStage
	}
	if t.Watch.StreamStage == "" {
		t.Watch.StreamStage = d.Watch.StreamStage
	}
	if t.Light.BudgetPerTick <= 0 {
		t.Light.BudgetPerTick = d.Light.BudgetPerTick
	}
}

// Load reads a YAML file over Defaults and validates it.
func Load(path string) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (Tuning, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Tuning{}, fmt.Errorf("tuning.yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return Tuning{}, fmt.Errorf("tuning.yaml: %w", err)
	}
	t := Defaults()
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tuning{}, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.applyDefaults()
	if err := t.validate(); err != nil {
		return Tuning{}, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) validate() error {
	target, err := cube.ParseStage(t.Cache.TargetStage)
	if err != nil {
		return fmt.Errorf("cache.target_stage: %w", err)
	}
	stream, err := cube.ParseStage(t.Watch.StreamStage)
	if err != nil {
		return fmt.Errorf("watch.stream_stage: %w", err)
	}
	if stream > target {
		return fmt.Errorf("watch.stream_stage %v is past cache.target_stage %v", stream, target)
	}
	if s := strings.ToLower(t.World.Side); s != "server" && s != "client" {
		return fmt.Errorf("world.side: unknown side %q", t.World.Side)
	}
	return nil
}

func (t Tuning) TargetStage() cube.Stage {
	s, _ := cube.ParseStage(t.Cache.TargetStage)
	return s
}

func (t Tuning) StreamStage() cube.Stage {
	s, _ := cube.ParseStage(t.Watch.StreamStage)
	return s
}

// CubeYBounds converts the block height bounds to inclusive cube Y bounds.
func (t Tuning) CubeYBounds() (int, int) {
	return coords.ToCube(t.World.MinY), coords.ToCube(t.World.MaxY)
}
