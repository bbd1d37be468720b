package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/alitto/pond/v2"

	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

var (
	ErrStoreClosed = errors.New("cube store closed")
	// ErrOutOfBounds is reported by handles for positions outside the height
	// bounds or the world border.
	ErrOutOfBounds = errors.New("cube position out of bounds")
)

// Store persists cubes. Load reports ok=false when nothing is stored for pos.
type Store interface {
	Load(ctx context.Context, pos coords.CubePos) (*cube.Serialized, bool, error)
	Save(ctx context.Context, pos coords.CubePos, s *cube.Serialized) error
	Close() error
}

// Generator computes one pipeline stage of a cube. It runs on worker
// goroutines and must only read the snapshots it is given.
type Generator interface {
	GenerateStage(pos coords.CubePos, stage cube.Stage, nb *Neighbourhood) (*Patch, error)
}

// Patch is the full voxel content of a cube after a stage ran.
type Patch struct {
	Voxels [coords.Volume]cube.Voxel
}

// Listener is called on the simulation goroutine as cubes come and go.
type Listener interface {
	CubeInstalled(c *cube.Cube)
	CubeChanged(c *cube.Cube)
	CubeUnloading(c *cube.Cube)
}

// EventLogger records pipeline faults and evictions.
type EventLogger interface {
	WriteCacheEvent(Event) error
}

type Event struct {
	Tick  uint64 `json:"tick"`
	Kind  string `json:"kind"`
	Pos   [3]int `json:"pos"`
	Stage string `json:"stage,omitempty"`
	Error string `json:"error,omitempty"`
}

// GenerationError is a failed stage computation.
type GenerationError struct {
	Pos   coords.CubePos
	Stage cube.Stage
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %v stage %v: %v", e.Pos, e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

type Config struct {
	Workers             int
	MaxGeneratedPerTick int
	MaxDependencyDepth  int
	MaxRetries          int
	GCIntervalTicks     int
	EvictAfterTicks     int
	MaxSaveRetries      int

	// TargetStage is the stage Request drives cubes to. It is only honoured
	// when TargetStageSet is true; otherwise StagePopulated.
	TargetStage    cube.Stage
	TargetStageSet bool

	// Cube Y bounds, inclusive; both zero means unbounded. BorderR bounds |X|
	// and |Z| in cubes; 0 means unbounded.
	MinCubeY int
	MaxCubeY int
	BorderR  int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxGeneratedPerTick <= 0 {
		c.MaxGeneratedPerTick = 49 * 16
	}
	if c.MaxDependencyDepth <= 0 {
		c.MaxDependencyDepth = cube.StageCount
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.GCIntervalTicks <= 0 {
		c.GCIntervalTicks = 200
	}
	if c.EvictAfterTicks < 0 {
		c.EvictAfterTicks = 0
	}
	if c.MaxSaveRetries < 0 {
		c.MaxSaveRetries = 0
	}
	if !c.TargetStageSet || !c.TargetStage.Valid() {
		c.TargetStage, c.TargetStageSet = cube.StagePopulated, true
	}
	if (c.MinCubeY == 0 && c.MaxCubeY == 0) || c.MaxCubeY < c.MinCubeY {
		c.MinCubeY, c.MaxCubeY = -(1 << 20), 1<<20
	}
}

type Deps struct {
	Store     Store
	Generator Generator
	Props     cube.Properties
	Listener  Listener
	Log       *log.Logger
	Events    EventLogger
}

type Stats struct {
	Entries   int
	Resident  int
	Pending   int
	InFlight  int
	Faulted   int
	Generated uint64
	Loaded    uint64
	Saved     uint64
	Evicted   uint64
	DataLoss  uint64
	// Stale counts stage results discarded because the cube was edited meanwhile.
	Stale uint64
}

// Cache owns every resident cube. All methods except the worker callbacks
// must be called from the simulation goroutine.
type Cache struct {
	cfg    Config
	store  Store
	gen    Generator
	props  cube.Properties
	listen Listener
	logger *log.Logger
	events EventLogger

	ctx    context.Context
	cancel context.CancelFunc
	pool   pond.Pool

	entries map[coords.CubePos]*entry
	work    []*entry

	mu      sync.Mutex
	mailbox []result

	tick     uint64
	inFlight int
	closed   bool

	generated, loaded, saved, evicted, dataLoss, stale uint64
}

func New(cfg Config, deps Deps) *Cache {
	cfg.applyDefaults()
	logger := deps.Log
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		cfg:     cfg,
		store:   deps.Store,
		gen:     deps.Generator,
		props:   deps.Props,
		listen:  deps.Listener,
		logger:  logger,
		events:  deps.Events,
		ctx:     ctx,
		cancel:  cancel,
		pool:    pond.NewPool(cfg.Workers),
		entries: map[coords.CubePos]*entry{},
	}
}

func (c *Cache) Config() Config { return c.cfg }

// InBounds reports whether pos lies inside the configured height bounds and border.
func (c *Cache) InBounds(pos coords.CubePos) bool {
	if pos.Y < c.cfg.MinCubeY || pos.Y > c.cfg.MaxCubeY {
		return false
	}
	if r := c.cfg.BorderR; r > 0 && (absInt(pos.X) > r || absInt(pos.Z) > r) {
		return false
	}
	return true
}

// Request retains the cube at pos and makes sure the pipeline drives it to
// the configured target stage. It never blocks.
func (c *Cache) Request(pos coords.CubePos) *Handle {
	return c.RequestStage(pos, c.cfg.TargetStage)
}

// RequestStage is Request with an explicit target. Positions outside the
// world get a detached, already faulted handle and no pipeline work.
func (c *Cache) RequestStage(pos coords.CubePos, target cube.Stage) *Handle {
	if !c.InBounds(pos) {
		e := &entry{pos: pos, retain: 1, faulted: true, err: fmt.Errorf("request %v: %w", pos, ErrOutOfBounds)}
		return &Handle{c: c, e: e}
	}
	e := c.acquire(pos)
	h := &Handle{c: c, e: e}
	c.raise(e, target, 0)
	return h
}

// Release drops the handle's retain. Releasing twice is a no-op.
func (c *Cache) Release(h *Handle) {
	if h == nil || h.released {
		return
	}
	h.released = true
	c.unretain(h.e)
}

func (c *Cache) acquire(pos coords.CubePos) *entry {
	e := c.entries[pos]
	if e == nil {
		e = &entry{pos: pos, depth: c.cfg.MaxDependencyDepth + 1}
		c.entries[pos] = e
	}
	e.retain++
	e.zeroSince = 0
	return e
}

func (c *Cache) unretain(e *entry) {
	if e.retain <= 0 {
		return
	}
	e.retain--
	if e.retain == 0 {
		e.zeroSince = c.tick + 1
	}
}

// Lookup returns the installed cube at pos, or nil.
func (c *Cache) Lookup(pos coords.CubePos) *cube.Cube {
	if e := c.entries[pos]; e != nil {
		return e.cube
	}
	return nil
}

// Each visits every installed cube.
func (c *Cache) Each(fn func(*cube.Cube)) {
	for _, e := range c.entries {
		if e.cube != nil {
			fn(e.cube)
		}
	}
}

// EvictionEligible reports whether pos has no retainers and no task in flight.
func (c *Cache) EvictionEligible(pos coords.CubePos) bool {
	e := c.entries[pos]
	return e != nil && e.retain == 0 && !e.inFlight
}

func (c *Cache) Faulted(pos coords.CubePos) bool {
	e := c.entries[pos]
	return e != nil && e.faulted
}

func (c *Cache) Stats() Stats {
	s := Stats{
		Entries:   len(c.entries),
		Pending:   len(c.work),
		InFlight:  c.inFlight,
		Generated: c.generated,
		Loaded:    c.loaded,
		Saved:     c.saved,
		Evicted:   c.evicted,
		DataLoss:  c.dataLoss,
		Stale:     c.stale,
	}
	for _, e := range c.entries {
		if e.cube != nil {
			s.Resident++
		}
		if e.faulted {
			s.Faulted++
		}
	}
	return s
}

func (c *Cache) logEvent(kind string, pos coords.CubePos, stage string, err error) {
	if c.events == nil {
		return
	}
	ev := Event{Tick: c.tick, Kind: kind, Pos: [3]int{pos.X, pos.Y, pos.Z}, Stage: stage}
	if err != nil {
		ev.Error = err.Error()
	}
	if werr := c.events.WriteCacheEvent(ev); werr != nil {
		c.logger.Printf("cache event log: %v", werr)
	}
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
