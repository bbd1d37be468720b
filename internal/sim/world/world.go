package world

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"cubeworld.ai/internal/sim/blocks"
	"cubeworld.ai/internal/sim/tuning"
	"cubeworld.ai/internal/sim/world/cache"
	"cubeworld.ai/internal/sim/world/column"
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
	"cubeworld.ai/internal/sim/world/light"
	"cubeworld.ai/internal/sim/world/watch"
)

var (
	ErrNotLoaded    = errors.New("cube not loaded")
	ErrUnknownBlock = errors.New("unknown block")
	ErrWrongSide    = errors.New("operation not available on this side")
)

// Side selects what a World is responsible for. A server generates and
// persists cubes and streams them to observers; a client only holds cubes it
// was sent and keeps their columns and light current.
type Side uint8

const (
	SideServer Side = iota
	SideClient
)

func (s Side) String() string {
	if s == SideClient {
		return "client"
	}
	return "server"
}

func ParseSide(name string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "server":
		return SideServer, nil
	case "client":
		return SideClient, nil
	}
	return SideServer, fmt.Errorf("unknown side %q", name)
}

type Config struct {
	ID                 string
	Side               Side
	TickRateHz         int
	AutosaveEveryTicks int
	LightBudget        int

	// MinY is the lowest block Y; empty columns report it as their height.
	MinY int

	Cache cache.Config
	Watch watch.Config
}

// ConfigFromTuning maps the tuning file onto a world config.
func ConfigFromTuning(id string, t tuning.Tuning) (Config, error) {
	side, err := ParseSide(t.World.Side)
	if err != nil {
		return Config{}, err
	}
	minCY, maxCY := t.CubeYBounds()
	return Config{
		ID:                 id,
		Side:               side,
		TickRateHz:         t.TickRateHz,
		AutosaveEveryTicks: t.AutosaveEveryTicks,
		LightBudget:        t.Light.BudgetPerTick,
		MinY:               t.World.MinY,
		Cache: cache.Config{
			Workers:             t.Cache.Workers,
			MaxGeneratedPerTick: t.Cache.MaxGeneratedPerTick,
			MaxDependencyDepth:  t.Cache.MaxDependencyDepth,
			MaxRetries:          t.Cache.MaxRetries,
			GCIntervalTicks:     t.Cache.GCIntervalTicks,
			EvictAfterTicks:     t.Cache.EvictAfterTicks,
			MaxSaveRetries:      t.Cache.MaxSaveRetries,
			TargetStage:         t.TargetStage(),
			TargetStageSet:      true,
			MinCubeY:            minCY,
			MaxCubeY:            maxCY,
			BorderR:             t.World.BorderR,
		},
		Watch: watch.Config{
			HorizontalRadius: t.Watch.HorizontalRadius,
			VerticalRadius:   t.Watch.VerticalRadius,
			StreamStage:      t.StreamStage(),
			StreamStageSet:   true,
			MaxSendsPerTick:  t.Watch.MaxSendsPerTick,
			SendRate:         t.Watch.SendRate,
			SendBurst:        t.Watch.SendBurst,
		},
	}, nil
}

type Deps struct {
	Blocks    *blocks.Registry
	Store     cache.Store
	Generator cache.Generator
	Log       *log.Logger
	Audit     AuditLogger
	Events    cache.EventLogger
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type AuditEntry struct {
	Tick   uint64 `json:"tick"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
	Pos    [3]int `json:"pos"`
	From   uint16 `json:"from"`
	To     uint16 `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// World ties the cube cache, column index, light engine and observer tracker
// together. All state must be accessed only from the world loop goroutine;
// other goroutines go through the request channels.
type World struct {
	cfg  Config
	reg  *blocks.Registry
	log  *log.Logger
	tick atomic.Uint64

	metrics atomic.Value

	cache   *cache.Cache
	cols    *column.Index
	light   *light.Engine
	tracker *watch.Tracker // nil on the client

	audit AuditLogger

	outs     map[string]chan watch.Event
	external map[coords.CubePos]*cache.Handle

	observerJoin  chan ObserverJoinRequest
	observerMove  chan ObserverMoveRequest
	observerLeave chan string
	edits         chan editReq
	installs      chan installReq
	stop          chan struct{}

	// done is closed when Run returns.
	done     chan struct{}
	doneOnce sync.Once

	lastStepMS float64
}

func New(cfg Config, deps Deps) (*World, error) {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.LightBudget <= 0 {
		cfg.LightBudget = 1 << 16
	}
	if cfg.ID == "" {
		cfg.ID = "OVERWORLD"
	}
	reg := deps.Blocks
	if reg == nil {
		reg = blocks.Default()
	}
	logger := deps.Log
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	switch cfg.Side {
	case SideServer:
		if deps.Generator == nil {
			return nil, errors.New("world: server side needs a generator")
		}
	case SideClient:
		if deps.Generator != nil || deps.Store != nil {
			return nil, errors.New("world: client side does not generate or persist cubes")
		}
	default:
		return nil, fmt.Errorf("world: bad side %d", cfg.Side)
	}

	w := &World{
		cfg:           cfg,
		reg:           reg,
		log:           logger,
		audit:         deps.Audit,
		outs:          map[string]chan watch.Event{},
		external:      map[coords.CubePos]*cache.Handle{},
		observerJoin:  make(chan ObserverJoinRequest, 64),
		observerMove:  make(chan ObserverMoveRequest, 1024),
		observerLeave: make(chan string, 64),
		edits:         make(chan editReq, 1024),
		installs:      make(chan installReq, 1024),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	w.cache = cache.New(cfg.Cache, cache.Deps{
		Store:     deps.Store,
		Generator: deps.Generator,
		Props:     reg,
		Listener:  (*listener)(w),
		Log:       logger,
		Events:    deps.Events,
	})
	w.cols = column.New(cfg.MinY, w.cache.Lookup)
	w.light = light.New(w.cache.Lookup, w.cols, reg)
	w.cols.SetListener(w.light.OnHeightChange)
	if cfg.Side == SideServer {
		w.tracker = watch.New(cfg.Watch, w.cache, w.light, w.deliver, logger)
	}
	w.publishMetrics()
	return w, nil
}

// listener keeps columns and light in step with the cache.
type listener World

func (l *listener) CubeInstalled(c *cube.Cube) {
	l.cols.Add(c)
	l.light.OnInstall(c)
}

func (l *listener) CubeChanged(c *cube.Cube) {
	l.light.Notify(c.Pos())
}

func (l *listener) CubeUnloading(c *cube.Cube) {
	l.light.OnUnload(c.Pos())
	l.cols.Remove(c)
}

func (w *World) Config() Config { return w.cfg }

func (w *World) Side() Side { return w.cfg.Side }

func (w *World) ID() string { return w.cfg.ID }

func (w *World) CurrentTick() uint64 { return w.tick.Load() }

func (w *World) Blocks() *blocks.Registry { return w.reg }

// deliver hands a tracker event to the observer's outbound channel without
// blocking the loop.
func (w *World) deliver(ev watch.Event) bool {
	out := w.outs[ev.Observer]
	if out == nil {
		return true
	}
	return trySend(out, ev)
}

func trySend(ch chan watch.Event, ev watch.Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

func (w *World) handleObserverJoin(req ObserverJoinRequest) {
	if w.tracker == nil {
		w.log.Printf("observer %s: %v", req.ID, ErrWrongSide)
		if req.Out != nil {
			close(req.Out)
		}
		return
	}
	if req.ID == "" || req.Out == nil {
		return
	}
	if old := w.outs[req.ID]; old != nil && old != req.Out {
		close(old)
	}
	w.outs[req.ID] = req.Out
	w.tracker.Join(req.ID, req.Pos)
}

func (w *World) handleObserverMove(req ObserverMoveRequest) {
	if w.tracker == nil {
		return
	}
	if err := w.tracker.Move(req.ID, req.Pos); err != nil {
		w.log.Printf("observer %s move: %v", req.ID, err)
	}
}

func (w *World) handleObserverLeave(id string) {
	if w.tracker == nil {
		return
	}
	if err := w.tracker.Leave(id); err != nil {
		w.log.Printf("observer %s leave: %v", id, err)
	}
	if out := w.outs[id]; out != nil {
		close(out)
		delete(w.outs, id)
	}
}
