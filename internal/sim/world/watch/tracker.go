package watch

import (
	"errors"
	"io"
	"log"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"cubeworld.ai/internal/sim/world/cache"
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

var ErrUnknownObserver = errors.New("unknown observer")

// Cache is the part of the cube cache the tracker drives.
type Cache interface {
	Request(pos coords.CubePos) *cache.Handle
	Release(h *cache.Handle)
	InBounds(pos coords.CubePos) bool
}

// Stability reports whether a cube has no outstanding light work.
type Stability interface {
	Stable(pos coords.CubePos) bool
}

type Kind uint8

const (
	EventWatch Kind = iota
	EventUpdate
	EventUnwatch
)

func (k Kind) String() string {
	switch k {
	case EventWatch:
		return "watch"
	case EventUpdate:
		return "update"
	case EventUnwatch:
		return "unwatch"
	default:
		return "unknown"
	}
}

// Event is handed to the network layer. Payload is nil for unwatch.
type Event struct {
	Kind     Kind
	Observer string
	Pos      coords.CubePos
	Payload  *cube.Snapshot
}

// Sink delivers one event. Returning false means the consumer is full; the
// tracker keeps the event's state unchanged and tries again next tick.
type Sink func(Event) bool

type Config struct {
	HorizontalRadius int
	VerticalRadius   int
	MaxSendsPerTick  int

	// Minimum stage a cube must reach before it is sent. Ignored unless
	// StreamStageSet; the default is StagePopulated.
	StreamStage    cube.Stage
	StreamStageSet bool

	// Per observer send rate in cubes per second; zero means unlimited.
	SendRate  float64
	SendBurst int
}

func (c *Config) applyDefaults() {
	if c.HorizontalRadius < 0 {
		c.HorizontalRadius = 0
	}
	if c.VerticalRadius < 0 {
		c.VerticalRadius = 0
	}
	if !c.StreamStageSet || !c.StreamStage.Valid() {
		c.StreamStage, c.StreamStageSet = cube.StagePopulated, true
	}
	if c.MaxSendsPerTick <= 0 {
		c.MaxSendsPerTick = 64
	}
	if c.SendBurst <= 0 {
		c.SendBurst = max(1, c.MaxSendsPerTick)
	}
}

type entry struct {
	pos         coords.CubePos
	handle      *cache.Handle
	sent        bool
	sentVersion uint64
	distSq      int
}

type observer struct {
	id      string
	pos     mgl64.Vec3
	center  coords.CubePos
	dirty   bool
	entries map[coords.CubePos]*entry
	unwatch []coords.CubePos
	limiter *rate.Limiter
}

type Stats struct {
	Observers int
	Watched   int
	Sent      int
	Emitted   uint64
	Dropped   uint64
}

// Tracker keeps one desired cube set per observer. It is owned by the
// simulation goroutine.
type Tracker struct {
	cfg    Config
	cache  Cache
	light  Stability
	sink   Sink
	logger *log.Logger

	observers map[string]*observer

	emitted, dropped uint64
}

func New(cfg Config, c Cache, light Stability, sink Sink, logger *log.Logger) *Tracker {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Tracker{
		cfg:       cfg,
		cache:     c,
		light:     light,
		sink:      sink,
		logger:    logger,
		observers: map[string]*observer{},
	}
}

func (t *Tracker) Config() Config { return t.cfg }

// SetSink replaces the event consumer.
func (t *Tracker) SetSink(s Sink) { t.sink = s }

func blockOf(p mgl64.Vec3) coords.BlockPos {
	return coords.BlockPos{
		X: int(math.Floor(p.X())),
		Y: int(math.Floor(p.Y())),
		Z: int(math.Floor(p.Z())),
	}
}

// Join starts tracking id at pos. Joining an id that is already tracked moves it.
func (t *Tracker) Join(id string, pos mgl64.Vec3) {
	if o := t.observers[id]; o != nil {
		t.move(o, pos)
		return
	}
	lim := rate.NewLimiter(rate.Inf, t.cfg.SendBurst)
	if t.cfg.SendRate > 0 {
		lim = rate.NewLimiter(rate.Limit(t.cfg.SendRate), t.cfg.SendBurst)
	}
	o := &observer{
		id:      id,
		pos:     pos,
		center:  blockOf(pos).Cube(),
		dirty:   true,
		entries: map[coords.CubePos]*entry{},
		limiter: lim,
	}
	t.observers[id] = o
	t.logger.Printf("observer %s joined at %v", id, o.center)
}

func (t *Tracker) Move(id string, pos mgl64.Vec3) error {
	o := t.observers[id]
	if o == nil {
		return ErrUnknownObserver
	}
	t.move(o, pos)
	return nil
}

func (t *Tracker) move(o *observer, pos mgl64.Vec3) {
	o.pos = pos
	if c := blockOf(pos).Cube(); c != o.center {
		o.center = c
		o.dirty = true
	}
}

// Leave releases every handle the observer holds. No unwatch events are
// emitted since the consumer is gone.
func (t *Tracker) Leave(id string) error {
	o := t.observers[id]
	if o == nil {
		return ErrUnknownObserver
	}
	for _, e := range o.entries {
		t.cache.Release(e.handle)
	}
	delete(t.observers, id)
	t.logger.Printf("observer %s left, released %d cubes", id, len(o.entries))
	return nil
}

func (t *Tracker) desired(o *observer) map[coords.CubePos]int {
	h, v := t.cfg.HorizontalRadius, t.cfg.VerticalRadius
	out := make(map[coords.CubePos]int, (2*h+1)*(2*h+1)*(2*v+1))
	for dy := -v; dy <= v; dy++ {
		for dz := -h; dz <= h; dz++ {
			for dx := -h; dx <= h; dx++ {
				p := o.center.Add(dx, dy, dz)
				if !t.cache.InBounds(p) {
					continue
				}
				out[p] = dx*dx + dy*dy + dz*dz
			}
		}
	}
	return out
}

func (t *Tracker) rebuild(o *observer) {
	want := t.desired(o)
	for _, pos := range sortedKeys(o.entries) {
		if _, ok := want[pos]; ok {
			continue
		}
		e := o.entries[pos]
		t.cache.Release(e.handle)
		delete(o.entries, pos)
		if e.sent {
			o.unwatch = append(o.unwatch, pos)
		}
	}
	for _, pos := range sortedKeys(want) {
		d := want[pos]
		if e := o.entries[pos]; e != nil {
			e.distSq = d
			continue
		}
		// A pending unwatch for a cube that re-entered the set is moot.
		if i := slices.Index(o.unwatch, pos); i >= 0 {
			o.unwatch = slices.Delete(o.unwatch, i, i+1)
		}
		o.entries[pos] = &entry{pos: pos, handle: t.cache.Request(pos), distSq: d}
	}
	o.dirty = false
}

func (t *Tracker) ready(e *entry) (*cube.Cube, bool) {
	if e.handle.Faulted() {
		return nil, false
	}
	c := e.handle.Cube()
	if c == nil || c.Stage() < t.cfg.StreamStage {
		return nil, false
	}
	if t.light != nil && !t.light.Stable(e.pos) {
		return nil, false
	}
	return c, true
}

func (t *Tracker) emit(ev Event) bool {
	if t.sink == nil {
		return true
	}
	if t.sink(ev) {
		t.emitted++
		return true
	}
	t.dropped++
	return false
}

// Tick recomputes the desired sets of observers that crossed a cube
// boundary, then emits unwatch, watch and update events within the per tick
// budget and each observer's rate.
func (t *Tracker) Tick(now time.Time) {
	ids := maps.Keys(t.observers)
	slices.Sort(ids)
	for _, id := range ids {
		if o := t.observers[id]; o.dirty {
			t.rebuild(o)
		}
	}

	budget := t.cfg.MaxSendsPerTick
	for _, id := range ids {
		o := t.observers[id]
		blocked := false

		for len(o.unwatch) > 0 {
			if !t.emit(Event{Kind: EventUnwatch, Observer: id, Pos: o.unwatch[0]}) {
				blocked = true
				break
			}
			o.unwatch = o.unwatch[1:]
		}
		if blocked || budget <= 0 {
			continue
		}

		var pending []*entry
		for _, e := range o.entries {
			c, ok := t.ready(e)
			if !ok {
				continue
			}
			if !e.sent || c.Version() != e.sentVersion {
				pending = append(pending, e)
			}
		}
		slices.SortFunc(pending, func(a, b *entry) bool {
			if a.sent != b.sent {
				return !a.sent
			}
			if a.distSq != b.distSq {
				return a.distSq < b.distSq
			}
			return lessPos(a.pos, b.pos)
		})
		for _, e := range pending {
			if budget <= 0 {
				break
			}
			// A token is only spent on a delivered event.
			r := o.limiter.ReserveN(now, 1)
			if !r.OK() || r.DelayFrom(now) > 0 {
				r.CancelAt(now)
				break
			}
			c := e.handle.Cube()
			kind := EventWatch
			if e.sent {
				kind = EventUpdate
			}
			snap := c.Snapshot()
			if !t.emit(Event{Kind: kind, Observer: id, Pos: e.pos, Payload: snap}) {
				r.CancelAt(now)
				break
			}
			e.sent = true
			e.sentVersion = snap.Version
			budget--
		}
	}
}

// Watching returns the cubes already sent to id, nearest first.
func (t *Tracker) Watching(id string) []coords.CubePos {
	o := t.observers[id]
	if o == nil {
		return nil
	}
	var sent []*entry
	for _, e := range o.entries {
		if e.sent {
			sent = append(sent, e)
		}
	}
	slices.SortFunc(sent, func(a, b *entry) bool {
		if a.distSq != b.distSq {
			return a.distSq < b.distSq
		}
		return lessPos(a.pos, b.pos)
	})
	out := make([]coords.CubePos, len(sent))
	for i, e := range sent {
		out[i] = e.pos
	}
	return out
}

// IsWatched reports whether pos is in id's desired set.
func (t *Tracker) IsWatched(id string, pos coords.CubePos) bool {
	o := t.observers[id]
	return o != nil && o.entries[pos] != nil
}

func (t *Tracker) Observers() []string {
	ids := maps.Keys(t.observers)
	slices.Sort(ids)
	return ids
}

// SpawnCandidates lists cubes sent to some observer that lie within radius
// cubes of it. The outer layer of each view is excluded so spawns never land
// next to unloaded terrain.
func (t *Tracker) SpawnCandidates(radius int) []coords.CubePos {
	set := map[coords.CubePos]struct{}{}
	for _, o := range t.observers {
		r := min(radius, t.cfg.HorizontalRadius-1)
		rv := min(radius, t.cfg.VerticalRadius-1)
		for pos, e := range o.entries {
			if !e.sent || !t.cache.InBounds(pos) {
				continue
			}
			if absInt(pos.X-o.center.X) > r || absInt(pos.Z-o.center.Z) > r || absInt(pos.Y-o.center.Y) > rv {
				continue
			}
			set[pos] = struct{}{}
		}
	}
	out := maps.Keys(set)
	slices.SortFunc(out, lessPos)
	return out
}

func (t *Tracker) Stats() Stats {
	s := Stats{Observers: len(t.observers), Emitted: t.emitted, Dropped: t.dropped}
	for _, o := range t.observers {
		s.Watched += len(o.entries)
		for _, e := range o.entries {
			if e.sent {
				s.Sent++
			}
		}
	}
	return s
}

func lessPos(a, b coords.CubePos) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}

func sortedKeys[V any](m map[coords.CubePos]V) []coords.CubePos {
	keys := maps.Keys(m)
	slices.SortFunc(keys, lessPos)
	return keys
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
