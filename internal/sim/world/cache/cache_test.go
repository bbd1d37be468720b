package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

type props struct{}

func (props) Opacity(v uint16) int {
	if v == 0 {
		return 0
	}
	return 15
}
func (props) Emission(uint16) int { return 0 }

type callKey struct {
	pos   coords.CubePos
	stage cube.Stage
}

type fakeGen struct {
	mu      sync.Mutex
	calls   map[callKey]int
	failAt  map[coords.CubePos]bool
	panicAt map[coords.CubePos]bool
	sawNb   map[callKey]int
}

func newFakeGen() *fakeGen {
	return &fakeGen{
		calls:   map[callKey]int{},
		failAt:  map[coords.CubePos]bool{},
		panicAt: map[coords.CubePos]bool{},
		sawNb:   map[callKey]int{},
	}
}

func (g *fakeGen) GenerateStage(pos coords.CubePos, stage cube.Stage, nb *Neighbourhood) (*Patch, error) {
	g.mu.Lock()
	k := callKey{pos, stage}
	g.calls[k]++
	n := 0
	for dy := -1; dy <= 1; dy++ {
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				if nb.At(dx, dy, dz) != nil {
					n++
				}
			}
		}
	}
	g.sawNb[k] = n
	fail, boom := g.failAt[pos], g.panicAt[pos]
	g.mu.Unlock()

	if boom {
		panic("boom")
	}
	if fail {
		return nil, fmt.Errorf("synthetic failure")
	}
	p := &Patch{}
	if stage == cube.StageEmpty {
		if pos.Y <= 0 {
			for i := 0; i < coords.Volume/2; i++ {
				p.Voxels[i] = 1
			}
		}
		return p, nil
	}
	p.Voxels = nb.Center.Voxels
	p.Voxels[coords.Volume-1] = cube.Voxel(10 + stage)
	return p, nil
}

func (g *fakeGen) count(pos coords.CubePos, stage cube.Stage) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[callKey{pos, stage}]
}

func (g *fakeGen) neighbours(pos coords.CubePos, stage cube.Stage) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sawNb[callKey{pos, stage}]
}

type fakeStore struct {
	mu        sync.Mutex
	data      map[coords.CubePos]*cube.Serialized
	failLoad  bool
	failSave  bool
	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[coords.CubePos]*cube.Serialized{}}
}

func (s *fakeStore) Load(_ context.Context, pos coords.CubePos) (*cube.Serialized, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLoad {
		return nil, false, errors.New("disk on fire")
	}
	d, ok := s.data[pos]
	return d, ok, nil
}

func (s *fakeStore) Save(_ context.Context, pos coords.CubePos, d *cube.Serialized) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.failSave {
		return errors.New("disk full")
	}
	s.data[pos] = d
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) has(pos coords.CubePos) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[pos]
	return ok
}

type recorder struct {
	installed, changed, unloaded int
}

func (r *recorder) CubeInstalled(*cube.Cube) { r.installed++ }
func (r *recorder) CubeChanged(*cube.Cube)   { r.changed++ }
func (r *recorder) CubeUnloading(*cube.Cube) { r.unloaded++ }

func newTestCache(t *testing.T, cfg Config, store Store, gen Generator) (*Cache, *recorder) {
	t.Helper()
	rec := &recorder{}
	if cfg.GCIntervalTicks == 0 {
		cfg.GCIntervalTicks = 1 << 30
	}
	c := New(cfg, Deps{Store: store, Generator: gen, Props: props{}, Listener: rec})
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func waitFor(t *testing.T, c *Cache, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s (stats %+v)", what, c.Stats())
		}
		c.Step()
		time.Sleep(time.Millisecond)
	}
}

// settle steps until nothing is queued or in flight.
func settle(t *testing.T, c *Cache) {
	t.Helper()
	waitFor(t, c, "pipeline idle", func() bool {
		s := c.Stats()
		return s.Pending == 0 && s.InFlight == 0
	})
}

func TestRequest_GeneratesToTarget(t *testing.T) {
	gen := newFakeGen()
	c, rec := newTestCache(t, Config{Workers: 4, TargetStage: cube.StagePopulated}, nil, gen)
	origin := coords.CubePos{}
	h := c.Request(origin)
	if _, ok := h.Stage(); ok {
		t.Fatalf("request must not install synchronously")
	}
	waitFor(t, c, "origin populated", func() bool { return h.Ready(cube.StagePopulated) })

	if got := gen.neighbours(origin, cube.StagePopulated); got != 27 {
		t.Fatalf("populate saw %d cubes, want 27", got)
	}
	for _, n := range coords.Neighbours26(origin) {
		s, ok := c.entries[n].stage()
		if !ok || s < cube.StageStructureReferences {
			t.Fatalf("neighbour %v at %v,%v", n, s, ok)
		}
	}
	if h.Partial() || h.Faulted() {
		t.Fatalf("unexpected partial=%v faulted=%v", h.Partial(), h.Faulted())
	}
	if c.entries[origin].deps != nil {
		t.Fatalf("dependency retains should be released once target is reached")
	}
	if rec.installed == 0 || rec.changed == 0 {
		t.Fatalf("listener not called: %+v", rec)
	}
	if v, _ := h.Cube().Voxel(15, 15, 15); v != 10+cube.Voxel(cube.StagePopulated) {
		t.Fatalf("populate patch not applied: %d", v)
	}
	if h.Cube().Tier() != cube.TierPopulated {
		t.Fatalf("tier=%v", h.Cube().Tier())
	}
}

func TestRetainRelease_BalancedBecomesEligible(t *testing.T) {
	c, _ := newTestCache(t, Config{Workers: 2, TargetStage: cube.StageEmpty, TargetStageSet: true}, nil, newFakeGen())
	pos := coords.CubePos{X: 3, Y: -1, Z: 9}
	var hs []*Handle
	for i := 0; i < 5; i++ {
		hs = append(hs, c.Request(pos))
	}
	settle(t, c)
	for i, h := range hs {
		if c.EvictionEligible(pos) {
			t.Fatalf("eligible with %d handles outstanding", len(hs)-i)
		}
		c.Release(h)
	}
	c.Release(hs[0])
	if !c.EvictionEligible(pos) {
		t.Fatalf("expected eviction eligibility after balanced release")
	}
	if c.entries[pos].retain != 0 {
		t.Fatalf("retain=%d", c.entries[pos].retain)
	}
}

func TestRerequestBeforeSweep_ReturnsSameInstance(t *testing.T) {
	gen := newFakeGen()
	c, _ := newTestCache(t, Config{Workers: 2, TargetStage: cube.StagePopulated, GCIntervalTicks: 1000, EvictAfterTicks: 1}, nil, gen)
	pos := coords.CubePos{}
	h := c.Request(pos)
	waitFor(t, c, "populated", func() bool { return h.Ready(cube.StagePopulated) })
	first := h.Cube()
	c.Release(h)

	h2 := c.Request(pos)
	if h2.Cube() != first {
		t.Fatalf("re-request returned a different instance")
	}
	settle(t, c)
	if gen.count(pos, cube.StageEmpty) != 1 {
		t.Fatalf("regenerated from empty: %d calls", gen.count(pos, cube.StageEmpty))
	}
	if s, _ := h2.Stage(); s != cube.StagePopulated {
		t.Fatalf("stage=%v", s)
	}
}

func TestSweep_EvictsAfterZeroRetainWindow(t *testing.T) {
	c, rec := newTestCache(t, Config{Workers: 2, TargetStage: cube.StageEmpty, TargetStageSet: true, GCIntervalTicks: 1, EvictAfterTicks: 3}, nil, newFakeGen())
	pos := coords.CubePos{X: 1}
	h := c.Request(pos)
	waitFor(t, c, "installed", func() bool { return h.Ready(cube.StageEmpty) })
	c.Release(h)
	c.Step()
	if c.Lookup(pos) == nil {
		t.Fatalf("evicted before window elapsed")
	}
	for i := 0; i < 3; i++ {
		c.Step()
	}
	if c.Lookup(pos) != nil || rec.unloaded != 1 {
		t.Fatalf("not evicted: unloaded=%d", rec.unloaded)
	}
	if c.Stats().Evicted != 1 {
		t.Fatalf("stats=%+v", c.Stats())
	}
}

func TestCancellation_DropsUnstartedWork(t *testing.T) {
	gen := newFakeGen()
	c, _ := newTestCache(t, Config{Workers: 1, TargetStage: cube.StageEmpty, TargetStageSet: true}, nil, gen)
	pos := coords.CubePos{Y: 4}
	h := c.Request(pos)
	c.Release(h)
	c.Step()
	c.Step()
	if gen.count(pos, cube.StageEmpty) != 0 {
		t.Fatalf("cancelled request still generated")
	}
	if c.Stats().Pending != 0 {
		t.Fatalf("work list not emptied: %+v", c.Stats())
	}
}

func TestInFlightWork_CompletesAfterRelease(t *testing.T) {
	gen := newFakeGen()
	c, _ := newTestCache(t, Config{Workers: 1, TargetStage: cube.StageEmpty, TargetStageSet: true}, nil, gen)
	pos := coords.CubePos{Y: 2}
	h := c.Request(pos)
	c.Step() // dispatch
	c.Release(h)
	waitFor(t, c, "in-flight result installed", func() bool { return c.Lookup(pos) != nil })
}

func TestGenerationFailure_FaultsAfterRetries(t *testing.T) {
	gen := newFakeGen()
	bad := coords.CubePos{X: 1}
	gen.failAt[bad] = true
	c, _ := newTestCache(t, Config{Workers: 2, TargetStage: cube.StagePopulated, MaxRetries: 2}, nil, gen)

	hb := c.RequestStage(bad, cube.StageEmpty)
	waitFor(t, c, "fault", hb.Faulted)
	if gen.count(bad, cube.StageEmpty) != 3 {
		t.Fatalf("attempts=%d want 3", gen.count(bad, cube.StageEmpty))
	}
	var ge *GenerationError
	if !errors.As(hb.Err(), &ge) || ge.Pos != bad || ge.Stage != cube.StageEmpty {
		t.Fatalf("err=%v", hb.Err())
	}

	h := c.Request(coords.CubePos{})
	waitFor(t, c, "origin populated around a faulted neighbour", func() bool { return h.Ready(cube.StagePopulated) })
	if !h.Partial() {
		t.Fatalf("expected partial generation next to a faulted cube")
	}
	if c.Stats().Faulted != 1 {
		t.Fatalf("stats=%+v", c.Stats())
	}
}

func TestGeneratorPanic_IsAFailure(t *testing.T) {
	gen := newFakeGen()
	pos := coords.CubePos{Z: 7}
	gen.panicAt[pos] = true
	c, _ := newTestCache(t, Config{Workers: 1, TargetStage: cube.StageEmpty, TargetStageSet: true, MaxRetries: 0}, nil, gen)
	h := c.Request(pos)
	waitFor(t, c, "fault", h.Faulted)
	if h.Cube() != nil {
		t.Fatalf("faulted cube should stay uninstalled")
	}
}

func TestLoad_ResumesFromStoredStage(t *testing.T) {
	gen := newFakeGen()
	store := newFakeStore()
	pos := coords.CubePos{Y: 5}
	stored := cube.New(pos, props{})
	_, _ = stored.SetVoxel(1, 1, 1, 7)
	_ = stored.AdvanceStage(cube.StageStructureReferences)
	store.data[pos] = stored.Serialize()

	c, _ := newTestCache(t, Config{Workers: 2, TargetStage: cube.StageStructureReferences, TargetStageSet: true}, store, gen)
	h := c.Request(pos)
	waitFor(t, c, "loaded", func() bool { return h.Ready(cube.StageStructureReferences) })
	if gen.count(pos, cube.StageEmpty) != 0 || gen.count(pos, cube.StageStructureReferences) != 0 {
		t.Fatalf("stored cube was regenerated")
	}
	if v, _ := h.Cube().Voxel(1, 1, 1); v != 7 || h.Cube().Tier() != cube.TierLoaded {
		t.Fatalf("loaded content wrong: voxel=%d tier=%v", v, h.Cube().Tier())
	}
	if c.Stats().Loaded != 1 {
		t.Fatalf("stats=%+v", c.Stats())
	}
}

func TestLoadFailure_FallsBackToGeneration(t *testing.T) {
	gen := newFakeGen()
	store := newFakeStore()
	store.failLoad = true
	c, _ := newTestCache(t, Config{Workers: 2, TargetStage: cube.StageEmpty, TargetStageSet: true}, store, gen)
	pos := coords.CubePos{X: -4}
	h := c.Request(pos)
	waitFor(t, c, "generated", func() bool { return h.Ready(cube.StageEmpty) })
	if gen.count(pos, cube.StageEmpty) != 1 {
		t.Fatalf("expected a fresh generation")
	}
}

func TestEviction_SavesAdvancedCubes(t *testing.T) {
	store := newFakeStore()
	cfg := Config{Workers: 2, TargetStage: cube.StageStructureReferences, TargetStageSet: true, GCIntervalTicks: 1, EvictAfterTicks: 1, MinCubeY: 0, MaxCubeY: 1, BorderR: 1}
	c, _ := newTestCache(t, cfg, store, newFakeGen())
	pos := coords.CubePos{}
	h := c.Request(pos)
	waitFor(t, c, "advanced", func() bool { return h.Ready(cube.StageStructureReferences) })
	c.Release(h)
	waitFor(t, c, "evicted", func() bool { return c.Lookup(pos) == nil })
	if !store.has(pos) {
		t.Fatalf("advanced cube was not saved")
	}
	if store.has(coords.CubePos{X: 1}) {
		t.Fatalf("untouched empty-stage neighbour should not be saved")
	}
}

func TestEviction_DropsAfterSaveRetries(t *testing.T) {
	store := newFakeStore()
	store.failSave = true
	cfg := Config{Workers: 1, TargetStage: cube.StageEmpty, TargetStageSet: true, GCIntervalTicks: 1, EvictAfterTicks: 0, MaxSaveRetries: 2}
	c, _ := newTestCache(t, cfg, store, newFakeGen())
	pos := coords.CubePos{Y: -1}
	h := c.Request(pos)
	waitFor(t, c, "installed", func() bool { return h.Ready(cube.StageEmpty) })
	if _, err := h.Cube().SetVoxel(0, 15, 0, 3); err != nil {
		t.Fatalf("SetVoxel: %v", err)
	}
	c.Release(h)
	waitFor(t, c, "dropped", func() bool { return c.Lookup(pos) == nil })
	if store.saveCalls != 3 {
		t.Fatalf("save attempts=%d want 3", store.saveCalls)
	}
	if c.Stats().DataLoss != 1 {
		t.Fatalf("stats=%+v", c.Stats())
	}
}

func TestBorder_FallsBackToPartial(t *testing.T) {
	cfg := Config{Workers: 2, TargetStage: cube.StagePopulated, MinCubeY: 0, MaxCubeY: 1, BorderR: 1}
	c, _ := newTestCache(t, cfg, nil, newFakeGen())
	edge := coords.CubePos{X: 1}
	h := c.Request(edge)
	waitFor(t, c, "edge populated", func() bool { return h.Ready(cube.StagePopulated) })
	if !h.Partial() || !h.Cube().Partial() {
		t.Fatalf("edge cube should be partial")
	}
	if c.Lookup(coords.CubePos{X: 2}) != nil {
		t.Fatalf("cube outside the border was generated")
	}
}

func TestDepthCap_FallsBackToPartial(t *testing.T) {
	gen := newFakeGen()
	cfg := Config{Workers: 2, TargetStage: cube.StagePopulated, MaxDependencyDepth: 1}
	c, _ := newTestCache(t, cfg, nil, gen)
	h := c.Request(coords.CubePos{})
	waitFor(t, c, "populated", func() bool { return h.Ready(cube.StagePopulated) })
	n := c.entries[coords.CubePos{X: 1}]
	if n == nil || !n.partial {
		t.Fatalf("neighbour at the depth cap should advance partially")
	}
	if c.entries[coords.CubePos{X: 2}] != nil {
		t.Fatalf("cubes beyond the depth cap should not be requested")
	}
}

func TestInstallExternal(t *testing.T) {
	c, rec := newTestCache(t, Config{Workers: 1}, nil, nil)
	src := cube.New(coords.CubePos{X: 9}, props{})
	_, _ = src.SetVoxel(2, 2, 2, 4)
	_ = src.AdvanceStage(cube.StagePopulated)
	h, err := c.InstallExternal(src.Serialize())
	if err != nil {
		t.Fatalf("InstallExternal: %v", err)
	}
	if !h.Ready(cube.StagePopulated) || rec.installed != 1 {
		t.Fatalf("not installed")
	}
	c.Step()
	if c.Stats().InFlight != 0 {
		t.Fatalf("client cache should not schedule work")
	}
}

func TestClose_FlushesDirtyCubes(t *testing.T) {
	store := newFakeStore()
	c := New(Config{Workers: 1, TargetStage: cube.StageEmpty, TargetStageSet: true}, Deps{Store: store, Generator: newFakeGen(), Props: props{}})
	pos := coords.CubePos{Y: 1}
	h := c.Request(pos)
	waitFor(t, c, "installed", func() bool { return h.Ready(cube.StageEmpty) })
	_, _ = h.Cube().SetVoxel(0, 0, 0, 2)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !store.has(pos) {
		t.Fatalf("modified cube not flushed")
	}
}

func TestCheckpoint_SavesRetainedChanges(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestCache(t, Config{Workers: 1, TargetStage: cube.StageEmpty, TargetStageSet: true}, store, newFakeGen())
	pos := coords.CubePos{Z: 2}
	h := c.Request(pos)
	waitFor(t, c, "installed", func() bool { return h.Ready(cube.StageEmpty) })
	settle(t, c)
	if n := c.Checkpoint(); n != 0 {
		t.Fatalf("unmodified empty cubes should not be checkpointed, got %d", n)
	}
	_, _ = h.Cube().SetVoxel(1, 1, 1, 5)
	if n := c.Checkpoint(); n != 1 {
		t.Fatalf("dispatched %d saves", n)
	}
	waitFor(t, c, "saved", func() bool { return store.has(pos) })
	settle(t, c)
	if c.Lookup(pos) == nil {
		t.Fatalf("checkpoint must not evict")
	}
	if n := c.Checkpoint(); n != 0 {
		t.Fatalf("clean cube checkpointed again: %d", n)
	}
}

// heldGen blocks the first computation of one (pos, stage) until released.
type heldGen struct {
	*fakeGen
	hold     callKey
	started  atomic.Bool
	release  chan struct{}
	once     sync.Once
	blockOne sync.Once
}

func (g *heldGen) GenerateStage(pos coords.CubePos, stage cube.Stage, nb *Neighbourhood) (*Patch, error) {
	if (callKey{pos, stage}) == g.hold {
		g.blockOne.Do(func() {
			g.started.Store(true)
			<-g.release
		})
	}
	return g.fakeGen.GenerateStage(pos, stage, nb)
}

func (g *heldGen) unblock() { g.once.Do(func() { close(g.release) }) }

func TestEditDuringStage_IsNotOverwritten(t *testing.T) {
	origin := coords.CubePos{}
	gen := &heldGen{
		fakeGen: newFakeGen(),
		hold:    callKey{origin, cube.StageStructureReferences},
		release: make(chan struct{}),
	}
	c, _ := newTestCache(t, Config{Workers: 4, TargetStage: cube.StageStructureReferences, TargetStageSet: true}, nil, gen)
	t.Cleanup(gen.unblock)

	h := c.Request(origin)
	waitFor(t, c, "stage task in flight", func() bool { return gen.started.Load() && h.Ready(cube.StageEmpty) })
	if !h.Cube().IOInFlight() {
		t.Fatalf("expected the stage task to be in flight")
	}
	if _, err := h.Cube().SetVoxel(1, 1, 1, 5); err != nil {
		t.Fatalf("SetVoxel: %v", err)
	}
	gen.unblock()
	waitFor(t, c, "origin at structure references", func() bool { return h.Ready(cube.StageStructureReferences) })

	if v, _ := h.Cube().Voxel(1, 1, 1); v != 5 {
		t.Fatalf("edit lost: voxel=%d", v)
	}
	if v, _ := h.Cube().Voxel(15, 15, 15); v != 10+cube.Voxel(cube.StageStructureReferences) {
		t.Fatalf("stage patch not applied: %d", v)
	}
	if c.Stats().Stale == 0 {
		t.Fatalf("stale result not counted: %+v", c.Stats())
	}
	if n := gen.count(origin, cube.StageStructureReferences); n < 2 {
		t.Fatalf("stage computed %d times, want a rerun", n)
	}
}

func TestZeroConfig_TargetsPopulated(t *testing.T) {
	c, _ := newTestCache(t, Config{}, nil, newFakeGen())
	if got := c.Config().TargetStage; got != cube.StagePopulated {
		t.Fatalf("default target %v", got)
	}
	h := c.Request(coords.CubePos{})
	waitFor(t, c, "origin populated", func() bool { return h.Ready(cube.StagePopulated) })

	c2, _ := newTestCache(t, Config{TargetStage: cube.StageEmpty, TargetStageSet: true}, nil, newFakeGen())
	if got := c2.Config().TargetStage; got != cube.StageEmpty {
		t.Fatalf("explicit target %v", got)
	}
}

func TestRequestOutOfBounds_FailsFast(t *testing.T) {
	gen := newFakeGen()
	c, _ := newTestCache(t, Config{Workers: 1, MinCubeY: 0, MaxCubeY: 1, BorderR: 1}, nil, gen)
	for _, pos := range []coords.CubePos{{Y: 2}, {Y: -1}, {X: 2}, {Z: -2}} {
		h := c.Request(pos)
		if !h.Faulted() || !errors.Is(h.Err(), ErrOutOfBounds) {
			t.Fatalf("%v: faulted=%v err=%v", pos, h.Faulted(), h.Err())
		}
		c.Release(h)
	}
	c.Step()
	c.Step()
	if s := c.Stats(); s.Entries != 0 || s.Pending != 0 || s.InFlight != 0 {
		t.Fatalf("out-of-bounds requests created work: %+v", s)
	}
	if n := gen.count(coords.CubePos{Y: 2}, cube.StageEmpty); n != 0 {
		t.Fatalf("generated out-of-bounds cube %d times", n)
	}
}
