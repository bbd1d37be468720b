package world

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"cubeworld.ai/internal/persistence/cubestore"
	"cubeworld.ai/internal/sim/blocks"
	"cubeworld.ai/internal/sim/tuning"
	"cubeworld.ai/internal/sim/world/cache"
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
	"cubeworld.ai/internal/sim/world/terrain/gen"
	"cubeworld.ai/internal/sim/world/watch"
)

// flatGen fills every cube below y=0 with stone and leaves the rest empty.
type flatGen struct{ stone cube.Voxel }

func (g flatGen) GenerateStage(pos coords.CubePos, stage cube.Stage, nb *cache.Neighbourhood) (*cache.Patch, error) {
	p := &cache.Patch{}
	if stage != cube.StageEmpty {
		p.Voxels = nb.Center.Voxels
		return p, nil
	}
	if pos.Y < 0 {
		for i := range p.Voxels {
			p.Voxels[i] = g.stone
		}
	}
	return p, nil
}

type auditRecorder struct{ entries []AuditEntry }

func (a *auditRecorder) WriteAudit(e AuditEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

func testConfig() Config {
	return Config{
		TickRateHz:  20,
		LightBudget: 1 << 20,
		MinY:        -64,
		Cache: cache.Config{
			Workers:         4,
			TargetStage:     cube.StagePopulated,
			MinCubeY:        -4,
			MaxCubeY:        3,
			GCIntervalTicks: 1 << 30,
		},
		Watch: watch.Config{
			HorizontalRadius: 1,
			VerticalRadius:   1,
			StreamStage:      cube.StagePopulated,
			MaxSendsPerTick:  64,
		},
	}
}

func newFlatServer(t *testing.T, cfg Config, deps Deps) *World {
	t.Helper()
	deps.Blocks = blocks.Default()
	if deps.Generator == nil {
		deps.Generator = flatGen{stone: deps.Blocks.ID("STONE")}
	}
	w, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func stepUntil(t *testing.T, w *World, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s (metrics %+v)", what, w.Metrics())
		}
		w.StepOnce()
		time.Sleep(time.Millisecond)
	}
}

func drain(out chan watch.Event) []watch.Event {
	var evs []watch.Event
	for {
		select {
		case ev, ok := <-out:
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func joinAtOrigin(t *testing.T, w *World, id string) chan watch.Event {
	t.Helper()
	out := make(chan watch.Event, 1024)
	w.handleObserverJoin(ObserverJoinRequest{ID: id, Pos: mgl64.Vec3{8, 8, 8}, Out: out})
	stepUntil(t, w, "view streamed", func() bool { return len(w.Watching(id)) == 27 })
	return out
}

func TestNew_SideChecks(t *testing.T) {
	if _, err := New(Config{Side: SideServer}, Deps{}); err == nil {
		t.Fatalf("server without generator should fail")
	}
	if _, err := New(Config{Side: SideClient}, Deps{Generator: flatGen{}}); err == nil {
		t.Fatalf("client with generator should fail")
	}
	if _, err := ParseSide("both"); err == nil {
		t.Fatalf("expected side error")
	}
	if s, err := ParseSide("Client"); err != nil || s != SideClient {
		t.Fatalf("ParseSide=%v,%v", s, err)
	}
}

func TestServer_StreamsViewToObserver(t *testing.T) {
	w := newFlatServer(t, testConfig(), Deps{})
	out := joinAtOrigin(t, w, "p1")

	seen := map[coords.CubePos]bool{}
	for _, ev := range drain(out) {
		if ev.Kind != watch.EventWatch {
			continue
		}
		if ev.Payload == nil || ev.Payload.Pos != ev.Pos {
			t.Fatalf("bad payload for %v", ev.Pos)
		}
		if seen[ev.Pos] {
			t.Fatalf("%v watched twice", ev.Pos)
		}
		if absInt(ev.Pos.X) > 1 || absInt(ev.Pos.Y) > 1 || absInt(ev.Pos.Z) > 1 {
			t.Fatalf("%v is outside the view", ev.Pos)
		}
		seen[ev.Pos] = true
	}
	if len(seen) != 27 {
		t.Fatalf("watched %d cubes, want 27", len(seen))
	}
	if !w.IsCubeFullyLoaded(coords.CubePos{}) {
		t.Fatalf("origin should be fully loaded")
	}
	if m := w.Metrics(); m.Watch.Observers != 1 || m.Watch.Sent != 27 || m.Cache.Resident < 27 {
		t.Fatalf("metrics %+v", m)
	}
}

func TestSetVoxel_UpdatesHeightLightAndObservers(t *testing.T) {
	audit := &auditRecorder{}
	w := newFlatServer(t, testConfig(), Deps{Audit: audit})
	out := joinAtOrigin(t, w, "p1")
	drain(out)
	stepUntil(t, w, "light idle", w.light.Idle)

	if h := w.HeightAt(3, 3); h != -1 {
		t.Fatalf("height before edit %d", h)
	}
	if l := w.Light(coords.BlockPos{X: 3, Y: 4, Z: 3}, cube.Sky); l != 15 {
		t.Fatalf("sky light before edit %d", l)
	}

	stone := w.Blocks().ID("STONE")
	prev, err := w.SetVoxel("tester", coords.BlockPos{X: 3, Y: 5, Z: 3}, stone, "test")
	if err != nil || prev != cube.Air {
		t.Fatalf("SetVoxel prev=%d err=%v", prev, err)
	}
	if h := w.HeightAt(3, 3); h != 5 {
		t.Fatalf("height after edit %d", h)
	}
	if v, ok := w.Voxel(coords.BlockPos{X: 3, Y: 5, Z: 3}); !ok || v != stone {
		t.Fatalf("voxel %d ok=%v", v, ok)
	}

	var update *watch.Event
	stepUntil(t, w, "update for origin", func() bool {
		for _, ev := range drain(out) {
			if ev.Kind == watch.EventUpdate && ev.Pos == (coords.CubePos{}) && ev.Payload.At(3, 5, 3) == stone {
				ev := ev
				update = &ev
			}
		}
		return update != nil && w.light.Idle()
	})
	if l := w.Light(coords.BlockPos{X: 3, Y: 4, Z: 3}, cube.Sky); l != 14 {
		t.Fatalf("sky light under new block %d, want 14", l)
	}
	if l := w.Light(coords.BlockPos{X: 3, Y: 6, Z: 3}, cube.Sky); l != 15 {
		t.Fatalf("sky light above new block %d", l)
	}

	if len(audit.entries) != 1 {
		t.Fatalf("audit entries %d", len(audit.entries))
	}
	if e := audit.entries[0]; e.Action != "SET_VOXEL" || e.Actor != "tester" || e.To != stone || e.Pos != [3]int{3, 5, 3} {
		t.Fatalf("audit %+v", e)
	}

	// A no-op edit is not audited.
	if _, err := w.SetVoxel("tester", coords.BlockPos{X: 3, Y: 5, Z: 3}, stone, ""); err != nil || len(audit.entries) != 1 {
		t.Fatalf("no-op edit err=%v audits=%d", err, len(audit.entries))
	}
}

func TestSetVoxel_Errors(t *testing.T) {
	w := newFlatServer(t, testConfig(), Deps{})
	joinAtOrigin(t, w, "p1")

	if _, err := w.SetVoxel("t", coords.BlockPos{X: 1000}, 1, ""); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("unloaded: %v", err)
	}
	if _, err := w.SetVoxel("t", coords.BlockPos{Y: 1 << 12}, 1, ""); !errors.Is(err, cube.ErrOutOfBounds) {
		t.Fatalf("out of bounds: %v", err)
	}
	if _, err := w.SetVoxel("t", coords.BlockPos{X: 1}, 9999, ""); !errors.Is(err, ErrUnknownBlock) {
		t.Fatalf("unknown block: %v", err)
	}
	if err := w.InstallCube(&cube.Serialized{}); !errors.Is(err, ErrWrongSide) {
		t.Fatalf("install on server: %v", err)
	}
}

func TestTestForCubes(t *testing.T) {
	w := newFlatServer(t, testConfig(), Deps{})
	joinAtOrigin(t, w, "p1")

	if !w.TestForCubes(coords.CubePos{X: -1, Y: -1, Z: -1}, coords.CubePos{X: 1, Y: 1, Z: 1}, nil) {
		t.Fatalf("view box should be resident")
	}
	if w.TestForCubes(coords.CubePos{}, coords.CubePos{X: 10}, nil) {
		t.Fatalf("far cubes are not resident")
	}
	atLeastPopulated := func(c *cube.Cube) bool { return c.Stage() >= cube.StagePopulated }
	if !w.TestForCubes(coords.CubePos{Y: 1}, coords.CubePos{X: 1, Y: 0, Z: 1}, atLeastPopulated) {
		t.Fatalf("predicate should pass inside the view")
	}
	if w.TestForCubes(coords.CubePos{}, coords.CubePos{}, func(*cube.Cube) bool { return false }) {
		t.Fatalf("failing predicate must fail the box")
	}
	if !w.IsColumnLoaded(-5, 20) || w.IsColumnLoaded(16*40, 0) {
		t.Fatalf("column residency wrong")
	}

	if !w.TestForBlocks(coords.BlockPos{X: -16, Y: -16, Z: -16}, coords.BlockPos{X: 31, Y: 31, Z: 31}, nil) {
		t.Fatalf("block box inside the view should be resident")
	}
	if w.TestForBlocks(coords.BlockPos{}, coords.BlockPos{X: 32}, nil) {
		t.Fatalf("block box reaching cube x=2 is not resident")
	}
	if !w.TestForCubesAround(coords.BlockPos{X: 8, Y: 8, Z: 8}, 23, nil) {
		t.Fatalf("radius 23 around the origin centre stays in the view")
	}
	if w.TestForCubesAround(coords.BlockPos{X: 8, Y: 8, Z: 8}, 24, nil) {
		t.Fatalf("radius 24 reaches cube 2")
	}

	if h := w.EffectiveHeight(3, 3); h != 0 {
		t.Fatalf("effective height over flat ground %d, want 0", h)
	}
	if h := w.EffectiveHeight(16*40, 0); h != w.cfg.MinY {
		t.Fatalf("unloaded column effective height %d", h)
	}
}

func TestSpawnCandidates(t *testing.T) {
	cfg := testConfig()
	cfg.Watch.HorizontalRadius = 2
	w := newFlatServer(t, cfg, Deps{})
	out := make(chan watch.Event, 1024)
	w.handleObserverJoin(ObserverJoinRequest{ID: "p1", Pos: mgl64.Vec3{8, 8, 8}, Out: out})
	stepUntil(t, w, "view streamed", func() bool { return len(w.Watching("p1")) == 75 })

	got := w.SpawnCandidates(8)
	if len(got) != 9 {
		t.Fatalf("candidates %d, want 9", len(got))
	}
	for _, p := range got {
		if p.Y != 0 || absInt(p.X) > 1 || absInt(p.Z) > 1 {
			t.Fatalf("edge cube %v offered for spawning", p)
		}
	}
}

func TestObserverLeave_ClosesOutAndReleases(t *testing.T) {
	w := newFlatServer(t, testConfig(), Deps{})
	out := joinAtOrigin(t, w, "p1")
	w.handleObserverLeave("p1")

	deadline := time.After(time.Second)
	for closed := false; !closed; {
		select {
		case _, ok := <-out:
			closed = !ok
		case <-deadline:
			t.Fatalf("observer channel not closed")
		}
	}
	stepUntil(t, w, "handles released", func() bool {
		return w.cache.EvictionEligible(coords.CubePos{}) && w.cache.EvictionEligible(coords.CubePos{X: 1, Y: 1, Z: 1})
	})
	if len(w.Watching("p1")) != 0 {
		t.Fatalf("left observer still watching")
	}
}

func TestClientSide_InstallAndUnload(t *testing.T) {
	reg := blocks.Default()
	cfg := Config{Side: SideClient, MinY: -64, Cache: cache.Config{MinCubeY: -4, MaxCubeY: 3}}
	w, err := New(cfg, Deps{Blocks: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	stone := reg.ID("STONE")
	s := &cube.Serialized{Pos: coords.CubePos{}, Stage: cube.StagePopulated, Tier: cube.TierLoaded}
	for lz := 0; lz < coords.Edge; lz++ {
		for lx := 0; lx < coords.Edge; lx++ {
			s.Voxels[coords.LocalIndex(lx, 0, lz)] = stone
		}
	}
	if err := w.InstallCube(s); err != nil {
		t.Fatalf("InstallCube: %v", err)
	}
	if v, ok := w.Voxel(coords.BlockPos{X: 1, Z: 1}); !ok || v != stone {
		t.Fatalf("voxel %d ok=%v", v, ok)
	}
	if h := w.HeightAt(1, 1); h != 0 {
		t.Fatalf("height %d", h)
	}
	for i := 0; !w.light.Idle(); i++ {
		if i > 1000 {
			t.Fatalf("light did not settle")
		}
		w.StepOnce()
	}
	if l := w.Light(coords.BlockPos{X: 1, Y: 1, Z: 1}, cube.Sky); l != 15 {
		t.Fatalf("sky above floor %d", l)
	}
	if l := w.Light(coords.BlockPos{X: 1, Y: 0, Z: 1}, cube.Sky); l != 0 {
		t.Fatalf("sky inside floor %d", l)
	}
	if !w.IsCubeFullyLoaded(coords.CubePos{}) {
		t.Fatalf("installed cube should count as fully loaded")
	}

	out := make(chan watch.Event, 1)
	w.handleObserverJoin(ObserverJoinRequest{ID: "p", Out: out})
	if _, ok := <-out; ok {
		t.Fatalf("client must refuse observers")
	}

	w.UnloadCube(coords.CubePos{})
	w.cache.Sweep()
	if _, ok := w.Voxel(coords.BlockPos{}); ok || w.IsColumnLoaded(0, 0) {
		t.Fatalf("cube still resident after unload")
	}
}

func fillLeaveQueue(w *World) {
	for i := 0; i < cap(w.observerLeave); i++ {
		w.observerLeave <- fmt.Sprintf("ghost-%d", i)
	}
}

func TestRequestObserverLeave_WaitsOutFullQueue(t *testing.T) {
	w := newFlatServer(t, testConfig(), Deps{})
	out := joinAtOrigin(t, w, "p1")
	stepUntil(t, w, "origin sent", func() bool { return len(w.Watching("p1")) > 0 })
	fillLeaveQueue(w)

	left := make(chan error, 1)
	go func() { left <- w.RequestObserverLeave(context.Background(), "p1") }()
	select {
	case err := <-left:
		t.Fatalf("leave returned while the queue was full: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	if err := <-left; err != nil {
		t.Fatalf("leave: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for closed := false; !closed; {
		select {
		case _, ok := <-out:
			closed = !ok
		case <-deadline:
			t.Fatalf("observer channel not closed")
		}
	}
	cancel()
	<-done

	if len(w.Watching("p1")) != 0 {
		t.Fatalf("left observer still watching")
	}
	stepUntil(t, w, "origin released", func() bool { return w.cache.EvictionEligible(coords.CubePos{}) })
}

func TestRequestObserverLeave_TimesOutThenStoppedWorld(t *testing.T) {
	w := newFlatServer(t, testConfig(), Deps{})
	fillLeaveQueue(w)

	tctx, tcancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer tcancel()
	if err := w.RequestObserverLeave(tctx, "p1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("leave on a full queue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = w.Run(ctx)
	select {
	case <-w.Done():
	default:
		t.Fatalf("Done not closed after Run returned")
	}
	if err := w.RequestObserverLeave(context.Background(), "p1"); err != nil {
		t.Fatalf("leave after stop: %v", err)
	}
}

func TestRun_ServesRequests(t *testing.T) {
	cfg := testConfig()
	cfg.TickRateHz = 200
	w := newFlatServer(t, cfg, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	out := make(chan watch.Event, 1024)
	w.ObserverJoin() <- ObserverJoinRequest{ID: "p1", Pos: mgl64.Vec3{8, 8, 8}, Out: out}
	timeout := time.After(10 * time.Second)
	for got := false; !got; {
		select {
		case ev := <-out:
			got = ev.Kind == watch.EventWatch && ev.Pos == (coords.CubePos{})
		case <-timeout:
			t.Fatalf("no watch for origin")
		}
	}
	w.ObserverMove() <- ObserverMoveRequest{ID: "p1", Pos: mgl64.Vec3{9, 8, 8}}

	stone := w.Blocks().ID("STONE")
	rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel()
	prev, err := w.RequestSetVoxel(rctx, "tester", coords.BlockPos{X: 1, Y: 2, Z: 3}, stone, "")
	if err != nil || prev != cube.Air {
		t.Fatalf("RequestSetVoxel prev=%d err=%v", prev, err)
	}
	if err := w.RequestInstallCube(rctx, &cube.Serialized{}); !errors.Is(err, ErrWrongSide) {
		t.Fatalf("RequestInstallCube: %v", err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if w.Metrics().Tick == 0 {
		t.Fatalf("no ticks recorded")
	}
}

func TestAutosave_CheckpointsEditedCubes(t *testing.T) {
	store := cubestore.NewMemory()
	cfg := testConfig()
	cfg.AutosaveEveryTicks = 5
	w := newFlatServer(t, cfg, Deps{Store: store})
	joinAtOrigin(t, w, "p1")

	stone := w.Blocks().ID("STONE")
	if _, err := w.SetVoxel("tester", coords.BlockPos{X: 1, Y: 2, Z: 3}, stone, ""); err != nil {
		t.Fatalf("SetVoxel: %v", err)
	}
	ctx := context.Background()
	stepUntil(t, w, "edit saved", func() bool {
		s, ok, err := store.Load(ctx, coords.CubePos{})
		return err == nil && ok && s.Voxels[coords.LocalIndex(1, 2, 3)] == stone
	})
	if w.cache.Lookup(coords.CubePos{}) == nil {
		t.Fatalf("autosave must not unload watched cubes")
	}
}

func TestServer_TerrainGenerator(t *testing.T) {
	reg := blocks.Default()
	g, err := gen.New(gen.Config{Seed: 7, BaseHeight: 8}, reg)
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	w := newFlatServer(t, testConfig(), Deps{Generator: g})
	joinAtOrigin(t, w, "p1")

	for _, xz := range [][2]int{{0, 0}, {5, 9}, {15, 15}} {
		x, z := xz[0], xz[1]
		y := g.SurfaceAt(x, z)
		if v, ok := w.Voxel(coords.BlockPos{X: x, Y: y, Z: z}); !ok || v == cube.Air {
			t.Fatalf("surface at (%d,%d,%d) is %d ok=%v", x, y, z, v, ok)
		}
		if h := w.HeightAt(x, z); h < y {
			t.Fatalf("height %d below surface %d", h, y)
		}
	}
}

func TestConfigFromTuning(t *testing.T) {
	cfg, err := ConfigFromTuning("OVERWORLD", tuning.Defaults())
	if err != nil {
		t.Fatalf("ConfigFromTuning: %v", err)
	}
	if cfg.Side != SideServer || cfg.Cache.MinCubeY != -32 || cfg.Cache.MaxCubeY != 31 {
		t.Fatalf("cfg %+v", cfg)
	}
	if cfg.Cache.TargetStage != cube.StagePopulated || cfg.Watch.VerticalRadius != 8 {
		t.Fatalf("cfg %+v", cfg)
	}
	tu := tuning.Defaults()
	tu.World.Side = "both"
	if _, err := ConfigFromTuning("x", tu); err == nil {
		t.Fatalf("expected side error")
	}
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
