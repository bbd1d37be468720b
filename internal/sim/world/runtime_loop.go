package world

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-gl/mathgl/mgl64"

	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
	"cubeworld.ai/internal/sim/world/watch"
)

// ObserverJoinRequest registers an observer. Events for it are delivered on
// Out, which the world closes when the observer leaves or is replaced.
type ObserverJoinRequest struct {
	ID  string
	Pos mgl64.Vec3
	Out chan watch.Event
}

type ObserverMoveRequest struct {
	ID  string
	Pos mgl64.Vec3
}

func (w *World) ObserverJoin() chan<- ObserverJoinRequest { return w.observerJoin }
func (w *World) ObserverMove() chan<- ObserverMoveRequest { return w.observerMove }
func (w *World) ObserverLeave() chan<- string             { return w.observerLeave }

// Done is closed once Run has returned.
func (w *World) Done() <-chan struct{} { return w.done }

// RequestObserverLeave hands id to the world loop, waiting while the leave
// queue is full. A stopped world returns nil: Close releases what is left.
func (w *World) RequestObserverLeave(ctx context.Context, id string) error {
	select {
	case w.observerLeave <- id:
		return nil
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("observer %s leave: %w", id, ctx.Err())
	}
}

func (w *World) Run(ctx context.Context) error {
	defer w.doneOnce.Do(func() { close(w.done) })
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.observerJoin:
			w.handleObserverJoin(req)
		case req := <-w.observerMove:
			w.handleObserverMove(req)
		case id := <-w.observerLeave:
			w.handleObserverLeave(id)
		case req := <-w.edits:
			w.handleEdit(req)
		case req := <-w.installs:
			w.handleInstall(req)
		case now := <-ticker.C:
			w.step(now)
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// Close flushes every cube that still needs saving. Call it after Run has
// returned.
func (w *World) Close() error {
	for id := range w.outs {
		w.handleObserverLeave(id)
	}
	for pos, h := range w.external {
		w.cache.Release(h)
		delete(w.external, pos)
	}
	return w.cache.Close()
}

// StepOnce advances the world by a single tick with the same ordering as the
// loop. It is meant for tests and tools that drive the world directly.
func (w *World) StepOnce() uint64 {
	return w.step(time.Now())
}

func (w *World) step(now time.Time) uint64 {
	start := time.Now()
	tick := w.tick.Load()

	w.cache.Step()
	w.light.Step(w.cfg.LightBudget)
	if w.tracker != nil {
		w.tracker.Tick(now)
	}
	if n := w.cfg.AutosaveEveryTicks; n > 0 && tick > 0 && tick%uint64(n) == 0 {
		if dispatched := w.cache.Checkpoint(); dispatched > 0 {
			w.log.Printf("autosave: tick %d, %s cubes dispatched", tick, humanize.Comma(int64(dispatched)))
		}
	}

	w.tick.Add(1)
	w.lastStepMS = float64(time.Since(start).Microseconds()) / 1000
	w.publishMetrics()

	if every := uint64(w.cfg.TickRateHz) * 60; tick > 0 && tick%every == 0 {
		m := w.Metrics()
		w.log.Printf("tick %d: %s resident, %s generated, %s saved, %s light queued, %d observers",
			tick, humanize.Comma(int64(m.Cache.Resident)), humanize.Comma(int64(m.Cache.Generated)),
			humanize.Comma(int64(m.Cache.Saved)), humanize.Comma(int64(m.Light.Queued)), m.Watch.Observers)
	}
	return tick
}

type editReq struct {
	Actor  string
	Pos    coords.BlockPos
	Voxel  cube.Voxel
	Reason string
	Resp   chan editResp
}

type editResp struct {
	Prev cube.Voxel
	Err  error
}

// RequestSetVoxel runs SetVoxel on the world loop goroutine.
func (w *World) RequestSetVoxel(ctx context.Context, actor string, pos coords.BlockPos, v cube.Voxel, reason string) (cube.Voxel, error) {
	req := editReq{Actor: actor, Pos: pos, Voxel: v, Reason: reason, Resp: make(chan editResp, 1)}
	select {
	case w.edits <- req:
	case <-ctx.Done():
		return cube.Air, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		return resp.Prev, resp.Err
	case <-ctx.Done():
		return cube.Air, ctx.Err()
	}
}

func (w *World) handleEdit(req editReq) {
	prev, err := w.SetVoxel(req.Actor, req.Pos, req.Voxel, req.Reason)
	select {
	case req.Resp <- editResp{Prev: prev, Err: err}:
	default:
	}
}

// installReq carries either a cube to install or, when Cube is nil, a
// position to unload.
type installReq struct {
	Cube   *cube.Serialized
	Unload coords.CubePos
	Resp   chan error
}

// RequestInstallCube runs InstallCube on the world loop goroutine.
func (w *World) RequestInstallCube(ctx context.Context, s *cube.Serialized) error {
	return w.sendInstall(ctx, installReq{Cube: s, Resp: make(chan error, 1)})
}

func (w *World) sendInstall(ctx context.Context, req installReq) error {
	select {
	case w.installs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.Resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestUnloadCube runs UnloadCube on the world loop goroutine.
func (w *World) RequestUnloadCube(ctx context.Context, pos coords.CubePos) error {
	return w.sendInstall(ctx, installReq{Unload: pos, Resp: make(chan error, 1)})
}

func (w *World) handleInstall(req installReq) {
	var err error
	if req.Cube == nil {
		if w.cfg.Side != SideClient {
			err = fmt.Errorf("unload %v: %w", req.Unload, ErrWrongSide)
		} else {
			w.UnloadCube(req.Unload)
		}
	} else {
		err = w.InstallCube(req.Cube)
	}
	select {
	case req.Resp <- err:
	default:
	}
}
