package cache

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

func errMismatch(want, got coords.CubePos) error {
	return fmt.Errorf("record for %v holds %v", want, got)
}

func (c *Cache) Tick() uint64 { return c.tick }

// Step runs one simulation tick: install finished work, dispatch new work and,
// every GCIntervalTicks, sweep for evictions.
func (c *Cache) Step() {
	if c.closed {
		return
	}
	c.tick++
	c.drain()
	c.schedule()
	if c.tick%uint64(c.cfg.GCIntervalTicks) == 0 {
		c.sweep()
	}
}

// Sweep runs an eviction pass immediately.
func (c *Cache) Sweep() { c.sweep() }

func (c *Cache) needsSave(e *entry) bool {
	if e.cube == nil {
		return false
	}
	if e.cube.Stage() == cube.StageEmpty && !e.cube.Modified() {
		return false
	}
	return !e.hasDigest || e.cube.Digest() != e.savedDigest
}

func (c *Cache) sortedKeys() []coords.CubePos {
	keys := maps.Keys(c.entries)
	slices.SortFunc(keys, func(a, b coords.CubePos) bool {
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
	return keys
}

// Checkpoint dispatches saves for every resident cube whose content changed
// since it was last stored, retained or not. It returns the number dispatched.
func (c *Cache) Checkpoint() int {
	if c.closed || c.store == nil {
		return 0
	}
	n := 0
	for _, pos := range c.sortedKeys() {
		e := c.entries[pos]
		if e.inFlight || !c.needsSave(e) || e.saveAttempts > c.cfg.MaxSaveRetries {
			continue
		}
		c.dispatchSave(e)
		n++
	}
	return n
}

func (c *Cache) sweep() {
	for _, pos := range c.sortedKeys() {
		e := c.entries[pos]
		if e.retain > 0 || e.inFlight || e.zeroSince == 0 {
			continue
		}
		if c.tick+1-e.zeroSince < uint64(c.cfg.EvictAfterTicks) {
			continue
		}
		if c.store != nil && c.needsSave(e) {
			if e.saveAttempts <= c.cfg.MaxSaveRetries {
				c.dispatchSave(e)
				continue
			}
			c.dataLoss++
			c.logger.Printf("data loss: dropping %v after %d failed saves", pos, e.saveAttempts)
			c.logEvent("data_loss", pos, e.cube.Stage().String(), nil)
		}
		c.evict(e)
	}
}

func (c *Cache) evict(e *entry) {
	c.releaseDeps(e)
	if e.cube != nil && c.listen != nil {
		c.listen.CubeUnloading(e.cube)
	}
	delete(c.entries, e.pos)
	e.queued = false
	c.evicted++
	c.logEvent("evicted", e.pos, "", nil)
}

// InstallExternal installs a cube produced elsewhere, such as one received
// from a server. The returned handle keeps it resident.
func (c *Cache) InstallExternal(s *cube.Serialized) (*Handle, error) {
	cb, err := cube.FromSerialized(s, c.props)
	if err != nil {
		return nil, err
	}
	e := c.acquire(cb.Pos())
	if e.cube != nil && c.listen != nil {
		c.listen.CubeUnloading(e.cube)
	}
	e.cube = nil
	e.loadTried = true
	if e.target < cb.Stage() {
		e.target = cb.Stage()
	}
	e.savedDigest, e.hasDigest = cb.Digest(), true
	c.install(e, cb)
	return &Handle{c: c, e: e}, nil
}

// Close stops the worker pool, installs whatever finished, and saves every
// cube that still needs it on the calling goroutine.
func (c *Cache) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pool.StopAndWait()
	c.drain()
	defer c.cancel()

	if c.store == nil {
		return nil
	}
	var errs []error
	for pos, e := range c.entries {
		if !c.needsSave(e) {
			continue
		}
		if err := c.store.Save(context.Background(), pos, e.cube.Serialize()); err != nil {
			errs = append(errs, fmt.Errorf("flush %v: %w", pos, err))
			continue
		}
		e.savedDigest, e.hasDigest = e.cube.Digest(), true
		c.saved++
	}
	return errors.Join(errs...)
}
