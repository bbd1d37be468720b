package cache

import (
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

type resultKind uint8

const (
	resultGenerate resultKind = iota
	resultLoad
	resultSave
)

// result is a worker's tagged completion message. Failures are values.
type result struct {
	kind    resultKind
	pos     coords.CubePos
	stage   cube.Stage
	partial bool
	patch   *Patch
	data    *cube.Serialized
	ok      bool
	digest  uint64
	edits   uint64
	err     error
}

func (c *Cache) post(r result) {
	c.mu.Lock()
	c.mailbox = append(c.mailbox, r)
	c.mu.Unlock()
}

func (c *Cache) drain() {
	c.mu.Lock()
	box := c.mailbox
	c.mailbox = nil
	c.mu.Unlock()

	for _, r := range box {
		e := c.entries[r.pos]
		if e == nil {
			continue
		}
		c.clearInFlight(e)
		switch r.kind {
		case resultGenerate:
			c.onGenerated(e, r)
		case resultLoad:
			c.onLoaded(e, r)
		case resultSave:
			c.onSaved(e, r)
		}
	}
}

func (c *Cache) onGenerated(e *entry, r result) {
	if r.err != nil {
		e.failures++
		c.logger.Printf("generation failed (attempt %d of %d): %v", e.failures, c.cfg.MaxRetries+1, r.err)
		c.logEvent("generation_failed", e.pos, r.stage.String(), r.err)
		if e.failures > c.cfg.MaxRetries {
			e.faulted = true
			e.err = r.err
			c.releaseDeps(e)
			c.logEvent("faulted", e.pos, r.stage.String(), r.err)
		}
		return
	}
	e.failures = 0
	c.generated++

	if r.stage == cube.StageEmpty {
		if e.cube != nil {
			return
		}
		cb := cube.New(e.pos, c.props)
		cb.Apply(&r.patch.Voxels)
		cb.TakeDirty()
		cb.SetTier(cube.TierGenerated)
		c.install(e, cb)
		return
	}

	cb := e.cube
	if cb == nil || cb.Stage()+1 != r.stage {
		return
	}
	if cb.Edits() != r.edits {
		// Edited while the stage ran; the patch was computed from stale voxels.
		// The entry is still queued, so the stage is dispatched again.
		c.stale++
		c.logger.Printf("discarding stale %v patch for %v", r.stage, e.pos)
		c.logEvent("stale_patch", e.pos, r.stage.String(), nil)
		return
	}
	cb.Apply(&r.patch.Voxels)
	if err := cb.AdvanceStage(r.stage); err != nil {
		c.logger.Printf("install: %v", err)
		return
	}
	if r.stage >= cube.StagePopulated && cb.Tier() == cube.TierGenerated {
		cb.SetTier(cube.TierPopulated)
	}
	if r.partial {
		cb.SetPartial(true)
	}
	if c.listen != nil {
		c.listen.CubeChanged(cb)
	}
	if e.done() {
		c.releaseDeps(e)
	}
}

func (c *Cache) onLoaded(e *entry, r result) {
	e.loadTried = true
	if r.err != nil {
		c.logger.Printf("load %v failed, regenerating: %v", e.pos, r.err)
		c.logEvent("load_failed", e.pos, "", r.err)
		return
	}
	if !r.ok || e.cube != nil {
		return
	}
	cb, err := cube.FromSerialized(r.data, c.props)
	if err == nil && cb.Pos() != e.pos {
		err = errMismatch(e.pos, cb.Pos())
	}
	if err != nil {
		c.logger.Printf("load %v: corrupt record, regenerating: %v", e.pos, err)
		c.logEvent("load_failed", e.pos, "", err)
		return
	}
	e.savedDigest, e.hasDigest = cb.Digest(), true
	c.loaded++
	c.install(e, cb)
}

func (c *Cache) onSaved(e *entry, r result) {
	e.saving = false
	if r.err != nil {
		e.saveAttempts++
		c.logger.Printf("save %v failed (attempt %d): %v", e.pos, e.saveAttempts, r.err)
		c.logEvent("save_failed", e.pos, "", r.err)
		return
	}
	e.savedDigest, e.hasDigest = r.digest, true
	e.saveAttempts = 0
	c.saved++
	if e.cube != nil && e.cube.Digest() == r.digest {
		e.cube.ClearModified()
	}
}

func (c *Cache) install(e *entry, cb *cube.Cube) {
	e.cube = cb
	if c.listen != nil {
		c.listen.CubeInstalled(cb)
	}
	if e.done() {
		c.releaseDeps(e)
	}
}
