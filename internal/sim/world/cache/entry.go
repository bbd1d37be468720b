package cache

import (
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
)

type entry struct {
	pos  coords.CubePos
	cube *cube.Cube

	retain    int
	zeroSince uint64 // tick+1 when retain dropped to zero, 0 while retained

	target cube.Stage
	depth  int // shortest dependency distance from an external request
	queued bool

	inFlight  bool
	saving    bool
	loadTried bool

	// deps are internal retains on neighbours held until the cube reaches target.
	deps    map[coords.CubePos]*entry
	partial bool

	failures int
	faulted  bool
	err      error

	savedDigest  uint64
	hasDigest    bool
	saveAttempts int
	lost         bool
}

func (e *entry) stage() (cube.Stage, bool) {
	if e.cube == nil {
		return 0, false
	}
	return e.cube.Stage(), true
}

// done reports whether the entry needs no further pipeline work.
func (e *entry) done() bool {
	if e.faulted {
		return true
	}
	s, ok := e.stage()
	return ok && s >= e.target
}

// Handle is a retain on one cube. Readiness is polled.
type Handle struct {
	c        *Cache
	e        *entry
	released bool
}

func (h *Handle) Pos() coords.CubePos { return h.e.pos }

// Stage returns the installed stage; ok is false until the cube is installed.
func (h *Handle) Stage() (cube.Stage, bool) { return h.e.stage() }

// Ready reports whether the cube is installed at or past target.
func (h *Handle) Ready(target cube.Stage) bool {
	s, ok := h.e.stage()
	return ok && s >= target
}

func (h *Handle) Faulted() bool { return h.e.faulted }
func (h *Handle) Err() error    { return h.e.err }

// Partial reports whether the cube was advanced without some of its neighbours.
func (h *Handle) Partial() bool { return h.e.partial }

// Cube returns the installed cube or nil.
func (h *Handle) Cube() *cube.Cube { return h.e.cube }

func (h *Handle) Released() bool { return h.released }
