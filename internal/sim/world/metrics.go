package world

import (
	"cubeworld.ai/internal/sim/world/cache"
	"cubeworld.ai/internal/sim/world/light"
	"cubeworld.ai/internal/sim/world/watch"
)

// WorldMetrics is a thread-safe read-only view of key world runtime signals.
// It is updated from the world loop goroutine and read from HTTP handlers/tests.
type WorldMetrics struct {
	Tick uint64 `json:"tick"`
	Side string `json:"side"`

	Columns int         `json:"columns"`
	Cache   cache.Stats `json:"cache"`
	Light   light.Stats `json:"light"`
	Watch   watch.Stats `json:"watch"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`
}

type QueueDepths struct {
	Join    int `json:"join"`
	Move    int `json:"move"`
	Leave   int `json:"leave"`
	Edit    int `json:"edit"`
	Install int `json:"install"`
}

func (w *World) publishMetrics() {
	m := WorldMetrics{
		Tick:    w.tick.Load(),
		Side:    w.cfg.Side.String(),
		Columns: w.cols.Len(),
		Cache:   w.cache.Stats(),
		Light:   w.light.Stats(),
		QueueDepths: QueueDepths{
			Join:    len(w.observerJoin),
			Move:    len(w.observerMove),
			Leave:   len(w.observerLeave),
			Edit:    len(w.edits),
			Install: len(w.installs),
		},
		StepMS: w.lastStepMS,
	}
	if w.tracker != nil {
		m.Watch = w.tracker.Stats()
	}
	w.metrics.Store(m)
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	v := w.metrics.Load()
	if v == nil {
		return WorldMetrics{}
	}
	m, ok := v.(WorldMetrics)
	if !ok {
		return WorldMetrics{}
	}
	return m
}
