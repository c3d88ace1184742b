package client

import (
	"time"

	"github.com/worldsync/server/internal/world"
)

type sample struct {
	at  int64 // server timestamp, Unix ms
	pos world.Vec3
}

// VelocityEstimator derives an agent's velocity from its last few
// authoritative positions. Samples arriving within the noise floor of the
// previous one replace it instead of being appended, so two near-coincident
// positions never produce a huge velocity.
type VelocityEstimator struct {
	window  int
	floorMs int64
	samples []sample
}

func NewVelocityEstimator(window int, noiseFloor time.Duration) *VelocityEstimator {
	if window < 2 {
		window = 2
	}
	return &VelocityEstimator{
		window:  window,
		floorMs: noiseFloor.Milliseconds(),
		samples: make([]sample, 0, window),
	}
}

// Observe records a position stamped with its server time. Samples older
// than the newest one are ignored.
func (e *VelocityEstimator) Observe(at int64, pos world.Vec3) {
	if n := len(e.samples); n > 0 {
		last := e.samples[n-1]
		if at < last.at {
			return
		}
		if at-last.at < e.floorMs {
			e.samples[n-1] = sample{at: at, pos: pos}
			return
		}
	}
	if len(e.samples) == e.window {
		copy(e.samples, e.samples[1:])
		e.samples = e.samples[:e.window-1]
	}
	e.samples = append(e.samples, sample{at: at, pos: pos})
}

// Velocity is the displacement across the window divided by its duration,
// in units per second. Zero until two samples at least the noise floor
// apart have been seen.
func (e *VelocityEstimator) Velocity() world.Vec3 {
	n := len(e.samples)
	if n < 2 {
		return world.Vec3{}
	}
	first, last := e.samples[0], e.samples[n-1]
	dt := last.at - first.at
	if dt <= 0 || dt < e.floorMs {
		return world.Vec3{}
	}
	return last.pos.Sub(first.pos).Scale(1000 / float64(dt))
}

func (e *VelocityEstimator) Len() int { return len(e.samples) }

// Reset drops every sample.
func (e *VelocityEstimator) Reset() { e.samples = e.samples[:0] }
