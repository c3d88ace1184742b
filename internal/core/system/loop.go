package system

import (
	"context"
	"time"
)

// TickSource is the single source of ticks driving all periodic work.
type TickSource interface {
	C() <-chan time.Time
	Stop()
}

type realTicks struct{ t *time.Ticker }

// NewRealTicks wraps time.Ticker.
func NewRealTicks(interval time.Duration) TickSource {
	return &realTicks{t: time.NewTicker(interval)}
}

func (r *realTicks) C() <-chan time.Time { return r.t.C }
func (r *realTicks) Stop()               { r.t.Stop() }

// ManualTicks fires only when Fire is called.
type ManualTicks struct {
	ch chan time.Time
}

func NewManualTicks() *ManualTicks {
	return &ManualTicks{ch: make(chan time.Time)}
}

func (m *ManualTicks) C() <-chan time.Time { return m.ch }
func (m *ManualTicks) Stop()               {}

// Fire delivers one tick and blocks until the loop has accepted it.
func (m *ManualTicks) Fire(at time.Time) {
	m.ch <- at
}

// Loop drives a Runner from a TickSource until the context ends.
type Loop struct {
	runner   *Runner
	source   TickSource
	interval time.Duration
	// AfterTick, if set, runs on the loop goroutine after every tick.
	AfterTick func(tick uint64)
}

func NewLoop(runner *Runner, source TickSource, interval time.Duration) *Loop {
	return &Loop{runner: runner, source: source, interval: interval}
}

// Run blocks. Panics inside systems are not recovered: a broken tick
// must take the process down rather than publish corrupted state.
func (l *Loop) Run(ctx context.Context) error {
	defer l.source.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.source.C():
			l.runner.Tick(l.interval)
			if l.AfterTick != nil {
				l.AfterTick(l.runner.Ticks())
			}
		}
	}
}
