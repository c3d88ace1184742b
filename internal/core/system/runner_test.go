package system

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingSystem struct {
	name  string
	phase Phase
	log   *[]string
}

func (s recordingSystem) Phase() Phase { return s.phase }
func (s recordingSystem) Update(time.Duration) {
	*s.log = append(*s.log, s.name)
}

func TestRunnerOrdersByPhaseStable(t *testing.T) {
	var log []string
	r := NewRunner()
	r.Register(recordingSystem{"cleanup", PhaseCleanup, &log})
	r.Register(recordingSystem{"broadcast", PhaseOutput, &log})
	r.Register(recordingSystem{"intake", PhaseInput, &log})
	r.Register(recordingSystem{"heartbeat", PhaseOutput, &log})
	r.Register(recordingSystem{"commands", PhaseUpdate, &log})

	r.Tick(50 * time.Millisecond)

	want := []string{"intake", "commands", "broadcast", "heartbeat", "cleanup"}
	if len(log) != len(want) {
		t.Fatalf("ran %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("order = %v, want %v", log, want)
		}
	}
	if r.Ticks() != 1 {
		t.Fatalf("ticks = %d", r.Ticks())
	}

	// a late registration is sorted into place on the next tick
	log = log[:0]
	r.Register(recordingSystem{"dispatch", PhasePreUpdate, &log})
	r.Tick(50 * time.Millisecond)
	if len(log) != 6 || log[1] != "dispatch" || r.Ticks() != 2 {
		t.Fatalf("after late register: %v", log)
	}
}

func TestLoopRunsOnManualTicks(t *testing.T) {
	var log []string
	r := NewRunner()
	r.Register(recordingSystem{"only", PhaseUpdate, &log})

	src := NewManualTicks()
	loop := NewLoop(r, src, 50*time.Millisecond)
	seen := make(chan uint64, 4)
	loop.AfterTick = func(n uint64) { seen <- n }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	src.Fire(time.Unix(0, 0))
	src.Fire(time.Unix(0, 0))
	if n := <-seen; n != 1 {
		t.Fatalf("first tick = %d", n)
	}
	if n := <-seen; n != 2 {
		t.Fatalf("second tick = %d", n)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("updates = %d", len(log))
	}
}
