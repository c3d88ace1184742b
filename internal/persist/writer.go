package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/worldsync/server/internal/eventlog"
	"github.com/worldsync/server/internal/world"
)

type writeReq struct {
	profiles []world.AgentProfile
	events   []eventlog.Entry
}

// AsyncWriter moves store writes off the tick goroutine. Enqueue never
// blocks; when the queue is full the request is dropped and counted.
// Enqueue from the tick goroutine only and Close once the loop has stopped.
type AsyncWriter struct {
	store   Store
	log     *zap.Logger
	timeout time.Duration

	ch      chan writeReq
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewAsyncWriter(store Store, queueSize int, log *zap.Logger) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 8192
	}
	w := &AsyncWriter{
		store:   store,
		log:     log,
		timeout: 5 * time.Second,
		ch:      make(chan writeReq, queueSize),
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	return w
}

func (w *AsyncWriter) SaveProfiles(profiles []world.AgentProfile) {
	if len(profiles) > 0 {
		w.enqueue(writeReq{profiles: profiles})
	}
}

func (w *AsyncWriter) AppendEvents(entries []eventlog.Entry) {
	if len(entries) > 0 {
		w.enqueue(writeReq{events: entries})
	}
}

func (w *AsyncWriter) enqueue(r writeReq) {
	if w.closed.Load() {
		return
	}
	select {
	case w.ch <- r:
	default:
		if w.dropped.Add(1)%100 == 1 {
			w.log.Warn("store writer behind, dropping writes", zap.Uint64("dropped", w.dropped.Load()))
		}
	}
}

func (w *AsyncWriter) loop() {
	for r := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		var err error
		if len(r.profiles) > 0 {
			err = w.store.SaveProfiles(ctx, r.profiles)
		}
		if err == nil && len(r.events) > 0 {
			err = w.store.AppendEvents(ctx, r.events)
		}
		cancel()
		if err != nil {
			w.failed.Add(1)
			w.log.Error("store write failed",
				zap.Int("profiles", len(r.profiles)),
				zap.Int("events", len(r.events)),
				zap.Error(err),
			)
		}
	}
}

// Stats reports dropped and failed writes since start.
func (w *AsyncWriter) Stats() (dropped, failed uint64) {
	return w.dropped.Load(), w.failed.Load()
}

// Close stops accepting writes and waits for queued ones to finish.
func (w *AsyncWriter) Close() {
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.ch)
		w.wg.Wait()
	})
}
