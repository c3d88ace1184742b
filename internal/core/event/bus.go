// Package event is the tick-local publish/subscribe bus. Producers emit
// during tick N; subscribers see the events when DispatchSystem runs at the
// start of tick N+1, still on the tick goroutine.
package event

import (
	"reflect"
	"sync"
)

type Bus struct {
	mu       sync.Mutex // guards handlers only; buffers belong to the tick goroutine
	front    map[reflect.Type][]any
	back     map[reflect.Type][]any
	order    []reflect.Type
	handlers map[reflect.Type][]any
}

func NewBus() *Bus {
	return &Bus{
		front:    make(map[reflect.Type][]any),
		back:     make(map[reflect.Type][]any),
		handlers: make(map[reflect.Type][]any),
	}
}

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

// Emit queues an event for the next dispatch.
func Emit[T any](b *Bus, ev T) {
	t := typeOf[T]()
	if _, seen := b.back[t]; !seen {
		if _, seen = b.front[t]; !seen {
			b.order = append(b.order, t)
		}
	}
	b.back[t] = append(b.back[t], ev)
}

// Subscribe registers fn for events of type T.
func Subscribe[T any](b *Bus, fn func(T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := typeOf[T]()
	b.handlers[t] = append(b.handlers[t], fn)
}

// SwapBuffers makes the events emitted since the last swap dispatchable.
func (b *Bus) SwapBuffers() {
	b.front, b.back = b.back, b.front
	for k := range b.back {
		b.back[k] = b.back[k][:0]
	}
}

// Pending reports how many events are waiting in the dispatch buffer.
func (b *Bus) Pending() int {
	n := 0
	for _, evs := range b.front {
		n += len(evs)
	}
	return n
}

// DispatchAll delivers the front buffer. Event types are visited in first
// emission order so dispatch is deterministic.
func (b *Bus) DispatchAll() {
	b.mu.Lock()
	handlers := make(map[reflect.Type][]any, len(b.handlers))
	for t, hs := range b.handlers {
		handlers[t] = hs
	}
	b.mu.Unlock()

	for _, t := range b.order {
		hs := handlers[t]
		for _, ev := range b.front[t] {
			for _, h := range hs {
				reflect.ValueOf(h).Call([]reflect.Value{reflect.ValueOf(ev)})
			}
		}
		b.front[t] = b.front[t][:0]
	}
}
