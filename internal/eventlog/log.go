// Package eventlog keeps the recent world events in memory for the control
// surface and optionally archives them as hourly zstd-compressed JSONL.
package eventlog

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/worldsync/server/internal/world"
)

// Entry is one logged world event.
type Entry struct {
	ID        string          `json:"id"`
	Tick      uint64          `json:"tick"`
	Type      world.EventKind `json:"type"`
	AgentID   string          `json:"agentId"`
	Timestamp int64           `json:"timestamp"`
	Event     json.RawMessage `json:"event"`
}

// Log is a fixed-capacity ring of entries ordered by append. Appends come
// from the tick goroutine; reads from any goroutine.
type Log struct {
	mu    sync.RWMutex
	buf   []Entry
	start int
	n     int
	total uint64
	last  int64 // newest timestamp appended
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Log{buf: make([]Entry, capacity)}
}

// Append records the events of one tick and returns the new entries. An
// entry's Timestamp is its event's time, raised to the previous entry's
// when the wall clock stepped back, so the ring stays ordered by time.
func (l *Log) Append(tick uint64, events []world.Event) ([]Entry, error) {
	if len(events) == 0 {
		return nil, nil
	}
	out := make([]Entry, 0, len(events))
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			ID:        uuid.NewString(),
			Tick:      tick,
			Type:      ev.Kind(),
			AgentID:   ev.Agent(),
			Timestamp: ev.At(),
			Event:     raw,
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range out {
		if out[i].Timestamp < l.last {
			out[i].Timestamp = l.last
		}
		l.last = out[i].Timestamp
		e := out[i]
		idx := (l.start + l.n) % len(l.buf)
		l.buf[idx] = e
		if l.n < len(l.buf) {
			l.n++
		} else {
			l.start = (l.start + 1) % len(l.buf)
		}
		l.total++
	}
	return out, nil
}

// Since returns up to limit entries with Timestamp > since, oldest first.
// When more match, the most recent limit entries are returned.
func (l *Log) Since(since int64, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Append keeps timestamps non-decreasing
	first := sort.Search(l.n, func(i int) bool {
		return l.at(i).Timestamp > since
	})
	count := l.n - first
	if limit > 0 && count > limit {
		first = l.n - limit
		count = limit
	}
	out := make([]Entry, count)
	for i := range out {
		out[i] = l.at(first + i)
	}
	return out
}

func (l *Log) at(i int) Entry { return l.buf[(l.start+i)%len(l.buf)] }

// Len is the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.n
}

// Total counts every entry ever appended.
func (l *Log) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}
