package command

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Queue is the bounded, arrival-ordered hand-off from request goroutines to
// the tick goroutine.
type Queue struct {
	mu       sync.Mutex
	items    []Command
	capacity int
	seq      uint64
	limiter  *AgentLimiter
}

func NewQueue(capacity int, limiter *AgentLimiter) *Queue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Queue{capacity: capacity, limiter: limiter}
}

// Push assigns the next sequence number and appends cmd. It fails with
// E_RATE_LIMIT or E_BUSY without queueing.
func (q *Queue) Push(cmd Command) (uint64, error) {
	now := cmd.Received
	if now.IsZero() {
		now = time.Now()
		cmd.Received = now
	}
	if q.limiter != nil && !q.limiter.Allow(cmd.AgentID, now) {
		return 0, Rejectf(CodeRateLimit, "agent %s is sending too fast", cmd.AgentID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return 0, Rejectf(CodeBusy, "command queue full")
	}
	q.seq++
	cmd.Seq = q.seq
	q.items = append(q.items, cmd)
	return cmd.Seq, nil
}

// Drain moves up to max queued commands (max <= 0: all) into dst in
// arrival order. Anything left stays for the next tick.
func (q *Queue) Drain(max int, dst []Command) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if max > 0 && n > max {
		n = max
	}
	dst = append(dst, q.items[:n]...)
	rest := copy(q.items, q.items[n:])
	clear(q.items[rest:])
	q.items = q.items[:rest]
	return dst
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// AgentLimiter holds one token bucket per agent id.
type AgentLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	idle    time.Duration
	swept   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	last time.Time
}

func NewAgentLimiter(perSecond float64, burst int) *AgentLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &AgentLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
		idle:    10 * time.Minute,
	}
}

// Allow spends one token for agentID at now.
func (l *AgentLimiter) Allow(agentID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[agentID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[agentID] = b
	}
	b.last = now
	l.sweep(now)
	return b.lim.AllowN(now, 1)
}

// sweep forgets buckets unused for the idle period; a fresh bucket is full,
// the same state an idle bucket would have refilled to.
func (l *AgentLimiter) sweep(now time.Time) {
	if now.Sub(l.swept) < l.idle {
		return
	}
	l.swept = now
	for id, b := range l.buckets {
		if now.Sub(b.last) > l.idle {
			delete(l.buckets, id)
		}
	}
}
