package system

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	coresys "github.com/worldsync/server/internal/core/system"
	"github.com/worldsync/server/internal/handler"
	"github.com/worldsync/server/internal/net"
	"github.com/worldsync/server/internal/net/packet"
	"github.com/worldsync/server/internal/world"
)

const closeTooSlow = websocket.CloseTryAgainLater

// BroadcastSystem fans the tick's events out to subscribed sessions, one
// batch per session filtered by that session's interest. Phase 4 (Output).
type BroadcastSystem struct {
	world      *world.State
	store      *net.SessionStore
	maxDropped int
	log        *zap.Logger

	// per tick
	encoded  [][]byte
	entries  map[string][]json.RawMessage
	byAgent  map[string][]int
	joined   map[string]struct{}
	scratch  []string
	relevant map[string]relevance
	resync   *world.Snapshot

	subscribers atomic.Int64
	batches     atomic.Uint64
	drops       atomic.Uint64
	resyncs     atomic.Uint64
}

type relevance uint8

const (
	relEntered relevance = iota + 1
	relUpdated
	relExited
)

func NewBroadcastSystem(ws *world.State, store *net.SessionStore, maxDropped int, log *zap.Logger) *BroadcastSystem {
	return &BroadcastSystem{
		world:      ws,
		store:      store,
		maxDropped: maxDropped,
		log:        log,
		entries:    make(map[string][]json.RawMessage),
		byAgent:    make(map[string][]int),
		joined:     make(map[string]struct{}),
		relevant:   make(map[string]relevance),
	}
}

func (s *BroadcastSystem) Phase() coresys.Phase { return coresys.PhaseOutput }

func (s *BroadcastSystem) Update(_ time.Duration) {
	frame := s.world.Frame()
	s.prepare(frame)

	subs := 0
	s.store.ForEach(func(sess *net.Session) {
		if sess.IsClosed() {
			return
		}
		if sess.Sub == nil {
			flushSession(sess, s.maxDropped, s.log)
			return
		}
		subs++
		if sess.Sub.Resync {
			s.resyncSession(sess)
			return
		}

		in, scratch := s.world.ComputeInterest(sess.Sub, s.scratch)
		s.scratch = scratch
		if msgs := s.batchFor(sess.Sub, in); len(msgs) > 0 {
			sess.Send(packet.Encode(packet.WorldMsg{
				Type:     packet.TypeWorld,
				Tick:     frame.Tick,
				Messages: msgs,
			}))
			s.batches.Add(1)
		}

		lagging := sess.Lagging
		flushSession(sess, s.maxDropped, s.log)
		if sess.Lagging > lagging {
			s.drops.Add(1)
			return
		}
		sess.Sub.Apply(in)
	})
	s.subscribers.Store(int64(subs))
}

// resyncSession replaces the delta for a session that missed a batch with
// a full snapshot of this tick. The snapshot drops agents the observer
// still holds from the lost batch.
func (s *BroadcastSystem) resyncSession(sess *net.Session) {
	if s.resync == nil {
		s.resync = s.world.Capture()
	}
	sess.Send(packet.Encode(handler.SnapshotMessage(s.resync)))
	lagging := sess.Lagging
	flushSession(sess, s.maxDropped, s.log)
	if sess.Lagging > lagging {
		s.drops.Add(1)
		return
	}
	sess.Sub.Reset(s.resync.Agents)
	sess.Sub.Resync = false
	s.resyncs.Add(1)
	s.log.Debug("observer resynced",
		zap.Uint64("session", sess.ID),
		zap.Uint64("tick", s.resync.Tick),
	)
}

// prepare encodes every frame event once and indexes it by agent.
func (s *BroadcastSystem) prepare(frame *world.Frame) {
	s.resync = nil
	s.encoded = s.encoded[:0]
	clear(s.entries)
	clear(s.joined)
	clear(s.byAgent)
	for i, ev := range frame.Events {
		raw, err := json.Marshal(ev)
		if err != nil {
			// events are plain structs; this only happens on a programming error
			s.log.Error("encode event", zap.String("kind", string(ev.Kind())), zap.Error(err))
			raw = nil
		}
		s.encoded = append(s.encoded, raw)
		id := ev.Agent()
		s.byAgent[id] = append(s.byAgent[id], i)
		if ev.Kind() == world.KindJoin {
			s.joined[id] = struct{}{}
		}
	}
}

// batchFor selects, in emission order, the events one subscription must
// see this tick:
//   - entered agents get their profile, current position and action, then
//     their other events (a join already carries all three);
//   - updated agents get all their events;
//   - exited agents only get a leave.
//
// agent-moved is reserved for subscriptions that asked for proximity data.
func (s *BroadcastSystem) batchFor(sub *world.Subscription, in world.Interest) []json.RawMessage {
	if len(in.Entered) == 0 && len(in.Updated) == 0 && len(in.Exited) == 0 {
		return nil
	}
	clear(s.relevant)
	var msgs []json.RawMessage
	for _, id := range in.Entered {
		s.relevant[id] = relEntered
		if _, ok := s.joined[id]; !ok {
			msgs = append(msgs, s.entry(id)...)
		}
	}
	for _, id := range in.Updated {
		s.relevant[id] = relUpdated
	}
	for _, id := range in.Exited {
		if len(s.byAgent[id]) > 0 {
			s.relevant[id] = relExited
		}
	}

	events := s.world.Frame().Events
	for i, ev := range events {
		rel, ok := s.relevant[ev.Agent()]
		if !ok || s.encoded[i] == nil {
			continue
		}
		kind := ev.Kind()
		if kind == world.KindAgentMoved && !sub.Proximity {
			continue
		}
		switch rel {
		case relEntered:
			if _, joined := s.joined[ev.Agent()]; !joined && (kind == world.KindPosition || kind == world.KindAction) {
				continue
			}
		case relExited:
			if kind != world.KindLeave {
				continue
			}
		}
		msgs = append(msgs, s.encoded[i])
	}
	return msgs
}

// entry builds the profile, position and action events that introduce an
// agent to a subscription. Cached for the rest of the tick.
func (s *BroadcastSystem) entry(id string) []json.RawMessage {
	if e, ok := s.entries[id]; ok {
		return e
	}
	a, ok := s.world.Agent(id)
	if !ok {
		return nil
	}
	pos := world.PositionOf(a.Position)
	act := world.ActionEvent{
		Header: world.Header{Type: world.KindAction, AgentID: id, Timestamp: a.Position.Timestamp},
		Action: a.Action,
	}
	e := make([]json.RawMessage, 0, 3)
	if p, ok := s.world.Registry().Get(id); ok {
		e = append(e, packet.Encode(world.ProfileEvent{
			Header:  world.Header{Type: world.KindProfile, AgentID: id, Timestamp: a.Position.Timestamp},
			Profile: p,
		}))
	}
	e = append(e, packet.Encode(pos), packet.Encode(act))
	s.entries[id] = e
	return e
}

// Subscribers is the number of subscribed sessions as of the last tick.
// Safe to call from any goroutine.
func (s *BroadcastSystem) Subscribers() int { return int(s.subscribers.Load()) }

// Stats reports delivered and dropped batches since start. Safe to call
// from any goroutine.
func (s *BroadcastSystem) Stats() (batches, drops uint64) {
	return s.batches.Load(), s.drops.Load()
}

// Resyncs counts snapshots sent to recover from dropped batches.
func (s *BroadcastSystem) Resyncs() uint64 { return s.resyncs.Load() }
