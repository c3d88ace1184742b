package system

import (
	"time"

	"go.uber.org/zap"

	"github.com/worldsync/server/internal/core/event"
	coresys "github.com/worldsync/server/internal/core/system"
	"github.com/worldsync/server/internal/net"
	"github.com/worldsync/server/internal/net/packet"
)

// InputSystem accepts new sessions, tears down dead ones and drains each
// session's inbound queue through the packet registry. Phase 0 (Input).
type InputSystem struct {
	netServer  *net.Server
	registry   *packet.Registry
	store      *net.SessionStore
	bus        *event.Bus
	maxPerTick int
	maxDropped int
	log        *zap.Logger
}

func NewInputSystem(
	netServer *net.Server,
	registry *packet.Registry,
	store *net.SessionStore,
	bus *event.Bus,
	maxPerTick int,
	maxDropped int,
	log *zap.Logger,
) *InputSystem {
	if maxPerTick <= 0 {
		maxPerTick = 16
	}
	return &InputSystem{
		netServer:  netServer,
		registry:   registry,
		store:      store,
		bus:        bus,
		maxPerTick: maxPerTick,
		maxDropped: maxDropped,
		log:        log,
	}
}

func (s *InputSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *InputSystem) Update(_ time.Duration) {
	// Accept new sessions
	for {
		select {
		case sess := <-s.netServer.NewSessions():
			s.store.Add(sess)
		default:
			goto doneNew
		}
	}
doneNew:

	// Process dead sessions
	for {
		select {
		case id := <-s.netServer.DeadSessions():
			s.drop(id)
		default:
			goto doneDead
		}
	}
doneDead:

	var closed []uint64
	s.store.ForEach(func(sess *net.Session) {
		if sess.IsClosed() {
			closed = append(closed, sess.ID)
			return
		}
		for i := 0; i < s.maxPerTick; i++ {
			select {
			case data := <-sess.InQueue:
				if err := s.registry.Dispatch(sess, sess.State(), data); err != nil {
					s.log.Debug("message dispatch failed",
						zap.Uint64("session", sess.ID),
						zap.Error(err),
					)
					sess.Send(packet.NewError(packet.ErrBadMessage, err.Error()))
				}
			default:
				return
			}
		}
	})
	for _, id := range closed {
		s.drop(id)
	}

	// Replies produced by handlers go out now; the broadcast flushes again in Output.
	s.store.ForEach(func(sess *net.Session) {
		flushSession(sess, s.maxDropped, s.log)
	})
}

// drop removes a session from the store. Removal is idempotent: the server
// may report a session that the tick already found closed.
func (s *InputSystem) drop(id uint64) {
	sess := s.store.Remove(id)
	if sess == nil {
		return
	}
	sess.Close()
	sess.Sub = nil
	reason := sess.CloseReason()
	s.log.Info("observer disconnected",
		zap.Uint64("session", id),
		zap.String("reason", reason),
		zap.Int("dropped_batches", sess.Dropped),
	)
	event.Emit(s.bus, event.SessionClosed{SessionID: id, Reason: reason, Dropped: sess.Dropped})
}

// SessionCount returns the current number of live sessions.
func (s *InputSystem) SessionCount() int {
	return s.store.Len()
}

// flushSession hands a session's buffered output to its writer. A full
// outbound queue discards the batch and marks the subscription for resync,
// so the next delivery is a full snapshot.
func flushSession(sess *net.Session, maxDropped int, log *zap.Logger) {
	if sess.IsClosed() || sess.Pending() == 0 {
		return
	}
	if !sess.FlushOutput() {
		sess.Lagging = 0
		return
	}
	sess.Lagging++
	sess.Dropped++
	if sess.Sub != nil {
		sess.Sub.Resync = true
	}
	log.Debug("outbound queue full, batch dropped",
		zap.Uint64("session", sess.ID),
		zap.Int("lagging", sess.Lagging),
	)
	if maxDropped > 0 && sess.Lagging >= maxDropped {
		log.Warn("closing slow observer",
			zap.Uint64("session", sess.ID),
			zap.Int("dropped_batches", sess.Dropped),
		)
		sess.CloseWith(closeTooSlow, "too slow")
	}
}
