package system

import (
	"time"

	"github.com/worldsync/server/internal/core/clock"
	coresys "github.com/worldsync/server/internal/core/system"
	"github.com/worldsync/server/internal/net"
	"github.com/worldsync/server/internal/net/packet"
	"github.com/worldsync/server/internal/world"
)

// HeartbeatSystem buffers a ping for every open session each interval. It
// runs before BroadcastSystem in the Output phase so the ping leaves with
// the tick's batch. Phase 4 (Output).
type HeartbeatSystem struct {
	world    *world.State
	store    *net.SessionStore
	interval int // ticks
	ticks    int
}

func NewHeartbeatSystem(ws *world.State, store *net.SessionStore, intervalTicks int) *HeartbeatSystem {
	if intervalTicks < 1 {
		intervalTicks = 1
	}
	return &HeartbeatSystem{world: ws, store: store, interval: intervalTicks}
}

func (s *HeartbeatSystem) Phase() coresys.Phase { return coresys.PhaseOutput }

func (s *HeartbeatSystem) Update(_ time.Duration) {
	s.ticks++
	if s.ticks < s.interval {
		return
	}
	s.ticks = 0

	frame := s.world.Frame()
	ping := packet.Encode(packet.PingMsg{
		Type:      packet.TypePing,
		Timestamp: clock.Millis(frame.At),
		Tick:      frame.Tick,
	})
	s.store.ForEach(func(sess *net.Session) {
		if !sess.IsClosed() {
			sess.Send(ping)
		}
	})
}
