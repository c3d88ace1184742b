package handler

import (
	"encoding/json"
	"math"

	"go.uber.org/zap"

	"github.com/worldsync/server/internal/core/clock"
	"github.com/worldsync/server/internal/net"
	"github.com/worldsync/server/internal/net/packet"
	"github.com/worldsync/server/internal/world"
)

// HandleSubscribe (re)creates the session's subscription and answers with a
// full snapshot of the last committed tick. Every agent in the snapshot
// counts as known; agents outside the interest radius drop out of the known
// set on the next tick and re-enter as fresh entries.
func HandleSubscribe(sess *net.Session, raw json.RawMessage, deps *Deps) {
	var msg packet.SubscribeMsg
	if err := packet.Decode(raw, &msg); err != nil {
		sendError(sess, packet.ErrBadMessage, "invalid subscribe message")
		return
	}

	sub := world.NewSubscription(clampRadius(deps, msg.Radius))
	if msg.Viewport != nil {
		if !finite(msg.Viewport.X) || !finite(msg.Viewport.Z) {
			sendError(sess, packet.ErrBadMessage, "viewport must be finite")
			return
		}
		sub.Viewport = world.Vec3{X: msg.Viewport.X, Z: msg.Viewport.Z}
		sub.HasViewport = true
	}
	sub.FollowAgentID = msg.Follow
	sub.Proximity = msg.Proximity

	snap := deps.World.Published()
	sub.Reset(snap.Agents)
	sub.LastAckTick = snap.Tick
	sess.Sub = sub
	sess.Lagging = 0
	sess.SetState(packet.StateSubscribed)

	sess.Send(packet.Encode(SnapshotMessage(snap)))
	deps.Log.Debug("observer subscribed",
		zap.Uint64("session", sess.ID),
		zap.Uint64("tick", snap.Tick),
		zap.Int("agents", len(snap.Agents)),
		zap.Float64("radius", sub.Radius),
	)
}

// SnapshotMessage builds the full-state message for snap.
func SnapshotMessage(snap *world.Snapshot) packet.SnapshotMsg {
	agents := snap.Agents
	if agents == nil {
		agents = []world.AgentView{}
	}
	return packet.SnapshotMsg{
		Type:       packet.TypeSnapshot,
		Tick:       snap.Tick,
		ServerTime: clock.Millis(snap.At),
		Agents:     agents,
	}
}

func clampRadius(deps *Deps, r *float64) float64 {
	w := deps.Config.World
	if r == nil || !finite(*r) {
		return w.InterestRadius
	}
	v := *r
	if v <= 0 {
		// unbounded only when the server allows it
		if w.MaxRadius > 0 {
			return w.MaxRadius
		}
		return 0
	}
	if w.MaxRadius > 0 && v > w.MaxRadius {
		return w.MaxRadius
	}
	return v
}

func HandleViewport(sess *net.Session, raw json.RawMessage, deps *Deps) {
	var msg packet.ViewportMsg
	if err := packet.Decode(raw, &msg); err != nil || !finite(msg.X) || !finite(msg.Z) {
		sendError(sess, packet.ErrBadMessage, "invalid viewport message")
		return
	}
	sess.Sub.Viewport = world.Vec3{X: msg.X, Z: msg.Z}
	sess.Sub.HasViewport = true
}

// HandleFollow anchors interest on an agent. An empty id clears it.
func HandleFollow(sess *net.Session, raw json.RawMessage, deps *Deps) {
	var msg packet.FollowMsg
	if err := packet.Decode(raw, &msg); err != nil {
		sendError(sess, packet.ErrBadMessage, "invalid follow message")
		return
	}
	if msg.AgentID != "" && !deps.World.Registry().Has(msg.AgentID) {
		sendError(sess, packet.ErrUnknownAgent, "unknown agent "+msg.AgentID)
		return
	}
	sess.Sub.FollowAgentID = msg.AgentID
}

func HandleAck(sess *net.Session, raw json.RawMessage, deps *Deps) {
	var msg packet.AckMsg
	if err := packet.Decode(raw, &msg); err != nil {
		sendError(sess, packet.ErrBadMessage, "invalid ack message")
		return
	}
	if msg.Tick > sess.Sub.LastAckTick && msg.Tick <= deps.World.Tick() {
		sess.Sub.LastAckTick = msg.Tick
	}
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
