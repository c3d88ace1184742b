package handler

import (
	"encoding/json"
	"time"

	"github.com/worldsync/server/internal/core/clock"
	"github.com/worldsync/server/internal/net"
	"github.com/worldsync/server/internal/net/packet"
)

func HandleRequestProfiles(sess *net.Session, deps *Deps) {
	snap := deps.World.Published()
	sess.Send(packet.Encode(packet.ProfilesMsg{Type: packet.TypeProfiles, Profiles: snap.Profiles}))
}

func HandleRequestProfile(sess *net.Session, raw json.RawMessage, deps *Deps) {
	var msg packet.RequestProfileMsg
	if err := packet.Decode(raw, &msg); err != nil {
		sendError(sess, packet.ErrBadMessage, "invalid requestProfile message")
		return
	}
	p, ok := deps.World.Published().Profile(msg.AgentID)
	if !ok {
		sendError(sess, packet.ErrUnknownAgent, "unknown agent "+msg.AgentID)
		return
	}
	sess.Send(packet.Encode(packet.ProfileMsg{Type: packet.TypeProfile, Profile: p}))
}

// RoomInfo summarizes the room as of the last committed tick.
func RoomInfo(deps *Deps) packet.RoomInfo {
	subs := 0
	if deps.Sessions != nil {
		subs = deps.Sessions.Subscribers()
	}
	return packet.BuildRoomInfo(deps.World.Published(),
		deps.Config.Server.RoomID, deps.Config.Server.Name, deps.Config.Network.TickRate, subs)
}

func HandleRoomInfo(sess *net.Session, deps *Deps) {
	sess.Send(packet.Encode(packet.RoomInfoMsg{Type: packet.TypeRoomInfo, Info: RoomInfo(deps)}))
}

// HandlePong measures the round trip from the echoed ping timestamp.
func HandlePong(sess *net.Session, raw json.RawMessage, deps *Deps) {
	var msg packet.PongMsg
	if err := packet.Decode(raw, &msg); err != nil || msg.Timestamp <= 0 {
		return
	}
	rtt := time.Duration(clock.Millis(deps.now())-msg.Timestamp) * time.Millisecond
	if rtt >= 0 && rtt < time.Minute {
		sess.SetRTT(rtt)
	}
}
