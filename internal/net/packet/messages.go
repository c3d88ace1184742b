package packet

import (
	"encoding/json"
	"time"

	"github.com/worldsync/server/internal/world"
)

// Server → client message types.
const (
	TypeSnapshot = "snapshot"
	TypeWorld    = "world"
	TypeRoomInfo = "roomInfo"
	TypePing     = "ping"
	TypeProfiles = "profiles"
	TypeProfile  = "profile"
	TypeError    = "error"
)

// Client → server message types.
const (
	TypeSubscribe       = "subscribe"
	TypeRequestProfiles = "requestProfiles"
	TypeRequestProfile  = "requestProfile"
	TypeViewport        = "viewport"
	TypeFollow          = "follow"
	TypePong            = "pong"
	TypeAck             = "ack"
	// TypeRoomInfo is also a request.
)

// Error codes used only on the observer channel.
const (
	ErrBadMessage   = "E_MALFORMED"
	ErrUnknownAgent = "E_UNKNOWN_AGENT"
)

type SnapshotMsg struct {
	Type       string            `json:"type"`
	Tick       uint64            `json:"tick"`
	ServerTime int64             `json:"serverTime"`
	Agents     []world.AgentView `json:"agents"`
}

// WorldMsg is the per-tick batch. Messages are pre-encoded events.
type WorldMsg struct {
	Type     string            `json:"type"`
	Tick     uint64            `json:"tick"`
	Messages []json.RawMessage `json:"messages"`
}

type RoomInfo struct {
	RoomID      string `json:"roomId"`
	Name        string `json:"name,omitempty"`
	Capacity    int    `json:"capacity"`
	Active      int    `json:"active"`
	Registered  int    `json:"registered"`
	Subscribers int    `json:"subscribers"`
	Tick        uint64 `json:"tick"`
	TickRateMs  int64  `json:"tickRateMs"`
}

// BuildRoomInfo summarizes the room as of snap.
func BuildRoomInfo(snap *world.Snapshot, roomID, name string, tickRate time.Duration, subscribers int) RoomInfo {
	return RoomInfo{
		RoomID:      roomID,
		Name:        name,
		Capacity:    snap.Capacity,
		Active:      snap.ActiveCount(),
		Registered:  len(snap.Profiles),
		Subscribers: subscribers,
		Tick:        snap.Tick,
		TickRateMs:  tickRate.Milliseconds(),
	}
}

type RoomInfoMsg struct {
	Type string   `json:"type"`
	Info RoomInfo `json:"info"`
}

type PingMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Tick      uint64 `json:"tick"`
}

type ProfilesMsg struct {
	Type     string               `json:"type"`
	Profiles []world.AgentProfile `json:"profiles"`
}

type ProfileMsg struct {
	Type    string             `json:"type"`
	Profile world.AgentProfile `json:"profile"`
}

type ErrorMsg struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Point is a viewport anchor on the x/z plane.
type Point struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

type SubscribeMsg struct {
	Viewport  *Point   `json:"viewport,omitempty"`
	Follow    string   `json:"follow,omitempty"`
	Radius    *float64 `json:"radius,omitempty"`
	Proximity bool     `json:"proximity,omitempty"`
}

type RequestProfileMsg struct {
	AgentID string `json:"agentId"`
}

type ViewportMsg struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

type FollowMsg struct {
	AgentID string `json:"agentId"`
}

type PongMsg struct {
	Timestamp int64 `json:"timestamp"`
}

type AckMsg struct {
	Tick uint64 `json:"tick"`
}

// Envelope decodes only the discriminator. Clients use it to route frames.
type Envelope struct {
	Type string `json:"type"`
}

// Encode marshals a server message. Every message type above marshals
// without error, so failures indicate a programming bug and panic.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("packet: encode: " + err.Error())
	}
	return b
}

// Decode unmarshals a client message body.
func Decode(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func NewError(code, reason string) []byte {
	return Encode(ErrorMsg{Type: TypeError, Code: code, Reason: reason})
}
