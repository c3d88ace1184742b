package world

import (
	"encoding/json"
	"fmt"
)

// EventKind is the wire discriminator of a WorldEvent.
type EventKind string

const (
	KindPosition   EventKind = "position"
	KindAction     EventKind = "action"
	KindEmote      EventKind = "emote"
	KindChat       EventKind = "chat"
	KindJoin       EventKind = "join"
	KindLeave      EventKind = "leave"
	KindProfile    EventKind = "profile"
	KindAgentMoved EventKind = "agent-moved"
	KindDMNotify   EventKind = "dm-notify"
)

// AllEventKinds lists every variant. Tests use it to keep switches exhaustive.
var AllEventKinds = []EventKind{
	KindPosition, KindAction, KindEmote, KindChat, KindJoin,
	KindLeave, KindProfile, KindAgentMoved, KindDMNotify,
}

// Event is the closed set of world events shared by producers and
// consumers. Only types in this package implement it.
type Event interface {
	Kind() EventKind
	Agent() string
	At() int64
	sealed()
}

// Header is common to every event.
type Header struct {
	Type      EventKind `json:"type"`
	AgentID   string    `json:"agentId"`
	Timestamp int64     `json:"timestamp"`
}

func (h Header) Kind() EventKind { return h.Type }
func (h Header) Agent() string   { return h.AgentID }
func (h Header) At() int64       { return h.Timestamp }

type PositionEvent struct {
	Header
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Rotation float64 `json:"rotation"`
}

type ActionEvent struct {
	Header
	Action string `json:"action"`
}

type EmoteEvent struct {
	Header
	Emote string `json:"emote"`
}

type ChatEvent struct {
	Header
	Name string `json:"name"`
	Text string `json:"text"`
}

type JoinEvent struct {
	Header
	Profile  AgentProfile  `json:"profile"`
	Position AgentPosition `json:"position"`
	Action   string        `json:"action"`
}

type LeaveEvent struct {
	Header
	Reason string `json:"reason"`
}

type ProfileEvent struct {
	Header
	Profile AgentProfile `json:"profile"`
}

// AgentMovedEvent carries the per-tick displacement and the velocity derived
// from it, for observers reasoning about proximity.
type AgentMovedEvent struct {
	Header
	From     Vec3 `json:"from"`
	To       Vec3 `json:"to"`
	Velocity Vec3 `json:"velocity"`
}

// DMNotifyEvent announces that AgentID has a new private message; the text
// itself is only available from the recipient's inbox.
type DMNotifyEvent struct {
	Header
	From string `json:"from"`
}

func (PositionEvent) sealed()   {}
func (ActionEvent) sealed()     {}
func (EmoteEvent) sealed()      {}
func (ChatEvent) sealed()       {}
func (JoinEvent) sealed()       {}
func (LeaveEvent) sealed()      {}
func (ProfileEvent) sealed()    {}
func (AgentMovedEvent) sealed() {}
func (DMNotifyEvent) sealed()   {}

func header(kind EventKind, agentID string, ts int64) Header {
	return Header{Type: kind, AgentID: agentID, Timestamp: ts}
}

// PositionOf builds the position event for an authoritative position.
func PositionOf(p AgentPosition) PositionEvent {
	return PositionEvent{
		Header:   header(KindPosition, p.AgentID, p.Timestamp),
		X:        p.X,
		Y:        p.Y,
		Z:        p.Z,
		Rotation: p.Rotation,
	}
}

// Vec returns the event's position.
func (e PositionEvent) Vec() Vec3 { return Vec3{e.X, e.Y, e.Z} }

// DecodeEvent decodes any event variant from its JSON form.
func DecodeEvent(raw []byte) (Event, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}
	var (
		ev  Event
		err error
	)
	switch h.Type {
	case KindPosition:
		ev, err = decodeAs[PositionEvent](raw)
	case KindAction:
		ev, err = decodeAs[ActionEvent](raw)
	case KindEmote:
		ev, err = decodeAs[EmoteEvent](raw)
	case KindChat:
		ev, err = decodeAs[ChatEvent](raw)
	case KindJoin:
		ev, err = decodeAs[JoinEvent](raw)
	case KindLeave:
		ev, err = decodeAs[LeaveEvent](raw)
	case KindProfile:
		ev, err = decodeAs[ProfileEvent](raw)
	case KindAgentMoved:
		ev, err = decodeAs[AgentMovedEvent](raw)
	case KindDMNotify:
		ev, err = decodeAs[DMNotifyEvent](raw)
	default:
		return nil, fmt.Errorf("unknown event type %q", h.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", h.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](raw []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
