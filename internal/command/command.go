// Package command holds the untrusted mutation path: commands are validated
// in the caller's goroutine against the last published snapshot, then queued
// in arrival order for the tick goroutine to apply.
package command

import (
	"time"

	"github.com/worldsync/server/internal/world"
)

type Verb string

const (
	VerbRegister Verb = "register"
	VerbMove     Verb = "move"
	VerbChat     Verb = "chat"
	VerbAction   Verb = "action"
	VerbEmote    Verb = "emote"
	VerbLeave    Verb = "leave"
	VerbDM       Verb = "dm"
)

var verbs = map[Verb]struct{}{
	VerbRegister: {}, VerbMove: {}, VerbChat: {}, VerbAction: {},
	VerbEmote: {}, VerbLeave: {}, VerbDM: {},
}

// ParseVerb maps a wire verb to a Verb.
func ParseVerb(s string) (Verb, error) {
	v := Verb(s)
	if _, ok := verbs[v]; !ok {
		return "", Rejectf(CodeUnknownVerb, "unknown verb %q", s)
	}
	return v, nil
}

// Command is one accepted or candidate mutation. Only the fields of its
// verb are meaningful.
type Command struct {
	Verb     Verb
	AgentID  string
	Seq      uint64
	Received time.Time

	// register
	Profile world.AgentProfile
	Spawn   *world.Vec3
	Reply   chan RegisterResult

	// move; KeepY and KeepRotation leave the agent's current value in place
	Position     world.Vec3
	Rotation     float64
	KeepY        bool
	KeepRotation bool

	// chat, dm
	Text string
	To   string

	// action, emote
	Action string
	Emote  string
}

// RegisterResult answers a register command once its tick is published.
type RegisterResult struct {
	Profile world.AgentProfile
	Tick    uint64
	Err     error
}

// Respond delivers a register result without blocking. The reply channel is
// created with capacity one and answered at most once.
func (c *Command) Respond(res RegisterResult) {
	if c.Reply == nil {
		return
	}
	select {
	case c.Reply <- res:
	default:
	}
}
