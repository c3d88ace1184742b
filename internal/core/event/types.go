package event

import (
	"time"

	"github.com/worldsync/server/internal/world"
)

// TickCommitted carries the events one tick applied to the world.
// Events is owned by the receiver; the producer hands over a copy.
type TickCommitted struct {
	Tick   uint64
	At     time.Time
	Events []world.Event
}

// ProfilesChanged carries registry entries created or updated in one tick.
type ProfilesChanged struct {
	Tick     uint64
	Profiles []world.AgentProfile
}

// SessionClosed is emitted when an observer connection is torn down.
type SessionClosed struct {
	SessionID uint64
	Reason    string
	Dropped   int
}
