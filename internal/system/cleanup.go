package system

import (
	"time"

	coresys "github.com/worldsync/server/internal/core/system"
	"github.com/worldsync/server/internal/world"
)

// PublishSystem makes the finished tick visible to readers outside the tick
// goroutine, then releases callers waiting on registrations applied in it.
// Phase 6 (Cleanup).
type PublishSystem struct {
	world    *world.State
	commands *CommandSystem
}

func NewPublishSystem(ws *world.State, commands *CommandSystem) *PublishSystem {
	return &PublishSystem{world: ws, commands: commands}
}

func (s *PublishSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *PublishSystem) Update(_ time.Duration) {
	s.world.Publish()
	if s.commands != nil {
		s.commands.AnswerPending()
	}
}
