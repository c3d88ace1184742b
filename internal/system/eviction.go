package system

import (
	"time"

	"go.uber.org/zap"

	coresys "github.com/worldsync/server/internal/core/system"
	"github.com/worldsync/server/internal/world"
)

// EvictionSystem removes agents that have been idle longer than the
// configured timeout. Phase 3 (PostUpdate).
type EvictionSystem struct {
	world *world.State
	idle  time.Duration
	log   *zap.Logger
}

func NewEvictionSystem(ws *world.State, idle time.Duration, log *zap.Logger) *EvictionSystem {
	return &EvictionSystem{world: ws, idle: idle, log: log}
}

func (s *EvictionSystem) Phase() coresys.Phase { return coresys.PhasePostUpdate }

func (s *EvictionSystem) Update(_ time.Duration) {
	if s.idle <= 0 {
		return
	}
	for _, id := range s.world.Evict(s.idle) {
		s.log.Info("agent evicted", zap.String("agent", id), zap.Duration("idle", s.idle))
	}
}
