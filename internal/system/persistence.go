package system

import (
	"sort"
	"time"

	"github.com/worldsync/server/internal/core/event"
	coresys "github.com/worldsync/server/internal/core/system"
	"github.com/worldsync/server/internal/world"
)

// PersistenceSystem hands the tick's committed events and changed profiles
// to the bus. Subscribers (event log, durable store) receive them at the
// start of the next tick and must not block. Phase 5 (Persist).
type PersistenceSystem struct {
	world *world.State
	bus   *event.Bus
}

func NewPersistenceSystem(ws *world.State, bus *event.Bus) *PersistenceSystem {
	return &PersistenceSystem{world: ws, bus: bus}
}

func (s *PersistenceSystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *PersistenceSystem) Update(_ time.Duration) {
	frame := s.world.Frame()
	if len(frame.Events) > 0 {
		events := make([]world.Event, len(frame.Events))
		copy(events, frame.Events)
		event.Emit(s.bus, event.TickCommitted{Tick: frame.Tick, At: frame.At, Events: events})
	}
	if len(frame.Profiles) > 0 {
		ids := make([]string, 0, len(frame.Profiles))
		for id := range frame.Profiles {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		profiles := make([]world.AgentProfile, 0, len(ids))
		for _, id := range ids {
			if p, ok := s.world.Registry().Get(id); ok {
				profiles = append(profiles, p)
			}
		}
		event.Emit(s.bus, event.ProfilesChanged{Tick: frame.Tick, Profiles: profiles})
	}
}

// SaveAll emits every registry entry. Called on graceful shutdown, after
// the loop has stopped, so a final dispatch flushes it to the store.
func (s *PersistenceSystem) SaveAll() {
	event.Emit(s.bus, event.ProfilesChanged{Tick: s.world.Tick(), Profiles: s.world.Registry().All()})
}
