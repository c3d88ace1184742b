package system

import "time"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput      Phase = iota // 0: accept sessions, drain client messages
	PhasePreUpdate               // 1: dispatch last tick's bus events
	PhaseUpdate                  // 2: drain command queue, mutate world state
	PhasePostUpdate              // 3: idle eviction
	PhaseOutput                  // 4: interest sets, deltas, heartbeats
	PhasePersist                 // 5: hand committed events to log/store
	PhaseCleanup                 // 6: publish snapshot, reset tick frame
)

func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "input"
	case PhasePreUpdate:
		return "pre-update"
	case PhaseUpdate:
		return "update"
	case PhasePostUpdate:
		return "post-update"
	case PhaseOutput:
		return "output"
	case PhasePersist:
		return "persist"
	case PhaseCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// System is the interface every tick system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
