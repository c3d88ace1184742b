package system

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/worldsync/server/internal/command"
	coresys "github.com/worldsync/server/internal/core/system"
	"github.com/worldsync/server/internal/world"
)

// CommandSystem opens the tick frame, applies queued commands in arrival
// order and closes the frame. Phase 2 (Update).
type CommandSystem struct {
	world      *world.State
	queue      *command.Queue
	maxPerTick int
	log        *zap.Logger

	batch   []command.Command
	pending []pendingReply
	applied uint64
	skipped uint64
}

type pendingReply struct {
	cmd command.Command
	res command.RegisterResult
}

func NewCommandSystem(ws *world.State, q *command.Queue, maxPerTick int, log *zap.Logger) *CommandSystem {
	if maxPerTick <= 0 {
		maxPerTick = 512
	}
	return &CommandSystem{world: ws, queue: q, maxPerTick: maxPerTick, log: log}
}

func (s *CommandSystem) Phase() coresys.Phase { return coresys.PhaseUpdate }

func (s *CommandSystem) Update(_ time.Duration) {
	s.world.BeginTick()
	s.batch = s.queue.Drain(s.maxPerTick, s.batch[:0])
	for i := range s.batch {
		s.apply(&s.batch[i])
	}
	// release references held by the reused batch
	clear(s.batch)
	s.world.EndUpdate()
}

func (s *CommandSystem) apply(cmd *command.Command) {
	var err error
	switch cmd.Verb {
	case command.VerbRegister:
		var stored world.AgentProfile
		stored, err = s.world.Register(cmd.Profile, cmd.Spawn)
		res := command.RegisterResult{Profile: stored, Tick: s.world.Tick()}
		if errors.Is(err, world.ErrRoomFull) {
			res.Err = command.Rejectf(command.CodeRoomFull, "room is full (%d agents)", s.world.Capacity())
		} else if err != nil {
			res.Err = err
		}
		s.pending = append(s.pending, pendingReply{cmd: *cmd, res: res})
	case command.VerbMove:
		p, rot := cmd.Position, cmd.Rotation
		if cur, ok := s.world.Agent(cmd.AgentID); ok {
			if cmd.KeepY {
				p.Y = cur.Position.Y
			}
			if cmd.KeepRotation {
				rot = cur.Position.Rotation
			}
		}
		err = s.world.Move(cmd.AgentID, p, rot)
	case command.VerbAction:
		err = s.world.SetAction(cmd.AgentID, cmd.Action)
	case command.VerbEmote:
		err = s.world.Emote(cmd.AgentID, cmd.Emote)
	case command.VerbChat:
		err = s.world.Chat(cmd.AgentID, cmd.Text)
	case command.VerbDM:
		err = s.world.DM(cmd.AgentID, cmd.To, cmd.Text)
	case command.VerbLeave:
		err = s.world.Leave(cmd.AgentID, world.LeaveRequested)
	default:
		err = command.Rejectf(command.CodeUnknownVerb, "unknown verb %q", cmd.Verb)
	}

	switch {
	case err == nil:
		s.applied++
	case errors.Is(err, world.ErrNotActive), errors.Is(err, world.ErrNotRegistered):
		// the agent left or was evicted between intake and apply
		s.skipped++
	default:
		s.skipped++
		s.log.Debug("command dropped",
			zap.String("verb", string(cmd.Verb)),
			zap.String("agent", cmd.AgentID),
			zap.Uint64("seq", cmd.Seq),
			zap.Error(err),
		)
	}
}

// AnswerPending delivers register results once the tick that applied them
// is visible to readers.
func (s *CommandSystem) AnswerPending() {
	for i := range s.pending {
		s.pending[i].cmd.Respond(s.pending[i].res)
	}
	clear(s.pending)
	s.pending = s.pending[:0]
}

// Stats reports how many commands were applied and skipped since start.
func (s *CommandSystem) Stats() (applied, skipped uint64) {
	return s.applied, s.skipped
}
