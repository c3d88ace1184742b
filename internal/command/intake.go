package command

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/worldsync/server/internal/core/clock"
)

// Intake is the entry point for untrusted commands: validate, then queue.
type Intake struct {
	validator       *Validator
	queue           *Queue
	clock           clock.Clock
	log             *zap.Logger
	registerTimeout time.Duration
}

func NewIntake(v *Validator, q *Queue, clk clock.Clock, registerTimeout time.Duration, log *zap.Logger) *Intake {
	if registerTimeout <= 0 {
		registerTimeout = 2 * time.Second
	}
	return &Intake{validator: v, queue: q, clock: clk, log: log, registerTimeout: registerTimeout}
}

func (in *Intake) Queue() *Queue { return in.queue }

// Submit validates and queues cmd, returning its sequence number.
func (in *Intake) Submit(cmd Command) (uint64, error) {
	if err := in.validator.Validate(&cmd); err != nil {
		in.log.Debug("command rejected",
			zap.String("verb", string(cmd.Verb)),
			zap.String("agent", cmd.AgentID),
			zap.Error(err))
		return 0, err
	}
	cmd.Received = in.clock.Now()
	seq, err := in.queue.Push(cmd)
	if err != nil {
		in.log.Debug("command not queued",
			zap.String("verb", string(cmd.Verb)),
			zap.String("agent", cmd.AgentID),
			zap.Error(err))
		return 0, err
	}
	return seq, nil
}

// Register submits a register command and waits until the tick that applied
// it has been published, so the caller can immediately act as the agent.
func (in *Intake) Register(ctx context.Context, cmd Command) (RegisterResult, error) {
	cmd.Verb = VerbRegister
	cmd.Reply = make(chan RegisterResult, 1)
	if _, err := in.Submit(cmd); err != nil {
		return RegisterResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, in.registerTimeout)
	defer cancel()
	select {
	case res := <-cmd.Reply:
		if res.Err != nil {
			return res, res.Err
		}
		return res, nil
	case <-ctx.Done():
		return RegisterResult{}, Rejectf(CodeBusy, "registration not applied in time")
	}
}
