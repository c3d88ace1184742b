// Package client is the observer side of the world stream: it mirrors the
// authoritative state and produces smooth display positions through
// interpolation, coasting while disconnected, and resync on reconnect.
package client

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/worldsync/server/internal/core/clock"
	"github.com/worldsync/server/internal/net/packet"
	"github.com/worldsync/server/internal/world"
)

// Options tunes the reconciler.
type Options struct {
	// InterpolationDuration smooths each ordinary position update.
	InterpolationDuration time.Duration
	// ResyncWindow is how long a reconnect correction takes.
	ResyncWindow time.Duration
	// VelocityWindow is the number of samples per agent (3 to 5).
	VelocityWindow int
	// VelocityNoiseFloor merges samples closer together than this.
	VelocityNoiseFloor time.Duration
	// VelocityStaleAfter zeroes the velocity of an agent whose last
	// position update is older than this when the link drops.
	VelocityStaleAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		InterpolationDuration: 50 * time.Millisecond,
		ResyncWindow:          time.Second,
		VelocityWindow:        4,
		VelocityNoiseFloor:    10 * time.Millisecond,
		VelocityStaleAfter:    500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InterpolationDuration <= 0 {
		o.InterpolationDuration = d.InterpolationDuration
	}
	if o.ResyncWindow <= 0 {
		o.ResyncWindow = d.ResyncWindow
	}
	if o.VelocityWindow < 3 || o.VelocityWindow > 5 {
		o.VelocityWindow = d.VelocityWindow
	}
	if o.VelocityNoiseFloor <= 0 {
		o.VelocityNoiseFloor = d.VelocityNoiseFloor
	}
	if o.VelocityStaleAfter <= 0 {
		o.VelocityStaleAfter = d.VelocityStaleAfter
	}
	return o
}

// PredictedAgentState is the client's display state for one agent: a linear
// interpolation from Current to Target starting at Start.
type PredictedAgentState struct {
	AgentID  string
	Name     string
	Action   string
	Rotation float64

	Current  world.Vec3
	Target   world.Vec3
	Velocity world.Vec3
	Start    time.Time
	Duration time.Duration
	// Resync marks an interpolation started by a reconnect correction.
	Resync bool

	// coasting origin, set when the link drops
	coastFrom world.Vec3
	placed    bool
	// local time of the last position sample
	sampledAt time.Time

	history *VelocityEstimator
}

// At is the interpolated position at now. Once the interpolation has run
// its course the result is exactly Target.
func (p *PredictedAgentState) At(now time.Time) world.Vec3 {
	if p.Duration <= 0 {
		return p.Target
	}
	elapsed := now.Sub(p.Start)
	if elapsed >= p.Duration {
		return p.Target
	}
	if elapsed <= 0 {
		return p.Current
	}
	return p.Current.Lerp(p.Target, float64(elapsed)/float64(p.Duration))
}

func (p *PredictedAgentState) settle(pos world.Vec3, now time.Time) {
	p.Current = pos
	p.Target = pos
	p.Start = now
	p.Duration = 0
	p.Resync = false
	p.placed = true
}

// AgentView is one agent as the client would draw it.
type AgentView struct {
	AgentID  string
	Name     string
	Action   string
	Position world.Vec3
	Rotation float64
}

// Reconciler turns the snapshot and delta stream into display positions.
// Safe for concurrent use: the connection feeds it while a render loop reads.
type Reconciler struct {
	opts  Options
	clock clock.Clock
	log   *zap.Logger

	mu       sync.Mutex
	agents   map[string]*PredictedAgentState
	tick     uint64
	synced   bool
	coasting bool
	outageAt time.Time
}

func NewReconciler(opts Options, clk clock.Clock, log *zap.Logger) *Reconciler {
	return &Reconciler{
		opts:   opts.withDefaults(),
		clock:  clk,
		log:    log,
		agents: make(map[string]*PredictedAgentState),
	}
}

// Tick is the last server tick applied.
func (r *Reconciler) Tick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

func (r *Reconciler) Coasting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coasting
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Disconnect starts coasting: every agent keeps moving along its last
// estimated velocity from where it was displayed at this instant. Agents
// with no position update within VelocityStaleAfter are at rest and stay
// put. Calling it again during the same outage has no effect.
func (r *Reconciler) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coasting || !r.synced {
		return
	}
	now := r.clock.Now()
	r.coasting = true
	r.outageAt = now
	for _, st := range r.agents {
		st.coastFrom = st.At(now)
		if now.Sub(st.sampledAt) > r.opts.VelocityStaleAfter {
			st.Velocity = world.Vec3{}
		}
	}
	r.log.Debug("coasting", zap.Int("agents", len(r.agents)))
}

// coastPosition is where a coasting agent is displayed at now.
func (r *Reconciler) coastPosition(st *PredictedAgentState, now time.Time) world.Vec3 {
	d := now.Sub(r.outageAt).Seconds()
	if d < 0 {
		d = 0
	}
	return st.coastFrom.Add(st.Velocity.Scale(d))
}

// OnSnapshot applies a full snapshot. After an outage, agents seen before
// steer from their coasted position to the server's over the resync window
// and their velocity history is cleared. New agents start where the server
// says; agents missing from the snapshot are dropped.
func (r *Reconciler) OnSnapshot(msg packet.SnapshotMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	resync := r.coasting

	seen := make(map[string]struct{}, len(msg.Agents))
	for _, a := range msg.Agents {
		id := a.Profile.AgentID
		seen[id] = struct{}{}
		pos := a.Position.Vec()

		st, ok := r.agents[id]
		if !ok {
			st = r.newAgent(id)
			st.settle(pos, now)
		} else if resync {
			st.Current = r.coastPosition(st, now)
			st.Target = pos
			st.Start = now
			st.Duration = r.opts.ResyncWindow
			st.Resync = true
		} else {
			r.retarget(st, pos, now)
		}
		st.Name = a.Profile.Name
		st.Action = a.Action
		st.Rotation = a.Position.Rotation
		if resync || !ok {
			st.history.Reset()
			st.Velocity = world.Vec3{}
		}
		st.history.Observe(a.Position.Timestamp, pos)
		st.sampledAt = now
	}
	for id := range r.agents {
		if _, ok := seen[id]; !ok {
			delete(r.agents, id)
		}
	}

	r.tick = msg.Tick
	r.synced = true
	r.coasting = false
	if resync {
		r.log.Debug("resynced", zap.Uint64("tick", msg.Tick), zap.Duration("outage", now.Sub(r.outageAt)))
	}
}

// OnWorld applies one tick's batch. Batches at or before the last applied
// tick are ignored. Returns the number of events that failed to decode.
func (r *Reconciler) OnWorld(msg packet.WorldMsg) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.synced || msg.Tick <= r.tick {
		return 0
	}
	now := r.clock.Now()
	if r.coasting {
		// live data ends coasting at the coasted position
		for _, st := range r.agents {
			st.settle(r.coastPosition(st, now), now)
		}
		r.coasting = false
	}

	bad := 0
	for _, raw := range msg.Messages {
		ev, err := world.DecodeEvent(raw)
		if err != nil {
			bad++
			continue
		}
		r.apply(ev, now)
	}
	r.tick = msg.Tick
	return bad
}

func (r *Reconciler) apply(ev world.Event, now time.Time) {
	id := ev.Agent()
	switch e := ev.(type) {
	case world.JoinEvent:
		st := r.newAgent(id)
		pos := e.Position.Vec()
		st.settle(pos, now)
		st.Name = e.Profile.Name
		st.Action = e.Action
		st.Rotation = e.Position.Rotation
		st.history.Observe(e.Position.Timestamp, pos)
		st.sampledAt = now
	case world.PositionEvent:
		pos := e.Vec()
		st, ok := r.agents[id]
		if !ok {
			st = r.newAgent(id)
		}
		if st.placed {
			r.retarget(st, pos, now)
		} else {
			st.settle(pos, now)
		}
		st.Rotation = e.Rotation
		st.history.Observe(e.Timestamp, pos)
		st.Velocity = st.history.Velocity()
		st.sampledAt = now
	case world.ActionEvent:
		if st, ok := r.agents[id]; ok {
			st.Action = e.Action
		}
	case world.ProfileEvent:
		if st, ok := r.agents[id]; ok {
			st.Name = e.Profile.Name
		} else {
			// an entry: the position follows in the same batch
			st = r.newAgent(id)
			st.Name = e.Profile.Name
		}
	case world.LeaveEvent:
		delete(r.agents, id)
	}
}

// retarget starts a new interpolation from the displayed position. A
// correction still in its resync window keeps the time it has left.
func (r *Reconciler) retarget(st *PredictedAgentState, pos world.Vec3, now time.Time) {
	cur := st.At(now)
	d := r.opts.InterpolationDuration
	if st.Resync {
		if remaining := st.Start.Add(st.Duration).Sub(now); remaining > 0 {
			d = remaining
		} else {
			st.Resync = false
		}
	}
	st.Current = cur
	st.Target = pos
	st.Start = now
	st.Duration = d
}

func (r *Reconciler) newAgent(id string) *PredictedAgentState {
	st := &PredictedAgentState{
		AgentID: id,
		history: NewVelocityEstimator(r.opts.VelocityWindow, r.opts.VelocityNoiseFloor),
	}
	r.agents[id] = st
	return st
}

// Position is where the agent is displayed at now.
func (r *Reconciler) Position(id string, now time.Time) (world.Vec3, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.agents[id]
	if !ok {
		return world.Vec3{}, false
	}
	return r.display(st, now), true
}

func (r *Reconciler) display(st *PredictedAgentState, now time.Time) world.Vec3 {
	if r.coasting {
		return r.coastPosition(st, now)
	}
	return st.At(now)
}

// State returns a copy of the agent's prediction state.
func (r *Reconciler) State(id string) (PredictedAgentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.agents[id]
	if !ok {
		return PredictedAgentState{}, false
	}
	cp := *st
	cp.history = nil
	return cp, true
}

// HistoryLen reports how many velocity samples are held for the agent.
func (r *Reconciler) HistoryLen(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.agents[id]; ok {
		return st.history.Len()
	}
	return 0
}

// Agents returns every tracked agent as displayed at now, sorted by id.
func (r *Reconciler) Agents(now time.Time) []AgentView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AgentView, 0, len(r.agents))
	for id, st := range r.agents {
		out = append(out, AgentView{
			AgentID:  id,
			Name:     st.Name,
			Action:   st.Action,
			Position: r.display(st, now),
			Rotation: st.Rotation,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
