package world

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/worldsync/server/internal/core/clock"
)

var (
	ErrNotActive     = errors.New("agent not active")
	ErrNotRegistered = errors.New("agent not registered")
	ErrRoomFull      = errors.New("room full")
)

// Leave reasons carried by LeaveEvent.
const (
	LeaveRequested = "leave"
	LeaveIdle      = "idle"
)

const DefaultAction = "idle"

// AgentState is the live record of one active agent.
type AgentState struct {
	Position AgentPosition
	Action   string
	LastSeen time.Time
}

// Frame collects everything that happened during the current tick.
// It is reset by BeginTick.
type Frame struct {
	Tick   uint64
	At     time.Time
	Events []Event

	// Changed holds every agent id that produced an event this tick.
	Changed map[string]struct{}
	// Profiles holds registry entries created or updated this tick.
	Profiles map[string]struct{}

	moveOrder []string
	moveFrom  map[string]moveStart
}

type moveStart struct {
	pos Vec3
	ts  int64
}

func newFrame() Frame {
	return Frame{
		Changed:  make(map[string]struct{}),
		Profiles: make(map[string]struct{}),
		moveFrom: make(map[string]moveStart),
	}
}

func (f *Frame) reset(tick uint64, at time.Time) {
	f.Tick = tick
	f.At = at
	f.Events = f.Events[:0]
	f.moveOrder = f.moveOrder[:0]
	clear(f.Changed)
	clear(f.Profiles)
	clear(f.moveFrom)
}

func (f *Frame) emit(ev Event) {
	f.Events = append(f.Events, ev)
	f.Changed[ev.Agent()] = struct{}{}
}

// Options configures a State.
type Options struct {
	Bounds    Bounds
	CellSize  float64
	Capacity  int
	Spawn     Vec3
	InboxSize int
}

// State is the authoritative world. Every method except Published and the
// mailbox accessors must be called from the tick goroutine.
type State struct {
	clock    clock.Clock
	bounds   Bounds
	spawn    Vec3
	capacity int

	tick     uint64
	agents   map[string]*AgentState
	grid     *Grid
	registry *Registry
	frame    Frame
	mail     *Mailbox

	published atomic.Pointer[Snapshot]
	// reused by Publish while no profile changed
	profileCache []AgentProfile
	profileDirty bool
}

func NewState(clk clock.Clock, opts Options) *State {
	if opts.Capacity <= 0 {
		opts.Capacity = 64
	}
	s := &State{
		clock:        clk,
		bounds:       opts.Bounds,
		spawn:        opts.Spawn,
		capacity:     opts.Capacity,
		agents:       make(map[string]*AgentState),
		grid:         NewGrid(opts.CellSize),
		registry:     NewRegistry(),
		frame:        newFrame(),
		mail:         NewMailbox(opts.InboxSize),
		profileDirty: true,
	}
	s.frame.At = clk.Now()
	s.Publish()
	return s
}

func (s *State) Tick() uint64         { return s.tick }
func (s *State) Frame() *Frame        { return &s.frame }
func (s *State) Bounds() Bounds       { return s.bounds }
func (s *State) Capacity() int        { return s.capacity }
func (s *State) ActiveCount() int     { return len(s.agents) }
func (s *State) Registry() *Registry  { return s.registry }
func (s *State) Mailbox() *Mailbox    { return s.mail }
func (s *State) Grid() *Grid          { return s.grid }
func (s *State) Published() *Snapshot { return s.published.Load() }

func (s *State) IsActive(id string) bool {
	_, ok := s.agents[id]
	return ok
}

// Agent returns a copy of an active agent's state.
func (s *State) Agent(id string) (AgentState, bool) {
	a, ok := s.agents[id]
	if !ok {
		return AgentState{}, false
	}
	return *a, true
}

// Restore seeds the registry from the durable store. Call before the first tick.
func (s *State) Restore(profiles []AgentProfile) {
	s.registry.Restore(profiles)
	s.profileDirty = true
}

// BeginTick advances the tick counter and starts a fresh frame.
func (s *State) BeginTick() *Frame {
	s.tick++
	s.frame.reset(s.tick, s.clock.Now())
	return &s.frame
}

func (s *State) nowMillis() int64 { return clock.Millis(s.frame.At) }

// Register creates or updates a profile. An inactive agent becomes active at
// spawn (or the configured spawn point) and a join event is emitted; an
// already active agent gets a profile event.
func (s *State) Register(p AgentProfile, spawn *Vec3) (AgentProfile, error) {
	_, active := s.agents[p.AgentID]
	if !active && len(s.agents) >= s.capacity {
		return AgentProfile{}, ErrRoomFull
	}
	stored, _ := s.registry.Upsert(p, s.frame.At)
	s.frame.Profiles[p.AgentID] = struct{}{}
	s.profileDirty = true
	ts := s.nowMillis()

	if active {
		a := s.agents[p.AgentID]
		a.LastSeen = s.frame.At
		s.frame.emit(ProfileEvent{Header: header(KindProfile, p.AgentID, ts), Profile: stored})
		return stored, nil
	}

	at := s.spawn
	if spawn != nil {
		at = *spawn
	}
	a := &AgentState{
		Position: AgentPosition{AgentID: p.AgentID, X: at.X, Y: at.Y, Z: at.Z, Timestamp: ts},
		Action:   DefaultAction,
		LastSeen: s.frame.At,
	}
	s.agents[p.AgentID] = a
	s.grid.Insert(p.AgentID, at)
	s.frame.emit(JoinEvent{
		Header:   header(KindJoin, p.AgentID, ts),
		Profile:  stored,
		Position: a.Position,
		Action:   a.Action,
	})
	return stored, nil
}

// Move sets an agent's position. Events are not emitted here: EndUpdate
// emits one coalesced position per moved agent so the last move wins.
func (s *State) Move(id string, p Vec3, rotation float64) error {
	a, ok := s.agents[id]
	if !ok {
		return ErrNotActive
	}
	if _, seen := s.frame.moveFrom[id]; !seen {
		s.frame.moveFrom[id] = moveStart{pos: a.Position.Vec(), ts: a.Position.Timestamp}
		s.frame.moveOrder = append(s.frame.moveOrder, id)
	}
	a.Position.X, a.Position.Y, a.Position.Z = p.X, p.Y, p.Z
	a.Position.Rotation = WrapAngle(rotation)
	a.Position.Timestamp = s.nowMillis()
	a.LastSeen = s.frame.At
	s.grid.Move(id, p)
	return nil
}

func (s *State) SetAction(id, action string) error {
	a, ok := s.agents[id]
	if !ok {
		return ErrNotActive
	}
	a.Action = action
	a.LastSeen = s.frame.At
	s.frame.emit(ActionEvent{Header: header(KindAction, id, s.nowMillis()), Action: action})
	return nil
}

func (s *State) Emote(id, emote string) error {
	a, ok := s.agents[id]
	if !ok {
		return ErrNotActive
	}
	a.LastSeen = s.frame.At
	s.frame.emit(EmoteEvent{Header: header(KindEmote, id, s.nowMillis()), Emote: emote})
	return nil
}

func (s *State) Chat(id, text string) error {
	a, ok := s.agents[id]
	if !ok {
		return ErrNotActive
	}
	a.LastSeen = s.frame.At
	name := id
	if p, ok := s.registry.Get(id); ok && p.Name != "" {
		name = p.Name
	}
	s.frame.emit(ChatEvent{Header: header(KindChat, id, s.nowMillis()), Name: name, Text: text})
	return nil
}

// DM stores a private message in the recipient's inbox and emits a
// notification carrying only the sender.
func (s *State) DM(from, to, text string) error {
	a, ok := s.agents[from]
	if !ok {
		return ErrNotActive
	}
	if !s.registry.Has(to) {
		return ErrNotRegistered
	}
	a.LastSeen = s.frame.At
	ts := s.nowMillis()
	s.mail.Put(DirectMessage{From: from, To: to, Text: text, Timestamp: ts})
	s.frame.emit(DMNotifyEvent{Header: header(KindDMNotify, to, ts), From: from})
	return nil
}

// Leave removes an active agent from the world and the grid. A pending
// move for the agent in this tick is discarded.
func (s *State) Leave(id, reason string) error {
	if _, ok := s.agents[id]; !ok {
		return ErrNotActive
	}
	delete(s.agents, id)
	s.grid.Remove(id)
	if _, moved := s.frame.moveFrom[id]; moved {
		delete(s.frame.moveFrom, id)
		for i, m := range s.frame.moveOrder {
			if m == id {
				s.frame.moveOrder = append(s.frame.moveOrder[:i], s.frame.moveOrder[i+1:]...)
				break
			}
		}
	}
	s.registry.Touch(id, s.frame.At)
	s.frame.Profiles[id] = struct{}{}
	s.profileDirty = true
	s.frame.emit(LeaveEvent{Header: header(KindLeave, id, s.nowMillis()), Reason: reason})
	return nil
}

// EndUpdate emits one position and one agent-moved event per agent that
// moved this tick, in first-move order. Velocity is displacement over the
// time since the agent's previous authoritative position.
func (s *State) EndUpdate() {
	for _, id := range s.frame.moveOrder {
		a, ok := s.agents[id]
		if !ok {
			continue
		}
		start := s.frame.moveFrom[id]
		to := a.Position.Vec()
		var vel Vec3
		if dt := float64(a.Position.Timestamp-start.ts) / 1000; dt > 0 {
			vel = to.Sub(start.pos).Scale(1 / dt)
		}
		s.frame.emit(PositionOf(a.Position))
		s.frame.emit(AgentMovedEvent{
			Header:   header(KindAgentMoved, id, a.Position.Timestamp),
			From:     start.pos,
			To:       to,
			Velocity: vel,
		})
	}
	s.frame.moveOrder = s.frame.moveOrder[:0]
	// profile LastSeen follows activity
	for id := range s.frame.Changed {
		if a, ok := s.agents[id]; ok {
			s.registry.Touch(id, a.LastSeen)
			s.profileDirty = true
		}
	}
}

// Evict removes agents whose last activity is older than idle. It returns
// the evicted ids in sorted order.
func (s *State) Evict(idle time.Duration) []string {
	if idle <= 0 {
		return nil
	}
	cutoff := s.frame.At.Add(-idle)
	var out []string
	for id, a := range s.agents {
		if a.LastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	for _, id := range out {
		_ = s.Leave(id, LeaveIdle)
	}
	return out
}

// InRange returns the active agent ids within r of center (r <= 0: all).
func (s *State) InRange(center Vec3, r float64, dst []string) []string {
	return s.grid.QueryRadius(center, r, dst)
}

// Nearby returns the active agents within r of id, excluding id, nearest first.
func (s *State) Nearby(id string, r float64) ([]AgentPosition, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotActive
	}
	ids := s.grid.QueryRadius(a.Position.Vec(), r, nil)
	out := make([]AgentPosition, 0, len(ids))
	for _, other := range ids {
		if other == id {
			continue
		}
		out = append(out, s.agents[other].Position)
	}
	sortByDistance(out, a.Position.Vec())
	return out, nil
}

func sortByDistance(ps []AgentPosition, from Vec3) {
	sort.Slice(ps, func(i, j int) bool {
		di, dj := ps[i].Vec().DistXZ(from), ps[j].Vec().DistXZ(from)
		if di != dj {
			return di < dj
		}
		return ps[i].AgentID < ps[j].AgentID
	})
}

// Positions returns every active agent's position keyed by id.
func (s *State) Positions() map[string]Vec3 {
	out := make(map[string]Vec3, len(s.agents))
	for id, a := range s.agents {
		out[id] = a.Position.Vec()
	}
	return out
}

// RebuildIndex re-indexes the grid from authoritative positions.
func (s *State) RebuildIndex() { s.grid.Rebuild(s.Positions()) }

// Publish builds an immutable snapshot of the current tick and makes it
// visible to readers outside the tick goroutine.
func (s *State) Publish() *Snapshot {
	prev := s.published.Load()
	snap := &Snapshot{
		Tick:     s.tick,
		At:       s.frame.At,
		Capacity: s.capacity,
		Bounds:   s.bounds,
	}

	if s.profileDirty || prev == nil {
		s.profileCache = s.registry.All()
		s.profileDirty = false
		snap.Profiles = s.profileCache
		snap.indexProfiles()
	} else {
		snap.Profiles = prev.Profiles
		snap.profileIdx = prev.profileIdx
	}

	if prev != nil && len(s.frame.Changed) == 0 && len(s.frame.Profiles) == 0 {
		snap.Agents = prev.Agents
		snap.agentIdx = prev.agentIdx
	} else {
		snap.Agents = s.agentViews()
		snap.indexAgents()
	}
	s.published.Store(snap)
	return snap
}

// Capture builds a snapshot of the tick in progress without publishing it.
// Used to resync an observer whose delta stream had a gap.
func (s *State) Capture() *Snapshot {
	snap := &Snapshot{
		Tick:     s.tick,
		At:       s.frame.At,
		Capacity: s.capacity,
		Bounds:   s.bounds,
		Agents:   s.agentViews(),
		Profiles: s.registry.All(),
	}
	snap.indexAgents()
	snap.indexProfiles()
	return snap
}

func (s *State) agentViews() []AgentView {
	out := make([]AgentView, 0, len(s.agents))
	for id, a := range s.agents {
		p, _ := s.registry.Get(id)
		out = append(out, AgentView{Profile: p, Position: a.Position, Action: a.Action})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile.AgentID < out[j].Profile.AgentID })
	return out
}
