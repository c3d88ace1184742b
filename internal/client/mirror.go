package client

import (
	"fmt"
	"sort"

	"github.com/worldsync/server/internal/net/packet"
	"github.com/worldsync/server/internal/world"
)

// Mirror is an exact replica of the agents a subscription has been told
// about: the last snapshot with every later batch applied in order. Not
// safe for concurrent use.
type Mirror struct {
	tick   uint64
	agents map[string]*world.AgentView
}

func NewMirror() *Mirror {
	return &Mirror{agents: make(map[string]*world.AgentView)}
}

func (m *Mirror) Tick() uint64 { return m.tick }

func (m *Mirror) Len() int { return len(m.agents) }

// ApplySnapshot replaces the replica.
func (m *Mirror) ApplySnapshot(msg packet.SnapshotMsg) {
	clear(m.agents)
	for _, a := range msg.Agents {
		v := a
		m.agents[a.Profile.AgentID] = &v
	}
	m.tick = msg.Tick
}

// ApplyWorld applies one batch. Batches must arrive in tick order.
func (m *Mirror) ApplyWorld(msg packet.WorldMsg) error {
	if msg.Tick <= m.tick {
		return fmt.Errorf("batch for tick %d after tick %d", msg.Tick, m.tick)
	}
	for _, raw := range msg.Messages {
		ev, err := world.DecodeEvent(raw)
		if err != nil {
			return fmt.Errorf("tick %d: %w", msg.Tick, err)
		}
		m.apply(ev)
	}
	m.tick = msg.Tick
	return nil
}

func (m *Mirror) apply(ev world.Event) {
	id := ev.Agent()
	switch e := ev.(type) {
	case world.JoinEvent:
		m.agents[id] = &world.AgentView{Profile: e.Profile, Position: e.Position, Action: e.Action}
	case world.ProfileEvent:
		m.view(id).Profile = e.Profile
	case world.PositionEvent:
		m.view(id).Position = world.AgentPosition{
			AgentID:   id,
			X:         e.X,
			Y:         e.Y,
			Z:         e.Z,
			Rotation:  e.Rotation,
			Timestamp: e.Timestamp,
		}
	case world.ActionEvent:
		m.view(id).Action = e.Action
	case world.LeaveEvent:
		delete(m.agents, id)
	}
}

func (m *Mirror) view(id string) *world.AgentView {
	v, ok := m.agents[id]
	if !ok {
		v = &world.AgentView{}
		v.Profile.AgentID = id
		m.agents[id] = v
	}
	return v
}

func (m *Mirror) Agent(id string) (world.AgentView, bool) {
	v, ok := m.agents[id]
	if !ok {
		return world.AgentView{}, false
	}
	return *v, true
}

// Agents returns the replica sorted by agent id.
func (m *Mirror) Agents() []world.AgentView {
	out := make([]world.AgentView, 0, len(m.agents))
	for _, v := range m.agents {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile.AgentID < out[j].Profile.AgentID })
	return out
}
