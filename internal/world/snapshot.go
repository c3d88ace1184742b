package world

import (
	"sort"
	"time"
)

// AgentView is one active agent as observers see it.
type AgentView struct {
	Profile  AgentProfile  `json:"profile"`
	Position AgentPosition `json:"position"`
	Action   string        `json:"action"`
}

// Snapshot is an immutable view of the world as of one committed tick.
// It is shared between goroutines and must not be modified.
type Snapshot struct {
	Tick     uint64
	At       time.Time
	Capacity int
	Bounds   Bounds
	Agents   []AgentView    // active, sorted by agent id
	Profiles []AgentProfile // registered, sorted by agent id

	agentIdx   map[string]int
	profileIdx map[string]int
}

func (s *Snapshot) indexAgents() {
	s.agentIdx = make(map[string]int, len(s.Agents))
	for i, a := range s.Agents {
		s.agentIdx[a.Profile.AgentID] = i
	}
}

func (s *Snapshot) indexProfiles() {
	s.profileIdx = make(map[string]int, len(s.Profiles))
	for i, p := range s.Profiles {
		s.profileIdx[p.AgentID] = i
	}
}

func (s *Snapshot) ActiveCount() int { return len(s.Agents) }

func (s *Snapshot) IsActive(id string) bool {
	_, ok := s.agentIdx[id]
	return ok
}

func (s *Snapshot) IsRegistered(id string) bool {
	_, ok := s.profileIdx[id]
	return ok
}

func (s *Snapshot) Agent(id string) (AgentView, bool) {
	i, ok := s.agentIdx[id]
	if !ok {
		return AgentView{}, false
	}
	return s.Agents[i], true
}

func (s *Snapshot) Profile(id string) (AgentProfile, bool) {
	i, ok := s.profileIdx[id]
	if !ok {
		return AgentProfile{}, false
	}
	return s.Profiles[i].Clone(), true
}

// Nearby is the read-side counterpart of State.Nearby for callers outside
// the tick goroutine. It scans the snapshot linearly.
func (s *Snapshot) Nearby(id string, r float64) ([]AgentPosition, error) {
	self, ok := s.Agent(id)
	if !ok {
		return nil, ErrNotActive
	}
	from := self.Position.Vec()
	var out []AgentPosition
	for _, a := range s.Agents {
		if a.Profile.AgentID == id {
			continue
		}
		if r > 0 && a.Position.Vec().DistXZ(from) > r {
			continue
		}
		out = append(out, a.Position)
	}
	sortByDistance(out, from)
	return out, nil
}

// ActiveIDs returns the sorted active agent ids.
func (s *Snapshot) ActiveIDs() []string {
	out := make([]string, len(s.Agents))
	for i, a := range s.Agents {
		out[i] = a.Profile.AgentID
	}
	if !sort.StringsAreSorted(out) {
		sort.Strings(out)
	}
	return out
}
