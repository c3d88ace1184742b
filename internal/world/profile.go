package world

import (
	"sort"
	"time"
)

// Skill is a declared agent skill.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AgentProfile is the registry entry for an agent identity.
type AgentProfile struct {
	AgentID      string    `json:"agentId"`
	Name         string    `json:"name"`
	Color        string    `json:"color,omitempty"`
	Bio          string    `json:"bio,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Skills       []Skill   `json:"skills,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Clone returns a deep copy; profiles never leave the registry by reference.
func (p AgentProfile) Clone() AgentProfile {
	if p.Capabilities != nil {
		p.Capabilities = append([]string(nil), p.Capabilities...)
	}
	if p.Skills != nil {
		p.Skills = append([]Skill(nil), p.Skills...)
	}
	return p
}

// AgentPosition is the authoritative placement of one active agent.
type AgentPosition struct {
	AgentID   string  `json:"agentId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Rotation  float64 `json:"rotation"`
	Timestamp int64   `json:"timestamp"`
}

func (p AgentPosition) Vec() Vec3 { return Vec3{p.X, p.Y, p.Z} }

// Registry is the in-memory agent directory. Entries are created on first
// registration, updated in place afterwards and never deleted.
// Owned by the tick goroutine; other goroutines read Snapshot copies.
type Registry struct {
	profiles map[string]*AgentProfile
}

func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*AgentProfile)}
}

// Upsert creates or updates a profile. CreatedAt survives re-registration.
func (r *Registry) Upsert(p AgentProfile, now time.Time) (AgentProfile, bool) {
	cur, ok := r.profiles[p.AgentID]
	if !ok {
		p = p.Clone()
		p.CreatedAt = now
		p.LastSeen = now
		r.profiles[p.AgentID] = &p
		return p.Clone(), true
	}
	created := cur.CreatedAt
	*cur = p.Clone()
	cur.CreatedAt = created
	cur.LastSeen = now
	return cur.Clone(), false
}

// Restore loads previously persisted profiles, keeping their timestamps.
func (r *Registry) Restore(profiles []AgentProfile) {
	for _, p := range profiles {
		p := p.Clone()
		r.profiles[p.AgentID] = &p
	}
}

func (r *Registry) Get(id string) (AgentProfile, bool) {
	p, ok := r.profiles[id]
	if !ok {
		return AgentProfile{}, false
	}
	return p.Clone(), true
}

func (r *Registry) Has(id string) bool {
	_, ok := r.profiles[id]
	return ok
}

func (r *Registry) Touch(id string, now time.Time) {
	if p, ok := r.profiles[id]; ok {
		p.LastSeen = now
	}
}

func (r *Registry) Len() int { return len(r.profiles) }

// All returns copies ordered by agent id.
func (r *Registry) All() []AgentProfile {
	out := make([]AgentProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
