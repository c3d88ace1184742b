package world

import "sort"

// Subscription is one observer's interest configuration plus the set of
// agents it has been told about. Owned by the tick goroutine.
type Subscription struct {
	FollowAgentID string
	Viewport      Vec3
	HasViewport   bool
	Radius        float64 // <= 0: unbounded
	Proximity     bool    // receive agent-moved events
	LastAckTick   uint64
	// Resync is set when a batch was dropped; the next delivery is a full
	// snapshot instead of a delta.
	Resync bool

	Known map[string]struct{}
}

func NewSubscription(radius float64) *Subscription {
	return &Subscription{Radius: radius, Known: make(map[string]struct{})}
}

// Anchor picks the interest centre: the followed agent while it is active,
// otherwise the viewport, otherwise the centre of the world.
func (sub *Subscription) Anchor(s *State) Vec3 {
	if sub.FollowAgentID != "" {
		if a, ok := s.agents[sub.FollowAgentID]; ok {
			return a.Position.Vec()
		}
	}
	if sub.HasViewport {
		return sub.Viewport
	}
	return s.bounds.Center()
}

func (sub *Subscription) Knows(id string) bool {
	_, ok := sub.Known[id]
	return ok
}

// Reset replaces the known set with the agents of a full snapshot.
func (sub *Subscription) Reset(agents []AgentView) {
	clear(sub.Known)
	for _, a := range agents {
		sub.Known[a.Profile.AgentID] = struct{}{}
	}
}

// Interest is one subscription's view of one tick.
type Interest struct {
	// Entered are in range but not yet known: they get a full position.
	Entered []string
	// Updated are known, in range and changed this tick (the interest set).
	Updated []string
	// Exited were known but are out of range or gone.
	Exited []string
}

// ComputeInterest diffs the agents currently in range of sub against its
// known set. It does not modify sub; call Apply once the batch is queued.
func (s *State) ComputeInterest(sub *Subscription, scratch []string) (Interest, []string) {
	scratch = s.grid.QueryRadius(sub.Anchor(s), sub.Radius, scratch[:0])
	var in Interest
	inRange := make(map[string]struct{}, len(scratch))
	for _, id := range scratch {
		inRange[id] = struct{}{}
		if !sub.Knows(id) {
			in.Entered = append(in.Entered, id)
			continue
		}
		if _, changed := s.frame.Changed[id]; changed {
			in.Updated = append(in.Updated, id)
		}
	}
	for id := range sub.Known {
		if _, ok := inRange[id]; !ok {
			in.Exited = append(in.Exited, id)
		}
	}
	sort.Strings(in.Entered)
	sort.Strings(in.Exited)
	return in, scratch
}

// Apply records the outcome of a delivered batch in the known set.
func (sub *Subscription) Apply(in Interest) {
	for _, id := range in.Exited {
		delete(sub.Known, id)
	}
	for _, id := range in.Entered {
		sub.Known[id] = struct{}{}
	}
}
