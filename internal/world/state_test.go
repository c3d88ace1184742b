package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/worldsync/server/internal/core/clock"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestState(capacity int) (*State, *clock.Manual) {
	clk := clock.NewManual(t0)
	s := NewState(clk, Options{
		Bounds:   Bounds{Min: Vec3{-100, 0, -100}, Max: Vec3{100, 50, 100}},
		CellSize: 10,
		Capacity: capacity,
	})
	return s, clk
}

func register(t *testing.T, s *State, id string, at Vec3) {
	t.Helper()
	if _, err := s.Register(AgentProfile{AgentID: id, Name: "n-" + id}, &at); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind()
	}
	return out
}

func TestRegisterJoinThenProfileUpdate(t *testing.T) {
	s, clk := newTestState(4)
	s.BeginTick()
	register(t, s, "a", Vec3{1, 0, 1})
	s.EndUpdate()
	s.Publish()

	evs := s.Frame().Events
	if len(evs) != 1 || evs[0].Kind() != KindJoin {
		t.Fatalf("events = %v", kinds(evs))
	}
	created := s.Published().Profiles[0].CreatedAt

	clk.Advance(time.Second)
	s.BeginTick()
	if _, err := s.Register(AgentProfile{AgentID: "a", Name: "renamed"}, nil); err != nil {
		t.Fatal(err)
	}
	s.EndUpdate()
	snap := s.Publish()
	if k := kinds(s.Frame().Events); len(k) != 1 || k[0] != KindProfile {
		t.Fatalf("events = %v", k)
	}
	p, _ := snap.Profile("a")
	if p.Name != "renamed" || !p.CreatedAt.Equal(created) {
		t.Fatalf("profile = %+v (created %v)", p, created)
	}
	// re-registering an active agent does not teleport it
	v, _ := snap.Agent("a")
	if v.Position.X != 1 || v.Position.Z != 1 {
		t.Fatalf("position = %+v", v.Position)
	}
}

func TestRegisterCapacity(t *testing.T) {
	s, _ := newTestState(2)
	s.BeginTick()
	register(t, s, "a", Vec3{})
	register(t, s, "b", Vec3{})
	if _, err := s.Register(AgentProfile{AgentID: "c"}, nil); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err = %v, want ErrRoomFull", err)
	}
	// already active agents may always re-register
	if _, err := s.Register(AgentProfile{AgentID: "a"}, nil); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if s.Registry().Has("c") {
		t.Fatalf("rejected agent must not be registered")
	}
}

func TestMovesCoalescePerTick(t *testing.T) {
	s, clk := newTestState(4)
	s.BeginTick()
	register(t, s, "a", Vec3{0, 0, 0})
	s.EndUpdate()

	clk.Advance(500 * time.Millisecond)
	s.BeginTick()
	for _, x := range []float64{1, 2, 3} {
		if err := s.Move("a", Vec3{x, 0, 0}, 0); err != nil {
			t.Fatal(err)
		}
	}
	s.EndUpdate()

	var positions []PositionEvent
	var moved []AgentMovedEvent
	for _, e := range s.Frame().Events {
		switch ev := e.(type) {
		case PositionEvent:
			positions = append(positions, ev)
		case AgentMovedEvent:
			moved = append(moved, ev)
		}
	}
	if len(positions) != 1 || positions[0].X != 3 {
		t.Fatalf("positions = %+v", positions)
	}
	if len(moved) != 1 {
		t.Fatalf("moved = %+v", moved)
	}
	// 3 units over 0.5s
	if v := moved[0].Velocity; math.Abs(v.X-6) > 1e-9 || v.Z != 0 {
		t.Fatalf("velocity = %+v", v)
	}
	if moved[0].From != (Vec3{}) || moved[0].To != (Vec3{3, 0, 0}) {
		t.Fatalf("moved = %+v", moved[0])
	}
	if positions[0].Timestamp != clock.Millis(clk.Now()) {
		t.Fatalf("timestamp = %d", positions[0].Timestamp)
	}
}

func TestRotationWrappedAtApply(t *testing.T) {
	s, _ := newTestState(4)
	s.BeginTick()
	register(t, s, "a", Vec3{})
	_ = s.Move("a", Vec3{}, 1.5*math.Pi)
	a, _ := s.Agent("a")
	if math.Abs(a.Position.Rotation-(-0.5*math.Pi)) > 1e-9 {
		t.Fatalf("rotation = %v", a.Position.Rotation)
	}
}

func TestLeaveDropsPendingMoveAndIsIdempotent(t *testing.T) {
	s, _ := newTestState(4)
	s.BeginTick()
	register(t, s, "a", Vec3{})
	s.EndUpdate()

	s.BeginTick()
	_ = s.Move("a", Vec3{5, 0, 5}, 0)
	if err := s.Leave("a", LeaveRequested); err != nil {
		t.Fatal(err)
	}
	if err := s.Leave("a", LeaveRequested); !errors.Is(err, ErrNotActive) {
		t.Fatalf("second leave err = %v", err)
	}
	s.EndUpdate()
	if k := kinds(s.Frame().Events); len(k) != 1 || k[0] != KindLeave {
		t.Fatalf("events = %v", k)
	}
	if s.Grid().Len() != 0 || s.IsActive("a") {
		t.Fatalf("agent still indexed")
	}
	snap := s.Publish()
	if snap.IsActive("a") || !snap.IsRegistered("a") {
		t.Fatalf("snapshot active=%v registered=%v", snap.IsActive("a"), snap.IsRegistered("a"))
	}
	if err := s.Move("a", Vec3{}, 0); !errors.Is(err, ErrNotActive) {
		t.Fatalf("move after leave err = %v", err)
	}
}

func TestEvictIdleAgents(t *testing.T) {
	s, clk := newTestState(4)
	s.BeginTick()
	register(t, s, "a", Vec3{})
	register(t, s, "b", Vec3{})
	s.EndUpdate()

	clk.Advance(20 * time.Second)
	s.BeginTick()
	_ = s.Move("b", Vec3{1, 0, 1}, 0)
	s.EndUpdate()

	clk.Advance(20 * time.Second)
	s.BeginTick()
	got := s.Evict(30 * time.Second)
	if fmt.Sprint(got) != "[a]" {
		t.Fatalf("evicted %v", got)
	}
	ev, ok := s.Frame().Events[0].(LeaveEvent)
	if !ok || ev.Reason != LeaveIdle {
		t.Fatalf("event = %#v", s.Frame().Events[0])
	}
	if s.Evict(0) != nil {
		t.Fatalf("zero timeout must disable eviction")
	}
}

func TestChatUsesProfileName(t *testing.T) {
	s, _ := newTestState(4)
	s.BeginTick()
	register(t, s, "a", Vec3{})
	if err := s.Chat("a", "hello"); err != nil {
		t.Fatal(err)
	}
	ev := s.Frame().Events[1].(ChatEvent)
	if ev.Name != "n-a" || ev.Text != "hello" {
		t.Fatalf("chat = %+v", ev)
	}
	if err := s.Chat("ghost", "x"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v", err)
	}
}

func TestDMStoresAndNotifies(t *testing.T) {
	s, _ := newTestState(4)
	s.BeginTick()
	register(t, s, "a", Vec3{})
	register(t, s, "b", Vec3{})
	if err := s.DM("a", "b", "psst"); err != nil {
		t.Fatal(err)
	}
	if err := s.DM("a", "nobody", "psst"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err = %v", err)
	}
	last := s.Frame().Events[len(s.Frame().Events)-1].(DMNotifyEvent)
	if last.AgentID != "b" || last.From != "a" {
		t.Fatalf("notify = %+v", last)
	}
	msgs := s.Mailbox().Take("b")
	if len(msgs) != 1 || msgs[0].Text != "psst" {
		t.Fatalf("inbox = %+v", msgs)
	}
	if s.Mailbox().Len("b") != 0 {
		t.Fatalf("take must clear the inbox")
	}
}

func TestMailboxDropsOldest(t *testing.T) {
	m := NewMailbox(2)
	for i := 0; i < 3; i++ {
		m.Put(DirectMessage{To: "b", Text: fmt.Sprint(i)})
	}
	got := m.Take("b")
	if len(got) != 2 || got[0].Text != "1" || got[1].Text != "2" {
		t.Fatalf("got %+v", got)
	}
}

func TestPublishedSnapshotIsStable(t *testing.T) {
	s, _ := newTestState(4)
	s.BeginTick()
	register(t, s, "b", Vec3{2, 0, 0})
	register(t, s, "a", Vec3{1, 0, 0})
	s.EndUpdate()
	first := s.Publish()

	s.BeginTick()
	_ = s.Move("a", Vec3{9, 0, 9}, 0)
	s.EndUpdate()

	// not yet published: readers still see the previous tick
	if v, _ := s.Published().Agent("a"); v.Position.X != 1 {
		t.Fatalf("unpublished move leaked: %+v", v.Position)
	}
	second := s.Publish()
	if first.Tick+1 != second.Tick {
		t.Fatalf("ticks %d -> %d", first.Tick, second.Tick)
	}
	if v, _ := first.Agent("a"); v.Position.X != 1 {
		t.Fatalf("old snapshot mutated: %+v", v.Position)
	}
	if ids := second.ActiveIDs(); fmt.Sprint(ids) != "[a b]" {
		t.Fatalf("ids = %v", ids)
	}

	// quiet tick reuses the agent list
	s.BeginTick()
	s.EndUpdate()
	third := s.Publish()
	if third.Tick != second.Tick+1 || len(third.Agents) != 2 {
		t.Fatalf("third = %+v", third)
	}
}

func TestNearby(t *testing.T) {
	s, _ := newTestState(8)
	s.BeginTick()
	register(t, s, "me", Vec3{0, 0, 0})
	register(t, s, "close", Vec3{3, 0, 4})
	register(t, s, "closer", Vec3{1, 0, 0})
	register(t, s, "far", Vec3{50, 0, 0})
	s.EndUpdate()

	got, err := s.Nearby("me", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].AgentID != "closer" || got[1].AgentID != "close" {
		t.Fatalf("nearby = %+v", got)
	}
	snapGot, err := s.Publish().Nearby("me", 10)
	if err != nil || fmt.Sprint(snapGot) != fmt.Sprint(got) {
		t.Fatalf("snapshot nearby = %+v, %v", snapGot, err)
	}
	if _, err := s.Nearby("ghost", 10); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v", err)
	}
}

func TestComputeInterest(t *testing.T) {
	s, _ := newTestState(8)
	s.BeginTick()
	register(t, s, "near", Vec3{5, 0, 0})
	register(t, s, "far", Vec3{80, 0, 0})
	s.EndUpdate()

	sub := NewSubscription(20)
	sub.Viewport, sub.HasViewport = Vec3{}, true
	in, _ := s.ComputeInterest(sub, nil)
	if fmt.Sprint(in.Entered) != "[near]" || len(in.Updated) != 0 {
		t.Fatalf("interest = %+v", in)
	}
	sub.Apply(in)

	s.BeginTick()
	_ = s.Move("far", Vec3{81, 0, 0}, 0)
	_ = s.Move("near", Vec3{6, 0, 0}, 0)
	s.EndUpdate()
	in, _ = s.ComputeInterest(sub, nil)
	if fmt.Sprint(in.Updated) != "[near]" || len(in.Entered) != 0 {
		t.Fatalf("interest = %+v", in)
	}

	// walking out of range drops the agent from the known set
	s.BeginTick()
	_ = s.Move("near", Vec3{65, 0, 0}, 0)
	s.EndUpdate()
	in, _ = s.ComputeInterest(sub, nil)
	if fmt.Sprint(in.Exited) != "[near]" {
		t.Fatalf("interest = %+v", in)
	}
	sub.Apply(in)
	if sub.Knows("near") {
		t.Fatalf("still known")
	}

	// follow overrides the viewport
	sub.FollowAgentID = "far"
	in, _ = s.ComputeInterest(sub, nil)
	if fmt.Sprint(in.Entered) != "[far near]" {
		t.Fatalf("follow interest = %+v", in)
	}
}

func TestInterestSubsetOfActive(t *testing.T) {
	s, _ := newTestState(64)
	s.BeginTick()
	for i := 0; i < 40; i++ {
		register(t, s, fmt.Sprintf("a%02d", i), Vec3{float64(i*4 - 80), 0, float64(i%7) * 10})
	}
	s.EndUpdate()
	s.BeginTick()
	for i := 0; i < 40; i += 3 {
		_ = s.Leave(fmt.Sprintf("a%02d", i), LeaveRequested)
	}
	s.EndUpdate()

	sub := NewSubscription(0)
	in, _ := s.ComputeInterest(sub, nil)
	for _, id := range append(in.Entered, in.Updated...) {
		if !s.IsActive(id) {
			t.Fatalf("%s in interest but not active", id)
		}
	}
	if len(in.Entered) != s.ActiveCount() {
		t.Fatalf("unbounded radius saw %d of %d", len(in.Entered), s.ActiveCount())
	}
}

func TestEventKindsExhaustive(t *testing.T) {
	samples := map[EventKind]Event{
		KindPosition:   PositionOf(AgentPosition{AgentID: "a", X: 1, Timestamp: 5}),
		KindAction:     ActionEvent{Header: header(KindAction, "a", 5), Action: "wave"},
		KindEmote:      EmoteEvent{Header: header(KindEmote, "a", 5), Emote: "cheer"},
		KindChat:       ChatEvent{Header: header(KindChat, "a", 5), Name: "A", Text: "hi"},
		KindJoin:       JoinEvent{Header: header(KindJoin, "a", 5), Profile: AgentProfile{AgentID: "a"}, Action: "idle"},
		KindLeave:      LeaveEvent{Header: header(KindLeave, "a", 5), Reason: LeaveRequested},
		KindProfile:    ProfileEvent{Header: header(KindProfile, "a", 5), Profile: AgentProfile{AgentID: "a", Name: "A"}},
		KindAgentMoved: AgentMovedEvent{Header: header(KindAgentMoved, "a", 5), To: Vec3{1, 2, 3}},
		KindDMNotify:   DMNotifyEvent{Header: header(KindDMNotify, "a", 5), From: "b"},
	}
	if len(samples) != len(AllEventKinds) {
		t.Fatalf("%d samples for %d kinds", len(samples), len(AllEventKinds))
	}
	for _, k := range AllEventKinds {
		ev, ok := samples[k]
		if !ok {
			t.Fatalf("no sample for %s", k)
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			t.Fatal(err)
		}
		back, err := DecodeEvent(raw)
		if err != nil {
			t.Fatalf("%s: %v", k, err)
		}
		if back.Kind() != k || back.Agent() != "a" || back.At() != 5 {
			t.Fatalf("%s decoded as %#v", k, back)
		}
	}
	if _, err := DecodeEvent([]byte(`{"type":"teleport"}`)); err == nil {
		t.Fatalf("unknown type accepted")
	}
}

func TestWrapAngle(t *testing.T) {
	cases := map[float64]float64{
		0:              0,
		math.Pi:        -math.Pi,
		-math.Pi:       -math.Pi,
		2 * math.Pi:    0,
		-2 * math.Pi:   0,
		1.5 * math.Pi:  -0.5 * math.Pi,
		-1.5 * math.Pi: 0.5 * math.Pi,
	}
	for in, want := range cases {
		if got := WrapAngle(in); math.Abs(got-want) > 1e-9 {
			t.Errorf("WrapAngle(%v) = %v, want %v", in, got, want)
		}
	}
}
