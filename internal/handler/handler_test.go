package handler

import (
	"encoding/json"
	"errors"
	stdnet "net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/worldsync/server/internal/config"
	"github.com/worldsync/server/internal/core/clock"
	"github.com/worldsync/server/internal/net"
	"github.com/worldsync/server/internal/net/packet"
	"github.com/worldsync/server/internal/world"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// nopConn never delivers reads and discards writes. Sessions in these
// tests are not started; output is read straight off OutQueue.
type nopConn struct{}

func (nopConn) ReadMessage() (int, []byte, error)         { return 0, nil, errors.New("closed") }
func (nopConn) WriteMessage(int, []byte) error            { return nil }
func (nopConn) WriteControl(int, []byte, time.Time) error { return nil }
func (nopConn) SetReadDeadline(time.Time) error           { return nil }
func (nopConn) SetWriteDeadline(time.Time) error          { return nil }
func (nopConn) RemoteAddr() stdnet.Addr                   { return nil }
func (nopConn) Close() error                              { return nil }

type fixture struct {
	deps *Deps
	clk  *clock.Manual
	reg  *packet.Registry
}

func newFixture(t *testing.T, agents map[string]world.Vec3) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	clk := clock.NewManual(t0)
	cfg := config.Default()
	ws := world.NewState(clk, world.Options{
		Bounds:   world.Bounds{Min: world.Vec3{X: -100, Z: -100}, Max: world.Vec3{X: 100, Y: 50, Z: 100}},
		CellSize: 10,
		Capacity: 16,
	})
	ws.BeginTick()
	for id, at := range agents {
		at := at
		if _, err := ws.Register(world.AgentProfile{AgentID: id, Name: id}, &at); err != nil {
			t.Fatal(err)
		}
	}
	ws.EndUpdate()
	ws.Publish()

	deps := &Deps{Config: cfg, Log: log, World: ws, Sessions: net.NewSessionStore(), Clock: clk}
	reg := packet.NewRegistry(log)
	RegisterAll(reg, deps)
	return &fixture{deps: deps, clk: clk, reg: reg}
}

func (f *fixture) session(t *testing.T, id uint64) *net.Session {
	s := net.NewSession(nopConn{}, id, net.SessionOptions{OutQueueSize: 32}, zaptest.NewLogger(t))
	f.deps.Sessions.Add(s)
	return s
}

func (f *fixture) dispatch(t *testing.T, s *net.Session, msg string) error {
	t.Helper()
	return f.reg.Dispatch(s, s.State(), []byte(msg))
}

// sent flushes the session and returns the decoded messages it queued.
func sent(t *testing.T, s *net.Session) []map[string]any {
	t.Helper()
	if s.FlushOutput() {
		t.Fatal("unexpected drop")
	}
	var out []map[string]any
	for {
		select {
		case raw := <-s.OutQueue:
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("decode %s: %v", raw, err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestSubscribeSendsSnapshot(t *testing.T) {
	f := newFixture(t, map[string]world.Vec3{"a": {X: 1}, "b": {X: 90, Z: 90}})
	s := f.session(t, 1)

	if err := f.dispatch(t, s, `{"type":"subscribe","viewport":{"x":0,"z":0},"radius":20}`); err != nil {
		t.Fatal(err)
	}
	if s.State() != packet.StateSubscribed {
		t.Fatalf("state = %v", s.State())
	}
	if s.Sub.Radius != 20 || !s.Sub.HasViewport {
		t.Fatalf("sub = %+v", s.Sub)
	}
	for _, id := range []string{"a", "b"} {
		if !s.Sub.Knows(id) {
			t.Errorf("%s should be known after the snapshot", id)
		}
	}

	msgs := sent(t, s)
	if len(msgs) != 1 || msgs[0]["type"] != packet.TypeSnapshot {
		t.Fatalf("msgs = %v", msgs)
	}
	if agents, _ := msgs[0]["agents"].([]any); len(agents) != 2 {
		t.Fatalf("snapshot agents = %v", msgs[0]["agents"])
	}
}

func TestSubscribeEmptyWorldSendsEmptyList(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, 1)
	if err := f.dispatch(t, s, `{"type":"subscribe"}`); err != nil {
		t.Fatal(err)
	}
	msgs := sent(t, s)
	agents, ok := msgs[0]["agents"].([]any)
	if !ok || len(agents) != 0 {
		t.Fatalf("agents = %#v", msgs[0]["agents"])
	}
}

func TestClampRadius(t *testing.T) {
	f := newFixture(t, nil)
	f.deps.Config.World.InterestRadius = 40
	f.deps.Config.World.MaxRadius = 200
	r := func(v float64) *float64 { return &v }

	cases := []struct {
		name string
		in   *float64
		want float64
	}{
		{"default", nil, 40},
		{"explicit", r(15), 15},
		{"capped", r(1000), 200},
		{"unbounded request", r(0), 200},
	}
	for _, tc := range cases {
		if got := clampRadius(f.deps, tc.in); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}

	f.deps.Config.World.MaxRadius = 0
	if got := clampRadius(f.deps, r(-1)); got != 0 {
		t.Errorf("uncapped unbounded request: got %v", got)
	}
}

func TestObserverMessagesRequireSubscription(t *testing.T) {
	f := newFixture(t, map[string]world.Vec3{"a": {}})
	s := f.session(t, 1)
	for _, msg := range []string{
		`{"type":"viewport","x":1,"z":1}`,
		`{"type":"follow","agentId":"a"}`,
		`{"type":"ack","tick":1}`,
	} {
		if err := f.dispatch(t, s, msg); err == nil {
			t.Errorf("%s accepted before subscribe", msg)
		}
	}
	// informational requests work right away
	if err := f.dispatch(t, s, `{"type":"roomInfo"}`); err != nil {
		t.Fatal(err)
	}
	msgs := sent(t, s)
	if len(msgs) != 1 || msgs[0]["type"] != packet.TypeRoomInfo {
		t.Fatalf("msgs = %v", msgs)
	}
}

func TestFollow(t *testing.T) {
	f := newFixture(t, map[string]world.Vec3{"a": {X: 5}})
	s := f.session(t, 1)
	f.dispatch(t, s, `{"type":"subscribe"}`)
	sent(t, s)

	f.dispatch(t, s, `{"type":"follow","agentId":"ghost"}`)
	msgs := sent(t, s)
	if len(msgs) != 1 || msgs[0]["code"] != packet.ErrUnknownAgent {
		t.Fatalf("msgs = %v", msgs)
	}
	if s.Sub.FollowAgentID != "" {
		t.Fatal("unknown agent must not be followed")
	}

	f.dispatch(t, s, `{"type":"follow","agentId":"a"}`)
	if s.Sub.FollowAgentID != "a" {
		t.Fatalf("follow = %q", s.Sub.FollowAgentID)
	}
	if got := s.Sub.Anchor(f.deps.World); got.X != 5 {
		t.Fatalf("anchor = %+v", got)
	}
	f.dispatch(t, s, `{"type":"follow","agentId":""}`)
	if s.Sub.FollowAgentID != "" {
		t.Fatal("empty id should clear follow")
	}
}

func TestAckIsMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, 1)
	f.dispatch(t, s, `{"type":"subscribe"}`)
	for i := 0; i < 3; i++ {
		f.deps.World.BeginTick()
		f.deps.World.EndUpdate()
		f.deps.World.Publish()
	}
	tick := f.deps.World.Tick()

	f.dispatch(t, s, `{"type":"ack","tick":`+itoa(tick)+`}`)
	if s.Sub.LastAckTick != tick {
		t.Fatalf("ack = %d want %d", s.Sub.LastAckTick, tick)
	}
	f.dispatch(t, s, `{"type":"ack","tick":1}`)
	if s.Sub.LastAckTick != tick {
		t.Fatal("ack went backwards")
	}
	f.dispatch(t, s, `{"type":"ack","tick":`+itoa(tick+10)+`}`)
	if s.Sub.LastAckTick != tick {
		t.Fatal("ack accepted a future tick")
	}
}

func TestPongMeasuresRTT(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session(t, 1)
	sentAt := clock.Millis(f.clk.Now())
	f.clk.Advance(40 * time.Millisecond)

	f.dispatch(t, s, `{"type":"pong","timestamp":`+itoa(uint64(sentAt))+`}`)
	if s.RTT() != 40*time.Millisecond {
		t.Fatalf("rtt = %v", s.RTT())
	}
	// a timestamp from the future is ignored
	f.dispatch(t, s, `{"type":"pong","timestamp":`+itoa(uint64(sentAt+10_000))+`}`)
	if s.RTT() != 40*time.Millisecond {
		t.Fatalf("rtt = %v", s.RTT())
	}
}

func TestRequestProfile(t *testing.T) {
	f := newFixture(t, map[string]world.Vec3{"a": {}})
	s := f.session(t, 1)

	f.dispatch(t, s, `{"type":"requestProfile","agentId":"a"}`)
	f.dispatch(t, s, `{"type":"requestProfile","agentId":"zz"}`)
	f.dispatch(t, s, `{"type":"requestProfiles"}`)
	msgs := sent(t, s)
	if len(msgs) != 3 {
		t.Fatalf("msgs = %v", msgs)
	}
	if msgs[0]["type"] != packet.TypeProfile || msgs[1]["code"] != packet.ErrUnknownAgent || msgs[2]["type"] != packet.TypeProfiles {
		t.Fatalf("msgs = %v", msgs)
	}
}

func itoa(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
