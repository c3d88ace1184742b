package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/worldsync/server/internal/core/clock"
	"github.com/worldsync/server/internal/data"
	"github.com/worldsync/server/internal/scripting"
	"github.com/worldsync/server/internal/world"
)

var testBounds = world.Bounds{Min: world.Vec3{X: -100, Y: 0, Z: -100}, Max: world.Vec3{X: 100, Y: 50, Z: 100}}

// newWorld returns a published state with the given active agents and
// "gone", which is registered but has left.
func newWorld(t *testing.T, capacity int, active ...string) *world.State {
	t.Helper()
	s := world.NewState(clock.NewManual(time.Unix(1000, 0)), world.Options{Bounds: testBounds, Capacity: capacity})
	s.BeginTick()
	if _, err := s.Register(world.AgentProfile{AgentID: "gone"}, nil); err != nil {
		t.Fatal(err)
	}
	_ = s.Leave("gone", world.LeaveRequested)
	for _, id := range active {
		if _, err := s.Register(world.AgentProfile{AgentID: id}, nil); err != nil {
			t.Fatal(err)
		}
	}
	s.EndUpdate()
	s.Publish()
	return s
}

func newValidator(t *testing.T, src SnapshotSource, filter *Filter) *Validator {
	return NewValidator(src, Limits{Bounds: testBounds, MaxChatRunes: 10, MaxDMRunes: 20}, data.DefaultVocabulary(), filter)
}

func code(err error) Code {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code
	}
	return ""
}

func TestValidateRejectsNonFinite(t *testing.T) {
	v := newValidator(t, newWorld(t, 4, "a"), nil)
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		for axis := 0; axis < 3; axis++ {
			p := world.Vec3{}
			switch axis {
			case 0:
				p.X = bad
			case 1:
				p.Y = bad
			case 2:
				p.Z = bad
			}
			cmd := Command{Verb: VerbMove, AgentID: "a", Position: p}
			if c := code(v.Validate(&cmd)); c != CodeMalformed {
				t.Errorf("axis %d value %v: code %q", axis, bad, c)
			}
		}
		cmd := Command{Verb: VerbMove, AgentID: "a", Rotation: bad}
		if c := code(v.Validate(&cmd)); c != CodeMalformed {
			t.Errorf("rotation %v: code %q", bad, c)
		}
	}
}

func TestValidateMoveBoundsAndRotation(t *testing.T) {
	v := newValidator(t, newWorld(t, 4, "a"), nil)
	cases := []struct {
		pos  world.Vec3
		rot  float64
		want Code
	}{
		{world.Vec3{X: 100, Y: 50, Z: -100}, 0, ""},
		{world.Vec3{X: 100.01}, 0, CodeMalformed},
		{world.Vec3{Y: -1}, 0, CodeMalformed},
		{world.Vec3{}, 2 * math.Pi, ""},
		{world.Vec3{}, -2*math.Pi - 0.001, CodeMalformed},
	}
	for _, c := range cases {
		cmd := Command{Verb: VerbMove, AgentID: "a", Position: c.pos, Rotation: c.rot}
		if got := code(v.Validate(&cmd)); got != c.want {
			t.Errorf("%+v rot %v: code %q want %q", c.pos, c.rot, got, c.want)
		}
	}
}

func TestValidateAgentIdentity(t *testing.T) {
	v := newValidator(t, newWorld(t, 4, "a"), nil)

	cmd := Command{Verb: VerbChat, AgentID: "stranger", Text: "hi"}
	if c := code(v.Validate(&cmd)); c != CodeUnknownAgent {
		t.Fatalf("unregistered: %q", c)
	}
	for _, id := range []string{"", "has space", strings.Repeat("x", 65), "emoji🙂"} {
		cmd := Command{Verb: VerbRegister, AgentID: id}
		if c := code(v.Validate(&cmd)); c != CodeMalformed {
			t.Errorf("id %q: code %q", id, c)
		}
	}
	cmd = Command{Verb: "teleport", AgentID: "a"}
	if c := code(v.Validate(&cmd)); c != CodeUnknownVerb {
		t.Fatalf("verb: %q", c)
	}
	if _, err := ParseVerb("teleport"); code(err) != CodeUnknownVerb {
		t.Fatalf("ParseVerb: %v", err)
	}
}

func TestValidateLeave(t *testing.T) {
	v := newValidator(t, newWorld(t, 4, "a"), nil)
	cmd := Command{Verb: VerbLeave, AgentID: "gone"}
	if c := code(v.Validate(&cmd)); c != CodeAlreadyRemoved {
		t.Fatalf("code %q", c)
	}
	cmd = Command{Verb: VerbLeave, AgentID: "a"}
	if err := v.Validate(&cmd); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRegister(t *testing.T) {
	s := newWorld(t, 2, "a", "b")
	v := newValidator(t, s, nil)

	cmd := Command{Verb: VerbRegister, AgentID: "c"}
	err := v.Validate(&cmd)
	var r *Rejection
	if !errors.As(err, &r) || r.Code != CodeRoomFull || !r.Retryable {
		t.Fatalf("err = %#v", err)
	}

	// active agents update their profile even when full
	cmd = Command{Verb: VerbRegister, AgentID: "a", Profile: world.AgentProfile{Name: "  Ａlice "}}
	if err := v.Validate(&cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Profile.Name != "Alice" || cmd.Profile.AgentID != "a" {
		t.Fatalf("profile = %+v", cmd.Profile)
	}

	cmd = Command{Verb: VerbRegister, AgentID: "a", Profile: world.AgentProfile{Bio: strings.Repeat("b", 501)}}
	if c := code(v.Validate(&cmd)); c != CodeMalformed {
		t.Fatalf("bio: %q", c)
	}
	out := world.Vec3{X: 500}
	cmd = Command{Verb: VerbRegister, AgentID: "a", Spawn: &out}
	if c := code(v.Validate(&cmd)); c != CodeMalformed {
		t.Fatalf("spawn: %q", c)
	}
	cmd = Command{Verb: VerbRegister, AgentID: "a", Profile: world.AgentProfile{Skills: []world.Skill{{Name: "no id"}}}}
	if c := code(v.Validate(&cmd)); c != CodeMalformed {
		t.Fatalf("skill: %q", c)
	}
}

func TestValidateChatAndVocabulary(t *testing.T) {
	engine, err := scripting.NewEngine("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()
	if err := engine.LoadString(`
function filter_chat(ctx)
	if ctx.text == "lua-no" then return false end
	if ctx.text == "blank" then return "   " end
	if ctx.text == "grow" then return string.rep("x", 30) end
	if ctx.text == "pad" then return "  ok  " end
	return ctx.text:gsub("darn", "d**n")
end`); err != nil {
		t.Fatal(err)
	}
	filter := NewFilter(data.NewChatFilter([]string{"spam"}), engine)
	v := newValidator(t, newWorld(t, 4, "a", "b"), filter)

	cases := []struct {
		text, want string
		code       Code
	}{
		{"  hello  ", "hello", ""},
		{"   ", "", CodeMalformed},
		{"0123456789", "0123456789", ""},
		{"0123456789x", "", CodeMalformed},
		{"SPAM!", "", CodeContentBlocked},
		{"ｓｐａｍ", "", CodeContentBlocked},
		{"lua-no", "", CodeContentBlocked},
		{"oh darn", "oh d**n", ""},
		// rewrites are held to the same rules as the original
		{"blank", "", CodeMalformed},
		{"grow", "", CodeMalformed},
		{"pad", "ok", ""},
	}
	for _, c := range cases {
		cmd := Command{Verb: VerbChat, AgentID: "a", Text: c.text}
		err := v.Validate(&cmd)
		if got := code(err); got != c.code {
			t.Errorf("%q: code %q want %q", c.text, got, c.code)
			continue
		}
		if err == nil && cmd.Text != c.want {
			t.Errorf("%q: text %q want %q", c.text, cmd.Text, c.want)
		}
	}

	act := Command{Verb: VerbAction, AgentID: "a", Action: "dance"}
	if err := v.Validate(&act); err != nil {
		t.Fatal(err)
	}
	act.Action = "moonwalk"
	if c := code(v.Validate(&act)); c != CodeMalformed {
		t.Fatalf("action: %q", c)
	}
	emote := Command{Verb: VerbEmote, AgentID: "a", Emote: "dance"}
	if c := code(v.Validate(&emote)); c != CodeMalformed {
		t.Fatalf("emote: %q", c)
	}

	dm := Command{Verb: VerbDM, AgentID: "a", To: "b", Text: "twenty chars exactly"}
	if err := v.Validate(&dm); err != nil {
		t.Fatal(err)
	}
	dm = Command{Verb: VerbDM, AgentID: "a", To: "a", Text: "me"}
	if c := code(v.Validate(&dm)); c != CodeMalformed {
		t.Fatalf("self dm: %q", c)
	}
	dm = Command{Verb: VerbDM, AgentID: "a", To: "nobody", Text: "hi"}
	if c := code(v.Validate(&dm)); c != CodeUnknownAgent {
		t.Fatalf("dm recipient: %q", c)
	}
}

func TestQueueOrderAndCapacity(t *testing.T) {
	q := NewQueue(3, nil)
	for i := 0; i < 3; i++ {
		seq, err := q.Push(Command{Verb: VerbMove, AgentID: fmt.Sprint(i)})
		if err != nil || seq != uint64(i+1) {
			t.Fatalf("push %d: seq %d err %v", i, seq, err)
		}
	}
	if _, err := q.Push(Command{Verb: VerbMove, AgentID: "x"}); code(err) != CodeBusy {
		t.Fatalf("err = %v", err)
	}

	got := q.Drain(2, nil)
	if len(got) != 2 || got[0].AgentID != "0" || got[1].AgentID != "1" {
		t.Fatalf("drain = %+v", got)
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d", q.Len())
	}
	seq, _ := q.Push(Command{Verb: VerbMove, AgentID: "y"})
	if seq != 4 {
		t.Fatalf("seq = %d", seq)
	}
	got = q.Drain(0, got[:0])
	if len(got) != 2 || got[0].AgentID != "2" || got[1].AgentID != "y" {
		t.Fatalf("drain = %+v", got)
	}
}

func TestQueueConcurrentPushKeepsSequence(t *testing.T) {
	q := NewQueue(10000, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, _ = q.Push(Command{Verb: VerbMove, AgentID: fmt.Sprintf("w%d", w)})
			}
		}(w)
	}
	wg.Wait()
	got := q.Drain(0, nil)
	if len(got) != 4000 {
		t.Fatalf("drained %d", len(got))
	}
	for i, c := range got {
		if c.Seq != uint64(i+1) {
			t.Fatalf("index %d has seq %d", i, c.Seq)
		}
	}
}

func TestAgentLimiter(t *testing.T) {
	lim := NewAgentLimiter(2, 2)
	now := time.Unix(0, 0)
	q := NewQueue(100, lim)
	for i := 0; i < 2; i++ {
		if _, err := q.Push(Command{AgentID: "a", Received: now}); err != nil {
			t.Fatal(err)
		}
	}
	_, err := q.Push(Command{AgentID: "a", Received: now})
	var r *Rejection
	if !errors.As(err, &r) || r.Code != CodeRateLimit || !r.Retryable {
		t.Fatalf("err = %v", err)
	}
	// other agents have their own bucket
	if _, err := q.Push(Command{AgentID: "b", Received: now}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Push(Command{AgentID: "a", Received: now.Add(500 * time.Millisecond)}); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestIntakeRegisterWaitsForReply(t *testing.T) {
	s := newWorld(t, 4)
	q := NewQueue(10, nil)
	in := NewIntake(newValidator(t, s, nil), q, clock.Real{}, time.Second, zaptest.NewLogger(t))

	go func() {
		for q.Len() == 0 {
			time.Sleep(time.Millisecond)
		}
		cmds := q.Drain(0, nil)
		cmds[0].Respond(RegisterResult{Profile: world.AgentProfile{AgentID: cmds[0].AgentID}, Tick: 7})
	}()
	res, err := in.Register(context.Background(), Command{AgentID: "new"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Tick != 7 || res.Profile.AgentID != "new" {
		t.Fatalf("res = %+v", res)
	}
}

func TestIntakeRegisterTimesOut(t *testing.T) {
	s := newWorld(t, 4)
	in := NewIntake(newValidator(t, s, nil), NewQueue(10, nil), clock.Real{}, 20*time.Millisecond, zaptest.NewLogger(t))
	_, err := in.Register(context.Background(), Command{AgentID: "new"})
	if code(err) != CodeBusy {
		t.Fatalf("err = %v", err)
	}
}

func TestAsRejection(t *testing.T) {
	if AsRejection(nil) != nil {
		t.Fatal("nil")
	}
	wrapped := fmt.Errorf("apply: %w", Rejectf(CodeRoomFull, "full"))
	if r := AsRejection(wrapped); r.Code != CodeRoomFull || !r.Retryable {
		t.Fatalf("r = %+v", r)
	}
	if r := AsRejection(errors.New("x")); r.Code != CodeMalformed {
		t.Fatalf("r = %+v", r)
	}
}
