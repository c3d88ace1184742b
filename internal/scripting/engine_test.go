package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestFilterChatWithoutHookAllows(t *testing.T) {
	e, err := NewEngine("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if e.HasChatFilter() {
		t.Fatal("unexpected hook")
	}
	v := e.FilterChat(ChatContext{AgentID: "a", Channel: "chat", Text: "hi"})
	if !v.Allow || v.Text != "hi" {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestFilterChatReturnShapes(t *testing.T) {
	e, err := NewEngine("", zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	err = e.LoadString(`
function filter_chat(ctx)
  if ctx.text == "block" then return false end
  if ctx.text == "shout" then return string.upper(ctx.text) end
  if ctx.text == "dm-only" and ctx.channel ~= "dm" then
    return { allow = false, reason = "private" }
  end
  if ctx.text == "boom" then error("kaboom") end
  return nil
end`)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		text, channel string
		allow         bool
		want, reason  string
	}{
		{"hello", "chat", true, "hello", ""},
		{"block", "chat", false, "", "blocked by filter"},
		{"shout", "chat", true, "SHOUT", ""},
		{"dm-only", "chat", false, "dm-only", "private"},
		{"dm-only", "dm", true, "dm-only", ""},
		{"boom", "chat", true, "boom", ""},
	}
	for _, c := range cases {
		v := e.FilterChat(ChatContext{AgentID: "a", Channel: c.channel, Text: c.text})
		if v.Allow != c.allow || (c.allow && v.Text != c.want) || v.Reason != c.reason {
			t.Errorf("%s/%s: verdict = %+v", c.text, c.channel, v)
		}
	}
}

func TestNewEngineLoadsChatDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "chat"), 0o755); err != nil {
		t.Fatal(err)
	}
	src := "function filter_chat(ctx) return ctx.text ~= 'nope' end\n"
	if err := os.WriteFile(filepath.Join(dir, "chat", "filter.lua"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := NewEngine(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if !e.HasChatFilter() {
		t.Fatal("hook not loaded")
	}
	if v := e.FilterChat(ChatContext{Text: "nope"}); v.Allow {
		t.Fatalf("verdict = %+v", v)
	}
}

func TestNewEngineRejectsBrokenScript(t *testing.T) {
	dir := t.TempDir()
	_ = os.MkdirAll(filepath.Join(dir, "chat"), 0o755)
	_ = os.WriteFile(filepath.Join(dir, "chat", "bad.lua"), []byte("function ("), 0o644)
	if _, err := NewEngine(dir, zaptest.NewLogger(t)); err == nil {
		t.Fatal("expected load error")
	}
}
