package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM holding the content hooks.
// Hooks are called from request goroutines, so VM access is serialized.
type Engine struct {
	mu  sync.Mutex
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads every script under scriptsDir/chat.
// A missing directory yields an engine with no hooks.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{SkipOpenLibs: false})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if scriptsDir == "" {
		return e, nil
	}
	if err := e.loadDir(filepath.Join(scriptsDir, "chat")); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load chat scripts: %w", err)
	}
	return e, nil
}

// LoadString evaluates a chunk of Lua source. Used by tests and by
// embedders that ship hooks inline.
func (e *Engine) LoadString(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm.DoString(src)
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// ChatContext is what a filter hook sees.
type ChatContext struct {
	AgentID string
	Channel string // "chat" or "dm"
	Text    string
}

// ChatVerdict is the hook's answer.
type ChatVerdict struct {
	Allow  bool
	Text   string
	Reason string
}

// HasChatFilter reports whether a filter_chat hook is loaded.
func (e *Engine) HasChatFilter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm.GetGlobal("filter_chat") != lua.LNil
}

// FilterChat calls the Lua filter_chat function. The hook returns nil or
// true to allow unchanged, false to block, a string to rewrite, or a table
// {allow=bool, text=string, reason=string}. A failing hook allows the text.
func (e *Engine) FilterChat(ctx ChatContext) ChatVerdict {
	allow := ChatVerdict{Allow: true, Text: ctx.Text}

	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.vm.GetGlobal("filter_chat")
	if fn == lua.LNil {
		return allow
	}
	t := e.vm.NewTable()
	t.RawSetString("agent_id", lua.LString(ctx.AgentID))
	t.RawSetString("channel", lua.LString(ctx.Channel))
	t.RawSetString("text", lua.LString(ctx.Text))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, t); err != nil {
		e.log.Error("lua filter_chat error", zap.Error(err))
		return allow
	}
	ret := e.vm.Get(-1)
	e.vm.Pop(1)

	switch v := ret.(type) {
	case *lua.LNilType:
		return allow
	case lua.LBool:
		if !bool(v) {
			return ChatVerdict{Reason: "blocked by filter"}
		}
		return allow
	case lua.LString:
		return ChatVerdict{Allow: true, Text: string(v)}
	case *lua.LTable:
		out := allow
		if a := v.RawGetString("allow"); a != lua.LNil {
			out.Allow = lua.LVAsBool(a)
		}
		if s, ok := v.RawGetString("text").(lua.LString); ok {
			out.Text = string(s)
		}
		if s, ok := v.RawGetString("reason").(lua.LString); ok {
			out.Reason = string(s)
		}
		if !out.Allow && out.Reason == "" {
			out.Reason = "blocked by filter"
		}
		return out
	default:
		e.log.Warn("lua filter_chat returned unexpected type", zap.String("type", ret.Type().String()))
		return allow
	}
}

// Close releases the Lua VM.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.Close()
}
