package command

import (
	"github.com/worldsync/server/internal/data"
	"github.com/worldsync/server/internal/scripting"
)

// Filter chains the static blocklist and the scripted hook. Either may be nil.
type Filter struct {
	table  *data.ChatFilterTable
	engine *scripting.Engine
}

func NewFilter(table *data.ChatFilterTable, engine *scripting.Engine) *Filter {
	return &Filter{table: table, engine: engine}
}

// Check returns the text to deliver, possibly rewritten by the hook.
func (f *Filter) Check(agentID, channel, text string) (string, error) {
	if f == nil {
		return text, nil
	}
	if _, hit := f.table.Match(text); hit {
		return "", Rejectf(CodeContentBlocked, "%s contains a blocked term", channel)
	}
	if f.engine == nil {
		return text, nil
	}
	v := f.engine.FilterChat(scripting.ChatContext{AgentID: agentID, Channel: channel, Text: text})
	if !v.Allow {
		return "", Rejectf(CodeContentBlocked, "%s", v.Reason)
	}
	// a rewrite must still pass the blocklist
	if v.Text != text {
		if _, hit := f.table.Match(v.Text); hit {
			return "", Rejectf(CodeContentBlocked, "%s contains a blocked term", channel)
		}
	}
	return v.Text, nil
}
