package control

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/worldsync/server/internal/command"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

var schemaNames = []string{"register", "move", "chat", "action", "emote", "leave", "dm"}

type schemas struct {
	byName map[string]*jsonschema.Schema
}

func loadSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	for _, name := range schemaNames {
		b, err := schemaFiles.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaURL(name), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	out := &schemas{byName: make(map[string]*jsonschema.Schema, len(schemaNames))}
	for _, name := range schemaNames {
		sc, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out.byName[name] = sc
	}
	return out, nil
}

func schemaURL(name string) string { return "mem://worldsync/" + name + ".json" }

// decode reads a JSON body, validates it against the named schema and
// unmarshals it into dst.
func (sc *schemas) decode(r *http.Request, name string, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return command.Rejectf(command.CodeMalformed, "read body: %v", err)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return command.Rejectf(command.CodeMalformed, "invalid JSON: %v", err)
	}
	if err := sc.byName[name].Validate(doc); err != nil {
		return command.Rejectf(command.CodeMalformed, "%s request: %v", name, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return command.Rejectf(command.CodeMalformed, "decode %s request: %v", name, err)
	}
	return nil
}
