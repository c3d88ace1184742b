// Package persist is the durable side of the registry: profiles survive
// restarts and committed world events are mirrored for later inspection.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/worldsync/server/internal/config"
	"github.com/worldsync/server/internal/eventlog"
	"github.com/worldsync/server/internal/world"
)

var ErrNotFound = errors.New("not found")

// Store is implemented by the postgres and sqlite backends.
type Store interface {
	LoadProfiles(ctx context.Context) ([]world.AgentProfile, error)
	LoadProfile(ctx context.Context, agentID string) (world.AgentProfile, error)
	SaveProfiles(ctx context.Context, profiles []world.AgentProfile) error
	AppendEvents(ctx context.Context, entries []eventlog.Entry) error
	EventsSince(ctx context.Context, since int64, limit int) ([]eventlog.Entry, error)
	Close() error
}

// Open connects the backend selected by cfg.Driver and migrates it.
// Driver "none" returns a nil Store.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "none", "":
		return nil, nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.DSN, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := OpenPostgres(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// profileRow holds the JSON-encoded list columns shared by both backends.
type profileRow struct {
	capabilities []byte
	skills       []byte
}

func encodeLists(p world.AgentProfile) (profileRow, error) {
	caps := p.Capabilities
	if caps == nil {
		caps = []string{}
	}
	skills := p.Skills
	if skills == nil {
		skills = []world.Skill{}
	}
	c, err := json.Marshal(caps)
	if err != nil {
		return profileRow{}, fmt.Errorf("encode capabilities: %w", err)
	}
	s, err := json.Marshal(skills)
	if err != nil {
		return profileRow{}, fmt.Errorf("encode skills: %w", err)
	}
	return profileRow{capabilities: c, skills: s}, nil
}

func decodeLists(p *world.AgentProfile, caps, skills []byte) error {
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &p.Capabilities); err != nil {
			return fmt.Errorf("decode capabilities of %s: %w", p.AgentID, err)
		}
	}
	if len(skills) > 0 {
		if err := json.Unmarshal(skills, &p.Skills); err != nil {
			return fmt.Errorf("decode skills of %s: %w", p.AgentID, err)
		}
	}
	if len(p.Capabilities) == 0 {
		p.Capabilities = nil
	}
	if len(p.Skills) == 0 {
		p.Skills = nil
	}
	return nil
}
