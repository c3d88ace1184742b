package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/worldsync/server/internal/eventlog"
	"github.com/worldsync/server/internal/world"
)

// SQLiteStore is the embedded single-file backend.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

func OpenSQLite(ctx context.Context, path string, log *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	if err := RunMigrations(ctx, db, "sqlite3"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

const sqliteProfileColumns = `agent_id, name, color, bio, capabilities, skills, created_at, last_seen`

func (s *SQLiteStore) LoadProfiles(ctx context.Context) ([]world.AgentProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteProfileColumns+` FROM agent_profiles ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []world.AgentProfile
	for rows.Next() {
		p, err := scanSQLiteProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadProfile(ctx context.Context, agentID string) (world.AgentProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteProfileColumns+` FROM agent_profiles WHERE agent_id = ?`, agentID)
	p, err := scanSQLiteProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return world.AgentProfile{}, ErrNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProfile(row rowScanner) (world.AgentProfile, error) {
	var (
		p                 world.AgentProfile
		caps, skills      string
		created, lastSeen int64
	)
	if err := row.Scan(&p.AgentID, &p.Name, &p.Color, &p.Bio, &caps, &skills, &created, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan profile: %w", err)
	}
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.LastSeen = time.UnixMilli(lastSeen).UTC()
	return p, decodeLists(&p, []byte(caps), []byte(skills))
}

func (s *SQLiteStore) SaveProfiles(ctx context.Context, profiles []world.AgentProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("profiles begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO agent_profiles (`+sqliteProfileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   name = excluded.name, color = excluded.color, bio = excluded.bio,
		   capabilities = excluded.capabilities, skills = excluded.skills,
		   last_seen = excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("prepare profile upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range profiles {
		lists, err := encodeLists(p)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			p.AgentID, p.Name, p.Color, p.Bio, string(lists.capabilities), string(lists.skills),
			p.CreatedAt.UnixMilli(), p.LastSeen.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert profile %s: %w", p.AgentID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, entries []eventlog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("events begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO world_events (id, tick, type, agent_id, ts, payload) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, int64(e.Tick), string(e.Type), e.AgentID, e.Timestamp, string(e.Event)); err != nil {
			return fmt.Errorf("events insert: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) EventsSince(ctx context.Context, since int64, limit int) ([]eventlog.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tick, type, agent_id, ts, payload FROM (
		   SELECT id, tick, type, agent_id, ts, payload, rowid AS seq FROM world_events
		   WHERE ts > ? ORDER BY ts DESC, seq DESC LIMIT ?
		 ) ORDER BY ts, seq`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []eventlog.Entry
	for rows.Next() {
		var (
			e       eventlog.Entry
			tick    int64
			kind    string
			payload string
		)
		if err := rows.Scan(&e.ID, &tick, &kind, &e.AgentID, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Tick = uint64(tick)
		e.Type = world.EventKind(kind)
		e.Event = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}
