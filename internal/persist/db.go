package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/worldsync/server/internal/config"
	"github.com/worldsync/server/internal/eventlog"
	"github.com/worldsync/server/internal/world"
)

// PostgresStore wraps a pgx connection pool.
type PostgresStore struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := RunMigrations(ctx, db, "postgres"); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{Pool: pool, log: log}, nil
}

func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

const pgProfileColumns = `agent_id, name, color, bio, capabilities, skills, created_at, last_seen`

const pgProfileSelect = `agent_id, name, color, bio, capabilities::text, skills::text, created_at, last_seen`

func (s *PostgresStore) LoadProfiles(ctx context.Context) ([]world.AgentProfile, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+pgProfileSelect+` FROM agent_profiles ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []world.AgentProfile
	for rows.Next() {
		p, err := scanPgProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadProfile(ctx context.Context, agentID string) (world.AgentProfile, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+pgProfileSelect+` FROM agent_profiles WHERE agent_id = $1`, agentID)
	p, err := scanPgProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return world.AgentProfile{}, ErrNotFound
	}
	return p, err
}

func scanPgProfile(row pgx.Row) (world.AgentProfile, error) {
	var (
		p            world.AgentProfile
		caps, skills string
	)
	if err := row.Scan(&p.AgentID, &p.Name, &p.Color, &p.Bio, &caps, &skills, &p.CreatedAt, &p.LastSeen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan profile: %w", err)
	}
	return p, decodeLists(&p, []byte(caps), []byte(skills))
}

func (s *PostgresStore) SaveProfiles(ctx context.Context, profiles []world.AgentProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range profiles {
		lists, err := encodeLists(p)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO agent_profiles (`+pgProfileColumns+`)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8)
			 ON CONFLICT (agent_id) DO UPDATE SET
			   name = EXCLUDED.name, color = EXCLUDED.color, bio = EXCLUDED.bio,
			   capabilities = EXCLUDED.capabilities, skills = EXCLUDED.skills,
			   last_seen = EXCLUDED.last_seen`,
			p.AgentID, p.Name, p.Color, p.Bio, string(lists.capabilities), string(lists.skills), p.CreatedAt, p.LastSeen,
		)
	}
	if err := s.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save profiles: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvents(ctx context.Context, entries []eventlog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("events begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO world_events (id, tick, type, agent_id, ts, payload)
			 VALUES ($1::uuid, $2, $3, $4, $5, $6::jsonb) ON CONFLICT (id) DO NOTHING`,
			e.ID, int64(e.Tick), string(e.Type), e.AgentID, e.Timestamp, string(e.Event),
		); err != nil {
			return fmt.Errorf("events insert: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) EventsSince(ctx context.Context, since int64, limit int) ([]eventlog.Entry, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id::text, tick, type, agent_id, ts, payload::text FROM (
		   SELECT id, tick, type, agent_id, ts, payload FROM world_events
		   WHERE ts > $1 ORDER BY ts DESC, tick DESC LIMIT $2
		 ) recent ORDER BY ts, tick`,
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
