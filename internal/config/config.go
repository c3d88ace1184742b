package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Network   NetworkConfig   `toml:"network"`
	World     WorldConfig     `toml:"world"`
	Chat      ChatConfig      `toml:"chat"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Database  DatabaseConfig  `toml:"database"`
	EventLog  EventLogConfig  `toml:"event_log"`
	Control   ControlConfig   `toml:"control"`
	Logging   LoggingConfig   `toml:"logging"`
	Scripting ScriptingConfig `toml:"scripting"`
	Data      DataConfig      `toml:"data"`
}

type ServerConfig struct {
	Name      string `toml:"name"`
	RoomID    string `toml:"room_id"`
	StartTime int64  // set at boot, not from config
}

type NetworkConfig struct {
	BindAddress        string        `toml:"bind_address"`
	PublicURL          string        `toml:"public_url"` // advertised ws URL in register responses; derived from bind_address when empty
	TickRate           time.Duration `toml:"tick_rate"`
	InQueueSize        int           `toml:"in_queue_size"`
	OutQueueSize       int           `toml:"out_queue_size"`
	MaxPacketsPerTick  int           `toml:"max_packets_per_tick"`
	PacketsPerSecond   int           `toml:"packets_per_second"`
	CommandQueueSize   int           `toml:"command_queue_size"`
	MaxCommandsPerTick int           `toml:"max_commands_per_tick"`
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval"`
	MaxDroppedBatches  int           `toml:"max_dropped_batches"`
	WriteTimeout       time.Duration `toml:"write_timeout"`
	ReadTimeout        time.Duration `toml:"read_timeout"`
}

// BoundsConfig is an axis-aligned box; positions on the boundary are inside.
type BoundsConfig struct {
	MinX float64 `toml:"min_x"`
	MaxX float64 `toml:"max_x"`
	MinY float64 `toml:"min_y"`
	MaxY float64 `toml:"max_y"`
	MinZ float64 `toml:"min_z"`
	MaxZ float64 `toml:"max_z"`
}

type WorldConfig struct {
	Bounds         BoundsConfig  `toml:"bounds"`
	CellSize       float64       `toml:"cell_size"`
	InterestRadius float64       `toml:"interest_radius"` // 0 = unbounded
	MaxRadius      float64       `toml:"max_radius"`      // cap for client-requested radii; 0 = no cap
	Capacity       int           `toml:"capacity"`
	IdleTimeout    time.Duration `toml:"idle_timeout"` // 0 = never evict
	Spawn          [3]float64    `toml:"spawn"`
	InboxSize      int           `toml:"inbox_size"`
}

type ChatConfig struct {
	MaxLength   int `toml:"max_length"`
	DMMaxLength int `toml:"dm_max_length"`
}

type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	CommandsPerSecond float64 `toml:"commands_per_second"`
	Burst             int     `toml:"burst"`
}

type DatabaseConfig struct {
	Driver          string        `toml:"driver"` // "none", "sqlite", "postgres"
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	WriteQueueSize  int           `toml:"write_queue_size"`
}

type EventLogConfig struct {
	Capacity   int    `toml:"capacity"`
	MaxLimit   int    `toml:"max_limit"`
	ArchiveDir string `toml:"archive_dir"` // empty disables the zstd archive
}

type ControlConfig struct {
	APIKeyHash      string        `toml:"api_key_hash"` // bcrypt hash; empty disables auth
	AllowedOrigins  []string      `toml:"allowed_origins"`
	RegisterTimeout time.Duration `toml:"register_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

type ScriptingConfig struct {
	Dir string `toml:"dir"` // empty disables Lua hooks
}

type DataConfig struct {
	Vocabulary string `toml:"vocabulary"`
	ChatFilter string `toml:"chat_filter"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Server.StartTime = time.Now().Unix()
	return cfg, nil
}

// Validate rejects settings the tick loop cannot run with.
func (c *Config) Validate() error {
	if c.Network.TickRate <= 0 {
		return fmt.Errorf("network.tick_rate must be positive")
	}
	if c.Network.HeartbeatInterval < c.Network.TickRate {
		return fmt.Errorf("network.heartbeat_interval must be at least one tick")
	}
	if c.Network.MaxCommandsPerTick <= 0 || c.Network.CommandQueueSize <= 0 {
		return fmt.Errorf("network command queue sizes must be positive")
	}
	if c.Network.InQueueSize <= 0 || c.Network.OutQueueSize <= 0 {
		return fmt.Errorf("network session queue sizes must be positive")
	}
	b := c.World.Bounds
	for _, v := range []float64{b.MinX, b.MaxX, b.MinY, b.MaxY, b.MinZ, b.MaxZ} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("world.bounds must be finite")
		}
	}
	if b.MinX > b.MaxX || b.MinY > b.MaxY || b.MinZ > b.MaxZ {
		return fmt.Errorf("world.bounds min exceeds max")
	}
	if c.World.CellSize <= 0 {
		return fmt.Errorf("world.cell_size must be positive")
	}
	if c.World.InterestRadius < 0 || c.World.MaxRadius < 0 {
		return fmt.Errorf("world radii must not be negative")
	}
	if c.World.Capacity <= 0 {
		return fmt.Errorf("world.capacity must be positive")
	}
	switch c.Database.Driver {
	case "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q not supported", c.Database.Driver)
	}
	if c.EventLog.Capacity <= 0 {
		return fmt.Errorf("event_log.capacity must be positive")
	}
	return nil
}

// HeartbeatTicks converts the heartbeat interval to a whole number of ticks (at least 1).
func (c *Config) HeartbeatTicks() int {
	n := int(c.Network.HeartbeatInterval / c.Network.TickRate)
	if n < 1 {
		n = 1
	}
	return n
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:   "worldsync",
			RoomID: "lobby",
		},
		Network: NetworkConfig{
			BindAddress:        "0.0.0.0:7070",
			TickRate:           50 * time.Millisecond,
			InQueueSize:        64,
			OutQueueSize:       256,
			MaxPacketsPerTick:  16,
			PacketsPerSecond:   60,
			CommandQueueSize:   4096,
			MaxCommandsPerTick: 512,
			HeartbeatInterval:  time.Second,
			MaxDroppedBatches:  40,
			WriteTimeout:       10 * time.Second,
			ReadTimeout:        60 * time.Second,
		},
		World: WorldConfig{
			Bounds: BoundsConfig{
				MinX: -100, MaxX: 100,
				MinY: 0, MaxY: 50,
				MinZ: -100, MaxZ: 100,
			},
			CellSize:       10,
			InterestRadius: 40,
			MaxRadius:      200,
			Capacity:       64,
			IdleTimeout:    0,
			InboxSize:      32,
		},
		Chat: ChatConfig{
			MaxLength:   280,
			DMMaxLength: 1000,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			CommandsPerSecond: 30,
			Burst:             60,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "data/worldsync.db",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			WriteQueueSize:  8192,
		},
		EventLog: EventLogConfig{
			Capacity: 10000,
			MaxLimit: 500,
		},
		Control: ControlConfig{
			AllowedOrigins:  []string{"*"},
			RegisterTimeout: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Scripting: ScriptingConfig{
			Dir: "scripts",
		},
		Data: DataConfig{
			Vocabulary: "data/yaml/vocabulary.yaml",
			ChatFilter: "data/yaml/chat_filter.yaml",
		},
	}
}
