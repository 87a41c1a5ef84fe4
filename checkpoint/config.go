package checkpoint

import (
	"time"
)

// BackendType selects a store backend.
type BackendType string

const (
	BackendMemory   BackendType = "memory"
	BackendFile     BackendType = "file"
	BackendSQLite   BackendType = "sqlite"
	BackendPostgres BackendType = "postgres"
	BackendMySQL    BackendType = "mysql"
	BackendRedis    BackendType = "redis"
	BackendMongo    BackendType = "mongo"
)

// durable reports whether the backend survives a process restart and
// therefore requires a location to be configured.
func (b BackendType) durable() bool {
	switch b {
	case BackendMemory:
		return false
	default:
		return true
	}
}

// Config controls checkpointing behavior for a single engine instance.
type Config struct {
	// Enabled turns checkpointing on. When false, auto-saves are no-ops.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Backend selects the store implementation.
	Backend BackendType `yaml:"backend" json:"backend"`

	// AutoSave enables interval-driven saves.
	AutoSave bool `yaml:"auto_save" json:"auto_save"`

	// SaveInterval is the number of steps between automatic saves.
	SaveInterval int `yaml:"save_interval" json:"save_interval"`

	// MaxCheckpoints is the per-thread retention ceiling. Zero disables
	// retention cleanup.
	MaxCheckpoints int `yaml:"max_checkpoints" json:"max_checkpoints"`

	// RetentionDays bounds checkpoint age on the redis backend, where it
	// becomes a value TTL. The other backends retain by count only (see
	// MaxCheckpoints); zero keeps records forever.
	RetentionDays int `yaml:"retention_days" json:"retention_days"`

	// TriggerConditions lists trigger reasons that force a save regardless
	// of the step interval.
	TriggerConditions []string `yaml:"trigger_conditions" json:"trigger_conditions"`

	// Compression gzips persisted state blobs.
	Compression bool `yaml:"compression" json:"compression"`

	// BaseDir is the root directory for the file backend.
	BaseDir string `yaml:"base_dir" json:"base_dir"`

	// DSN is the connection string for the sqlite/postgres/mysql backends.
	DSN string `yaml:"dsn" json:"dsn"`

	// Redis holds redis backend and cache settings.
	Redis RedisConfig `yaml:"redis" json:"redis"`

	// Mongo holds mongo backend settings.
	Mongo MongoConfig `yaml:"mongo" json:"mongo"`

	// CacheTTL is how long cached checkpoint reads stay fresh.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// RedisConfig configures the redis store backend and the redis read cache.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	// TLS enables a hardened TLS client configuration for the connection.
	TLS bool `yaml:"tls" json:"tls"`
}

// MongoConfig configures the mongo store backend.
type MongoConfig struct {
	URI        string `yaml:"uri" json:"uri"`
	Database   string `yaml:"database" json:"database"`
	Collection string `yaml:"collection" json:"collection"`
}

// DefaultConfig returns a working development configuration: in-memory
// backend, auto-save every 5 steps, 20 checkpoints retained per thread.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Backend:           BackendMemory,
		AutoSave:          true,
		SaveInterval:      5,
		MaxCheckpoints:    20,
		RetentionDays:     0,
		TriggerConditions: []string{"error", "interrupt", "fork"},
		Compression:       false,
		BaseDir:           "./data/checkpoints",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "threadflow",
		},
		Mongo: MongoConfig{
			Database:   "threadflow",
			Collection: "checkpoints",
		},
		CacheTTL: 5 * time.Minute,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendFile:
		if c.BaseDir == "" {
			return &ValidationError{Field: "base_dir", Reason: "file backend requires a base directory"}
		}
	case BackendSQLite, BackendPostgres, BackendMySQL:
		if c.DSN == "" {
			return &ValidationError{Field: "dsn", Reason: string(c.Backend) + " backend requires a DSN"}
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return &ValidationError{Field: "redis.addr", Reason: "redis backend requires an address"}
		}
	case BackendMongo:
		if c.Mongo.URI == "" {
			return &ValidationError{Field: "mongo.uri", Reason: "mongo backend requires a URI"}
		}
	default:
		return &ValidationError{Field: "backend", Reason: "unknown backend " + string(c.Backend)}
	}

	if c.AutoSave && c.SaveInterval <= 0 {
		return &ValidationError{Field: "save_interval", Reason: "must be positive when auto_save is enabled"}
	}
	if c.MaxCheckpoints < 0 {
		return &ValidationError{Field: "max_checkpoints", Reason: "must not be negative"}
	}
	if c.RetentionDays < 0 {
		return &ValidationError{Field: "retention_days", Reason: "must not be negative"}
	}
	return nil
}

// triggersSave reports whether reason forces a checkpoint.
func (c Config) triggersSave(reason string) bool {
	if reason == "" {
		return false
	}
	for _, cond := range c.TriggerConditions {
		if cond == reason {
			return true
		}
	}
	return false
}
