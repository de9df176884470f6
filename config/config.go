// Package config loads runtime configuration from skein.toml and the
// SKEIN_ environment, and opens the configured store backend.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/viper"

	"github.com/skeinworks/skein/store"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// WorkerConfig configures the dispatcher pool.
type WorkerConfig struct {
	Count           int           `mapstructure:"count"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Config is the full runtime configuration.
type Config struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("backend", BackendSQLite)
	v.SetDefault("sqlite.path", "skein.db")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "skein")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", 500*time.Millisecond)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
}

// Load reads configuration from the given file, or from skein.toml in
// the working directory when path is empty. A missing file is fine;
// defaults and SKEIN_ environment variables still apply, with the
// environment winning over the file (SKEIN_REDIS_ADDR overrides
// redis.addr, and so on).
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("SKEIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("skein")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the backend selection and its required settings.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite backend requires sqlite.path")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres backend requires postgres.dsn")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis backend requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count must not be negative")
	}
	return nil
}

// OpenStore opens the configured backend. The caller owns the returned
// store and must Close it.
func (c *Config) OpenStore() (store.Store, error) {
	switch c.Backend {
	case BackendMemory:
		return store.NewMemoryStore(), nil
	case BackendSQLite:
		return store.NewSQLStore("sqlite3", c.SQLite.Path)
	case BackendPostgres:
		return store.NewSQLStore("postgres", c.Postgres.DSN)
	case BackendRedis:
		return store.NewRedisStore(store.RedisConfig{
			Addr:     c.Redis.Addr,
			Username: c.Redis.Username,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}
