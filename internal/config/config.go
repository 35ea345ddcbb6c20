package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CONVOFLOW_"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
	DriverMemory   = "memory"
)

// Config holds service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Lifecycle LifecycleConfig `koanf:"lifecycle"`
	Sweeper   SweeperConfig   `koanf:"sweeper"`
	Closure   ClosureConfig   `koanf:"closure"`
	Audit     AuditConfig     `koanf:"audit"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type StoreConfig struct {
	Driver        string `koanf:"driver"` // postgres, sqlite, dynamodb, memory
	DatabaseURL   string `koanf:"database_url"`
	SQLitePath    string `koanf:"sqlite_path"`
	DynamoDBTable string `koanf:"dynamodb_table"`
	// MigrationsDir overrides the embedded schema when set.
	MigrationsDir string `koanf:"migrations_dir"`
}

type LifecycleConfig struct {
	MaxLifetime time.Duration `koanf:"max_lifetime"`
	IntentTTL   time.Duration `koanf:"intent_ttl"`
}

type SweeperConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Interval    time.Duration `koanf:"interval"`
	IdleAfter   time.Duration `koanf:"idle_after"`
	ExpireAfter time.Duration `koanf:"expire_after"`
	BatchSize   int           `koanf:"batch_size"`
}

type ClosureConfig struct {
	Threshold float64 `koanf:"threshold"`
	Policy    string  `koanf:"policy"`
}

type AuditConfig struct {
	SigningKeyHex   string `koanf:"signing_key_hex"`
	SigningKeyParam string `koanf:"signing_key_param"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]interface{}{
	"server.addr":            "0.0.0.0:8080",
	"store.driver":           DriverPostgres,
	"store.sqlite_path":      "convoflow.db",
	"store.dynamodb_table":   "convoflow",
	"lifecycle.max_lifetime": 24 * time.Hour,
	"lifecycle.intent_ttl":   5 * time.Second,
	"sweeper.enabled":        true,
	"sweeper.interval":       30 * time.Second,
	"sweeper.idle_after":     15 * time.Minute,
	"sweeper.expire_after":   time.Hour,
	"sweeper.batch_size":     500,
	"closure.threshold":      0.8,
	"log.level":              "info",
	"telemetry.service_name": "convoflow",
}

// Load reads configuration from an optional YAML file, then the environment.
// A .env file in the working directory is loaded first when present. An empty
// path falls back to CONVOFLOW_CONFIG; a missing default file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = os.Getenv(envPrefix + "CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, val); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = databaseURLFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite, DriverDynamoDB, DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Sweeper.Interval <= 0 {
		return errors.New("sweeper.interval must be positive")
	}
	if c.Sweeper.IdleAfter <= 0 || c.Sweeper.ExpireAfter <= 0 {
		return errors.New("sweeper.idle_after and sweeper.expire_after must be positive")
	}
	if c.Closure.Threshold <= 0 || c.Closure.Threshold > 1 {
		return errors.New("closure.threshold must be in (0, 1]")
	}
	if c.Lifecycle.IntentTTL <= 0 {
		return errors.New("lifecycle.intent_ttl must be positive")
	}
	return nil
}

// databaseURLFromEnv keeps the conventional DATABASE_URL and POSTGRES_* variables working.
func databaseURLFromEnv() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	user := getenv("POSTGRES_USER", "convoflow")
	pass := getenv("POSTGRES_PASSWORD", "convoflow")
	db := getenv("POSTGRES_DB", "convoflow")
	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	sslmode := getenv("DATABASE_SSLMODE", "disable")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}
