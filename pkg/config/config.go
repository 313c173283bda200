package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/crypto"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/retry"
)

// Supported database types.
const (
	TypePostgres = "postgres"
	TypeMSSQL    = "mssql"
)

// Default ports per database type.
const (
	DefaultPostgresPort = 5432
	DefaultMSSQLPort    = 1433
)

// Config holds all configuration for a dbguard process.
// Configuration can come from a YAML file or environment variables; environment
// variables always override YAML values. Secrets must only come from the environment.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// CredentialsKey opens database.password_encrypted. Secret - not in YAML.
	CredentialsKey string `yaml:"-" env:"DBGUARD_CREDENTIALS_KEY"`

	Database  DatabaseConfig  `yaml:"database"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Manager   ManagerConfig   `yaml:"manager"`
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// DatabaseConfig describes one logical database target. Name is only used to
// attribute log lines. Pool sizing fields are passed through to the driver.
type DatabaseConfig struct {
	Name            string        `yaml:"name" env:"DB_NAME" env-default:"main"`
	Type            string        `yaml:"type" env:"DB_TYPE" env-default:"postgres"`
	Host            string        `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port            int           `yaml:"port" env:"PGPORT"` // 0 picks the driver default
	User            string        `yaml:"user" env:"PGUSER"`
	Password        string        `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database        string        `yaml:"database" env:"PGDATABASE"`
	SSLMode         string        `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConnections  int32         `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	MinConnections  int32         `yaml:"min_connections" env:"PGMIN_CONNECTIONS" env-default:"1"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"PGMAX_CONN_LIFETIME" env-default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"PGMAX_CONN_IDLE_TIME" env-default:"30m"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" env:"PGCONNECT_TIMEOUT" env-default:"5s"`

	// PasswordEncrypted is a password sealed with `dbguard seal-password`. It may
	// live in YAML; PGPASSWORD wins when both are set.
	PasswordEncrypted string `yaml:"password_encrypted" env:"PGPASSWORD_ENCRYPTED"`
}

// Identity names the target in log lines. It never contains the password.
func (c *DatabaseConfig) Identity() string {
	return fmt.Sprintf("%s://%s@%s:%d/%s", c.Type, c.User, c.Host, c.Port, c.Database)
}

// PoolKey returns the key under which pools for this target are shared. Two
// configs share a pool only if every connection setting matches, password
// included; the settings enter the key as a digest so it is safe to log.
func (c *DatabaseConfig) PoolKey() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d\x00%d\x00%s\x00%s\x00%s",
		c.Password, c.SSLMode, c.MaxConnections, c.MinConnections,
		c.MaxConnLifetime, c.MaxConnIdleTime, c.ConnectTimeout)))
	return c.Identity() + "#" + hex.EncodeToString(sum[:8])
}

// ThrottleConfig holds the default time-window boundary applied to every query.
type ThrottleConfig struct {
	// Boundary in seconds kept clear around each minute boundary. 0 disables.
	Boundary int `yaml:"boundary" env:"THROTTLE_BOUNDARY" env-default:"0"`
}

// ReconnectConfig controls the backoff between liveness probes while the
// database is unreachable. Probing never gives up.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" env:"RECONNECT_INITIAL_DELAY" env-default:"100ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"RECONNECT_MAX_DELAY" env-default:"10s"`
	Multiplier   float64       `yaml:"multiplier" env:"RECONNECT_MULTIPLIER" env-default:"2"`
	JitterFactor float64       `yaml:"jitter_factor" env:"RECONNECT_JITTER_FACTOR" env-default:"0.1"`
}

// RetryConfig converts the reconnect settings into an unlimited retry policy.
func (c ReconnectConfig) RetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:   retry.Unlimited,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
		JitterFactor: c.JitterFactor,
	}
}

// ManagerConfig controls how long an unreferenced shared pool is kept open.
type ManagerConfig struct {
	TTLMinutes int `yaml:"ttl_minutes" env:"POOL_TTL_MINUTES" env-default:"5"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"` // "json" or "console"
}

// HTTPConfig configures the health endpoint listener.
type HTTPConfig struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
}

// DefaultPort returns the standard port for the configured database type.
func (c *DatabaseConfig) DefaultPort() int {
	if c.Type == TypeMSSQL {
		return DefaultMSSQLPort
	}
	return DefaultPostgresPort
}

// Load reads configuration from the YAML file at path with environment variable
// overrides. An empty path reads the environment only.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if cfg.Database.Port == 0 {
		cfg.Database.Port = cfg.Database.DefaultPort()
	}

	if err := cfg.openPassword(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) openPassword() error {
	if c.Database.Password != "" || c.Database.PasswordEncrypted == "" {
		return nil
	}
	if c.CredentialsKey == "" {
		return errors.New("database.password_encrypted is set but DBGUARD_CREDENTIALS_KEY is empty")
	}

	password, err := crypto.OpenPassword(c.CredentialsKey, c.Database.PasswordEncrypted)
	if err != nil {
		return fmt.Errorf("failed to open database.password_encrypted: %w", err)
	}
	c.Database.Password = password
	return nil
}

// LoadFromEnv reads configuration from environment variables only.
func LoadFromEnv(version string) (*Config, error) {
	return Load("", version)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}

	if c.Throttle.Boundary < 0 || c.Throttle.Boundary >= 30 {
		return fmt.Errorf("throttle.boundary (%d) must be between 0 and 29", c.Throttle.Boundary)
	}

	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("reconnect.initial_delay (%s) must be positive", c.Reconnect.InitialDelay)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay (%s) must be at least reconnect.initial_delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.InitialDelay)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier (%g) must be at least 1", c.Reconnect.Multiplier)
	}
	if c.Reconnect.JitterFactor < 0 || c.Reconnect.JitterFactor > 1 {
		return fmt.Errorf("reconnect.jitter_factor (%g) must be between 0 and 1", c.Reconnect.JitterFactor)
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format (%s) must be json or console", c.Log.Format)
	}

	return nil
}

// Validate checks a single database target.
func (c *DatabaseConfig) Validate() error {
	switch {
	case c.Type != TypePostgres && c.Type != TypeMSSQL:
		return fmt.Errorf("database.type (%s) must be %s or %s", c.Type, TypePostgres, TypeMSSQL)
	case c.Host == "":
		return errors.New("database.host is required")
	case c.User == "":
		return errors.New("database.user is required")
	case c.Database == "":
		return errors.New("database.database is required")
	case c.MaxConnections > 0 && c.MinConnections > c.MaxConnections:
		return fmt.Errorf("database.min_connections (%d) cannot exceed max_connections (%d)", c.MinConnections, c.MaxConnections)
	}
	return nil
}
