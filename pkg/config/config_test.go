package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/crypto"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/retry"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func clearDBEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PGHOST", "PGPORT", "PGUSER", "PGPASSWORD", "PGPASSWORD_ENCRYPTED", "DBGUARD_CREDENTIALS_KEY", "PGDATABASE", "DB_NAME", "DB_TYPE", "THROTTLE_BOUNDARY", "LOG_FORMAT"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	clearDBEnv(t)
	path := writeTempConfig(t, `
database:
  name: metrics
  host: db.example.com
  user: collector
  database: minute_stats
throttle:
  boundary: 5
`)

	cfg, err := Load(path, "1.0.0")
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", cfg.Version)
	assert.Equal(t, "metrics", cfg.Database.Name)
	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, TypePostgres, cfg.Database.Type)
	assert.Equal(t, int32(10), cfg.Database.MaxConnections)
	assert.Equal(t, time.Hour, cfg.Database.MaxConnLifetime)
	assert.Equal(t, 5, cfg.Throttle.Boundary)
	assert.Equal(t, 100*time.Millisecond, cfg.Reconnect.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearDBEnv(t)
	path := writeTempConfig(t, `
database:
  host: db.example.com
  user: collector
  database: minute_stats
`)
	t.Setenv("PGHOST", "replica.example.com")
	t.Setenv("PGPASSWORD", "s3cret")
	t.Setenv("THROTTLE_BOUNDARY", "10")

	cfg, err := Load(path, "test")
	require.NoError(t, err)

	assert.Equal(t, "replica.example.com", cfg.Database.Host)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, 10, cfg.Throttle.Boundary)
}

func TestLoad_PasswordNotReadFromYAML(t *testing.T) {
	clearDBEnv(t)
	path := writeTempConfig(t, `
database:
  host: db.example.com
  user: collector
  password: from-yaml
  database: minute_stats
`)

	cfg, err := Load(path, "test")
	require.NoError(t, err)
	assert.Empty(t, cfg.Database.Password)
}

func TestLoad_EncryptedPassword(t *testing.T) {
	clearDBEnv(t)
	box, err := crypto.NewPasswordBox("deploy-key")
	require.NoError(t, err)
	sealed, err := box.Seal("s3cret")
	require.NoError(t, err)

	path := writeTempConfig(t, `
database:
  host: db.example.com
  user: collector
  database: minute_stats
  password_encrypted: `+sealed+`
`)

	_, err = Load(path, "test")
	require.Error(t, err, "key missing")

	t.Setenv("DBGUARD_CREDENTIALS_KEY", "wrong-key")
	_, err = Load(path, "test")
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	t.Setenv("DBGUARD_CREDENTIALS_KEY", "deploy-key")
	cfg, err := Load(path, "test")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)

	t.Setenv("PGPASSWORD", "plain")
	cfg, err = Load(path, "test")
	require.NoError(t, err)
	assert.Equal(t, "plain", cfg.Database.Password, "PGPASSWORD wins")
}

func TestLoadFromEnv(t *testing.T) {
	clearDBEnv(t)
	t.Setenv("PGUSER", "app")
	t.Setenv("PGDATABASE", "app")

	cfg, err := LoadFromEnv("test")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "app", cfg.Database.User)
	assert.Equal(t, DefaultPostgresPort, cfg.Database.Port)
}

func TestLoad_MSSQLDefaultPort(t *testing.T) {
	clearDBEnv(t)
	path := writeTempConfig(t, `
database:
  type: mssql
  host: sql.example.com
  user: sa
  database: stats
`)

	cfg, err := Load(path, "test")
	require.NoError(t, err)
	assert.Equal(t, DefaultMSSQLPort, cfg.Database.Port)
}

func TestLoad_ExplicitPortKept(t *testing.T) {
	clearDBEnv(t)
	t.Setenv("PGUSER", "app")
	t.Setenv("PGDATABASE", "app")
	t.Setenv("PGPORT", "6432")

	cfg, err := LoadFromEnv("test")
	require.NoError(t, err)
	assert.Equal(t, 6432, cfg.Database.Port)
}

func TestLoad_InvalidConfig(t *testing.T) {
	clearDBEnv(t)
	path := writeTempConfig(t, `
database:
  host: db.example.com
  database: minute_stats
`)

	_, err := Load(path, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.user is required")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "test")
	assert.Error(t, err)
}

func validConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Type:           TypePostgres,
			Host:           "localhost",
			User:           "app",
			Database:       "app",
			MaxConnections: 10,
			MinConnections: 1,
		},
		Reconnect: ReconnectConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2, JitterFactor: 0.1},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "unknown type", mutate: func(c *Config) { c.Database.Type = "oracle" }, wantErr: "database.type (oracle) must be postgres or mssql"},
		{name: "missing host", mutate: func(c *Config) { c.Database.Host = "" }, wantErr: "database.host is required"},
		{name: "missing user", mutate: func(c *Config) { c.Database.User = "" }, wantErr: "database.user is required"},
		{name: "missing database", mutate: func(c *Config) { c.Database.Database = "" }, wantErr: "database.database is required"},
		{
			name:    "min exceeds max",
			mutate:  func(c *Config) { c.Database.MinConnections = 20 },
			wantErr: "database.min_connections (20) cannot exceed max_connections (10)",
		},
		{name: "boundary too large", mutate: func(c *Config) { c.Throttle.Boundary = 35 }, wantErr: "throttle.boundary (35) must be between 0 and 29"},
		{name: "boundary negative", mutate: func(c *Config) { c.Throttle.Boundary = -1 }, wantErr: "throttle.boundary (-1) must be between 0 and 29"},
		{name: "zero initial delay", mutate: func(c *Config) { c.Reconnect.InitialDelay = 0 }, wantErr: "reconnect.initial_delay (0s) must be positive"},
		{
			name:    "max delay below initial delay",
			mutate:  func(c *Config) { c.Reconnect.MaxDelay = 50 * time.Millisecond },
			wantErr: "reconnect.max_delay (50ms) must be at least reconnect.initial_delay (100ms)",
		},
		{name: "multiplier below one", mutate: func(c *Config) { c.Reconnect.Multiplier = 0.5 }, wantErr: "reconnect.multiplier (0.5) must be at least 1"},
		{name: "jitter out of range", mutate: func(c *Config) { c.Reconnect.JitterFactor = 2 }, wantErr: "reconnect.jitter_factor (2) must be between 0 and 1"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format (xml) must be json or console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestDatabaseConfig_IdentityOmitsPassword(t *testing.T) {
	c := DatabaseConfig{Type: TypePostgres, User: "app", Password: "hunter2", Host: "db", Port: 5432, Database: "stats"}
	assert.Equal(t, "postgres://app@db:5432/stats", c.Identity())
	assert.NotContains(t, c.Identity(), "hunter2")
}

func TestDatabaseConfig_PoolKey(t *testing.T) {
	base := DatabaseConfig{Type: TypePostgres, User: "app", Password: "hunter2", Host: "db", Port: 5432, Database: "stats", SSLMode: "disable", MaxConnections: 10}
	key := base.PoolKey()

	assert.True(t, strings.HasPrefix(key, base.Identity()+"#"))
	assert.NotContains(t, key, "hunter2")
	assert.Equal(t, key, base.PoolKey(), "stable for equal settings")

	renamed := base
	renamed.Name = "reporting"
	assert.Equal(t, key, renamed.PoolKey(), "the log label does not split pools")

	tests := []struct {
		name   string
		mutate func(c *DatabaseConfig)
	}{
		{name: "rotated password", mutate: func(c *DatabaseConfig) { c.Password = "hunter3" }},
		{name: "ssl mode", mutate: func(c *DatabaseConfig) { c.SSLMode = "require" }},
		{name: "pool size", mutate: func(c *DatabaseConfig) { c.MaxConnections = 20 }},
		{name: "connect timeout", mutate: func(c *DatabaseConfig) { c.ConnectTimeout = time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := base
			tt.mutate(&changed)
			assert.NotEqual(t, key, changed.PoolKey())
			assert.Equal(t, base.Identity(), changed.Identity())
		})
	}
}

func TestReconnectConfig_RetryConfig(t *testing.T) {
	rc := ReconnectConfig{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 3, JitterFactor: 0.2}
	got := rc.RetryConfig()
	assert.Equal(t, retry.Unlimited, got.MaxRetries)
	assert.Equal(t, time.Second, got.InitialDelay)
	assert.Equal(t, time.Minute, got.MaxDelay)
	assert.Equal(t, 3.0, got.Multiplier)
	assert.Equal(t, 0.2, got.JitterFactor)
}
