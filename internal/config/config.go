// Package config loads the configuration shared by the authority server and
// the device CLI. Values are layered: built-in defaults, then a YAML or TOML
// file, then HO_* environment variables, then command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	JWT       JWTConfig       `yaml:"jwt" toml:"jwt"`
	Authority AuthorityConfig `yaml:"authority" toml:"authority"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Security  SecurityConfig  `yaml:"security" toml:"security"`
	Device    DeviceConfig    `yaml:"device" toml:"device"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" toml:"port"`
	Host         string        `yaml:"host" toml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" toml:"tls_enabled"`
	TLSCert      string        `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey       string        `yaml:"tls_key" toml:"tls_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type     string         `yaml:"type" toml:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite" toml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" toml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type PostgresConfig struct {
	Host         string `yaml:"host" toml:"host"`
	Port         int    `yaml:"port" toml:"port"`
	Database     string `yaml:"database" toml:"database"`
	User         string `yaml:"user" toml:"user"`
	Password     string `yaml:"password" toml:"password"`
	SSLMode      string `yaml:"ssl_mode" toml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" toml:"max_idle_conns"`
}

// JWTConfig holds bearer token configuration. An empty secret is replaced by
// one generated and stored in the database on first start.
type JWTConfig struct {
	Secret     string        `yaml:"secret" toml:"secret"`
	Expiration time.Duration `yaml:"expiration" toml:"expiration"`
	Issuer     string        `yaml:"issuer" toml:"issuer"`
}

// AuthorityConfig holds the notarization seal settings. The secret has no
// default; the notary refuses to sign without it.
type AuthorityConfig struct {
	Secret string `yaml:"secret" toml:"secret"`
	KeyID  string `yaml:"key_id" toml:"key_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORSEnabled bool     `yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// DeviceConfig holds the issuing device settings used by hoctl.
type DeviceConfig struct {
	AuthorityURL   string        `yaml:"authority_url" toml:"authority_url"`
	KeyPath        string        `yaml:"key_path" toml:"key_path"`
	KeyPassphrase  string        `yaml:"key_passphrase" toml:"key_passphrase"`
	KeyID          string        `yaml:"key_id" toml:"key_id"`
	StatePath      string        `yaml:"state_path" toml:"state_path"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max" toml:"backoff_max"`
}

// Load builds the configuration. A missing file leaves the defaults in place;
// flags may be nil.
func Load(path string, flags *Flags) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if flags != nil {
		if err := flags.apply(cfg); err != nil {
			return nil, fmt.Errorf("invalid flag value: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return nil
}

func defaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	deviceDir := filepath.Join(home, ".human-origin")

	return &Config{
		Server: ServerConfig{
			Port:         8000,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/notary.db",
			},
			Postgres: PostgresConfig{
				Port:         5432,
				SSLMode:      "disable",
				MaxOpenConns: 25,
				MaxIdleConns: 5,
			},
		},
		JWT: JWTConfig{
			Expiration: 24 * time.Hour,
			Issuer:     "human-origin",
		},
		Authority: AuthorityConfig{
			KeyID: "hmac-v1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			CORSEnabled: true,
			CORSOrigins: []string{"*"},
		},
		Device: DeviceConfig{
			AuthorityURL:   "http://localhost:8000",
			KeyPath:        filepath.Join(deviceDir, "device.key"),
			StatePath:      filepath.Join(deviceDir, "state.db"),
			RequestTimeout: 15 * time.Second,
			MaxAttempts:    5,
			BackoffBase:    500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
		},
	}
}

// applyEnvOverrides applies HO_* environment variable overrides
func (c *Config) applyEnvOverrides() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setInt("HO_SERVER_PORT", &c.Server.Port)
	setString("HO_SERVER_HOST", &c.Server.Host)

	setString("HO_DB_TYPE", &c.Database.Type)
	setString("HO_DB_SQLITE_PATH", &c.Database.SQLite.Path)
	setString("HO_DB_POSTGRES_HOST", &c.Database.Postgres.Host)
	setInt("HO_DB_POSTGRES_PORT", &c.Database.Postgres.Port)
	setString("HO_DB_POSTGRES_DATABASE", &c.Database.Postgres.Database)
	setString("HO_DB_POSTGRES_USER", &c.Database.Postgres.User)
	setString("HO_DB_POSTGRES_PASSWORD", &c.Database.Postgres.Password)

	setString("HO_JWT_SECRET", &c.JWT.Secret)
	setString("HO_AUTHORITY_SECRET", &c.Authority.Secret)
	setString("HO_AUTHORITY_KEY_ID", &c.Authority.KeyID)

	setString("HO_LOG_LEVEL", &c.Logging.Level)

	setString("HO_DEVICE_AUTHORITY_URL", &c.Device.AuthorityURL)
	setString("HO_DEVICE_KEY_PATH", &c.Device.KeyPath)
	setString("HO_DEVICE_KEY_PASSPHRASE", &c.Device.KeyPassphrase)
	setString("HO_DEVICE_STATE_PATH", &c.Device.StatePath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
			return fmt.Errorf("TLS enabled but cert or key not specified")
		}
	}

	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("invalid database type: %s (must be 'sqlite' or 'postgres')", c.Database.Type)
	}
	if c.Database.Type == "sqlite" && c.Database.SQLite.Path == "" {
		return fmt.Errorf("SQLite path not specified")
	}
	if c.Database.Type == "postgres" {
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("PostgreSQL host and database must be specified")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Device.AuthorityURL != "" {
		u, err := url.Parse(c.Device.AuthorityURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid authority url: %s", c.Device.AuthorityURL)
		}
	}
	if c.Device.MaxAttempts < 1 {
		return fmt.Errorf("device max attempts must be at least 1")
	}
	if c.Device.BackoffBase <= 0 || c.Device.BackoffMax < c.Device.BackoffBase {
		return fmt.Errorf("invalid backoff: base %s, max %s", c.Device.BackoffBase, c.Device.BackoffMax)
	}

	return nil
}

// GetDSN returns the database connection string based on the configured type
func (c *Config) GetDSN() string {
	switch c.Database.Type {
	case "sqlite":
		return c.Database.SQLite.Path
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Postgres.Host,
			c.Database.Postgres.Port,
			c.Database.Postgres.User,
			c.Database.Postgres.Password,
			c.Database.Postgres.Database,
			c.Database.Postgres.SSLMode,
		)
	default:
		return ""
	}
}
