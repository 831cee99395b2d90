// Package config loads trustcore settings from defaults, an optional YAML
// file and TRUSTCORE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
	BackendSecureFile = "securefile"
	BackendPostgres   = "postgres"
)

// Sync remotes.
const (
	RemoteMemory = "memory"
	RemoteRedis  = "redis"
)

// EnvPrefix prefixes environment overrides, e.g. TRUSTCORE_STORAGE_BACKEND.
const EnvPrefix = "TRUSTCORE"

var (
	// ErrUnknownBackend is returned for an unsupported storage.backend.
	ErrUnknownBackend = errors.New("unknown storage backend")
	// ErrUnknownRemote is returned for an unsupported sync.remote.
	ErrUnknownRemote = errors.New("unknown sync remote")
	// ErrMissingSetting is returned when a backend lacks a required setting.
	ErrMissingSetting = errors.New("missing required setting")
)

// Config is the validated configuration.
type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Device   string        `mapstructure:"device"`
	Storage  StorageConfig `mapstructure:"storage"`
	Sync     SyncConfig    `mapstructure:"sync"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig selects and configures the identity table backend.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	SecureFileDir string `mapstructure:"securefile_dir"`
	PostgresURL   string `mapstructure:"postgres_url"`
	// PassphraseEnv names the environment variable holding the securefile
	// passphrase. The passphrase itself never appears in configuration.
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// SyncConfig configures background storage sync.
type SyncConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	// Remote selects the storage service: an in-process hub, or Redis.
	Remote      string `mapstructure:"remote"`
	RedisURL    string `mapstructure:"redis_url"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("device", "primary")
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sqlite_path", "trustcore.db")
	v.SetDefault("storage.securefile_dir", "trustcore-data")
	v.SetDefault("storage.passphrase_env", "TRUSTCORE_PASSPHRASE")
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("sync.debounce", 500*time.Millisecond)
	v.SetDefault("sync.remote", RemoteMemory)
	v.SetDefault("sync.redis_url", "")
	v.SetDefault("sync.redis_prefix", "trustcore:sync")
	v.SetDefault("metrics.listen_addr", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if non-empty) on top of the defaults and returns the
// validated configuration.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return Parse(v)
}

// Parse decodes and validates the settings held by v.
func Parse(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.Device == "" {
		return fmt.Errorf("%w: device", ErrMissingSetting)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("%w: storage.sqlite_path", ErrMissingSetting)
		}
	case BackendSecureFile:
		if c.Storage.SecureFileDir == "" {
			return fmt.Errorf("%w: storage.securefile_dir", ErrMissingSetting)
		}
		if c.Storage.PassphraseEnv == "" {
			return fmt.Errorf("%w: storage.passphrase_env", ErrMissingSetting)
		}
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("%w: storage.postgres_url", ErrMissingSetting)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Storage.Backend)
	}
	if c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.debounce must not be negative, got %s", c.Sync.Debounce)
	}
	switch c.Sync.Remote {
	case "", RemoteMemory:
	case RemoteRedis:
		if c.Sync.RedisURL == "" {
			return fmt.Errorf("%w: sync.redis_url", ErrMissingSetting)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRemote, c.Sync.Remote)
	}
	return nil
}

// ApplyLogging sets the global logrus level from the configuration.
func (c *Config) ApplyLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}
