package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	GuildID      string             `mapstructure:"guild_id"`
	Tracking     TrackingConfig     `mapstructure:"tracking"`
	Accumulation AccumulationConfig `mapstructure:"accumulation"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	Members      MembersConfig      `mapstructure:"members"`
}

// TrackingConfig defines which channels accumulate time
type TrackingConfig struct {
	Channels       []string `mapstructure:"channels"`
	RollupInterval string   `mapstructure:"rollup_interval"` // Wall-clock maintenance check interval
}

// AccumulationConfig defines retry behaviour for failed tier writes
type AccumulationConfig struct {
	MaxRetries     int    `mapstructure:"max_retries"`
	InitialBackoff string `mapstructure:"initial_backoff"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type             string      `mapstructure:"type"` // "sqlite" or "redis"
	Path             string      `mapstructure:"path"`
	OperationTimeout string      `mapstructure:"operation_timeout"`
	Redis            RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig defines the metrics endpoint
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// MembersConfig defines member resolution settings
type MembersConfig struct {
	CacheSize int            `mapstructure:"cache_size"`
	CacheTTL  string         `mapstructure:"cache_ttl"`
	Static    []StaticMember `mapstructure:"static"`
}

// StaticMember is a guild member known without a gateway connection
type StaticMember struct {
	UserID      string   `mapstructure:"user_id"`
	DisplayName string   `mapstructure:"display_name"`
	Roles       []string `mapstructure:"roles"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("VOICETIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults registers every default on v. Exposed for the validate command's
// dump, which compares a loaded config against a defaults-only one.
func SetDefaults(v *viper.Viper) {
	setDefaults(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("guild_id", "")

	v.SetDefault("tracking.channels", []string{})
	v.SetDefault("tracking.rollup_interval", "15m")

	v.SetDefault("accumulation.max_retries", 5)
	v.SetDefault("accumulation.initial_backoff", "200ms")

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "/var/lib/voicetime/voicetime.db")
	v.SetDefault("storage.operation_timeout", "5s")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.metrics_port", 9090)

	v.SetDefault("members.cache_size", 1024)
	v.SetDefault("members.cache_ttl", "10m")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	seen := make(map[string]bool, len(cfg.Tracking.Channels))
	for _, ch := range cfg.Tracking.Channels {
		if strings.TrimSpace(ch) == "" {
			return fmt.Errorf("tracked channel IDs must not be empty")
		}
		if seen[ch] {
			return fmt.Errorf("duplicate tracked channel: %s", ch)
		}
		seen[ch] = true
	}

	for name, d := range map[string]string{
		"tracking.rollup_interval":     cfg.Tracking.RollupInterval,
		"accumulation.initial_backoff": cfg.Accumulation.InitialBackoff,
		"storage.operation_timeout":    cfg.Storage.OperationTimeout,
		"members.cache_ttl":            cfg.Members.CacheTTL,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, d, err)
		}
	}

	if cfg.Accumulation.MaxRetries < 0 {
		return fmt.Errorf("accumulation.max_retries must not be negative")
	}

	for i, m := range cfg.Members.Static {
		if m.UserID == "" {
			return fmt.Errorf("members.static[%d]: user_id is required", i)
		}
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "sqlite"
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	if cfg.Storage.Type == "sqlite" {
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}

		// Ensure storage directory exists
		if cfg.Storage.Path != ":memory:" {
			storageDir := filepath.Dir(cfg.Storage.Path)
			if err := os.MkdirAll(storageDir, 0755); err != nil {
				return fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
	}

	return nil
}

// TrackedChannels returns the tracked channel IDs as a set
func (c *Config) TrackedChannels() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Tracking.Channels))
	for _, ch := range c.Tracking.Channels {
		set[ch] = struct{}{}
	}
	return set
}

// Duration parses a duration string with a fallback
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
