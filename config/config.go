// Package config implements centralized configuration loading: env vars and
// an optional YAML file via spf13/viper, unmarshaled into a typed struct
// tree and validated with go-playground/validator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration tree, one sub-struct per concern
// (SPEC_FULL §1.1: "ServerConfig (admin HTTP bind), WorkerConfig ...,
// CacheConfig ..., DatabaseConfig ..., UsernameConfig ...").
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Database DatabaseConfig `mapstructure:"database"`
	Username UsernameConfig `mapstructure:"username"`
	Admin    AdminConfig    `mapstructure:"admin"`
}

// ServerConfig is the admin HTTP API's bind address (SPEC_FULL §4.L).
type ServerConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"required,min=1,max=65535"`
}

// WorkerConfig bounds the blocking-backend offload pool (spec §4.E).
type WorkerConfig struct {
	SocketPath      string        `mapstructure:"socket_path" validate:"required"`
	MaxCount        int           `mapstructure:"max_count" validate:"required,min=1"`
	SpawnRetryDelay time.Duration `mapstructure:"spawn_retry_delay"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
}

// CacheConfig bounds the passdb/userdb result cache (spec §4.C).
type CacheConfig struct {
	MaxBytes   int64         `mapstructure:"max_bytes" validate:"required,min=1"`
	TTL        time.Duration `mapstructure:"ttl" validate:"required"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl" validate:"required"`
}

// DatabaseConfig holds the audit log's Postgres connection parameters
// (SPEC_FULL §4.K).
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name" validate:"required"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// UsernameConfig drives normalization and master-user substitution
// (spec §4.H, §4.G set_username).
type UsernameConfig struct {
	DefaultRealm        string `mapstructure:"default_realm"`
	MasterUserSeparator string `mapstructure:"master_user_separator"`
	UsernameChars       string `mapstructure:"username_chars"`
	UsernameFormat      string `mapstructure:"username_format"`
}

// AdminConfig carries the admin API's JWT signing key (SPEC_FULL §4.L).
type AdminConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key" validate:"required,min=16"`
}

// Load reads configuration from (in ascending priority) defaults, an
// optional YAML file, and environment variables prefixed AUTHD_, with "_"
// as the nesting separator (AUTHD_SERVER_PORT -> Server.Port).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AUTHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7600)

	v.SetDefault("worker.socket_path", "/run/mailauthd/worker.sock")
	v.SetDefault("worker.max_count", 4)
	v.SetDefault("worker.spawn_retry_delay", 5*time.Second)
	v.SetDefault("worker.call_timeout", 60*time.Second)

	v.SetDefault("cache.max_bytes", 16<<20)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.negative_ttl", time.Minute)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "mailauthd")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.password", "")

	v.SetDefault("username.default_realm", "")
	v.SetDefault("username.master_user_separator", "")
	v.SetDefault("username.username_chars", "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.-_@")
	v.SetDefault("username.username_format", "%u")

	v.SetDefault("admin.jwt_signing_key", "")
}

// DSN builds the audit database's libpq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.Name, c.Database.SSLMode)
}

// ServerAddr is the admin API's listen address.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
