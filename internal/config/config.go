// Package config provides configuration management for attest.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/abdul-hamid-achik/attest/internal/crypto"
)

// EnvPrefix is the prefix for environment variables, e.g. ATTEST_SERVER_PORT.
const EnvPrefix = "ATTEST"

// Storage drivers.
const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the application.
type Config struct {
	Env       string
	LogLevel  string
	Server    ServerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Audit     AuditConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	TSA       TSAConfig
	Signing   SigningConfig
	Suite     crypto.Suite
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
}

// StorageConfig selects where identities and signatures live.
type StorageConfig struct {
	Driver string
	Path   string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// AuditConfig holds audit chain settings. Driver may be empty to keep the
// chain in the main store.
type AuditConfig struct {
	Driver         string
	SQLitePath     string
	MaxAttempts    int
	InitialBackoff time.Duration
	// VerifyInterval is how often the server re-verifies the chain; zero
	// disables it.
	VerifyInterval time.Duration
}

// RedisConfig holds Redis connection settings. An empty URL selects the
// in-process rate limiter.
type RedisConfig struct {
	URL          string
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// AuthConfig holds the API bearer token.
type AuthConfig struct {
	Token string
}

// TSAConfig holds RFC 3161 timestamp authority settings. An empty URL
// disables timestamping.
type TSAConfig struct {
	URL       string
	Timeout   time.Duration
	RootsFile string
}

// SigningConfig holds identity certificate settings.
type SigningConfig struct {
	Issuer       string
	CertValidity time.Duration
}

// Load reads configuration from defaults, an optional config file, and
// ATTEST_-prefixed environment variables, in increasing precedence.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance. The
// CLI uses it so flags bound on the command tree take part in resolution.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env:      v.GetString("env"),
		LogLevel: v.GetString("log.level"),
	}

	cfg.Server = ServerConfig{
		Host:               v.GetString("server.host"),
		Port:               v.GetInt("server.port"),
		ReadTimeout:        v.GetDuration("server.read_timeout"),
		WriteTimeout:       v.GetDuration("server.write_timeout"),
		IdleTimeout:        v.GetDuration("server.idle_timeout"),
		RequestTimeout:     v.GetDuration("server.request_timeout"),
		MaxRequestBodySize: v.GetInt64("server.max_request_body_size"),
	}

	cfg.Storage = StorageConfig{
		Driver: v.GetString("storage.driver"),
		Path:   v.GetString("storage.path"),
	}

	cfg.Database = DatabaseConfig{
		URL:             v.GetString("database.url"),
		MaxOpenConns:    v.GetInt("database.max_open_conns"),
		MaxIdleConns:    v.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		ConnMaxIdleTime: v.GetDuration("database.conn_max_idle_time"),
	}

	cfg.Audit = AuditConfig{
		Driver:         v.GetString("audit.driver"),
		SQLitePath:     v.GetString("audit.sqlite_path"),
		MaxAttempts:    v.GetInt("audit.max_attempts"),
		InitialBackoff: v.GetDuration("audit.initial_backoff"),
		VerifyInterval: v.GetDuration("audit.verify_interval"),
	}

	cfg.Redis = RedisConfig{
		URL:          v.GetString("redis.url"),
		MaxRetries:   v.GetInt("redis.max_retries"),
		PoolSize:     v.GetInt("redis.pool_size"),
		MinIdleConns: v.GetInt("redis.min_idle_conns"),
	}

	cfg.RateLimit = RateLimitConfig{
		Requests: v.GetInt("ratelimit.requests"),
		Window:   v.GetDuration("ratelimit.window"),
	}

	cfg.Auth = AuthConfig{Token: v.GetString("auth.token")}

	cfg.TSA = TSAConfig{
		URL:       v.GetString("tsa.url"),
		Timeout:   v.GetDuration("tsa.timeout"),
		RootsFile: v.GetString("tsa.roots_file"),
	}

	cfg.Signing = SigningConfig{
		Issuer:       v.GetString("signing.issuer"),
		CertValidity: v.GetDuration("signing.cert_validity"),
	}

	suite, err := crypto.ParseSuite(v.GetString("crypto.suite"))
	if err != nil {
		return nil, err
	}
	cfg.Suite = suite

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	setDefaults(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log.level", "info")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.max_request_body_size", 1*1024*1024) // 1MB

	// Storage defaults
	v.SetDefault("storage.driver", DriverBolt)
	v.SetDefault("storage.path", "attest.db")

	// Database defaults
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)

	// Audit defaults
	v.SetDefault("audit.max_attempts", 8)
	v.SetDefault("audit.initial_backoff", 10*time.Millisecond)
	v.SetDefault("audit.verify_interval", 15*time.Minute)

	// Redis defaults
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	// Rate limiting defaults
	v.SetDefault("ratelimit.requests", 100)
	v.SetDefault("ratelimit.window", 60*time.Second)

	// Timestamping defaults
	v.SetDefault("tsa.timeout", 10*time.Second)

	// Signing defaults
	v.SetDefault("signing.issuer", "attest")
	v.SetDefault("signing.cert_validity", 3*365*24*time.Hour)
	v.SetDefault("crypto.suite", "aes-gcm")
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverBolt:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the bolt driver")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Audit.Driver {
	case "":
	case DriverSQLite:
		if c.Audit.SQLitePath == "" {
			return errors.New("audit.sqlite_path is required for the sqlite audit driver")
		}
	default:
		return fmt.Errorf("unknown audit driver %q", c.Audit.Driver)
	}

	if c.Audit.MaxAttempts < 1 {
		return errors.New("audit.max_attempts must be at least 1")
	}
	if c.Audit.VerifyInterval < 0 {
		return errors.New("audit.verify_interval must not be negative")
	}
	if c.TSA.URL != "" && c.TSA.Timeout <= 0 {
		return errors.New("tsa.timeout must be positive")
	}
	if c.Signing.CertValidity <= 0 {
		return errors.New("signing.cert_validity must be positive")
	}
	if c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0 {
		return errors.New("ratelimit requires positive requests and window")
	}

	if c.IsProduction() && c.Auth.Token == "" {
		return errors.New("auth.token is required in production")
	}

	return nil
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ServerAddr returns the full server address.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
