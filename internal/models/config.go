// Package models - Service configuration and operational settings.
// This file defines the configuration tree for the access-control service:
// HTTP server, persistence, token and password settings, the ban ledger,
// the weighted rate limiter, logging and observability.
//
// Every tunable the gate depends on (token lifetime, window length,
// threshold, per-operation weights, ban duration unit) lives here so call
// sites never hard-code them.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Storage type constants
const (
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
)

// Activity ledger backends for the rate limiter
const (
	LedgerBackendMemory  = "memory"
	LedgerBackendStorage = "storage"
	LedgerBackendRedis   = "redis"
)

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Ban           BanConfig           `yaml:"ban" json:"ban"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
	CORS         CORSConfig    `yaml:"cors" json:"cors"`
}

type CORSConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers" json:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials" json:"allow_credentials"`
	MaxAge           int      `yaml:"max_age" json:"max_age"`
}

type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// SecurityConfig groups identity-related settings: the signing secret,
// token lifetime, the cookie that carries the token and password hashing
// parameters.
type SecurityConfig struct {
	SecretFile    string         `yaml:"secret_file" json:"secret_file"`
	TokenLifetime time.Duration  `yaml:"token_lifetime" json:"token_lifetime"`
	TokenIssuer   string         `yaml:"token_issuer" json:"token_issuer"`
	TokenLeeway   time.Duration  `yaml:"token_leeway" json:"token_leeway"`
	Cookie        CookieConfig   `yaml:"cookie" json:"cookie"`
	Password      PasswordConfig `yaml:"password" json:"password"`
	LoginThrottle ThrottleConfig `yaml:"login_throttle" json:"login_throttle"`

	// BootstrapAdmin, when set, is created (or upgraded) at startup so a
	// fresh deployment has someone able to call the admin endpoints.
	BootstrapAdmin BootstrapAdminConfig `yaml:"bootstrap_admin" json:"bootstrap_admin"`
}

type BootstrapAdminConfig struct {
	UserName string `yaml:"user_name" json:"user_name"`
	Password string `yaml:"password" json:"-"`
}

type CookieConfig struct {
	Name     string `yaml:"name" json:"name"`
	Domain   string `yaml:"domain" json:"domain"`
	Secure   bool   `yaml:"secure" json:"secure"`
	SameSite string `yaml:"same_site" json:"same_site"`
}

// PasswordConfig holds Argon2id cost parameters. Memory is in KiB.
type PasswordConfig struct {
	Memory      uint32 `yaml:"memory" json:"memory"`
	Time        uint32 `yaml:"time" json:"time"`
	Parallelism uint8  `yaml:"parallelism" json:"parallelism"`
	SaltLength  uint32 `yaml:"salt_length" json:"salt_length"`
	KeyLength   uint32 `yaml:"key_length" json:"key_length"`
}

// ThrottleConfig configures the per-IP token bucket in front of the
// anonymous credential endpoints.
type ThrottleConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

type BanConfig struct {
	DurationUnit    time.Duration `yaml:"duration_unit" json:"duration_unit"`
	MaxReasonLength int           `yaml:"max_reason_length" json:"max_reason_length"`
}

// RateLimitConfig configures the weighted sliding-window limiter.
type RateLimitConfig struct {
	Window        time.Duration  `yaml:"window" json:"window"`
	Threshold     int64          `yaml:"threshold" json:"threshold"`
	Weights       map[string]int `yaml:"weights" json:"weights"`
	Backend       string         `yaml:"backend" json:"backend"`
	PruneInterval time.Duration  `yaml:"prune_interval" json:"prune_interval"`
	Redis         RedisConfig    `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// DefaultWeights returns the per-operation costs charged to the activity
// ledger. Reads are free and never consult the limiter; administrative
// actions are privileged and therefore weightless.
func DefaultWeights() map[string]int {
	return map[string]int{
		OpPost:           10,
		OpComment:        5,
		OpReact:          1,
		OpUnreact:        1,
		OpUploadImage:    15,
		OpAttachImage:    2,
		OpChangeProfile:  5,
		OpDeletePost:     2,
		OpDeleteAccount:  0,
		OpBanUser:        0,
		OpUnbanUser:      0,
		OpUpgradeUser:    0,
		OpListUserBans:   0,
		OpSetProfilePic:  2,
		OpRemoveProfPic:  1,
		OpChangeUserName: 5,
	}
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// Defaults follow the reference deployment: ten-day tokens, a 60 second
// window with a threshold of 50 weight units, ban lengths given in seconds
// and the activity ledger kept in the primary store.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8000,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			CORS: CORSConfig{
				Enabled:          true,
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Content-Type", "Authorization"},
				AllowCredentials: true,
				MaxAge:           86400,
			},
		},
		Storage: StorageConfig{
			Type: StorageTypeSQLite,
			Database: DatabaseConfig{
				DSN:             "./data/warden.db",
				MaxOpenConns:    1,
				MaxIdleConns:    1,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Security: SecurityConfig{
			SecretFile:    "./SECRET",
			TokenLifetime: 240 * time.Hour,
			TokenIssuer:   "warden",
			Cookie: CookieConfig{
				Name:     "token",
				SameSite: "lax",
			},
			Password: PasswordConfig{
				Memory:      64 * 1024,
				Time:        3,
				Parallelism: 2,
				SaltLength:  16,
				KeyLength:   32,
			},
			LoginThrottle: ThrottleConfig{
				Enabled:           true,
				RequestsPerMinute: 10,
				BurstSize:         5,
				CleanupInterval:   5 * time.Minute,
			},
		},
		Ban: BanConfig{
			DurationUnit:    time.Second,
			MaxReasonLength: 500,
		},
		RateLimit: RateLimitConfig{
			Window:        60 * time.Second,
			Threshold:     50,
			Weights:       DefaultWeights(),
			Backend:       LedgerBackendStorage,
			PruneInterval: time.Minute,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "warden:activity:",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "warden",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.Ban.Validate(); err != nil {
		return fmt.Errorf("invalid ban config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	if c.RateLimit.Backend == LedgerBackendStorage && c.Storage.Type == "" {
		return errors.New("storage ledger backend requires a storage type")
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (stc *StorageConfig) Validate() error {
	switch stc.Type {
	case StorageTypeMemory:
		return nil
	case StorageTypePostgres, StorageTypeSQLite:
		if stc.Database.DSN == "" {
			return errors.New("database DSN is required for database storage")
		}
		if stc.Database.MaxOpenConns < 0 || stc.Database.MaxIdleConns < 0 {
			return errors.New("connection limits cannot be negative")
		}
		return nil
	default:
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}
}

func (sec *SecurityConfig) Validate() error {
	if sec.SecretFile == "" {
		return errors.New("secret file is required")
	}

	if sec.TokenLifetime <= 0 {
		return errors.New("token lifetime must be positive")
	}

	if sec.TokenLeeway < 0 || sec.TokenLeeway > 2*time.Minute {
		return errors.New("token leeway must be between 0 and 2m")
	}

	if sec.Cookie.Name == "" {
		return errors.New("cookie name cannot be empty")
	}

	switch strings.ToLower(sec.Cookie.SameSite) {
	case "", "lax", "strict", "none":
	default:
		return fmt.Errorf("invalid cookie same_site: %s", sec.Cookie.SameSite)
	}

	if sec.BootstrapAdmin.UserName != "" {
		if err := ValidateUserName(sec.BootstrapAdmin.UserName); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if err := ValidatePassword(sec.BootstrapAdmin.Password); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	if sec.LoginThrottle.Enabled {
		if sec.LoginThrottle.RequestsPerMinute <= 0 {
			return errors.New("login throttle requests per minute must be positive")
		}
		if sec.LoginThrottle.BurstSize <= 0 {
			return errors.New("login throttle burst size must be positive")
		}
		if sec.LoginThrottle.CleanupInterval <= 0 {
			return errors.New("login throttle cleanup interval must be positive")
		}
	}

	return nil
}

func (bc *BanConfig) Validate() error {
	if bc.DurationUnit <= 0 {
		return errors.New("ban duration unit must be positive")
	}
	if bc.MaxReasonLength <= 0 {
		return errors.New("max reason length must be positive")
	}
	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if rc.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}

	if rc.Threshold < 0 {
		return errors.New("rate limit threshold cannot be negative")
	}

	for op, w := range rc.Weights {
		if w < 0 {
			return fmt.Errorf("weight for %s cannot be negative", op)
		}
	}

	switch rc.Backend {
	case LedgerBackendMemory, LedgerBackendStorage:
	case LedgerBackendRedis:
		if rc.Redis.Addr == "" {
			return errors.New("Redis address is required when backend is redis")
		}
	default:
		return fmt.Errorf("invalid rate limit backend: %s", rc.Backend)
	}

	if rc.PruneInterval <= 0 {
		return errors.New("prune interval must be positive")
	}

	return nil
}

// Weight returns the configured cost of an operation. Unknown operations
// cost nothing.
func (rc *RateLimitConfig) Weight(operation string) int {
	return rc.Weights[operation]
}

func (lc *LoggingConfig) Validate() error {
	switch lc.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	switch lc.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	switch lc.Output {
	case "stdout", "stderr":
	case "file":
		if lc.FilePath == "" {
			return errors.New("file path is required when output is file")
		}
	default:
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if !oc.Tracing.Enabled {
		return nil
	}

	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("OTLP endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unsupported trace exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}

	return nil
}
