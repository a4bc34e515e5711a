package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"warden/internal/models"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "WARDEN_"

// Load builds the configuration from defaults, then the YAML file at
// configPath (if given), then WARDEN_* environment variables, and
// validates the result.
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadDotEnv exports the variables in the given .env files without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		slog.Debug("Loaded environment file", "path", path)
	}
	return nil
}

// deprecatedConfig mirrors keys that older deployments used.
type deprecatedConfig struct {
	Security struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"security"`
	RateLimit struct {
		Limit interface{} `yaml:"limit"`
	} `yaml:"rate_limit"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
}

// warnDeprecatedKeys logs each stale key found. They are otherwise ignored.
func warnDeprecatedKeys(data []byte) {
	var dep deprecatedConfig
	if err := yaml.Unmarshal(data, &dep); err != nil {
		return
	}
	if dep.Security.JWTSecret != "" {
		slog.Warn("Config key is ignored; put the base64 secret in the file named by security.secret_file", "config_key", "security.jwt_secret")
	}
	if dep.RateLimit.Limit != nil {
		slog.Warn("Config key was renamed to rate_limit.threshold", "config_key", "rate_limit.limit")
	}
	if dep.Storage.Path != "" {
		slog.Warn("Config key is ignored; use storage.database.dsn", "config_key", "storage.path")
	}
}

func loadFromFile(config *models.Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file not found: %s", filePath)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnDeprecatedKeys(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// envReader collects the first parse error so a typo in a numeric or
// duration variable fails startup instead of being silently skipped.
type envReader struct {
	err error
}

func (r *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *envReader) fail(name string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

func (r *envReader) integer(name string, dst *int) {
	if v, ok := r.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) int64(name string, dst *int64) {
	if v, ok := r.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if v, ok := r.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = d
	}
}

func (r *envReader) float(name string, dst *float64) {
	if v, ok := r.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(name, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) list(name string, dst *[]string) {
	if v, ok := r.lookup(name); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

// weights merges "op=weight,op=weight" into dst.
func (r *envReader) weights(name string, dst map[string]int) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		op, raw, found := strings.Cut(pair, "=")
		if !found {
			r.fail(name, fmt.Errorf("expected op=weight, got %q", pair))
			return
		}
		w, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			r.fail(name, err)
			return
		}
		dst[strings.TrimSpace(op)] = w
	}
}

func loadFromEnvironment(config *models.Config) error {
	r := &envReader{}

	// Server
	r.integer("PORT", &config.Server.Port)
	r.str("HOST", &config.Server.Host)
	r.duration("READ_TIMEOUT", &config.Server.ReadTimeout)
	r.duration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	r.duration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	r.boolean("TLS_ENABLED", &config.Server.TLSEnabled)
	r.str("TLS_CERT_FILE", &config.Server.TLSCertFile)
	r.str("TLS_KEY_FILE", &config.Server.TLSKeyFile)
	r.boolean("CORS_ENABLED", &config.Server.CORS.Enabled)
	r.list("CORS_ALLOWED_ORIGINS", &config.Server.CORS.AllowedOrigins)

	// Storage
	r.str("STORAGE_TYPE", &config.Storage.Type)
	r.str("DATABASE_DSN", &config.Storage.Database.DSN)
	r.integer("DATABASE_MAX_OPEN_CONNS", &config.Storage.Database.MaxOpenConns)
	r.integer("DATABASE_MAX_IDLE_CONNS", &config.Storage.Database.MaxIdleConns)
	r.duration("DATABASE_CONN_MAX_LIFETIME", &config.Storage.Database.ConnMaxLifetime)

	// Security
	r.str("SECRET_FILE", &config.Security.SecretFile)
	r.duration("TOKEN_LIFETIME", &config.Security.TokenLifetime)
	r.str("TOKEN_ISSUER", &config.Security.TokenIssuer)
	r.duration("TOKEN_LEEWAY", &config.Security.TokenLeeway)
	r.str("COOKIE_NAME", &config.Security.Cookie.Name)
	r.str("COOKIE_DOMAIN", &config.Security.Cookie.Domain)
	r.boolean("COOKIE_SECURE", &config.Security.Cookie.Secure)
	r.str("COOKIE_SAME_SITE", &config.Security.Cookie.SameSite)
	r.boolean("LOGIN_THROTTLE_ENABLED", &config.Security.LoginThrottle.Enabled)
	r.integer("LOGIN_THROTTLE_REQUESTS_PER_MINUTE", &config.Security.LoginThrottle.RequestsPerMinute)
	r.integer("LOGIN_THROTTLE_BURST_SIZE", &config.Security.LoginThrottle.BurstSize)
	r.str("BOOTSTRAP_ADMIN_USER_NAME", &config.Security.BootstrapAdmin.UserName)
	r.str("BOOTSTRAP_ADMIN_PASSWORD", &config.Security.BootstrapAdmin.Password)

	// Ban ledger
	r.duration("BAN_DURATION_UNIT", &config.Ban.DurationUnit)
	r.integer("BAN_MAX_REASON_LENGTH", &config.Ban.MaxReasonLength)

	// Rate limiter
	r.duration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)
	r.int64("RATE_LIMIT_THRESHOLD", &config.RateLimit.Threshold)
	r.str("RATE_LIMIT_BACKEND", &config.RateLimit.Backend)
	r.duration("RATE_LIMIT_PRUNE_INTERVAL", &config.RateLimit.PruneInterval)
	if config.RateLimit.Weights == nil {
		config.RateLimit.Weights = make(map[string]int)
	}
	r.weights("RATE_LIMIT_WEIGHTS", config.RateLimit.Weights)
	r.str("REDIS_ADDR", &config.RateLimit.Redis.Addr)
	r.str("REDIS_PASSWORD", &config.RateLimit.Redis.Password)
	r.integer("REDIS_DB", &config.RateLimit.Redis.DB)
	r.integer("REDIS_POOL_SIZE", &config.RateLimit.Redis.PoolSize)
	r.str("REDIS_KEY_PREFIX", &config.RateLimit.Redis.KeyPrefix)

	// Logging
	r.str("LOG_LEVEL", &config.Logging.Level)
	r.str("LOG_FORMAT", &config.Logging.Format)
	r.str("LOG_OUTPUT", &config.Logging.Output)
	r.str("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics and tracing
	r.boolean("METRICS_ENABLED", &config.Metrics.Enabled)
	r.str("METRICS_PATH", &config.Metrics.Path)
	r.integer("METRICS_PORT", &config.Metrics.Port)
	r.str("SERVICE_NAME", &config.Observability.ServiceName)
	r.boolean("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	r.str("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	r.str("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	r.float("TRACING_SAMPLE_RATE", &config.Observability.Tracing.SampleRate)

	return r.err
}

// SaveExample writes the default configuration as YAML.
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.Security.BootstrapAdmin.UserName = "admin"
	config.Security.BootstrapAdmin.Password = "change-this-password"
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
