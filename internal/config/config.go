package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/router-for-me/TrafficGovernor/internal/alert"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"
	internalsettings "github.com/router-for-me/TrafficGovernor/internal/settings"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath   = "CONFIG_PATH"
	EnvDBConnection = "DB_CONNECTION"
	EnvJWTSecret    = "JWT_SECRET"
	EnvJWTExpiry    = "JWT_EXPIRY"
	EnvRedisAddr    = "GOVERNOR_REDIS_ADDR"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
	TrustedProxies  []string      `yaml:"trusted-proxies"`
}

// LoggingConfig controls logrus output. A non-empty File enables rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

// RedisConfig locates the Redis server used for ledgers.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// MiddlewareConfig selects how the HTTP middleware derives ledger keys.
type MiddlewareConfig struct {
	KeyBy  string `yaml:"key-by"`
	Header string `yaml:"header"`
	Cost   int    `yaml:"cost"`
}

// RateLimitConfig configures the limiter and its store.
type RateLimitConfig struct {
	Store         string                 `yaml:"store"`
	FailMode      string                 `yaml:"fail-mode"`
	IdleTTL       time.Duration          `yaml:"idle-ttl"`
	SweepInterval time.Duration          `yaml:"sweep-interval"`
	DefaultPolicy ratelimit.PolicySpec   `yaml:"default-policy"`
	Policies      []ratelimit.PolicySpec `yaml:"policies"`
	Redis         RedisConfig            `yaml:"redis"`
	Alerts        []alert.Rule           `yaml:"alerts"`
	Middleware    MiddlewareConfig       `yaml:"middleware"`
}

// WebhookConfig configures the dispatcher.
type WebhookConfig struct {
	Store            string        `yaml:"store"`
	BaseRetryDelay   time.Duration `yaml:"base-retry-delay"`
	FlushConcurrency int           `yaml:"flush-concurrency"`
}

// AlertingConfig configures notification transports.
type AlertingConfig struct {
	SMTP          alert.SMTPConfig `yaml:"smtp"`
	NotifyTimeout time.Duration    `yaml:"notify-timeout"`
}

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig `yaml:"server"`
	DatabaseDSN string       `yaml:"database-dsn"`
	Database    struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Logging      LoggingConfig   `yaml:"logging"`
	JWT          JWTConfig       `yaml:"jwt"`
	AdminAPIKeys []string        `yaml:"admin-api-keys"`
	RateLimit    RateLimitConfig `yaml:"ratelimit"`
	Webhook      WebhookConfig   `yaml:"webhook"`
	Alerting     AlertingConfig  `yaml:"alerting"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:            internalsettings.DefaultHost,
			Port:            internalsettings.DefaultPort,
			ShutdownTimeout: internalsettings.DefaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  internalsettings.DefaultLogLevel,
			Format: internalsettings.DefaultLogFormat,
		},
		JWT: JWTConfig{Expiry: defaultJWTExpiry},
		RateLimit: RateLimitConfig{
			Store:         internalsettings.StoreMemory,
			FailMode:      internalsettings.FailOpen,
			IdleTTL:       internalsettings.DefaultIdleTTL,
			SweepInterval: internalsettings.DefaultSweepInterval,
			DefaultPolicy: ratelimit.DefaultPolicySpec(),
			Redis:         RedisConfig{Prefix: internalsettings.DefaultRateLimitRedisPrefix},
			Middleware:    MiddlewareConfig{KeyBy: internalsettings.KeyByIP, Cost: 1},
		},
		Webhook: WebhookConfig{
			FlushConcurrency: internalsettings.DefaultFlushConcurrency,
		},
		Alerting: AlertingConfig{NotifyTimeout: internalsettings.DefaultNotifyTimeout},
	}
	return cfg
}

// Load reads configPath on top of Default, applies environment overrides and
// validates the result. A missing file is not an error; the defaults and
// environment then stand alone.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", errRead)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// DSN returns the configured database DSN, preferring `database-dsn`.
func (c *Config) DSN() string {
	if dsn := strings.TrimSpace(c.DatabaseDSN); dsn != "" {
		return dsn
	}
	return strings.TrimSpace(c.Database.DSN)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) applyEnv() {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		c.DatabaseDSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		c.JWT.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			c.JWT.Expiry = expiry
		}
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		c.RateLimit.Redis.Addr = addr
	}
}

func (c *Config) applyDefaults() {
	c.RateLimit.Store = strings.ToLower(strings.TrimSpace(c.RateLimit.Store))
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = internalsettings.StoreMemory
	}
	c.RateLimit.FailMode = strings.ToLower(strings.TrimSpace(c.RateLimit.FailMode))
	if c.RateLimit.FailMode == "" {
		c.RateLimit.FailMode = internalsettings.FailOpen
	}
	if c.RateLimit.Redis.Prefix == "" {
		c.RateLimit.Redis.Prefix = internalsettings.DefaultRateLimitRedisPrefix
	}
	if c.RateLimit.SweepInterval <= 0 {
		c.RateLimit.SweepInterval = internalsettings.DefaultSweepInterval
	}
	if c.RateLimit.Middleware.KeyBy == "" {
		c.RateLimit.Middleware.KeyBy = internalsettings.KeyByIP
	}
	c.Webhook.Store = strings.ToLower(strings.TrimSpace(c.Webhook.Store))
	if c.Webhook.Store == "" {
		c.Webhook.Store = internalsettings.StoreMemory
		if c.DSN() != "" {
			c.Webhook.Store = internalsettings.StoreDatabase
		}
	}
	if c.Webhook.FlushConcurrency <= 0 {
		c.Webhook.FlushConcurrency = internalsettings.DefaultFlushConcurrency
	}
	if c.JWT.Expiry <= 0 {
		c.JWT.Expiry = defaultJWTExpiry
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = internalsettings.DefaultShutdownTimeout
	}
	if c.Alerting.NotifyTimeout <= 0 {
		c.Alerting.NotifyTimeout = internalsettings.DefaultNotifyTimeout
	}
}

// Validate fails fast on settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	switch c.RateLimit.Store {
	case internalsettings.StoreMemory:
	case internalsettings.StoreRedis:
		if strings.TrimSpace(c.RateLimit.Redis.Addr) == "" {
			return fmt.Errorf("config: ratelimit.redis.addr is required for the redis store")
		}
	case internalsettings.StoreDatabase:
		if c.DSN() == "" {
			return fmt.Errorf("config: ratelimit store: %w", ErrMissingDatabaseDSN)
		}
	default:
		return fmt.Errorf("config: unknown ratelimit.store %q", c.RateLimit.Store)
	}
	switch c.Webhook.Store {
	case internalsettings.StoreMemory:
	case internalsettings.StoreDatabase:
		if c.DSN() == "" {
			return fmt.Errorf("config: webhook store: %w", ErrMissingDatabaseDSN)
		}
	default:
		return fmt.Errorf("config: unknown webhook.store %q", c.Webhook.Store)
	}
	switch c.RateLimit.FailMode {
	case internalsettings.FailOpen, internalsettings.FailClosed:
	default:
		return fmt.Errorf("config: ratelimit.fail-mode must be %q or %q", internalsettings.FailOpen, internalsettings.FailClosed)
	}
	switch c.RateLimit.Middleware.KeyBy {
	case internalsettings.KeyByIP:
	case internalsettings.KeyByHeader:
		if strings.TrimSpace(c.RateLimit.Middleware.Header) == "" {
			return fmt.Errorf("config: ratelimit.middleware.header is required when keying by header")
		}
	default:
		return fmt.Errorf("config: unknown ratelimit.middleware.key-by %q", c.RateLimit.Middleware.KeyBy)
	}
	if c.RateLimit.Middleware.Cost < 0 {
		return fmt.Errorf("config: ratelimit.middleware.cost must not be negative")
	}
	if _, errResolver := ratelimit.NewResolver(c.RateLimit.DefaultPolicy, c.RateLimit.Policies); errResolver != nil {
		return fmt.Errorf("config: %w", errResolver)
	}
	for _, rule := range c.RateLimit.Alerts {
		if errRule := rule.Validate(); errRule != nil {
			return fmt.Errorf("config: ratelimit.alerts: %w", errRule)
		}
	}
	if c.RateLimit.IdleTTL < 0 {
		return fmt.Errorf("config: ratelimit.idle-ttl must not be negative")
	}
	if c.Webhook.BaseRetryDelay < 0 {
		return fmt.Errorf("config: webhook.base-retry-delay must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// defaultJWTExpiry is used when the config omits or invalidates JWT expiry.
const defaultJWTExpiry = 30 * 24 * time.Hour

// LoadJWTConfig loads JWT settings from the YAML config file.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	// fileConfig maps the YAML fields needed for JWT settings.
	type fileConfig struct {
		JWT JWTConfig `yaml:"jwt"`
	}

	result := JWTConfig{Expiry: defaultJWTExpiry}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			result = cfg.JWT
		}
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		result.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			result.Expiry = expiry
		}
	}

	if result.Expiry <= 0 {
		result.Expiry = defaultJWTExpiry
	}
	return result, nil
}
