package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/router-for-me/TrafficGovernor/internal/config"
	"github.com/router-for-me/TrafficGovernor/internal/db"
	"github.com/router-for-me/TrafficGovernor/internal/security"
	internalsettings "github.com/router-for-me/TrafficGovernor/internal/settings"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// InitRequest contains parameters for writing a first config file.
type InitRequest struct {
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     int
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabasePath     string
	DatabaseSSLMode  string
	Port             int
	RateLimitStore   string
	RedisAddr        string
}

// InitResult reports what InitConfig wrote. AdminAPIKey is the only copy of
// the plaintext key; the config stores its hash.
type InitResult struct {
	ConfigPath  string
	DSN         string
	AdminAPIKey string
}

// ErrAlreadyInitialized is returned when the config file already exists.
var ErrAlreadyInitialized = errors.New("config file already exists")

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// defaultSQLitePath is the default SQLite database file name.
const defaultSQLitePath = "governor.db"

// BuildDSN builds a database DSN from the init request.
func BuildDSN(req InitRequest) (string, error) {
	switch strings.ToLower(strings.TrimSpace(req.DatabaseType)) {
	case "", "sqlite":
		path := strings.TrimSpace(req.DatabasePath)
		if path == "" {
			path = defaultSQLitePath
		}
		return buildSQLiteDSN(path), nil
	case "postgres":
		sslMode := req.DatabaseSSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			req.DatabaseUser,
			req.DatabasePassword,
			req.DatabaseHost,
			req.DatabasePort,
			req.DatabaseName,
			sslMode,
		), nil
	default:
		return "", fmt.Errorf("unsupported database type")
	}
}

// buildSQLiteDSN constructs a SQLite DSN with default parameters.
func buildSQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = defaultSQLitePath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join([]string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
		"_foreign_keys=on",
		"_synchronous=NORMAL",
	}, "&")
}

// TestDatabaseConnection validates that the DSN can connect and ping.
func TestDatabaseConnection(ctx context.Context, dsn string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if errClose := db.Close(conn); errClose != nil {
			log.Errorf("sql db close error: %v", errClose)
		}
	}()
	return db.NewPinger(conn).Ping(ctx)
}

// validateInitRequest normalizes and validates init input data.
func validateInitRequest(req *InitRequest) error {
	dbType := strings.ToLower(strings.TrimSpace(req.DatabaseType))
	if dbType == "" {
		dbType = "sqlite"
	}
	req.DatabaseType = dbType

	switch dbType {
	case "postgres":
		if strings.TrimSpace(req.DatabaseHost) == "" {
			return fmt.Errorf("database host is required")
		}
		if req.DatabasePort <= 0 {
			return fmt.Errorf("invalid database port")
		}
		if strings.TrimSpace(req.DatabaseUser) == "" {
			return fmt.Errorf("database username is required")
		}
		if strings.TrimSpace(req.DatabaseName) == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if strings.TrimSpace(req.DatabasePath) == "" {
			req.DatabasePath = defaultSQLitePath
		}
	default:
		return fmt.Errorf("unsupported database type %q", req.DatabaseType)
	}

	if req.Port <= 0 {
		req.Port = internalsettings.DefaultPort
	}
	req.RateLimitStore = strings.ToLower(strings.TrimSpace(req.RateLimitStore))
	switch req.RateLimitStore {
	case "":
		req.RateLimitStore = internalsettings.StoreDatabase
	case internalsettings.StoreMemory, internalsettings.StoreDatabase:
	case internalsettings.StoreRedis:
		if strings.TrimSpace(req.RedisAddr) == "" {
			return fmt.Errorf("redis address is required for the redis store")
		}
	default:
		return fmt.Errorf("unsupported rate limit store %q", req.RateLimitStore)
	}
	return nil
}

// configFile maps YAML fields for the generated config file.
type configFile struct {
	Server       serverCfg    `yaml:"server"`
	DatabaseDSN  string       `yaml:"database-dsn"`
	JWT          jwtCfg       `yaml:"jwt"`
	AdminAPIKeys []string     `yaml:"admin-api-keys"`
	RateLimit    rateLimitCfg `yaml:"ratelimit"`
	Webhook      webhookCfg   `yaml:"webhook"`
}

type serverCfg struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// jwtCfg holds JWT settings for the generated config file.
type jwtCfg struct {
	Secret string `yaml:"secret"`
	Expiry string `yaml:"expiry"`
}

type rateLimitCfg struct {
	Store string         `yaml:"store"`
	Redis *redisAddrOnly `yaml:"redis,omitempty"`
}

type redisAddrOnly struct {
	Addr string `yaml:"addr"`
}

type webhookCfg struct {
	Store string `yaml:"store"`
}

// generateJWTSecret creates a random JWT secret string.
func generateJWTSecret() string {
	secret, err := security.GenerateRandomString(32)
	if err != nil {
		return "change-me-to-a-secure-random-string"
	}
	return secret
}

// WriteConfigFile writes the initial config file to disk. apiKeyHash is the
// bcrypt hash of the bootstrap admin key.
func WriteConfigFile(configPath string, dsn string, req InitRequest, apiKeyHash string) error {
	cfg := configFile{
		Server:       serverCfg{Port: req.Port},
		DatabaseDSN:  dsn,
		AdminAPIKeys: []string{apiKeyHash},
		JWT: jwtCfg{
			Secret: generateJWTSecret(),
			Expiry: (24 * time.Hour).String(),
		},
		RateLimit: rateLimitCfg{Store: req.RateLimitStore},
		Webhook:   webhookCfg{Store: internalsettings.StoreDatabase},
	}
	if req.RateLimitStore == internalsettings.StoreRedis {
		cfg.RateLimit.Redis = &redisAddrOnly{Addr: strings.TrimSpace(req.RedisAddr)}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}

	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}

	return nil
}

// InitConfig validates req, checks the database, migrates it and writes a
// config file holding a fresh JWT secret and admin API key hash.
func InitConfig(ctx context.Context, configPath string, req InitRequest) (*InitResult, error) {
	configPath = config.ResolveConfigPath(configPath)
	if ConfigExists(configPath) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, configPath)
	}
	if errValidate := validateInitRequest(&req); errValidate != nil {
		return nil, errValidate
	}
	dsn, errBuild := BuildDSN(req)
	if errBuild != nil {
		return nil, errBuild
	}
	if errTest := TestDatabaseConnection(ctx, dsn); errTest != nil {
		return nil, fmt.Errorf("database connection failed: %w", errTest)
	}

	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return nil, fmt.Errorf("open database: %w", errOpen)
	}
	errMigrate := db.Migrate(conn.WithContext(ctx))
	if errClose := db.Close(conn); errClose != nil {
		log.Errorf("sql db close error: %v", errClose)
	}
	if errMigrate != nil {
		return nil, fmt.Errorf("migrate database: %w", errMigrate)
	}

	apiKey, errKey := security.GenerateRandomString(24)
	if errKey != nil {
		return nil, fmt.Errorf("generate admin api key: %w", errKey)
	}
	apiKeyHash, errHash := security.HashAPIKey(apiKey)
	if errHash != nil {
		return nil, errHash
	}
	if errWrite := WriteConfigFile(configPath, dsn, req, apiKeyHash); errWrite != nil {
		return nil, errWrite
	}
	log.Infof("config written to %s (%s)", configPath, DescribeDSN(dsn))
	return &InitResult{ConfigPath: configPath, DSN: dsn, AdminAPIKey: apiKey}, nil
}
