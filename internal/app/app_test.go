package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/router-for-me/TrafficGovernor/internal/config"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"
	"github.com/router-for-me/TrafficGovernor/internal/security"
	internalsettings "github.com/router-for-me/TrafficGovernor/internal/settings"
)

func TestBuild_MemoryStores(t *testing.T) {
	cfg := config.Default()
	s, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer s.Close()

	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/admin/ratelimits", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected admin 401 without credentials, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatalf("expected admin routes to pass through the rate limit middleware")
	}

	if removed, errSweep := s.Sweep(context.Background()); errSweep != nil || removed != 0 {
		t.Fatalf("Sweep: removed=%d err=%v", removed, errSweep)
	}
}

func TestBuild_DatabaseStores(t *testing.T) {
	cfg := config.Default()
	cfg.DatabaseDSN = buildSQLiteDSN(filepath.Join(t.TempDir(), "governor.db"))
	cfg.RateLimit.Store = internalsettings.StoreDatabase
	cfg.Webhook.Store = internalsettings.StoreDatabase

	s, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer s.Close()

	if _, errCheck := s.Limiter.Check(context.Background(), "ip:10.0.0.1", ratelimit.TargetFromKey("ip:10.0.0.1"), 1); errCheck != nil {
		t.Fatalf("Check: %v", errCheck)
	}
	rec := httptest.NewRecorder()
	s.Engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "database") {
		t.Fatalf("expected database in healthz, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestInitConfig_SQLite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	res, err := InitConfig(context.Background(), configPath, InitRequest{
		DatabasePath: filepath.Join(dir, "governor.db"),
		Port:         9000,
	})
	if err != nil {
		t.Fatalf("InitConfig: %v", err)
	}
	if res.AdminAPIKey == "" {
		t.Fatalf("expected admin api key")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load generated config: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.Store != internalsettings.StoreDatabase || cfg.Webhook.Store != internalsettings.StoreDatabase {
		t.Fatalf("unexpected stores %q/%q", cfg.RateLimit.Store, cfg.Webhook.Store)
	}
	if cfg.JWT.Secret == "" {
		t.Fatalf("expected jwt secret")
	}
	if !security.MatchAPIKey(cfg.AdminAPIKeys, res.AdminAPIKey) {
		t.Fatalf("expected stored hash to match the returned key")
	}

	if _, errAgain := InitConfig(context.Background(), configPath, InitRequest{}); !errors.Is(errAgain, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", errAgain)
	}
}

func TestBuildDSN(t *testing.T) {
	dsn, err := BuildDSN(InitRequest{DatabaseType: "postgres", DatabaseUser: "u", DatabasePassword: "p", DatabaseHost: "db", DatabasePort: 5432, DatabaseName: "gov"})
	if err != nil || dsn != "postgres://u:p@db:5432/gov?sslmode=disable" {
		t.Fatalf("unexpected postgres dsn %q err=%v", dsn, err)
	}
	dsn, err = BuildDSN(InitRequest{})
	if err != nil || !strings.HasPrefix(dsn, "file:governor.db?_busy_timeout=5000") {
		t.Fatalf("unexpected sqlite dsn %q err=%v", dsn, err)
	}
	if _, err = BuildDSN(InitRequest{DatabaseType: "mysql"}); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestValidateInitRequest(t *testing.T) {
	cases := []InitRequest{
		{DatabaseType: "postgres"},
		{DatabaseType: "postgres", DatabaseHost: "db"},
		{DatabaseType: "oracle"},
		{RateLimitStore: "redis"},
		{RateLimitStore: "etcd"},
	}
	for _, req := range cases {
		req := req
		if err := validateInitRequest(&req); err == nil {
			t.Fatalf("expected error for %+v", req)
		}
	}
}
