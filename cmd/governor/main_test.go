package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/router-for-me/TrafficGovernor/internal/security"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashKeyCommand(t *testing.T) {
	out, err := execute(t, "hash-key", "secret-key")
	if err != nil {
		t.Fatalf("hash-key: %v", err)
	}
	hash := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "hash:"))
	if !security.MatchAPIKey([]string{hash}, "secret-key") {
		t.Fatalf("printed hash does not match key: %q", out)
	}

	out, err = execute(t, "hash-key")
	if err != nil {
		t.Fatalf("hash-key generate: %v", err)
	}
	if !strings.Contains(out, "key: ") || !strings.Contains(out, "hash: ") {
		t.Fatalf("expected generated key and hash, got %q", out)
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("jwt:\n  secret: test-secret\n  expiry: 1h\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := execute(t, "token", "--config", path, "--subject", "ops", "--permission", "GET /v0/admin/ratelimits")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := security.ParseAdminToken("test-secret", strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ParseAdminToken: %v", err)
	}
	if claims.Subject != "ops" || claims.IsSuperAdmin {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "GET /v0/admin/ratelimits" {
		t.Fatalf("unexpected permissions %v", claims.Permissions)
	}

	if _, err = execute(t, "token", "--config", path, "--subject", "ops", "--permission", "GET /nope"); err == nil {
		t.Fatalf("expected unknown permission to fail")
	}
	if _, err = execute(t, "token", "--config", path, "--subject", "ops"); err == nil {
		t.Fatalf("expected missing permission to fail")
	}
}
