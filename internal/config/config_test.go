package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, root, body string) {
	t.Helper()
	dir := filepath.Join(root, "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "creditgate.ini"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendSQLite {
		t.Fatalf("expected sqlite default, got %s", cfg.Backend)
	}
	if cfg.DefaultFreeCredits != 100 || cfg.AnonymousDailyQuota != 3 || cfg.CreditPerGeneration != 1 {
		t.Fatalf("unexpected credit defaults: %+v", cfg)
	}
	if !cfg.FailOpen {
		t.Fatal("fail_open should default to true")
	}
	if cfg.RequireAuth {
		t.Fatal("require_auth should default to false")
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
}

func TestLoadFromINI(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
# credits service
[storage]
backend = postgres
database_url = postgres://localhost/credits
db_max_open = 7

[credits]
anonymous_quota = 5
fail_open = false
`)
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendPostgres {
		t.Fatalf("expected postgres, got %s", cfg.Backend)
	}
	if cfg.DatabaseURL != "postgres://localhost/credits" {
		t.Fatalf("unexpected dsn %q", cfg.DatabaseURL)
	}
	if cfg.DBMaxOpen != 7 {
		t.Fatalf("unexpected db_max_open %d", cfg.DBMaxOpen)
	}
	if cfg.AnonymousDailyQuota != 5 {
		t.Fatalf("unexpected quota %d", cfg.AnonymousDailyQuota)
	}
	if cfg.FailOpen {
		t.Fatal("fail_open=false not applied")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "backend = sqlite\nanonymous_quota = 5\n")
	t.Setenv("CREDITGATE_BACKEND", "memory")
	t.Setenv("CREDITGATE_ANONYMOUS_QUOTA", "9")

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendMemory {
		t.Fatalf("env override lost, got %s", cfg.Backend)
	}
	if cfg.AnonymousDailyQuota != 9 {
		t.Fatalf("env override lost, got %d", cfg.AnonymousDailyQuota)
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	t.Setenv("CREDITGATE_BACKEND", "mongodb")
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestIsConfigured(t *testing.T) {
	cases := []struct {
		name string
		cfg  ServiceConfig
		want bool
	}{
		{"supabase complete", ServiceConfig{Backend: BackendSupabase, SupabaseURL: "https://x.supabase.co", SupabaseAnonKey: "a", SupabaseServiceKey: "s"}, true},
		{"supabase missing key", ServiceConfig{Backend: BackendSupabase, SupabaseURL: "https://x.supabase.co"}, false},
		{"postgres with dsn", ServiceConfig{Backend: BackendPostgres, DatabaseURL: "postgres://h/db"}, true},
		{"postgres without dsn", ServiceConfig{Backend: BackendPostgres}, false},
		{"sqlite with path", ServiceConfig{Backend: BackendSQLite, SQLitePath: "x.db"}, true},
		{"memory", ServiceConfig{Backend: BackendMemory}, true},
	}
	for _, tc := range cases {
		if got := tc.cfg.IsConfigured(); got != tc.want {
			t.Fatalf("%s: IsConfigured=%v want %v", tc.name, got, tc.want)
		}
	}
}
