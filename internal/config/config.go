// Package config loads service configuration from an INI file with
// environment-variable overrides (CREDITGATE_* keys win over file values).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const configFile = "config/creditgate.ini"

// Backend identifies a storage backend kind.
type Backend string

const (
	BackendSupabase Backend = "supabase"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	// BackendMemory keeps everything in process memory; dev and test only.
	BackendMemory Backend = "memory"
)

// ServiceConfig describes runtime options for the credits service.
type ServiceConfig struct {
	Backend Backend

	// Postgres
	DatabaseURL string
	DBMaxOpen   int
	DBMaxIdle   int

	// SQLite
	SQLitePath string

	// Supabase
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string

	// Credits policy
	DefaultFreeCredits  int64
	AnonymousDailyQuota int64
	CreditPerGeneration int64

	// FailOpen allows authenticated generation to proceed when the ledger
	// backend is unreachable (no deduction happens). When false such requests
	// fail with 503.
	FailOpen bool

	// RequireAuth makes startup fail when the selected backend has no auth
	// capability, instead of deferring to runtime errors on the first call.
	RequireAuth bool

	ListenAddr string
	LogFile    string
	LogLevel   string
}

// Load reads the config file under root (missing file is fine) and applies
// environment overrides.
func Load(root string) (ServiceConfig, error) {
	if root == "" {
		root = "."
	}
	values, err := parseINI(filepath.Join(root, configFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			values = map[string]string{}
		} else {
			return ServiceConfig{}, err
		}
	}

	get := func(envKey, iniKey, fallback string) string {
		return firstNonEmpty(os.Getenv(envKey), values[iniKey], fallback)
	}

	cfg := ServiceConfig{
		Backend:             Backend(strings.ToLower(get("CREDITGATE_BACKEND", "backend", string(BackendSQLite)))),
		DatabaseURL:         get("CREDITGATE_DATABASE_URL", "database_url", ""),
		DBMaxOpen:           parseOptionalInt(get("CREDITGATE_DB_MAX_OPEN", "db_max_open", ""), 20),
		DBMaxIdle:           parseOptionalInt(get("CREDITGATE_DB_MAX_IDLE", "db_max_idle", ""), 5),
		SQLitePath:          get("CREDITGATE_SQLITE_PATH", "sqlite_path", DefaultSQLitePath()),
		SupabaseURL:         get("CREDITGATE_SUPABASE_URL", "supabase_url", ""),
		SupabaseAnonKey:     get("CREDITGATE_SUPABASE_ANON_KEY", "supabase_anon_key", ""),
		SupabaseServiceKey:  get("CREDITGATE_SUPABASE_SERVICE_ROLE_KEY", "supabase_service_role_key", ""),
		DefaultFreeCredits:  int64(parseOptionalInt(get("CREDITGATE_DEFAULT_FREE_CREDITS", "default_free_credits", ""), 100)),
		AnonymousDailyQuota: int64(parseOptionalInt(get("CREDITGATE_ANONYMOUS_QUOTA", "anonymous_quota", ""), 3)),
		CreditPerGeneration: int64(parseOptionalInt(get("CREDITGATE_CREDIT_PER_GENERATION", "credit_per_generation", ""), 1)),
		FailOpen:            parseOptionalBool(get("CREDITGATE_FAIL_OPEN", "fail_open", ""), true),
		RequireAuth:         parseOptionalBool(get("CREDITGATE_REQUIRE_AUTH", "require_auth", ""), false),
		ListenAddr:          get("CREDITGATE_LISTEN_ADDR", "listen_addr", ":8080"),
		LogFile:             get("CREDITGATE_LOG_FILE", "log_file", ""),
		LogLevel:            get("CREDITGATE_LOG_LEVEL", "log_level", "info"),
	}

	switch cfg.Backend {
	case BackendSupabase, BackendPostgres, BackendSQLite, BackendMemory:
	default:
		return ServiceConfig{}, fmt.Errorf("unknown backend %q (want supabase, postgres, sqlite or memory)", cfg.Backend)
	}
	if cfg.CreditPerGeneration <= 0 {
		cfg.CreditPerGeneration = 1
	}
	return cfg, nil
}

// IsConfigured reports whether the selected backend has the configuration it
// needs to serve ledger operations.
func (c ServiceConfig) IsConfigured() bool {
	switch c.Backend {
	case BackendSupabase:
		return c.SupabaseURL != "" && c.SupabaseAnonKey != "" && c.SupabaseServiceKey != ""
	case BackendPostgres:
		return c.DatabaseURL != ""
	case BackendSQLite:
		return c.SQLitePath != ""
	case BackendMemory:
		return true
	}
	return false
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultSQLitePath returns the fallback database location under the user's
// home directory.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "creditgate.db"
	}
	return filepath.Join(home, ".creditgate", "creditgate.db")
}
