// Package sqlite implements userstore.Store backed by SQLite. It shares the
// database file with the sqlite ledger driver so the status projection can
// join credit totals directly.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/creditgate/creditgate/internal/userstore"
)

// Store implements userstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite user store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// The ledger driver holds a second handle on this file; wait out its
	// write locks instead of surfacing SQLITE_BUSY.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_profiles (
	user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	display_name TEXT,
	avatar_url TEXT,
	locale TEXT NOT NULL DEFAULT 'en',
	timezone TEXT NOT NULL DEFAULT 'UTC'
);

CREATE TABLE IF NOT EXISTS plans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	plan_id INTEGER NOT NULL REFERENCES plans(id),
	status TEXT NOT NULL DEFAULT 'active',
	current_period_start TEXT,
	current_period_end TEXT,
	cancel_at_period_end INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id, status);

INSERT OR IGNORE INTO plans(slug, name) VALUES('free', 'Free');
INSERT OR IGNORE INTO plans(slug, name) VALUES('pro', 'Pro');
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureUser implements userstore.Store.
func (s *Store) EnsureUser(ctx context.Context, email, displayName string) (*userstore.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, errors.New("email required")
	}
	existing, err := s.FindByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, userstore.ErrUserNotFound) {
		return nil, err
	}

	if displayName == "" {
		displayName = email[:strings.Index(email+"@", "@")]
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(id, email, created_at) VALUES(?, ?, ?)`,
		id, email, now.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO user_profiles(user_id, display_name) VALUES(?, ?)`,
		id, displayName); err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &userstore.User{
		ID: id, Email: email, DisplayName: displayName,
		Locale: "en", Timezone: "UTC", CreatedAt: now,
	}, nil
}

// FindByEmail implements userstore.Store.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	row := s.db.QueryRowContext(ctx, `
SELECT u.id, u.email, COALESCE(up.display_name, ''), COALESCE(up.avatar_url, ''),
	COALESCE(up.locale, 'en'), COALESCE(up.timezone, 'UTC'), u.created_at
FROM users u
LEFT JOIN user_profiles up ON up.user_id = u.id
WHERE u.email = ?`, email)
	return scanUser(row)
}

// GetUserStatus implements userstore.Store. The credits columns come from the
// ledger tables living in the same database file.
func (s *Store) GetUserStatus(ctx context.Context, userID string) (*userstore.UserStatus, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	u.id, u.email,
	COALESCE(up.display_name, substr(u.email, 1, instr(u.email, '@') - 1)),
	COALESCE(up.avatar_url, ''),
	COALESCE(up.locale, 'en'),
	COALESCE(up.timezone, 'UTC'),
	COALESCE(p.slug, 'free'),
	COALESCE(p.name, 'Free'),
	COALESCE(s.status, 'active'),
	COALESCE(s.current_period_start, ''),
	COALESCE(s.current_period_end, ''),
	COALESCE(s.cancel_at_period_end, 0),
	COALESCE(c.balance, 0),
	COALESCE(c.total_earned, 0),
	COALESCE(c.total_spent, 0)
FROM users u
LEFT JOIN user_profiles up ON up.user_id = u.id
LEFT JOIN subscriptions s ON s.user_id = u.id AND s.status = 'active'
LEFT JOIN plans p ON p.id = s.plan_id
LEFT JOIN credits c ON c.user_id = u.id
WHERE u.id = ?`, userID)

	var st userstore.UserStatus
	var cancel int64
	err := row.Scan(
		&st.User.ID, &st.User.Email, &st.User.DisplayName, &st.User.AvatarURL,
		&st.User.Locale, &st.User.Timezone,
		&st.Plan.Slug, &st.Plan.Name, &st.Plan.Status,
		&st.Plan.CurrentPeriodStart, &st.Plan.CurrentPeriodEnd, &cancel,
		&st.Credits.Balance, &st.Credits.TotalEarned, &st.Credits.TotalSpent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, userstore.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Plan.CancelAtPeriodEnd = cancel != 0
	st.Entitlements = map[string]any{}
	return &st, nil
}

func scanUser(row *sql.Row) (*userstore.User, error) {
	var u userstore.User
	var createdAt string
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.Locale, &u.Timezone, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, userstore.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

var _ userstore.Store = (*Store)(nil)
