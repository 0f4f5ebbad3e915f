// Package postgres implements userstore.Store backed by PostgreSQL, sharing
// the DSN with the postgres ledger driver so the status projection can join
// credit totals directly.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/creditgate/creditgate/internal/userstore"
)

// Store implements userstore.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL user store using the provided DSN.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_profiles (
	user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	display_name TEXT,
	avatar_url TEXT,
	locale TEXT NOT NULL DEFAULT 'en',
	timezone TEXT NOT NULL DEFAULT 'UTC'
);

CREATE TABLE IF NOT EXISTS plans (
	id SERIAL PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	plan_id INTEGER NOT NULL REFERENCES plans(id),
	status TEXT NOT NULL DEFAULT 'active',
	current_period_start TIMESTAMPTZ,
	current_period_end TIMESTAMPTZ,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id, status);

INSERT INTO plans(slug, name) VALUES('free', 'Free') ON CONFLICT (slug) DO NOTHING;
INSERT INTO plans(slug, name) VALUES('pro', 'Pro') ON CONFLICT (slug) DO NOTHING;
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
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(id, email, created_at) VALUES($1, $2, $3)`,
		id, email, now); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO user_profiles(user_id, display_name) VALUES($1, $2)`,
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
WHERE u.email = $1`, email)

	var u userstore.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.Locale, &u.Timezone, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, userstore.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserStatus implements userstore.Store.
func (s *Store) GetUserStatus(ctx context.Context, userID string) (*userstore.UserStatus, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	u.id, u.email,
	COALESCE(up.display_name, split_part(u.email, '@', 1)),
	COALESCE(up.avatar_url, ''),
	COALESCE(up.locale, 'en'),
	COALESCE(up.timezone, 'UTC'),
	COALESCE(p.slug, 'free'),
	COALESCE(p.name, 'Free'),
	COALESCE(s.status, 'active'),
	COALESCE(to_char(s.current_period_start AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"'), ''),
	COALESCE(to_char(s.current_period_end AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"'), ''),
	COALESCE(s.cancel_at_period_end, FALSE),
	COALESCE(c.balance, 0),
	COALESCE(c.total_earned, 0),
	COALESCE(c.total_spent, 0)
FROM users u
LEFT JOIN user_profiles up ON up.user_id = u.id
LEFT JOIN subscriptions s ON s.user_id = u.id AND s.status = 'active'
LEFT JOIN plans p ON p.id = s.plan_id
LEFT JOIN credits c ON c.user_id = u.id
WHERE u.id = $1`, userID)

	var st userstore.UserStatus
	err := row.Scan(
		&st.User.ID, &st.User.Email, &st.User.DisplayName, &st.User.AvatarURL,
		&st.User.Locale, &st.User.Timezone,
		&st.Plan.Slug, &st.Plan.Name, &st.Plan.Status,
		&st.Plan.CurrentPeriodStart, &st.Plan.CurrentPeriodEnd, &st.Plan.CancelAtPeriodEnd,
		&st.Credits.Balance, &st.Credits.TotalEarned, &st.Credits.TotalSpent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, userstore.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Entitlements = map[string]any{}
	return &st, nil
}

var _ userstore.Store = (*Store)(nil)
