// Package userstore holds the identity model shared by the storage backends:
// users, profiles, plan subscriptions and the status projection the dashboard
// reads. Authentication is an optional backend capability; backends without it
// report ErrAuthNotSupported and expect an external identity provider.
package userstore

import (
	"context"
	"errors"
	"time"
)

// ErrAuthNotSupported is returned by backends that store identities but do not
// authenticate them. The facade fails fast at configuration time when auth is
// required and the selected backend lacks it.
var ErrAuthNotSupported = errors.New("backend does not provide authentication; integrate an external identity provider")

// ErrUserNotFound indicates no user row exists for the lookup.
var ErrUserNotFound = errors.New("user not found")

// User is an identity known to the service.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Locale      string    `json:"locale"`
	Timezone    string    `json:"timezone"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is an authenticated session issued by a backend's auth capability.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// Plan describes the subscription tier attached to a user.
type Plan struct {
	Slug               string `json:"slug"`
	Name               string `json:"name"`
	Status             string `json:"status"`
	CurrentPeriodStart string `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   string `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
}

// CreditSummary mirrors the ledger account totals inside the status payload.
type CreditSummary struct {
	Balance     int64 `json:"balance"`
	TotalEarned int64 `json:"total_earned"`
	TotalSpent  int64 `json:"total_spent"`
}

// UserStatus is the user/plan/entitlements/credits projection served to the
// dashboard. Read-only; it carries no invariants of its own.
type UserStatus struct {
	User         User           `json:"user"`
	Plan         Plan           `json:"plan"`
	Entitlements map[string]any `json:"entitlements"`
	Credits      CreditSummary  `json:"credits"`
}

// Store persists identities for the relational backends.
type Store interface {
	// EnsureUser inserts the user if absent and returns the stored row.
	// Used when an externally authenticated identity first touches the
	// service.
	EnsureUser(ctx context.Context, email, displayName string) (*User, error)

	// FindByEmail looks a user up by email; ErrUserNotFound when absent.
	FindByEmail(ctx context.Context, email string) (*User, error)

	// GetUserStatus joins user, profile, active subscription, plan and credit
	// totals into one projection. Returns ErrUserNotFound for unknown ids.
	GetUserStatus(ctx context.Context, userID string) (*UserStatus, error)

	Close() error
}

// AuthProvider is the optional authentication capability of a backend.
type AuthProvider interface {
	SignUp(ctx context.Context, email, password, displayName string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
	// UserFromToken resolves the caller behind a bearer token.
	UserFromToken(ctx context.Context, accessToken string) (*User, error)
}
