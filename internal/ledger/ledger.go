// Package ledger implements the credits and anonymous-quota subsystem.
//
// An Account tracks a user's spendable balance; every balance-affecting
// operation appends an immutable Entry keyed by an idempotency token, so a
// retried debit never charges twice. Anonymous callers are metered with a
// per-identifier daily counter instead of an account.
package ledger

import (
	"context"
	"errors"
	"time"
)

// EntryType classifies a balance-affecting operation.
type EntryType string

const (
	TypeInitial    EntryType = "initial"
	TypePurchase   EntryType = "purchase"
	TypeBonus      EntryType = "bonus"
	TypeDeduction  EntryType = "deduction"
	TypeRefund     EntryType = "refund"
	TypeAdjustment EntryType = "adjustment"
	TypeExpiry     EntryType = "expiry"
)

var (
	// ErrInsufficientCredits is the business outcome of a debit that would
	// take the balance negative. It is not a storage failure.
	ErrInsufficientCredits = errors.New("Insufficient credits")

	// ErrInvalidAmount rejects zero or negative operation amounts before any
	// storage round trip.
	ErrInvalidAmount = errors.New("amount must be a positive integer")

	// ErrNoAccount indicates the user has no credit account provisioned.
	ErrNoAccount = errors.New("credit account not found")

	// ErrNotConfigured indicates the selected backend is missing required
	// configuration and no ledger operation may be attempted.
	ErrNotConfigured = errors.New("storage backend not configured")
)

// Account is the per-user credit balance. balance == total_earned - total_spent
// holds at every commit; balance never goes negative.
type Account struct {
	UserID      string    `json:"user_id"`
	Balance     int64     `json:"balance"`
	TotalEarned int64     `json:"total_earned"`
	TotalSpent  int64     `json:"total_spent"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Entry is one immutable row of the credit audit trail. Amount is signed;
// deductions are negative.
type Entry struct {
	ID             int64          `json:"id"`
	UserID         string         `json:"user_id"`
	Amount         int64          `json:"amount"`
	BalanceAfter   int64          `json:"balance_after"`
	Type           EntryType      `json:"type"`
	Description    string         `json:"description"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DeductResult reports the outcome of a debit attempt. Success with
// Idempotent=true means a previous call with the same key already charged the
// account and no further mutation happened.
type DeductResult struct {
	Success      bool   `json:"success"`
	BalanceAfter int64  `json:"balance_after"`
	Idempotent   bool   `json:"idempotent"`
	Error        string `json:"error,omitempty"`
}

// QuotaResult reports the anonymous daily counter after the increment. The
// counter is bumped even on the request that exceeds the limit, so a denied
// caller still consumed a slot.
type QuotaResult struct {
	Allowed    bool  `json:"allowed"`
	UsageCount int64 `json:"usage_count"`
	DailyLimit int64 `json:"daily_limit"`
	Remaining  int64 `json:"remaining"`
}

// Store is the uniform ledger contract consumed by the adapter facade. The
// relational backends get this behaviour from Engine; the managed backend
// implements it directly with serializable server-side procedures.
type Store interface {
	// DeductCredits atomically debits amount from the user's balance. A
	// repeated idempotency key replays the earlier outcome without mutating
	// state. A (nil, error) return means the outcome is indeterminate and the
	// caller may safely retry with the same key.
	DeductCredits(ctx context.Context, userID string, amount int64, idempotencyKey, description string, metadata map[string]any) (*DeductResult, error)

	// GrantCredits atomically credits amount to the user's balance, creating
	// the account if needed. Used for the signup grant, purchases and refunds.
	GrantCredits(ctx context.Context, userID string, amount int64, entryType EntryType, idempotencyKey, description string) (*DeductResult, error)

	// CheckAnonymousQuota increments the daily counter for identifier and
	// reports whether the caller is still inside the limit. Day boundaries are
	// evaluated in UTC.
	CheckAnonymousQuota(ctx context.Context, identifier string) (*QuotaResult, error)

	// Account returns the current balance snapshot for a user.
	Account(ctx context.Context, userID string) (*Account, error)

	// History lists the most recent ledger entries for a user, newest first.
	History(ctx context.Context, userID string, limit int) ([]Entry, error)

	Close() error
}
