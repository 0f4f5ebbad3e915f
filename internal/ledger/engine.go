package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Tx is the per-transaction surface a relational backend must provide. Every
// method runs inside the transaction InTx opened; the engine never holds a
// transaction across more than one DeductCredits/GrantCredits call.
type Tx interface {
	// EntryByKey returns the ledger entry bearing the idempotency key, or
	// (nil, nil) when no such entry exists.
	EntryByKey(ctx context.Context, key string) (*Entry, error)

	// AccountForUpdate reads the user's account with an exclusive row lock
	// (SELECT ... FOR UPDATE or the backend equivalent) so that no concurrent
	// transaction can read-then-write the same account until commit.
	// Returns ErrNoAccount when the user has no account row.
	AccountForUpdate(ctx context.Context, userID string) (*Account, error)

	// CreateAccount inserts a zero-balance account row for the user.
	CreateAccount(ctx context.Context, userID string, now time.Time) (*Account, error)

	// UpdateAccount writes the new balance and rolled-up totals.
	UpdateAccount(ctx context.Context, userID string, balance, totalEarned, totalSpent int64, now time.Time) error

	// InsertEntry appends one immutable ledger entry.
	InsertEntry(ctx context.Context, e Entry) error

	// Balance reads the current balance without locking, used on the
	// idempotent-replay path.
	Balance(ctx context.Context, userID string) (int64, error)
}

// TxDriver is the narrow capability interface a storage backend implements to
// obtain the full Store behaviour from Engine. Keeping the business logic in
// one place means the invariants are tested once, not per backend.
type TxDriver interface {
	// InTx runs fn inside a single storage transaction, committing when fn
	// returns nil and rolling back on any error, including panics on the
	// driver's side. fn must not retain the Tx after returning.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// UpsertQuotaCounter atomically increments the daily counter for
	// identifier, resetting to 1 when the stored last_used_at falls on an
	// earlier UTC day than now. The date check and the write are one atomic
	// upsert, never read-then-write. Returns the resulting usage count.
	UpsertQuotaCounter(ctx context.Context, identifier string, now time.Time) (int64, error)

	// GetAccount reads the account snapshot outside any transaction.
	// Returns ErrNoAccount when the user has no account row.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// ListEntries returns the newest ledger entries for a user.
	ListEntries(ctx context.Context, userID string, limit int) ([]Entry, error)

	Close() error
}

// errAbortTx forces a rollback for expected business outcomes (insufficient
// balance) so the transaction leaves no writes behind.
var errAbortTx = errors.New("ledger: abort transaction")

// Engine implements Store on top of a TxDriver.
type Engine struct {
	driver     TxDriver
	dailyLimit int64
	logger     *log.Logger
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// AnonymousDailyLimit caps check_anonymous_quota per identifier per UTC
	// day. Shared engine-level constant, never stored per identifier.
	AnonymousDailyLimit int64
	Logger              *log.Logger
}

// NewEngine builds the generic ledger engine over the given backend driver.
func NewEngine(driver TxDriver, opts EngineOptions) *Engine {
	limit := opts.AnonymousDailyLimit
	if limit <= 0 {
		limit = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{driver: driver, dailyLimit: limit, logger: logger}
}

// DeductCredits implements Store.
func (e *Engine) DeductCredits(ctx context.Context, userID string, amount int64, idempotencyKey, description string, metadata map[string]any) (*DeductResult, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	var res DeductResult
	err := e.driver.InTx(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.EntryByKey(ctx, idempotencyKey)
		if err != nil {
			return fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			// Replay: report the current balance, mutate nothing.
			balance, err := tx.Balance(ctx, userID)
			if err != nil && !errors.Is(err, ErrNoAccount) {
				return fmt.Errorf("replay balance read: %w", err)
			}
			res = DeductResult{Success: true, BalanceAfter: balance, Idempotent: true}
			return nil
		}

		acct, err := tx.AccountForUpdate(ctx, userID)
		if errors.Is(err, ErrNoAccount) {
			acct = &Account{UserID: userID}
		} else if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		// Under read committed the first lookup can miss a concurrent call
		// holding the same key: both pass it, the loser blocks on the row
		// lock, and by the time the lock is granted the winner's entry is
		// committed. Re-check with the lock held so the loser replays instead
		// of re-deducting into the unique constraint.
		existing, err = tx.EntryByKey(ctx, idempotencyKey)
		if err != nil {
			return fmt.Errorf("idempotency recheck: %w", err)
		}
		if existing != nil {
			balance, err := tx.Balance(ctx, userID)
			if err != nil && !errors.Is(err, ErrNoAccount) {
				return fmt.Errorf("replay balance read: %w", err)
			}
			res = DeductResult{Success: true, BalanceAfter: balance, Idempotent: true}
			return nil
		}

		if acct.Balance < amount {
			res = DeductResult{Success: false, BalanceAfter: acct.Balance, Error: ErrInsufficientCredits.Error()}
			return errAbortTx
		}

		now := time.Now().UTC()
		newBalance := acct.Balance - amount
		if err := tx.UpdateAccount(ctx, userID, newBalance, acct.TotalEarned, acct.TotalSpent+amount, now); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if err := tx.InsertEntry(ctx, Entry{
			UserID:         userID,
			Amount:         -amount,
			BalanceAfter:   newBalance,
			Type:           TypeDeduction,
			Description:    description,
			IdempotencyKey: idempotencyKey,
			Metadata:       metadata,
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		res = DeductResult{Success: true, BalanceAfter: newBalance}
		return nil
	})
	if err != nil && !errors.Is(err, errAbortTx) {
		e.logger.Printf("ledger: deduct_credits failed user=%s key=%s: %v", userID, idempotencyKey, err)
		return nil, err
	}
	return &res, nil
}

// GrantCredits implements Store. The same idempotency discipline as
// DeductCredits applies, so provisioning retries don't double-grant.
func (e *Engine) GrantCredits(ctx context.Context, userID string, amount int64, entryType EntryType, idempotencyKey, description string) (*DeductResult, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	switch entryType {
	case TypeInitial, TypePurchase, TypeBonus, TypeRefund, TypeAdjustment:
	default:
		return nil, fmt.Errorf("invalid grant type %q", entryType)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	var res DeductResult
	err := e.driver.InTx(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.EntryByKey(ctx, idempotencyKey)
		if err != nil {
			return fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			balance, err := tx.Balance(ctx, userID)
			if err != nil && !errors.Is(err, ErrNoAccount) {
				return fmt.Errorf("replay balance read: %w", err)
			}
			res = DeductResult{Success: true, BalanceAfter: balance, Idempotent: true}
			return nil
		}

		now := time.Now().UTC()
		acct, err := tx.AccountForUpdate(ctx, userID)
		if errors.Is(err, ErrNoAccount) {
			if acct, err = tx.CreateAccount(ctx, userID, now); err != nil {
				return fmt.Errorf("create account: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		// Same post-lock recheck as DeductCredits: a concurrent grant with
		// this key may have committed while we waited on the row lock.
		existing, err = tx.EntryByKey(ctx, idempotencyKey)
		if err != nil {
			return fmt.Errorf("idempotency recheck: %w", err)
		}
		if existing != nil {
			balance, err := tx.Balance(ctx, userID)
			if err != nil && !errors.Is(err, ErrNoAccount) {
				return fmt.Errorf("replay balance read: %w", err)
			}
			res = DeductResult{Success: true, BalanceAfter: balance, Idempotent: true}
			return nil
		}

		newBalance := acct.Balance + amount
		if err := tx.UpdateAccount(ctx, userID, newBalance, acct.TotalEarned+amount, acct.TotalSpent, now); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if err := tx.InsertEntry(ctx, Entry{
			UserID:         userID,
			Amount:         amount,
			BalanceAfter:   newBalance,
			Type:           entryType,
			Description:    description,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		res = DeductResult{Success: true, BalanceAfter: newBalance}
		return nil
	})
	if err != nil {
		e.logger.Printf("ledger: grant_credits failed user=%s type=%s key=%s: %v", userID, entryType, idempotencyKey, err)
		return nil, err
	}
	return &res, nil
}

// CheckAnonymousQuota implements Store. The increment happens before the limit
// check, so a caller sitting at the limit still consumes a counter slot; that
// keeps retry hammering visible in the counter.
func (e *Engine) CheckAnonymousQuota(ctx context.Context, identifier string) (*QuotaResult, error) {
	if identifier == "" {
		return nil, errors.New("identifier required")
	}
	count, err := e.driver.UpsertQuotaCounter(ctx, identifier, time.Now().UTC())
	if err != nil {
		e.logger.Printf("ledger: check_anonymous_quota failed identifier=%s: %v", identifier, err)
		return nil, err
	}
	remaining := e.dailyLimit - count
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaResult{
		Allowed:    count <= e.dailyLimit,
		UsageCount: count,
		DailyLimit: e.dailyLimit,
		Remaining:  remaining,
	}, nil
}

// Account implements Store.
func (e *Engine) Account(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	return e.driver.GetAccount(ctx, userID)
}

// History implements Store.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	return e.driver.ListEntries(ctx, userID, limit)
}

// Close implements Store.
func (e *Engine) Close() error {
	return e.driver.Close()
}

var _ Store = (*Engine)(nil)
