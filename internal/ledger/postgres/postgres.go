// Package postgres implements ledger.TxDriver backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/creditgate/creditgate/internal/ledger"
)

// Driver implements ledger.TxDriver backed by PostgreSQL. Exclusive access to
// an account during a debit comes from SELECT ... FOR UPDATE row locking; the
// anonymous counter relies on the atomicity of a conditional upsert instead.
type Driver struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger using the provided DSN and connection
// pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Driver, error) {
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
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	d := &Driver{db: db}
	if err := d.initSchema(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Driver) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS credits (
	user_id TEXT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0 CHECK(balance >= 0),
	total_earned BIGINT NOT NULL DEFAULT 0,
	total_spent BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credit_ledger (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	amount BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	type TEXT NOT NULL CHECK(type IN ('initial','purchase','bonus','deduction','refund','adjustment','expiry')),
	description TEXT,
	idempotency_key TEXT NOT NULL UNIQUE,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_created ON credit_ledger(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS anonymous_quotas (
	identifier TEXT PRIMARY KEY,
	usage_count BIGINT NOT NULL DEFAULT 0,
	last_used_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (d *Driver) Close() error {
	return d.db.Close()
}

type pgTx struct {
	tx *sql.Tx
}

// InTx implements ledger.TxDriver.
func (d *Driver) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *pgTx) EntryByKey(ctx context.Context, key string) (*ledger.Entry, error) {
	row := t.tx.QueryRowContext(ctx, `
SELECT id, user_id, amount, balance_after, type, description, idempotency_key, metadata, created_at
FROM credit_ledger
WHERE idempotency_key = $1`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (t *pgTx) AccountForUpdate(ctx context.Context, userID string) (*ledger.Account, error) {
	return scanAccount(t.tx.QueryRowContext(ctx, `
SELECT user_id, balance, total_earned, total_spent, updated_at
FROM credits
WHERE user_id = $1
FOR UPDATE`, userID))
}

func (t *pgTx) CreateAccount(ctx context.Context, userID string, now time.Time) (*ledger.Account, error) {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO credits(user_id, balance, total_earned, total_spent, updated_at)
VALUES($1, 0, 0, 0, $2)`, userID, now)
	if err != nil {
		return nil, err
	}
	return &ledger.Account{UserID: userID, UpdatedAt: now}, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, userID string, balance, totalEarned, totalSpent int64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
UPDATE credits
SET balance = $1, total_earned = $2, total_spent = $3, updated_at = $4
WHERE user_id = $5`, balance, totalEarned, totalSpent, now, userID)
	return err
}

func (t *pgTx) InsertEntry(ctx context.Context, e ledger.Entry) error {
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO credit_ledger(user_id, amount, balance_after, type, description, idempotency_key, metadata, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.UserID, e.Amount, e.BalanceAfter, string(e.Type), e.Description, e.IdempotencyKey, meta, e.CreatedAt)
	return err
}

func (t *pgTx) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := t.tx.QueryRowContext(ctx, `SELECT balance FROM credits WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrNoAccount
	}
	return balance, err
}

// UpsertQuotaCounter implements ledger.TxDriver. The same-day check and the
// increment are a single conditional upsert, so two concurrent requests can
// never both observe a stale count or both reset a new day to 1.
func (d *Driver) UpsertQuotaCounter(ctx context.Context, identifier string, now time.Time) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx, `
INSERT INTO anonymous_quotas(identifier, usage_count, last_used_at)
VALUES($1, 1, $2)
ON CONFLICT (identifier) DO UPDATE SET
	usage_count = CASE
		WHEN (anonymous_quotas.last_used_at AT TIME ZONE 'UTC')::date = ($2 AT TIME ZONE 'UTC')::date
		THEN anonymous_quotas.usage_count + 1
		ELSE 1
	END,
	last_used_at = $2
RETURNING usage_count`, identifier, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("upsert quota counter: %w", err)
	}
	return count, nil
}

// GetAccount implements ledger.TxDriver.
func (d *Driver) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	return scanAccount(d.db.QueryRowContext(ctx, `
SELECT user_id, balance, total_earned, total_spent, updated_at
FROM credits
WHERE user_id = $1`, userID))
}

// ListEntries implements ledger.TxDriver.
func (d *Driver) ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT id, user_id, amount, balance_after, type, description, idempotency_key, metadata, created_at
FROM credit_ledger
WHERE user_id = $1
ORDER BY id DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(&a.UserID, &a.Balance, &a.TotalEarned, &a.TotalSpent, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNoAccount
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanEntry(row rowScanner) (*ledger.Entry, error) {
	var e ledger.Entry
	var typ string
	var description sql.NullString
	var meta []byte
	if err := row.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter, &typ, &description, &e.IdempotencyKey, &meta, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = ledger.EntryType(typ)
	e.Description = description.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode entry metadata: %w", err)
		}
	}
	return &e, nil
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode entry metadata: %w", err)
	}
	return b, nil
}

var _ ledger.TxDriver = (*Driver)(nil)
