// Package sqlite implements ledger.TxDriver backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/creditgate/creditgate/internal/ledger"
)

const timeLayout = "2006-01-02 15:04:05"

// Driver implements ledger.TxDriver on a single SQLite file.
type Driver struct {
	db *sql.DB
}

// New opens (or creates) a SQLite ledger at the given path.
func New(path string) (*Driver, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// The user store opens its own handle on the same file; wait out its
	// write locks instead of surfacing SQLITE_BUSY.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// SQLite has no row locks; a single writer connection serializes
	// transactions, which satisfies the exclusive-access contract.
	db.SetMaxOpenConns(1)

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
	balance INTEGER NOT NULL DEFAULT 0 CHECK(balance >= 0),
	total_earned INTEGER NOT NULL DEFAULT 0,
	total_spent INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	amount INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	type TEXT NOT NULL CHECK(type IN ('initial','purchase','bonus','deduction','refund','adjustment','expiry')),
	description TEXT,
	idempotency_key TEXT NOT NULL UNIQUE,
	metadata TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_created ON credit_ledger(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS anonymous_quotas (
	identifier TEXT PRIMARY KEY,
	usage_count INTEGER NOT NULL DEFAULT 0,
	last_used_at TEXT NOT NULL
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

type sqliteTx struct {
	tx *sql.Tx
}

// InTx implements ledger.TxDriver.
func (d *Driver) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *sqliteTx) EntryByKey(ctx context.Context, key string) (*ledger.Entry, error) {
	row := t.tx.QueryRowContext(ctx, `
SELECT id, user_id, amount, balance_after, type, description, idempotency_key, metadata, created_at
FROM credit_ledger
WHERE idempotency_key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (t *sqliteTx) AccountForUpdate(ctx context.Context, userID string) (*ledger.Account, error) {
	// The single-connection driver already serializes writers; the plain read
	// inside the transaction is exclusive.
	return scanAccount(t.tx.QueryRowContext(ctx, `
SELECT user_id, balance, total_earned, total_spent, updated_at
FROM credits
WHERE user_id = ?`, userID))
}

func (t *sqliteTx) CreateAccount(ctx context.Context, userID string, now time.Time) (*ledger.Account, error) {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO credits(user_id, balance, total_earned, total_spent, updated_at)
VALUES(?, 0, 0, 0, ?)`, userID, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	return &ledger.Account{UserID: userID, UpdatedAt: now}, nil
}

func (t *sqliteTx) UpdateAccount(ctx context.Context, userID string, balance, totalEarned, totalSpent int64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
UPDATE credits
SET balance = ?, total_earned = ?, total_spent = ?, updated_at = ?
WHERE user_id = ?`, balance, totalEarned, totalSpent, now.UTC().Format(timeLayout), userID)
	return err
}

func (t *sqliteTx) InsertEntry(ctx context.Context, e ledger.Entry) error {
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO credit_ledger(user_id, amount, balance_after, type, description, idempotency_key, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Amount, e.BalanceAfter, string(e.Type), e.Description, e.IdempotencyKey, meta, e.CreatedAt.UTC().Format(timeLayout))
	return err
}

func (t *sqliteTx) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := t.tx.QueryRowContext(ctx, `SELECT balance FROM credits WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrNoAccount
	}
	return balance, err
}

// UpsertQuotaCounter implements ledger.TxDriver with a single conditional
// upsert; the day comparison and the write are one statement.
func (d *Driver) UpsertQuotaCounter(ctx context.Context, identifier string, now time.Time) (int64, error) {
	ts := now.UTC().Format(timeLayout)
	var count int64
	err := d.db.QueryRowContext(ctx, `
INSERT INTO anonymous_quotas(identifier, usage_count, last_used_at)
VALUES(?1, 1, ?2)
ON CONFLICT(identifier) DO UPDATE SET
	usage_count = CASE WHEN date(anonymous_quotas.last_used_at) = date(?2) THEN anonymous_quotas.usage_count + 1 ELSE 1 END,
	last_used_at = ?2
RETURNING usage_count`, identifier, ts).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("upsert quota counter: %w", err)
	}
	return count, nil
}

// SeedQuotaCounter backdates a counter row, used by tests to exercise the
// day-boundary reset.
func (d *Driver) SeedQuotaCounter(ctx context.Context, identifier string, usageCount int64, lastUsedAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO anonymous_quotas(identifier, usage_count, last_used_at)
VALUES(?, ?, ?)
ON CONFLICT(identifier) DO UPDATE SET usage_count = excluded.usage_count, last_used_at = excluded.last_used_at`,
		identifier, usageCount, lastUsedAt.UTC().Format(timeLayout))
	return err
}

// GetAccount implements ledger.TxDriver.
func (d *Driver) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	return scanAccount(d.db.QueryRowContext(ctx, `
SELECT user_id, balance, total_earned, total_spent, updated_at
FROM credits
WHERE user_id = ?`, userID))
}

// ListEntries implements ledger.TxDriver.
func (d *Driver) ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT id, user_id, amount, balance_after, type, description, idempotency_key, metadata, created_at
FROM credit_ledger
WHERE user_id = ?
ORDER BY id DESC
LIMIT ?`, userID, limit)
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
	var updatedAt string
	err := row.Scan(&a.UserID, &a.Balance, &a.TotalEarned, &a.TotalSpent, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNoAccount
	}
	if err != nil {
		return nil, err
	}
	a.UpdatedAt, _ = time.ParseInLocation(timeLayout, updatedAt, time.UTC)
	return &a, nil
}

func scanEntry(row rowScanner) (*ledger.Entry, error) {
	var e ledger.Entry
	var typ, createdAt string
	var description, meta sql.NullString
	if err := row.Scan(&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter, &typ, &description, &e.IdempotencyKey, &meta, &createdAt); err != nil {
		return nil, err
	}
	e.Type = ledger.EntryType(typ)
	e.Description = description.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode entry metadata: %w", err)
		}
	}
	e.CreatedAt, _ = time.ParseInLocation(timeLayout, createdAt, time.UTC)
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
	return string(b), nil
}

var _ ledger.TxDriver = (*Driver)(nil)
