// Package memory provides an in-memory ledger.TxDriver.
//
// Suitable for single-instance dev deployments (backend=memory) and as the
// reference driver the engine invariants are tested against. State does not
// survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/creditgate/creditgate/internal/ledger"
)

type account struct {
	balance     int64
	totalEarned int64
	totalSpent  int64
	updatedAt   time.Time
}

type counter struct {
	usageCount int64
	lastUsedAt time.Time
}

// Driver implements ledger.TxDriver with mutex-guarded maps. Transactions run
// one at a time under the driver lock and mutate a staged copy of the state,
// so a rolled-back transaction leaves nothing behind.
type Driver struct {
	mu       sync.Mutex
	accounts map[string]account
	entries  []ledger.Entry
	byKey    map[string]int // idempotency key -> index into entries
	counters map[string]counter
	nextID   int64
}

// New creates an empty in-memory driver.
func New() *Driver {
	return &Driver{
		accounts: make(map[string]account),
		byKey:    make(map[string]int),
		counters: make(map[string]counter),
		nextID:   1,
	}
}

type txState struct {
	d        *Driver
	accounts map[string]account
	added    []ledger.Entry
}

// InTx implements ledger.TxDriver. The driver lock is held for the whole
// transaction, which gives the same serialization a row lock provides.
func (d *Driver) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	st := &txState{d: d, accounts: make(map[string]account, len(d.accounts))}
	for k, v := range d.accounts {
		st.accounts[k] = v
	}
	if err := fn(ctx, st); err != nil {
		return err
	}
	// Commit.
	d.accounts = st.accounts
	for _, e := range st.added {
		e.ID = d.nextID
		d.nextID++
		d.byKey[e.IdempotencyKey] = len(d.entries)
		d.entries = append(d.entries, e)
	}
	return nil
}

func (t *txState) EntryByKey(ctx context.Context, key string) (*ledger.Entry, error) {
	if idx, ok := t.d.byKey[key]; ok {
		e := t.d.entries[idx]
		return &e, nil
	}
	return nil, nil
}

func (t *txState) AccountForUpdate(ctx context.Context, userID string) (*ledger.Account, error) {
	a, ok := t.accounts[userID]
	if !ok {
		return nil, ledger.ErrNoAccount
	}
	return &ledger.Account{
		UserID:      userID,
		Balance:     a.balance,
		TotalEarned: a.totalEarned,
		TotalSpent:  a.totalSpent,
		UpdatedAt:   a.updatedAt,
	}, nil
}

func (t *txState) CreateAccount(ctx context.Context, userID string, now time.Time) (*ledger.Account, error) {
	t.accounts[userID] = account{updatedAt: now}
	return &ledger.Account{UserID: userID, UpdatedAt: now}, nil
}

func (t *txState) UpdateAccount(ctx context.Context, userID string, balance, totalEarned, totalSpent int64, now time.Time) error {
	t.accounts[userID] = account{
		balance:     balance,
		totalEarned: totalEarned,
		totalSpent:  totalSpent,
		updatedAt:   now,
	}
	return nil
}

func (t *txState) InsertEntry(ctx context.Context, e ledger.Entry) error {
	t.added = append(t.added, e)
	return nil
}

func (t *txState) Balance(ctx context.Context, userID string) (int64, error) {
	a, ok := t.accounts[userID]
	if !ok {
		return 0, ledger.ErrNoAccount
	}
	return a.balance, nil
}

// UpsertQuotaCounter implements ledger.TxDriver. The check-and-write runs
// under the driver lock, making it atomic with respect to concurrent calls.
func (d *Driver) UpsertQuotaCounter(ctx context.Context, identifier string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.counters[identifier]
	if ok && sameUTCDay(c.lastUsedAt, now) {
		c.usageCount++
	} else {
		c.usageCount = 1
	}
	c.lastUsedAt = now
	d.counters[identifier] = c
	return c.usageCount, nil
}

// SeedQuotaCounter backdates a counter, used by tests to exercise the
// day-boundary reset.
func (d *Driver) SeedQuotaCounter(identifier string, usageCount int64, lastUsedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counters[identifier] = counter{usageCount: usageCount, lastUsedAt: lastUsedAt}
}

// GetAccount implements ledger.TxDriver.
func (d *Driver) GetAccount(ctx context.Context, userID string) (*ledger.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[userID]
	if !ok {
		return nil, ledger.ErrNoAccount
	}
	return &ledger.Account{
		UserID:      userID,
		Balance:     a.balance,
		TotalEarned: a.totalEarned,
		TotalSpent:  a.totalSpent,
		UpdatedAt:   a.updatedAt,
	}, nil
}

// ListEntries implements ledger.TxDriver.
func (d *Driver) ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []ledger.Entry
	for _, e := range d.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements ledger.TxDriver.
func (d *Driver) Close() error { return nil }

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

var _ ledger.TxDriver = (*Driver)(nil)
