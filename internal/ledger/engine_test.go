package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/creditgate/creditgate/internal/ledger"
	"github.com/creditgate/creditgate/internal/ledger/memory"
)

func newEngine(t *testing.T, limit int64) (*ledger.Engine, *memory.Driver) {
	t.Helper()
	driver := memory.New()
	engine := ledger.NewEngine(driver, ledger.EngineOptions{AnonymousDailyLimit: limit})
	t.Cleanup(func() { _ = engine.Close() })
	return engine, driver
}

func TestGrantThenDeduct(t *testing.T) {
	engine, _ := newEngine(t, 3)
	ctx := context.Background()

	granted, err := engine.GrantCredits(ctx, "u1", 100, ledger.TypeInitial, "k-grant", "signup")
	require.NoError(t, err)
	require.True(t, granted.Success)
	require.EqualValues(t, 100, granted.BalanceAfter)

	res, err := engine.DeductCredits(ctx, "u1", 30, "k-deduct", "generation", map[string]any{"route": "/gen"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Idempotent)
	require.EqualValues(t, 70, res.BalanceAfter)

	acct, err := engine.Account(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 70, acct.Balance)
	require.EqualValues(t, 100, acct.TotalEarned)
	require.EqualValues(t, 30, acct.TotalSpent)
	require.Equal(t, acct.Balance, acct.TotalEarned-acct.TotalSpent)
}

func TestDeductInsufficientLeavesNoTrace(t *testing.T) {
	engine, _ := newEngine(t, 3)
	ctx := context.Background()

	_, err := engine.GrantCredits(ctx, "u1", 10, ledger.TypeInitial, "k-grant", "")
	require.NoError(t, err)

	res, err := engine.DeductCredits(ctx, "u1", 11, "k-over", "", nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.EqualValues(t, 10, res.BalanceAfter)
	require.Equal(t, "Insufficient credits", res.Error)

	// The denial must not write an entry or consume the idempotency key.
	entries, err := engine.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	acct, err := engine.Account(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 10, acct.Balance)

	// Key is still usable once the balance allows it.
	_, err = engine.GrantCredits(ctx, "u1", 5, ledger.TypeBonus, "k-topup", "")
	require.NoError(t, err)
	res, err = engine.DeductCredits(ctx, "u1", 11, "k-over", "", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.EqualValues(t, 4, res.BalanceAfter)
}

func TestDeductMissingAccount(t *testing.T) {
	engine, _ := newEngine(t, 3)

	res, err := engine.DeductCredits(context.Background(), "ghost", 1, "k1", "", nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.EqualValues(t, 0, res.BalanceAfter)
	require.Equal(t, "Insufficient credits", res.Error)
}

func TestDeductIdempotentReplay(t *testing.T) {
	engine, _ := newEngine(t, 3)
	ctx := context.Background()

	_, err := engine.GrantCredits(ctx, "u1", 100, ledger.TypeInitial, "k-grant", "")
	require.NoError(t, err)

	first, err := engine.DeductCredits(ctx, "u1", 10, "k-retry", "", nil)
	require.NoError(t, err)
	require.True(t, first.Success)
	require.False(t, first.Idempotent)

	second, err := engine.DeductCredits(ctx, "u1", 10, "k-retry", "", nil)
	require.NoError(t, err)
	require.True(t, second.Success)
	require.True(t, second.Idempotent)
	require.EqualValues(t, 90, second.BalanceAfter)

	acct, err := engine.Account(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 90, acct.Balance)

	entries, err := engine.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestInvalidAmounts(t *testing.T) {
	engine, _ := newEngine(t, 3)
	ctx := context.Background()

	for _, amount := range []int64{0, -1, -100} {
		_, err := engine.DeductCredits(ctx, "u1", amount, "", "", nil)
		require.ErrorIs(t, err, ledger.ErrInvalidAmount, "deduct amount %d", amount)

		_, err = engine.GrantCredits(ctx, "u1", amount, ledger.TypeBonus, "", "")
		require.ErrorIs(t, err, ledger.ErrInvalidAmount, "grant amount %d", amount)
	}
}

func TestGrantRejectsDeductionType(t *testing.T) {
	engine, _ := newEngine(t, 3)

	_, err := engine.GrantCredits(context.Background(), "u1", 5, ledger.TypeDeduction, "", "")
	require.Error(t, err)
	_, err = engine.GrantCredits(context.Background(), "u1", 5, ledger.EntryType("bogus"), "", "")
	require.Error(t, err)
}

func TestConcurrentDeductsNeverOverspend(t *testing.T) {
	engine, _ := newEngine(t, 3)
	ctx := context.Background()

	const balance = 5
	const attempts = 20

	_, err := engine.GrantCredits(ctx, "u1", balance, ledger.TypeInitial, "k-grant", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*ledger.DeductResult, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.DeductCredits(ctx, "u1", 1, fmt.Sprintf("k-%d", i), "", nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		if res.Success {
			succeeded++
		}
	}
	require.Equal(t, balance, succeeded)

	acct, err := engine.Account(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 0, acct.Balance)
	require.EqualValues(t, balance, acct.TotalSpent)
	require.Equal(t, acct.Balance, acct.TotalEarned-acct.TotalSpent)
}

func TestQuotaSequence(t *testing.T) {
	engine, _ := newEngine(t, 3)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		res, err := engine.CheckAnonymousQuota(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", i)
		require.Equal(t, i, res.UsageCount)
		require.Equal(t, int64(3)-i, res.Remaining)
	}

	// The denied call still consumes a counter slot.
	res, err := engine.CheckAnonymousQuota(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.EqualValues(t, 4, res.UsageCount)
	require.EqualValues(t, 0, res.Remaining)
	require.EqualValues(t, 3, res.DailyLimit)
}

func TestQuotaIdentifiersIsolated(t *testing.T) {
	engine, _ := newEngine(t, 1)
	ctx := context.Background()

	res, err := engine.CheckAnonymousQuota(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = engine.CheckAnonymousQuota(ctx, "a")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = engine.CheckAnonymousQuota(ctx, "b")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestQuotaResetsAtUTCDayBoundary(t *testing.T) {
	engine, driver := newEngine(t, 3)
	ctx := context.Background()

	driver.SeedQuotaCounter("1.2.3.4", 3, time.Now().UTC().Add(-24*time.Hour))

	res, err := engine.CheckAnonymousQuota(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.EqualValues(t, 1, res.UsageCount)
}

func TestQuotaConcurrentChecksCountEveryCall(t *testing.T) {
	engine, _ := newEngine(t, 3)
	ctx := context.Background()

	const calls = 10
	var wg sync.WaitGroup
	results := make([]*ledger.QuotaResult, calls)
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.CheckAnonymousQuota(ctx, "9.9.9.9")
		}(i)
	}
	wg.Wait()

	grantedCount := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		if res.Allowed {
			grantedCount++
		}
	}
	require.Equal(t, 3, grantedCount)
}

func TestHistoryNewestFirst(t *testing.T) {
	engine, _ := newEngine(t, 3)
	ctx := context.Background()

	_, err := engine.GrantCredits(ctx, "u1", 10, ledger.TypeInitial, "k0", "grant")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := engine.DeductCredits(ctx, "u1", 1, fmt.Sprintf("k%d", i+1), "spend", nil)
		require.NoError(t, err)
	}

	entries, err := engine.History(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Greater(t, entries[0].ID, entries[1].ID)
	require.Equal(t, ledger.TypeDeduction, entries[0].Type)
	require.EqualValues(t, -1, entries[0].Amount)
}

func TestExhaustionAfterReplay(t *testing.T) {
	engine, _ := newEngine(t, 3)
	ctx := context.Background()

	_, err := engine.GrantCredits(ctx, "u1", 1, ledger.TypeInitial, "g1", "")
	require.NoError(t, err)

	res, err := engine.DeductCredits(ctx, "u1", 1, "k1", "", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.EqualValues(t, 0, res.BalanceAfter)

	res, err = engine.DeductCredits(ctx, "u1", 1, "k1", "", nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.Idempotent)
	require.EqualValues(t, 0, res.BalanceAfter)

	res, err = engine.DeductCredits(ctx, "u1", 1, "k2", "", nil)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.EqualValues(t, 0, res.BalanceAfter)
	require.Equal(t, "Insufficient credits", res.Error)
}

func TestBalanceMatchesLastEntry(t *testing.T) {
	engine, _ := newEngine(t, 3)
	ctx := context.Background()

	_, err := engine.GrantCredits(ctx, "u1", 50, ledger.TypeInitial, "g1", "")
	require.NoError(t, err)
	_, err = engine.DeductCredits(ctx, "u1", 7, "d1", "", nil)
	require.NoError(t, err)
	_, err = engine.GrantCredits(ctx, "u1", 20, ledger.TypePurchase, "g2", "")
	require.NoError(t, err)
	_, err = engine.DeductCredits(ctx, "u1", 13, "d2", "", nil)
	require.NoError(t, err)

	acct, err := engine.Account(ctx, "u1")
	require.NoError(t, err)

	entries, err := engine.History(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, acct.Balance, entries[0].BalanceAfter)
	require.Equal(t, acct.Balance, acct.TotalEarned-acct.TotalSpent)
}
