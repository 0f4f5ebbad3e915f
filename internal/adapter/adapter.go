// Package adapter selects a storage backend at startup and exposes one
// uniform surface (auth, status, ledger operations) to the HTTP layer. It
// holds no state beyond the chosen driver handles and performs no business
// logic of its own, so it is safe to share across in-flight requests.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/creditgate/creditgate/internal/config"
	"github.com/creditgate/creditgate/internal/ledger"
	ledgermem "github.com/creditgate/creditgate/internal/ledger/memory"
	ledgerpg "github.com/creditgate/creditgate/internal/ledger/postgres"
	ledgersqlite "github.com/creditgate/creditgate/internal/ledger/sqlite"
	"github.com/creditgate/creditgate/internal/metrics"
	"github.com/creditgate/creditgate/internal/supabase"
	"github.com/creditgate/creditgate/internal/userstore"
	userpg "github.com/creditgate/creditgate/internal/userstore/postgres"
	usersqlite "github.com/creditgate/creditgate/internal/userstore/sqlite"
)

type statusProvider interface {
	GetUserStatus(ctx context.Context, userID string) (*userstore.UserStatus, error)
}

// Adapter is the backend facade. Construct exactly one per process with New
// and pass it down explicitly; there is no package-level singleton.
type Adapter struct {
	backend config.Backend
	store   ledger.Store
	users   userstore.Store // nil for supabase and memory backends
	auth    userstore.AuthProvider
	status  statusProvider

	configured   bool
	defaultGrant int64
	logger       *log.Logger
}

// New builds the facade for the backend named in cfg. When RequireAuth is set
// and the backend has no auth capability, construction fails instead of
// deferring to a runtime error on the first auth call.
func New(cfg config.ServiceConfig, logger *log.Logger) (*Adapter, error) {
	if logger == nil {
		logger = log.Default()
	}
	a := &Adapter{
		backend:      cfg.Backend,
		configured:   cfg.IsConfigured(),
		defaultGrant: cfg.DefaultFreeCredits,
		logger:       logger,
	}
	if !a.configured {
		return nil, fmt.Errorf("backend %s: %w", cfg.Backend, ledger.ErrNotConfigured)
	}

	engineOpts := ledger.EngineOptions{AnonymousDailyLimit: cfg.AnonymousDailyQuota, Logger: logger}

	switch cfg.Backend {
	case config.BackendSupabase:
		client, err := supabase.New(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.SupabaseServiceKey, nil)
		if err != nil {
			return nil, err
		}
		a.store = client
		a.auth = client
		a.status = client

	case config.BackendPostgres:
		driver, err := ledgerpg.New(cfg.DatabaseURL, cfg.DBMaxOpen, cfg.DBMaxIdle, 60, 10)
		if err != nil {
			return nil, fmt.Errorf("postgres ledger: %w", err)
		}
		users, err := userpg.New(cfg.DatabaseURL, cfg.DBMaxOpen, cfg.DBMaxIdle)
		if err != nil {
			_ = driver.Close()
			return nil, fmt.Errorf("postgres userstore: %w", err)
		}
		a.store = ledger.NewEngine(driver, engineOpts)
		a.users = users
		a.status = users

	case config.BackendSQLite:
		// Ledger first: the userstore status join reads the credits table.
		driver, err := ledgersqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite ledger: %w", err)
		}
		users, err := usersqlite.New(cfg.SQLitePath)
		if err != nil {
			_ = driver.Close()
			return nil, fmt.Errorf("sqlite userstore: %w", err)
		}
		a.store = ledger.NewEngine(driver, engineOpts)
		a.users = users
		a.status = users

	case config.BackendMemory:
		a.store = ledger.NewEngine(ledgermem.New(), engineOpts)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.RequireAuth && a.auth == nil {
		_ = a.Close()
		return nil, fmt.Errorf("backend %s: %w", cfg.Backend, userstore.ErrAuthNotSupported)
	}
	return a, nil
}

// NewWithStore wires an explicit ledger store (and optional auth/status
// collaborators), used by tests to substitute fakes.
func NewWithStore(store ledger.Store, auth userstore.AuthProvider, users userstore.Store, defaultGrant int64, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	a := &Adapter{
		backend:      config.BackendMemory,
		store:        store,
		users:        users,
		auth:         auth,
		configured:   true,
		defaultGrant: defaultGrant,
		logger:       logger,
	}
	if users != nil {
		a.status = users
	}
	return a
}

// Backend reports the selected backend kind.
func (a *Adapter) Backend() config.Backend { return a.backend }

// IsConfigured reports whether the selected backend has the configuration it
// needs. When false, ledger operations are never attempted.
func (a *Adapter) IsConfigured() bool { return a.configured }

// AuthSupported reports whether the selected backend authenticates users
// itself.
func (a *Adapter) AuthSupported() bool { return a.auth != nil }

// SignUp registers a new user and provisions the signup credit grant. The
// grant uses a deterministic idempotency key, so a retried signup never
// double-grants.
func (a *Adapter) SignUp(ctx context.Context, email, password, displayName string) (*userstore.Session, error) {
	if a.auth == nil {
		return nil, userstore.ErrAuthNotSupported
	}
	sess, err := a.auth.SignUp(ctx, email, password, displayName)
	if err != nil {
		return nil, err
	}
	if a.defaultGrant > 0 && sess.User.ID != "" {
		if _, err := a.GrantCredits(ctx, sess.User.ID, a.defaultGrant, ledger.TypeInitial, "signup-grant:"+sess.User.ID, "Initial free credits"); err != nil {
			// The account exists; the grant will be retried with the same key
			// on the next signup attempt or by reconciliation.
			a.logger.Printf("adapter: signup grant failed user=%s: %v", sess.User.ID, err)
		}
	}
	return sess, nil
}

// SignIn authenticates an existing user.
func (a *Adapter) SignIn(ctx context.Context, email, password string) (*userstore.Session, error) {
	if a.auth == nil {
		return nil, userstore.ErrAuthNotSupported
	}
	return a.auth.SignIn(ctx, email, password)
}

// SignOut revokes the session behind the access token.
func (a *Adapter) SignOut(ctx context.Context, accessToken string) error {
	if a.auth == nil {
		return userstore.ErrAuthNotSupported
	}
	return a.auth.SignOut(ctx, accessToken)
}

// UserFromToken resolves the caller behind a bearer token. An empty token
// resolves to (nil, nil): an anonymous caller.
func (a *Adapter) UserFromToken(ctx context.Context, accessToken string) (*userstore.User, error) {
	if accessToken == "" {
		return nil, nil
	}
	if a.auth == nil {
		return nil, userstore.ErrAuthNotSupported
	}
	return a.auth.UserFromToken(ctx, accessToken)
}

// GetUserStatus returns the user/plan/entitlements/credits projection.
func (a *Adapter) GetUserStatus(ctx context.Context, userID string) (*userstore.UserStatus, error) {
	if a.status != nil {
		return a.status.GetUserStatus(ctx, userID)
	}
	// Backends without an identity store synthesize the projection from the
	// ledger account alone.
	acct, err := a.store.Account(ctx, userID)
	if errors.Is(err, ledger.ErrNoAccount) {
		acct = &ledger.Account{UserID: userID}
	} else if err != nil {
		return nil, err
	}
	return &userstore.UserStatus{
		User:         userstore.User{ID: userID, Locale: "en", Timezone: "UTC"},
		Plan:         userstore.Plan{Slug: "free", Name: "Free", Status: "active"},
		Entitlements: map[string]any{},
		Credits: userstore.CreditSummary{
			Balance:     acct.Balance,
			TotalEarned: acct.TotalEarned,
			TotalSpent:  acct.TotalSpent,
		},
	}, nil
}

// DeductCredits delegates to the ledger engine. A nil result with a non-nil
// error means the outcome is indeterminate; callers must not treat it as
// success.
func (a *Adapter) DeductCredits(ctx context.Context, userID string, amount int64, idempotencyKey, description string, metadata map[string]any) (*ledger.DeductResult, error) {
	start := time.Now()
	res, err := a.store.DeductCredits(ctx, userID, amount, idempotencyKey, description, metadata)
	metrics.LedgerOpDuration.WithLabelValues("deduct_credits").Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.DeductionsTotal.WithLabelValues("error").Inc()
	case res.Idempotent:
		metrics.DeductionsTotal.WithLabelValues("idempotent").Inc()
	case !res.Success:
		metrics.DeductionsTotal.WithLabelValues("insufficient").Inc()
	default:
		metrics.DeductionsTotal.WithLabelValues("ok").Inc()
	}
	return res, err
}

// GrantCredits delegates to the ledger engine.
func (a *Adapter) GrantCredits(ctx context.Context, userID string, amount int64, entryType ledger.EntryType, idempotencyKey, description string) (*ledger.DeductResult, error) {
	start := time.Now()
	res, err := a.store.GrantCredits(ctx, userID, amount, entryType, idempotencyKey, description)
	metrics.LedgerOpDuration.WithLabelValues("grant_credits").Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.GrantsTotal.WithLabelValues(string(entryType)).Inc()
	}
	return res, err
}

// CheckAnonymousQuota delegates to the ledger engine.
func (a *Adapter) CheckAnonymousQuota(ctx context.Context, identifier string) (*ledger.QuotaResult, error) {
	start := time.Now()
	res, err := a.store.CheckAnonymousQuota(ctx, identifier)
	metrics.LedgerOpDuration.WithLabelValues("check_anonymous_quota").Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		metrics.QuotaChecksTotal.WithLabelValues("error").Inc()
	case res.Allowed:
		metrics.QuotaChecksTotal.WithLabelValues("allowed").Inc()
	default:
		metrics.QuotaChecksTotal.WithLabelValues("denied").Inc()
	}
	return res, err
}

// Account returns the ledger account snapshot for a user.
func (a *Adapter) Account(ctx context.Context, userID string) (*ledger.Account, error) {
	return a.store.Account(ctx, userID)
}

// History lists recent ledger entries for a user.
func (a *Adapter) History(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	return a.store.History(ctx, userID, limit)
}

// Close releases the driver resources.
func (a *Adapter) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.users != nil {
		errs = append(errs, a.users.Close())
	}
	return errors.Join(errs...)
}
