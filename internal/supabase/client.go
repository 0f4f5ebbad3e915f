// Package supabase implements the managed storage backend. Ledger operations
// delegate to server-side SQL procedures exposed through the PostgREST RPC
// surface; the procedures run serializably on the server, so the client needs
// no transaction handling of its own. Authentication delegates to the GoTrue
// REST API, which makes this the only backend with a built-in auth capability.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/creditgate/creditgate/internal/ledger"
	"github.com/creditgate/creditgate/internal/userstore"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to one Supabase project.
type Client struct {
	baseURL    *url.URL
	anonKey    string
	serviceKey string
	httpClient HTTPClient
}

// New constructs a Client for the given project URL. anonKey authorizes auth
// calls on behalf of end users; serviceKey authorizes the ledger RPCs, which
// bypass row-level security and must never leave the server process.
func New(baseURL, anonKey, serviceKey string, httpClient HTTPClient) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid supabase URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid supabase URL %q: http or https required", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: parsed, anonKey: anonKey, serviceKey: serviceKey, httpClient: httpClient}, nil
}

type apiError struct {
	Message   string `json:"message"`
	Msg       string `json:"msg"`
	ErrorDesc string `json:"error_description"`
}

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.anonKey)
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var e apiError
		if err := json.Unmarshal(data, &e); err == nil {
			for _, msg := range []string{e.Message, e.Msg, e.ErrorDesc} {
				if strings.TrimSpace(msg) != "" {
					return fmt.Errorf("supabase %s %s: %s", method, path, msg)
				}
			}
		}
		return fmt.Errorf("supabase %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// rpc invokes a PostgREST procedure with the service-role key.
func (c *Client) rpc(ctx context.Context, name string, params, out any) error {
	return c.doJSON(ctx, http.MethodPost, "/rest/v1/rpc/"+name, c.serviceKey, params, out)
}

// DeductCredits implements ledger.Store via the deduct_credits procedure.
func (c *Client) DeductCredits(ctx context.Context, userID string, amount int64, idempotencyKey, description string, metadata map[string]any) (*ledger.DeductResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}
	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	var res ledger.DeductResult
	err := c.rpc(ctx, "deduct_credits", map[string]any{
		"p_user_id":         userID,
		"p_amount":          amount,
		"p_idempotency_key": idempotencyKey,
		"p_description":     description,
		"p_metadata":        metadata,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GrantCredits implements ledger.Store via the grant_credits procedure.
func (c *Client) GrantCredits(ctx context.Context, userID string, amount int64, entryType ledger.EntryType, idempotencyKey, description string) (*ledger.DeductResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}
	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	var res ledger.DeductResult
	err := c.rpc(ctx, "grant_credits", map[string]any{
		"p_user_id":         userID,
		"p_amount":          amount,
		"p_type":            string(entryType),
		"p_idempotency_key": idempotencyKey,
		"p_description":     description,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CheckAnonymousQuota implements ledger.Store via the check_anonymous_quota
// procedure, which performs the conditional upsert server-side.
func (c *Client) CheckAnonymousQuota(ctx context.Context, identifier string) (*ledger.QuotaResult, error) {
	if identifier == "" {
		return nil, fmt.Errorf("identifier required")
	}
	var res ledger.QuotaResult
	err := c.rpc(ctx, "check_anonymous_quota", map[string]any{
		"p_identifier":      identifier,
		"p_identifier_type": "ip",
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Account implements ledger.Store via a PostgREST table read.
func (c *Client) Account(ctx context.Context, userID string) (*ledger.Account, error) {
	var rows []ledger.Account
	path := "/rest/v1/credits?select=user_id,balance,total_earned,total_spent,updated_at&user_id=eq." + url.QueryEscape(userID)
	if err := c.doJSON(ctx, http.MethodGet, path, c.serviceKey, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ledger.ErrNoAccount
	}
	return &rows[0], nil
}

// History implements ledger.Store via a PostgREST table read.
func (c *Client) History(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ledger.Entry
	path := fmt.Sprintf("/rest/v1/credit_ledger?user_id=eq.%s&order=id.desc&limit=%d", url.QueryEscape(userID), limit)
	if err := c.doJSON(ctx, http.MethodGet, path, c.serviceKey, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Close implements ledger.Store. The client holds no pooled resources beyond
// the shared http.Client.
func (c *Client) Close() error { return nil }

// GetUserStatus fetches the user/plan/credits projection via the
// get_user_status procedure.
func (c *Client) GetUserStatus(ctx context.Context, userID string) (*userstore.UserStatus, error) {
	var res struct {
		userstore.UserStatus
		Error string `json:"error"`
	}
	err := c.rpc(ctx, "get_user_status", map[string]any{"p_user_id": userID}, &res)
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, userstore.ErrUserNotFound
	}
	return &res.UserStatus, nil
}

type gotrueUser struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"user_metadata"`
}

type gotrueSession struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    int64      `json:"expires_at"`
	User         gotrueUser `json:"user"`
}

func (u gotrueUser) toUser() userstore.User {
	out := userstore.User{
		ID:        u.ID,
		Email:     u.Email,
		Locale:    "en",
		Timezone:  "UTC",
		CreatedAt: u.CreatedAt,
	}
	if v, ok := u.Metadata["display_name"].(string); ok && v != "" {
		out.DisplayName = v
	} else if at := strings.Index(u.Email, "@"); at > 0 {
		out.DisplayName = u.Email[:at]
	}
	if v, ok := u.Metadata["avatar_url"].(string); ok {
		out.AvatarURL = v
	}
	if v, ok := u.Metadata["locale"].(string); ok && v != "" {
		out.Locale = v
	}
	if v, ok := u.Metadata["timezone"].(string); ok && v != "" {
		out.Timezone = v
	}
	return out
}

// SignUp implements userstore.AuthProvider via the GoTrue signup endpoint.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*userstore.Session, error) {
	if displayName == "" {
		if at := strings.Index(email, "@"); at > 0 {
			displayName = email[:at]
		}
	}
	var sess gotrueSession
	err := c.doJSON(ctx, http.MethodPost, "/auth/v1/signup", "", map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]any{"display_name": displayName},
	}, &sess)
	if err != nil {
		return nil, err
	}
	return sess.toSession(), nil
}

// SignIn implements userstore.AuthProvider via the GoTrue password grant.
func (c *Client) SignIn(ctx context.Context, email, password string) (*userstore.Session, error) {
	var sess gotrueSession
	err := c.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "", map[string]any{
		"email":    email,
		"password": password,
	}, &sess)
	if err != nil {
		return nil, err
	}
	return sess.toSession(), nil
}

// SignOut implements userstore.AuthProvider.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/v1/logout", accessToken, struct{}{}, nil)
}

// UserFromToken implements userstore.AuthProvider.
func (c *Client) UserFromToken(ctx context.Context, accessToken string) (*userstore.User, error) {
	var u gotrueUser
	if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, userstore.ErrUserNotFound
	}
	user := u.toUser()
	return &user, nil
}

func (s gotrueSession) toSession() *userstore.Session {
	return &userstore.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
		User:         s.User.toUser(),
	}
}

var (
	_ ledger.Store           = (*Client)(nil)
	_ userstore.AuthProvider = (*Client)(nil)
)
