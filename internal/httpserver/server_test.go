package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/creditgate/creditgate/internal/adapter"
	"github.com/creditgate/creditgate/internal/ledger"
	"github.com/creditgate/creditgate/internal/ledger/memory"
	"github.com/creditgate/creditgate/internal/userstore"
)

// fakeAuth is a minimal in-process auth provider: tokens are "tok-<userID>".
type fakeAuth struct {
	users map[string]*userstore.User
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{users: make(map[string]*userstore.User)}
}

func (f *fakeAuth) SignUp(ctx context.Context, email, password, displayName string) (*userstore.Session, error) {
	id := "user-" + strings.SplitN(email, "@", 2)[0]
	u := &userstore.User{ID: id, Email: email, DisplayName: displayName, CreatedAt: time.Now().UTC()}
	f.users[id] = u
	return &userstore.Session{AccessToken: "tok-" + id, User: *u}, nil
}

func (f *fakeAuth) SignIn(ctx context.Context, email, password string) (*userstore.Session, error) {
	for _, u := range f.users {
		if u.Email == email {
			return &userstore.Session{AccessToken: "tok-" + u.ID, User: *u}, nil
		}
	}
	return nil, errors.New("invalid credentials")
}

func (f *fakeAuth) SignOut(ctx context.Context, accessToken string) error { return nil }

func (f *fakeAuth) UserFromToken(ctx context.Context, accessToken string) (*userstore.User, error) {
	id := strings.TrimPrefix(accessToken, "tok-")
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, userstore.ErrUserNotFound
}

func newTestServer(t *testing.T, quota int64, auth userstore.AuthProvider) (*Server, *adapter.Adapter) {
	t.Helper()
	logger := log.New(testWriter{t}, "", 0)
	store := ledger.NewEngine(memory.New(), ledger.EngineOptions{AnonymousDailyLimit: quota, Logger: logger})
	a := adapter.NewWithStore(store, auth, nil, 10, logger)
	t.Cleanup(func() { _ = a.Close() })

	srv := New(a, 1, false, logger)
	srv.SetStreamDelay(0)
	return srv, a
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimSpace(p))
	return len(p), nil
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "203.0.113.7:1234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// sseEvents parses the data: payloads out of an SSE body.
func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestGenerateValidation(t *testing.T) {
	srv, _ := newTestServer(t, 3, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/ai/generate", map[string]any{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing text: expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Text is required") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	long := strings.Repeat("a", 101)
	rec = doJSON(t, router, http.MethodPost, "/api/ai/generate", map[string]any{"text": long}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("long text: expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "too long") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestAnonymousGenerateWithinQuota(t *testing.T) {
	srv, _ := newTestServer(t, 2, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/ai/generate", map[string]any{"text": "cat"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := sseEvents(t, rec.Body.String())
	if len(events) < 2 {
		t.Fatalf("expected chunk + done events, got %d", len(events))
	}
	done := events[len(events)-1]
	if done["type"] != "done" || done["content"] != "🐱" {
		t.Fatalf("unexpected done event %+v", done)
	}
	if done["anonymous"] != true {
		t.Fatalf("expected anonymous done event, got %+v", done)
	}
	quota, ok := done["quota"].(map[string]any)
	if !ok {
		t.Fatalf("missing quota payload in %+v", done)
	}
	if quota["usage_count"] != float64(1) || quota["remaining"] != float64(1) || quota["daily_limit"] != float64(2) {
		t.Fatalf("unexpected quota payload %+v", quota)
	}
}

func TestAnonymousQuotaExhausted(t *testing.T) {
	srv, _ := newTestServer(t, 2, nil)
	router := srv.Router()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodPost, "/api/ai/generate", map[string]any{"text": "dog"}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := doJSON(t, router, http.MethodPost, "/api/ai/generate", map[string]any{"text": "dog"}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal 429 body: %v", err)
	}
	if body["error"] != "Daily quota exceeded" {
		t.Fatalf("unexpected error %v", body["error"])
	}
	quota, ok := body["quota"].(map[string]any)
	if !ok {
		t.Fatalf("missing quota payload in %+v", body)
	}
	if quota["usage_count"] != float64(3) || quota["daily_limit"] != float64(2) || quota["allowed"] != false {
		t.Fatalf("unexpected 429 quota %+v", quota)
	}
}

func TestFingerprintSeparatesQuotas(t *testing.T) {
	srv, _ := newTestServer(t, 1, nil)
	router := srv.Router()

	first := doJSON(t, router, http.MethodPost, "/api/ai/generate",
		map[string]any{"text": "sun"}, map[string]string{FingerprintHeader: "device-a"})
	if first.Code != http.StatusOK {
		t.Fatalf("device-a: expected 200, got %d", first.Code)
	}
	blocked := doJSON(t, router, http.MethodPost, "/api/ai/generate",
		map[string]any{"text": "sun"}, map[string]string{FingerprintHeader: "device-a"})
	if blocked.Code != http.StatusTooManyRequests {
		t.Fatalf("device-a second call: expected 429, got %d", blocked.Code)
	}
	other := doJSON(t, router, http.MethodPost, "/api/ai/generate",
		map[string]any{"text": "sun"}, map[string]string{FingerprintHeader: "device-b"})
	if other.Code != http.StatusOK {
		t.Fatalf("device-b: expected 200, got %d", other.Code)
	}
}

func TestAuthenticatedGenerateDeductsCredits(t *testing.T) {
	auth := newFakeAuth()
	srv, a := newTestServer(t, 3, auth)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/auth/signup",
		map[string]any{"email": "alice@example.com", "password": "pw"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var sess map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	token, _ := sess["access_token"].(string)
	if token == "" {
		t.Fatalf("no access token in %+v", sess)
	}

	// Signup granted the initial credits.
	acct, err := a.Account(context.Background(), "user-alice")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.Balance != 10 {
		t.Fatalf("expected signup grant of 10, got %d", acct.Balance)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/ai/generate",
		map[string]any{"text": "cat", "idempotencyKey": "gen-1"},
		map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("generate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	events := sseEvents(t, rec.Body.String())
	done := events[len(events)-1]
	if done["anonymous"] != false {
		t.Fatalf("unexpected done event %+v", done)
	}
	credits, ok := done["credits"].(map[string]any)
	if !ok {
		t.Fatalf("missing credits payload in %+v", done)
	}
	if credits["balance"] != float64(9) || credits["deducted"] != float64(1) || credits["idempotent"] != false {
		t.Fatalf("unexpected credits payload %+v", credits)
	}

	// Retried request with the same key replays without charging twice.
	rec = doJSON(t, router, http.MethodPost, "/api/ai/generate",
		map[string]any{"text": "cat", "idempotencyKey": "gen-1"},
		map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", rec.Code)
	}
	events = sseEvents(t, rec.Body.String())
	done = events[len(events)-1]
	if credits, ok := done["credits"].(map[string]any); !ok || credits["idempotent"] != true || credits["deducted"] != float64(0) {
		t.Fatalf("replay should report idempotent zero-deduction, got %+v", done)
	}
	acct, err = a.Account(context.Background(), "user-alice")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.Balance != 9 {
		t.Fatalf("replay must not charge again, balance %d", acct.Balance)
	}
}

func TestAuthenticatedGenerateInsufficient(t *testing.T) {
	auth := newFakeAuth()
	srv, _ := newTestServer(t, 3, auth)
	router := srv.Router()

	// Registered directly against the fake so no signup grant exists.
	sess, err := auth.SignUp(context.Background(), "broke@example.com", "pw", "")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/ai/generate",
		map[string]any{"text": "cat"},
		map[string]string{"Authorization": "Bearer " + sess.AccessToken})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Insufficient credits") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestAuthEndpointsUnsupportedBackend(t *testing.T) {
	srv, _ := newTestServer(t, 3, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/auth/signup",
		map[string]any{"email": "a@b.c", "password": "pw"}, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("signup: expected 503, got %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/api/auth/login",
		map[string]any{"email": "a@b.c", "password": "pw"}, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("login: expected 503, got %d", rec.Code)
	}
}

func TestUserStatusRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, 3, nil)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/user/status", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUserStatusAndHistory(t *testing.T) {
	auth := newFakeAuth()
	srv, a := newTestServer(t, 3, auth)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/auth/signup",
		map[string]any{"email": "bob@example.com", "password": "pw"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d", rec.Code)
	}
	if _, err := a.DeductCredits(context.Background(), "user-bob", 2, "d1", "spend", nil); err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}

	header := map[string]string{"Authorization": "Bearer tok-user-bob"}
	rec = doJSON(t, router, http.MethodGet, "/api/user/status", nil, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var status userstore.UserStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Credits.Balance != 8 || status.Plan.Slug != "free" {
		t.Fatalf("unexpected status %+v", status)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/user/history?limit=1", nil, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	var hist struct {
		Entries []ledger.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist.Entries) != 1 || hist.Entries[0].Type != ledger.TypeDeduction {
		t.Fatalf("unexpected history %+v", hist.Entries)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, 3, nil)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" || body["backend"] != "memory" {
		t.Fatalf("unexpected health payload %+v", body)
	}
}
