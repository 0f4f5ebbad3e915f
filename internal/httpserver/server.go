// Package httpserver exposes the REST surface of the credits service: the
// generation endpoint, auth endpoints, the user status projection and
// operational endpoints (health, metrics).
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creditgate/creditgate/internal/adapter"
	"github.com/creditgate/creditgate/internal/metrics"
)

// FingerprintHeader carries an optional client-supplied identifier that takes
// precedence over the source IP for anonymous quota accounting.
const FingerprintHeader = "X-Client-Fingerprint"

// Server exposes REST endpoints backed by the storage adapter.
type Server struct {
	adapter *adapter.Adapter

	creditPerGeneration int64
	failOpen            bool

	// streamDelay paces SSE chunks for the typewriter effect; tests set it to
	// zero.
	streamDelay time.Duration

	logger   *log.Logger
	logLevel string
}

// New constructs the HTTP server around an adapter.
func New(a *adapter.Adapter, creditPerGeneration int64, failOpen bool, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if creditPerGeneration <= 0 {
		creditPerGeneration = 1
	}
	return &Server{
		adapter:             a,
		creditPerGeneration: creditPerGeneration,
		failOpen:            failOpen,
		streamDelay:         50 * time.Millisecond,
		logger:              logger,
	}
}

// SetLogger configures the server logger and verbosity.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

// SetStreamDelay overrides the SSE chunk pacing.
func (s *Server) SetStreamDelay(d time.Duration) { s.streamDelay = d }

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() {
		s.logger.Printf(format, args...)
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Route("/api", func(api chi.Router) {
		api.Post("/ai/generate", s.handleGenerate)

		api.Post("/auth/signup", s.handleSignup)
		api.Post("/auth/login", s.handleLogin)
		api.Post("/auth/logout", s.handleLogout)

		api.Get("/user/status", s.handleUserStatus)
		api.Get("/user/history", s.handleUserHistory)
	})

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// countRequests records per-route request counts after the handler completes.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"backend":    string(s.adapter.Backend()),
		"configured": s.adapter.IsConfigured(),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// bearerToken extracts the token from the Authorization header, or "".
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// clientIdentifier resolves the network identifier used for anonymous quota
// accounting. A client fingerprint header wins over the source IP; the IP
// itself prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIdentifier(r *http.Request) string {
	if fp := strings.TrimSpace(r.Header.Get(FingerprintHeader)); fp != "" {
		return "fp:" + fp
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
