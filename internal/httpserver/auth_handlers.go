package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/creditgate/creditgate/internal/userstore"
)

type signupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func sessionPayload(sess *userstore.Session) map[string]any {
	return map[string]any{
		"access_token":  sess.AccessToken,
		"refresh_token": sess.RefreshToken,
		"expires_at":    sess.ExpiresAt,
		"user": map[string]any{
			"id":           sess.User.ID,
			"email":        sess.User.Email,
			"display_name": sess.User.DisplayName,
		},
	}
}

// authStatus maps auth-layer failures to HTTP statuses. Backends without an
// auth capability answer 503 rather than pretending the endpoint exists.
func authStatus(err error) int {
	if errors.Is(err, userstore.ErrAuthNotSupported) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}
	sess, err := s.adapter.SignUp(r.Context(), req.Email, req.Password, strings.TrimSpace(req.DisplayName))
	if err != nil {
		if errors.Is(err, userstore.ErrAuthNotSupported) {
			s.respondError(w, http.StatusServiceUnavailable, err)
			return
		}
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, sessionPayload(sess))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}
	sess, err := s.adapter.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondError(w, authStatus(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.respondError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return
	}
	if err := s.adapter.SignOut(r.Context(), token); err != nil {
		s.respondError(w, authStatus(err), err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
