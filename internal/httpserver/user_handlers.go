package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/creditgate/creditgate/internal/userstore"
)

// requireUser resolves the bearer token to a user or writes the failure
// response and returns nil.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *userstore.User {
	token := bearerToken(r)
	if token == "" {
		s.respondError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return nil
	}
	user, err := s.adapter.UserFromToken(r.Context(), token)
	if err != nil {
		s.respondError(w, authStatus(err), err)
		return nil
	}
	return user
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	status, err := s.adapter.GetUserStatus(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, userstore.ErrUserNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	entries, err := s.adapter.History(r.Context(), user.ID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
