package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/creditgate/creditgate/internal/emoji"
	"github.com/creditgate/creditgate/internal/ledger"
	"github.com/creditgate/creditgate/internal/userstore"
)

const maxGenerateTextLen = 100

type generateRequest struct {
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// streamMeta carries the accounting outcome into the done event. Exactly one
// of quota/credits is set unless the request ran degraded.
type streamMeta struct {
	anonymous bool
	degraded  bool
	quota     *ledger.QuotaResult
	credits   map[string]any
}

// handleGenerate serves POST /api/ai/generate. Anonymous callers consume the
// per-identifier daily quota; authenticated callers pay credits through the
// ledger. The generated emoji is streamed as SSE chunks followed by a done
// event.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.Text == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("Text is required"))
		return
	}
	if len([]rune(req.Text)) > maxGenerateTextLen {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("Text is too long (max %d characters)", maxGenerateTextLen))
		return
	}

	user := s.resolveUser(r)
	var meta streamMeta
	if user == nil {
		if !s.checkAnonymous(w, r, &meta) {
			return
		}
	} else {
		if !s.deductForUser(w, r, user, req.IdempotencyKey, &meta) {
			return
		}
	}

	s.streamEmoji(w, r, emoji.Lookup(req.Text), meta)
}

// resolveUser returns the authenticated user, or nil for anonymous callers.
// An invalid or unverifiable token degrades to anonymous rather than failing
// the request; the quota path still applies.
func (s *Server) resolveUser(r *http.Request) *userstore.User {
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	user, err := s.adapter.UserFromToken(r.Context(), token)
	if err != nil {
		if !errors.Is(err, userstore.ErrAuthNotSupported) {
			s.debugf("generate: token rejected: %v", err)
		}
		return nil
	}
	return user
}

func (s *Server) checkAnonymous(w http.ResponseWriter, r *http.Request, meta *streamMeta) bool {
	meta.anonymous = true
	identifier := clientIdentifier(r)
	quota, err := s.adapter.CheckAnonymousQuota(r.Context(), identifier)
	if err != nil {
		if !s.failOpen {
			s.respondError(w, http.StatusServiceUnavailable, errors.New("quota check unavailable"))
			return false
		}
		// Outcome unknown: allow the request, nothing was recorded.
		s.logger.Printf("generate: quota check failed identifier=%s: %v", identifier, err)
		meta.degraded = true
		return true
	}
	if !quota.Allowed {
		s.respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "Daily quota exceeded",
			"quota": quota,
		})
		return false
	}
	meta.quota = quota
	return true
}

func (s *Server) deductForUser(w http.ResponseWriter, r *http.Request, user *userstore.User, idempotencyKey string, meta *streamMeta) bool {
	res, err := s.adapter.DeductCredits(r.Context(), user.ID, s.creditPerGeneration, idempotencyKey,
		"Emoji generation", map[string]any{"route": "/api/ai/generate"})
	if err != nil {
		// Indeterminate outcome. Fail open serves the request without a
		// confirmed deduction; the idempotency key keeps a retry safe.
		if !s.failOpen {
			s.respondError(w, http.StatusServiceUnavailable, errors.New("credits service unavailable"))
			return false
		}
		s.logger.Printf("generate: deduction failed user=%s: %v", user.ID, err)
		meta.degraded = true
		return true
	}
	if !res.Success {
		errMsg := res.Error
		if errMsg == "" {
			errMsg = ledger.ErrInsufficientCredits.Error()
		}
		s.respondJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   errMsg,
			"balance": res.BalanceAfter,
		})
		return false
	}
	deducted := s.creditPerGeneration
	if res.Idempotent {
		deducted = 0
	}
	meta.credits = map[string]any{
		"balance":    res.BalanceAfter,
		"deducted":   deducted,
		"idempotent": res.Idempotent,
	}
	return true
}

// streamEmoji writes the result as SSE: one chunk event per rune, then a done
// event carrying the full string and accounting metadata.
func (s *Server) streamEmoji(w http.ResponseWriter, r *http.Request, result string, meta streamMeta) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	writeEvent := func(payload map[string]any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, ch := range result {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.streamDelay):
		}
		writeEvent(map[string]any{"type": "chunk", "content": string(ch)})
	}

	done := map[string]any{
		"type":      "done",
		"content":   result,
		"anonymous": meta.anonymous,
	}
	if meta.degraded {
		done["degraded"] = true
	}
	if meta.quota != nil {
		done["quota"] = meta.quota
	}
	if meta.credits != nil {
		done["credits"] = meta.credits
	}
	writeEvent(done)
}
