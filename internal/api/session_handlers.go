package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/callbridge/callbridge/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// participantResponse is the JSON response for one participant leg.
type participantResponse struct {
	ID        int64             `json:"id"`
	SessionID int64             `json:"session_id"`
	UserID    *int64            `json:"user_id,omitempty"`
	Endpoint  string            `json:"endpoint"`
	Role      string            `json:"role"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	JoinedAt  *string           `json:"joined_at,omitempty"`
	LeftAt    *string           `json:"left_at,omitempty"`
}

// toParticipantResponse converts a models.CallSessionParticipant to the API response.
func toParticipantResponse(p *models.CallSessionParticipant) participantResponse {
	resp := participantResponse{
		ID:        p.ID,
		SessionID: p.SessionID,
		UserID:    p.UserID,
		Endpoint:  p.Endpoint,
		Role:      string(p.Role),
		Status:    string(p.Status),
		Metadata:  p.Metadata,
	}
	if p.JoinedAt != nil {
		v := p.JoinedAt.Format(time.RFC3339)
		resp.JoinedAt = &v
	}
	if p.LeftAt != nil {
		v := p.LeftAt.Format(time.RFC3339)
		resp.LeftAt = &v
	}
	return resp
}

// handleGetSession returns a call session by ID.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := s.sessions.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("get session: failed to query", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// handleListParticipants returns all participant legs for a session.
func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	session, err := s.sessions.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("list participants: failed to query session", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	participants, err := s.sessions.ListParticipants(r.Context(), id)
	if err != nil {
		slog.Error("list participants: failed to query", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]participantResponse, len(participants))
	for i := range participants {
		items[i] = toParticipantResponse(&participants[i])
	}

	writeJSON(w, http.StatusOK, items)
}

// handleGetSessionByExtension resolves a session from its join extension.
func (s *Server) handleGetSessionByExtension(w http.ResponseWriter, r *http.Request) {
	extension := chi.URLParam(r, "extension")
	if errMsg := validateRequiredStringLen("extension", extension, maxShortStringLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	session, err := s.sessions.GetByExtension(r.Context(), extension)
	if err != nil {
		slog.Error("get session by extension: failed to query", "error", err, "extension", extension)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// handleGetSessionByLink resolves a session from its shareable link hash.
func (s *Server) handleGetSessionByLink(w http.ResponseWriter, r *http.Request) {
	linkHash := chi.URLParam(r, "linkHash")
	if errMsg := validateRequiredStringLen("link hash", linkHash, maxShortStringLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	session, err := s.sessions.GetByLinkHash(r.Context(), linkHash)
	if err != nil {
		slog.Error("get session by link: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}
