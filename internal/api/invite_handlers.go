package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/database/models"
	"github.com/callbridge/callbridge/internal/invite"
	"github.com/go-chi/chi/v5"
)

// inviteResponse is the JSON response for an invite's pairing state.
type inviteResponse struct {
	Token           string  `json:"token"`
	Status          string  `json:"status"`
	CreatorUserID   int64   `json:"creator_user_id"`
	PartnerEndpoint string  `json:"partner_endpoint,omitempty"`
	ReadyToCall     bool    `json:"ready_to_call"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// toInviteResponse converts a pairing result to the API response.
func toInviteResponse(res *invite.JoinResult) inviteResponse {
	inv := res.Invite
	resp := inviteResponse{
		Token:           inv.Token,
		Status:          string(inv.Status),
		CreatorUserID:   inv.CreatorUserID,
		PartnerEndpoint: res.PartnerEndpoint,
		ReadyToCall:     res.ReadyToCall,
		CreatedAt:       inv.CreatedAt.Format(time.RFC3339),
	}
	if inv.ExpiresAt != nil {
		v := inv.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &v
	}
	return resp
}

// toNewInviteResponse builds the response for a freshly created invite, before
// any joiner exists.
func toNewInviteResponse(inv *models.InviteLink) inviteResponse {
	return toInviteResponse(&invite.JoinResult{Invite: inv})
}

// handleCreateInvite mints (or reuses) the caller's active invite.
func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	inv, err := s.invites.Create(r.Context(), userID)
	if err != nil {
		slog.Error("create invite: failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, toNewInviteResponse(inv))
}

// handleInviteInfo returns the caller-relative pairing state for a token.
func (s *Server) handleInviteInfo(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	token := chi.URLParam(r, "token")

	res, err := s.invites.Info(r.Context(), token, userID)
	if err != nil {
		writeInviteError(w, "invite info", err)
		return
	}

	writeJSON(w, http.StatusOK, toInviteResponse(res))
}

// handleJoinInvite attaches the caller to an invite as the joining side.
func (s *Server) handleJoinInvite(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	token := chi.URLParam(r, "token")

	res, err := s.invites.Join(r.Context(), token, userID)
	if err != nil {
		writeInviteError(w, "join invite", err)
		return
	}

	writeJSON(w, http.StatusOK, toInviteResponse(res))
}

// handleCompleteInvite marks a pairing consummated.
func (s *Server) handleCompleteInvite(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	token := chi.URLParam(r, "token")

	if err := s.invites.Complete(r.Context(), token, userID); err != nil {
		writeInviteError(w, "complete invite", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// handleCancelInvite cancels the caller's invite.
func (s *Server) handleCancelInvite(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	token := chi.URLParam(r, "token")

	if err := s.invites.Cancel(r.Context(), token, userID); err != nil {
		writeInviteError(w, "cancel invite", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// writeInviteError maps invite service errors onto HTTP statuses.
func writeInviteError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, invite.ErrNotFound):
		writeError(w, http.StatusNotFound, "invite not found")
	case errors.Is(err, invite.ErrInviteNotJoinable):
		writeError(w, http.StatusConflict, "invite is not joinable")
	case errors.Is(err, invite.ErrNotCreator), errors.Is(err, invite.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not allowed")
	default:
		slog.Error(op+": failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
