package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/database"
)

// tokenRequest is the JSON request body for issuing a client token.
type tokenRequest struct {
	UserID int64  `json:"user_id"`
	Secret string `json:"secret"`
}

// tokenResponse is the JSON response carrying a signed JWT.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	Endpoint  string `json:"endpoint"`
}

// handleIssueToken exchanges a calling identity's secret for a signed JWT.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if errMsg := validateRequiredStringLen("secret", req.Secret, maxShortStringLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	ident, err := s.identities.GetByUserID(r.Context(), req.UserID)
	if err != nil {
		slog.Error("issue token: failed to query identity", "error", err, "user_id", req.UserID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ok, err := database.VerifySecret(req.Secret, ident.SecretHash)
	if err != nil {
		slog.Error("issue token: failed to verify secret", "error", err, "user_id", req.UserID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// The endpoint is live from the client's point of view once it holds a
	// token, so any pending invite of this user learns it now.
	if s.invites != nil {
		if err := s.invites.PublishEndpoint(r.Context(), ident.UserID, ident.Endpoint); err != nil {
			slog.Warn("issue token: publishing endpoint failed", "error", err, "user_id", ident.UserID)
		}
	}

	token, expiresAt, err := middleware.GenerateToken(s.jwtSecret, ident.UserID, ident.Endpoint)
	if err != nil {
		slog.Error("issue token: failed to sign", "error", err, "user_id", req.UserID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
		Endpoint:  ident.Endpoint,
	})
}
