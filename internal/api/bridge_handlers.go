package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/bridge"
	"github.com/callbridge/callbridge/internal/control"
	"github.com/callbridge/callbridge/internal/database"
	"github.com/callbridge/callbridge/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// createBridgeRequest is the JSON request body for creating a bridge.
type createBridgeRequest struct {
	Target   string            `json:"target"`
	Metadata map[string]string `json:"metadata"`
}

// addParticipantRequest is the JSON request body for adding a participant.
type addParticipantRequest struct {
	Channel string `json:"channel"`
	Role    string `json:"role"`
}

// sessionResponse is the JSON response for a call session.
type sessionResponse struct {
	ID            int64             `json:"id"`
	BridgeID      string            `json:"bridge_id"`
	LinkHash      string            `json:"link_hash"`
	JoinExtension string            `json:"join_extension"`
	Status        string            `json:"status"`
	ServerID      int64             `json:"server_id"`
	CreatorUserID *int64            `json:"creator_user_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

// toSessionResponse converts a models.CallSession to the API response.
func toSessionResponse(s *models.CallSession) sessionResponse {
	return sessionResponse{
		ID:            s.ID,
		BridgeID:      s.BridgeID,
		LinkHash:      s.LinkHash,
		JoinExtension: s.JoinExtension,
		Status:        string(s.Status),
		ServerID:      s.ServerID,
		CreatorUserID: s.CreatorUserID,
		Metadata:      s.Metadata,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     s.UpdatedAt.Format(time.RFC3339),
	}
}

// handleCreateBridge creates a bridge on the caller's backend and returns the
// resulting call session.
func (s *Server) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req createBridgeRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateStringLen("target", req.Target, maxShortStringLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateMetadata("metadata", req.Metadata); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	session, err := s.orchestrator.CreateBridge(r.Context(), userID, req.Target, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrNoActiveBackend):
			writeError(w, http.StatusConflict, "cannot place calls right now")
		case errors.Is(err, database.ErrExtensionsExhausted):
			writeError(w, http.StatusConflict, "no join extensions available")
		case errors.Is(err, bridge.ErrUpstream):
			slog.Error("create bridge: malformed upstream response", "error", err, "user_id", userID)
			writeError(w, http.StatusBadGateway, "telephony backend returned an invalid response")
		default:
			var cpErr *control.ControlPlaneError
			if errors.As(err, &cpErr) {
				slog.Error("create bridge: upstream failure", "error", err, "user_id", userID)
				writeError(w, http.StatusBadGateway, "telephony backend rejected the request")
				return
			}
			slog.Error("create bridge: failed", "error", err, "user_id", userID)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// handleGetBridge proxies live bridge state from the control plane.
func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	bridgeID := chi.URLParam(r, "bridgeID")

	data, err := s.orchestrator.GetBridge(r.Context(), bridgeID)
	if err != nil {
		writeBridgeError(w, "get bridge", bridgeID, err)
		return
	}

	writeJSON(w, http.StatusOK, data)
}

// handleEndBridge terminates a bridge and its session.
func (s *Server) handleEndBridge(w http.ResponseWriter, r *http.Request) {
	bridgeID := chi.URLParam(r, "bridgeID")

	if err := s.orchestrator.EndBridge(r.Context(), bridgeID); err != nil {
		writeBridgeError(w, "end bridge", bridgeID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// handleAddParticipant forwards an add-participant request to the backend.
func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	bridgeID := chi.URLParam(r, "bridgeID")

	var req addParticipantRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("channel", req.Channel, maxShortStringLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateNoControlChars("channel", req.Channel); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	role := models.ParticipantRole(req.Role)
	if req.Role != "" && role != models.RoleInitiator && role != models.RoleParticipant {
		writeError(w, http.StatusBadRequest, "role must be initiator or participant")
		return
	}

	err := s.orchestrator.AddParticipant(r.Context(), bridgeID, req.Channel, role)
	if err != nil {
		if errors.Is(err, bridge.ErrEmptyChannel) {
			writeError(w, http.StatusBadRequest, "channel is required")
			return
		}
		writeBridgeError(w, "add participant", bridgeID, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// writeBridgeError maps orchestrator errors onto HTTP statuses.
func writeBridgeError(w http.ResponseWriter, op, bridgeID string, err error) {
	switch {
	case errors.Is(err, database.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "bridge not found")
	case errors.Is(err, bridge.ErrNoActiveBackend):
		writeError(w, http.StatusConflict, "cannot place calls right now")
	default:
		var cpErr *control.ControlPlaneError
		if errors.As(err, &cpErr) {
			if cpErr.Status == http.StatusNotFound {
				writeError(w, http.StatusNotFound, "bridge not found")
				return
			}
			slog.Error(op+": upstream failure", "error", err, "bridge_id", bridgeID)
			writeError(w, http.StatusBadGateway, "telephony backend rejected the request")
			return
		}
		slog.Error(op+": failed", "error", err, "bridge_id", bridgeID)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
