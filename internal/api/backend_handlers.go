package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/callbridge/callbridge/internal/database/models"
	"github.com/go-chi/chi/v5"
)

// backendRequest is the JSON request body for creating/updating a backend
// telephony server.
type backendRequest struct {
	Name       string `json:"name"`
	ControlURL string `json:"control_url"`
	APIKey     string `json:"api_key"`
	Enabled    *bool  `json:"enabled"`
}

// backendResponse is the JSON response for a single backend server. The API
// key is never returned.
type backendResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	ControlURL string `json:"control_url"`
	Enabled    bool   `json:"enabled"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func toBackendResponse(srv *models.TelephonyServer) backendResponse {
	return backendResponse{
		ID:         srv.ID,
		Name:       srv.Name,
		ControlURL: srv.ControlURL,
		Enabled:    srv.Enabled,
		CreatedAt:  srv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  srv.UpdatedAt.Format(time.RFC3339),
	}
}

// validateBackendRequest checks required fields for a backend create/update.
func validateBackendRequest(req backendRequest) string {
	if errMsg := validateRequiredStringLen("name", req.Name, maxShortStringLen); errMsg != "" {
		return errMsg
	}
	if req.ControlURL == "" {
		return "control_url is required"
	}
	u, err := url.Parse(req.ControlURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "control_url must be an http or https url"
	}
	if errMsg := validateStringLen("api_key", req.APIKey, maxShortStringLen); errMsg != "" {
		return errMsg
	}
	return ""
}

// handleListBackends returns all backend servers.
func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	servers, err := s.servers.List(r.Context())
	if err != nil {
		slog.Error("list backends: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]backendResponse, len(servers))
	for i := range servers {
		all[i] = toBackendResponse(&servers[i])
	}
	writeJSON(w, http.StatusOK, all)
}

// handleCreateBackend registers a new backend server.
func (s *Server) handleCreateBackend(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateBackendRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	srv := &models.TelephonyServer{
		Name:       req.Name,
		ControlURL: req.ControlURL,
		APIKey:     req.APIKey,
		Enabled:    enabled,
	}
	if err := s.servers.Create(r.Context(), srv); err != nil {
		slog.Error("create backend: failed to insert", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.servers.GetByID(r.Context(), srv.ID)
	if err != nil || created == nil {
		slog.Error("create backend: failed to re-fetch", "error", err, "server_id", srv.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("backend created", "server_id", created.ID, "name", created.Name)
	writeJSON(w, http.StatusCreated, toBackendResponse(created))
}

// handleGetBackend returns a single backend server by ID.
func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	id, err := parseBackendID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	srv, err := s.servers.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("get backend: failed to query", "error", err, "server_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if srv == nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	writeJSON(w, http.StatusOK, toBackendResponse(srv))
}

// handleUpdateBackend updates an existing backend server. A blank api_key
// keeps the stored one.
func (s *Server) handleUpdateBackend(w http.ResponseWriter, r *http.Request) {
	id, err := parseBackendID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	existing, err := s.servers.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("update backend: failed to query", "error", err, "server_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	var req backendRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateBackendRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	existing.Name = req.Name
	existing.ControlURL = req.ControlURL
	if req.APIKey != "" {
		existing.APIKey = req.APIKey
	}
	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}

	if err := s.servers.Update(r.Context(), existing); err != nil {
		slog.Error("update backend: failed to update", "error", err, "server_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.servers.GetByID(r.Context(), id)
	if err != nil || updated == nil {
		slog.Error("update backend: failed to re-fetch", "error", err, "server_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("backend updated", "server_id", id, "name", updated.Name, "enabled", updated.Enabled)
	writeJSON(w, http.StatusOK, toBackendResponse(updated))
}

// handleDeleteBackend removes a backend server.
func (s *Server) handleDeleteBackend(w http.ResponseWriter, r *http.Request) {
	id, err := parseBackendID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	existing, err := s.servers.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("delete backend: failed to query", "error", err, "server_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	if err := s.servers.Delete(r.Context(), id); err != nil {
		slog.Error("delete backend: failed to delete", "error", err, "server_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("backend deleted", "server_id", id, "name", existing.Name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// registrationRequest records an active signaling registration on a backend.
type registrationRequest struct {
	UserID     int64  `json:"user_id"`
	Endpoint   string `json:"endpoint"`
	ContactURI string `json:"contact_uri"`
	UserAgent  string `json:"user_agent"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// registrationResponse is the JSON response for a recorded registration.
type registrationResponse struct {
	ID        int64   `json:"id"`
	UserID    int64   `json:"user_id"`
	ServerID  int64   `json:"server_id"`
	Endpoint  string  `json:"endpoint"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

// handleCreateRegistration records that a user's signaling client is live on
// a backend, which is what makes the user routable for bridge creation.
func (s *Server) handleCreateRegistration(w http.ResponseWriter, r *http.Request) {
	serverID, err := parseBackendID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	srv, err := s.servers.GetByID(r.Context(), serverID)
	if err != nil {
		slog.Error("create registration: failed to query server", "error", err, "server_id", serverID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if srv == nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	var req registrationRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if errMsg := validateRequiredStringLen("endpoint", req.Endpoint, maxShortStringLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must be non-negative")
		return
	}

	reg := &models.ClientRegistration{
		UserID:     req.UserID,
		ServerID:   serverID,
		Endpoint:   req.Endpoint,
		ContactURI: req.ContactURI,
		UserAgent:  req.UserAgent,
		Active:     true,
	}
	if req.TTLSeconds > 0 {
		expires := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		reg.Expires = &expires
	}

	if err := s.registrations.Create(r.Context(), reg); err != nil {
		slog.Error("create registration: failed to insert", "error", err, "user_id", req.UserID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("registration recorded",
		"registration_id", reg.ID,
		"user_id", reg.UserID,
		"server_id", serverID,
		"endpoint", reg.Endpoint,
	)

	resp := registrationResponse{
		ID:       reg.ID,
		UserID:   reg.UserID,
		ServerID: reg.ServerID,
		Endpoint: reg.Endpoint,
	}
	if reg.Expires != nil {
		v := reg.Expires.Format(time.RFC3339)
		resp.ExpiresAt = &v
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleDeactivateRegistration marks a registration inactive, taking the
// user's client out of backend resolution.
func (s *Server) handleDeactivateRegistration(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "registrationID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid registration id")
		return
	}

	if err := s.registrations.Deactivate(r.Context(), id); err != nil {
		slog.Error("deactivate registration: failed", "error", err, "registration_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("registration deactivated", "registration_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// parseBackendID extracts and parses the server ID from the URL parameter.
func parseBackendID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "serverID"), 10, 64)
}
