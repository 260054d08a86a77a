package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/callbridge/callbridge/internal/database"
	"github.com/callbridge/callbridge/internal/events"
)

// handleTelephonyEvent ingests an asynchronous control-plane event and folds
// it into the session store. Events for bridges that have no session yet get
// 404 so the backend can redeliver after the creating request lands.
func (s *Server) handleTelephonyEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	if errMsg := readJSON(r, &ev); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.reconciler.Apply(r.Context(), ev); err != nil {
		switch {
		case errors.Is(err, events.ErrMissingFields):
			writeError(w, http.StatusBadRequest, "event and bridge_id are required")
		case errors.Is(err, database.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "no session for bridge")
		default:
			slog.Error("telephony event: apply failed", "error", err, "event", ev.Event, "bridge_id", ev.BridgeID)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}
