package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/callbridge/callbridge/internal/bridge"
	"github.com/callbridge/callbridge/internal/database"
	"github.com/callbridge/callbridge/internal/database/models"
)

// ErrMissingFields is returned when an event lacks its event name or bridge id.
var ErrMissingFields = errors.New("event and bridge_id are required")

// Event is an asynchronous notification from the telephony control plane.
// Endpoint, Caller and UniqueID are alternative ways upstream identifies the
// affected media leg; the first non-empty one wins.
type Event struct {
	Event    string            `json:"event"`
	BridgeID string            `json:"bridge_id"`
	Endpoint string            `json:"endpoint"`
	Caller   string            `json:"caller"`
	UniqueID string            `json:"uniqueid"`
	UserID   *int64            `json:"user_id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// leg returns the first non-empty leg identifier from the payload.
func (e *Event) leg() string {
	switch {
	case e.Endpoint != "":
		return e.Endpoint
	case e.Caller != "":
		return e.Caller
	default:
		return e.UniqueID
	}
}

// Reconciler folds asynchronous control-plane events into the session store.
// It is the sole writer of transitions triggered by remote events; transitions
// triggered by local caller actions belong to the bridge orchestrator.
//
// The reconciler never fabricates sessions: an event for an unknown bridge is
// rejected with ErrSessionNotFound, because sessions are always created by the
// orchestrator first. Callers that can observe events before the creating
// request's response must tolerate the transient not-found and retry or drop.
type Reconciler struct {
	sessions database.SessionRepository
	mirror   *bridge.Mirror
}

// NewReconciler creates an event reconciler over the session store. mirror
// may be nil; when set, the in-memory bridge cache is kept in step with the
// reconciled events so it neither stales nor grows without bound.
func NewReconciler(sessions database.SessionRepository, mirror *bridge.Mirror) *Reconciler {
	return &Reconciler{sessions: sessions, mirror: mirror}
}

// Apply validates an event and applies its transition to the session store.
// Unrecognized events are logged and ignored so new control-plane vocabulary
// does not break ingestion.
func (r *Reconciler) Apply(ctx context.Context, ev Event) error {
	if ev.Event == "" || ev.BridgeID == "" {
		return ErrMissingFields
	}

	session, err := r.sessions.GetByBridgeID(ctx, ev.BridgeID)
	if err != nil {
		return fmt.Errorf("looking up session for bridge %s: %w", ev.BridgeID, err)
	}
	if session == nil {
		return database.ErrSessionNotFound
	}

	switch ev.Event {
	case "bridge_join", "participant_joined":
		status := models.ParticipantJoined
		if ev.Status != "" {
			status = models.ParticipantStatus(ev.Status)
		}
		if _, err := r.sessions.UpsertParticipant(ctx, database.UpsertParticipantParams{
			SessionID: session.ID,
			UserID:    ev.UserID,
			Endpoint:  ev.leg(),
			Status:    status,
			Metadata:  ev.Metadata,
		}); err != nil {
			return fmt.Errorf("recording join on session %d: %w", session.ID, err)
		}
		if err := r.sessions.UpdateStatus(ctx, session.ID, models.SessionActive); err != nil {
			return fmt.Errorf("activating session %d: %w", session.ID, err)
		}
		r.mirrorParticipant(ev, status)
		if r.mirror != nil {
			r.mirror.UpdateStatus(ev.BridgeID, models.SessionActive)
		}

	case "participant_left", "bridge_left":
		if _, err := r.sessions.UpsertParticipant(ctx, database.UpsertParticipantParams{
			SessionID: session.ID,
			UserID:    ev.UserID,
			Endpoint:  ev.leg(),
			Status:    models.ParticipantLeft,
			Metadata:  ev.Metadata,
		}); err != nil {
			return fmt.Errorf("recording departure on session %d: %w", session.ID, err)
		}
		r.mirrorParticipant(ev, models.ParticipantLeft)

	case "bridge_completed":
		if err := r.sessions.UpdateStatus(ctx, session.ID, models.SessionCompleted); err != nil {
			return fmt.Errorf("completing session %d: %w", session.ID, err)
		}
		r.evictMirror(ev.BridgeID)

	case "bridge_failed":
		if err := r.sessions.UpdateStatus(ctx, session.ID, models.SessionFailed); err != nil {
			return fmt.Errorf("failing session %d: %w", session.ID, err)
		}
		r.evictMirror(ev.BridgeID)

	default:
		slog.Warn("ignoring unrecognized telephony event",
			"event", ev.Event,
			"bridge_id", ev.BridgeID,
		)
	}

	return nil
}

// mirrorParticipant updates the cached participant leg for an event.
func (r *Reconciler) mirrorParticipant(ev Event, status models.ParticipantStatus) {
	if r.mirror == nil {
		return
	}
	legType := bridge.ParticipantExternal
	if ev.UserID != nil {
		legType = bridge.ParticipantUser
	}
	r.mirror.UpsertParticipant(ev.BridgeID, bridge.ParticipantRecord{
		Endpoint: ev.leg(),
		Type:     legType,
		Role:     models.RoleParticipant,
		Status:   status,
	})
}

// evictMirror drops a bridge's cache entry on a terminal transition.
func (r *Reconciler) evictMirror(bridgeID string) {
	if r.mirror != nil {
		r.mirror.Remove(bridgeID)
	}
}
