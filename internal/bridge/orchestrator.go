package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/callbridge/callbridge/internal/control"
	"github.com/callbridge/callbridge/internal/database"
	"github.com/callbridge/callbridge/internal/database/models"
)

// ErrNoActiveBackend indicates the creating user has no usable backend
// association. Surfaced to callers as "cannot place calls right now",
// never as an internal error, and never retried automatically.
var ErrNoActiveBackend = errors.New("user has no active telephony backend")

// ErrUpstream indicates the control plane accepted a request but returned a
// malformed success, such as a bridge-create response with no bridge id.
// Treated as a fatal integration fault, not retried.
var ErrUpstream = errors.New("control plane returned malformed response")

// ErrEmptyChannel is returned when AddParticipant is called without a channel.
var ErrEmptyChannel = errors.New("channel identifier is required")

// ControlClient is the control-plane surface the orchestrator depends on.
// Satisfied by *control.Adapter.
type ControlClient interface {
	ResolveServerForUser(ctx context.Context, userID int64) (*models.TelephonyServer, error)
	InvokeOn(ctx context.Context, srv *models.TelephonyServer, method, path string, body any) (*control.Result, error)
}

// Orchestrator drives bridge lifecycle on the external control plane and is
// the sole writer of session transitions triggered by local caller actions.
// Transitions triggered by asynchronous control-plane events belong to the
// event reconciler, a deliberately separate write path.
type Orchestrator struct {
	ctrl     ControlClient
	sessions database.SessionRepository
	servers  database.ServerRepository
	mirror   *Mirror
}

// NewOrchestrator creates a bridge orchestrator.
func NewOrchestrator(ctrl ControlClient, sessions database.SessionRepository, servers database.ServerRepository, mirror *Mirror) *Orchestrator {
	return &Orchestrator{
		ctrl:     ctrl,
		sessions: sessions,
		servers:  servers,
		mirror:   mirror,
	}
}

// createBridgeResponse is the control plane's POST /bridges payload.
type createBridgeResponse struct {
	Bridge struct {
		ID string `json:"id"`
	} `json:"bridge"`
	Participants []struct {
		Endpoint string `json:"endpoint"`
		Type     string `json:"type"`
	} `json:"participants"`
}

// CreateBridge creates a bridge on the creator's backend and the matching
// call session. Idempotent on the session side: if a session already exists
// for the returned bridge id it is reused rather than duplicated.
func (o *Orchestrator) CreateBridge(ctx context.Context, creatorUserID int64, target string, metadata map[string]string) (*models.CallSession, error) {
	srv, err := o.ctrl.ResolveServerForUser(ctx, creatorUserID)
	if err != nil {
		if errors.Is(err, control.ErrNoServer) {
			return nil, ErrNoActiveBackend
		}
		return nil, fmt.Errorf("resolving backend for user %d: %w", creatorUserID, err)
	}

	body := map[string]any{}
	if target != "" {
		body["target"] = target
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	res, err := o.ctrl.InvokeOn(ctx, srv, http.MethodPost, "/bridges", body)
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	var created createBridgeResponse
	if res.Data != nil {
		if err := json.Unmarshal(res.Data, &created); err != nil {
			return nil, fmt.Errorf("%w: decoding bridge response: %v", ErrUpstream, err)
		}
	}
	if created.Bridge.ID == "" {
		return nil, fmt.Errorf("%w: missing bridge id", ErrUpstream)
	}

	session, err := o.sessions.GetByBridgeID(ctx, created.Bridge.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up session for bridge %s: %w", created.Bridge.ID, err)
	}
	if session == nil {
		session, err = o.sessions.Create(ctx, database.CreateSessionParams{
			BridgeID:      created.Bridge.ID,
			ServerID:      srv.ID,
			CreatorUserID: &creatorUserID,
			Target:        target,
			Metadata:      metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("creating session for bridge %s: %w", created.Bridge.ID, err)
		}
	}

	if o.mirror != nil {
		o.mirror.Put(Record{
			BridgeID:  created.Bridge.ID,
			CreatorID: creatorUserID,
			Status:    session.Status,
		})
	}

	slog.Info("bridge created",
		"bridge_id", created.Bridge.ID,
		"session_id", session.ID,
		"server", srv.Name,
		"join_extension", session.JoinExtension,
	)

	return session, nil
}

// AddParticipant forwards an add-to-bridge request to the control plane.
// It deliberately does not touch the session store: participant state is
// written only by the event reconciler once the control plane confirms
// asynchronously, so local requests and reconciled truth never race through
// two write paths.
func (o *Orchestrator) AddParticipant(ctx context.Context, bridgeID, channel string, role models.ParticipantRole) error {
	if channel == "" {
		return ErrEmptyChannel
	}

	srv, session, err := o.serverForBridge(ctx, bridgeID)
	if err != nil {
		return err
	}

	body := map[string]any{"channel": channel}
	if role != "" {
		body["role"] = role
	}

	if _, err := o.ctrl.InvokeOn(ctx, srv, http.MethodPost, "/bridges/"+bridgeID+"/add", body); err != nil {
		return fmt.Errorf("adding participant to bridge %s: %w", bridgeID, err)
	}

	slog.Info("participant add requested",
		"bridge_id", bridgeID,
		"session_id", session.ID,
		"channel", channel,
	)
	return nil
}

// EndBridge requests bridge termination and marks the session terminated.
// Idempotent: terminating an already-gone bridge is not an error.
func (o *Orchestrator) EndBridge(ctx context.Context, bridgeID string) error {
	srv, session, err := o.serverForBridge(ctx, bridgeID)
	if err != nil {
		return err
	}

	if _, err := o.ctrl.InvokeOn(ctx, srv, http.MethodDelete, "/bridges/"+bridgeID, nil); err != nil {
		var cpErr *control.ControlPlaneError
		if !errors.As(err, &cpErr) || cpErr.Status != http.StatusNotFound {
			return fmt.Errorf("ending bridge %s: %w", bridgeID, err)
		}
		// Already gone upstream; fall through and finish the local transition.
	}

	if err := o.sessions.UpdateStatus(ctx, session.ID, models.SessionTerminated); err != nil {
		return fmt.Errorf("marking session %d terminated: %w", session.ID, err)
	}

	// The bridge is gone, so its cache entry is dropped rather than kept
	// around in a terminal state.
	if o.mirror != nil {
		o.mirror.Remove(bridgeID)
	}

	slog.Info("bridge ended", "bridge_id", bridgeID, "session_id", session.ID)
	return nil
}

// GetBridge fetches live bridge state from the control plane. When the
// control plane is unreachable the mirrored snapshot is served instead;
// upstream error statuses still propagate, only transport failures fall back.
func (o *Orchestrator) GetBridge(ctx context.Context, bridgeID string) (json.RawMessage, error) {
	srv, _, err := o.serverForBridge(ctx, bridgeID)
	if err != nil {
		return nil, err
	}

	res, err := o.ctrl.InvokeOn(ctx, srv, http.MethodGet, "/bridges/"+bridgeID, nil)
	if err != nil {
		var cpErr *control.ControlPlaneError
		if o.mirror != nil && !errors.As(err, &cpErr) {
			if rec, ok := o.mirror.Get(bridgeID); ok {
				slog.Warn("control plane unreachable, serving mirrored bridge state",
					"bridge_id", bridgeID, "error", err)
				return json.Marshal(rec)
			}
		}
		return nil, fmt.Errorf("fetching bridge %s: %w", bridgeID, err)
	}
	return res.Data, nil
}

// serverForBridge resolves the backend serving an existing bridge's session.
func (o *Orchestrator) serverForBridge(ctx context.Context, bridgeID string) (*models.TelephonyServer, *models.CallSession, error) {
	session, err := o.sessions.GetByBridgeID(ctx, bridgeID)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up session for bridge %s: %w", bridgeID, err)
	}
	if session == nil {
		return nil, nil, database.ErrSessionNotFound
	}

	srv, err := o.servers.GetByID(ctx, session.ServerID)
	if err != nil {
		return nil, nil, fmt.Errorf("querying server %d: %w", session.ServerID, err)
	}
	if srv == nil {
		return nil, nil, ErrNoActiveBackend
	}
	return srv, session, nil
}
