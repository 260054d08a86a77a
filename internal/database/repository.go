package database

import (
	"context"

	"github.com/callbridge/callbridge/internal/database/models"
)

// CreateSessionParams are the inputs for creating a call session.
// BridgeID may be empty while the control-plane request is in flight.
type CreateSessionParams struct {
	BridgeID      string
	ServerID      int64
	CreatorUserID *int64
	Target        string
	Metadata      map[string]string
}

// UpsertParticipantParams are the inputs for creating or updating a
// participant leg. A nil UserID always inserts a new anonymous row.
type UpsertParticipantParams struct {
	SessionID int64
	UserID    *int64
	Endpoint  string
	Role      models.ParticipantRole
	Status    models.ParticipantStatus
	Metadata  map[string]string
}

// SessionRepository manages call sessions and their participants.
// Lookups return (nil, nil) when the record does not exist.
type SessionRepository interface {
	Create(ctx context.Context, params CreateSessionParams) (*models.CallSession, error)
	GetByID(ctx context.Context, id int64) (*models.CallSession, error)
	GetByBridgeID(ctx context.Context, bridgeID string) (*models.CallSession, error)
	GetByExtension(ctx context.Context, extension string) (*models.CallSession, error)
	GetByLinkHash(ctx context.Context, linkHash string) (*models.CallSession, error)
	UpdateStatus(ctx context.Context, id int64, status models.SessionStatus) error
	UpsertParticipant(ctx context.Context, params UpsertParticipantParams) (*models.CallSessionParticipant, error)
	ListParticipants(ctx context.Context, sessionID int64) ([]models.CallSessionParticipant, error)
	ListByServer(ctx context.Context, serverID int64, status models.SessionStatus) ([]models.CallSession, error)
	CountByStatus(ctx context.Context) (map[models.SessionStatus]int64, error)
}

// InviteRepository manages invite links.
type InviteRepository interface {
	Create(ctx context.Context, invite *models.InviteLink) error
	GetByToken(ctx context.Context, token string) (*models.InviteLink, error)
	GetActiveByCreator(ctx context.Context, creatorUserID int64) (*models.InviteLink, error)
	SetJoiner(ctx context.Context, token string, joinerUserID int64, joinerEndpoint string) error
	SetCreatorEndpoint(ctx context.Context, token, endpoint string) error
	UpdateStatus(ctx context.Context, token string, status models.InviteStatus) error
	ExpireOverdue(ctx context.Context) (int64, error)
	CountActive(ctx context.Context) (int64, error)
}

// ServerRepository manages backend telephony servers.
type ServerRepository interface {
	Create(ctx context.Context, srv *models.TelephonyServer) error
	GetByID(ctx context.Context, id int64) (*models.TelephonyServer, error)
	List(ctx context.Context) ([]models.TelephonyServer, error)
	Update(ctx context.Context, srv *models.TelephonyServer) error
	Delete(ctx context.Context, id int64) error
}

// RegistrationRepository manages active client signaling registrations.
type RegistrationRepository interface {
	Create(ctx context.Context, reg *models.ClientRegistration) error
	GetActiveByUserID(ctx context.Context, userID int64) ([]models.ClientRegistration, error)
	Deactivate(ctx context.Context, id int64) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// IdentityRepository manages provisioned calling identities.
type IdentityRepository interface {
	Create(ctx context.Context, ident *models.CallingIdentity) error
	GetByUserID(ctx context.Context, userID int64) (*models.CallingIdentity, error)
}
