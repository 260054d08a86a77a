package models

import "time"

// SessionStatus is the lifecycle state of a call session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionActive     SessionStatus = "active"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionTerminated SessionStatus = "terminated"
)

// Terminal reports whether the status is a terminal state.
// Terminal sessions are never resurrected.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionTerminated
}

// ParticipantStatus is the lifecycle state of a single participant leg.
type ParticipantStatus string

const (
	ParticipantPending ParticipantStatus = "pending"
	ParticipantDialing ParticipantStatus = "dialing"
	ParticipantJoined  ParticipantStatus = "joined"
	ParticipantFailed  ParticipantStatus = "failed"
	ParticipantLeft    ParticipantStatus = "left"
)

// ParticipantRole distinguishes the session creator from everyone else.
type ParticipantRole string

const (
	RoleInitiator   ParticipantRole = "initiator"
	RoleParticipant ParticipantRole = "participant"
)

// InviteStatus is the lifecycle state of an invite link.
type InviteStatus string

const (
	InviteActive    InviteStatus = "active"
	InviteExpired   InviteStatus = "expired"
	InviteCompleted InviteStatus = "completed"
	InviteCancelled InviteStatus = "cancelled"
)

// CallSession is the persisted record of one brokered call.
// bridge_id is assigned by the external control plane and stays empty only
// during the request-in-flight gap.
type CallSession struct {
	ID            int64
	BridgeID      string
	LinkHash      string
	JoinExtension string
	Status        SessionStatus
	ServerID      int64
	CreatorUserID *int64
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CallSessionParticipant is one media leg within a session. At most one row
// exists per (session_id, user_id) when user_id is set; anonymous legs always
// insert a new row.
type CallSessionParticipant struct {
	ID        int64
	SessionID int64
	UserID    *int64
	Endpoint  string
	Role      ParticipantRole
	Status    ParticipantStatus
	Metadata  map[string]string
	JoinedAt  *time.Time
	LeftAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InviteLink is a token-keyed rendezvous between two users who intend to call
// each other. Possession of the token implies the right to join.
type InviteLink struct {
	ID              int64
	Token           string
	CreatorUserID   int64
	CreatorEndpoint string
	JoinerUserID    *int64
	JoinerEndpoint  string
	Status          InviteStatus
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReadyToCall reports whether both sides' endpoints are known.
func (i *InviteLink) ReadyToCall() bool {
	return i.CreatorEndpoint != "" && i.JoinerEndpoint != ""
}

// TelephonyServer is a backend control-plane server that hosts bridges.
type TelephonyServer struct {
	ID         int64
	Name       string
	ControlURL string
	APIKey     string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ClientRegistration is an active signaling registration for a user, pinned
// to the backend server that owns its media.
type ClientRegistration struct {
	ID           int64
	UserID       int64
	ServerID     int64
	Endpoint     string
	ContactURI   string
	UserAgent    string
	Active       bool
	Expires      *time.Time
	RegisteredAt time.Time
}

// CallingIdentity is a provisioned signaling identity for a user who joined
// via an invite without one.
type CallingIdentity struct {
	ID         int64
	UserID     int64
	Endpoint   string
	SecretHash string
	CreatedAt  time.Time
}
