package signaling

import "context"

// RegState is the coarse state of the signaling registration.
type RegState string

const (
	RegUnregistered RegState = "unregistered"
	RegRegistering  RegState = "registering"
	RegRegistered   RegState = "registered"
)

// SessionState is the state of a signaling session. The controller treats it
// as opaque beyond the two load-bearing values Established and Terminated.
type SessionState string

const (
	SessionEstablishing SessionState = "Establishing"
	SessionEstablished  SessionState = "Established"
	SessionTerminated   SessionState = "Terminated"
)

// Candidate is an ICE candidate surfaced during media negotiation.
type Candidate struct {
	Type string // "host", "srflx", "prflx" or "relay"
}

// AudioTrack is one inbound audio track of a session's media stream.
type AudioTrack interface {
	ID() string
}

// Session represents one call's negotiation and media state. Implementations
// wrap whatever media stack the host platform provides.
type Session interface {
	// State returns the current session state.
	State() SessionState

	// SendDTMF emits DTMF digits on the active session.
	SendDTMF(ctx context.Context, digits string) error

	// Hangup terminates the session normally.
	Hangup(ctx context.Context) error

	// Abort tears the session down before it is answered.
	Abort() error

	// AudioTracks returns the inbound audio tracks available so far.
	AudioTracks() []AudioTrack

	// Candidates streams ICE candidates as gathering produces them. The
	// channel is closed when gathering completes.
	Candidates() <-chan Candidate
}

// Registration is one owned signaling-registration object. The controller
// replaces it wholesale on rebuild rather than mutating shared state.
type Registration interface {
	// Register performs the registration exchange and starts refreshing it.
	// State changes are reported through the callback given at construction.
	Register(ctx context.Context) error

	// Unregister sends a best-effort de-registration.
	Unregister(ctx context.Context) error

	// Close releases the registration's transport resources.
	Close()
}

// Dialer places outbound calls on the active registration.
type Dialer interface {
	// Dial initiates an outbound call. callerID, when non-empty, is carried
	// as a caller identity header on the initial request.
	Dial(ctx context.Context, target, callerID string) (Session, error)
}

// RegistrationFactory builds a fresh registration object. Used once at
// startup and again when the reconnect path rebuilds from scratch.
type RegistrationFactory func(onState func(RegState)) (Registration, error)
