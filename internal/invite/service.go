package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/callbridge/callbridge/internal/database"
	"github.com/callbridge/callbridge/internal/database/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when no invite exists for a token.
var ErrNotFound = errors.New("invite not found")

// ErrInviteNotJoinable is returned when joining an invite that is cancelled,
// expired or completed. Possession of the token grants no rights once the
// invite has left the active state.
var ErrInviteNotJoinable = errors.New("invite is not joinable")

// ErrNotCreator is returned when a non-creator tries to cancel an invite.
var ErrNotCreator = errors.New("only the invite creator may do this")

// ErrNotParticipant is returned when a user outside the pairing tries to
// operate on an invite open to both of its sides.
var ErrNotParticipant = errors.New("only invite participants may do this")

// Notifier delivers a readiness signal to the side that should place the
// call. Implementations are best-effort; the poll path through Info remains
// the fallback when push delivery fails.
type Notifier interface {
	NotifyReady(ctx context.Context, invite *models.InviteLink) error
}

// JoinResult is the outcome of a join or info call.
type JoinResult struct {
	Invite          *models.InviteLink
	PartnerEndpoint string
	ReadyToCall     bool
}

// Service implements the token-keyed pairing handshake between two users who
// intend to call each other. It is independent of bridges: pairing only
// matches intent and endpoints, the actual call leg is placed by the side
// that observes readiness.
type Service struct {
	invites    database.InviteRepository
	identities database.IdentityRepository
	notifier   Notifier
	ttl        time.Duration
}

// NewService creates an invite pairing service. notifier may be nil, in which
// case readiness is observable only by polling. ttl of zero means invites
// never expire.
func NewService(invites database.InviteRepository, identities database.IdentityRepository, notifier Notifier, ttl time.Duration) *Service {
	return &Service{
		invites:    invites,
		identities: identities,
		notifier:   notifier,
		ttl:        ttl,
	}
}

// Create mints a new invite for the creator, or returns the creator's
// existing active invite. Reuse is how a duplicate-create conflict is
// resolved; tokens are never reissued for the same pending intent.
func (s *Service) Create(ctx context.Context, creatorUserID int64) (*models.InviteLink, error) {
	existing, err := s.invites.GetActiveByCreator(ctx, creatorUserID)
	if err != nil {
		return nil, fmt.Errorf("checking for existing invite: %w", err)
	}
	if existing != nil {
		if err := s.refreshCreatorEndpoint(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	inv := &models.InviteLink{
		Token:         uuid.NewString(),
		CreatorUserID: creatorUserID,
		Status:        models.InviteActive,
	}
	if s.ttl > 0 {
		expires := time.Now().Add(s.ttl)
		inv.ExpiresAt = &expires
	}

	if ident, err := s.identities.GetByUserID(ctx, creatorUserID); err != nil {
		return nil, fmt.Errorf("looking up creator identity: %w", err)
	} else if ident != nil {
		inv.CreatorEndpoint = ident.Endpoint
	}

	if err := s.invites.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("creating invite: %w", err)
	}

	slog.Info("invite created", "token", inv.Token, "creator_user_id", creatorUserID)
	return inv, nil
}

// Info returns the current pairing state for a token. Expiry is applied
// lazily, so a poll after the deadline observes status expired.
func (s *Service) Info(ctx context.Context, token string, callerUserID int64) (*JoinResult, error) {
	inv, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.result(inv, callerUserID), nil
}

// Join attaches the caller to an invite as the joining side. If the caller
// has no calling identity one is provisioned first. Join is idempotent for
// the same caller; a token that is no longer active fails with
// ErrInviteNotJoinable regardless of payload.
func (s *Service) Join(ctx context.Context, token string, joinerUserID int64) (*JoinResult, error) {
	inv, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}

	if inv.Status != models.InviteActive {
		return nil, ErrInviteNotJoinable
	}
	if inv.CreatorUserID == joinerUserID {
		return nil, ErrInviteNotJoinable
	}
	if inv.JoinerUserID != nil && *inv.JoinerUserID != joinerUserID {
		// Token already claimed by somebody else.
		return nil, ErrInviteNotJoinable
	}

	endpoint, err := s.ensureIdentity(ctx, joinerUserID)
	if err != nil {
		return nil, err
	}

	if inv.JoinerUserID == nil || inv.JoinerEndpoint != endpoint {
		if err := s.invites.SetJoiner(ctx, token, joinerUserID, endpoint); err != nil {
			return nil, fmt.Errorf("recording joiner: %w", err)
		}
		inv.JoinerUserID = &joinerUserID
		inv.JoinerEndpoint = endpoint
		slog.Info("invite joined", "token", token, "joiner_user_id", joinerUserID)
	}

	res := s.result(inv, joinerUserID)
	if res.ReadyToCall {
		s.notifyReady(ctx, inv)
	}
	return res, nil
}

// PublishEndpoint records a newly known endpoint for a user on their active
// invite. Called when the user's registration comes up after the invite was
// minted. Fires the readiness notification when this completes the pair.
func (s *Service) PublishEndpoint(ctx context.Context, userID int64, endpoint string) error {
	inv, err := s.invites.GetActiveByCreator(ctx, userID)
	if err != nil {
		return fmt.Errorf("looking up active invite: %w", err)
	}
	if inv == nil || inv.CreatorEndpoint == endpoint {
		return nil
	}

	if err := s.invites.SetCreatorEndpoint(ctx, inv.Token, endpoint); err != nil {
		return fmt.Errorf("publishing creator endpoint: %w", err)
	}
	inv.CreatorEndpoint = endpoint

	if inv.ReadyToCall() {
		s.notifyReady(ctx, inv)
	}
	return nil
}

// Complete marks a pairing consummated once the observing side has placed its
// call. Only a participant of the invite may complete it.
func (s *Service) Complete(ctx context.Context, token string, userID int64) error {
	inv, err := s.load(ctx, token)
	if err != nil {
		return err
	}
	if inv.Status != models.InviteActive {
		return ErrInviteNotJoinable
	}
	if inv.CreatorUserID != userID && (inv.JoinerUserID == nil || *inv.JoinerUserID != userID) {
		return ErrNotParticipant
	}

	if err := s.invites.UpdateStatus(ctx, token, models.InviteCompleted); err != nil {
		return fmt.Errorf("completing invite: %w", err)
	}
	slog.Info("invite completed", "token", token)
	return nil
}

// Cancel terminates an active invite. Only the creator may cancel.
func (s *Service) Cancel(ctx context.Context, token string, userID int64) error {
	inv, err := s.load(ctx, token)
	if err != nil {
		return err
	}
	if inv.CreatorUserID != userID {
		return ErrNotCreator
	}
	if inv.Status != models.InviteActive {
		return ErrInviteNotJoinable
	}

	if err := s.invites.UpdateStatus(ctx, token, models.InviteCancelled); err != nil {
		return fmt.Errorf("cancelling invite: %w", err)
	}
	slog.Info("invite cancelled", "token", token)
	return nil
}

// StartExpiryLoop launches a background ticker that transitions overdue
// invites to expired. Runs until ctx is cancelled.
func (s *Service) StartExpiryLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.invites.ExpireOverdue(ctx)
				if err != nil {
					slog.Error("invite expiry sweep failed", "error", err)
				} else if n > 0 {
					slog.Info("expired overdue invites", "count", n)
				}
			}
		}
	}()
}

// load fetches an invite and lazily applies expiry.
func (s *Service) load(ctx context.Context, token string) (*models.InviteLink, error) {
	inv, err := s.invites.GetByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("looking up invite: %w", err)
	}
	if inv == nil {
		return nil, ErrNotFound
	}

	if inv.Status == models.InviteActive && inv.ExpiresAt != nil && inv.ExpiresAt.Before(time.Now()) {
		if err := s.invites.UpdateStatus(ctx, token, models.InviteExpired); err != nil {
			return nil, fmt.Errorf("expiring invite: %w", err)
		}
		inv.Status = models.InviteExpired
	}

	if err := s.refreshCreatorEndpoint(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// refreshCreatorEndpoint fills in the creator endpoint on an active invite
// from the identities store. The creator may get an identity provisioned only
// after minting the invite, so every read re-checks. When the refresh
// completes the pair, the readiness notification fires here.
func (s *Service) refreshCreatorEndpoint(ctx context.Context, inv *models.InviteLink) error {
	if inv.Status != models.InviteActive || inv.CreatorEndpoint != "" {
		return nil
	}

	ident, err := s.identities.GetByUserID(ctx, inv.CreatorUserID)
	if err != nil {
		return fmt.Errorf("looking up creator identity: %w", err)
	}
	if ident == nil {
		return nil
	}

	if err := s.invites.SetCreatorEndpoint(ctx, inv.Token, ident.Endpoint); err != nil {
		return fmt.Errorf("recording creator endpoint: %w", err)
	}
	inv.CreatorEndpoint = ident.Endpoint

	if inv.ReadyToCall() {
		s.notifyReady(ctx, inv)
	}
	return nil
}

// ensureIdentity returns the user's calling identity endpoint, provisioning
// one with a random secret when the user has none.
func (s *Service) ensureIdentity(ctx context.Context, userID int64) (string, error) {
	ident, err := s.identities.GetByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("looking up calling identity: %w", err)
	}
	if ident != nil {
		return ident.Endpoint, nil
	}

	secretHash, err := database.HashSecret(uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("hashing endpoint secret: %w", err)
	}

	ident = &models.CallingIdentity{
		UserID:     userID,
		Endpoint:   newEndpoint(),
		SecretHash: secretHash,
	}
	if err := s.identities.Create(ctx, ident); err != nil {
		return "", fmt.Errorf("provisioning calling identity: %w", err)
	}

	slog.Info("calling identity provisioned", "user_id", userID, "endpoint", ident.Endpoint)
	return ident.Endpoint, nil
}

// result computes the caller-relative view of an invite.
func (s *Service) result(inv *models.InviteLink, callerUserID int64) *JoinResult {
	partner := inv.CreatorEndpoint
	if callerUserID == inv.CreatorUserID {
		partner = inv.JoinerEndpoint
	}
	return &JoinResult{
		Invite:          inv,
		PartnerEndpoint: partner,
		ReadyToCall:     inv.Status == models.InviteActive && inv.ReadyToCall(),
	}
}

// notifyReady pushes the readiness signal, best effort. Delivery failure is
// logged and ignored: polling through Info still observes readiness.
func (s *Service) notifyReady(ctx context.Context, inv *models.InviteLink) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyReady(ctx, inv); err != nil {
		slog.Warn("readiness notification failed", "token", inv.Token, "error", err)
	}
}

// newEndpoint mints a short unique endpoint identifier for a provisioned
// identity.
func newEndpoint() string {
	return "ep-" + strings.Split(uuid.NewString(), "-")[0]
}
