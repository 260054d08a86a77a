package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/callbridge/callbridge/internal/database/models"
)

// inviteRepo implements InviteRepository.
type inviteRepo struct {
	db *DB
}

// NewInviteRepository creates a new InviteRepository.
func NewInviteRepository(db *DB) InviteRepository {
	return &inviteRepo{db: db}
}

const inviteColumns = `id, token, creator_user_id, creator_endpoint,
	 joiner_user_id, joiner_endpoint, status, expires_at, created_at, updated_at`

// Create inserts a new invite link.
func (r *inviteRepo) Create(ctx context.Context, invite *models.InviteLink) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO invite_links (token, creator_user_id, creator_endpoint,
		 joiner_user_id, joiner_endpoint, status, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		invite.Token, invite.CreatorUserID, invite.CreatorEndpoint,
		invite.JoinerUserID, invite.JoinerEndpoint, invite.Status, invite.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting invite link: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	invite.ID = id
	return nil
}

// GetByToken returns an invite by its capability token.
func (r *inviteRepo) GetByToken(ctx context.Context, token string) (*models.InviteLink, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM invite_links WHERE token = ?`, token))
}

// GetActiveByCreator returns the creator's newest active invite, if any.
// Used to resolve duplicate-create conflicts by reuse.
func (r *inviteRepo) GetActiveByCreator(ctx context.Context, creatorUserID int64) (*models.InviteLink, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM invite_links
		 WHERE creator_user_id = ? AND status = ?
		 AND (expires_at IS NULL OR datetime(expires_at) > datetime('now'))
		 ORDER BY created_at DESC LIMIT 1`,
		creatorUserID, models.InviteActive))
}

// SetJoiner records the joining side of an invite.
func (r *inviteRepo) SetJoiner(ctx context.Context, token string, joinerUserID int64, joinerEndpoint string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invite_links SET joiner_user_id = ?, joiner_endpoint = ?,
		 updated_at = datetime('now') WHERE token = ?`,
		joinerUserID, joinerEndpoint, token)
	if err != nil {
		return fmt.Errorf("setting invite joiner: %w", err)
	}
	return nil
}

// SetCreatorEndpoint records the creator's endpoint once it becomes known.
func (r *inviteRepo) SetCreatorEndpoint(ctx context.Context, token, endpoint string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invite_links SET creator_endpoint = ?, updated_at = datetime('now')
		 WHERE token = ?`, endpoint, token)
	if err != nil {
		return fmt.Errorf("setting invite creator endpoint: %w", err)
	}
	return nil
}

// UpdateStatus overwrites the invite status.
func (r *inviteRepo) UpdateStatus(ctx context.Context, token string, status models.InviteStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invite_links SET status = ?, updated_at = datetime('now') WHERE token = ?`,
		status, token)
	if err != nil {
		return fmt.Errorf("updating invite status: %w", err)
	}
	return nil
}

// ExpireOverdue transitions active invites past their expiry to expired.
// Returns the number of invites expired.
func (r *inviteRepo) ExpireOverdue(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE invite_links SET status = ?, updated_at = datetime('now')
		 WHERE status = ? AND expires_at IS NOT NULL AND datetime(expires_at) < datetime('now')`,
		models.InviteExpired, models.InviteActive)
	if err != nil {
		return 0, fmt.Errorf("expiring overdue invites: %w", err)
	}
	return result.RowsAffected()
}

// CountActive returns the number of active invites.
func (r *inviteRepo) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invite_links WHERE status = ?`, models.InviteActive,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active invites: %w", err)
	}
	return count, nil
}

func (r *inviteRepo) scanOne(row *sql.Row) (*models.InviteLink, error) {
	var i models.InviteLink
	err := row.Scan(&i.ID, &i.Token, &i.CreatorUserID, &i.CreatorEndpoint,
		&i.JoinerUserID, &i.JoinerEndpoint, &i.Status, &i.ExpiresAt,
		&i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning invite link: %w", err)
	}
	return &i, nil
}
