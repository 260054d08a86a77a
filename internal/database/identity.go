package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/callbridge/callbridge/internal/database/models"
)

// identityRepo implements IdentityRepository.
type identityRepo struct {
	db *DB
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(db *DB) IdentityRepository {
	return &identityRepo{db: db}
}

// Create inserts a provisioned calling identity.
func (r *identityRepo) Create(ctx context.Context, ident *models.CallingIdentity) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO calling_identities (user_id, endpoint, secret_hash, created_at)
		 VALUES (?, ?, ?, datetime('now'))`,
		ident.UserID, ident.Endpoint, ident.SecretHash,
	)
	if err != nil {
		return fmt.Errorf("inserting calling identity: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	ident.ID = id
	return nil
}

// GetByUserID returns a user's calling identity, or (nil, nil) when the user
// has none provisioned.
func (r *identityRepo) GetByUserID(ctx context.Context, userID int64) (*models.CallingIdentity, error) {
	var i models.CallingIdentity
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, endpoint, secret_hash, created_at
		 FROM calling_identities WHERE user_id = ?`, userID,
	).Scan(&i.ID, &i.UserID, &i.Endpoint, &i.SecretHash, &i.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning calling identity: %w", err)
	}
	return &i, nil
}
