package database

import (
	"context"
	"fmt"

	"github.com/callbridge/callbridge/internal/database/models"
)

// registrationRepo implements RegistrationRepository.
type registrationRepo struct {
	db *DB
}

// NewRegistrationRepository creates a new RegistrationRepository.
func NewRegistrationRepository(db *DB) RegistrationRepository {
	return &registrationRepo{db: db}
}

// Create inserts a new client registration.
func (r *registrationRepo) Create(ctx context.Context, reg *models.ClientRegistration) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO client_registrations (user_id, server_id, endpoint, contact_uri,
		 user_agent, active, expires, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		reg.UserID, reg.ServerID, reg.Endpoint, reg.ContactURI,
		reg.UserAgent, reg.Active, reg.Expires,
	)
	if err != nil {
		return fmt.Errorf("inserting client registration: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	reg.ID = id
	return nil
}

// GetActiveByUserID returns a user's active registrations, newest first.
func (r *registrationRepo) GetActiveByUserID(ctx context.Context, userID int64) ([]models.ClientRegistration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, server_id, endpoint, contact_uri, user_agent,
		 active, expires, registered_at
		 FROM client_registrations
		 WHERE user_id = ? AND active = 1
		 AND (expires IS NULL OR datetime(expires) > datetime('now'))
		 ORDER BY registered_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying registrations by user: %w", err)
	}
	defer rows.Close()

	var regs []models.ClientRegistration
	for rows.Next() {
		var reg models.ClientRegistration
		if err := rows.Scan(&reg.ID, &reg.UserID, &reg.ServerID, &reg.Endpoint,
			&reg.ContactURI, &reg.UserAgent, &reg.Active, &reg.Expires,
			&reg.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scanning registration row: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// Deactivate marks a registration inactive without deleting it.
func (r *registrationRepo) Deactivate(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE client_registrations SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating registration: %w", err)
	}
	return nil
}

// DeleteExpired removes registrations whose expiry has passed.
// Returns the number of rows deleted.
func (r *registrationRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM client_registrations
		 WHERE expires IS NOT NULL AND datetime(expires) < datetime('now')`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired registrations: %w", err)
	}
	return result.RowsAffected()
}
