package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/callbridge/callbridge/internal/database/models"
)

// serverRepo implements ServerRepository.
type serverRepo struct {
	db *DB
}

// NewServerRepository creates a new ServerRepository.
func NewServerRepository(db *DB) ServerRepository {
	return &serverRepo{db: db}
}

const serverColumns = `id, name, control_url, api_key, enabled, created_at, updated_at`

// Create inserts a new telephony server.
func (r *serverRepo) Create(ctx context.Context, srv *models.TelephonyServer) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO telephony_servers (name, control_url, api_key, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'), datetime('now'))`,
		srv.Name, srv.ControlURL, srv.APIKey, srv.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting telephony server: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	srv.ID = id
	return nil
}

// GetByID returns a telephony server by ID.
func (r *serverRepo) GetByID(ctx context.Context, id int64) (*models.TelephonyServer, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM telephony_servers WHERE id = ?`, id))
}

// List returns all telephony servers ordered by name.
func (r *serverRepo) List(ctx context.Context) ([]models.TelephonyServer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM telephony_servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying telephony servers: %w", err)
	}
	defer rows.Close()

	var servers []models.TelephonyServer
	for rows.Next() {
		var s models.TelephonyServer
		if err := rows.Scan(&s.ID, &s.Name, &s.ControlURL, &s.APIKey,
			&s.Enabled, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning telephony server row: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// Update modifies an existing telephony server.
func (r *serverRepo) Update(ctx context.Context, srv *models.TelephonyServer) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE telephony_servers SET name = ?, control_url = ?, api_key = ?,
		 enabled = ?, updated_at = datetime('now') WHERE id = ?`,
		srv.Name, srv.ControlURL, srv.APIKey, srv.Enabled, srv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating telephony server: %w", err)
	}
	return nil
}

// Delete removes a telephony server by ID.
func (r *serverRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM telephony_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting telephony server: %w", err)
	}
	return nil
}

func (r *serverRepo) scanOne(row *sql.Row) (*models.TelephonyServer, error) {
	var s models.TelephonyServer
	err := row.Scan(&s.ID, &s.Name, &s.ControlURL, &s.APIKey,
		&s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning telephony server: %w", err)
	}
	return &s, nil
}
