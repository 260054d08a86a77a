package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/callbridge/callbridge/internal/database/models"
	"github.com/google/uuid"
)

// ErrExtensionsExhausted is returned when no free join extension could be
// allocated after the bounded number of attempts. The numbering space holds
// 100 slots and extensions are never recycled, so this is a hard conflict.
var ErrExtensionsExhausted = errors.New("join extension space exhausted")

// extensionPrefix is the fixed dial prefix for bridge join extensions.
// The full extension is the prefix plus a two-digit suffix (00-99).
const extensionPrefix = "79"

// extensionSlots is the size of the join extension numbering space.
const extensionSlots = 100

// maxAllocateAttempts bounds the generate-check-retry loop. Collisions are
// resolved by the UNIQUE constraint, not by pre-checking, so near exhaustion
// several attempts may be needed before giving up.
const maxAllocateAttempts = 3 * extensionSlots

// sessionRepo implements SessionRepository.
type sessionRepo struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *DB) SessionRepository {
	return &sessionRepo{db: db}
}

const sessionColumns = `id, COALESCE(bridge_id, ''), link_hash, join_extension, status,
	 server_id, creator_user_id, metadata, created_at, updated_at`

// Create inserts a new call session with a freshly allocated unique join
// extension. The allocation loop retries on unique-constraint violation so
// concurrent creations racing to the same candidate cannot produce duplicates;
// the storage constraint is the authority, not an in-memory check.
func (r *sessionRepo) Create(ctx context.Context, params CreateSessionParams) (*models.CallSession, error) {
	meta := make(map[string]string, len(params.Metadata)+2)
	for k, v := range params.Metadata {
		meta[k] = v
	}
	if params.Target != "" {
		meta["target"] = params.Target
	}

	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		ext := fmt.Sprintf("%s%02d", extensionPrefix, rand.IntN(extensionSlots))
		linkHash := uuid.NewString()
		meta["join_extension"] = ext

		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("marshalling session metadata: %w", err)
		}

		var bridgeID any
		if params.BridgeID != "" {
			bridgeID = params.BridgeID
		}

		result, err := r.db.ExecContext(ctx,
			`INSERT INTO call_sessions (bridge_id, link_hash, join_extension, status,
			 server_id, creator_user_id, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
			bridgeID, linkHash, ext, models.SessionPending,
			params.ServerID, params.CreatorUserID, string(metaJSON),
		)
		if err != nil {
			if isUniqueViolation(err) && strings.Contains(err.Error(), "join_extension") {
				continue
			}
			return nil, fmt.Errorf("inserting call session: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting last insert id: %w", err)
		}
		return r.GetByID(ctx, id)
	}

	return nil, ErrExtensionsExhausted
}

// GetByID returns a session by its surrogate key.
func (r *sessionRepo) GetByID(ctx context.Context, id int64) (*models.CallSession, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE id = ?`, id))
}

// GetByBridgeID returns the session for a control-plane bridge identifier.
func (r *sessionRepo) GetByBridgeID(ctx context.Context, bridgeID string) (*models.CallSession, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE bridge_id = ?`, bridgeID))
}

// GetByExtension returns the session owning a join extension.
func (r *sessionRepo) GetByExtension(ctx context.Context, extension string) (*models.CallSession, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE join_extension = ?`, extension))
}

// GetByLinkHash returns the session for an out-of-band share token.
func (r *sessionRepo) GetByLinkHash(ctx context.Context, linkHash string) (*models.CallSession, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE link_hash = ?`, linkHash))
}

// UpdateStatus overwrites the session status unconditionally and bumps
// updated_at. Transition validity is the event reconciler's concern, not the
// store's.
func (r *sessionRepo) UpdateStatus(ctx context.Context, id int64, status models.SessionStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_sessions SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return nil
}

// UpsertParticipant creates or updates a participant leg. For a keyed
// participant (user id set), the row is updated in place via the partial
// unique index on (session_id, user_id); joined_at and left_at are stamped
// exactly once, on the first transition into the respective status. Anonymous
// participants always insert a new row.
func (r *sessionRepo) UpsertParticipant(ctx context.Context, params UpsertParticipantParams) (*models.CallSessionParticipant, error) {
	role := params.Role
	if role == "" {
		role = models.RoleParticipant
	}
	status := params.Status
	if status == "" {
		status = models.ParticipantPending
	}

	metaJSON, err := json.Marshal(nonNilMeta(params.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshalling participant metadata: %w", err)
	}

	if params.UserID == nil {
		result, err := r.db.ExecContext(ctx,
			`INSERT INTO call_session_participants
			 (session_id, user_id, endpoint, role, status, metadata,
			  joined_at, left_at, created_at, updated_at)
			 VALUES (?, NULL, ?, ?, ?, ?,
			  CASE WHEN ? = 'joined' THEN datetime('now') END,
			  CASE WHEN ? = 'left' THEN datetime('now') END,
			  datetime('now'), datetime('now'))`,
			params.SessionID, params.Endpoint, role, status, string(metaJSON),
			status, status,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting anonymous participant: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting last insert id: %w", err)
		}
		return r.getParticipantByID(ctx, id)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO call_session_participants
		 (session_id, user_id, endpoint, role, status, metadata,
		  joined_at, left_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?,
		  CASE WHEN ? = 'joined' THEN datetime('now') END,
		  CASE WHEN ? = 'left' THEN datetime('now') END,
		  datetime('now'), datetime('now'))
		 ON CONFLICT(session_id, user_id) WHERE user_id IS NOT NULL DO UPDATE SET
		  endpoint = CASE WHEN excluded.endpoint != '' THEN excluded.endpoint ELSE endpoint END,
		  role = excluded.role,
		  status = excluded.status,
		  metadata = excluded.metadata,
		  joined_at = COALESCE(joined_at, CASE WHEN excluded.status = 'joined' THEN datetime('now') END),
		  left_at = COALESCE(left_at, CASE WHEN excluded.status = 'left' THEN datetime('now') END),
		  updated_at = datetime('now')`,
		params.SessionID, *params.UserID, params.Endpoint, role, status, string(metaJSON),
		status, status,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting participant: %w", err)
	}

	return r.getParticipantByKey(ctx, params.SessionID, *params.UserID)
}

// ListParticipants returns all participant legs for a session, oldest first.
func (r *sessionRepo) ListParticipants(ctx context.Context, sessionID int64) ([]models.CallSessionParticipant, error) {
	rows, err := r.db.QueryContext(ctx,
		participantSelect+` WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()
	return scanParticipants(rows)
}

// ListByServer returns sessions on a server, optionally filtered by status.
func (r *sessionRepo) ListByServer(ctx context.Context, serverID int64, status models.SessionStatus) ([]models.CallSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM call_sessions WHERE server_id = ?`
	args := []any{serverID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions by server: %w", err)
	}
	defer rows.Close()

	var sessions []models.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// CountByStatus returns session counts grouped by status.
func (r *sessionRepo) CountByStatus(ctx context.Context) (map[models.SessionStatus]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM call_sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting sessions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SessionStatus]int64)
	for rows.Next() {
		var status models.SessionStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning session count row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const participantSelect = `SELECT id, session_id, user_id, endpoint, role, status, metadata,
	 joined_at, left_at, created_at, updated_at FROM call_session_participants`

func (r *sessionRepo) getParticipantByID(ctx context.Context, id int64) (*models.CallSessionParticipant, error) {
	return scanParticipant(r.db.QueryRowContext(ctx, participantSelect+` WHERE id = ?`, id))
}

func (r *sessionRepo) getParticipantByKey(ctx context.Context, sessionID, userID int64) (*models.CallSessionParticipant, error) {
	return scanParticipant(r.db.QueryRowContext(ctx,
		participantSelect+` WHERE session_id = ? AND user_id = ?`, sessionID, userID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *sessionRepo) scanOne(row *sql.Row) (*models.CallSession, error) {
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func scanSession(row rowScanner) (*models.CallSession, error) {
	var s models.CallSession
	var metaJSON string
	err := row.Scan(&s.ID, &s.BridgeID, &s.LinkHash, &s.JoinExtension, &s.Status,
		&s.ServerID, &s.CreatorUserID, &metaJSON, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning call session: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &s.Metadata); err != nil {
		return nil, fmt.Errorf("decoding session metadata: %w", err)
	}
	return &s, nil
}

func scanParticipant(row *sql.Row) (*models.CallSessionParticipant, error) {
	p, err := scanParticipantRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanParticipantRow(row rowScanner) (*models.CallSessionParticipant, error) {
	var p models.CallSessionParticipant
	var metaJSON string
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.Endpoint, &p.Role, &p.Status,
		&metaJSON, &p.JoinedAt, &p.LeftAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning participant: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
		return nil, fmt.Errorf("decoding participant metadata: %w", err)
	}
	return &p, nil
}

func scanParticipants(rows *sql.Rows) ([]models.CallSessionParticipant, error) {
	var parts []models.CallSessionParticipant
	for rows.Next() {
		p, err := scanParticipantRow(rows)
		if err != nil {
			return nil, err
		}
		parts = append(parts, *p)
	}
	return parts, rows.Err()
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
