package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/db"
	"acad-system/backend/internal/session/domain"
)

const sessionColumns = `id, user_id, website_id, device_id, ip, user_agent, device_name, trusted_device,
	COALESCE(refresh_jti, '') AS refresh_jti, COALESCE(refresh_token_hash, '') AS refresh_token_hash,
	logged_in_at, last_seen_at, expires_at, is_active, revoked_at`

type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the session. The session must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO login_sessions (id, user_id, website_id, device_id, ip, user_agent, device_name, trusted_device,
			refresh_jti, refresh_token_hash, logged_in_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE)`,
		s.ID, s.UserID, s.WebsiteID, s.DeviceID, s.IP, s.UserAgent, s.DeviceName, s.TrustedDevice,
		s.RefreshJTI, s.RefreshTokenHash, s.LoggedInAt, s.ExpiresAt)
	return err
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	return r.getOne(ctx, `SELECT `+sessionColumns+` FROM login_sessions WHERE id = $1`, id)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*domain.Session, error) {
	var s domain.Session
	err := db.Conn(ctx, r.db).GetContext(ctx, &s, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListByUser returns the user's sessions on the website, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID, websiteID string, activeOnly bool, now time.Time) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM login_sessions WHERE user_id = $1 AND website_id = $2`
	args := []any{userID, websiteID}
	if activeOnly {
		query += ` AND revoked_at IS NULL AND expires_at > $3`
		args = append(args, now)
	}
	var out []*domain.Session
	err := db.Conn(ctx, r.db).SelectContext(ctx, &out, query+` ORDER BY logged_in_at DESC`, args...)
	return out, err
}

func (r *PostgresRepository) Revoke(ctx context.Context, id string, at time.Time) (*domain.Session, error) {
	return r.getOne(ctx, `
		UPDATE login_sessions SET revoked_at = $2, is_active = FALSE
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING `+sessionColumns, id, at)
}

func (r *PostgresRepository) RevokeAll(ctx context.Context, userID, websiteID, exceptID string, at time.Time) ([]string, error) {
	var ids []string
	err := db.Conn(ctx, r.db).SelectContext(ctx, &ids, `
		UPDATE login_sessions SET revoked_at = $4, is_active = FALSE
		WHERE user_id = $1 AND ($2 = '' OR website_id = $2) AND id <> $3 AND revoked_at IS NULL
		RETURNING id`, userID, websiteID, exceptID, at)
	return ids, err
}

func (r *PostgresRepository) CountActive(ctx context.Context, userID, websiteID string, now time.Time) (int, error) {
	var n int
	err := db.Conn(ctx, r.db).GetContext(ctx, &n, `
		SELECT COUNT(*) FROM login_sessions
		WHERE user_id = $1 AND website_id = $2 AND revoked_at IS NULL AND expires_at > $3`,
		userID, websiteID, now)
	return n, err
}

func (r *PostgresRepository) OldestActiveExcept(ctx context.Context, userID, websiteID, exceptID string, now time.Time) (*domain.Session, error) {
	return r.getOne(ctx, `
		SELECT `+sessionColumns+` FROM login_sessions
		WHERE user_id = $1 AND website_id = $2 AND id <> $3 AND revoked_at IS NULL AND expires_at > $4
		ORDER BY logged_in_at ASC, id ASC
		LIMIT 1`, userID, websiteID, exceptID, now)
}

func (r *PostgresRepository) RotateRefresh(ctx context.Context, id, oldJTI, newJTI, newHash string, expiresAt, at time.Time) (bool, error) {
	res, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		UPDATE login_sessions
		SET refresh_jti = $3, refresh_token_hash = $4, expires_at = $5, last_seen_at = $6
		WHERE id = $1 AND refresh_jti = $2 AND revoked_at IS NULL`,
		id, oldJTI, newJTI, newHash, expiresAt, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
