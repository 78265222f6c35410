package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/db"
	"acad-system/backend/internal/device/domain"
)

const deviceColumns = `id, user_id, website_id, token_hash, device_name, user_agent, ip, expires_at, revoked_at, last_used_at, created_at`

type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository returns a trusted device repository that uses the given db for persistence.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, d *domain.TrustedDevice) error {
	_, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO trusted_devices (id, user_id, website_id, token_hash, device_name, user_agent, ip, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.UserID, d.WebsiteID, d.TokenHash, d.DeviceName, d.UserAgent, d.IP, d.ExpiresAt, d.CreatedAt)
	return err
}

func (r *PostgresRepository) GetActiveByTokenHash(ctx context.Context, userID, websiteID, tokenHash string, now time.Time) (*domain.TrustedDevice, error) {
	var d domain.TrustedDevice
	err := db.Conn(ctx, r.db).GetContext(ctx, &d, `
		SELECT `+deviceColumns+` FROM trusted_devices
		WHERE token_hash = $1 AND user_id = $2 AND website_id = $3 AND revoked_at IS NULL AND expires_at > $4`,
		tokenHash, userID, websiteID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListByUser returns every device of the user on the website, newest first, including expired
// and revoked ones.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID, websiteID string) ([]*domain.TrustedDevice, error) {
	var out []*domain.TrustedDevice
	err := db.Conn(ctx, r.db).SelectContext(ctx, &out,
		`SELECT `+deviceColumns+` FROM trusted_devices WHERE user_id = $1 AND website_id = $2 ORDER BY created_at DESC`,
		userID, websiteID)
	return out, err
}

func (r *PostgresRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := db.Conn(ctx, r.db).ExecContext(ctx, `UPDATE trusted_devices SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *PostgresRepository) Revoke(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	res, err := db.Conn(ctx, r.db).ExecContext(ctx,
		`UPDATE trusted_devices SET revoked_at = $3 WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`, id, userID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
