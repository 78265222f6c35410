package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/db"
	"acad-system/backend/internal/mfa/domain"
)

const challengeColumns = `id, user_id, website_id, purpose, method, COALESCE(code_hash, '') AS code_hash, pending_secret,
	COALESCE(phone, '') AS phone, ip, user_agent, device_name, remember_device, expires_at, consumed_at, created_at`

type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository returns a repository for challenges and backup codes backed by db.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Create persists the challenge. The challenge must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Challenge) error {
	_, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO mfa_challenges (id, user_id, website_id, purpose, method, code_hash, pending_secret, phone,
			ip, user_agent, device_name, remember_device, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.UserID, c.WebsiteID, c.Purpose, c.Method, nullable(c.CodeHash), c.PendingSecret, nullable(c.Phone),
		c.IP, c.UserAgent, c.DeviceName, c.RememberDevice, c.ExpiresAt, c.CreatedAt)
	return err
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Challenge, error) {
	var c domain.Challenge
	err := db.Conn(ctx, r.db).GetContext(ctx, &c, `SELECT `+challengeColumns+` FROM mfa_challenges WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) Claim(ctx context.Context, id string, now time.Time) (*domain.Challenge, error) {
	var c domain.Challenge
	err := db.Conn(ctx, r.db).GetContext(ctx, &c, `
		UPDATE mfa_challenges SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING `+challengeColumns, id, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) LatestOpen(ctx context.Context, userID string, purpose domain.Purpose, now time.Time) (*domain.Challenge, error) {
	var c domain.Challenge
	err := db.Conn(ctx, r.db).GetContext(ctx, &c, `
		SELECT `+challengeColumns+` FROM mfa_challenges
		WHERE user_id = $1 AND purpose = $2 AND consumed_at IS NULL AND expires_at > $3
		ORDER BY created_at DESC LIMIT 1`, userID, purpose, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteBefore removes challenges that expired before the cutoff.
func (r *PostgresRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM mfa_challenges WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) ReplaceAll(ctx context.Context, userID string, hashes []string, at time.Time) error {
	conn := db.Conn(ctx, r.db)
	if _, err := conn.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO backup_codes (id, user_id, code_hash, created_at) VALUES ($1, $2, $3, $4)`,
			uuid.New().String(), userID, h, at); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) Consume(ctx context.Context, userID, codeHash string, at time.Time) (bool, error) {
	res, err := db.Conn(ctx, r.db).ExecContext(ctx,
		`UPDATE backup_codes SET used_at = $3 WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL`,
		userID, codeHash, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresRepository) CountUnused(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.Conn(ctx, r.db).GetContext(ctx, &n,
		`SELECT COUNT(*) FROM backup_codes WHERE user_id = $1 AND used_at IS NULL`, userID)
	return n, err
}
