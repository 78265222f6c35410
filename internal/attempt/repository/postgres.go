package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/attempt/domain"
	"acad-system/backend/internal/db"
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, a *domain.FailedAttempt) error {
	_, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO failed_login_attempts (id, user_id, website_id, ip, user_agent, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.WebsiteID, a.IP, a.UserAgent, a.AttemptedAt)
	return err
}

func (r *PostgresRepository) CountSince(ctx context.Context, userID, websiteID string, since time.Time) (int, error) {
	var n int
	err := db.Conn(ctx, r.db).GetContext(ctx, &n, `
		SELECT count(*) FROM failed_login_attempts a
		WHERE a.user_id = $1 AND a.website_id = $2
		  AND a.attempted_at > GREATEST($3::timestamptz, COALESCE(
		      (SELECT cleared_at FROM failed_login_resets WHERE user_id = $1 AND website_id = $2), $3::timestamptz))`,
		userID, websiteID, since)
	return n, err
}

func (r *PostgresRepository) MarkCleared(ctx context.Context, userID, websiteID string, at time.Time) error {
	_, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO failed_login_resets (user_id, website_id, cleared_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, website_id) DO UPDATE SET cleared_at = EXCLUDED.cleared_at`,
		userID, websiteID, at)
	return err
}

func (r *PostgresRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM failed_login_attempts WHERE attempted_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
