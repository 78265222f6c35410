package magiclink

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/db"
)

const linkColumns = `id, user_id, website_id, token_hash, purpose, expires_at, used_at, ip, user_agent, created_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, l *Link) error {
	_, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO magic_links (id, user_id, website_id, token_hash, purpose, expires_at, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.UserID, l.WebsiteID, l.TokenHash, l.Purpose, l.ExpiresAt, l.IP, l.UserAgent, l.CreatedAt)
	return err
}

func (r *PostgresRepository) Claim(ctx context.Context, tokenHash string, now time.Time) (*Link, error) {
	var l Link
	err := db.Conn(ctx, r.db).GetContext(ctx, &l, `
		UPDATE magic_links SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING `+linkColumns, tokenHash, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteBefore removes links that expired before the cutoff, used or not.
func (r *PostgresRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.Conn(ctx, r.db).ExecContext(ctx, `DELETE FROM magic_links WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
