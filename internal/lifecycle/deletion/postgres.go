package deletion

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/db"
)

const columns = `id, user_id, website_id, reason, status, requested_at, undo_token_hash, undo_token_expires_at,
	confirmed_at, scheduled_deletion_at, purge_after, admin_response, processed_by, updated_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*Request, error) {
	var req Request
	err := db.Conn(ctx, r.db).GetContext(ctx, &req, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *PostgresRepository) Create(ctx context.Context, req *Request) error {
	_, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO account_deletion_requests (id, user_id, website_id, reason, status, requested_at,
			undo_token_hash, undo_token_expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $6)`,
		req.ID, req.UserID, req.WebsiteID, req.Reason, req.Status, req.RequestedAt, req.UndoTokenHash, req.UndoTokenExpiresAt)
	return err
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Request, error) {
	return r.one(ctx, `SELECT `+columns+` FROM account_deletion_requests WHERE id = $1`, id)
}

func (r *PostgresRepository) GetPendingByUser(ctx context.Context, userID string) (*Request, error) {
	return r.one(ctx, `SELECT `+columns+` FROM account_deletion_requests WHERE user_id = $1 AND status = 'pending'`, userID)
}

func (r *PostgresRepository) GetByUndoTokenHash(ctx context.Context, hash string) (*Request, error) {
	return r.one(ctx, `SELECT `+columns+` FROM account_deletion_requests WHERE undo_token_hash = $1`, hash)
}

// List returns requests in status, oldest first. An empty status lists every request.
func (r *PostgresRepository) List(ctx context.Context, status Status, limit, offset int) ([]*Request, error) {
	var out []*Request
	err := db.Conn(ctx, r.db).SelectContext(ctx, &out, `
		SELECT `+columns+` FROM account_deletion_requests
		WHERE ($1 = '' OR status = $1)
		ORDER BY requested_at ASC, id ASC
		LIMIT $2 OFFSET $3`, status, limit, offset)
	return out, err
}

func (r *PostgresRepository) ListExpiredPending(ctx context.Context, now time.Time) ([]*Request, error) {
	var out []*Request
	err := db.Conn(ctx, r.db).SelectContext(ctx, &out, `
		SELECT `+columns+` FROM account_deletion_requests
		WHERE status = 'pending' AND undo_token_expires_at <= $1
		ORDER BY requested_at ASC`, now)
	return out, err
}

func (r *PostgresRepository) Cancel(ctx context.Context, id string, at time.Time) (*Request, error) {
	return r.one(ctx, `
		UPDATE account_deletion_requests SET status = 'rejected', updated_at = $2
		WHERE id = $1 AND status = 'pending' AND undo_token_expires_at > $2
		RETURNING `+columns, id, at)
}

func (r *PostgresRepository) Confirm(ctx context.Context, id string, scheduledDeletion time.Time, processedBy *string, at time.Time) (*Request, error) {
	return r.one(ctx, `
		UPDATE account_deletion_requests
		SET status = 'confirmed', confirmed_at = $4, scheduled_deletion_at = $2, processed_by = $3, updated_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+columns, id, scheduledDeletion, processedBy, at)
}

func (r *PostgresRepository) Decide(ctx context.Context, id string, to Status, response, processedBy string, purgeAfter *time.Time, at time.Time) (*Request, error) {
	return r.one(ctx, `
		UPDATE account_deletion_requests
		SET status = $2, admin_response = $3, processed_by = $4, purge_after = $5, updated_at = $6
		WHERE id = $1 AND status IN ('pending', 'confirmed')
		RETURNING `+columns, id, to, response, processedBy, purgeAfter, at)
}
