package emailchange

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/db"
)

const columns = `id, user_id, website_id, old_email, new_email, status, require_old_email_confirmation,
	COALESCE(verification_token_hash, '') AS verification_token_hash, verification_token_expires_at,
	COALESCE(old_email_token_hash, '') AS old_email_token_hash, old_email_token_expires_at,
	admin_approved, approved_by, approved_at, rejection_reason, new_email_verified_at, old_email_confirmed,
	completed_at, created_at, updated_at`

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

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *PostgresRepository) Create(ctx context.Context, req *Request) error {
	_, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO email_change_requests (id, user_id, website_id, old_email, new_email, status,
			require_old_email_confirmation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		req.ID, req.UserID, req.WebsiteID, req.OldEmail, req.NewEmail, req.Status, req.RequireOldEmailConfirmation, req.CreatedAt)
	return err
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Request, error) {
	return r.one(ctx, `SELECT `+columns+` FROM email_change_requests WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByVerificationTokenHash(ctx context.Context, hash string) (*Request, error) {
	return r.one(ctx, `SELECT `+columns+` FROM email_change_requests WHERE verification_token_hash = $1`, hash)
}

func (r *PostgresRepository) GetByOldEmailTokenHash(ctx context.Context, hash string) (*Request, error) {
	return r.one(ctx, `SELECT `+columns+` FROM email_change_requests WHERE old_email_token_hash = $1`, hash)
}

func (r *PostgresRepository) CancelActiveByUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		UPDATE email_change_requests
		SET status = 'cancelled', verification_token_hash = NULL, old_email_token_hash = NULL, updated_at = $2
		WHERE user_id = $1 AND status IN ('pending', 'admin_approved', 'email_verified')`, userID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) Approve(ctx context.Context, id, approvedBy string, t Tokens, at time.Time) (*Request, error) {
	return r.one(ctx, `
		UPDATE email_change_requests
		SET status = 'admin_approved', admin_approved = TRUE, approved_by = $2, approved_at = $7,
			verification_token_hash = $3, verification_token_expires_at = $4,
			old_email_token_hash = $5, old_email_token_expires_at = $6, updated_at = $7
		WHERE id = $1 AND status = 'pending'
		RETURNING `+columns,
		id, approvedBy, t.VerificationHash, t.VerificationExpiresAt, nullable(t.OldEmailHash), t.OldEmailExpiresAt, at)
}

func (r *PostgresRepository) Reject(ctx context.Context, id, approvedBy, reason string, at time.Time) (*Request, error) {
	return r.one(ctx, `
		UPDATE email_change_requests
		SET status = 'rejected', approved_by = $2, approved_at = $4, rejection_reason = $3, updated_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+columns, id, approvedBy, reason, at)
}

func (r *PostgresRepository) MarkNewEmailVerified(ctx context.Context, id string, at time.Time) (*Request, error) {
	return r.one(ctx, `
		UPDATE email_change_requests
		SET verification_token_hash = NULL, new_email_verified_at = $2, updated_at = $2,
			status = CASE WHEN require_old_email_confirmation THEN 'email_verified' ELSE 'completed' END,
			completed_at = CASE WHEN require_old_email_confirmation THEN NULL ELSE $2 END
		WHERE id = $1 AND status = 'admin_approved'
		RETURNING `+columns, id, at)
}

func (r *PostgresRepository) ConfirmOld(ctx context.Context, id string, at time.Time) (*Request, error) {
	return r.one(ctx, `
		UPDATE email_change_requests
		SET status = 'completed', old_email_token_hash = NULL, old_email_confirmed = TRUE, completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'email_verified'
		RETURNING `+columns, id, at)
}

func (r *PostgresRepository) Cancel(ctx context.Context, id string, at time.Time) (*Request, error) {
	return r.one(ctx, `
		UPDATE email_change_requests
		SET status = 'cancelled', verification_token_hash = NULL, old_email_token_hash = NULL, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'admin_approved')
		RETURNING `+columns, id, at)
}

// List returns requests in status, newest first. An empty status lists every request.
func (r *PostgresRepository) List(ctx context.Context, status Status, limit, offset int) ([]*Request, error) {
	var out []*Request
	err := db.Conn(ctx, r.db).SelectContext(ctx, &out, `
		SELECT `+columns+` FROM email_change_requests
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id ASC
		LIMIT $2 OFFSET $3`, status, limit, offset)
	return out, err
}
