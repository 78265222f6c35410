package suspension

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/db"
)

const columns = `id, user_id, website_id, is_suspended, reason, suspended_at, scheduled_reactivation, reactivated_at, created_at, updated_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) one(ctx context.Context, query string, args ...any) (*Suspension, error) {
	var s Suspension
	err := db.Conn(ctx, r.db).GetContext(ctx, &s, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetOrCreate inserts an unsuspended row unless one exists. Losing the insert race, by an empty
// RETURNING or a surfaced unique violation, falls back to reading the winner's row.
func (r *PostgresRepository) GetOrCreate(ctx context.Context, id, userID, websiteID string, at time.Time) (*Suspension, error) {
	s, err := r.one(ctx, `
		INSERT INTO account_suspensions (id, user_id, website_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING `+columns, id, userID, websiteID, at)
	if err != nil && !db.IsUniqueViolation(err) {
		return nil, err
	}
	if s != nil {
		return s, nil
	}
	s, err = r.one(ctx, `SELECT `+columns+` FROM account_suspensions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("suspension row vanished after conflict")
	}
	return s, nil
}

func (r *PostgresRepository) Suspend(ctx context.Context, userID, websiteID, reason string, until *time.Time, at time.Time) (*Suspension, error) {
	return r.one(ctx, `
		UPDATE account_suspensions
		SET is_suspended = TRUE, website_id = $2, reason = $3, suspended_at = $5, scheduled_reactivation = $4,
			reactivated_at = NULL, updated_at = $5
		WHERE user_id = $1 AND NOT is_suspended
		RETURNING `+columns, userID, websiteID, reason, until, at)
}

func (r *PostgresRepository) Reactivate(ctx context.Context, userID string, at time.Time) (*Suspension, error) {
	return r.one(ctx, `
		UPDATE account_suspensions
		SET is_suspended = FALSE, reactivated_at = $2, scheduled_reactivation = NULL, updated_at = $2
		WHERE user_id = $1 AND is_suspended
		RETURNING `+columns, userID, at)
}

func (r *PostgresRepository) ReactivateDue(ctx context.Context, now time.Time) ([]*Suspension, error) {
	var out []*Suspension
	err := db.Conn(ctx, r.db).SelectContext(ctx, &out, `
		UPDATE account_suspensions
		SET is_suspended = FALSE, reactivated_at = $1, scheduled_reactivation = NULL, updated_at = $1
		WHERE is_suspended AND scheduled_reactivation IS NOT NULL AND scheduled_reactivation <= $1
		RETURNING `+columns, now)
	return out, err
}
