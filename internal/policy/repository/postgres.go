package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/db"
	"acad-system/backend/internal/policy/domain"
)

const policyColumns = `user_id, website_id, max_concurrent_sessions, allow_unlimited_trusted, revoke_oldest_on_limit, created_at, updated_at`

type PostgresRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

func (r *PostgresRepository) get(ctx context.Context, userID, websiteID string) (*domain.SessionLimitPolicy, error) {
	var p domain.SessionLimitPolicy
	err := db.Conn(ctx, r.db).GetContext(ctx, &p,
		`SELECT `+policyColumns+` FROM session_limit_policies WHERE user_id = $1 AND website_id = $2`, userID, websiteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOrCreate inserts with ON CONFLICT DO NOTHING. When the insert loses a race (no row returned,
// or a unique violation surfaced by the driver) the winner's row is read back.
func (r *PostgresRepository) GetOrCreate(ctx context.Context, defaults *domain.SessionLimitPolicy) (*domain.SessionLimitPolicy, error) {
	now := r.now().UTC()
	var p domain.SessionLimitPolicy
	err := db.Conn(ctx, r.db).GetContext(ctx, &p, `
		INSERT INTO session_limit_policies (user_id, website_id, max_concurrent_sessions, allow_unlimited_trusted, revoke_oldest_on_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id, website_id) DO NOTHING
		RETURNING `+policyColumns,
		defaults.UserID, defaults.WebsiteID, defaults.MaxConcurrentSessions, defaults.AllowUnlimitedTrusted,
		defaults.RevokeOldestOnLimit, now)
	switch {
	case err == nil:
		return &p, nil
	case errors.Is(err, sql.ErrNoRows), db.IsUniqueViolation(err):
		existing, gerr := r.get(ctx, defaults.UserID, defaults.WebsiteID)
		if gerr != nil {
			return nil, gerr
		}
		if existing == nil {
			return nil, errors.New("session limit policy vanished after conflict")
		}
		return existing, nil
	default:
		return nil, err
	}
}

func (r *PostgresRepository) Update(ctx context.Context, p *domain.SessionLimitPolicy) (*domain.SessionLimitPolicy, error) {
	var out domain.SessionLimitPolicy
	err := db.Conn(ctx, r.db).GetContext(ctx, &out, `
		UPDATE session_limit_policies
		SET max_concurrent_sessions = $3, allow_unlimited_trusted = $4, revoke_oldest_on_limit = $5, updated_at = $6
		WHERE user_id = $1 AND website_id = $2
		RETURNING `+policyColumns,
		p.UserID, p.WebsiteID, p.MaxConcurrentSessions, p.AllowUnlimitedTrusted, p.RevokeOldestOnLimit, r.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
