package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/db"
	"acad-system/backend/internal/platform/role"
	"acad-system/backend/internal/user/domain"
)

const userColumns = `id, email, password_hash, role, is_active, is_frozen, frozen_at, email_verified,
	COALESCE(phone, '') AS phone, mfa_method, mfa_secret, failed_login_count, lockout_count,
	is_locked, lockout_until, created_at, updated_at`

// ErrUserNotFound is returned by mutations that target a missing user.
var ErrUserNotFound = errors.New("user not found")

type PostgresRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresRepository returns a user repository over db. Calls made with a transaction in ctx
// run inside it.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

func (r *PostgresRepository) get(ctx context.Context, query string, args ...interface{}) (*domain.User, error) {
	var u domain.User
	if err := db.Conn(ctx, r.db).GetContext(ctx, &u, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// GetByID returns the user for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByIDForUpdate is GetByID with a row lock. FOR NO KEY UPDATE leaves inserts that reference the
// user (sessions, attempts) unblocked.
func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, id string) (*domain.User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR NO KEY UPDATE`, id)
}

// GetByEmail matches case-insensitively.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
}

func (r *PostgresRepository) EmailTaken(ctx context.Context, email, exceptUserID string) (bool, error) {
	var taken bool
	err := db.Conn(ctx, r.db).GetContext(ctx, &taken,
		`SELECT EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($1) AND id <> $2)`,
		strings.TrimSpace(email), exceptUserID)
	return taken, err
}

func (r *PostgresRepository) ListByRoles(ctx context.Context, roles ...role.Role) ([]*domain.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	names := make([]string, len(roles))
	for i, rl := range roles {
		names[i] = string(rl)
	}
	conn := db.Conn(ctx, r.db)
	query, args, err := sqlx.In(`SELECT `+userColumns+` FROM users WHERE is_active AND role IN (?) ORDER BY created_at`, names)
	if err != nil {
		return nil, err
	}
	var out []*domain.User
	if err := conn.SelectContext(ctx, &out, conn.Rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

// Create persists u. The caller assigns the ID.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	if u.MFAMethod == "" {
		u.MFAMethod = domain.MFANone
	}
	_, err := db.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role, is_active, email_verified, phone, mfa_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		u.ID, u.Email, u.PasswordHash, string(u.Role), u.IsActive, u.EmailVerified, u.Phone,
		string(u.MFAMethod), u.CreatedAt, u.UpdatedAt)
	return err
}

func (r *PostgresRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := db.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("user %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user %s: %w", op, err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.exec(ctx, "update password",
		`UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`, id, passwordHash, r.now().UTC())
}

func (r *PostgresRepository) UpdateEmail(ctx context.Context, id, email string) error {
	return r.exec(ctx, "update email",
		`UPDATE users SET email = $2, email_verified = FALSE, updated_at = $3 WHERE id = $1`, id, email, r.now().UTC())
}

func (r *PostgresRepository) SetActive(ctx context.Context, id string, active bool) error {
	return r.exec(ctx, "set active",
		`UPDATE users SET is_active = $2, updated_at = $3 WHERE id = $1`, id, active, r.now().UTC())
}

// SetFrozen freezes (soft-deletes) or unfreezes the account. Freezing also deactivates it.
func (r *PostgresRepository) SetFrozen(ctx context.Context, id string, frozen bool, at time.Time) error {
	if frozen {
		return r.exec(ctx, "freeze",
			`UPDATE users SET is_frozen = TRUE, is_active = FALSE, frozen_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	}
	return r.exec(ctx, "unfreeze",
		`UPDATE users SET is_frozen = FALSE, frozen_at = NULL, updated_at = $2 WHERE id = $1`, id, at)
}

func (r *PostgresRepository) SetMFA(ctx context.Context, id string, method domain.MFAMethod, sealedSecret []byte, phone string) error {
	return r.exec(ctx, "set mfa",
		`UPDATE users SET mfa_method = $2, mfa_secret = $3, phone = COALESCE(NULLIF($4, ''), phone), updated_at = $5 WHERE id = $1`,
		id, string(method), sealedSecret, phone, r.now().UTC())
}

func (r *PostgresRepository) IncrementFailedLogins(ctx context.Context, id string) (int, error) {
	var n int
	err := db.Conn(ctx, r.db).GetContext(ctx, &n,
		`UPDATE users SET failed_login_count = failed_login_count + 1, updated_at = $2 WHERE id = $1 RETURNING failed_login_count`,
		id, r.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	return n, err
}

func (r *PostgresRepository) ResetFailedLogins(ctx context.Context, id string) error {
	return r.exec(ctx, "reset failed logins",
		`UPDATE users SET failed_login_count = 0, updated_at = $2 WHERE id = $1`, id, r.now().UTC())
}

func (r *PostgresRepository) SetLock(ctx context.Context, id string, until time.Time, lockoutCount int) error {
	return r.exec(ctx, "lock",
		`UPDATE users SET is_locked = TRUE, lockout_until = $2, lockout_count = $3, updated_at = $4 WHERE id = $1`,
		id, until, lockoutCount, r.now().UTC())
}

func (r *PostgresRepository) ClearLock(ctx context.Context, id string) error {
	return r.exec(ctx, "clear lock",
		`UPDATE users SET is_locked = FALSE, lockout_until = NULL, updated_at = $2 WHERE id = $1`, id, r.now().UTC())
}

func (r *PostgresRepository) ResetLockout(ctx context.Context, id string) error {
	return r.exec(ctx, "reset lockout", `
		UPDATE users SET failed_login_count = 0, lockout_count = 0, is_locked = FALSE, lockout_until = NULL, updated_at = $2
		WHERE id = $1`, id, r.now().UTC())
}
