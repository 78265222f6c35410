package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acad-system/backend/internal/session/domain"
)

var sessionCols = []string{"id", "user_id", "website_id", "device_id", "ip", "user_agent", "device_name", "trusted_device",
	"refresh_jti", "refresh_token_hash", "logged_in_at", "last_seen_at", "expires_at", "is_active", "revoked_at"}

func newRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return NewPostgresRepository(sqlx.NewDb(raw, "pgx")), mock
}

func TestCreate(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	s := &domain.Session{ID: "s1", UserID: "u1", WebsiteID: "essays", IP: "10.0.0.1", UserAgent: "curl",
		RefreshJTI: "j1", RefreshTokenHash: "h1", LoggedInAt: now, ExpiresAt: now.Add(time.Hour)}
	mock.ExpectExec(`INSERT INTO login_sessions`).
		WithArgs("s1", "u1", "essays", nil, "10.0.0.1", "curl", "", false, "j1", "h1", now, s.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Create(context.Background(), s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevoke_GuardedReturnsRowOnce(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`UPDATE login_sessions SET revoked_at = \$2, is_active = FALSE\s+WHERE id = \$1 AND revoked_at IS NULL`).
		WithArgs("s1", now).
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			"s1", "u1", "essays", nil, "", "", "", false, "j1", "h1", now, nil, now.Add(time.Hour), false, now))
	mock.ExpectQuery(`UPDATE login_sessions SET revoked_at`).
		WithArgs("s1", now).
		WillReturnRows(sqlmock.NewRows(sessionCols))

	s, err := repo.Revoke(context.Background(), "s1", now)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.False(t, s.Active(now))

	s, err = repo.Revoke(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestRevokeAll_ReturnsIDs(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`\(\$2 = '' OR website_id = \$2\) AND id <> \$3 AND revoked_at IS NULL`).
		WithArgs("u1", "essays", "keep", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("s2").AddRow("s3"))
	ids, err := repo.RevokeAll(context.Background(), "u1", "essays", "keep", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s3"}, ids)
}

func TestOldestActiveExcept(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`ORDER BY logged_in_at ASC, id ASC\s+LIMIT 1`).
		WithArgs("u1", "essays", "s4", now).
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			"s1", "u1", "essays", nil, "", "", "", false, "j1", "h1", now.Add(-time.Hour), nil, now.Add(time.Hour), true, nil))
	s, err := repo.OldestActiveExcept(context.Background(), "u1", "essays", "s4", now)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "s1", s.ID)
}

func TestRotateRefresh_StaleJTI(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	exp := now.Add(24 * time.Hour)
	mock.ExpectExec(`WHERE id = \$1 AND refresh_jti = \$2 AND revoked_at IS NULL`).
		WithArgs("s1", "old", "new", "h2", exp, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err := repo.RotateRefresh(context.Background(), "s1", "old", "new", "h2", exp, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListByUser_ActiveOnly(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`AND revoked_at IS NULL AND expires_at > \$3 ORDER BY logged_in_at DESC`).
		WithArgs("u1", "essays", now).
		WillReturnRows(sqlmock.NewRows(sessionCols))
	out, err := repo.ListByUser(context.Background(), "u1", "essays", true, now)
	require.NoError(t, err)
	assert.Empty(t, out)
}
