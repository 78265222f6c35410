package suspension

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cols = []string{"id", "user_id", "website_id", "is_suspended", "reason", "suspended_at", "scheduled_reactivation",
	"reactivated_at", "created_at", "updated_at"}

func newRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return NewPostgresRepository(sqlx.NewDb(raw, "pgx")), mock
}

func TestGetOrCreate_Inserted(t *testing.T) {
	repo, mock := newRepo(t)
	at := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO account_suspensions .* ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs("s1", "u1", "essays", at).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("s1", "u1", "essays", false, "", nil, nil, nil, at, at))
	row, err := repo.GetOrCreate(context.Background(), "s1", "u1", "essays", at)
	require.NoError(t, err)
	assert.Equal(t, "s1", row.ID)
}

func TestGetOrCreate_ConflictRefetches(t *testing.T) {
	repo, mock := newRepo(t)
	at := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO account_suspensions`).WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(`SELECT .* FROM account_suspensions WHERE user_id = \$1`).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("winner", "u1", "essays", true, "", at, nil, nil, at, at))
	row, err := repo.GetOrCreate(context.Background(), "loser", "u1", "essays", at)
	require.NoError(t, err)
	assert.Equal(t, "winner", row.ID)
	assert.True(t, row.IsSuspended)
}

func TestGetOrCreate_UniqueViolationRefetches(t *testing.T) {
	repo, mock := newRepo(t)
	at := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO account_suspensions`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(`SELECT .* FROM account_suspensions`).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("winner", "u1", "essays", false, "", nil, nil, nil, at, at))
	row, err := repo.GetOrCreate(context.Background(), "loser", "u1", "essays", at)
	require.NoError(t, err)
	assert.Equal(t, "winner", row.ID)
}

func TestSuspend_GuardedOnState(t *testing.T) {
	repo, mock := newRepo(t)
	at := time.Now().UTC()
	mock.ExpectQuery(`WHERE user_id = \$1 AND NOT is_suspended`).
		WithArgs("u1", "essays", "why", nil, at).
		WillReturnRows(sqlmock.NewRows(cols))
	row, err := repo.Suspend(context.Background(), "u1", "essays", "why", nil, at)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestPostgresReactivateDue(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`WHERE is_suspended AND scheduled_reactivation IS NOT NULL AND scheduled_reactivation <= \$1`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s1", "u1", "essays", false, "", now, nil, now, now, now).
			AddRow("s2", "u2", "essays", false, "", now, nil, now, now, now))
	rows, err := repo.ReactivateDue(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
