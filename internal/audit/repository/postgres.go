package repository

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"acad-system/backend/internal/audit/domain"
)

type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository returns a security event repository. Writes always go through db itself,
// never a transaction carried in ctx, so an event survives the rollback of the operation it
// describes (e.g. a failed login).
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, e *domain.SecurityEvent) error {
	meta := e.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO security_events (id, user_id, actor_email, actor_role, website_id, event_type, severity, ip, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.UserID, e.ActorEmail, e.ActorRole, e.WebsiteID, string(e.EventType), string(e.Severity),
		e.IP, e.UserAgent, []byte(meta), e.CreatedAt)
	return err
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID, websiteID string, limit, offset int) ([]*domain.SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []eventRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, actor_email, actor_role, website_id, event_type, severity, ip, user_agent, metadata, created_at
		FROM security_events
		WHERE user_id = $1 AND ($2 = '' OR website_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`, userID, websiteID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.SecurityEvent, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// eventRow scans metadata as bytes; jsonb does not scan into json.RawMessage directly.
type eventRow struct {
	domain.SecurityEvent
	RawMetadata []byte `db:"metadata"`
}

func (r *eventRow) toDomain() *domain.SecurityEvent {
	e := r.SecurityEvent
	e.Metadata = json.RawMessage(r.RawMetadata)
	return &e
}
