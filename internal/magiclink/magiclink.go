// Package magiclink issues single-use sign-in links. Only the SHA-256 of a link token is stored.
package magiclink

import (
	"context"
	"time"
)

type Purpose string

const (
	PurposeLogin  Purpose = "login"
	PurposeUnlock Purpose = "unlock"
)

func (p Purpose) Valid() bool { return p == PurposeLogin || p == PurposeUnlock }

// Link is a magic_links row.
type Link struct {
	ID        string     `db:"id"`
	UserID    string     `db:"user_id"`
	WebsiteID string     `db:"website_id"`
	TokenHash string     `db:"token_hash"`
	Purpose   Purpose    `db:"purpose"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
	IP        string     `db:"ip"`
	UserAgent string     `db:"user_agent"`
	CreatedAt time.Time  `db:"created_at"`
}

type Repository interface {
	Create(ctx context.Context, l *Link) error
	// Claim marks the unused, unexpired link with tokenHash as used and returns it. It returns nil
	// when no such link exists, so of two concurrent claims only one gets the row.
	Claim(ctx context.Context, tokenHash string, now time.Time) (*Link, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
