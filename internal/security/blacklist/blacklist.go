// Package blacklist keeps revoked session ids in Redis for as long as an access token issued for
// them could still be valid.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the revocation store cannot answer. Callers must treat it as
// "revoked" and deny the request.
var ErrUnavailable = errors.New("revocation list unavailable")

const keyPrefix = "acad:revoked-session:"

// Blacklist marks sessions revoked.
type Blacklist struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// New returns a Blacklist whose entries live for ttl (the access-token lifetime).
func New(rdb redis.UniversalClient, ttl time.Duration) *Blacklist {
	return &Blacklist{rdb: rdb, ttl: ttl}
}

// Revoke marks the session ids revoked. Revoking an already revoked id refreshes its TTL.
func (b *Blacklist) Revoke(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	pipe := b.rdb.Pipeline()
	for _, id := range sessionIDs {
		pipe.Set(ctx, keyPrefix+id, 1, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("blacklist revoke: %w", err)
	}
	return nil
}

// IsRevoked reports whether the session id is revoked. On Redis errors it returns true with
// ErrUnavailable so that callers fail closed.
func (b *Blacklist) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, keyPrefix+sessionID).Result()
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Ping checks connectivity for readiness probes.
func (b *Blacklist) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
