// Package lifecycle holds what the account lifecycle workflows share: their error values and the
// collaborators they all depend on. The workflows themselves live in the suspension, deletion and
// emailchange subpackages.
package lifecycle

import (
	"context"
	"errors"
)

var (
	ErrRequestNotFound = errors.New("request not found")
	ErrWrongState      = errors.New("request is not in a state that allows this action")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenInvalid    = errors.New("token invalid")
	ErrNotPermitted    = errors.New("not permitted")
)

// Transactor runs fn in a transaction, joining one already carried by ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SessionRevoker ends sessions when an account leaves the active state. An empty websiteID spans
// every website.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, userID, websiteID, excludeSessionID string) ([]string, error)
}
