package rbac

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/platform/role"
	"acad-system/backend/internal/server/interceptors"
	"acad-system/backend/internal/user/domain"
)

// UserGetter loads a user by id. Used to resolve the caller's current role rather than trusting
// the role claim in the token.
type UserGetter interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// Capability is a role predicate, e.g. role.Role.CanManageAccounts.
type Capability func(role.Role) bool

// RequireUser returns the authenticated caller. It fails with Unauthenticated when the context
// carries no identity or the account can no longer log in.
func RequireUser(ctx context.Context, users UserGetter) (*domain.User, error) {
	userID, ok := interceptors.GetUserID(ctx)
	if !ok || userID == "" {
		return nil, status.Error(codes.Unauthenticated, "user context required")
	}
	u, err := users.GetByID(ctx, userID)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to resolve user")
	}
	if u == nil || !u.CanLogin() {
		return nil, status.Error(codes.Unauthenticated, "account not available")
	}
	return u, nil
}

// RequireCapability is RequireUser plus a role check. what names the capability in the
// PermissionDenied message.
func RequireCapability(ctx context.Context, users UserGetter, capability Capability, what string) (*domain.User, error) {
	u, err := RequireUser(ctx, users)
	if err != nil {
		return nil, err
	}
	if !capability(u.Role) {
		return nil, status.Errorf(codes.PermissionDenied, "%s required", what)
	}
	return u, nil
}
