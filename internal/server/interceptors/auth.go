package interceptors

import (
	"context"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/selector"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/security"
	"acad-system/backend/internal/tenant"
)

// RevocationChecker reports whether a session has been revoked. Implementations must fail closed:
// on error the session is treated as revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// AccessValidator validates access tokens. Satisfied by *security.TokenProvider.
type AccessValidator interface {
	ValidateAccess(token string) (security.Subject, error)
}

// AuthFunc validates the Bearer access token, binds it to the resolved website and rejects tokens
// whose session was revoked.
// revocations may be nil, in which case only the token itself is checked.
func AuthFunc(tokens AccessValidator, revocations RevocationChecker) auth.AuthFunc {
	return func(ctx context.Context) (context.Context, error) {
		token, err := auth.AuthFromMD(ctx, "bearer")
		if err != nil || token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		sub, err := tokens.ValidateAccess(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		if wid := tenant.IDFromContext(ctx); wid != "" && wid != sub.WebsiteID {
			return nil, status.Error(codes.Unauthenticated, "token not valid for this website")
		}
		if revocations != nil {
			revoked, err := revocations.IsRevoked(ctx, sub.SessionID)
			if err != nil {
				return nil, status.Error(codes.Unavailable, "session state unavailable")
			}
			if revoked {
				return nil, status.Error(codes.Unauthenticated, "session revoked")
			}
		}
		ctx = WithIdentity(ctx, sub.UserID, sub.WebsiteID, sub.SessionID)
		return WithRole(ctx, sub.Role), nil
	}
}

// AuthUnary runs AuthFunc for every method not in publicMethods.
func AuthUnary(tokens AccessValidator, revocations RevocationChecker, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return selector.UnaryServerInterceptor(
		auth.UnaryServerInterceptor(AuthFunc(tokens, revocations)),
		selector.MatchFunc(func(_ context.Context, c interceptors.CallMeta) bool {
			return !publicMethods[c.FullMethod()]
		}),
	)
}
