package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/audit"
	auditdomain "acad-system/backend/internal/audit/domain"
	userdomain "acad-system/backend/internal/user/domain"
)

// UserGetter loads the user behind an authenticated request.
type UserGetter interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// AuditUnary records an admin_action security event after each RPC in auditMethods. The actor is
// resolved from the user store so the event carries email and role, not only an id. Recording is
// best-effort and never changes the RPC result.
func AuditUnary(rec audit.Recorder, users UserGetter, auditMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if !auditMethods[info.FullMethod] {
			return resp, err
		}
		userID, _ := GetUserID(ctx)
		if userID == "" {
			return resp, err
		}
		actor := auditdomain.Actor{UserID: userID}
		if r, ok := GetRole(ctx); ok {
			actor.Role = r
		}
		if users != nil {
			if u, lookupErr := users.GetByID(ctx, userID); lookupErr == nil && u != nil {
				actor = audit.ActorOf(u)
			}
		}
		ar := audit.ParseFullMethod(info.FullMethod)
		severity := auditdomain.SeverityInfo
		if err != nil {
			severity = auditdomain.SeverityWarning
		}
		websiteID, _ := GetWebsiteID(ctx)
		rec.Record(ctx, actor, websiteID, auditdomain.EventAdminAction, severity, map[string]any{
			"action":   ar.Action,
			"resource": ar.Resource,
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
		})
		return resp, err
	}
}
