// Package handler serves SessionService: listing and revoking sign-in sessions and reading or
// changing the concurrent-session policy.
package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"acad-system/backend/internal/platform/rbac"
	policydomain "acad-system/backend/internal/policy/domain"
	"acad-system/backend/internal/server/interceptors"
	"acad-system/backend/internal/server/rpc"
	"acad-system/backend/internal/session/domain"
	userdomain "acad-system/backend/internal/user/domain"
)

const ServiceName = "acad.session.v1.SessionService"

// Sessions is the part of the session service the handler calls.
type Sessions interface {
	ListSessions(ctx context.Context, userID, websiteID string, activeOnly bool) ([]*domain.Session, error)
	RevokeOwned(ctx context.Context, actor *userdomain.User, sessionID string) (bool, error)
	RevokeAll(ctx context.Context, userID, websiteID, excludeSessionID string) ([]string, error)
}

// Policies reads and writes session limit policies.
type Policies interface {
	GetPolicy(ctx context.Context, userID, websiteID string) (*policydomain.SessionLimitPolicy, error)
	UpdatePolicy(ctx context.Context, actor *userdomain.User, p *policydomain.SessionLimitPolicy) (*policydomain.SessionLimitPolicy, error)
}

// Server implements SessionService.
type Server struct {
	sessions Sessions
	policies Policies
	users    rbac.UserGetter
	log      *zap.Logger
}

// NewServer returns the SessionService server.
func NewServer(sessions Sessions, policies Policies, users rbac.UserGetter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{sessions: sessions, policies: policies, users: users, log: log}
}

type SessionServiceServer interface {
	ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
	RevokeSession(context.Context, *RevokeSessionRequest) (*RevokeSessionResponse, error)
	RevokeAllSessions(context.Context, *RevokeAllSessionsRequest) (*RevokeAllSessionsResponse, error)
	GetSessionLimitPolicy(context.Context, *GetSessionLimitPolicyRequest) (*SessionLimitPolicy, error)
	UpdateSessionLimitPolicy(context.Context, *UpdateSessionLimitPolicyRequest) (*SessionLimitPolicy, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "ListSessions", SessionServiceServer.ListSessions),
		rpc.Unary(ServiceName, "RevokeSession", SessionServiceServer.RevokeSession),
		rpc.Unary(ServiceName, "RevokeAllSessions", SessionServiceServer.RevokeAllSessions),
		rpc.Unary(ServiceName, "GetSessionLimitPolicy", SessionServiceServer.GetSessionLimitPolicy),
		rpc.Unary(ServiceName, "UpdateSessionLimitPolicy", SessionServiceServer.UpdateSessionLimitPolicy),
	},
	Streams: []grpc.StreamDesc{},
}

// AdminMethods are audited when called.
var AdminMethods = rpc.Methods(&ServiceDesc, "RevokeAllSessions", "UpdateSessionLimitPolicy")

// target resolves whose sessions a request is about. Naming another user needs the account
// management capability.
func (s *Server) target(ctx context.Context, userID string) (*userdomain.User, string, error) {
	actor, err := rbac.RequireUser(ctx, s.users)
	if err != nil {
		return nil, "", err
	}
	if userID == "" || userID == actor.ID {
		return actor, actor.ID, nil
	}
	if !actor.Role.CanManageAccounts() {
		return nil, "", status.Error(codes.PermissionDenied, "account management required")
	}
	return actor, userID, nil
}

// ListSessions returns the caller's sessions on the current website, or another user's for an admin.
func (s *Server) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	_, userID, err := s.target(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	websiteID, _ := interceptors.GetWebsiteID(ctx)
	current, _ := interceptors.GetSessionID(ctx)
	list, err := s.sessions.ListSessions(ctx, userID, websiteID, req.ActiveOnly)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	now := time.Now()
	out := make([]*Session, len(list))
	for i, sess := range list {
		out[i] = sessionView(sess, current, now)
	}
	return &ListSessionsResponse{Sessions: out}, nil
}

// RevokeSession revokes one session. Revoking an already revoked session succeeds with revoked=false.
func (s *Server) RevokeSession(ctx context.Context, req *RevokeSessionRequest) (*RevokeSessionResponse, error) {
	if req.SessionID == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id required")
	}
	actor, err := rbac.RequireUser(ctx, s.users)
	if err != nil {
		return nil, err
	}
	revoked, err := s.sessions.RevokeOwned(ctx, actor, req.SessionID)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &RevokeSessionResponse{Revoked: revoked}, nil
}

// RevokeAllSessions signs a user out everywhere on the website. KeepCurrent applies only to the
// caller's own sessions.
func (s *Server) RevokeAllSessions(ctx context.Context, req *RevokeAllSessionsRequest) (*RevokeAllSessionsResponse, error) {
	actor, userID, err := s.target(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	websiteID, _ := interceptors.GetWebsiteID(ctx)
	exclude := ""
	if req.KeepCurrent && userID == actor.ID {
		exclude, _ = interceptors.GetSessionID(ctx)
	}
	ids, err := s.sessions.RevokeAll(ctx, userID, websiteID, exclude)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return &RevokeAllSessionsResponse{RevokedSessionIDs: ids}, nil
}

func (s *Server) GetSessionLimitPolicy(ctx context.Context, req *GetSessionLimitPolicyRequest) (*SessionLimitPolicy, error) {
	actor, err := rbac.RequireUser(ctx, s.users)
	if err != nil {
		return nil, err
	}
	userID := actor.ID
	if req.UserID != "" && req.UserID != actor.ID {
		if !actor.Role.CanManageSessionPolicy() {
			return nil, status.Error(codes.PermissionDenied, "session policy management required")
		}
		userID = req.UserID
	}
	websiteID, _ := interceptors.GetWebsiteID(ctx)
	p, err := s.policies.GetPolicy(ctx, userID, websiteID)
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return policyView(p), nil
}

func (s *Server) UpdateSessionLimitPolicy(ctx context.Context, req *UpdateSessionLimitPolicyRequest) (*SessionLimitPolicy, error) {
	actor, err := rbac.RequireUser(ctx, s.users)
	if err != nil {
		return nil, err
	}
	userID := req.UserID
	if userID == "" {
		userID = actor.ID
	}
	websiteID, _ := interceptors.GetWebsiteID(ctx)
	p, err := s.policies.UpdatePolicy(ctx, actor, &policydomain.SessionLimitPolicy{
		UserID:                userID,
		WebsiteID:             websiteID,
		MaxConcurrentSessions: req.MaxConcurrentSessions,
		AllowUnlimitedTrusted: req.AllowUnlimitedTrusted,
		RevokeOldestOnLimit:   req.RevokeOldestOnLimit,
	})
	if err != nil {
		return nil, rpc.Error(ctx, s.log, err)
	}
	return policyView(p), nil
}

func sessionView(s *domain.Session, current string, now time.Time) *Session {
	return &Session{
		ID:            s.ID,
		UserID:        s.UserID,
		WebsiteID:     s.WebsiteID,
		IP:            s.IP,
		UserAgent:     s.UserAgent,
		DeviceName:    s.DeviceName,
		TrustedDevice: s.TrustedDevice,
		LoggedInAt:    s.LoggedInAt,
		LastSeenAt:    s.LastSeenAt,
		ExpiresAt:     s.ExpiresAt,
		RevokedAt:     s.RevokedAt,
		Active:        s.Active(now),
		Current:       s.ID == current,
	}
}

func policyView(p *policydomain.SessionLimitPolicy) *SessionLimitPolicy {
	return &SessionLimitPolicy{
		UserID:                p.UserID,
		WebsiteID:             p.WebsiteID,
		MaxConcurrentSessions: p.MaxConcurrentSessions,
		AllowUnlimitedTrusted: p.AllowUnlimitedTrusted,
		RevokeOldestOnLimit:   p.RevokeOldestOnLimit,
		Unlimited:             p.Unlimited(),
		UpdatedAt:             p.UpdatedAt,
	}
}
